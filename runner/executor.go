/******************************************************************************
 * Copyright (c) 2025-2026 Tenebris Technologies Inc.                         *
 * Please see the LICENSE file for details                                    *
 ******************************************************************************/

package runner

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/PivotLLM/Surveyor/cost"
	"github.com/PivotLLM/Surveyor/global"
	"github.com/PivotLLM/Surveyor/llm"
	"github.com/PivotLLM/Surveyor/logging"
	"github.com/PivotLLM/Surveyor/prompts"
	"github.com/PivotLLM/Surveyor/retrieval"
	"github.com/PivotLLM/Surveyor/store"
	"github.com/PivotLLM/Surveyor/telemetry"
)

// taskAttempt carries one task through execution. The result is written
// exactly once.
type taskAttempt struct {
	run      *requestRun
	task     *global.Task
	result   *global.AITaskResult
	log      *logging.Logger
	recorded bool
}

// executeTask runs one task and writes exactly one result for it.
// Returns the result status.
func (r *Runner) executeTask(ctx context.Context, run *requestRun, task *global.Task) (status string) {
	ctx, span := telemetry.Tracer(telemetry.ScopeRunner).Start(ctx, "ai_task.execute")
	defer span.End()
	span.SetAttributes(
		attribute.String("request.id", run.request.ID),
		attribute.Int64("task.id", task.ID),
	)

	a := &taskAttempt{
		run:  run,
		task: task,
		log:  run.log.WithPrefix(fmt.Sprintf("task %d", task.ID)),
		result: &global.AITaskResult{
			RequestID: run.request.ID,
			TaskID:    task.ID,
			Prompt:    global.PromptSnapshot{RetrievalMethod: run.mode},
		},
	}

	defer func() {
		if p := recover(); p != nil {
			a.log.Errorf("panicked: %v", p)
			if !a.recorded {
				r.fail(a, global.ErrCodeAPIError, fmt.Sprintf("unexpected error: %v", p))
			}
			status = a.result.Status
		}
		span.SetAttributes(attribute.String("task.status", a.result.Status))
		if a.result.ErrorCode != "" {
			span.SetAttributes(attribute.String("task.error_code", a.result.ErrorCode))
		}
		if a.result.Status == global.ResultStatusFailed || a.result.Status == global.ResultStatusFormatInvalid {
			span.SetStatus(codes.Error, a.result.ErrorText)
		}
	}()

	r.attempt(ctx, a)
	return a.result.Status
}

// attempt runs the task pipeline. Every return path records a result.
func (r *Runner) attempt(ctx context.Context, a *taskAttempt) {
	run, task := a.run, a.task

	if task.IsLocked() && r.cfg.SkipLockedTasks {
		a.result.Status = global.ResultStatusSkippedDependency
		a.result.ErrorCode = global.ErrCodeDependencyLocked
		a.result.ErrorText = "task is locked by a dependency"
		r.record(a)
		return
	}

	economy, err := r.store.GetEconomy(task.EconomyID)
	if err != nil {
		r.fail(a, global.ErrCodeMissingData, err.Error())
		return
	}
	question, err := r.store.GetQuestion(task.QuestionID)
	if err != nil {
		r.fail(a, global.ErrCodeMissingData, err.Error())
		return
	}

	version, err := r.store.SelectPromptVersion(question.ID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		r.fail(a, global.ErrCodeMissingData, err.Error())
		return
	}
	if version == nil || strings.TrimSpace(version.PromptText) == "" {
		msg := fmt.Sprintf("no prompt version for question %d", question.ID)
		if version != nil {
			a.result.Prompt.PromptVersionID = version.ID
			a.result.Prompt.PromptVersion = version.Version
			a.result.Prompt.PromptVersionActive = version.IsActive
			msg = fmt.Sprintf("prompt version %d of question %d is blank", version.Version, question.ID)
		}
		r.fail(a, global.ErrCodeMissingPrompt, msg)
		if err := r.store.AppendRequestError(run.request.ID, fmt.Sprintf("task %d: %s: %s", task.ID, global.ErrCodeMissingPrompt, msg)); err != nil {
			a.log.Warnf("%v", err)
		}
		r.audit(global.AuditMissingPrompt, "task", strconv.FormatInt(task.ID, 10), msg)
		return
	}

	prompt := prompts.Assemble(version.PromptText, prompts.Context{
		Economy:  economy,
		Question: question,
		Batch:    run.batch,
	})
	a.result.Prompt.PromptVersionID = version.ID
	a.result.Prompt.PromptVersion = version.Version
	a.result.Prompt.PromptVersionActive = version.IsActive
	a.result.Prompt.QuestionPrompt = prompt.QuestionPrompt

	evidence, err := r.retrieval.Augment(ctx, run.mode, economy, question)
	if err != nil {
		code := global.ErrCodeRetrievalError
		var blocked *retrieval.BlockedError
		if errors.As(err, &blocked) {
			code = blocked.Code
		}
		a.result.Prompt.FullPrompt = prompt.Full()
		r.fail(a, code, err.Error())
		return
	}
	prompt.Evidence = evidence.Block
	a.result.Prompt.FullPrompt = prompt.Full()
	a.result.Prompt.EvidenceSources = evidence.Sources

	waited, err := run.limiter.Wait(ctx)
	if err != nil {
		r.fail(a, global.ErrCodeAPIError, fmt.Sprintf("rate limit wait aborted: %v", err))
		return
	}
	if waited > 0 {
		a.log.Debugf("waited %v for provider rate limit", waited)
	}

	maxTokens := run.model.MaxOutputTokens
	if maxTokens <= 0 {
		maxTokens = r.cfg.MaxOutputTokens
	}
	res, callErr := r.llm.Invoke(ctx, run.cred, run.model.Name, a.result.Prompt.FullPrompt, llm.InvokeOptions{
		MaxOutputTokens: maxTokens,
		Timeout:         r.cfg.ProviderTimeout(),
		NativeSearch:    run.mode == global.RetrievalProviderNativeOnly,
	})

	latency := r.cfg.ProviderTimeout()
	if res != nil {
		latency = res.Latency
	}
	if err := r.store.RecordProviderCall(run.provider.ID, latency, callErr); err != nil {
		a.log.Warnf("failed to record provider telemetry for %d: %v", run.provider.ID, err)
	}

	if callErr != nil {
		code := global.ErrCodeAPIError
		if llm.IsQuotaExhausted(callErr) {
			code = global.ErrCodeProviderQuotaExceeded
		}
		r.fail(a, code, callErr.Error())
		return
	}

	a.result.RawText = res.RawText
	a.result.TokensIn = res.Tokens.In
	a.result.TokensOut = res.Tokens.Out
	a.result.CostEstimate = cost.Estimate(res.Tokens, run.model.PriceInput, run.model.PriceOutput)

	if res.FormatInvalid || strings.TrimSpace(res.RawText) == "" {
		a.result.Status = global.ResultStatusFormatInvalid
		a.result.ErrorCode = global.ErrCodeParseError
		a.result.ErrorText = "provider response contained no text"
		r.record(a)
		return
	}

	outcome, err := r.validator.Process(res.RawText, question.AnswerType)
	if err != nil {
		r.fail(a, global.ErrCodeParseError, err.Error())
		return
	}
	if !outcome.Recovered() {
		a.result.Status = global.ResultStatusFormatInvalid
		a.result.ErrorCode = global.ErrCodeParseError
		a.result.ErrorText = "no structured fields could be recovered from the response"
		r.record(a)
		return
	}

	a.result.Status = global.ResultStatusCompleted
	a.result.StructuredFields = outcome.Fields
	a.result.ParseStrategy = outcome.Strategy
	a.result.SchemaValidationPassed = outcome.Valid()
	if !outcome.Valid() {
		a.result.ErrorCode = global.ErrCodeSchemaInvalid
		a.result.ErrorText = outcome.Validation.Summary()
	}
	if !r.record(a) || !outcome.Valid() {
		return
	}

	r.writeDraft(a, outcome.Fields)
}

// writeDraft merges a valid result into the task's draft and advances the task
func (r *Runner) writeDraft(a *taskAttempt, fields map[string]any) {
	taskID := strconv.FormatInt(a.task.ID, 10)
	_, err := r.store.UpsertDraft(global.DraftResponse{
		TaskID:            a.task.ID,
		Answer:            fieldString(fields[global.FieldAnswer]),
		LegalBasis:        fieldString(fields[global.FieldLegalBasis]),
		URL:               fieldString(fields[global.FieldURL]),
		Reforms:           fieldString(fields[global.FieldReforms]),
		DateOfEnactment:   fieldString(fields[global.FieldDateOfEnactment]),
		DateOfEnforcement: fieldString(fields[global.FieldDateOfEnforcement]),
		Comments:          fieldString(fields[global.FieldComments]),
		Flag:              fieldString(fields[global.FieldFlag]),
		SourceResultID:    a.result.ID,
	})
	if err != nil {
		a.log.Errorf("%v", err)
		return
	}
	r.audit(global.AuditDraftWritten, "task", taskID, a.result.ID)

	if a.task.IsLocked() {
		return
	}
	advanced, err := r.store.AdvanceTask(a.task.ID)
	if err != nil {
		a.log.Warnf("%v", err)
		return
	}
	if advanced {
		r.audit(global.AuditTaskAdvanced, "task", taskID, global.TaskStatusInProgress)
	}
}

// fail records a failed result
func (r *Runner) fail(a *taskAttempt, code, message string) {
	a.result.Status = global.ResultStatusFailed
	a.result.ErrorCode = code
	a.result.ErrorText = message
	r.record(a)
}

// record writes the result and bumps the request counters. Returns false
// if the result could not be written.
func (r *Runner) record(a *taskAttempt) bool {
	if a.recorded {
		return true
	}
	a.recorded = true

	reqID := a.run.request.ID
	if a.result.ErrorCode != "" && a.result.Status != global.ResultStatusCompleted {
		a.log.Warnf("%s: %s: %s", a.result.Status, a.result.ErrorCode, a.result.ErrorText)
	} else {
		a.log.Infof("%s (%d in / %d out tokens, $%.6f)",
			a.result.Status, a.result.TokensIn, a.result.TokensOut, a.result.CostEstimate)
	}

	if err := r.store.InsertResult(a.result); err != nil {
		a.log.Errorf("%v", err)
		return false
	}

	var completed, failed int
	switch a.result.Status {
	case global.ResultStatusCompleted:
		completed = 1
	case global.ResultStatusFailed, global.ResultStatusFormatInvalid:
		failed = 1
	}
	if completed+failed > 0 {
		if err := r.store.IncrementRequestCounters(reqID, completed, failed); err != nil {
			a.log.Warnf("%v", err)
		}
	}
	return true
}

// fieldString flattens a normalized field value for the draft
func fieldString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []string:
		return strings.Join(t, "; ")
	case []any:
		parts := make([]string, 0, len(t))
		for _, item := range t {
			if s := fieldString(item); s != "" {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, "; ")
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case bool:
		return strconv.FormatBool(t)
	default:
		return fmt.Sprint(t)
	}
}
