/******************************************************************************
 * Copyright (c) 2025-2026 Tenebris Technologies Inc.                         *
 * Please see the LICENSE file for details                                    *
 ******************************************************************************/

// Package runner executes AI requests: the request orchestrator iterates a
// request's tasks and the task executor runs each task through prompt
// assembly, retrieval, the provider call, output recovery and persistence.
package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gofrs/flock"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/PivotLLM/Surveyor/config"
	"github.com/PivotLLM/Surveyor/global"
	"github.com/PivotLLM/Surveyor/llm"
	"github.com/PivotLLM/Surveyor/logging"
	"github.com/PivotLLM/Surveyor/retrieval"
	"github.com/PivotLLM/Surveyor/store"
	"github.com/PivotLLM/Surveyor/telemetry"
	"github.com/PivotLLM/Surveyor/templates"
)

// ErrSweepInProgress is returned when another process holds the sweep lock
var ErrSweepInProgress = errors.New("a queue sweep is already in progress")

// RequestError is a request-level rejection. The request is marked failed
// without touching any task.
type RequestError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Runner executes AI requests
type Runner struct {
	cfg       config.Runner
	lockPath  string
	store     *store.Store
	llm       *llm.Service
	retrieval *retrieval.Augmenter
	validator *templates.Validator
	logger    *logging.Logger

	limitersMu sync.Mutex
	limiters   map[int64]*RateLimiter
}

// New creates a new Runner. lockPath is the file used to serialize queue sweeps.
func New(cfg config.Runner, lockPath string, st *store.Store, llmSvc *llm.Service, aug *retrieval.Augmenter, validator *templates.Validator, logger *logging.Logger) *Runner {
	return &Runner{
		cfg:       cfg,
		lockPath:  lockPath,
		store:     st,
		llm:       llmSvc,
		retrieval: aug,
		validator: validator,
		logger:    logger,
		limiters:  make(map[int64]*RateLimiter),
	}
}

// limiterFor returns the shared rate limiter for a provider
func (r *Runner) limiterFor(providerID int64) *RateLimiter {
	r.limitersMu.Lock()
	defer r.limitersMu.Unlock()

	rl, ok := r.limiters[providerID]
	if !ok {
		rl = NewRateLimiter(r.cfg.RateLimit.MaxRequests, r.cfg.RateLimit.PeriodSeconds)
		r.limiters[providerID] = rl
	}
	return rl
}

// requestRun holds everything resolved once per request and shared by its tasks
type requestRun struct {
	request  *global.AIRequest
	batch    *global.Batch
	provider *global.Provider
	model    *global.Model
	cred     llm.Credential
	mode     string
	limiter  *RateLimiter
	log      *logging.Logger
}

// runTally accumulates task outcomes from concurrent workers
type runTally struct {
	mu        sync.Mutex
	processed int
	completed int
	failed    int
	skipped   int
}

func (t *runTally) add(status string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.processed++
	switch status {
	case global.ResultStatusCompleted:
		t.completed++
	case global.ResultStatusSkippedDependency:
		t.skipped++
	default:
		t.failed++
	}
}

// RunRequest claims a queued request and executes it to a terminal status.
// Request-level rejections are reported in the summary, not as an error.
func (r *Runner) RunRequest(ctx context.Context, requestID string) (*global.RunSummary, error) {
	claimed, err := r.store.ClaimRequest(requestID)
	if err != nil {
		return nil, err
	}
	if !claimed {
		status, err := r.store.RequestStatus(requestID)
		if err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("request %s is %s, only queued requests can be run", requestID, status)
	}

	req, err := r.store.GetRequest(requestID)
	if err != nil {
		return nil, err
	}
	return r.execute(ctx, req), nil
}

// ProcessQueue runs every queued request, oldest first. Only one sweep runs
// at a time across processes sharing the lock file.
func (r *Runner) ProcessQueue(ctx context.Context) (*global.SweepSummary, error) {
	lock := flock.New(r.lockPath)
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire sweep lock: %w", err)
	}
	if !locked {
		return nil, ErrSweepInProgress
	}
	defer func() {
		_ = lock.Unlock()
	}()

	ids, err := r.store.ListQueuedRequests()
	if err != nil {
		return nil, err
	}

	sweep := &global.SweepSummary{}
	if len(ids) == 0 {
		r.logger.Debugf("Queue sweep: no queued requests")
		return sweep, nil
	}
	r.logger.Infof("Queue sweep: %d queued request(s)", len(ids))

	for _, id := range ids {
		if ctx.Err() != nil {
			r.logger.Warnf("Queue sweep interrupted: %v", ctx.Err())
			break
		}
		summary, err := r.RunRequest(ctx, id)
		if err != nil {
			// Claimed or canceled by another actor since listing
			r.logger.Warnf("Queue sweep: skipping request %s: %v", id, err)
			continue
		}
		sweep.Add(*summary)
	}

	r.logger.Infof("Queue sweep finished: %d request(s), %d/%d task(s) processed, %d completed, %d failed",
		sweep.Requests, sweep.Processed, sweep.Total, sweep.Completed, sweep.Failed)
	return sweep, nil
}

// execute runs a claimed (running) request to completion
func (r *Runner) execute(ctx context.Context, req *global.AIRequest) *global.RunSummary {
	ctx, span := telemetry.Tracer(telemetry.ScopeRunner).Start(ctx, "ai_request.run")
	defer span.End()
	span.SetAttributes(
		attribute.String("request.id", req.ID),
		attribute.Int64("batch.id", req.BatchID),
	)

	log := r.logger.WithPrefix("request " + req.ID)
	summary := &global.RunSummary{RequestID: req.ID}
	r.audit(global.AuditRequestStarted, "ai_request", req.ID, fmt.Sprintf("batch %d", req.BatchID))
	log.Infof("started (batch %d, provider %d, model %d, retrieval %s)",
		req.BatchID, req.ProviderID, req.ModelID, req.RetrievalMethod)

	run, reqErr := r.prepare(req, log)
	if reqErr != nil {
		log.Errorf("rejected: %v", reqErr)
		span.SetStatus(codes.Error, reqErr.Error())
		summary.Error = reqErr.Error()
		summary.Status = r.finish(req.ID, global.RequestStatusFailed, reqErr.Error())
		return summary
	}

	taskList, err := r.store.ListRequestTasks(req.BatchID, req.TaskIDs)
	if err != nil {
		log.Errorf("%v", err)
		summary.Error = err.Error()
		summary.Status = r.finish(req.ID, global.RequestStatusFailed, err.Error())
		return summary
	}
	summary.Total = len(taskList)
	if err := r.store.SetRequestTotal(req.ID, len(taskList)); err != nil {
		log.Warnf("%v", err)
	}

	workers := r.workers(run.provider)
	span.SetAttributes(attribute.Int("request.tasks", len(taskList)), attribute.Int("request.workers", workers))
	log.Infof("%d task(s), %d worker(s)", len(taskList), workers)

	tally := &runTally{}
	var canceled atomic.Bool

	var g errgroup.Group
	g.SetLimit(workers)
	for _, task := range taskList {
		if ctx.Err() != nil || canceled.Load() {
			break
		}
		g.Go(func() error {
			// Checked once a worker slot is free so no task starts after a cancel
			if ctx.Err() != nil || canceled.Load() {
				return nil
			}
			if r.canceled(req.ID) {
				canceled.Store(true)
				log.Infof("canceled, not starting task %d", task.ID)
				return nil
			}
			tally.add(r.executeTask(ctx, run, task))
			return nil
		})
	}
	_ = g.Wait()

	summary.Processed = tally.processed
	summary.Completed = tally.completed
	summary.Failed = tally.failed
	summary.Skipped = tally.skipped

	switch {
	case canceled.Load() || r.canceled(req.ID):
		summary.Status = global.RequestStatusCanceled
		r.audit(global.AuditRequestFinished, "ai_request", req.ID, summary.Status)
	case ctx.Err() != nil:
		note := fmt.Sprintf("interrupted after %d of %d task(s): %v", tally.processed, len(taskList), ctx.Err())
		log.Warnf("%s", note)
		summary.Status = r.finish(req.ID, global.RequestStatusFailed, note)
	default:
		status, note := r.rollup(req.ID)
		summary.Status = r.finish(req.ID, status, note)
	}

	span.SetAttributes(
		attribute.String("request.status", summary.Status),
		attribute.Int("request.completed", summary.Completed),
		attribute.Int("request.failed", summary.Failed),
	)
	log.Infof("%s (%d/%d processed, %d completed, %d failed, %d skipped)",
		summary.Status, summary.Processed, summary.Total, summary.Completed, summary.Failed, summary.Skipped)
	return summary
}

// prepare validates the request's references and resolves its credential
func (r *Runner) prepare(req *global.AIRequest, log *logging.Logger) (*requestRun, *RequestError) {
	batch, err := r.store.GetBatch(req.BatchID)
	if err != nil {
		return nil, &RequestError{Code: global.ErrCodeMissingConfig, Message: err.Error()}
	}
	provider, err := r.store.GetProvider(req.ProviderID)
	if err != nil {
		return nil, &RequestError{Code: global.ErrCodeMissingConfig, Message: err.Error()}
	}
	if !provider.Enabled {
		return nil, &RequestError{Code: global.ErrCodeMissingConfig, Message: fmt.Sprintf("provider %d (%s) is disabled", provider.ID, provider.Name)}
	}
	model, err := r.store.GetModel(req.ModelID)
	if err != nil {
		return nil, &RequestError{Code: global.ErrCodeMissingConfig, Message: err.Error()}
	}
	if model.ProviderID != provider.ID {
		return nil, &RequestError{Code: global.ErrCodeMissingConfig,
			Message: fmt.Sprintf("model %d (%s) does not belong to provider %d", model.ID, model.Name, provider.ID)}
	}

	cred, err := r.llm.Credential(provider)
	if err != nil {
		code := global.ErrCodeMissingConfig
		if errors.Is(err, llm.ErrUnsupportedVendor) {
			code = global.ErrCodeUnsupportedProvider
		}
		return nil, &RequestError{Code: code, Message: err.Error()}
	}

	mode := req.RetrievalMethod
	if mode == "" {
		mode = global.RetrievalNone
	}
	if !global.ValidRetrievalMode(mode) {
		return nil, &RequestError{Code: global.ErrCodeMissingConfig, Message: fmt.Sprintf("unknown retrieval method %q", mode)}
	}

	return &requestRun{
		request:  req,
		batch:    batch,
		provider: provider,
		model:    model,
		cred:     cred,
		mode:     mode,
		limiter:  r.limiterFor(provider.ID),
		log:      log,
	}, nil
}

// workers returns the parallelism for a request: the configured maximum,
// capped by the provider's concurrency hint, at least 1
func (r *Runner) workers(provider *global.Provider) int {
	n := r.cfg.MaxConcurrent
	if provider.MaxConcurrency > 0 && provider.MaxConcurrency < n {
		n = provider.MaxConcurrency
	}
	if n < 1 {
		n = 1
	}
	return n
}

// canceled reports whether another actor has canceled the request
func (r *Runner) canceled(requestID string) bool {
	status, err := r.store.RequestStatus(requestID)
	if err != nil {
		r.logger.Warnf("Failed to check status of request %s: %v", requestID, err)
		return false
	}
	return status == global.RequestStatusCanceled
}

// rollup decides the terminal status from the request's results: failed when
// every result (at least one) hit quota exhaustion, completed otherwise
func (r *Runner) rollup(requestID string) (string, string) {
	errCodes, err := r.store.ResultErrorCodes(requestID)
	if err != nil {
		r.logger.Warnf("Failed to scan results of request %s: %v", requestID, err)
		return global.RequestStatusCompleted, ""
	}
	if len(errCodes) == 0 {
		return global.RequestStatusCompleted, ""
	}
	for _, code := range errCodes {
		if code != global.ErrCodeProviderQuotaExceeded {
			return global.RequestStatusCompleted, ""
		}
	}
	return global.RequestStatusFailed,
		fmt.Sprintf("%s: all %d task result(s) hit provider quota exhaustion", global.ErrCodeProviderQuotaExceeded, len(errCodes))
}

// finish moves the request to a terminal status and returns the status it ended in
func (r *Runner) finish(requestID, status, note string) string {
	applied, err := r.store.FinishRequest(requestID, status, note)
	if err != nil {
		r.logger.Errorf("Failed to finish request %s: %v", requestID, err)
		return status
	}
	if !applied {
		// Canceled (or otherwise finished) by another actor meanwhile
		current, err := r.store.RequestStatus(requestID)
		if err == nil {
			status = current
		}
	}
	r.audit(global.AuditRequestFinished, "ai_request", requestID, status)
	return status
}

// audit writes a best-effort audit entry
func (r *Runner) audit(action, entityType, entityID, detail string) {
	err := r.store.AppendAudit(global.AuditEntry{
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		Detail:     detail,
	})
	if err != nil {
		r.logger.Warnf("Failed to write audit entry %s for %s %s: %v", action, entityType, entityID, err)
	}
}
