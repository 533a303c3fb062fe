/******************************************************************************
 * Copyright (c) 2025-2026 Tenebris Technologies Inc.                         *
 * Please see the LICENSE file for details                                    *
 ******************************************************************************/

package runner

import (
	"context"
	"errors"
	"math"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/gofrs/flock"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/PivotLLM/Surveyor/config"
	"github.com/PivotLLM/Surveyor/cost"
	"github.com/PivotLLM/Surveyor/global"
	"github.com/PivotLLM/Surveyor/llm"
	"github.com/PivotLLM/Surveyor/retrieval"
	"github.com/PivotLLM/Surveyor/store"
	"github.com/PivotLLM/Surveyor/telemetry"
	"github.com/PivotLLM/Surveyor/templates"
)

const validAnswer = "Answer: Yes\nLegal basis: Data Protection Act 2019\nURL: https://example.org/dpa\nReforms: No\n" +
	"Date of enactment: 2019-11-08\nDate of enforcement: 2019-11-25\nComments: Covers public and private bodies\nFlag: None"

type respondFunc func(call int, prompt string, opts llm.InvokeOptions) (*llm.Result, error)

// fakeAdapter is a scripted vendor adapter
type fakeAdapter struct {
	h *harness
}

func (f *fakeAdapter) Vendor() string { return "fake" }

func (f *fakeAdapter) Invoke(_ context.Context, _ string, prompt string, opts llm.InvokeOptions) (*llm.Result, error) {
	h := f.h
	h.mu.Lock()
	h.prompts = append(h.prompts, prompt)
	h.opts = append(h.opts, opts)
	h.mu.Unlock()
	call := int(h.calls.Add(1))
	return h.respond(call, prompt, opts)
}

func answer(text string) respondFunc {
	return func(int, string, llm.InvokeOptions) (*llm.Result, error) {
		return &llm.Result{RawText: text, Tokens: cost.Tokens{In: 1000, Out: 500}}, nil
	}
}

var quotaError = &llm.APIError{Vendor: "fake", StatusCode: 429, Message: "RESOURCE_EXHAUSTED: quota exceeded for this project"}

// fakeSearcher returns fixed sources
type fakeSearcher struct {
	sources []retrieval.Source
	err     error
}

func (f *fakeSearcher) Search(context.Context, string, int) ([]retrieval.Source, error) {
	return f.sources, f.err
}

type harnessOptions struct {
	cfg      config.Runner
	respond  respondFunc
	tasks    int
	locked   bool
	noPrompt bool
	versions []global.QuestionPromptVersion // replaces the default active prompt
	economy  int64                          // economy id for tasks; 0 uses the fixture economy
	provider *global.Provider
	searcher retrieval.Searcher
}

type harness struct {
	t        *testing.T
	store    *store.Store
	runner   *Runner
	respond  respondFunc
	calls    atomic.Int32
	mu       sync.Mutex
	prompts  []string
	opts     []llm.InvokeOptions
	provider *global.Provider
	model    *global.Model
	batch    *global.Batch
	tasks    []*global.Task
	lockPath string
}

func newHarness(t *testing.T, o harnessOptions) *harness {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "surveyor.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	h := &harness{t: t, store: st, respond: o.respond, lockPath: filepath.Join(dir, "sweep.lock")}
	if h.respond == nil {
		h.respond = answer(validAnswer)
	}

	economy := &global.Economy{Name: "Kenya", Code: "KEN"}
	must(t, st.CreateEconomy(economy))
	question := &global.Question{Text: "Is there a data protection law?", AnswerType: global.AnswerTypeBooleanYesNo}
	must(t, st.CreateQuestion(question))
	for i := range o.versions {
		v := o.versions[i]
		v.QuestionID = question.ID
		must(t, st.CreatePromptVersion(&v))
	}
	if !o.noPrompt && len(o.versions) == 0 {
		must(t, st.CreatePromptVersion(&global.QuestionPromptVersion{
			QuestionID: question.ID,
			Version:    1,
			PromptText: "Is there a data protection law in {{economy}} as of {{year}}?",
			IsActive:   true,
		}))
	}

	h.provider = o.provider
	if h.provider == nil {
		h.provider = &global.Provider{Name: "Fake", Vendor: "fake", APIKey: "fake-key", Enabled: true}
	}
	must(t, st.CreateProvider(h.provider))
	h.model = &global.Model{ProviderID: h.provider.ID, Name: "fake-1", PriceInput: 2.5, PriceOutput: 10}
	must(t, st.CreateModel(h.model))
	h.batch = &global.Batch{Name: "2026 round", ProviderID: h.provider.ID, ModelID: h.model.ID, Year: 2026}
	must(t, st.CreateBatch(h.batch))

	n := o.tasks
	if n == 0 {
		n = 1
	}
	for i := 0; i < n; i++ {
		task := &global.Task{BatchID: h.batch.ID, EconomyID: economy.ID, QuestionID: question.ID}
		if o.economy != 0 {
			task.EconomyID = o.economy
		}
		if o.locked {
			task.DependencyStatus = global.DependencyLocked
		}
		must(t, st.CreateTask(task))
		h.tasks = append(h.tasks, task)
	}

	cfg := o.cfg
	if cfg.MaxConcurrent == 0 {
		cfg.MaxConcurrent = 1
	}
	if cfg.RateLimit.MaxRequests == 0 {
		cfg.RateLimit = config.RateLimit{MaxRequests: 1000, PeriodSeconds: 60}
	}
	if cfg.MaxOutputTokens == 0 {
		cfg.MaxOutputTokens = global.DefaultMaxOutputTokens
	}

	llmSvc := llm.NewService(nil, llm.WithAdapter("fake", func(llm.Credential, *http.Client) llm.Adapter {
		return &fakeAdapter{h: h}
	}))
	var augOpts []retrieval.Option
	if o.searcher != nil {
		augOpts = append(augOpts, retrieval.WithSearcher(o.searcher))
	}
	aug := retrieval.New(config.Retrieval{}, nil, nil, augOpts...)
	h.runner = New(cfg, h.lockPath, st, llmSvc, aug, templates.New(nil), nil)
	return h
}

func must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatal(err)
	}
}

// enqueue creates a queued request over the whole batch
func (h *harness) enqueue(mode string) *global.AIRequest {
	h.t.Helper()
	req := &global.AIRequest{
		BatchID:         h.batch.ID,
		ProviderID:      h.provider.ID,
		ModelID:         h.model.ID,
		RetrievalMethod: mode,
	}
	must(h.t, h.store.CreateRequest(req))
	return req
}

func (h *harness) run(mode string) (*global.RunSummary, *global.AIRequest) {
	h.t.Helper()
	req := h.enqueue(mode)
	summary, err := h.runner.RunRequest(context.Background(), req.ID)
	if err != nil {
		h.t.Fatalf("RunRequest: %v", err)
	}
	got, err := h.store.GetRequest(req.ID)
	if err != nil {
		h.t.Fatalf("GetRequest: %v", err)
	}
	return summary, got
}

func (h *harness) results(requestID string) []*global.AITaskResult {
	h.t.Helper()
	res, err := h.store.ListResults(store.ResultFilter{RequestID: requestID})
	if err != nil {
		h.t.Fatalf("ListResults: %v", err)
	}
	return res
}

func hasAudit(t *testing.T, st *store.Store, entityType, entityID, action string) bool {
	t.Helper()
	entries, err := st.ListAudit(entityType, entityID)
	if err != nil {
		t.Fatalf("ListAudit: %v", err)
	}
	for _, e := range entries {
		if e.Action == action {
			return true
		}
	}
	return false
}

func TestRunRequestWritesResultAndDraft(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	summary, req := h.run(global.RetrievalNone)

	if summary.Status != global.RequestStatusCompleted || summary.Completed != 1 || summary.Total != 1 {
		t.Fatalf("summary = %+v", summary)
	}
	if req.Status != global.RequestStatusCompleted || req.CompletedTasks != 1 || req.FailedTasks != 0 || req.TotalTasks != 1 {
		t.Errorf("request = %+v", req)
	}
	if req.StartedAt == nil || req.FinishedAt == nil {
		t.Error("request timestamps not set")
	}

	results := h.results(req.ID)
	if len(results) != 1 {
		t.Fatalf("results = %d, want 1", len(results))
	}
	r := results[0]
	if r.Status != global.ResultStatusCompleted || !r.SchemaValidationPassed || r.ErrorCode != "" {
		t.Errorf("result status=%s schema=%v code=%s", r.Status, r.SchemaValidationPassed, r.ErrorCode)
	}
	if r.ParseStrategy != templates.StrategyLabeled {
		t.Errorf("parse strategy = %q", r.ParseStrategy)
	}
	if r.TokensIn != 1000 || r.TokensOut != 500 {
		t.Errorf("tokens = %d/%d", r.TokensIn, r.TokensOut)
	}
	if math.Abs(r.CostEstimate-0.0075) > 1e-9 {
		t.Errorf("cost = %v, want 0.0075", r.CostEstimate)
	}
	if r.Prompt.PromptVersion != 1 || !r.Prompt.PromptVersionActive {
		t.Errorf("prompt snapshot version = %+v", r.Prompt)
	}
	if r.Prompt.QuestionPrompt != "Is there a data protection law in Kenya as of 2026?" {
		t.Errorf("question prompt = %q", r.Prompt.QuestionPrompt)
	}
	if !strings.Contains(r.Prompt.FullPrompt, "=== RESPONSE INSTRUCTIONS ===") {
		t.Error("full prompt is missing the response contract")
	}
	if len(h.prompts) != 1 || h.prompts[0] != r.Prompt.FullPrompt {
		t.Error("snapshot does not match what was sent")
	}
	if h.opts[0].NativeSearch || h.opts[0].MaxOutputTokens != global.DefaultMaxOutputTokens {
		t.Errorf("invoke options = %+v", h.opts[0])
	}

	draft, err := h.store.GetDraft(h.tasks[0].ID)
	if err != nil {
		t.Fatalf("GetDraft: %v", err)
	}
	if draft.Answer != global.AnswerYes || draft.LegalBasis != "Data Protection Act 2019" || draft.SourceResultID != r.ID {
		t.Errorf("draft = %+v", draft)
	}

	task, err := h.store.GetTask(h.tasks[0].ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if task.Status != global.TaskStatusInProgress {
		t.Errorf("task status = %q, want in_progress", task.Status)
	}

	taskID := strconv.FormatInt(task.ID, 10)
	if !hasAudit(t, h.store, "task", taskID, global.AuditDraftWritten) || !hasAudit(t, h.store, "task", taskID, global.AuditTaskAdvanced) {
		t.Error("draft/advance audit entries missing")
	}
	if !hasAudit(t, h.store, "ai_request", req.ID, global.AuditRequestFinished) {
		t.Error("request finished audit entry missing")
	}

	tel, err := h.store.GetProviderTelemetry(h.provider.ID)
	if err != nil {
		t.Fatalf("GetProviderTelemetry: %v", err)
	}
	if tel.Calls != 1 || !tel.LastOK {
		t.Errorf("provider telemetry = %+v", tel)
	}
}

func TestMissingPromptSkipsProvider(t *testing.T) {
	h := newHarness(t, harnessOptions{noPrompt: true})
	summary, req := h.run(global.RetrievalNone)

	if h.calls.Load() != 0 {
		t.Errorf("provider called %d times", h.calls.Load())
	}
	if summary.Failed != 1 || req.FailedTasks != 1 {
		t.Errorf("summary = %+v, request failed = %d", summary, req.FailedTasks)
	}
	// Not a quota failure, so the request itself completes
	if req.Status != global.RequestStatusCompleted {
		t.Errorf("request status = %q", req.Status)
	}
	if !strings.Contains(req.ErrorText, global.ErrCodeMissingPrompt) {
		t.Errorf("request error text = %q", req.ErrorText)
	}

	results := h.results(req.ID)
	if len(results) != 1 || results[0].Status != global.ResultStatusFailed || results[0].ErrorCode != global.ErrCodeMissingPrompt {
		t.Fatalf("results = %+v", results)
	}
	if _, err := h.store.GetDraft(h.tasks[0].ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("draft written for missing prompt: %v", err)
	}
	if !hasAudit(t, h.store, "task", strconv.FormatInt(h.tasks[0].ID, 10), global.AuditMissingPrompt) {
		t.Error("missing prompt audit entry not written")
	}
}

func TestBlankPromptVersionSkipsProvider(t *testing.T) {
	tests := []struct {
		name        string
		versions    []global.QuestionPromptVersion
		wantVersion int
	}{
		{
			name:        "active version is empty",
			versions:    []global.QuestionPromptVersion{{Version: 1, PromptText: "", IsActive: true}},
			wantVersion: 1,
		},
		{
			name:        "active version is whitespace",
			versions:    []global.QuestionPromptVersion{{Version: 2, PromptText: " \n\t ", IsActive: true}},
			wantVersion: 2,
		},
		{
			name: "blank active version beside an older filled one",
			versions: []global.QuestionPromptVersion{
				{Version: 1, PromptText: "Is there a data protection law in {{economy}}?"},
				{Version: 2, PromptText: "", IsActive: true},
			},
			wantVersion: 2,
		},
		{
			name: "blank highest version with none active",
			versions: []global.QuestionPromptVersion{
				{Version: 1, PromptText: "Is there a data protection law in {{economy}}?"},
				{Version: 3, PromptText: "   "},
			},
			wantVersion: 3,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, harnessOptions{versions: tt.versions})
			_, req := h.run(global.RetrievalNone)

			if h.calls.Load() != 0 {
				t.Errorf("provider called %d times", h.calls.Load())
			}
			results := h.results(req.ID)
			if len(results) != 1 {
				t.Fatalf("results = %d, want 1", len(results))
			}
			r := results[0]
			if r.Status != global.ResultStatusFailed || r.ErrorCode != global.ErrCodeMissingPrompt {
				t.Errorf("result status=%s code=%s", r.Status, r.ErrorCode)
			}
			if r.Prompt.PromptVersion != tt.wantVersion || r.Prompt.PromptVersionID == 0 {
				t.Errorf("prompt snapshot = %+v, want version %d", r.Prompt, tt.wantVersion)
			}
			if _, err := h.store.GetDraft(h.tasks[0].ID); !errors.Is(err, store.ErrNotFound) {
				t.Errorf("draft written for blank prompt: %v", err)
			}
			task, err := h.store.GetTask(h.tasks[0].ID)
			if err != nil {
				t.Fatalf("GetTask: %v", err)
			}
			if task.Status != global.TaskStatusNotStarted {
				t.Errorf("task status = %q, want not_started", task.Status)
			}
		})
	}
}

func TestMissingEconomyFailsTask(t *testing.T) {
	h := newHarness(t, harnessOptions{economy: 9999})
	summary, req := h.run(global.RetrievalNone)

	if h.calls.Load() != 0 {
		t.Errorf("provider called %d times", h.calls.Load())
	}
	if summary.Failed != 1 || req.FailedTasks != 1 || req.Status != global.RequestStatusCompleted {
		t.Errorf("summary = %+v, request = %+v", summary, req)
	}
	results := h.results(req.ID)
	if len(results) != 1 || results[0].Status != global.ResultStatusFailed || results[0].ErrorCode != global.ErrCodeMissingData {
		t.Fatalf("results = %+v", results)
	}
	if _, err := h.store.GetDraft(h.tasks[0].ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("draft written for missing economy: %v", err)
	}
}

func TestProviderErrorKeepsVendorPayload(t *testing.T) {
	body := `{"error":{"code":400,"message":"Invalid argument","status":"INVALID_ARGUMENT","details":[{"field":"contents"}]}}`
	h := newHarness(t, harnessOptions{respond: func(int, string, llm.InvokeOptions) (*llm.Result, error) {
		return nil, &llm.APIError{Vendor: "fake", StatusCode: 400, Message: "Invalid argument", Body: body}
	}})
	_, req := h.run(global.RetrievalNone)

	results := h.results(req.ID)
	if len(results) != 1 || results[0].ErrorCode != global.ErrCodeAPIError {
		t.Fatalf("results = %+v", results)
	}
	if !strings.Contains(results[0].ErrorText, "Invalid argument") || !strings.Contains(results[0].ErrorText, body) {
		t.Errorf("error text = %q, want message and vendor payload", results[0].ErrorText)
	}
}

func TestQuotaRollup(t *testing.T) {
	tests := []struct {
		name       string
		respond    respondFunc
		wantStatus string
		completed  int
		failed     int
	}{
		{
			name: "every task exhausted fails the request",
			respond: func(int, string, llm.InvokeOptions) (*llm.Result, error) {
				return nil, quotaError
			},
			wantStatus: global.RequestStatusFailed,
			failed:     2,
		},
		{
			name: "mixed outcomes complete the request",
			respond: func(call int, _ string, _ llm.InvokeOptions) (*llm.Result, error) {
				if call == 1 {
					return nil, quotaError
				}
				return &llm.Result{RawText: validAnswer}, nil
			},
			wantStatus: global.RequestStatusCompleted,
			completed:  1,
			failed:     1,
		},
		{
			name: "generic errors complete the request",
			respond: func(int, string, llm.InvokeOptions) (*llm.Result, error) {
				return nil, &llm.APIError{Vendor: "fake", StatusCode: 500, Message: "upstream unavailable"}
			},
			wantStatus: global.RequestStatusCompleted,
			failed:     2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, harnessOptions{tasks: 2, respond: tt.respond})
			summary, req := h.run(global.RetrievalNone)

			if req.Status != tt.wantStatus || summary.Status != tt.wantStatus {
				t.Errorf("status = %q (summary %q), want %q", req.Status, summary.Status, tt.wantStatus)
			}
			if req.CompletedTasks != tt.completed || req.FailedTasks != tt.failed {
				t.Errorf("counters = %d/%d, want %d/%d", req.CompletedTasks, req.FailedTasks, tt.completed, tt.failed)
			}
			if tt.wantStatus == global.RequestStatusFailed && !strings.Contains(req.ErrorText, global.ErrCodeProviderQuotaExceeded) {
				t.Errorf("error text = %q", req.ErrorText)
			}
			for _, r := range h.results(req.ID) {
				if r.Status == global.ResultStatusFailed && r.ErrorCode == "" {
					t.Errorf("failed result without error code: %+v", r)
				}
			}
		})
	}
}

func TestSchemaInvalidWritesNoDraft(t *testing.T) {
	h := newHarness(t, harnessOptions{respond: answer("Answer: maybe\nFlag: None")})
	_, req := h.run(global.RetrievalNone)

	results := h.results(req.ID)
	if len(results) != 1 {
		t.Fatalf("results = %d", len(results))
	}
	r := results[0]
	if r.Status != global.ResultStatusCompleted || r.SchemaValidationPassed || r.ErrorCode != global.ErrCodeSchemaInvalid {
		t.Errorf("result status=%s schema=%v code=%s", r.Status, r.SchemaValidationPassed, r.ErrorCode)
	}
	if r.StructuredFields == nil || r.ErrorText == "" {
		t.Error("recovered fields or validation summary missing")
	}
	if req.CompletedTasks != 1 || req.FailedTasks != 0 {
		t.Errorf("counters = %d/%d", req.CompletedTasks, req.FailedTasks)
	}
	if _, err := h.store.GetDraft(h.tasks[0].ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("draft written for invalid result: %v", err)
	}
	task, _ := h.store.GetTask(h.tasks[0].ID)
	if task.Status != global.TaskStatusNotStarted {
		t.Errorf("task advanced to %q", task.Status)
	}
}

func TestUnparseableOutput(t *testing.T) {
	tests := []struct {
		name    string
		respond respondFunc
	}{
		{"prose", answer("I am unable to help with that request.")},
		{"empty", answer("   ")},
		{"no text path", func(int, string, llm.InvokeOptions) (*llm.Result, error) {
			return &llm.Result{RawText: `{"unexpected":true}`, FormatInvalid: true}, nil
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, harnessOptions{respond: tt.respond})
			_, req := h.run(global.RetrievalNone)

			results := h.results(req.ID)
			if len(results) != 1 {
				t.Fatalf("results = %d", len(results))
			}
			if results[0].Status != global.ResultStatusFormatInvalid || results[0].ErrorCode != global.ErrCodeParseError {
				t.Errorf("result = %s/%s", results[0].Status, results[0].ErrorCode)
			}
			if results[0].StructuredFields != nil {
				t.Error("structured fields should be empty")
			}
			if req.FailedTasks != 1 {
				t.Errorf("failed tasks = %d", req.FailedTasks)
			}
		})
	}
}

func TestLockedTasks(t *testing.T) {
	t.Run("skipped when configured", func(t *testing.T) {
		h := newHarness(t, harnessOptions{locked: true, cfg: config.Runner{SkipLockedTasks: true}})
		summary, req := h.run(global.RetrievalNone)

		if h.calls.Load() != 0 {
			t.Error("provider called for a locked task")
		}
		if summary.Skipped != 1 || req.CompletedTasks != 0 || req.FailedTasks != 0 {
			t.Errorf("summary = %+v, counters = %d/%d", summary, req.CompletedTasks, req.FailedTasks)
		}
		results := h.results(req.ID)
		if len(results) != 1 || results[0].Status != global.ResultStatusSkippedDependency ||
			results[0].ErrorCode != global.ErrCodeDependencyLocked {
			t.Errorf("results = %+v", results)
		}
	})

	t.Run("executed but not advanced by default", func(t *testing.T) {
		h := newHarness(t, harnessOptions{locked: true})
		_, req := h.run(global.RetrievalNone)

		if h.calls.Load() != 1 || req.CompletedTasks != 1 {
			t.Fatalf("calls = %d, completed = %d", h.calls.Load(), req.CompletedTasks)
		}
		if _, err := h.store.GetDraft(h.tasks[0].ID); err != nil {
			t.Errorf("draft not written: %v", err)
		}
		task, _ := h.store.GetTask(h.tasks[0].ID)
		if task.Status != global.TaskStatusNotStarted {
			t.Errorf("locked task advanced to %q", task.Status)
		}
	})
}

func TestRequestRejections(t *testing.T) {
	tests := []struct {
		name     string
		provider *global.Provider
		wantCode string
	}{
		{"unsupported vendor", &global.Provider{Name: "Mistral", Vendor: "mistral", APIKey: "k", Enabled: true}, global.ErrCodeUnsupportedProvider},
		{"disabled provider", &global.Provider{Name: "Fake", Vendor: "fake", APIKey: "k"}, global.ErrCodeMissingConfig},
		{"missing credential", &global.Provider{Name: "Fake", Vendor: "fake", APIKey: "env:SURVEYOR_TEST_UNSET_KEY", Enabled: true}, global.ErrCodeMissingConfig},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, harnessOptions{provider: tt.provider, tasks: 2})
			summary, req := h.run(global.RetrievalNone)

			if summary.Status != global.RequestStatusFailed || req.Status != global.RequestStatusFailed {
				t.Errorf("status = %q/%q, want failed", summary.Status, req.Status)
			}
			if !strings.HasPrefix(summary.Error, tt.wantCode+":") || !strings.Contains(req.ErrorText, tt.wantCode) {
				t.Errorf("error = %q, error text = %q, want %s", summary.Error, req.ErrorText, tt.wantCode)
			}
			if h.calls.Load() != 0 || len(h.results(req.ID)) != 0 {
				t.Error("tasks executed for a rejected request")
			}
		})
	}

	t.Run("model of another provider", func(t *testing.T) {
		h := newHarness(t, harnessOptions{})
		other := &global.Provider{Name: "Other", Vendor: "fake", APIKey: "k", Enabled: true}
		must(t, h.store.CreateProvider(other))
		req := &global.AIRequest{BatchID: h.batch.ID, ProviderID: other.ID, ModelID: h.model.ID}
		must(t, h.store.CreateRequest(req))

		summary, err := h.runner.RunRequest(context.Background(), req.ID)
		if err != nil {
			t.Fatalf("RunRequest: %v", err)
		}
		if summary.Status != global.RequestStatusFailed || !strings.HasPrefix(summary.Error, global.ErrCodeMissingConfig) {
			t.Errorf("summary = %+v", summary)
		}
	})

	t.Run("unknown retrieval method", func(t *testing.T) {
		h := newHarness(t, harnessOptions{})
		summary, _ := h.run("crystal_ball")
		if summary.Status != global.RequestStatusFailed || !strings.HasPrefix(summary.Error, global.ErrCodeMissingConfig) {
			t.Errorf("summary = %+v", summary)
		}
	})
}

func TestRunRequestOnlyRunsQueued(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	_, req := h.run(global.RetrievalNone)

	if _, err := h.runner.RunRequest(context.Background(), req.ID); err == nil {
		t.Error("expected error running a completed request")
	}
	if _, err := h.runner.RunRequest(context.Background(), "no-such-request"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("unknown request error = %v, want ErrNotFound", err)
	}
	if len(h.results(req.ID)) != 1 {
		t.Error("second run wrote results")
	}
}

func TestCancelStopsRemainingTasks(t *testing.T) {
	var reqID string
	var h *harness
	h = newHarness(t, harnessOptions{tasks: 3, respond: func(int, string, llm.InvokeOptions) (*llm.Result, error) {
		if _, err := h.store.CancelRequest(reqID); err != nil {
			t.Errorf("CancelRequest: %v", err)
		}
		return &llm.Result{RawText: validAnswer}, nil
	}})
	req := h.enqueue(global.RetrievalNone)
	reqID = req.ID

	summary, err := h.runner.RunRequest(context.Background(), req.ID)
	if err != nil {
		t.Fatalf("RunRequest: %v", err)
	}
	if h.calls.Load() != 1 {
		t.Errorf("provider called %d times after cancel", h.calls.Load())
	}
	if summary.Status != global.RequestStatusCanceled || summary.Processed != 1 {
		t.Errorf("summary = %+v", summary)
	}
	got, _ := h.store.GetRequest(req.ID)
	if got.Status != global.RequestStatusCanceled {
		t.Errorf("request status = %q", got.Status)
	}
	// The in-flight task still records its result
	if len(h.results(req.ID)) != 1 {
		t.Errorf("results = %d, want 1", len(h.results(req.ID)))
	}
}

func TestInterruptedRequestFails(t *testing.T) {
	h := newHarness(t, harnessOptions{tasks: 2})
	req := h.enqueue(global.RetrievalNone)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	summary, err := h.runner.RunRequest(ctx, req.ID)
	if err != nil {
		t.Fatalf("RunRequest: %v", err)
	}
	if summary.Status != global.RequestStatusFailed || summary.Processed != 0 {
		t.Errorf("summary = %+v", summary)
	}
	got, _ := h.store.GetRequest(req.ID)
	if got.Status != global.RequestStatusFailed || !strings.Contains(got.ErrorText, "interrupted") {
		t.Errorf("request = %s %q", got.Status, got.ErrorText)
	}
}

func TestConcurrentTasksKeepCountersExact(t *testing.T) {
	h := newHarness(t, harnessOptions{tasks: 12, cfg: config.Runner{MaxConcurrent: 4}})
	summary, req := h.run(global.RetrievalNone)

	if summary.Completed != 12 || req.CompletedTasks != 12 || req.FailedTasks != 0 {
		t.Errorf("summary = %+v, counters = %d/%d", summary, req.CompletedTasks, req.FailedTasks)
	}
	results := h.results(req.ID)
	if len(results) != 12 {
		t.Fatalf("results = %d, want 12", len(results))
	}
	seen := make(map[int64]bool)
	for _, r := range results {
		if seen[r.TaskID] {
			t.Errorf("task %d has more than one result", r.TaskID)
		}
		seen[r.TaskID] = true
	}
}

func TestWorkers(t *testing.T) {
	tests := []struct {
		configured int
		hint       int
		want       int
	}{
		{4, 0, 4},
		{4, 2, 2},
		{2, 8, 2},
		{0, 0, 1},
	}
	for _, tt := range tests {
		r := &Runner{cfg: config.Runner{MaxConcurrent: tt.configured}}
		if got := r.workers(&global.Provider{MaxConcurrency: tt.hint}); got != tt.want {
			t.Errorf("workers(%d, hint %d) = %d, want %d", tt.configured, tt.hint, got, tt.want)
		}
	}
}

func TestRetrievalModes(t *testing.T) {
	sources := []retrieval.Source{{URL: "https://kenyalaw.org/dpa", Title: "Data Protection Act", Content: "An Act of Parliament"}}

	tests := []struct {
		name       string
		mode       string
		searcher   retrieval.Searcher
		wantCalls  int32
		wantCode   string
		evidence   bool
		nativeFlag bool
	}{
		{name: "only without provider is blocked", mode: global.RetrievalFirecrawlOnly, wantCode: global.ErrCodeMissingConfig},
		{name: "only with no results is blocked", mode: global.RetrievalFirecrawlOnly, searcher: &fakeSearcher{}, wantCode: global.ErrCodeRetrievalError},
		{name: "only with results", mode: global.RetrievalFirecrawlOnly, searcher: &fakeSearcher{sources: sources}, wantCalls: 1, evidence: true},
		{name: "preferred without provider proceeds", mode: global.RetrievalFirecrawlPreferred, wantCalls: 1},
		{name: "preferred with search error proceeds", mode: global.RetrievalFirecrawlPreferred,
			searcher: &fakeSearcher{err: errors.New("search down")}, wantCalls: 1},
		{name: "preferred with results", mode: global.RetrievalFirecrawlPreferred, searcher: &fakeSearcher{sources: sources}, wantCalls: 1, evidence: true},
		{name: "provider native", mode: global.RetrievalProviderNativeOnly, wantCalls: 1, nativeFlag: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, harnessOptions{searcher: tt.searcher})
			_, req := h.run(tt.mode)

			if h.calls.Load() != tt.wantCalls {
				t.Fatalf("provider calls = %d, want %d", h.calls.Load(), tt.wantCalls)
			}
			r := h.results(req.ID)[0]
			if r.ErrorCode != tt.wantCode {
				t.Errorf("error code = %q, want %q", r.ErrorCode, tt.wantCode)
			}
			if r.Prompt.RetrievalMethod != tt.mode {
				t.Errorf("snapshot retrieval method = %q", r.Prompt.RetrievalMethod)
			}
			if got := strings.Contains(r.Prompt.FullPrompt, "=== WEB EVIDENCE ==="); got != tt.evidence {
				t.Errorf("evidence in prompt = %v, want %v", got, tt.evidence)
			}
			if tt.evidence && r.Prompt.EvidenceSources != 1 {
				t.Errorf("evidence sources = %d", r.Prompt.EvidenceSources)
			}
			if tt.wantCalls > 0 && h.opts[0].NativeSearch != tt.nativeFlag {
				t.Errorf("native search = %v, want %v", h.opts[0].NativeSearch, tt.nativeFlag)
			}
		})
	}
}

func TestProcessQueue(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	first := h.enqueue(global.RetrievalNone)
	second := h.enqueue(global.RetrievalNone)
	canceled := h.enqueue(global.RetrievalNone)
	if _, err := h.store.CancelRequest(canceled.ID); err != nil {
		t.Fatalf("CancelRequest: %v", err)
	}

	sweep, err := h.runner.ProcessQueue(context.Background())
	if err != nil {
		t.Fatalf("ProcessQueue: %v", err)
	}
	if sweep.Requests != 2 || sweep.Completed != 2 || len(sweep.Runs) != 2 {
		t.Fatalf("sweep = %+v", sweep)
	}
	if sweep.Runs[0].RequestID != first.ID || sweep.Runs[1].RequestID != second.ID {
		t.Error("requests not run oldest first")
	}

	again, err := h.runner.ProcessQueue(context.Background())
	if err != nil {
		t.Fatalf("second ProcessQueue: %v", err)
	}
	if again.Requests != 0 {
		t.Errorf("second sweep ran %d request(s)", again.Requests)
	}
}

func TestProcessQueueSingleSweep(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.enqueue(global.RetrievalNone)

	held := flock.New(h.lockPath)
	locked, err := held.TryLock()
	if err != nil || !locked {
		t.Fatalf("TryLock: %v %v", locked, err)
	}

	if _, err := h.runner.ProcessQueue(context.Background()); !errors.Is(err, ErrSweepInProgress) {
		t.Errorf("error = %v, want ErrSweepInProgress", err)
	}
	if h.calls.Load() != 0 {
		t.Error("blocked sweep executed tasks")
	}

	must(t, held.Unlock())
	sweep, err := h.runner.ProcessQueue(context.Background())
	if err != nil || sweep.Requests != 1 {
		t.Errorf("sweep after unlock = %+v, %v", sweep, err)
	}
}

func TestRunEmitsSpans(t *testing.T) {
	exp := tracetest.NewInMemoryExporter()
	tp, shutdown, err := telemetry.NewTracerProviderWithExporter(exp, telemetry.Config{ServiceName: "surveyor-test"})
	if err != nil {
		t.Fatalf("tracer provider: %v", err)
	}
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	defer func() {
		otel.SetTracerProvider(prev)
		_ = shutdown(context.Background())
	}()

	h := newHarness(t, harnessOptions{})
	h.run(global.RetrievalNone)

	if err := tp.ForceFlush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
	names := make(map[string]bool)
	for _, s := range exp.GetSpans() {
		names[s.Name] = true
	}
	for _, want := range []string{"ai_request.run", "ai_task.execute", "llm.invoke"} {
		if !names[want] {
			t.Errorf("span %q not emitted (got %v)", want, names)
		}
	}
}

func TestFieldString(t *testing.T) {
	tests := []struct {
		in   any
		want string
	}{
		{nil, ""},
		{"Yes", "Yes"},
		{[]any{"A", "", "B"}, "A; B"},
		{[]string{"x", "y"}, "x; y"},
		{float64(42), "42"},
		{2.5, "2.5"},
		{true, "true"},
	}
	for _, tt := range tests {
		if got := fieldString(tt.in); got != tt.want {
			t.Errorf("fieldString(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
