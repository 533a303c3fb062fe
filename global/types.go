/******************************************************************************
 * Copyright (c) 2025-2026 Tenebris Technologies Inc.                         *
 * Please see the LICENSE file for details                                    *
 ******************************************************************************/

package global

import "time"

// Economy is a jurisdiction being researched
type Economy struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
	Code string `json:"code,omitempty"`
}

// Question is one research question in the library
type Question struct {
	ID         int64  `json:"id"`
	Text       string `json:"text"`
	AnswerType string `json:"answer_type"` // boolean_yesno, integer, text, single_select, multi_select
	Indicator  string `json:"indicator,omitempty"`
	Pillar     string `json:"pillar,omitempty"`
	Group      string `json:"group,omitempty"`
	Subgroup   string `json:"subgroup,omitempty"`
}

// QuestionPromptVersion is one versioned prompt text for a question.
// At most one version per question is active.
type QuestionPromptVersion struct {
	ID         int64     `json:"id"`
	QuestionID int64     `json:"question_id"`
	Version    int       `json:"version"`
	PromptText string    `json:"prompt_text"`
	IsActive   bool      `json:"is_active"`
	CreatedAt  time.Time `json:"created_at"`
}

// Provider is a configured model vendor account
type Provider struct {
	ID             int64  `json:"id"`
	Name           string `json:"name"`
	Vendor         string `json:"vendor"`            // openai, anthropic, gemini
	APIKey         string `json:"api_key,omitempty"` // literal or env:NAME
	BaseURL        string `json:"base_url,omitempty"`
	MaxConcurrency int    `json:"max_concurrency,omitempty"`
	Enabled        bool   `json:"enabled"`
}

// Model is a vendor model with its per-million-token pricing
type Model struct {
	ID              int64   `json:"id"`
	ProviderID      int64   `json:"provider_id"`
	Name            string  `json:"name"` // vendor model identifier, e.g. gpt-4o
	PriceInput      float64 `json:"price_input"`  // USD per 1,000,000 input tokens
	PriceOutput     float64 `json:"price_output"` // USD per 1,000,000 output tokens
	MaxOutputTokens int     `json:"max_output_tokens,omitempty"`
}

// Batch is a named collection run over (economy, question) pairs
type Batch struct {
	ID              int64  `json:"id"`
	Name            string `json:"name"`
	ProviderID      int64  `json:"provider_id,omitempty"`
	ModelID         int64  `json:"model_id,omitempty"`
	RetrievalMethod string `json:"retrieval_method,omitempty"`
	Year            int    `json:"year,omitempty"`
	AsOfDate        string `json:"as_of_date,omitempty"`
}

// Task is one (economy, question) unit of work inside a batch
type Task struct {
	ID               int64  `json:"id"`
	BatchID          int64  `json:"batch_id"`
	EconomyID        int64  `json:"economy_id"`
	QuestionID       int64  `json:"question_id"`
	Status           string `json:"status"`                      // not_started, in_progress, submitted, validated, returned
	DependencyStatus string `json:"dependency_status,omitempty"` // locked or empty
}

// IsLocked returns true if the task is held by a dependency
func (t *Task) IsLocked() bool {
	return t.DependencyStatus == DependencyLocked
}

// AIRequest is one execution of the engine over a batch or an explicit task subset
type AIRequest struct {
	ID              string     `json:"id"`
	BatchID         int64      `json:"batch_id"`
	TaskIDs         []int64    `json:"task_ids,omitempty"` // empty means every task in the batch
	ProviderID      int64      `json:"provider_id"`
	ModelID         int64      `json:"model_id"`
	RetrievalMethod string     `json:"retrieval_method"`
	Status          string     `json:"status"` // queued, running, completed, failed, canceled
	TotalTasks      int        `json:"total_tasks"`
	CompletedTasks  int        `json:"completed_tasks"`
	FailedTasks     int        `json:"failed_tasks"`
	ErrorText       string     `json:"error_text,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	FinishedAt      *time.Time `json:"finished_at,omitempty"`
}

// IsTerminal returns true if the request can no longer change status
func (r *AIRequest) IsTerminal() bool {
	switch r.Status {
	case RequestStatusCompleted, RequestStatusFailed, RequestStatusCanceled:
		return true
	}
	return false
}

// PromptSnapshot records exactly what was sent for a task attempt
type PromptSnapshot struct {
	PromptVersionID     int64  `json:"prompt_version_id,omitempty"`
	PromptVersion       int    `json:"prompt_version,omitempty"`
	PromptVersionActive bool   `json:"prompt_version_active"`
	QuestionPrompt      string `json:"question_prompt,omitempty"` // rendered prompt before the system contract
	FullPrompt          string `json:"full_prompt,omitempty"`     // everything sent to the provider
	RetrievalMethod     string `json:"retrieval_method,omitempty"`
	EvidenceSources     int    `json:"evidence_sources,omitempty"`
}

// AITaskResult is one immutable record of a task attempt within a request
type AITaskResult struct {
	ID                     string         `json:"id"`
	RequestID              string         `json:"request_id"`
	TaskID                 int64          `json:"task_id"`
	Status                 string         `json:"status"` // completed, failed, format_invalid, skipped_dependency
	RawText                string         `json:"raw_text,omitempty"`
	StructuredFields       map[string]any `json:"structured_fields,omitempty"` // nil when nothing was recovered
	ParseStrategy          string         `json:"parse_strategy,omitempty"`
	SchemaValidationPassed bool           `json:"schema_validation_passed"`
	TokensIn               int            `json:"tokens_in"`
	TokensOut              int            `json:"tokens_out"`
	CostEstimate           float64        `json:"cost_estimate"`
	ErrorCode              string         `json:"error_code,omitempty"`
	ErrorText              string         `json:"error_text,omitempty"`
	Prompt                 PromptSnapshot `json:"prompt"`
	CreatedAt              time.Time      `json:"created_at"`
}

// DraftResponse is the human-editable answer for a task
type DraftResponse struct {
	TaskID            int64     `json:"task_id"`
	Answer            string    `json:"answer"`
	LegalBasis        string    `json:"legal_basis,omitempty"`
	URL               string    `json:"url,omitempty"`
	Reforms           string    `json:"reforms,omitempty"`
	DateOfEnactment   string    `json:"date_of_enactment,omitempty"`
	DateOfEnforcement string    `json:"date_of_enforcement,omitempty"`
	Comments          string    `json:"comments,omitempty"`
	Flag              string    `json:"flag,omitempty"`
	SourceResultID    string    `json:"source_result_id,omitempty"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// ProviderTelemetry is the mutable health record kept apart from provider credentials
type ProviderTelemetry struct {
	ProviderID    int64      `json:"provider_id"`
	LastCallAt    *time.Time `json:"last_call_at,omitempty"`
	LastLatencyMs int64      `json:"last_latency_ms"`
	LastOK        bool       `json:"last_ok"`
	LastError     string     `json:"last_error,omitempty"`
	Calls         int        `json:"calls"`
	Failures      int        `json:"failures"`
}

// AuditEntry is one best-effort audit log record
type AuditEntry struct {
	ID         int64     `json:"id"`
	Action     string    `json:"action"`
	EntityType string    `json:"entity_type"`
	EntityID   string    `json:"entity_id"`
	Detail     string    `json:"detail,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// RunSummary is returned to callers after a request run
type RunSummary struct {
	RequestID string `json:"request_id"`
	Status    string `json:"status"`
	Processed int    `json:"processed"`
	Completed int    `json:"completed"`
	Failed    int    `json:"failed"`
	Skipped   int    `json:"skipped,omitempty"`
	Total     int    `json:"total"`
	Error     string `json:"error,omitempty"` // request-level rejection, if any
}

// SweepSummary aggregates the runs performed by one queue sweep
type SweepSummary struct {
	Requests  int          `json:"requests"`
	Processed int          `json:"processed"`
	Completed int          `json:"completed"`
	Failed    int          `json:"failed"`
	Skipped   int          `json:"skipped,omitempty"`
	Total     int          `json:"total"`
	Runs      []RunSummary `json:"runs,omitempty"`
}

// Add folds one run into the sweep totals
func (s *SweepSummary) Add(r RunSummary) {
	s.Requests++
	s.Processed += r.Processed
	s.Completed += r.Completed
	s.Failed += r.Failed
	s.Skipped += r.Skipped
	s.Total += r.Total
	s.Runs = append(s.Runs, r)
}
