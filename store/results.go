/******************************************************************************
 * Copyright (c) 2025-2026 Tenebris Technologies Inc.                         *
 * Please see the LICENSE file for details                                    *
 ******************************************************************************/

package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/PivotLLM/Surveyor/global"
)

// InsertResult writes one immutable task result and sets its ID.
// There is deliberately no update path for results.
func (s *Store) InsertResult(r *global.AITaskResult) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}

	var structured sql.NullString
	if r.StructuredFields != nil {
		data, err := json.Marshal(r.StructuredFields)
		if err != nil {
			return fmt.Errorf("failed to encode structured fields: %w", err)
		}
		structured = sql.NullString{String: string(data), Valid: true}
	}
	snapshot, err := json.Marshal(r.Prompt)
	if err != nil {
		return fmt.Errorf("failed to encode prompt snapshot: %w", err)
	}

	_, err = s.db.Exec(
		`INSERT INTO ai_task_results (id, request_id, task_id, status, raw_text, structured_fields, parse_strategy,
		   schema_validation_passed, tokens_in, tokens_out, cost_estimate, error_code, error_text, prompt_snapshot, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.RequestID, r.TaskID, r.Status, r.RawText, structured, r.ParseStrategy,
		boolInt(r.SchemaValidationPassed), r.TokensIn, r.TokensOut, r.CostEstimate, r.ErrorCode, r.ErrorText,
		string(snapshot), formatTime(r.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert result for task %d: %w", r.TaskID, err)
	}
	return nil
}

const resultColumns = `id, request_id, task_id, status, raw_text, structured_fields, parse_strategy,
	schema_validation_passed, tokens_in, tokens_out, cost_estimate, error_code, error_text, prompt_snapshot, created_at`

func scanResult(row interface{ Scan(...any) error }) (*global.AITaskResult, error) {
	var r global.AITaskResult
	var structured sql.NullString
	var passed int
	var snapshot, created string
	if err := row.Scan(&r.ID, &r.RequestID, &r.TaskID, &r.Status, &r.RawText, &structured, &r.ParseStrategy,
		&passed, &r.TokensIn, &r.TokensOut, &r.CostEstimate, &r.ErrorCode, &r.ErrorText, &snapshot, &created); err != nil {
		return nil, err
	}
	if structured.Valid {
		if err := json.Unmarshal([]byte(structured.String), &r.StructuredFields); err != nil {
			return nil, fmt.Errorf("corrupt structured_fields on result %s: %w", r.ID, err)
		}
	}
	if snapshot != "" {
		if err := json.Unmarshal([]byte(snapshot), &r.Prompt); err != nil {
			return nil, fmt.Errorf("corrupt prompt_snapshot on result %s: %w", r.ID, err)
		}
	}
	r.SchemaValidationPassed = passed == 1
	r.CreatedAt = parseTime(created)
	return &r, nil
}

// GetResult loads a task result by ID
func (s *Store) GetResult(id string) (*global.AITaskResult, error) {
	r, err := scanResult(s.db.QueryRow(`SELECT `+resultColumns+` FROM ai_task_results WHERE id = ?`, id))
	if err != nil {
		return nil, notFound(err, "result", id)
	}
	return r, nil
}

// ResultFilter selects task results
type ResultFilter struct {
	RequestID string
	TaskID    int64
	Status    string
	Limit     int
	Offset    int
}

// ListResults returns results matching the filter in insertion order
func (s *Store) ListResults(f ResultFilter) ([]*global.AITaskResult, error) {
	query := `SELECT ` + resultColumns + ` FROM ai_task_results WHERE 1 = 1`
	var args []any
	if f.RequestID != "" {
		query += ` AND request_id = ?`
		args = append(args, f.RequestID)
	}
	if f.TaskID != 0 {
		query += ` AND task_id = ?`
		args = append(args, f.TaskID)
	}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, f.Status)
	}
	query += ` ORDER BY created_at, rowid`
	if f.Limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, f.Limit, f.Offset)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list results: %w", err)
	}
	defer func(rows *sql.Rows) {
		_ = rows.Close()
	}(rows)

	var results []*global.AITaskResult
	for rows.Next() {
		r, err := scanResult(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// ResultErrorCodes returns the error_code of every result written for a request
func (s *Store) ResultErrorCodes(requestID string) ([]string, error) {
	rows, err := s.db.Query(`SELECT error_code FROM ai_task_results WHERE request_id = ?`, requestID)
	if err != nil {
		return nil, fmt.Errorf("failed to scan results for request %s: %w", requestID, err)
	}
	defer func(rows *sql.Rows) {
		_ = rows.Close()
	}(rows)

	var codes []string
	for rows.Next() {
		var code string
		if err := rows.Scan(&code); err != nil {
			return nil, err
		}
		codes = append(codes, code)
	}
	return codes, rows.Err()
}

// GetDraft loads the draft response for a task
func (s *Store) GetDraft(taskID int64) (*global.DraftResponse, error) {
	return getDraft(s.db.QueryRow(draftSelect, taskID), taskID)
}

const draftSelect = `SELECT task_id, answer, legal_basis, url, reforms, date_of_enactment, date_of_enforcement,
	comments, flag, source_result_id, updated_at FROM draft_responses WHERE task_id = ?`

func getDraft(row *sql.Row, taskID int64) (*global.DraftResponse, error) {
	var d global.DraftResponse
	var updated string
	err := row.Scan(&d.TaskID, &d.Answer, &d.LegalBasis, &d.URL, &d.Reforms, &d.DateOfEnactment,
		&d.DateOfEnforcement, &d.Comments, &d.Flag, &d.SourceResultID, &updated)
	if err != nil {
		return nil, notFound(err, "draft for task", taskID)
	}
	d.UpdatedAt = parseTime(updated)
	return &d, nil
}

// MergeDraft overlays incoming on existing. Answer always takes the incoming
// value; every other field keeps the existing value when the incoming one is empty.
func MergeDraft(existing, incoming global.DraftResponse) global.DraftResponse {
	keep := func(in, old string) string {
		if in == "" {
			return old
		}
		return in
	}
	return global.DraftResponse{
		TaskID:            incoming.TaskID,
		Answer:            incoming.Answer,
		LegalBasis:        keep(incoming.LegalBasis, existing.LegalBasis),
		URL:               keep(incoming.URL, existing.URL),
		Reforms:           keep(incoming.Reforms, existing.Reforms),
		DateOfEnactment:   keep(incoming.DateOfEnactment, existing.DateOfEnactment),
		DateOfEnforcement: keep(incoming.DateOfEnforcement, existing.DateOfEnforcement),
		Comments:          keep(incoming.Comments, existing.Comments),
		Flag:              keep(incoming.Flag, existing.Flag),
		SourceResultID:    keep(incoming.SourceResultID, existing.SourceResultID),
	}
}

// UpsertDraft merges d into the task's draft (see MergeDraft) and returns the stored draft.
// Concurrent requests on the same task are last-writer-wins.
func (s *Store) UpsertDraft(d global.DraftResponse) (*global.DraftResponse, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	merged := d
	existing, err := getDraft(tx.QueryRow(draftSelect, d.TaskID), d.TaskID)
	switch {
	case err == nil:
		merged = MergeDraft(*existing, d)
	case !isNotFound(err):
		return nil, err
	}
	merged.UpdatedAt = time.Now().UTC()

	_, err = tx.Exec(
		`INSERT INTO draft_responses (task_id, answer, legal_basis, url, reforms, date_of_enactment,
		   date_of_enforcement, comments, flag, source_result_id, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(task_id) DO UPDATE SET
		   answer = excluded.answer, legal_basis = excluded.legal_basis, url = excluded.url,
		   reforms = excluded.reforms, date_of_enactment = excluded.date_of_enactment,
		   date_of_enforcement = excluded.date_of_enforcement, comments = excluded.comments,
		   flag = excluded.flag, source_result_id = excluded.source_result_id, updated_at = excluded.updated_at`,
		merged.TaskID, merged.Answer, merged.LegalBasis, merged.URL, merged.Reforms, merged.DateOfEnactment,
		merged.DateOfEnforcement, merged.Comments, merged.Flag, merged.SourceResultID, formatTime(merged.UpdatedAt),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to write draft for task %d: %w", d.TaskID, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &merged, nil
}

// AppendAudit writes an audit entry
func (s *Store) AppendAudit(e global.AuditEntry) error {
	_, err := s.db.Exec(
		`INSERT INTO audit_log (action, entity_type, entity_id, detail, created_at) VALUES (?, ?, ?, ?, ?)`,
		e.Action, e.EntityType, e.EntityID, e.Detail, now(),
	)
	if err != nil {
		return fmt.Errorf("failed to write audit entry %s: %w", e.Action, err)
	}
	return nil
}

// ListAudit returns audit entries for an entity, oldest first
func (s *Store) ListAudit(entityType, entityID string) ([]global.AuditEntry, error) {
	rows, err := s.db.Query(
		`SELECT id, action, entity_type, entity_id, detail, created_at FROM audit_log
		  WHERE entity_type = ? AND entity_id = ? ORDER BY id`, entityType, entityID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer func(rows *sql.Rows) {
		_ = rows.Close()
	}(rows)

	var entries []global.AuditEntry
	for rows.Next() {
		var e global.AuditEntry
		var created string
		if err := rows.Scan(&e.ID, &e.Action, &e.EntityType, &e.EntityID, &e.Detail, &created); err != nil {
			return nil, err
		}
		e.CreatedAt = parseTime(created)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// RecordProviderCall updates the provider's telemetry record after a call
func (s *Store) RecordProviderCall(providerID int64, latency time.Duration, callErr error) error {
	ok := callErr == nil
	errText := ""
	if callErr != nil {
		errText = global.Truncate(callErr.Error(), 500)
	}
	_, err := s.db.Exec(
		`INSERT INTO provider_telemetry (provider_id, last_call_at, last_latency_ms, last_ok, last_error, calls, failures)
		 VALUES (?, ?, ?, ?, ?, 1, ?)
		 ON CONFLICT(provider_id) DO UPDATE SET
		   last_call_at = excluded.last_call_at, last_latency_ms = excluded.last_latency_ms,
		   last_ok = excluded.last_ok, last_error = excluded.last_error,
		   calls = provider_telemetry.calls + 1,
		   failures = provider_telemetry.failures + excluded.failures`,
		providerID, now(), latency.Milliseconds(), boolInt(ok), errText, boolInt(!ok),
	)
	if err != nil {
		return fmt.Errorf("failed to record telemetry for provider %d: %w", providerID, err)
	}
	return nil
}

// GetProviderTelemetry loads the telemetry record for a provider
func (s *Store) GetProviderTelemetry(providerID int64) (*global.ProviderTelemetry, error) {
	var t global.ProviderTelemetry
	var last sql.NullString
	var ok int
	err := s.db.QueryRow(
		`SELECT provider_id, last_call_at, last_latency_ms, last_ok, last_error, calls, failures
		   FROM provider_telemetry WHERE provider_id = ?`, providerID,
	).Scan(&t.ProviderID, &last, &t.LastLatencyMs, &ok, &t.LastError, &t.Calls, &t.Failures)
	if err != nil {
		return nil, notFound(err, "telemetry for provider", providerID)
	}
	t.LastCallAt = parseNullTime(last)
	t.LastOK = ok == 1
	return &t, nil
}
