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

const requestColumns = `id, batch_id, task_ids, provider_id, model_id, retrieval_method, status,
	total_tasks, completed_tasks, failed_tasks, error_text, created_at, started_at, finished_at`

func scanRequest(row interface{ Scan(...any) error }) (*global.AIRequest, error) {
	var r global.AIRequest
	var taskIDs, created string
	var started, finished sql.NullString
	if err := row.Scan(&r.ID, &r.BatchID, &taskIDs, &r.ProviderID, &r.ModelID, &r.RetrievalMethod, &r.Status,
		&r.TotalTasks, &r.CompletedTasks, &r.FailedTasks, &r.ErrorText, &created, &started, &finished); err != nil {
		return nil, err
	}
	if taskIDs != "" {
		if err := json.Unmarshal([]byte(taskIDs), &r.TaskIDs); err != nil {
			return nil, fmt.Errorf("corrupt task_ids on request %s: %w", r.ID, err)
		}
	}
	r.CreatedAt = parseTime(created)
	r.StartedAt = parseNullTime(started)
	r.FinishedAt = parseNullTime(finished)
	return &r, nil
}

// CreateRequest enqueues a new AI request with status queued and sets its ID
func (s *Store) CreateRequest(r *global.AIRequest) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.RetrievalMethod == "" {
		r.RetrievalMethod = global.RetrievalNone
	}
	r.Status = global.RequestStatusQueued
	r.CreatedAt = time.Now().UTC()

	taskIDs := ""
	if len(r.TaskIDs) > 0 {
		data, err := json.Marshal(r.TaskIDs)
		if err != nil {
			return fmt.Errorf("failed to encode task ids: %w", err)
		}
		taskIDs = string(data)
	}

	_, err := s.db.Exec(
		`INSERT INTO ai_requests (id, batch_id, task_ids, provider_id, model_id, retrieval_method, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.BatchID, taskIDs, r.ProviderID, r.ModelID, r.RetrievalMethod, r.Status, formatTime(r.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	return nil
}

// GetRequest loads a request by ID
func (s *Store) GetRequest(id string) (*global.AIRequest, error) {
	r, err := scanRequest(s.db.QueryRow(`SELECT `+requestColumns+` FROM ai_requests WHERE id = ?`, id))
	if err != nil {
		return nil, notFound(err, "request", id)
	}
	return r, nil
}

// RequestStatus returns only the status of a request
func (s *Store) RequestStatus(id string) (string, error) {
	var status string
	if err := s.db.QueryRow(`SELECT status FROM ai_requests WHERE id = ?`, id).Scan(&status); err != nil {
		return "", notFound(err, "request", id)
	}
	return status, nil
}

// ListQueuedRequests returns queued request IDs, oldest first
func (s *Store) ListQueuedRequests() ([]string, error) {
	rows, err := s.db.Query(
		`SELECT id FROM ai_requests WHERE status = ? ORDER BY created_at, id`, global.RequestStatusQueued,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list queued requests: %w", err)
	}
	defer func(rows *sql.Rows) {
		_ = rows.Close()
	}(rows)

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ClaimRequest moves a queued request to running. Returns false if the request
// was not queued (already claimed, finished or canceled).
func (s *Store) ClaimRequest(id string) (bool, error) {
	res, err := s.db.Exec(
		`UPDATE ai_requests SET status = ?, started_at = ? WHERE id = ? AND status = ?`,
		global.RequestStatusRunning, now(), id, global.RequestStatusQueued,
	)
	if err != nil {
		return false, fmt.Errorf("failed to claim request %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// SetRequestTotal records how many tasks the request covers
func (s *Store) SetRequestTotal(id string, total int) error {
	if _, err := s.db.Exec(`UPDATE ai_requests SET total_tasks = ? WHERE id = ?`, total, id); err != nil {
		return fmt.Errorf("failed to set total for request %s: %w", id, err)
	}
	return nil
}

// IncrementRequestCounters atomically adds to the running counters
func (s *Store) IncrementRequestCounters(id string, completed, failed int) error {
	if completed == 0 && failed == 0 {
		return nil
	}
	_, err := s.db.Exec(
		`UPDATE ai_requests SET completed_tasks = completed_tasks + ?, failed_tasks = failed_tasks + ? WHERE id = ?`,
		completed, failed, id,
	)
	if err != nil {
		return fmt.Errorf("failed to update counters for request %s: %w", id, err)
	}
	return nil
}

// AppendRequestError appends a line to the request's error_text
func (s *Store) AppendRequestError(id, note string) error {
	_, err := s.db.Exec(
		`UPDATE ai_requests
		    SET error_text = CASE WHEN error_text = '' THEN ? ELSE error_text || char(10) || ? END
		  WHERE id = ?`,
		note, note, id,
	)
	if err != nil {
		return fmt.Errorf("failed to append error to request %s: %w", id, err)
	}
	return nil
}

// FinishRequest moves a running request to a terminal status, appending note to
// error_text when non-empty. Returns false if the request was no longer running
// (for example canceled by another actor).
func (s *Store) FinishRequest(id, status, note string) (bool, error) {
	res, err := s.db.Exec(
		`UPDATE ai_requests
		    SET status = ?, finished_at = ?,
		        error_text = CASE WHEN ? = '' THEN error_text
		                          WHEN error_text = '' THEN ?
		                          ELSE error_text || char(10) || ? END
		  WHERE id = ? AND status = ?`,
		status, now(), note, note, note, id, global.RequestStatusRunning,
	)
	if err != nil {
		return false, fmt.Errorf("failed to finish request %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// CancelRequest marks a queued or running request canceled.
// Returns false if the request was already terminal.
func (s *Store) CancelRequest(id string) (bool, error) {
	res, err := s.db.Exec(
		`UPDATE ai_requests SET status = ?, finished_at = ? WHERE id = ? AND status IN (?, ?)`,
		global.RequestStatusCanceled, now(), id, global.RequestStatusQueued, global.RequestStatusRunning,
	)
	if err != nil {
		return false, fmt.Errorf("failed to cancel request %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		if _, err := s.RequestStatus(id); err != nil {
			return false, err
		}
	}
	return n == 1, nil
}
