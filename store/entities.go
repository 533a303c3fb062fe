/******************************************************************************
 * Copyright (c) 2025-2026 Tenebris Technologies Inc.                         *
 * Please see the LICENSE file for details                                    *
 ******************************************************************************/

package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/PivotLLM/Surveyor/global"
)

// Administered entities are maintained by collaborators outside the engine.
// The Create methods exist for those collaborators and for tests.

// CreateEconomy inserts an economy and sets its ID
func (s *Store) CreateEconomy(e *global.Economy) error {
	res, err := s.db.Exec(`INSERT INTO economies (name, code) VALUES (?, ?)`, e.Name, e.Code)
	if err != nil {
		return fmt.Errorf("failed to create economy: %w", err)
	}
	e.ID, err = res.LastInsertId()
	return err
}

// GetEconomy loads an economy by ID
func (s *Store) GetEconomy(id int64) (*global.Economy, error) {
	var e global.Economy
	err := s.db.QueryRow(`SELECT id, name, code FROM economies WHERE id = ?`, id).Scan(&e.ID, &e.Name, &e.Code)
	if err != nil {
		return nil, notFound(err, "economy", id)
	}
	return &e, nil
}

// CreateQuestion inserts a question and sets its ID
func (s *Store) CreateQuestion(q *global.Question) error {
	res, err := s.db.Exec(
		`INSERT INTO questions (text, answer_type, indicator, pillar, grp, subgroup) VALUES (?, ?, ?, ?, ?, ?)`,
		q.Text, q.AnswerType, q.Indicator, q.Pillar, q.Group, q.Subgroup,
	)
	if err != nil {
		return fmt.Errorf("failed to create question: %w", err)
	}
	q.ID, err = res.LastInsertId()
	return err
}

// GetQuestion loads a question by ID
func (s *Store) GetQuestion(id int64) (*global.Question, error) {
	var q global.Question
	err := s.db.QueryRow(
		`SELECT id, text, answer_type, indicator, pillar, grp, subgroup FROM questions WHERE id = ?`, id,
	).Scan(&q.ID, &q.Text, &q.AnswerType, &q.Indicator, &q.Pillar, &q.Group, &q.Subgroup)
	if err != nil {
		return nil, notFound(err, "question", id)
	}
	return &q, nil
}

// CreatePromptVersion inserts a prompt version. When the new version is active,
// every other version of the same question is deactivated in the same transaction.
func (s *Store) CreatePromptVersion(v *global.QuestionPromptVersion) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if v.IsActive {
		if _, err := tx.Exec(`UPDATE question_prompt_versions SET is_active = 0 WHERE question_id = ?`, v.QuestionID); err != nil {
			return fmt.Errorf("failed to deactivate prompt versions: %w", err)
		}
	}

	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now().UTC()
	}
	res, err := tx.Exec(
		`INSERT INTO question_prompt_versions (question_id, version, prompt_text, is_active, created_at) VALUES (?, ?, ?, ?, ?)`,
		v.QuestionID, v.Version, v.PromptText, boolInt(v.IsActive), formatTime(v.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create prompt version: %w", err)
	}
	if v.ID, err = res.LastInsertId(); err != nil {
		return err
	}
	return tx.Commit()
}

// SelectPromptVersion returns the active prompt version for a question, or the
// highest-numbered version when none is active. ErrNotFound if none exist.
func (s *Store) SelectPromptVersion(questionID int64) (*global.QuestionPromptVersion, error) {
	var v global.QuestionPromptVersion
	var active int
	var created string
	err := s.db.QueryRow(
		`SELECT id, question_id, version, prompt_text, is_active, created_at
		   FROM question_prompt_versions
		  WHERE question_id = ?
		  ORDER BY is_active DESC, version DESC
		  LIMIT 1`, questionID,
	).Scan(&v.ID, &v.QuestionID, &v.Version, &v.PromptText, &active, &created)
	if err != nil {
		return nil, notFound(err, "prompt version for question", questionID)
	}
	v.IsActive = active == 1
	v.CreatedAt = parseTime(created)
	return &v, nil
}

// CreateProvider inserts a provider and sets its ID
func (s *Store) CreateProvider(p *global.Provider) error {
	res, err := s.db.Exec(
		`INSERT INTO providers (name, vendor, api_key, base_url, max_concurrency, enabled) VALUES (?, ?, ?, ?, ?, ?)`,
		p.Name, strings.ToLower(p.Vendor), p.APIKey, p.BaseURL, p.MaxConcurrency, boolInt(p.Enabled),
	)
	if err != nil {
		return fmt.Errorf("failed to create provider: %w", err)
	}
	p.ID, err = res.LastInsertId()
	return err
}

// GetProvider loads a provider by ID
func (s *Store) GetProvider(id int64) (*global.Provider, error) {
	var p global.Provider
	var enabled int
	err := s.db.QueryRow(
		`SELECT id, name, vendor, api_key, base_url, max_concurrency, enabled FROM providers WHERE id = ?`, id,
	).Scan(&p.ID, &p.Name, &p.Vendor, &p.APIKey, &p.BaseURL, &p.MaxConcurrency, &enabled)
	if err != nil {
		return nil, notFound(err, "provider", id)
	}
	p.Enabled = enabled == 1
	return &p, nil
}

// CreateModel inserts a model and sets its ID
func (s *Store) CreateModel(m *global.Model) error {
	res, err := s.db.Exec(
		`INSERT INTO models (provider_id, name, price_input, price_output, max_output_tokens) VALUES (?, ?, ?, ?, ?)`,
		m.ProviderID, m.Name, m.PriceInput, m.PriceOutput, m.MaxOutputTokens,
	)
	if err != nil {
		return fmt.Errorf("failed to create model: %w", err)
	}
	m.ID, err = res.LastInsertId()
	return err
}

// GetModel loads a model by ID
func (s *Store) GetModel(id int64) (*global.Model, error) {
	var m global.Model
	err := s.db.QueryRow(
		`SELECT id, provider_id, name, price_input, price_output, max_output_tokens FROM models WHERE id = ?`, id,
	).Scan(&m.ID, &m.ProviderID, &m.Name, &m.PriceInput, &m.PriceOutput, &m.MaxOutputTokens)
	if err != nil {
		return nil, notFound(err, "model", id)
	}
	return &m, nil
}

// CreateBatch inserts a batch and sets its ID
func (s *Store) CreateBatch(b *global.Batch) error {
	res, err := s.db.Exec(
		`INSERT INTO batches (name, provider_id, model_id, retrieval_method, year, as_of_date) VALUES (?, ?, ?, ?, ?, ?)`,
		b.Name, b.ProviderID, b.ModelID, b.RetrievalMethod, b.Year, b.AsOfDate,
	)
	if err != nil {
		return fmt.Errorf("failed to create batch: %w", err)
	}
	b.ID, err = res.LastInsertId()
	return err
}

// GetBatch loads a batch by ID
func (s *Store) GetBatch(id int64) (*global.Batch, error) {
	var b global.Batch
	err := s.db.QueryRow(
		`SELECT id, name, provider_id, model_id, retrieval_method, year, as_of_date FROM batches WHERE id = ?`, id,
	).Scan(&b.ID, &b.Name, &b.ProviderID, &b.ModelID, &b.RetrievalMethod, &b.Year, &b.AsOfDate)
	if err != nil {
		return nil, notFound(err, "batch", id)
	}
	return &b, nil
}

// CreateTask inserts a task and sets its ID. Status defaults to not_started.
func (s *Store) CreateTask(t *global.Task) error {
	if t.Status == "" {
		t.Status = global.TaskStatusNotStarted
	}
	res, err := s.db.Exec(
		`INSERT INTO tasks (batch_id, economy_id, question_id, status, dependency_status) VALUES (?, ?, ?, ?, ?)`,
		t.BatchID, t.EconomyID, t.QuestionID, t.Status, t.DependencyStatus,
	)
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}
	t.ID, err = res.LastInsertId()
	return err
}

const taskColumns = `id, batch_id, economy_id, question_id, status, dependency_status`

func scanTask(row interface{ Scan(...any) error }) (*global.Task, error) {
	var t global.Task
	if err := row.Scan(&t.ID, &t.BatchID, &t.EconomyID, &t.QuestionID, &t.Status, &t.DependencyStatus); err != nil {
		return nil, err
	}
	return &t, nil
}

// GetTask loads a task by ID
func (s *Store) GetTask(id int64) (*global.Task, error) {
	t, err := scanTask(s.db.QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id))
	if err != nil {
		return nil, notFound(err, "task", id)
	}
	return t, nil
}

// ListRequestTasks returns the tasks a request covers, ordered by ID.
// An empty subset means every task in the batch. Subset IDs outside the batch are ignored.
func (s *Store) ListRequestTasks(batchID int64, subset []int64) ([]*global.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE batch_id = ?`
	args := []any{batchID}
	if len(subset) > 0 {
		query += ` AND id IN (?` + strings.Repeat(`, ?`, len(subset)-1) + `)`
		for _, id := range subset {
			args = append(args, id)
		}
	}
	query += ` ORDER BY id`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks for batch %d: %w", batchID, err)
	}
	defer func(rows *sql.Rows) {
		_ = rows.Close()
	}(rows)

	var tasks []*global.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// AdvanceTask moves a task from not_started to in_progress unless it is locked.
// Returns false when the task was not eligible.
func (s *Store) AdvanceTask(taskID int64) (bool, error) {
	res, err := s.db.Exec(
		`UPDATE tasks SET status = ? WHERE id = ? AND status = ? AND dependency_status != ?`,
		global.TaskStatusInProgress, taskID, global.TaskStatusNotStarted, global.DependencyLocked,
	)
	if err != nil {
		return false, fmt.Errorf("failed to advance task %d: %w", taskID, err)
	}
	n, err := res.RowsAffected()
	return n == 1, err
}
