/******************************************************************************
 * Copyright (c) 2025-2026 Tenebris Technologies Inc.                         *
 * Please see the LICENSE file for details                                    *
 ******************************************************************************/

package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a row does not exist
var ErrNotFound = errors.New("not found")

// Store is the SQLite-backed persistence layer for all shared entities
type Store struct {
	db *sql.DB
}

// schemaVersion is the PRAGMA user_version written by the latest migration
const schemaVersion = 1

// Open opens (creating if needed) the database at path and runs migrations
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", path, err)
	}
	// SQLite allows one writer; a single connection serialises writes in-process.
	db.SetMaxOpenConns(1)

	s := New(db)
	if err := s.Init(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate database %s: %w", path, err)
	}
	return s, nil
}

// New wraps an existing database handle
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Close closes the underlying database
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database is reachable
func (s *Store) Ping() error {
	return s.db.Ping()
}

// Init runs migrations using PRAGMA user_version.
func (s *Store) Init() error {
	var ver int
	if err := s.db.QueryRow(`PRAGMA user_version`).Scan(&ver); err != nil {
		return err
	}
	if ver >= schemaVersion {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for _, stmt := range schemaV1 {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("schema v1: %w", err)
		}
	}

	if _, err := tx.Exec(fmt.Sprintf(`PRAGMA user_version = %d`, schemaVersion)); err != nil {
		return err
	}
	return tx.Commit()
}

var schemaV1 = []string{
	`CREATE TABLE IF NOT EXISTS economies (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  name TEXT NOT NULL,
  code TEXT NOT NULL DEFAULT ''
)`,
	`CREATE TABLE IF NOT EXISTS questions (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  text TEXT NOT NULL,
  answer_type TEXT NOT NULL,
  indicator TEXT NOT NULL DEFAULT '',
  pillar TEXT NOT NULL DEFAULT '',
  grp TEXT NOT NULL DEFAULT '',
  subgroup TEXT NOT NULL DEFAULT ''
)`,
	`CREATE TABLE IF NOT EXISTS question_prompt_versions (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  question_id INTEGER NOT NULL REFERENCES questions(id) ON DELETE CASCADE,
  version INTEGER NOT NULL,
  prompt_text TEXT NOT NULL DEFAULT '',
  is_active INTEGER NOT NULL DEFAULT 0,
  created_at TEXT NOT NULL,
  UNIQUE (question_id, version)
)`,
	`CREATE TABLE IF NOT EXISTS providers (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  name TEXT NOT NULL,
  vendor TEXT NOT NULL,
  api_key TEXT NOT NULL DEFAULT '',
  base_url TEXT NOT NULL DEFAULT '',
  max_concurrency INTEGER NOT NULL DEFAULT 0,
  enabled INTEGER NOT NULL DEFAULT 1
)`,
	`CREATE TABLE IF NOT EXISTS models (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  provider_id INTEGER NOT NULL REFERENCES providers(id) ON DELETE CASCADE,
  name TEXT NOT NULL,
  price_input REAL NOT NULL DEFAULT 0,
  price_output REAL NOT NULL DEFAULT 0,
  max_output_tokens INTEGER NOT NULL DEFAULT 0
)`,
	`CREATE TABLE IF NOT EXISTS batches (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  name TEXT NOT NULL,
  provider_id INTEGER NOT NULL DEFAULT 0,
  model_id INTEGER NOT NULL DEFAULT 0,
  retrieval_method TEXT NOT NULL DEFAULT '',
  year INTEGER NOT NULL DEFAULT 0,
  as_of_date TEXT NOT NULL DEFAULT ''
)`,
	`CREATE TABLE IF NOT EXISTS tasks (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  batch_id INTEGER NOT NULL REFERENCES batches(id) ON DELETE CASCADE,
  economy_id INTEGER NOT NULL,
  question_id INTEGER NOT NULL,
  status TEXT NOT NULL DEFAULT 'not_started',
  dependency_status TEXT NOT NULL DEFAULT ''
)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_batch ON tasks(batch_id)`,
	`CREATE TABLE IF NOT EXISTS ai_requests (
  id TEXT PRIMARY KEY,
  batch_id INTEGER NOT NULL,
  task_ids TEXT NOT NULL DEFAULT '',
  provider_id INTEGER NOT NULL,
  model_id INTEGER NOT NULL,
  retrieval_method TEXT NOT NULL DEFAULT 'none',
  status TEXT NOT NULL,
  total_tasks INTEGER NOT NULL DEFAULT 0,
  completed_tasks INTEGER NOT NULL DEFAULT 0,
  failed_tasks INTEGER NOT NULL DEFAULT 0,
  error_text TEXT NOT NULL DEFAULT '',
  created_at TEXT NOT NULL,
  started_at TEXT,
  finished_at TEXT
)`,
	`CREATE INDEX IF NOT EXISTS idx_ai_requests_status ON ai_requests(status, created_at)`,
	`CREATE TABLE IF NOT EXISTS ai_task_results (
  id TEXT PRIMARY KEY,
  request_id TEXT NOT NULL REFERENCES ai_requests(id) ON DELETE CASCADE,
  task_id INTEGER NOT NULL,
  status TEXT NOT NULL,
  raw_text TEXT NOT NULL DEFAULT '',
  structured_fields TEXT,
  parse_strategy TEXT NOT NULL DEFAULT '',
  schema_validation_passed INTEGER NOT NULL DEFAULT 0,
  tokens_in INTEGER NOT NULL DEFAULT 0,
  tokens_out INTEGER NOT NULL DEFAULT 0,
  cost_estimate REAL NOT NULL DEFAULT 0,
  error_code TEXT NOT NULL DEFAULT '',
  error_text TEXT NOT NULL DEFAULT '',
  prompt_snapshot TEXT NOT NULL DEFAULT '{}',
  created_at TEXT NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS idx_ai_task_results_request ON ai_task_results(request_id)`,
	`CREATE TABLE IF NOT EXISTS draft_responses (
  task_id INTEGER PRIMARY KEY,
  answer TEXT NOT NULL DEFAULT '',
  legal_basis TEXT NOT NULL DEFAULT '',
  url TEXT NOT NULL DEFAULT '',
  reforms TEXT NOT NULL DEFAULT '',
  date_of_enactment TEXT NOT NULL DEFAULT '',
  date_of_enforcement TEXT NOT NULL DEFAULT '',
  comments TEXT NOT NULL DEFAULT '',
  flag TEXT NOT NULL DEFAULT '',
  source_result_id TEXT NOT NULL DEFAULT '',
  updated_at TEXT NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS audit_log (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  action TEXT NOT NULL,
  entity_type TEXT NOT NULL,
  entity_id TEXT NOT NULL,
  detail TEXT NOT NULL DEFAULT '',
  created_at TEXT NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS provider_telemetry (
  provider_id INTEGER PRIMARY KEY,
  last_call_at TEXT,
  last_latency_ms INTEGER NOT NULL DEFAULT 0,
  last_ok INTEGER NOT NULL DEFAULT 0,
  last_error TEXT NOT NULL DEFAULT '',
  calls INTEGER NOT NULL DEFAULT 0,
  failures INTEGER NOT NULL DEFAULT 0
)`,
}

func isNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, sql.ErrNoRows)
}

// notFound maps sql.ErrNoRows to ErrNotFound with context
func notFound(err error, what string, id any) error {
	if isNotFound(err) {
		return fmt.Errorf("%s %v: %w", what, id, ErrNotFound)
	}
	return fmt.Errorf("failed to load %s %v: %w", what, id, err)
}

// timeLayout is fixed width so stored timestamps sort lexically
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func now() string {
	return formatTime(time.Now())
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func parseNullTime(ns sql.NullString) *time.Time {
	if !ns.Valid || strings.TrimSpace(ns.String) == "" {
		return nil
	}
	t := parseTime(ns.String)
	return &t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
