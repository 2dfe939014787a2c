// ABOUTME: SQLite-backed shared store for tasks, runs, steps, and artifacts.
// ABOUTME: Opens the database in WAL mode with foreign keys and immediate write transactions.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// ErrVersionConflict is returned when a version-conditioned write matched
// zero rows because another writer advanced the record first. Callers re-read
// the record and retry against fresh state.
var ErrVersionConflict = errors.New("version conflict: record modified concurrently")

// ErrNotFound is returned when a record with the given identifier does not exist.
var ErrNotFound = errors.New("record not found")

// timeFormat is the canonical timestamp encoding for all persisted times.
// The fractional second is fixed-width (never trimmed) because the claim
// scan and the staleness cutoffs compare these TEXT values byte-wise: with
// variable-width fractions a whole-second timestamp encodes shorter and
// sorts after later instants in the same second.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// Store is the shared relational store. Multiple drover instances may open
// the same database file concurrently; cross-instance mutual exclusion is
// provided entirely by SQLite's write locking and the conditional updates in
// the claim and step-write paths.
type Store struct {
	db *sql.DB
}

// Open opens or creates the store at the given path and migrates the schema.
// Write transactions are opened immediately (_txlock=immediate) so that the
// claim scan holds the write lock, and readers wait out short lock windows
// via the busy timeout instead of failing.
func Open(path string) (*Store, error) {
	dsn := path
	if !strings.Contains(dsn, "?") {
		dsn += "?"
	} else {
		dsn += "&"
	}
	// Connection-level options go in the DSN so every pooled connection gets
	// them, not just the one a PRAGMA statement happens to run on.
	dsn += "_txlock=immediate&_busy_timeout=5000&_foreign_keys=on"

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	schema := `
		CREATE TABLE IF NOT EXISTS tasks (
			task_id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			description TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'NEW',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'PENDING',
			claimed_by TEXT,
			started_at TEXT,
			finished_at TEXT,
			error_message TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			FOREIGN KEY (task_id) REFERENCES tasks(task_id) ON DELETE CASCADE
		);

		CREATE TABLE IF NOT EXISTS steps (
			step_id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			name TEXT NOT NULL,
			description TEXT NOT NULL,
			ordinal INTEGER NOT NULL,
			status TEXT NOT NULL DEFAULT 'PENDING',
			result TEXT NOT NULL DEFAULT '',
			error_message TEXT NOT NULL DEFAULT '',
			version INTEGER NOT NULL DEFAULT 0,
			started_at TEXT,
			finished_at TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			FOREIGN KEY (run_id) REFERENCES runs(run_id) ON DELETE CASCADE
		);

		CREATE TABLE IF NOT EXISTS artifacts (
			artifact_id TEXT PRIMARY KEY,
			step_id TEXT NOT NULL,
			name TEXT NOT NULL,
			mime_type TEXT NOT NULL,
			content BLOB NOT NULL,
			size_bytes INTEGER NOT NULL,
			created_at TEXT NOT NULL,
			FOREIGN KEY (step_id) REFERENCES steps(step_id) ON DELETE CASCADE
		);

		CREATE INDEX IF NOT EXISTS idx_runs_status_created ON runs(status, created_at);
		CREATE INDEX IF NOT EXISTS idx_steps_run ON steps(run_id, ordinal);
		CREATE INDEX IF NOT EXISTS idx_artifacts_step ON artifacts(step_id);`

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// formatTime encodes a timestamp for storage, normalized to UTC.
func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

// parseTime decodes a stored timestamp.
func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeFormat, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse stored time %q: %w", s, err)
	}
	return t, nil
}

// scanNullableTime converts an optional stored timestamp into a *time.Time.
func scanNullableTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
