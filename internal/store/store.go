// Package store is the scheduler's durable state layer: task definitions,
// fire history, and the audit trail, backed by a single-file SQLite
// database opened in WAL mode with a single connection. It follows the
// open/pragma/schema bootstrap pattern used throughout the example pack's
// persistence layer, including the busy-retry helper for SQLITE_BUSY and
// SQLITE_LOCKED errors that a single-writer WAL database can still surface
// under concurrent readers.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/basket/taskscheduler/internal/apperr"
)

const (
	schemaVersion  = 2
	schemaChecksum = "ts-v2-integer-ids"
)

// Store owns the single SQLite connection backing the scheduler.
type Store struct {
	db *sql.DB
}

// DefaultDBPath returns the default database location under the user's
// home directory, used when no explicit path is configured.
func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".taskscheduler", "scheduler.db")
}

// Open creates (if needed) and opens the SQLite database at path, applying
// pragmas and running schema bootstrap. A single connection is used
// because the scheduler is a single process and SQLite's WAL mode already
// serializes writers; a pool only adds lock contention.
func Open(path string) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// DB exposes the underlying connection for components that need to share
// a transaction across store helpers (the batch package does this so
// each outcome bucket reflects a single committed decision per task id).
func (s *Store) DB() *sql.DB { return s.db }

// Close releases the database connection.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) configurePragmas(ctx context.Context) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragmas {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	var haveVersion int
	err := s.db.QueryRowContext(ctx, `SELECT version FROM schema_migrations ORDER BY version DESC LIMIT 1`).Scan(&haveVersion)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		if !strings.Contains(err.Error(), "no such table") {
			return fmt.Errorf("read schema_migrations: %w", err)
		}
	}
	if haveVersion >= schemaVersion {
		return nil
	}

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS tasks (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			account TEXT NOT NULL,
			trigger_type TEXT NOT NULL,
			schedule_expression TEXT,
			event_type TEXT,
			condition_script TEXT,
			condition_interval_seconds INTEGER,
			script_body TEXT NOT NULL,
			pre_task_ids TEXT NOT NULL DEFAULT '[]',
			is_active INTEGER NOT NULL DEFAULT 1,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			next_run_at TIMESTAMP,
			last_run_at TIMESTAMP,
			last_status TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_next_run_at ON tasks(next_run_at) WHERE is_active = 1;`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_trigger_type ON tasks(trigger_type);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_tasks_name ON tasks(name);`,
		`CREATE TABLE IF NOT EXISTS task_results (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id INTEGER NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
			status TEXT NOT NULL,
			trigger_reason TEXT NOT NULL,
			started_at TIMESTAMP NOT NULL,
			finished_at TIMESTAMP,
			log TEXT NOT NULL DEFAULT '',
			exit_code INTEGER
		);`,
		`CREATE INDEX IF NOT EXISTS idx_task_results_task_id ON task_results(task_id, started_at DESC);`,
		`CREATE TABLE IF NOT EXISTS audit_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			actor TEXT NOT NULL DEFAULT 'system',
			action TEXT NOT NULL,
			target_id TEXT NOT NULL,
			outcome TEXT NOT NULL,
			detail TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL
		);`,
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer tx.Rollback()

	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema statement: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_migrations (version, checksum) VALUES (?, ?)`,
		schemaVersion, schemaChecksum,
	); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	return tx.Commit()
}

// retryOnBusy retries f while SQLite reports BUSY or LOCKED, with bounded
// exponential backoff and jitter, layered on top of the driver's own
// busy_timeout so transient lock contention from the condition poller and
// dispatcher racing to touch the same row doesn't surface as a hard error.
func retryOnBusy(ctx context.Context, f func() error) error {
	const maxRetries = 5
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.IntN(int(delay/2) + 1))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") ||
		strings.Contains(msg, "(6)")
}

// isSQLiteUniqueViolation reports whether err came from a UNIQUE index
// violation, used to map the tasks.name uniqueness constraint (spec §3)
// onto apperr.Conflict rather than a bare SQLite error.
func isSQLiteUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// wrapNotFound turns sql.ErrNoRows into apperr.NotFound so callers can use
// errors.Is(err, apperr.NotFound) regardless of which query produced it.
func wrapNotFound(err error, what string, id any) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s %v: %w", what, id, apperr.NotFound)
	}
	return err
}
