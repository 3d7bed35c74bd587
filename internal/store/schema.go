// Package store is the Task Queue Core's persistence layer: an embedded
// SQLite database holding tasks, their dependency edges, and the
// supplementary audit/lease/policy tables the queue needs for crash
// recovery and anti-starvation scoring.
package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// schemaVersion is the current migration ledger version. Bump this and add
// a case to migrationSteps when the schema changes; never rewrite an
// already-shipped step.
const schemaVersion = 1

// Store owns the single SQLite connection backing the Task Queue Core.
// The connection pool is capped to one open/idle connection so the
// single-writer posture of §5 is structural, not advisory.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (creating if necessary) the SQLite file at path, applies
// pragmas, and runs idempotent schema migrations.
func Open(ctx context.Context, path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Single-writer enforcement: SQLite allows only one writer regardless,
	// but capping the Go pool to one connection avoids spurious
	// SQLITE_BUSY from this process's own concurrent readers/writers
	// racing each other instead of genuinely serializing.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db, logger: logger}
	if err := s.configurePragmas(ctx); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying connection.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) configurePragmas(ctx context.Context) error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA synchronous=NORMAL;`,
		`PRAGMA foreign_keys=ON;`,
		`PRAGMA busy_timeout=5000;`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("pragma %q: %w", stmt, err)
		}
	}
	return nil
}

var migrationSteps = [][]string{
	// v1: the full initial schema.
	{
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			description TEXT NOT NULL,
			summary TEXT,
			agent_type TEXT NOT NULL,
			base_priority REAL NOT NULL,
			calculated_priority REAL NOT NULL DEFAULT 0,
			dependency_depth INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			source TEXT NOT NULL,
			parent_task_id TEXT,
			session_id TEXT,
			submitted_at DATETIME NOT NULL,
			started_at DATETIME,
			completed_at DATETIME,
			updated_at DATETIME NOT NULL,
			deadline DATETIME,
			estimated_duration_seconds INTEGER,
			input_data TEXT,
			result TEXT,
			error_message TEXT,
			retry_count INTEGER NOT NULL DEFAULT 0,
			max_retries INTEGER NOT NULL DEFAULT 0,
			execution_timeout_seconds INTEGER NOT NULL DEFAULT 0,
			policy_version INTEGER NOT NULL DEFAULT 0,
			lease_owner TEXT,
			lease_expires_at DATETIME
		);`,
		`CREATE TABLE IF NOT EXISTS task_dependencies (
			id TEXT PRIMARY KEY,
			dependent_task_id TEXT NOT NULL REFERENCES tasks(id),
			prerequisite_task_id TEXT NOT NULL REFERENCES tasks(id),
			kind TEXT NOT NULL DEFAULT 'sequential',
			created_at DATETIME NOT NULL,
			resolved_at DATETIME,
			UNIQUE(dependent_task_id, prerequisite_task_id)
		);`,
		`CREATE TABLE IF NOT EXISTS task_events (
			event_id INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			payload TEXT,
			trace_id TEXT,
			created_at DATETIME NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS policy_versions (
			version INTEGER PRIMARY KEY AUTOINCREMENT,
			weights TEXT NOT NULL,
			horizon_seconds INTEGER NOT NULL,
			created_at DATETIME NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS kv_store (
			key TEXT PRIMARY KEY,
			value TEXT,
			updated_at DATETIME NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS schedules (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			cron_expr TEXT NOT NULL,
			enqueue_template TEXT NOT NULL,
			enabled INTEGER NOT NULL DEFAULT 1,
			next_run_at DATETIME,
			last_run_at DATETIME,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_ready_order ON tasks(status, calculated_priority DESC, submitted_at ASC);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_blocked ON tasks(status) WHERE status = 'blocked';`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_deadline ON tasks(deadline) WHERE deadline IS NOT NULL;`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_leases ON tasks(status, lease_expires_at) WHERE status = 'running';`,
		`CREATE INDEX IF NOT EXISTS idx_deps_prereq_open ON task_dependencies(prerequisite_task_id) WHERE resolved_at IS NULL;`,
		`CREATE INDEX IF NOT EXISTS idx_deps_dependent_open ON task_dependencies(dependent_task_id) WHERE resolved_at IS NULL;`,
		`CREATE INDEX IF NOT EXISTS idx_task_events_task ON task_events(task_id, event_id);`,
		`CREATE INDEX IF NOT EXISTS idx_schedules_due ON schedules(next_run_at) WHERE enabled = 1;`,
	},
}

func checksumOf(stmts []string) string {
	h := sha256.New()
	h.Write([]byte(strings.Join(stmts, "\n")))
	return hex.EncodeToString(h.Sum(nil))
}

// migrate applies any schema_migrations rows not yet present. It is safe
// to call on every Open: an already-migrated file is a no-op aside from
// the idempotent "CREATE TABLE/INDEX IF NOT EXISTS" statements re-running.
func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		checksum TEXT NOT NULL,
		applied_at DATETIME NOT NULL
	);`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	row := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`)
	if err := row.Scan(&maxVersion); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for i := maxVersion; i < len(migrationSteps); i++ {
		version := i + 1
		stmts := migrationSteps[i]
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", version, err)
		}
		for _, stmt := range stmts {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				tx.Rollback()
				return fmt.Errorf("migration %d statement %q: %w", version, stmt, err)
			}
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO schema_migrations (version, checksum, applied_at) VALUES (?, ?, ?);`,
			version, checksumOf(stmts), time.Now().UTC(),
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", version, err)
		}
		s.logger.Info("schema migration applied", "version", version)
	}
	return nil
}

// isBusy reports whether err is a transient SQLITE_BUSY/SQLITE_LOCKED
// condition worth retrying, matched on message text since the driver's
// error type varies by build tag (cgo vs modernc forks of this driver).
func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "SQLITE_LOCKED")
}

// retryOnBusy retries f up to maxRetries times with exponential backoff
// and jitter on a transient busy/locked error, per §9.2's 50ms/200ms
// schedule (base=50ms, multiplier=4, maxRetries=2).
func retryOnBusy(ctx context.Context, maxRetries int, base time.Duration, multiplier float64, f func() error) error {
	var err error
	wait := base
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil || !isBusy(err) {
			return err
		}
		if attempt == maxRetries {
			break
		}
		jitter := time.Duration(rand.Int63n(int64(wait) / 4+1))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait + jitter):
		}
		wait = time.Duration(float64(wait) * multiplier)
	}
	return err
}

// RetryConfig controls the WithTx busy-retry schedule; zero-value yields
// the default (2 retries, 50ms base, x4 multiplier -> 50ms, 200ms).
type RetryConfig struct {
	MaxRetries int
	Base       time.Duration
	Multiplier float64
}

func (c RetryConfig) orDefault() RetryConfig {
	if c.MaxRetries == 0 && c.Base == 0 && c.Multiplier == 0 {
		return RetryConfig{MaxRetries: 2, Base: 50 * time.Millisecond, Multiplier: 4}
	}
	return c
}

// WithTx runs fn inside a single SQLite transaction, retrying the whole
// attempt on a transient busy/locked error (per §9.2) and rolling back on
// any other error or panic. Exactly one of commit/rollback is observable
// to readers — no operation is partially visible (§4.4.4).
func (s *Store) WithTx(ctx context.Context, retry RetryConfig, fn func(*Tx) error) error {
	retry = retry.orDefault()
	return retryOnBusy(ctx, retry.MaxRetries, retry.Base, retry.Multiplier, func() error {
		sqlTx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		committed := false
		defer func() {
			if !committed {
				sqlTx.Rollback()
			}
		}()
		tx := &Tx{tx: sqlTx, ctx: ctx}
		if err := fn(tx); err != nil {
			return err
		}
		if err := sqlTx.Commit(); err != nil {
			return err
		}
		committed = true
		return nil
	})
}
