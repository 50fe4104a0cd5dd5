// Package store owns the durable state of the coordination server: the task
// queue, the append-only event log, the agent registry, and the audit tables.
// All mutations that race between concurrent claimants are expressed as single
// conditional UPDATE statements so the database, not the caller, decides the
// winner.
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

	"github.com/basket/cmdcenter/internal/bus"
	_ "github.com/mattn/go-sqlite3"
)

const (
	schemaVersion  = 1
	schemaChecksum = "cc-v1-2026-08-coordination-audit"

	defaultMaxRetries = 3
)

// Error taxonomy surfaced to callers. Wrapped with context at each call site;
// check with errors.Is.
var (
	// ErrValidation marks bad input; never retried.
	ErrValidation = errors.New("validation failed")
	// ErrNotFound marks a reference to a task or agent that does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict marks an operation that lost a race or targeted a task in
	// the wrong state; claim callers should retry.
	ErrConflict = errors.New("conflict")
	// ErrAlreadyTerminal marks an idempotent no-op: complete/fail on a task
	// that already reached a terminal state.
	ErrAlreadyTerminal = errors.New("task already terminal")
	// ErrMaxRetries marks a task that exhausted its retry budget.
	ErrMaxRetries = errors.New("max retries exceeded")
)

// Priority orders pending tasks. Urgent claims first.
type Priority string

const (
	PriorityUrgent Priority = "urgent"
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

var priorityRank = map[Priority]int{
	PriorityUrgent: 0,
	PriorityHigh:   1,
	PriorityNormal: 2,
	PriorityLow:    3,
}

// Valid reports whether p is a recognized priority.
func (p Priority) Valid() bool {
	_, ok := priorityRank[p]
	return ok
}

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
	TaskStatusCancelled  TaskStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	}
	return false
}

// AgentStatus is the registry state of an agent process.
type AgentStatus string

const (
	AgentStatusIdle    AgentStatus = "idle"
	AgentStatusWorking AgentStatus = "working"
)

// EventLevel is the severity of an event-log row.
type EventLevel string

const (
	EventLevelDebug EventLevel = "debug"
	EventLevelInfo  EventLevel = "info"
	EventLevelWarn  EventLevel = "warn"
	EventLevelError EventLevel = "error"
)

// Task is a unit of work on the shared backlog.
type Task struct {
	ID          string         `json:"id"`
	Project     string         `json:"project"`
	Description string         `json:"description"`
	Priority    Priority       `json:"priority"`
	Status      TaskStatus     `json:"status"`
	AssignedTo  string         `json:"assigned_to,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	Result      string         `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
	RetryCount  int            `json:"retry_count"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Event is one immutable row of the append-only event log. ID is the reader
// cursor: pollers resume from max(last seen)+1 and never skip a row.
type Event struct {
	ID        int64          `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Type      string         `json:"type"`
	Project   string         `json:"project,omitempty"`
	Agent     string         `json:"agent,omitempty"`
	TaskID    string         `json:"task_id,omitempty"`
	Level     EventLevel     `json:"level"`
	Data      map[string]any `json:"data,omitempty"`
}

// AgentRecord is a row in the agent registry, keyed by project.
type AgentRecord struct {
	Project       string      `json:"project"`
	Provider      string      `json:"provider,omitempty"`
	Status        AgentStatus `json:"status"`
	LastHeartbeat *time.Time  `json:"last_heartbeat,omitempty"`
	Config        string      `json:"config,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

// Store wraps the SQLite database behind the coordination engine.
type Store struct {
	db         *sql.DB
	bus        *bus.Bus // may be nil in tests
	maxRetries int
}

// DefaultDBPath returns the database location under the server home.
func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".cmdcenter", "cmdcenter.db")
}

// Open opens (creating if needed) the database at path and runs schema setup.
// The connection pool is pinned to a single connection: SQLite has one writer,
// and a single pooled connection makes every statement in this package an
// indivisible unit with respect to concurrent callers.
func Open(path string, eventBus *bus.Bus) (*Store, error) {
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

	store := &Store{db: db, bus: eventBus, maxRetries: defaultMaxRetries}
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// DB exposes the underlying handle for components that share the database
// (audit logger, retention sweeper).
func (s *Store) DB() *sql.DB {
	return s.db
}

// SetMaxRetries overrides the reclaim retry cap. Values below 1 are ignored.
func (s *Store) SetMaxRetries(n int) {
	if n >= 1 {
		s.maxRetries = n
	}
}

// MaxRetries returns the configured reclaim retry cap.
func (s *Store) MaxRetries() int {
	return s.maxRetries
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersion {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersion)
	}
	if maxVersion == schemaVersion {
		var existingChecksum string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersion).Scan(&existingChecksum); err != nil {
			return fmt.Errorf("read schema migration checksum: %w", err)
		}
		if existingChecksum != schemaChecksum {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", schemaVersion, existingChecksum, schemaChecksum)
		}
		return tx.Commit()
	}

	statements := []string{
		`CREATE TABLE IF NOT EXISTS agents (
			project TEXT PRIMARY KEY,
			provider TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'idle' CHECK(status IN ('idle', 'working')),
			last_heartbeat DATETIME,
			config TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			project TEXT NOT NULL REFERENCES agents(project),
			description TEXT NOT NULL,
			priority TEXT NOT NULL DEFAULT 'normal' CHECK(priority IN ('urgent', 'high', 'normal', 'low')),
			status TEXT NOT NULL DEFAULT 'pending' CHECK(status IN ('pending', 'in_progress', 'completed', 'failed', 'cancelled')),
			assigned_to TEXT,
			created_at DATETIME NOT NULL,
			started_at DATETIME,
			completed_at DATETIME,
			result TEXT,
			error TEXT,
			retry_count INTEGER NOT NULL DEFAULT 0,
			metadata TEXT
		);`,
		`CREATE TABLE IF NOT EXISTS tasks_archive (
			id TEXT PRIMARY KEY,
			project TEXT NOT NULL,
			description TEXT NOT NULL,
			priority TEXT NOT NULL,
			status TEXT NOT NULL,
			assigned_to TEXT,
			created_at DATETIME NOT NULL,
			started_at DATETIME,
			completed_at DATETIME,
			result TEXT,
			error TEXT,
			retry_count INTEGER NOT NULL DEFAULT 0,
			metadata TEXT,
			archived_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp DATETIME NOT NULL,
			type TEXT NOT NULL,
			project TEXT,
			agent TEXT,
			task_id TEXT,
			level TEXT NOT NULL DEFAULT 'info' CHECK(level IN ('debug', 'info', 'warn', 'error')),
			data TEXT
		);`,
		`CREATE TABLE IF NOT EXISTS audit_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp DATETIME NOT NULL,
			actor_type TEXT NOT NULL,
			actor_id TEXT,
			actor_ip TEXT,
			action TEXT NOT NULL,
			resource_type TEXT,
			resource_id TEXT,
			request_id TEXT,
			channel TEXT,
			status TEXT NOT NULL DEFAULT 'success' CHECK(status IN ('success', 'denied', 'error')),
			error TEXT,
			metadata TEXT,
			prev_hash TEXT,
			entry_hash TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS audit_archive (
			id INTEGER PRIMARY KEY,
			timestamp DATETIME NOT NULL,
			actor_type TEXT NOT NULL,
			actor_id TEXT,
			actor_ip TEXT,
			action TEXT NOT NULL,
			resource_type TEXT,
			resource_id TEXT,
			request_id TEXT,
			channel TEXT,
			status TEXT NOT NULL,
			error TEXT,
			metadata TEXT,
			prev_hash TEXT,
			entry_hash TEXT NOT NULL,
			archived_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_status_priority ON tasks(status, priority, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_project ON tasks(project);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_assigned ON tasks(assigned_to) WHERE assigned_to IS NOT NULL;`,
		`CREATE INDEX IF NOT EXISTS idx_events_type ON events(type);`,
		`CREATE INDEX IF NOT EXISTS idx_events_task ON events(task_id) WHERE task_id IS NOT NULL;`,
		`CREATE INDEX IF NOT EXISTS idx_audit_time ON audit_log(timestamp);`,
		`CREATE INDEX IF NOT EXISTS idx_audit_actor ON audit_log(actor_type, actor_id);`,
		`CREATE INDEX IF NOT EXISTS idx_audit_action ON audit_log(action);`,
	}
	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema statement: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO schema_migrations (version, checksum) VALUES (?, ?);
	`, schemaVersion, schemaChecksum); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}
	return nil
}

// retryOnBusy retries f when SQLite reports BUSY or LOCKED, with exponential
// backoff and bounded jitter on top of the driver's busy_timeout.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
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
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

// isSQLiteBusy matches on error text rather than the driver's error type so
// non-CGO code paths in this package stay free of a direct sqlite3 import.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") || // SQLITE_BUSY
		strings.Contains(msg, "(6)") // SQLITE_LOCKED
}
