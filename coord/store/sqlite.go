package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"

	_ "modernc.org/sqlite"
)

// SQLiteFactory is a SQLite-backed Factory.
//
// It stores all primary-store aggregates in a single-file database.
// Designed for:
//   - Development and testing with zero setup
//   - Single-process deployments
//   - Local use requiring persistence
//
// SQLiteFactory uses WAL mode for concurrent reads. Every unit of work
// is a real database transaction, so committed writes are atomic and
// uncommitted writes are invisible to other units of work.
type SQLiteFactory struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
	path   string
}

// NewSQLiteFactory opens (or creates) the database at path and runs the
// schema migration.
//
// The path parameter specifies the database file location:
//   - "./coord.db" - file in current directory
//   - ":memory:" - in-memory database (data lost on close)
//
// The factory automatically:
//   - Creates the database file if it doesn't exist
//   - Creates required tables and indexes
//   - Enables WAL mode for concurrent reads
//   - Configures appropriate timeouts
func NewSQLiteFactory(path string) (*SQLiteFactory, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite connection: %w", err)
	}

	// SQLite supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	f := &SQLiteFactory{db: db, path: path}
	if err := f.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return f, nil
}

func (f *SQLiteFactory) createTables(ctx context.Context) error {
	stmts := []struct {
		name string
		sql  string
	}{
		{"executions", `
			CREATE TABLE IF NOT EXISTS executions (
				id TEXT NOT NULL PRIMARY KEY,
				workflow_id TEXT NOT NULL,
				status TEXT NOT NULL,
				session_id INTEGER NOT NULL DEFAULT 0,
				state TEXT NOT NULL,
				version INTEGER NOT NULL DEFAULT 0,
				created_at TEXT NOT NULL,
				updated_at TEXT NOT NULL,
				error TEXT NOT NULL DEFAULT ''
			)
		`},
		{"idx_executions_status", `
			CREATE INDEX IF NOT EXISTS idx_executions_status ON executions(status, created_at)
		`},
		{"idx_executions_workflow", `
			CREATE INDEX IF NOT EXISTS idx_executions_workflow ON executions(workflow_id)
		`},
		{"workflows", `
			CREATE TABLE IF NOT EXISTS workflows (
				id TEXT NOT NULL PRIMARY KEY,
				name TEXT NOT NULL,
				version TEXT NOT NULL,
				created_at TEXT NOT NULL,
				UNIQUE(name, version)
			)
		`},
		{"node_variants", `
			CREATE TABLE IF NOT EXISTS node_variants (
				id TEXT NOT NULL PRIMARY KEY,
				workflow_id TEXT NOT NULL,
				node_id TEXT NOT NULL,
				is_active INTEGER NOT NULL DEFAULT 0,
				content TEXT NOT NULL DEFAULT '',
				created_at TEXT NOT NULL
			)
		`},
		{"idx_variants_node", `
			CREATE INDEX IF NOT EXISTS idx_variants_node ON node_variants(workflow_id, node_id)
		`},
		{"outbox_events", `
			CREATE TABLE IF NOT EXISTS outbox_events (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				event_id TEXT NOT NULL UNIQUE,
				event_type TEXT NOT NULL,
				aggregate_type TEXT NOT NULL,
				aggregate_id TEXT NOT NULL,
				payload TEXT NOT NULL,
				idempotency_key TEXT NULL UNIQUE,
				status TEXT NOT NULL,
				retry_count INTEGER NOT NULL DEFAULT 0,
				max_retries INTEGER NOT NULL DEFAULT 5,
				created_at TEXT NOT NULL,
				claimed_at TEXT NULL,
				processed_at TEXT NULL,
				last_error TEXT NOT NULL DEFAULT ''
			)
		`},
		{"idx_outbox_status", `
			CREATE INDEX IF NOT EXISTS idx_outbox_status ON outbox_events(status, created_at)
		`},
		{"checkpoint_files", `
			CREATE TABLE IF NOT EXISTS checkpoint_files (
				checkpoint_id INTEGER NOT NULL PRIMARY KEY,
				file_commit_id TEXT NOT NULL,
				file_count INTEGER NOT NULL DEFAULT 0,
				total_size INTEGER NOT NULL DEFAULT 0,
				created_at TEXT NOT NULL
			)
		`},
		{"file_commits", `
			CREATE TABLE IF NOT EXISTS file_commits (
				id TEXT NOT NULL PRIMARY KEY,
				entries TEXT NOT NULL,
				message TEXT NOT NULL DEFAULT '',
				created_at TEXT NOT NULL
			)
		`},
		{"blobs", `
			CREATE TABLE IF NOT EXISTS blobs (
				hash TEXT NOT NULL PRIMARY KEY,
				data BLOB NOT NULL
			)
		`},
		{"node_boundaries", `
			CREATE TABLE IF NOT EXISTS node_boundaries (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				execution_id TEXT NOT NULL,
				session_id INTEGER NOT NULL,
				node_id TEXT NOT NULL,
				entry_checkpoint_id INTEGER NOT NULL DEFAULT 0,
				exit_checkpoint_id INTEGER NOT NULL DEFAULT 0,
				status TEXT NOT NULL,
				tool_count INTEGER NOT NULL DEFAULT 0,
				checkpoint_count INTEGER NOT NULL DEFAULT 0,
				started_at TEXT NOT NULL,
				completed_at TEXT NULL,
				error_message TEXT NOT NULL DEFAULT ''
			)
		`},
		{"idx_boundaries_session_node", `
			CREATE INDEX IF NOT EXISTS idx_boundaries_session_node ON node_boundaries(session_id, node_id)
		`},
	}
	for _, s := range stmts {
		if _, err := f.db.ExecContext(ctx, s.sql); err != nil {
			return fmt.Errorf("failed to create %s: %w", s.name, err)
		}
	}
	return nil
}

// Begin opens a new transaction-bound unit of work.
func (f *SQLiteFactory) Begin(ctx context.Context) (UnitOfWork, error) {
	f.mu.RLock()
	if f.closed {
		f.mu.RUnlock()
		return nil, fmt.Errorf("store is closed")
	}
	f.mu.RUnlock()

	tx, err := f.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return &sqlUoW{tx: tx, d: sqliteDialect{}}, nil
}

// Close closes the database connection. Double-close is a no-op.
func (f *SQLiteFactory) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	return f.db.Close()
}

// Ping verifies the database connection is alive.
func (f *SQLiteFactory) Ping(ctx context.Context) error {
	f.mu.RLock()
	if f.closed {
		f.mu.RUnlock()
		return fmt.Errorf("store is closed")
	}
	f.mu.RUnlock()
	return f.db.PingContext(ctx)
}

// Path returns the database file path.
func (f *SQLiteFactory) Path() string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.path
}

type sqliteDialect struct{}

func (sqliteDialect) isDuplicate(err error) bool {
	// modernc.org/sqlite reports constraint failures in the error text;
	// it does not export a typed error for them.
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func (sqliteDialect) blobInsert() string {
	return "INSERT INTO blobs (hash, data) VALUES (?, ?) ON CONFLICT(hash) DO NOTHING"
}
