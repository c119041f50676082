package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-sql-driver/mysql"
)

// MySQLFactory is a MySQL/MariaDB-backed Factory.
//
// Designed for:
//   - Production deployments requiring persistence
//   - Distributed systems with multiple workers
//   - Long-running executions that survive process restarts
//
// MySQLFactory uses connection pooling; every unit of work is a real
// database transaction.
type MySQLFactory struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

// NewMySQLFactory opens the database identified by dsn and runs the
// schema migration.
//
// The DSN (Data Source Name) format is:
//
//	[username[:password]@][protocol[(address)]]/dbname[?param1=value1&...&paramN=valueN]
//
// Security Warning:
//
//	NEVER hardcode credentials in your source code. Use environment
//	variables:
//	    dsn := os.Getenv("MYSQL_DSN")
//	    factory, err := NewMySQLFactory(dsn)
func NewMySQLFactory(dsn string) (*MySQLFactory, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL connection: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping MySQL: %w", err)
	}

	f := &MySQLFactory{db: db}
	if err := f.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return f, nil
}

func (f *MySQLFactory) createTables(ctx context.Context) error {
	tables := []struct {
		name string
		sql  string
	}{
		{"executions", `
			CREATE TABLE IF NOT EXISTS executions (
				id VARCHAR(64) NOT NULL PRIMARY KEY,
				workflow_id VARCHAR(64) NOT NULL,
				status VARCHAR(16) NOT NULL,
				session_id BIGINT NOT NULL DEFAULT 0,
				state JSON NOT NULL,
				version BIGINT NOT NULL DEFAULT 0,
				created_at VARCHAR(40) NOT NULL,
				updated_at VARCHAR(40) NOT NULL,
				error TEXT NOT NULL,
				INDEX idx_executions_status (status, created_at),
				INDEX idx_executions_workflow (workflow_id)
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci
		`},
		{"workflows", `
			CREATE TABLE IF NOT EXISTS workflows (
				id VARCHAR(64) NOT NULL PRIMARY KEY,
				name VARCHAR(255) NOT NULL,
				version VARCHAR(64) NOT NULL,
				created_at VARCHAR(40) NOT NULL,
				UNIQUE KEY unique_name_version (name, version)
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci
		`},
		{"node_variants", `
			CREATE TABLE IF NOT EXISTS node_variants (
				id VARCHAR(64) NOT NULL PRIMARY KEY,
				workflow_id VARCHAR(64) NOT NULL,
				node_id VARCHAR(255) NOT NULL,
				is_active TINYINT NOT NULL DEFAULT 0,
				content MEDIUMTEXT NOT NULL,
				created_at VARCHAR(40) NOT NULL,
				INDEX idx_variants_node (workflow_id, node_id)
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci
		`},
		{"outbox_events", `
			CREATE TABLE IF NOT EXISTS outbox_events (
				id BIGINT AUTO_INCREMENT PRIMARY KEY,
				event_id VARCHAR(64) NOT NULL UNIQUE,
				event_type VARCHAR(64) NOT NULL,
				aggregate_type VARCHAR(64) NOT NULL,
				aggregate_id VARCHAR(255) NOT NULL,
				payload JSON NOT NULL,
				idempotency_key VARCHAR(255) NULL UNIQUE,
				status VARCHAR(16) NOT NULL,
				retry_count INT NOT NULL DEFAULT 0,
				max_retries INT NOT NULL DEFAULT 5,
				created_at VARCHAR(40) NOT NULL,
				claimed_at VARCHAR(40) NULL,
				processed_at VARCHAR(40) NULL,
				last_error TEXT NOT NULL,
				INDEX idx_outbox_status (status, created_at)
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci
		`},
		{"checkpoint_files", `
			CREATE TABLE IF NOT EXISTS checkpoint_files (
				checkpoint_id BIGINT NOT NULL PRIMARY KEY,
				file_commit_id VARCHAR(64) NOT NULL,
				file_count INT NOT NULL DEFAULT 0,
				total_size BIGINT NOT NULL DEFAULT 0,
				created_at VARCHAR(40) NOT NULL
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci
		`},
		{"file_commits", `
			CREATE TABLE IF NOT EXISTS file_commits (
				id VARCHAR(64) NOT NULL PRIMARY KEY,
				entries JSON NOT NULL,
				message TEXT NOT NULL,
				created_at VARCHAR(40) NOT NULL
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci
		`},
		{"blobs", `
			CREATE TABLE IF NOT EXISTS blobs (
				hash VARCHAR(64) NOT NULL PRIMARY KEY,
				data LONGBLOB NOT NULL
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci
		`},
		{"node_boundaries", `
			CREATE TABLE IF NOT EXISTS node_boundaries (
				id BIGINT AUTO_INCREMENT PRIMARY KEY,
				execution_id VARCHAR(64) NOT NULL,
				session_id BIGINT NOT NULL,
				node_id VARCHAR(255) COLLATE utf8mb4_bin NOT NULL,
				entry_checkpoint_id BIGINT NOT NULL DEFAULT 0,
				exit_checkpoint_id BIGINT NOT NULL DEFAULT 0,
				status VARCHAR(16) NOT NULL,
				tool_count INT NOT NULL DEFAULT 0,
				checkpoint_count INT NOT NULL DEFAULT 0,
				started_at VARCHAR(40) NOT NULL,
				completed_at VARCHAR(40) NULL,
				error_message TEXT NOT NULL,
				INDEX idx_boundaries_session_node (session_id, node_id)
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci
		`},
	}
	for _, t := range tables {
		if _, err := f.db.ExecContext(ctx, t.sql); err != nil {
			return fmt.Errorf("failed to create %s table: %w", t.name, err)
		}
	}
	return nil
}

// Begin opens a new transaction-bound unit of work.
func (f *MySQLFactory) Begin(ctx context.Context) (UnitOfWork, error) {
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
	return &sqlUoW{tx: tx, d: mysqlDialect{}}, nil
}

// Close closes the database connection. Double-close is a no-op.
func (f *MySQLFactory) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	return f.db.Close()
}

// Ping verifies the database connection is alive.
func (f *MySQLFactory) Ping(ctx context.Context) error {
	f.mu.RLock()
	if f.closed {
		f.mu.RUnlock()
		return fmt.Errorf("store is closed")
	}
	f.mu.RUnlock()
	return f.db.PingContext(ctx)
}

type mysqlDialect struct{}

// MySQL error 1062 is ER_DUP_ENTRY.
func (mysqlDialect) isDuplicate(err error) bool {
	var me *mysql.MySQLError
	return errors.As(err, &me) && me.Number == 1062
}

func (mysqlDialect) blobInsert() string {
	return "INSERT IGNORE INTO blobs (hash, data) VALUES (?, ?)"
}
