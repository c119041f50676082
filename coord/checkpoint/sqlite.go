package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is a SQLite-backed checkpoint store.
//
// The checkpoint store lives in its own database file, separate from the
// primary store, because the two cannot share a transaction anyway and
// the separation keeps the failure domains honest in tests.
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

// NewSQLiteStore opens (or creates) the checkpoint database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite connection: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	s := &SQLiteStore{db: db}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) createTables(ctx context.Context) error {
	sessionsTable := `
		CREATE TABLE IF NOT EXISTS checkpoint_sessions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			tool_track_position INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL
		)
	`
	if _, err := s.db.ExecContext(ctx, sessionsTable); err != nil {
		return fmt.Errorf("failed to create checkpoint_sessions table: %w", err)
	}

	checkpointsTable := `
		CREATE TABLE IF NOT EXISTS checkpoints (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id INTEGER NOT NULL,
			state TEXT NOT NULL,
			tool_track_position INTEGER NOT NULL,
			node_id TEXT NOT NULL DEFAULT '',
			name TEXT NOT NULL DEFAULT '',
			metadata TEXT NOT NULL DEFAULT '{}',
			created_at TEXT NOT NULL
		)
	`
	if _, err := s.db.ExecContext(ctx, checkpointsTable); err != nil {
		return fmt.Errorf("failed to create checkpoints table: %w", err)
	}

	if _, err := s.db.ExecContext(ctx,
		"CREATE INDEX IF NOT EXISTS idx_checkpoints_session ON checkpoints(session_id, tool_track_position, id)"); err != nil {
		return fmt.Errorf("failed to create idx_checkpoints_session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) CreateSession(ctx context.Context) (int64, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx,
		"INSERT INTO checkpoint_sessions (tool_track_position, created_at) VALUES (0, ?)",
		time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("failed to create session: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read session id: %w", err)
	}
	return id, nil
}

func (s *SQLiteStore) SaveCheckpoint(ctx context.Context, cp *Checkpoint) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	metadataJSON, err := json.Marshal(cp.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	state := cp.State
	if state == nil {
		state = json.RawMessage("null")
	}
	createdAt := cp.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	// Ordinal assignment and insert must be atomic.
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx,
		"UPDATE checkpoint_sessions SET tool_track_position = tool_track_position + 1 WHERE id = ?",
		cp.SessionID)
	if err != nil {
		return fmt.Errorf("failed to advance tool track: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		err = ErrNotFound
		return err
	}

	var position int64
	if err = tx.QueryRowContext(ctx,
		"SELECT tool_track_position FROM checkpoint_sessions WHERE id = ?", cp.SessionID).Scan(&position); err != nil {
		return fmt.Errorf("failed to read tool track position: %w", err)
	}

	res, err = tx.ExecContext(ctx, `
		INSERT INTO checkpoints (session_id, state, tool_track_position, node_id, name, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, cp.SessionID, string(state), position, cp.NodeID, cp.Name, string(metadataJSON),
		createdAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to insert checkpoint: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read checkpoint id: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	cp.ID = id
	cp.ToolTrackPosition = position
	cp.CreatedAt = createdAt
	return nil
}

func (s *SQLiteStore) GetCheckpoint(ctx context.Context, id int64) (*Checkpoint, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT id, session_id, state, tool_track_position, node_id, name, metadata, created_at
		FROM checkpoints WHERE id = ?
	`, id)
	return scanCheckpoint(row)
}

func (s *SQLiteStore) ListCheckpoints(ctx context.Context, sessionID int64) ([]*Checkpoint, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	var exists int
	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM checkpoint_sessions WHERE id = ?", sessionID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("failed to check session: %w", err)
	}
	if exists == 0 {
		return nil, ErrNotFound
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, state, tool_track_position, node_id, name, metadata, created_at
		FROM checkpoints
		WHERE session_id = ?
		ORDER BY tool_track_position ASC, id ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query checkpoints: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating checkpoint rows: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) DeleteCheckpoint(ctx context.Context, id int64) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, "DELETE FROM checkpoints WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete checkpoint: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) UpdateMetadata(ctx context.Context, id int64, metadata map[string]any) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	cp, err := s.GetCheckpoint(ctx, id)
	if err != nil {
		return err
	}
	if cp.Metadata == nil {
		cp.Metadata = make(map[string]any, len(metadata))
	}
	for k, v := range metadata {
		cp.Metadata[k] = v
	}
	merged, err := json.Marshal(cp.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		"UPDATE checkpoints SET metadata = ? WHERE id = ?", string(merged), id); err != nil {
		return fmt.Errorf("failed to update metadata: %w", err)
	}
	return nil
}

func (s *SQLiteStore) RewindToolTrack(ctx context.Context, sessionID, position int64) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		"UPDATE checkpoint_sessions SET tool_track_position = ? WHERE id = ?", position, sessionID)
	if err != nil {
		return fmt.Errorf("failed to rewind tool track: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) Branch(ctx context.Context, checkpointID int64) (int64, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}

	target, err := s.GetCheckpoint(ctx, checkpointID)
	if err != nil {
		return 0, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx,
		"INSERT INTO checkpoint_sessions (tool_track_position, created_at) VALUES (?, ?)",
		target.ToolTrackPosition, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("failed to create branch session: %w", err)
	}
	newSession, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read session id: %w", err)
	}

	// Copy the prefix up to and including the target, tool-track order,
	// ties by id.
	_, err = tx.ExecContext(ctx, `
		INSERT INTO checkpoints (session_id, state, tool_track_position, node_id, name, metadata, created_at)
		SELECT ?, state, tool_track_position, node_id, name, metadata, created_at
		FROM checkpoints
		WHERE session_id = ?
		  AND (tool_track_position < ? OR (tool_track_position = ? AND id <= ?))
		ORDER BY tool_track_position ASC, id ASC
	`, newSession, target.SessionID, target.ToolTrackPosition, target.ToolTrackPosition, target.ID)
	if err != nil {
		return 0, fmt.Errorf("failed to copy checkpoints: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return newSession, nil
}

// Close closes the database connection. Double-close is a no-op.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func (s *SQLiteStore) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return fmt.Errorf("store is closed")
	}
	return nil
}

type cpScanner interface {
	Scan(dest ...any) error
}

func scanCheckpoint(row cpScanner) (*Checkpoint, error) {
	var (
		cp           Checkpoint
		state        string
		metadataJSON string
		createdAt    string
	)
	err := row.Scan(&cp.ID, &cp.SessionID, &state, &cp.ToolTrackPosition,
		&cp.NodeID, &cp.Name, &metadataJSON, &createdAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan checkpoint: %w", err)
	}
	cp.State = json.RawMessage(state)
	if err := json.Unmarshal([]byte(metadataJSON), &cp.Metadata); err != nil {
		return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
	}
	if cp.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("failed to parse created_at: %w", err)
	}
	return &cp, nil
}
