package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// dialect abstracts the few statements and behaviors that differ between
// SQLite and MySQL. Everything else in the SQL unit of work is shared.
type dialect interface {
	// isDuplicate reports whether err is a unique-constraint violation.
	isDuplicate(err error) bool
	// blobInsert is the insert-if-absent statement for the blobs table.
	blobInsert() string
}

// Timestamps are stored as RFC3339Nano UTC text in both SQL backends so
// that lexicographic order matches chronological order and scanning is
// uniform.
func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func nullableTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: fmtTime(*t), Valid: true}
}

// sqlUoW binds all repositories to one database transaction.
type sqlUoW struct {
	tx   *sql.Tx
	d    dialect
	done bool
}

func (u *sqlUoW) Executions() ExecutionRepository           { return &sqlExecRepo{u} }
func (u *sqlUoW) Workflows() WorkflowRepository             { return &sqlWorkflowRepo{u} }
func (u *sqlUoW) Variants() VariantRepository               { return &sqlVariantRepo{u} }
func (u *sqlUoW) Outbox() OutboxRepository                  { return &sqlOutboxRepo{u} }
func (u *sqlUoW) CheckpointFiles() CheckpointFileRepository { return &sqlLinkRepo{u} }
func (u *sqlUoW) FileCommits() FileCommitRepository         { return &sqlCommitRepo{u} }
func (u *sqlUoW) Blobs() BlobRepository                     { return &sqlBlobRepo{u} }
func (u *sqlUoW) NodeBoundaries() NodeBoundaryRepository    { return &sqlBoundaryRepo{u} }

func (u *sqlUoW) Commit() error {
	if u.done {
		return ErrDone
	}
	u.done = true
	if err := u.tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (u *sqlUoW) Rollback() error {
	if u.done {
		return ErrDone
	}
	u.done = true
	if err := u.tx.Rollback(); err != nil {
		return fmt.Errorf("failed to roll back transaction: %w", err)
	}
	return nil
}

// ─── executions ───

type sqlExecRepo struct{ u *sqlUoW }

func (r *sqlExecRepo) Add(ctx context.Context, e *Execution) error {
	now := time.Now().UTC()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = now

	stateJSON, err := json.Marshal(e.State)
	if err != nil {
		return fmt.Errorf("failed to marshal execution state: %w", err)
	}

	query := `
		INSERT INTO executions
		(id, workflow_id, status, session_id, state, version, created_at, updated_at, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = r.u.tx.ExecContext(ctx, query,
		e.ID, e.WorkflowID, string(e.Status), e.SessionID, string(stateJSON),
		e.Version, fmtTime(e.CreatedAt), fmtTime(e.UpdatedAt), e.Error,
	)
	if err != nil {
		if r.u.d.isDuplicate(err) {
			return ErrConflict
		}
		return fmt.Errorf("failed to insert execution: %w", err)
	}
	return nil
}

func (r *sqlExecRepo) Get(ctx context.Context, id string) (*Execution, error) {
	query := `
		SELECT id, workflow_id, status, session_id, state, version, created_at, updated_at, error
		FROM executions
		WHERE id = ?
	`
	return scanExecution(r.u.tx.QueryRowContext(ctx, query, id))
}

func (r *sqlExecRepo) Update(ctx context.Context, e *Execution) error {
	stateJSON, err := json.Marshal(e.State)
	if err != nil {
		return fmt.Errorf("failed to marshal execution state: %w", err)
	}
	updatedAt := time.Now().UTC()

	// Conditional update on version implements optimistic concurrency.
	query := `
		UPDATE executions
		SET status = ?, session_id = ?, state = ?, version = version + 1, updated_at = ?, error = ?
		WHERE id = ? AND version = ?
	`
	res, err := r.u.tx.ExecContext(ctx, query,
		string(e.Status), e.SessionID, string(stateJSON), fmtTime(updatedAt), e.Error,
		e.ID, e.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to update execution: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		// Distinguish a missing row from a version race.
		var exists int
		if err := r.u.tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM executions WHERE id = ?", e.ID).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check execution existence: %w", err)
		}
		if exists == 0 {
			return ErrNotFound
		}
		return ErrStaleState
	}
	e.Version++
	e.UpdatedAt = updatedAt
	return nil
}

func (r *sqlExecRepo) FindByStatus(ctx context.Context, status ExecutionStatus, limit int) ([]*Execution, error) {
	query := `
		SELECT id, workflow_id, status, session_id, state, version, created_at, updated_at, error
		FROM executions
		WHERE status = ?
		ORDER BY created_at ASC
	`
	args := []any{string(status)}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.u.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query executions by status: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return collectExecutions(rows)
}

func (r *sqlExecRepo) FindByWorkflow(ctx context.Context, workflowID string) ([]*Execution, error) {
	query := `
		SELECT id, workflow_id, status, session_id, state, version, created_at, updated_at, error
		FROM executions
		WHERE workflow_id = ?
		ORDER BY created_at ASC
	`
	rows, err := r.u.tx.QueryContext(ctx, query, workflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to query executions by workflow: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return collectExecutions(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExecution(row rowScanner) (*Execution, error) {
	var (
		e         Execution
		status    string
		stateJSON string
		createdAt string
		updatedAt string
	)
	err := row.Scan(&e.ID, &e.WorkflowID, &status, &e.SessionID, &stateJSON,
		&e.Version, &createdAt, &updatedAt, &e.Error)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan execution: %w", err)
	}
	e.Status = ExecutionStatus(status)
	if err := json.Unmarshal([]byte(stateJSON), &e.State); err != nil {
		return nil, fmt.Errorf("failed to unmarshal execution state: %w", err)
	}
	if e.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("failed to parse created_at: %w", err)
	}
	if e.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("failed to parse updated_at: %w", err)
	}
	return &e, nil
}

func collectExecutions(rows *sql.Rows) ([]*Execution, error) {
	var out []*Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating execution rows: %w", err)
	}
	return out, nil
}

// ─── workflows ───

type sqlWorkflowRepo struct{ u *sqlUoW }

func (r *sqlWorkflowRepo) Add(ctx context.Context, w *Workflow) error {
	if w.CreatedAt.IsZero() {
		w.CreatedAt = time.Now().UTC()
	}
	query := `INSERT INTO workflows (id, name, version, created_at) VALUES (?, ?, ?, ?)`
	_, err := r.u.tx.ExecContext(ctx, query, w.ID, w.Name, w.Version, fmtTime(w.CreatedAt))
	if err != nil {
		if r.u.d.isDuplicate(err) {
			return ErrConflict
		}
		return fmt.Errorf("failed to insert workflow: %w", err)
	}
	return nil
}

func (r *sqlWorkflowRepo) Get(ctx context.Context, id string) (*Workflow, error) {
	query := `SELECT id, name, version, created_at FROM workflows WHERE id = ?`
	return scanWorkflow(r.u.tx.QueryRowContext(ctx, query, id))
}

func (r *sqlWorkflowRepo) FindByNameVersion(ctx context.Context, name, version string) (*Workflow, error) {
	query := `SELECT id, name, version, created_at FROM workflows WHERE name = ? AND version = ?`
	return scanWorkflow(r.u.tx.QueryRowContext(ctx, query, name, version))
}

func (r *sqlWorkflowRepo) List(ctx context.Context, limit int) ([]*Workflow, error) {
	query := `SELECT id, name, version, created_at FROM workflows ORDER BY created_at ASC`
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.u.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query workflows: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Workflow
	for rows.Next() {
		w, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating workflow rows: %w", err)
	}
	return out, nil
}

func scanWorkflow(row rowScanner) (*Workflow, error) {
	var (
		w         Workflow
		createdAt string
	)
	err := row.Scan(&w.ID, &w.Name, &w.Version, &createdAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan workflow: %w", err)
	}
	if w.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("failed to parse created_at: %w", err)
	}
	return &w, nil
}

// ─── variants ───

type sqlVariantRepo struct{ u *sqlUoW }

func (r *sqlVariantRepo) Add(ctx context.Context, v *NodeVariant) error {
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now().UTC()
	}
	query := `
		INSERT INTO node_variants (id, workflow_id, node_id, is_active, content, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	_, err := r.u.tx.ExecContext(ctx, query,
		v.ID, v.WorkflowID, v.NodeID, boolToInt(v.IsActive), v.Content, fmtTime(v.CreatedAt))
	if err != nil {
		if r.u.d.isDuplicate(err) {
			return ErrConflict
		}
		return fmt.Errorf("failed to insert variant: %w", err)
	}
	return nil
}

func (r *sqlVariantRepo) Get(ctx context.Context, id string) (*NodeVariant, error) {
	query := `
		SELECT id, workflow_id, node_id, is_active, content, created_at
		FROM node_variants WHERE id = ?
	`
	return scanVariant(r.u.tx.QueryRowContext(ctx, query, id))
}

func (r *sqlVariantRepo) FindByNode(ctx context.Context, workflowID, nodeID string) ([]*NodeVariant, error) {
	query := `
		SELECT id, workflow_id, node_id, is_active, content, created_at
		FROM node_variants
		WHERE workflow_id = ? AND node_id = ?
		ORDER BY created_at ASC
	`
	rows, err := r.u.tx.QueryContext(ctx, query, workflowID, nodeID)
	if err != nil {
		return nil, fmt.Errorf("failed to query variants: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*NodeVariant
	for rows.Next() {
		v, err := scanVariant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating variant rows: %w", err)
	}
	return out, nil
}

func (r *sqlVariantRepo) GetActive(ctx context.Context, workflowID, nodeID string) (*NodeVariant, error) {
	query := `
		SELECT id, workflow_id, node_id, is_active, content, created_at
		FROM node_variants
		WHERE workflow_id = ? AND node_id = ? AND is_active = 1
		LIMIT 1
	`
	return scanVariant(r.u.tx.QueryRowContext(ctx, query, workflowID, nodeID))
}

func (r *sqlVariantRepo) SetActive(ctx context.Context, id string) error {
	target, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	// Deactivate siblings and activate the target in one statement so the
	// at-most-one-active invariant holds within the transaction.
	query := `
		UPDATE node_variants
		SET is_active = CASE WHEN id = ? THEN 1 ELSE 0 END
		WHERE workflow_id = ? AND node_id = ?
	`
	if _, err := r.u.tx.ExecContext(ctx, query, id, target.WorkflowID, target.NodeID); err != nil {
		return fmt.Errorf("failed to set active variant: %w", err)
	}
	return nil
}

func scanVariant(row rowScanner) (*NodeVariant, error) {
	var (
		v         NodeVariant
		active    int
		createdAt string
	)
	err := row.Scan(&v.ID, &v.WorkflowID, &v.NodeID, &active, &v.Content, &createdAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan variant: %w", err)
	}
	v.IsActive = active != 0
	if v.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("failed to parse created_at: %w", err)
	}
	return &v, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// ─── outbox ───

type sqlOutboxRepo struct{ u *sqlUoW }

const outboxColumns = `id, event_id, event_type, aggregate_type, aggregate_id, payload,
	idempotency_key, status, retry_count, max_retries, created_at, claimed_at, processed_at, last_error`

func (r *sqlOutboxRepo) Add(ctx context.Context, e *OutboxEvent) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	payloadJSON, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	// Empty idempotency keys are stored as NULL so the unique index only
	// constrains real keys.
	var idemKey sql.NullString
	if e.IdempotencyKey != "" {
		idemKey = sql.NullString{String: e.IdempotencyKey, Valid: true}
	}

	query := `
		INSERT INTO outbox_events
		(event_id, event_type, aggregate_type, aggregate_id, payload,
		 idempotency_key, status, retry_count, max_retries, created_at, claimed_at, last_error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	res, err := r.u.tx.ExecContext(ctx, query,
		e.EventID, string(e.Type), e.AggregateType, e.AggregateID, string(payloadJSON),
		idemKey, string(e.Status), e.RetryCount, e.MaxRetries, fmtTime(e.CreatedAt),
		nullableTime(e.ClaimedAt), e.LastError,
	)
	if err != nil {
		if r.u.d.isDuplicate(err) {
			return ErrConflict
		}
		return fmt.Errorf("failed to insert outbox event: %w", err)
	}
	pk, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read outbox event id: %w", err)
	}
	e.PK = pk
	return nil
}

func (r *sqlOutboxRepo) GetByEventID(ctx context.Context, eventID string) (*OutboxEvent, error) {
	query := `SELECT ` + outboxColumns + ` FROM outbox_events WHERE event_id = ?`
	return scanOutboxEvent(r.u.tx.QueryRowContext(ctx, query, eventID))
}

func (r *sqlOutboxRepo) GetPending(ctx context.Context, limit int) ([]*OutboxEvent, error) {
	query := `
		SELECT ` + outboxColumns + `
		FROM outbox_events
		WHERE status = 'pending'
		ORDER BY created_at ASC, id ASC
	`
	return r.query(ctx, query, limit)
}

func (r *sqlOutboxRepo) GetFailedForRetry(ctx context.Context, limit int) ([]*OutboxEvent, error) {
	query := `
		SELECT ` + outboxColumns + `
		FROM outbox_events
		WHERE status = 'failed' AND retry_count < max_retries
		ORDER BY created_at ASC, id ASC
	`
	return r.query(ctx, query, limit)
}

func (r *sqlOutboxRepo) query(ctx context.Context, query string, limit int, extraArgs ...any) ([]*OutboxEvent, error) {
	args := extraArgs
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.u.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query outbox events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*OutboxEvent
	for rows.Next() {
		e, err := scanOutboxEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating outbox rows: %w", err)
	}
	return out, nil
}

func (r *sqlOutboxRepo) Update(ctx context.Context, e *OutboxEvent) error {
	query := `
		UPDATE outbox_events
		SET status = ?, retry_count = ?, claimed_at = ?, processed_at = ?, last_error = ?
		WHERE id = ?
	`
	res, err := r.u.tx.ExecContext(ctx, query,
		string(e.Status), e.RetryCount, nullableTime(e.ClaimedAt), nullableTime(e.ProcessedAt),
		e.LastError, e.PK)
	if err != nil {
		return fmt.Errorf("failed to update outbox event: %w", err)
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

func (r *sqlOutboxRepo) Claim(ctx context.Context, pk int64) (bool, error) {
	// Conditional transition so exactly one concurrent worker wins. The
	// claim time is stamped here; stuck detection keys on it.
	query := `UPDATE outbox_events SET status = 'processing', claimed_at = ? WHERE id = ? AND status = 'pending'`
	res, err := r.u.tx.ExecContext(ctx, query, fmtTime(time.Now().UTC()), pk)
	if err != nil {
		return false, fmt.Errorf("failed to claim outbox event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 1 {
		return true, nil
	}
	var exists int
	if err := r.u.tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM outbox_events WHERE id = ?", pk).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check outbox event existence: %w", err)
	}
	if exists == 0 {
		return false, ErrNotFound
	}
	return false, nil
}

func (r *sqlOutboxRepo) DeleteProcessed(ctx context.Context, before time.Time, limit int) (int, error) {
	// Delete oldest first so a capped pass makes forward progress. The
	// derived table works around MySQL's restriction on LIMIT inside IN
	// subqueries and is harmless on SQLite.
	inner := `
		SELECT id FROM outbox_events
		WHERE status = 'processed' AND processed_at IS NOT NULL AND processed_at < ?
		ORDER BY created_at ASC, id ASC
	`
	args := []any{fmtTime(before)}
	if limit > 0 {
		inner += " LIMIT ?"
		args = append(args, limit)
	}
	query := `DELETE FROM outbox_events WHERE id IN (SELECT id FROM (` + inner + `) AS doomed)`
	res, err := r.u.tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to delete processed events: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return int(n), nil
}

func (r *sqlOutboxRepo) FindByIdempotencyKey(ctx context.Context, key string) (*OutboxEvent, error) {
	if key == "" {
		return nil, ErrNotFound
	}
	query := `SELECT ` + outboxColumns + ` FROM outbox_events WHERE idempotency_key = ?`
	return scanOutboxEvent(r.u.tx.QueryRowContext(ctx, query, key))
}

func (r *sqlOutboxRepo) GetStuckProcessing(ctx context.Context, olderThan time.Time, limit int) ([]*OutboxEvent, error) {
	// Rows claimed before the stamp existed fall back to created_at.
	query := `
		SELECT ` + outboxColumns + `
		FROM outbox_events
		WHERE status = 'processing' AND COALESCE(claimed_at, created_at) < ?
		ORDER BY created_at ASC, id ASC
	`
	return r.query(ctx, query, limit, fmtTime(olderThan))
}

func (r *sqlOutboxRepo) ListAll(ctx context.Context, limit int) ([]*OutboxEvent, error) {
	query := `
		SELECT ` + outboxColumns + `
		FROM outbox_events
		ORDER BY created_at DESC, id DESC
	`
	return r.query(ctx, query, limit)
}

func scanOutboxEvent(row rowScanner) (*OutboxEvent, error) {
	var (
		e           OutboxEvent
		eventType   string
		payloadJSON string
		idemKey     sql.NullString
		status      string
		createdAt   string
		claimedAt   sql.NullString
		processedAt sql.NullString
	)
	err := row.Scan(&e.PK, &e.EventID, &eventType, &e.AggregateType, &e.AggregateID,
		&payloadJSON, &idemKey, &status, &e.RetryCount, &e.MaxRetries,
		&createdAt, &claimedAt, &processedAt, &e.LastError)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan outbox event: %w", err)
	}
	e.Type = OutboxEventType(eventType)
	e.Status = OutboxStatus(status)
	e.IdempotencyKey = idemKey.String
	if err := json.Unmarshal([]byte(payloadJSON), &e.Payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
	}
	if e.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("failed to parse created_at: %w", err)
	}
	if claimedAt.Valid {
		t, err := parseTime(claimedAt.String)
		if err != nil {
			return nil, fmt.Errorf("failed to parse claimed_at: %w", err)
		}
		e.ClaimedAt = &t
	}
	if processedAt.Valid {
		t, err := parseTime(processedAt.String)
		if err != nil {
			return nil, fmt.Errorf("failed to parse processed_at: %w", err)
		}
		e.ProcessedAt = &t
	}
	return &e, nil
}

// ─── checkpoint-file links ───

type sqlLinkRepo struct{ u *sqlUoW }

func (r *sqlLinkRepo) Add(ctx context.Context, l *CheckpointFileLink) error {
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now().UTC()
	}
	query := `
		INSERT INTO checkpoint_files (checkpoint_id, file_commit_id, file_count, total_size, created_at)
		VALUES (?, ?, ?, ?, ?)
	`
	_, err := r.u.tx.ExecContext(ctx, query,
		l.CheckpointID, l.FileCommitID, l.FileCount, l.TotalSize, fmtTime(l.CreatedAt))
	if err != nil {
		if r.u.d.isDuplicate(err) {
			return ErrConflict
		}
		return fmt.Errorf("failed to insert checkpoint file link: %w", err)
	}
	return nil
}

func (r *sqlLinkRepo) FindByCheckpoint(ctx context.Context, checkpointID int64) (*CheckpointFileLink, error) {
	query := `
		SELECT checkpoint_id, file_commit_id, file_count, total_size, created_at
		FROM checkpoint_files WHERE checkpoint_id = ?
	`
	return scanLink(r.u.tx.QueryRowContext(ctx, query, checkpointID))
}

func (r *sqlLinkRepo) List(ctx context.Context) ([]*CheckpointFileLink, error) {
	query := `
		SELECT checkpoint_id, file_commit_id, file_count, total_size, created_at
		FROM checkpoint_files ORDER BY checkpoint_id ASC
	`
	rows, err := r.u.tx.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query checkpoint file links: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*CheckpointFileLink
	for rows.Next() {
		l, err := scanLink(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating link rows: %w", err)
	}
	return out, nil
}

func (r *sqlLinkRepo) Delete(ctx context.Context, checkpointID int64) error {
	res, err := r.u.tx.ExecContext(ctx, "DELETE FROM checkpoint_files WHERE checkpoint_id = ?", checkpointID)
	if err != nil {
		return fmt.Errorf("failed to delete checkpoint file link: %w", err)
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

func scanLink(row rowScanner) (*CheckpointFileLink, error) {
	var (
		l         CheckpointFileLink
		createdAt string
	)
	err := row.Scan(&l.CheckpointID, &l.FileCommitID, &l.FileCount, &l.TotalSize, &createdAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan checkpoint file link: %w", err)
	}
	if l.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("failed to parse created_at: %w", err)
	}
	return &l, nil
}

// ─── file commits ───

type sqlCommitRepo struct{ u *sqlUoW }

func (r *sqlCommitRepo) Add(ctx context.Context, c *FileCommit) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	entriesJSON, err := json.Marshal(c.Entries)
	if err != nil {
		return fmt.Errorf("failed to marshal commit entries: %w", err)
	}
	query := `INSERT INTO file_commits (id, entries, message, created_at) VALUES (?, ?, ?, ?)`
	_, err = r.u.tx.ExecContext(ctx, query, c.ID, string(entriesJSON), c.Message, fmtTime(c.CreatedAt))
	if err != nil {
		if r.u.d.isDuplicate(err) {
			return ErrConflict
		}
		return fmt.Errorf("failed to insert file commit: %w", err)
	}
	return nil
}

func (r *sqlCommitRepo) Get(ctx context.Context, id string) (*FileCommit, error) {
	query := `SELECT id, entries, message, created_at FROM file_commits WHERE id = ?`
	return scanCommit(r.u.tx.QueryRowContext(ctx, query, id))
}

func (r *sqlCommitRepo) List(ctx context.Context, limit int) ([]*FileCommit, error) {
	query := `SELECT id, entries, message, created_at FROM file_commits ORDER BY created_at ASC, id ASC`
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.u.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query file commits: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*FileCommit
	for rows.Next() {
		c, err := scanCommit(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating commit rows: %w", err)
	}
	return out, nil
}

func (r *sqlCommitRepo) Delete(ctx context.Context, id string) error {
	res, err := r.u.tx.ExecContext(ctx, "DELETE FROM file_commits WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete file commit: %w", err)
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

func scanCommit(row rowScanner) (*FileCommit, error) {
	var (
		c           FileCommit
		entriesJSON string
		createdAt   string
	)
	err := row.Scan(&c.ID, &entriesJSON, &c.Message, &createdAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan file commit: %w", err)
	}
	if err := json.Unmarshal([]byte(entriesJSON), &c.Entries); err != nil {
		return nil, fmt.Errorf("failed to unmarshal commit entries: %w", err)
	}
	if c.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("failed to parse created_at: %w", err)
	}
	return &c, nil
}

// ─── blobs ───

type sqlBlobRepo struct{ u *sqlUoW }

func (r *sqlBlobRepo) Put(ctx context.Context, hash string, data []byte) error {
	if _, err := r.u.tx.ExecContext(ctx, r.u.d.blobInsert(), hash, data); err != nil {
		return fmt.Errorf("failed to insert blob: %w", err)
	}
	return nil
}

func (r *sqlBlobRepo) Get(ctx context.Context, hash string) ([]byte, error) {
	var data []byte
	err := r.u.tx.QueryRowContext(ctx, "SELECT data FROM blobs WHERE hash = ?", hash).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get blob: %w", err)
	}
	return data, nil
}

func (r *sqlBlobRepo) Exists(ctx context.Context, hash string) (bool, error) {
	var count int
	err := r.u.tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM blobs WHERE hash = ?", hash).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check blob: %w", err)
	}
	return count > 0, nil
}

// ─── node boundaries ───

type sqlBoundaryRepo struct{ u *sqlUoW }

const boundaryColumns = `id, execution_id, session_id, node_id, entry_checkpoint_id,
	exit_checkpoint_id, status, tool_count, checkpoint_count, started_at, completed_at, error_message`

func (r *sqlBoundaryRepo) Add(ctx context.Context, b *NodeBoundary) error {
	if b.StartedAt.IsZero() {
		b.StartedAt = time.Now().UTC()
	}
	query := `
		INSERT INTO node_boundaries
		(execution_id, session_id, node_id, entry_checkpoint_id, exit_checkpoint_id,
		 status, tool_count, checkpoint_count, started_at, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	res, err := r.u.tx.ExecContext(ctx, query,
		b.ExecutionID, b.SessionID, b.NodeID, b.EntryCheckpointID, b.ExitCheckpointID,
		string(b.Status), b.ToolCount, b.CheckpointCount, fmtTime(b.StartedAt), b.ErrorMessage)
	if err != nil {
		return fmt.Errorf("failed to insert node boundary: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read boundary id: %w", err)
	}
	b.ID = id
	return nil
}

func (r *sqlBoundaryRepo) FindByNode(ctx context.Context, sessionID int64, nodeID string) (*NodeBoundary, error) {
	query := `
		SELECT ` + boundaryColumns + `
		FROM node_boundaries
		WHERE session_id = ? AND node_id = ?
		ORDER BY id DESC
		LIMIT 1
	`
	return scanBoundary(r.u.tx.QueryRowContext(ctx, query, sessionID, nodeID))
}

func (r *sqlBoundaryRepo) FindBySession(ctx context.Context, sessionID int64) ([]*NodeBoundary, error) {
	query := `
		SELECT ` + boundaryColumns + `
		FROM node_boundaries
		WHERE session_id = ?
		ORDER BY id ASC
	`
	return r.query(ctx, query, sessionID)
}

func (r *sqlBoundaryRepo) FindCompleted(ctx context.Context, sessionID int64) ([]*NodeBoundary, error) {
	query := `
		SELECT ` + boundaryColumns + `
		FROM node_boundaries
		WHERE session_id = ? AND status = 'completed'
		ORDER BY id ASC
	`
	return r.query(ctx, query, sessionID)
}

func (r *sqlBoundaryRepo) query(ctx context.Context, query string, args ...any) ([]*NodeBoundary, error) {
	rows, err := r.u.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query node boundaries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*NodeBoundary
	for rows.Next() {
		b, err := scanBoundary(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating boundary rows: %w", err)
	}
	return out, nil
}

func (r *sqlBoundaryRepo) Update(ctx context.Context, b *NodeBoundary) error {
	var completedAt sql.NullString
	if b.CompletedAt != nil {
		completedAt = sql.NullString{String: fmtTime(*b.CompletedAt), Valid: true}
	}
	query := `
		UPDATE node_boundaries
		SET entry_checkpoint_id = ?, exit_checkpoint_id = ?, status = ?,
		    tool_count = ?, checkpoint_count = ?, completed_at = ?, error_message = ?
		WHERE id = ?
	`
	res, err := r.u.tx.ExecContext(ctx, query,
		b.EntryCheckpointID, b.ExitCheckpointID, string(b.Status),
		b.ToolCount, b.CheckpointCount, completedAt, b.ErrorMessage, b.ID)
	if err != nil {
		return fmt.Errorf("failed to update node boundary: %w", err)
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

func scanBoundary(row rowScanner) (*NodeBoundary, error) {
	var (
		b           NodeBoundary
		status      string
		startedAt   string
		completedAt sql.NullString
	)
	err := row.Scan(&b.ID, &b.ExecutionID, &b.SessionID, &b.NodeID,
		&b.EntryCheckpointID, &b.ExitCheckpointID, &status,
		&b.ToolCount, &b.CheckpointCount, &startedAt, &completedAt, &b.ErrorMessage)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan node boundary: %w", err)
	}
	b.Status = NodeBoundaryStatus(status)
	if b.StartedAt, err = parseTime(startedAt); err != nil {
		return nil, fmt.Errorf("failed to parse started_at: %w", err)
	}
	if completedAt.Valid {
		t, err := parseTime(completedAt.String)
		if err != nil {
			return nil, fmt.Errorf("failed to parse completed_at: %w", err)
		}
		b.CompletedAt = &t
	}
	return &b, nil
}
