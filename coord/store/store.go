// Package store provides the primary-store persistence layer: domain
// entities, typed per-aggregate repositories, and the unit-of-work
// abstraction that scopes them to a single transaction.
//
// Three implementations are provided:
//   - In-memory (memory.go), for tests and single-process use
//   - SQLite (sqlite.go), zero-setup single-file persistence
//   - MySQL (mysql.go), for shared deployments
//
// All implementations behave identically with respect to visibility:
// writes made through a unit of work are invisible to other units of
// work until Commit.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when a unique key (workflow name+version,
// outbox event UUID, idempotency key, checkpoint link) collides with an
// existing row.
var ErrConflict = errors.New("conflict: unique key already exists")

// ErrStaleState is returned when an optimistic-concurrency update finds
// a version other than the one the caller read.
var ErrStaleState = errors.New("stale state: version mismatch")

// ErrDone is returned when Commit or Rollback is called on a unit of
// work that has already finished.
var ErrDone = errors.New("unit of work already finished")

// ExecutionRepository stores workflow executions.
type ExecutionRepository interface {
	Add(ctx context.Context, e *Execution) error
	Get(ctx context.Context, id string) (*Execution, error)
	// Update replaces mutable fields. The stored Version must equal
	// e.Version or ErrStaleState is returned; on success the version is
	// incremented.
	Update(ctx context.Context, e *Execution) error
	FindByStatus(ctx context.Context, status ExecutionStatus, limit int) ([]*Execution, error)
	FindByWorkflow(ctx context.Context, workflowID string) ([]*Execution, error)
}

// WorkflowRepository stores workflow metadata. (Name, Version) is unique.
type WorkflowRepository interface {
	Add(ctx context.Context, w *Workflow) error
	Get(ctx context.Context, id string) (*Workflow, error)
	FindByNameVersion(ctx context.Context, name, version string) (*Workflow, error)
	List(ctx context.Context, limit int) ([]*Workflow, error)
}

// VariantRepository stores node variants. At most one variant is active
// per (workflow, node); SetActive deactivates siblings atomically.
type VariantRepository interface {
	Add(ctx context.Context, v *NodeVariant) error
	Get(ctx context.Context, id string) (*NodeVariant, error)
	FindByNode(ctx context.Context, workflowID, nodeID string) ([]*NodeVariant, error)
	GetActive(ctx context.Context, workflowID, nodeID string) (*NodeVariant, error)
	SetActive(ctx context.Context, id string) error
}

// OutboxRepository stores outbox events. Ordering for GetPending and
// GetFailedForRetry is created_at ascending, ties broken by PK.
type OutboxRepository interface {
	// Add assigns the PK and enforces uniqueness on EventID and, when
	// non-empty, IdempotencyKey. Collisions return ErrConflict.
	Add(ctx context.Context, e *OutboxEvent) error
	GetByEventID(ctx context.Context, eventID string) (*OutboxEvent, error)
	GetPending(ctx context.Context, limit int) ([]*OutboxEvent, error)
	GetFailedForRetry(ctx context.Context, limit int) ([]*OutboxEvent, error)
	// Update replaces the mutable fields (status, retry count,
	// processed_at, last_error).
	Update(ctx context.Context, e *OutboxEvent) error
	// Claim conditionally transitions the event PENDING -> PROCESSING.
	// It reports false, without error, when another worker won the
	// claim. The transition takes effect with the unit of work's commit.
	Claim(ctx context.Context, pk int64) (bool, error)
	DeleteProcessed(ctx context.Context, before time.Time, limit int) (int, error)
	// FindByIdempotencyKey returns the event holding the key, or
	// ErrNotFound. Used to answer duplicate submissions with the
	// original event id.
	FindByIdempotencyKey(ctx context.Context, key string) (*OutboxEvent, error)
	// GetStuckProcessing returns PROCESSING events older than the given
	// instant, for crash recovery and integrity scans.
	GetStuckProcessing(ctx context.Context, olderThan time.Time, limit int) ([]*OutboxEvent, error)
	// ListAll returns events ordered newest first, for admin inspection.
	ListAll(ctx context.Context, limit int) ([]*OutboxEvent, error)
}

// CheckpointFileRepository stores checkpoint-to-file-commit links.
type CheckpointFileRepository interface {
	// Add enforces at most one link per checkpoint (ErrConflict).
	Add(ctx context.Context, l *CheckpointFileLink) error
	FindByCheckpoint(ctx context.Context, checkpointID int64) (*CheckpointFileLink, error)
	List(ctx context.Context) ([]*CheckpointFileLink, error)
	Delete(ctx context.Context, checkpointID int64) error
}

// FileCommitRepository stores content-addressed file commits.
type FileCommitRepository interface {
	Add(ctx context.Context, c *FileCommit) error
	Get(ctx context.Context, id string) (*FileCommit, error)
	List(ctx context.Context, limit int) ([]*FileCommit, error)
	Delete(ctx context.Context, id string) error
}

// BlobRepository stores content-addressed blobs. Put is an
// insert-if-absent primitive keyed on hash: identical content hashes to
// the same key, so concurrent writers are safe.
type BlobRepository interface {
	Put(ctx context.Context, hash string, data []byte) error
	Get(ctx context.Context, hash string) ([]byte, error)
	Exists(ctx context.Context, hash string) (bool, error)
}

// NodeBoundaryRepository stores node boundary rows.
type NodeBoundaryRepository interface {
	// Add assigns the boundary ID.
	Add(ctx context.Context, b *NodeBoundary) error
	FindByNode(ctx context.Context, sessionID int64, nodeID string) (*NodeBoundary, error)
	FindBySession(ctx context.Context, sessionID int64) ([]*NodeBoundary, error)
	FindCompleted(ctx context.Context, sessionID int64) ([]*NodeBoundary, error)
	Update(ctx context.Context, b *NodeBoundary) error
}

// UnitOfWork is a scoped transactional context over the primary store.
// All repositories returned by its accessors share one transaction;
// Commit makes their writes durable atomically, Rollback discards them.
// Exactly one of Commit or Rollback must be called; a second call
// returns ErrDone. A UnitOfWork must not be shared across goroutines.
type UnitOfWork interface {
	Executions() ExecutionRepository
	Workflows() WorkflowRepository
	Variants() VariantRepository
	Outbox() OutboxRepository
	CheckpointFiles() CheckpointFileRepository
	FileCommits() FileCommitRepository
	Blobs() BlobRepository
	NodeBoundaries() NodeBoundaryRepository

	Commit() error
	Rollback() error
}

// Factory creates units of work. Each Begin opens a fresh transaction;
// a unit of work is never re-entered.
type Factory interface {
	Begin(ctx context.Context) (UnitOfWork, error)
}

// WithUnitOfWork runs fn inside a fresh unit of work, committing when fn
// returns nil and rolling back otherwise. Rollback errors after a failed
// fn are dropped in favor of fn's error.
func WithUnitOfWork(ctx context.Context, f Factory, fn func(uow UnitOfWork) error) error {
	uow, err := f.Begin(ctx)
	if err != nil {
		return err
	}
	if err := fn(uow); err != nil {
		_ = uow.Rollback()
		return err
	}
	return uow.Commit()
}
