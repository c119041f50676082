package store

import (
	"strconv"
	"time"

	"github.com/google/uuid"
)

// OutboxEventType identifies the cross-store operation an outbox event
// carries. The set is closed: adding a type requires registering a
// handler with the processor as well.
type OutboxEventType string

const (
	// Checkpoint store related.
	EventCheckpointCreate OutboxEventType = "checkpoint_create"
	EventCheckpointVerify OutboxEventType = "checkpoint_verify"
	EventCheckpointSaved  OutboxEventType = "checkpoint_saved"
	EventNodeBoundarySync OutboxEventType = "node_boundary_sync"

	// File store related.
	EventFileCommitLink     OutboxEventType = "file_commit_link"
	EventFileCommitVerify   OutboxEventType = "file_commit_verify"
	EventFileBlobVerify     OutboxEventType = "file_blob_verify"
	EventFileTracked        OutboxEventType = "file_tracked"
	EventFileBatchVerify    OutboxEventType = "file_batch_verify"
	EventFileIntegrityCheck OutboxEventType = "file_integrity_check"
	EventFileRestoreVerify  OutboxEventType = "file_restore_verify"

	// Joint verification across all three stores.
	EventCheckpointFileLinkVerify OutboxEventType = "checkpoint_file_link_verify"

	// Rollback / recovery.
	EventRollbackFileRestore OutboxEventType = "rollback_file_restore"
	EventRollbackVerify      OutboxEventType = "rollback_verify"
	EventRollbackPerformed   OutboxEventType = "rollback_performed"

	// Audit trail.
	EventExecutionPaused    OutboxEventType = "execution_paused"
	EventExecutionResumed   OutboxEventType = "execution_resumed"
	EventExecutionStopped   OutboxEventType = "execution_stopped"
	EventStateModified      OutboxEventType = "state_modified"
	EventWorkflowCreated    OutboxEventType = "workflow_created"
	EventBatchTestCreated   OutboxEventType = "batch_test_created"
	EventBatchTestCancelled OutboxEventType = "batch_test_cancelled"
	EventExecutionForked    OutboxEventType = "execution_forked"
	EventRayEvent           OutboxEventType = "ray_event"
)

// OutboxStatus is the processing status of an outbox event.
type OutboxStatus string

const (
	OutboxPending    OutboxStatus = "pending"
	OutboxProcessing OutboxStatus = "processing"
	OutboxProcessed  OutboxStatus = "processed"
	OutboxFailed     OutboxStatus = "failed"
)

// DefaultMaxRetries is the retry cap applied to new events.
const DefaultMaxRetries = 5

// OutboxEvent is a durable cross-store intent, written in the same
// transaction as the business change it describes and drained
// asynchronously by the processor.
//
// Events carry two identities: PK (database primary key, assigned by the
// repository) and EventID (UUID, used in logs and lookups). The optional
// IdempotencyKey collapses repeated client submissions to a single
// effectful execution within the deduplication window.
type OutboxEvent struct {
	PK             int64           `json:"id"`
	EventID        string          `json:"event_id"`
	Type           OutboxEventType `json:"event_type"`
	AggregateType  string          `json:"aggregate_type"`
	AggregateID    string          `json:"aggregate_id"`
	Payload        map[string]any  `json:"payload"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	Status         OutboxStatus    `json:"status"`
	RetryCount     int             `json:"retry_count"`
	MaxRetries     int             `json:"max_retries"`
	CreatedAt      time.Time       `json:"created_at"`
	ClaimedAt      *time.Time      `json:"claimed_at,omitempty"`
	ProcessedAt    *time.Time      `json:"processed_at,omitempty"`
	LastError      string          `json:"last_error,omitempty"`
}

// NewOutboxEvent creates a PENDING event with a fresh UUID. The
// idempotency key must be supplied by the caller when the action is
// client-retryable; the repository never generates one.
func NewOutboxEvent(t OutboxEventType, aggregateType, aggregateID string, payload map[string]any, idempotencyKey string) *OutboxEvent {
	if payload == nil {
		payload = make(map[string]any)
	}
	return &OutboxEvent{
		EventID:        uuid.NewString(),
		Type:           t,
		AggregateType:  aggregateType,
		AggregateID:    aggregateID,
		Payload:        payload,
		IdempotencyKey: idempotencyKey,
		Status:         OutboxPending,
		MaxRetries:     DefaultMaxRetries,
		CreatedAt:      time.Now().UTC(),
	}
}

// CanRetry reports whether the event is eligible for another attempt.
func (e *OutboxEvent) CanRetry() bool {
	return (e.Status == OutboxPending || e.Status == OutboxFailed) && e.RetryCount < e.MaxRetries
}

// MarkProcessing transitions the event to PROCESSING and stamps
// ClaimedAt. Stuck-worker detection keys on the claim time, so an event
// that waited in the queue past the grace period is not mistaken for
// stuck the moment a worker picks it up.
func (e *OutboxEvent) MarkProcessing() {
	now := time.Now().UTC()
	e.Status = OutboxProcessing
	e.ClaimedAt = &now
}

// MarkProcessed transitions the event to PROCESSED and stamps ProcessedAt.
func (e *OutboxEvent) MarkProcessed() {
	now := time.Now().UTC()
	e.Status = OutboxProcessed
	e.ProcessedAt = &now
}

// MarkFailed transitions the event to FAILED, increments the retry count
// and records the error.
func (e *OutboxEvent) MarkFailed(errMsg string) {
	e.Status = OutboxFailed
	e.RetryCount++
	e.LastError = errMsg
}

// ResetForRetry returns a FAILED event to PENDING with counters cleared.
// Used by manual retry; automatic retries keep the count.
func (e *OutboxEvent) ResetForRetry() {
	e.Status = OutboxPending
	e.RetryCount = 0
	e.ClaimedAt = nil
	e.LastError = ""
}

// Clone returns a deep copy of the event.
func (e *OutboxEvent) Clone() *OutboxEvent {
	out := *e
	out.Payload = make(map[string]any, len(e.Payload))
	for k, v := range e.Payload {
		out.Payload[k] = v
	}
	if e.ClaimedAt != nil {
		t := *e.ClaimedAt
		out.ClaimedAt = &t
	}
	if e.ProcessedAt != nil {
		t := *e.ProcessedAt
		out.ProcessedAt = &t
	}
	return &out
}

// Typed factories for the common event shapes. Payload keys are part of
// the handler contract; keep them in sync with the processor.

// NewCheckpointVerifyEvent builds a CHECKPOINT_VERIFY event for an
// execution's checkpoint.
func NewCheckpointVerifyEvent(executionID string, checkpointID int64, nodeID string, sessionID int64, isEntry, isExit bool) *OutboxEvent {
	return NewOutboxEvent(EventCheckpointVerify, "Execution", executionID, map[string]any{
		"checkpoint_id": checkpointID,
		"node_id":       nodeID,
		"session_id":    sessionID,
		"is_entry":      isEntry,
		"is_exit":       isExit,
	}, "")
}

// NewFileCommitVerifyEvent builds a FILE_COMMIT_VERIFY event.
func NewFileCommitVerifyEvent(executionID string, checkpointID int64, fileCommitID, nodeID string) *OutboxEvent {
	return NewOutboxEvent(EventFileCommitVerify, "Execution", executionID, map[string]any{
		"checkpoint_id":  checkpointID,
		"file_commit_id": fileCommitID,
		"node_id":        nodeID,
	}, "")
}

// NewCheckpointFileLinkVerifyEvent builds a joint three-store
// verification event for a checkpoint-file link.
func NewCheckpointFileLinkVerifyEvent(executionID string, checkpointID int64, fileCommitID string) *OutboxEvent {
	return NewOutboxEvent(EventCheckpointFileLinkVerify, "CheckpointFile",
		formatLinkAggregateID(checkpointID, fileCommitID), map[string]any{
			"execution_id":   executionID,
			"checkpoint_id":  checkpointID,
			"file_commit_id": fileCommitID,
		}, "")
}

// NewFileBatchVerifyEvent builds a FILE_BATCH_VERIFY event covering a set
// of commits.
func NewFileBatchVerifyEvent(executionID string, commitIDs []string, expectedTotalFiles int, verifyBlobs bool) *OutboxEvent {
	return NewOutboxEvent(EventFileBatchVerify, "BatchTest", executionID, map[string]any{
		"commit_ids":           commitIDs,
		"expected_total_files": expectedTotalFiles,
		"verify_blobs":         verifyBlobs,
	}, "")
}

// NewFileIntegrityCheckEvent builds a FILE_INTEGRITY_CHECK event for one
// commit's hashes.
func NewFileIntegrityCheckEvent(commitID string, fileHashes map[string]string, verifyContent bool) *OutboxEvent {
	return NewOutboxEvent(EventFileIntegrityCheck, "FileCommit", commitID, map[string]any{
		"file_hashes":    fileHashes,
		"verify_content": verifyContent,
	}, "")
}

// NewFileRestoreVerifyEvent builds a FILE_RESTORE_VERIFY event.
func NewFileRestoreVerifyEvent(executionID string, checkpointID int64, commitID string, restoredPaths []string) *OutboxEvent {
	return NewOutboxEvent(EventFileRestoreVerify, "Execution", executionID, map[string]any{
		"checkpoint_id":  checkpointID,
		"commit_id":      commitID,
		"restored_paths": restoredPaths,
	}, "")
}

// NewRollbackFileRestoreEvent builds the ROLLBACK_FILE_RESTORE event that
// drives asynchronous file restoration after a rollback commit.
func NewRollbackFileRestoreEvent(executionID string, sourceCheckpointID, targetCheckpointID int64, sourceCommitID string) *OutboxEvent {
	return NewOutboxEvent(EventRollbackFileRestore, "Execution", executionID, map[string]any{
		"source_checkpoint_id": sourceCheckpointID,
		"target_checkpoint_id": targetCheckpointID,
		"source_commit_id":     sourceCommitID,
	}, "")
}

// NewRollbackVerifyEvent builds a ROLLBACK_VERIFY event checking the
// restored file count.
func NewRollbackVerifyEvent(executionID string, checkpointID int64, restoredFiles int, stateVerified bool) *OutboxEvent {
	return NewOutboxEvent(EventRollbackVerify, "Execution", executionID, map[string]any{
		"checkpoint_id":        checkpointID,
		"restored_files_count": restoredFiles,
		"state_verified":       stateVerified,
	}, "")
}

func formatLinkAggregateID(checkpointID int64, fileCommitID string) string {
	return strconv.FormatInt(checkpointID, 10) + "_" + fileCommitID
}
