// Package emit provides pluggable observability for coordination
// activity: checkpoint saves, outbox processing, rollbacks, cleanup.
package emit

// Event is an observability event emitted during coordination.
//
// Events cover:
//   - Execution lifecycle transitions (run, pause, resume, stop)
//   - Checkpoint saves and rollbacks
//   - Outbox event processing outcomes
//   - File tracking and cleanup activity
type Event struct {
	// ExecutionID identifies the execution the event belongs to.
	// Empty for system-level events (processor start/stop, GC).
	ExecutionID string

	// NodeID identifies the workflow node involved, when any.
	NodeID string

	// Msg is a short machine-stable event name, e.g. "checkpoint_saved",
	// "outbox_event_processed", "rollback_performed".
	Msg string

	// Meta carries additional structured data. Common keys:
	//   - "checkpoint_id": checkpoint identifier
	//   - "event_id": outbox event UUID
	//   - "commit_id": file commit identifier
	//   - "error": error details
	//   - "duration_ms": operation duration in milliseconds
	Meta map[string]any
}
