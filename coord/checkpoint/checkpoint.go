// Package checkpoint is the external checkpoint store: serialized
// execution state grouped into sessions, ordered by a monotonic
// tool-track position.
//
// The store is deliberately independent of the primary store. Cross-store
// pointers are by identity only; the state adapter in package coord does
// all bridging.
package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned when a checkpoint or session does not exist.
var ErrNotFound = errors.New("checkpoint not found")

// Checkpoint is an immutable record of execution state at a point in
// time. State is opaque to the store; callers serialize and deserialize
// it themselves.
//
// ToolTrackPosition is assigned by the store on save: it is the
// session's monotonic ordinal, ordering fine-grained sub-actions within
// a node. Several checkpoints may share a position after a tool-track
// rewind; readers resolving such a tie take the greater checkpoint id.
type Checkpoint struct {
	ID                int64           `json:"id"`
	SessionID         int64           `json:"session_id"`
	State             json.RawMessage `json:"state"`
	ToolTrackPosition int64           `json:"tool_track_position"`
	NodeID            string          `json:"node_id,omitempty"`
	Name              string          `json:"name,omitempty"`
	Metadata          map[string]any  `json:"metadata,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
}

// Clone returns a deep copy of the checkpoint.
func (c *Checkpoint) Clone() *Checkpoint {
	out := *c
	out.State = make(json.RawMessage, len(c.State))
	copy(out.State, c.State)
	out.Metadata = make(map[string]any, len(c.Metadata))
	for k, v := range c.Metadata {
		out.Metadata[k] = v
	}
	return &out
}

// Store is the external checkpoint store contract.
//
// Implementations:
//   - In-memory (memory.go), for tests and single-process use
//   - SQLite (sqlite.go), single-file persistence
type Store interface {
	// CreateSession opens a new empty session and returns its id.
	CreateSession(ctx context.Context) (int64, error)

	// SaveCheckpoint appends cp to its session, assigning ID and
	// ToolTrackPosition (the session's next ordinal). Returns
	// ErrNotFound if the session does not exist.
	SaveCheckpoint(ctx context.Context, cp *Checkpoint) error

	// GetCheckpoint returns the checkpoint with the given id.
	GetCheckpoint(ctx context.Context, id int64) (*Checkpoint, error)

	// ListCheckpoints returns a session's checkpoints ordered by
	// tool-track position, ties by id, ascending.
	ListCheckpoints(ctx context.Context, sessionID int64) ([]*Checkpoint, error)

	// DeleteCheckpoint removes a checkpoint. Used by retention cleanup.
	DeleteCheckpoint(ctx context.Context, id int64) error

	// UpdateMetadata replaces a checkpoint's metadata keys with the
	// given values, keeping keys not mentioned. Used for node-boundary
	// sync.
	UpdateMetadata(ctx context.Context, id int64, metadata map[string]any) error

	// RewindToolTrack moves the session's ordinal counter back so the
	// next save gets position+1. Existing checkpoints are untouched.
	RewindToolTrack(ctx context.Context, sessionID, position int64) error

	// Branch creates a new session containing copies of every
	// checkpoint up to and including the given one (by tool-track
	// order, ties by id) and returns the new session id.
	Branch(ctx context.Context, checkpointID int64) (int64, error)
}
