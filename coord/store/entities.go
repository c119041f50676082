package store

import (
	"time"
)

// ExecutionStatus is the lifecycle status of an Execution.
type ExecutionStatus string

// Execution lifecycle states. PENDING is the initial state; COMPLETED,
// FAILED and CANCELLED are terminal.
const (
	StatusPending   ExecutionStatus = "pending"
	StatusRunning   ExecutionStatus = "running"
	StatusPaused    ExecutionStatus = "paused"
	StatusCompleted ExecutionStatus = "completed"
	StatusFailed    ExecutionStatus = "failed"
	StatusCancelled ExecutionStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s ExecutionStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// ExecutionState is the serializable snapshot of a workflow execution's
// progress: where it is, what it has computed, and where it has been.
//
// It is the payload stored in external checkpoints and on the Execution
// row itself. All values must be JSON-serializable.
type ExecutionState struct {
	// CurrentNodeID is the node the execution is positioned at.
	// Empty until the first node runs.
	CurrentNodeID string `json:"current_node_id"`

	// WorkflowVariables holds user-visible workflow state.
	WorkflowVariables map[string]any `json:"workflow_variables"`

	// ExecutionPath records node ids in visit order.
	ExecutionPath []string `json:"execution_path"`

	// NodeResults maps node id to that node's output.
	NodeResults map[string]any `json:"node_results"`
}

// NewExecutionState returns an empty state with initialized containers.
func NewExecutionState() ExecutionState {
	return ExecutionState{
		WorkflowVariables: make(map[string]any),
		ExecutionPath:     make([]string, 0),
		NodeResults:       make(map[string]any),
	}
}

// Clone returns a deep copy of the state. Map values are copied shallowly;
// they are expected to be plain JSON values.
func (s ExecutionState) Clone() ExecutionState {
	out := ExecutionState{
		CurrentNodeID:     s.CurrentNodeID,
		WorkflowVariables: make(map[string]any, len(s.WorkflowVariables)),
		ExecutionPath:     make([]string, len(s.ExecutionPath)),
		NodeResults:       make(map[string]any, len(s.NodeResults)),
	}
	for k, v := range s.WorkflowVariables {
		out.WorkflowVariables[k] = v
	}
	copy(out.ExecutionPath, s.ExecutionPath)
	for k, v := range s.NodeResults {
		out.NodeResults[k] = v
	}
	return out
}

// Merge returns a copy of s with overlay's workflow variables merged in.
// Overlay keys win; the merge is shallow and key-by-key.
func (s ExecutionState) Merge(overlay map[string]any) ExecutionState {
	out := s.Clone()
	for k, v := range overlay {
		out.WorkflowVariables[k] = v
	}
	return out
}

// Execution is a single run of a workflow. Its Status follows the state
// machine enforced by the controller; SessionID is assigned by the state
// adapter when the external checkpoint session is initialized (0 means
// not initialized). Version supports optimistic concurrency on updates.
type Execution struct {
	ID         string          `json:"id"`
	WorkflowID string          `json:"workflow_id"`
	Status     ExecutionStatus `json:"status"`
	SessionID  int64           `json:"session_id"`
	State      ExecutionState  `json:"state"`
	Version    int64           `json:"version"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
	Error      string          `json:"error,omitempty"`
}

// Clone returns a deep copy of the execution.
func (e *Execution) Clone() *Execution {
	out := *e
	out.State = e.State.Clone()
	return &out
}

// Workflow is workflow metadata. Immutable after creation except through
// explicit versioning; (Name, Version) is unique.
type Workflow struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Version   string    `json:"version"`
	CreatedAt time.Time `json:"created_at"`
}

// NodeVariant is one implementation variant of a workflow node. Many
// variants may exist per (workflow, node); at most one is active.
type NodeVariant struct {
	ID         string    `json:"id"`
	WorkflowID string    `json:"workflow_id"`
	NodeID     string    `json:"node_id"`
	IsActive   bool      `json:"is_active"`
	Content    string    `json:"content"`
	CreatedAt  time.Time `json:"created_at"`
}

// NodeBoundaryStatus is the lifecycle of a node boundary row.
type NodeBoundaryStatus string

const (
	BoundaryStarted   NodeBoundaryStatus = "started"
	BoundaryCompleted NodeBoundaryStatus = "completed"
	BoundaryFailed    NodeBoundaryStatus = "failed"
)

// NodeBoundary records a node's entry and exit checkpoints within a
// session. Boundaries are pointers into the checkpoint sequence, not
// separate checkpoints: ExitCheckpointID is 0 until the node completes.
type NodeBoundary struct {
	ID                int64              `json:"id"`
	ExecutionID       string             `json:"execution_id"`
	SessionID         int64              `json:"session_id"`
	NodeID            string             `json:"node_id"`
	EntryCheckpointID int64              `json:"entry_checkpoint_id"`
	ExitCheckpointID  int64              `json:"exit_checkpoint_id"`
	Status            NodeBoundaryStatus `json:"status"`
	ToolCount         int                `json:"tool_count"`
	CheckpointCount   int                `json:"checkpoint_count"`
	StartedAt         time.Time          `json:"started_at"`
	CompletedAt       *time.Time         `json:"completed_at,omitempty"`
	ErrorMessage      string             `json:"error_message,omitempty"`
}

// CheckpointFileLink associates an external checkpoint with a file
// commit. Exactly one link may exist per checkpoint.
type CheckpointFileLink struct {
	CheckpointID int64     `json:"checkpoint_id"`
	FileCommitID string    `json:"file_commit_id"`
	FileCount    int       `json:"file_count"`
	TotalSize    int64     `json:"total_size"`
	CreatedAt    time.Time `json:"created_at"`
}

// CommitEntry is one file within a FileCommit: path, content hash and
// size at track time.
type CommitEntry struct {
	Path string `json:"path"`
	Hash string `json:"hash"`
	Size int64  `json:"size"`
}

// FileCommit is a content-addressed snapshot of a set of files. Every
// entry's hash references a blob in the blob store.
type FileCommit struct {
	ID        string        `json:"id"`
	Entries   []CommitEntry `json:"entries"`
	Message   string        `json:"message,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
}

// TotalSize sums the sizes of all entries.
func (c *FileCommit) TotalSize() int64 {
	var total int64
	for _, e := range c.Entries {
		total += e.Size
	}
	return total
}

// Clone returns a deep copy of the commit.
func (c *FileCommit) Clone() *FileCommit {
	out := *c
	out.Entries = make([]CommitEntry, len(c.Entries))
	copy(out.Entries, c.Entries)
	return &out
}
