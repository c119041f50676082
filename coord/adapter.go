package coord

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dshills/flowtx-go/coord/checkpoint"
	"github.com/dshills/flowtx-go/coord/emit"
	"github.com/dshills/flowtx-go/coord/store"
	"github.com/dshills/flowtx-go/coord/track"
)

// Trigger classifies why a checkpoint was taken.
type Trigger string

const (
	TriggerAuto        Trigger = "auto"
	TriggerNodeEntry   Trigger = "node_entry"
	TriggerNodeExit    Trigger = "node_exit"
	TriggerUserRequest Trigger = "user_request"
	TriggerToolCall    Trigger = "tool_call"
)

// StateAdapter is the anti-corruption boundary to the external
// checkpoint store. It owns all bridging between the primary store, the
// checkpoint store and the file store; nothing else crosses that line.
//
// A StateAdapter is shared process-wide and safe for concurrent use.
// Rollback does not enqueue outbox events; that is the caller's
// responsibility.
type StateAdapter struct {
	factory     store.Factory
	checkpoints checkpoint.Store
	tracker     *track.Service
	emitter     emit.Emitter
	log         *logrus.Entry
}

// NewStateAdapter creates a StateAdapter. The emitter and logger may be
// nil; nil falls back to a null emitter and the standard logrus logger.
func NewStateAdapter(factory store.Factory, checkpoints checkpoint.Store, tracker *track.Service, emitter emit.Emitter, log *logrus.Logger) *StateAdapter {
	if emitter == nil {
		emitter = emit.NewNullEmitter()
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &StateAdapter{
		factory:     factory,
		checkpoints: checkpoints,
		tracker:     tracker,
		emitter:     emitter,
		log:         log.WithField("component", "state_adapter"),
	}
}

// InitializeSession creates an external checkpoint session for the
// execution, records the mapping on the execution row and saves the
// initial state as the session's first checkpoint. Returns the session
// id.
func (a *StateAdapter) InitializeSession(ctx context.Context, executionID string, initial store.ExecutionState) (int64, error) {
	if executionID == "" {
		return 0, fmt.Errorf("%w: execution id must not be empty", ErrValidation)
	}

	sessionID, err := a.checkpoints.CreateSession(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: create session: %v", ErrTransient, err)
	}

	if _, err := a.SaveCheckpoint(ctx, sessionID, initial, "", TriggerAuto, "session_init", nil); err != nil {
		return 0, err
	}

	err = store.WithUnitOfWork(ctx, a.factory, func(uow store.UnitOfWork) error {
		exec, err := uow.Executions().Get(ctx, executionID)
		if err != nil {
			return err
		}
		exec.SessionID = sessionID
		return uow.Executions().Update(ctx, exec)
	})
	if err != nil {
		return 0, fmt.Errorf("failed to record session mapping for %s: %w", executionID, err)
	}

	a.emitter.Emit(emit.Event{
		ExecutionID: executionID,
		Msg:         "session_initialized",
		Meta:        map[string]any{"session_id": sessionID},
	})
	return sessionID, nil
}

// SaveCheckpoint appends the state to the session. The store assigns the
// checkpoint id and the tool-track ordinal; the trigger is recorded in
// metadata. Returns the checkpoint id.
func (a *StateAdapter) SaveCheckpoint(ctx context.Context, sessionID int64, state store.ExecutionState, nodeID string, trigger Trigger, name string, metadata map[string]any) (int64, error) {
	raw, err := json.Marshal(state)
	if err != nil {
		return 0, fmt.Errorf("%w: state not serializable: %v", ErrValidation, err)
	}

	meta := make(map[string]any, len(metadata)+1)
	for k, v := range metadata {
		meta[k] = v
	}
	meta["trigger"] = string(trigger)

	cp := &checkpoint.Checkpoint{
		SessionID: sessionID,
		State:     raw,
		NodeID:    nodeID,
		Name:      name,
		Metadata:  meta,
	}
	if err := a.checkpoints.SaveCheckpoint(ctx, cp); err != nil {
		if isCheckpointNotFound(err) {
			return 0, fmt.Errorf("session %d: %w", sessionID, store.ErrNotFound)
		}
		return 0, fmt.Errorf("%w: save checkpoint: %v", ErrTransient, err)
	}

	a.log.WithFields(logrus.Fields{
		"session_id":    sessionID,
		"checkpoint_id": cp.ID,
		"node_id":       nodeID,
		"trigger":       trigger,
	}).Debug("checkpoint saved")
	return cp.ID, nil
}

// LoadCheckpoint deserializes a checkpoint's execution state.
func (a *StateAdapter) LoadCheckpoint(ctx context.Context, checkpointID int64) (store.ExecutionState, error) {
	cp, err := a.checkpoints.GetCheckpoint(ctx, checkpointID)
	if err != nil {
		if isCheckpointNotFound(err) {
			return store.ExecutionState{}, fmt.Errorf("checkpoint %d: %w", checkpointID, store.ErrNotFound)
		}
		return store.ExecutionState{}, fmt.Errorf("%w: load checkpoint %d: %v", ErrTransient, checkpointID, err)
	}
	return decodeState(cp)
}

// LinkFileCommit records a CheckpointFileLink in the primary store. A
// second link for the same checkpoint fails with store.ErrConflict.
func (a *StateAdapter) LinkFileCommit(ctx context.Context, checkpointID int64, fileCommitID string, fileCount int, totalSize int64) error {
	return store.WithUnitOfWork(ctx, a.factory, func(uow store.UnitOfWork) error {
		return uow.CheckpointFiles().Add(ctx, &store.CheckpointFileLink{
			CheckpointID: checkpointID,
			FileCommitID: fileCommitID,
			FileCount:    fileCount,
			TotalSize:    totalSize,
		})
	})
}

// MarkNodeStarted opens a node boundary row pointing at the node's entry
// checkpoint.
func (a *StateAdapter) MarkNodeStarted(ctx context.Context, executionID string, sessionID int64, nodeID string, entryCheckpointID int64) (*store.NodeBoundary, error) {
	boundary := &store.NodeBoundary{
		ExecutionID:       executionID,
		SessionID:         sessionID,
		NodeID:            nodeID,
		EntryCheckpointID: entryCheckpointID,
		Status:            store.BoundaryStarted,
		StartedAt:         time.Now().UTC(),
	}
	err := store.WithUnitOfWork(ctx, a.factory, func(uow store.UnitOfWork) error {
		return uow.NodeBoundaries().Add(ctx, boundary)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to mark node %s started: %w", nodeID, err)
	}
	return boundary, nil
}

// MarkNodeCompleted closes the boundary with its exit checkpoint and
// activity counts.
func (a *StateAdapter) MarkNodeCompleted(ctx context.Context, sessionID int64, nodeID string, exitCheckpointID int64, toolCount, checkpointCount int) (*store.NodeBoundary, error) {
	return a.closeBoundary(ctx, sessionID, nodeID, func(b *store.NodeBoundary) {
		b.ExitCheckpointID = exitCheckpointID
		b.Status = store.BoundaryCompleted
		b.ToolCount = toolCount
		b.CheckpointCount = checkpointCount
	})
}

// MarkNodeFailed closes the boundary with the failure message.
func (a *StateAdapter) MarkNodeFailed(ctx context.Context, sessionID int64, nodeID, errMsg string) (*store.NodeBoundary, error) {
	return a.closeBoundary(ctx, sessionID, nodeID, func(b *store.NodeBoundary) {
		b.Status = store.BoundaryFailed
		b.ErrorMessage = errMsg
	})
}

func (a *StateAdapter) closeBoundary(ctx context.Context, sessionID int64, nodeID string, apply func(*store.NodeBoundary)) (*store.NodeBoundary, error) {
	var boundary *store.NodeBoundary
	err := store.WithUnitOfWork(ctx, a.factory, func(uow store.UnitOfWork) error {
		var err error
		boundary, err = uow.NodeBoundaries().FindByNode(ctx, sessionID, nodeID)
		if err != nil {
			return err
		}
		apply(boundary)
		now := time.Now().UTC()
		boundary.CompletedAt = &now
		return uow.NodeBoundaries().Update(ctx, boundary)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to close boundary for node %s: %w", nodeID, err)
	}
	return boundary, nil
}

// Rollback restores external state to the given checkpoint: rewinds the
// session's tool track to the checkpoint's ordinal and restores linked
// files synchronously. When several checkpoints share the ordinal the
// greatest checkpoint id wins as the state source. Returns the restored
// state.
//
// Rollback touches only the checkpoint and file stores; persisting the
// state onto the execution row, and any outbox events, are the caller's
// job.
func (a *StateAdapter) Rollback(ctx context.Context, sessionID, checkpointID int64) (store.ExecutionState, error) {
	cp, err := a.checkpoints.GetCheckpoint(ctx, checkpointID)
	if err != nil {
		if isCheckpointNotFound(err) {
			return store.ExecutionState{}, fmt.Errorf("checkpoint %d: %w", checkpointID, store.ErrNotFound)
		}
		return store.ExecutionState{}, fmt.Errorf("%w: load checkpoint %d: %v", ErrTransient, checkpointID, err)
	}
	if cp.SessionID != sessionID {
		return store.ExecutionState{}, fmt.Errorf("%w: checkpoint %d belongs to session %d, not %d",
			ErrValidation, checkpointID, cp.SessionID, sessionID)
	}

	winner, err := a.resolveOrdinalWinner(ctx, cp)
	if err != nil {
		return store.ExecutionState{}, err
	}

	if err := a.checkpoints.RewindToolTrack(ctx, sessionID, cp.ToolTrackPosition); err != nil {
		return store.ExecutionState{}, fmt.Errorf("%w: rewind tool track: %v", ErrTransient, err)
	}

	if _, err := a.tracker.RestoreFromCheckpoint(ctx, winner.ID); err != nil && !isStoreNotFound(err) {
		return store.ExecutionState{}, fmt.Errorf("%w: restore files for checkpoint %d: %v", ErrTransient, winner.ID, err)
	}

	state, err := decodeState(winner)
	if err != nil {
		return store.ExecutionState{}, err
	}

	a.emitter.Emit(emit.Event{
		NodeID: winner.NodeID,
		Msg:    "rollback_performed",
		Meta: map[string]any{
			"session_id":    sessionID,
			"checkpoint_id": winner.ID,
			"position":      winner.ToolTrackPosition,
		},
	})
	return state, nil
}

// resolveOrdinalWinner finds the checkpoint that wins cp's tool-track
// ordinal. Ties happen after a rewind; the greatest id is authoritative.
func (a *StateAdapter) resolveOrdinalWinner(ctx context.Context, cp *checkpoint.Checkpoint) (*checkpoint.Checkpoint, error) {
	all, err := a.checkpoints.ListCheckpoints(ctx, cp.SessionID)
	if err != nil {
		return nil, fmt.Errorf("%w: list checkpoints: %v", ErrTransient, err)
	}
	winner := cp
	for _, other := range all {
		if other.ToolTrackPosition == cp.ToolTrackPosition && other.ID > winner.ID {
			winner = other
		}
	}
	return winner, nil
}

// CreateBranch forks a new session containing all checkpoints up to and
// including the given one, then makes it the execution's current
// session. The source session is untouched.
func (a *StateAdapter) CreateBranch(ctx context.Context, executionID string, checkpointID int64) (int64, error) {
	newSessionID, err := a.checkpoints.Branch(ctx, checkpointID)
	if err != nil {
		if isCheckpointNotFound(err) {
			return 0, fmt.Errorf("checkpoint %d: %w", checkpointID, store.ErrNotFound)
		}
		return 0, fmt.Errorf("%w: branch from checkpoint %d: %v", ErrTransient, checkpointID, err)
	}

	err = store.WithUnitOfWork(ctx, a.factory, func(uow store.UnitOfWork) error {
		exec, err := uow.Executions().Get(ctx, executionID)
		if err != nil {
			return err
		}
		exec.SessionID = newSessionID
		return uow.Executions().Update(ctx, exec)
	})
	if err != nil {
		return 0, fmt.Errorf("failed to switch execution %s to session %d: %w", executionID, newSessionID, err)
	}

	a.emitter.Emit(emit.Event{
		ExecutionID: executionID,
		Msg:         "branch_created",
		Meta:        map[string]any{"checkpoint_id": checkpointID, "session_id": newSessionID},
	})
	return newSessionID, nil
}

// GetCheckpoints lists a session's checkpoints in tool-track order. A
// non-empty nodeID filters to that node's checkpoints.
func (a *StateAdapter) GetCheckpoints(ctx context.Context, sessionID int64, nodeID string) ([]*checkpoint.Checkpoint, error) {
	all, err := a.checkpoints.ListCheckpoints(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("%w: list checkpoints: %v", ErrTransient, err)
	}
	if nodeID == "" {
		return all, nil
	}
	filtered := make([]*checkpoint.Checkpoint, 0, len(all))
	for _, cp := range all {
		if cp.NodeID == nodeID {
			filtered = append(filtered, cp)
		}
	}
	return filtered, nil
}

// GetNodeRollbackTargets returns the session's completed node
// boundaries; their exit checkpoints are the safe rollback targets.
func (a *StateAdapter) GetNodeRollbackTargets(ctx context.Context, sessionID int64) ([]*store.NodeBoundary, error) {
	var boundaries []*store.NodeBoundary
	err := store.WithUnitOfWork(ctx, a.factory, func(uow store.UnitOfWork) error {
		var err error
		boundaries, err = uow.NodeBoundaries().FindCompleted(ctx, sessionID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load rollback targets for session %d: %w", sessionID, err)
	}
	return boundaries, nil
}

// GetFileCommit returns the file commit linked to the checkpoint, or
// store.ErrNotFound when no link exists.
func (a *StateAdapter) GetFileCommit(ctx context.Context, checkpointID int64) (*store.FileCommit, error) {
	return a.tracker.GetFilesAtCheckpoint(ctx, checkpointID)
}

// CleanupCheckpoints deletes all but the newest keepLast checkpoints of
// the session, skipping any checkpoint with a file link. Returns the
// number deleted.
func (a *StateAdapter) CleanupCheckpoints(ctx context.Context, sessionID int64, keepLast int) (int, error) {
	if keepLast < 0 {
		return 0, fmt.Errorf("%w: keepLast must not be negative, got %d", ErrValidation, keepLast)
	}
	all, err := a.checkpoints.ListCheckpoints(ctx, sessionID)
	if err != nil {
		return 0, fmt.Errorf("%w: list checkpoints: %v", ErrTransient, err)
	}
	if len(all) <= keepLast {
		return 0, nil
	}

	doomed := all[:len(all)-keepLast]
	deleted := 0
	for _, cp := range doomed {
		linked, err := a.hasFileLink(ctx, cp.ID)
		if err != nil {
			return deleted, err
		}
		if linked {
			continue
		}
		if err := a.checkpoints.DeleteCheckpoint(ctx, cp.ID); err != nil {
			return deleted, fmt.Errorf("%w: delete checkpoint %d: %v", ErrTransient, cp.ID, err)
		}
		deleted++
	}

	a.log.WithFields(logrus.Fields{
		"session_id": sessionID,
		"deleted":    deleted,
		"kept":       len(all) - deleted,
	}).Info("checkpoint cleanup")
	return deleted, nil
}

func (a *StateAdapter) hasFileLink(ctx context.Context, checkpointID int64) (bool, error) {
	var linked bool
	err := store.WithUnitOfWork(ctx, a.factory, func(uow store.UnitOfWork) error {
		_, err := uow.CheckpointFiles().FindByCheckpoint(ctx, checkpointID)
		if isStoreNotFound(err) {
			return nil
		}
		if err != nil {
			return err
		}
		linked = true
		return nil
	})
	return linked, err
}

func decodeState(cp *checkpoint.Checkpoint) (store.ExecutionState, error) {
	var state store.ExecutionState
	if err := json.Unmarshal(cp.State, &state); err != nil {
		return store.ExecutionState{}, fmt.Errorf("%w: checkpoint %d state does not deserialize: %v", ErrCorruptState, cp.ID, err)
	}
	if state.WorkflowVariables == nil {
		state.WorkflowVariables = make(map[string]any)
	}
	if state.NodeResults == nil {
		state.NodeResults = make(map[string]any)
	}
	return state, nil
}
