package coord

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/dshills/flowtx-go/coord/emit"
	"github.com/dshills/flowtx-go/coord/store"
)

// BatchOperation names a coordinator operation within a batch request.
type BatchOperation string

const (
	OpRollback       BatchOperation = "rollback"
	OpFork           BatchOperation = "fork"
	OpRollbackAndRun BatchOperation = "rollback_and_run"
	OpForkAndRun     BatchOperation = "fork_and_run"
)

// BatchRequest is one operation in a batch. Graph is required for the
// *_and_run operations and ignored otherwise.
type BatchRequest struct {
	Operation    BatchOperation
	ExecutionID  string
	CheckpointID int64
	NewState     map[string]any
	Graph        Graph
}

// BatchResult reports the outcome of one request. Results preserve the
// input order; Skipped marks requests not attempted after a stop.
type BatchResult struct {
	Request   BatchRequest
	Execution *store.Execution
	Err       error
	Skipped   bool
}

// Coordinator orchestrates rollback and fork across the three stores
// with a two-phase discipline. Phase 1 commits the execution's new
// state together with the audit event and, when files are involved, a
// ROLLBACK_FILE_RESTORE intent, in one unit of work. Phase 2 is the
// outbox processor draining that intent; the coordinator never touches
// the file store after commit.
//
// An observer that sees the rolled-back execution state is therefore
// guaranteed to eventually see its files restored, but not immediately.
type Coordinator struct {
	factory  store.Factory
	adapter  *StateAdapter
	emitter  emit.Emitter
	metrics  *PrometheusMetrics
	log      *logrus.Entry
	retryCap int
}

// NewCoordinator creates a coordinator. Emitter, metrics and logger may
// be nil.
func NewCoordinator(factory store.Factory, adapter *StateAdapter, emitter emit.Emitter, metrics *PrometheusMetrics, log *logrus.Logger) *Coordinator {
	if emitter == nil {
		emitter = emit.NewNullEmitter()
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Coordinator{
		factory:  factory,
		adapter:  adapter,
		emitter:  emitter,
		metrics:  metrics,
		log:      log.WithField("component", "coordinator"),
		retryCap: store.DefaultMaxRetries,
	}
}

// SetEventRetryCap overrides the retry cap stamped on events the
// coordinator (and the controllers it spawns) enqueues.
func (co *Coordinator) SetEventRetryCap(n int) {
	if n >= 0 {
		co.retryCap = n
	}
}

func (co *Coordinator) capped(ev *store.OutboxEvent) *store.OutboxEvent {
	ev.MaxRetries = co.retryCap
	return ev
}

// controller builds the per-operation execution controller. Controllers
// are never cached or shared between operations.
func (co *Coordinator) controller() *ExecutionController {
	c := NewExecutionController(co.factory, co.adapter, co.emitter, co.log.Logger)
	c.SetEventRetryCap(co.retryCap)
	return c
}

// Rollback restores the execution to the given checkpoint. On return
// the execution is PAUSED with the checkpoint's state; the tool track
// is rewound; file restoration is asynchronous via the outbox.
//
// The checkpoint must belong to the execution's session. When several
// checkpoints share the target's tool-track ordinal, the greatest
// checkpoint id is the state source.
func (co *Coordinator) Rollback(ctx context.Context, executionID string, checkpointID int64) (*store.Execution, error) {
	exec, err := co.rollback(ctx, executionID, checkpointID)
	if err != nil {
		co.metrics.RecordRollback("error")
		return nil, err
	}
	co.metrics.RecordRollback("ok")
	return exec, nil
}

func (co *Coordinator) rollback(ctx context.Context, executionID string, checkpointID int64) (*store.Execution, error) {
	if executionID == "" {
		return nil, fmt.Errorf("%w: execution id must not be empty", ErrValidation)
	}

	exec, err := co.loadExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}

	cp, err := co.adapter.checkpoints.GetCheckpoint(ctx, checkpointID)
	if err != nil {
		if isCheckpointNotFound(err) {
			return nil, fmt.Errorf("checkpoint %d: %w", checkpointID, store.ErrNotFound)
		}
		return nil, fmt.Errorf("%w: load checkpoint %d: %v", ErrTransient, checkpointID, err)
	}
	if cp.SessionID != exec.SessionID {
		return nil, fmt.Errorf("%w: checkpoint %d does not belong to execution %s", ErrValidation, checkpointID, executionID)
	}

	winner, err := co.adapter.resolveOrdinalWinner(ctx, cp)
	if err != nil {
		return nil, err
	}
	state, err := decodeState(winner)
	if err != nil {
		return nil, err
	}
	commitID := extractFileCommitID(state)

	// Phase 1: state change plus intents, atomically.
	err = store.WithUnitOfWork(ctx, co.factory, func(uow store.UnitOfWork) error {
		cur, err := uow.Executions().Get(ctx, executionID)
		if err != nil {
			return err
		}
		cur.Status = store.StatusPaused
		cur.State = state
		if err := uow.Executions().Update(ctx, cur); err != nil {
			return err
		}

		audit := store.NewOutboxEvent(store.EventRollbackPerformed, "Execution", executionID, map[string]any{
			"checkpoint_id":  winner.ID,
			"session_id":     exec.SessionID,
			"node_id":        winner.NodeID,
			"file_commit_id": commitID,
		}, "")
		if err := uow.Outbox().Add(ctx, co.capped(audit)); err != nil {
			return err
		}

		if commitID != "" {
			restore := store.NewRollbackFileRestoreEvent(executionID, winner.ID, checkpointID, commitID)
			if err := uow.Outbox().Add(ctx, co.capped(restore)); err != nil {
				return err
			}
		}

		exec = cur
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Phase 2 effects on the checkpoint store are best effort; the next
	// save after a failed rewind only produces a larger ordinal.
	if err := co.adapter.checkpoints.RewindToolTrack(ctx, exec.SessionID, winner.ToolTrackPosition); err != nil {
		co.log.WithError(err).WithFields(logrus.Fields{
			"session_id": exec.SessionID,
			"position":   winner.ToolTrackPosition,
		}).Warn("tool track rewind failed after rollback commit")
	}

	co.emitter.Emit(emit.Event{
		ExecutionID: executionID,
		NodeID:      winner.NodeID,
		Msg:         "rollback_performed",
		Meta: map[string]any{
			"checkpoint_id":  winner.ID,
			"file_commit_id": commitID,
		},
	})
	return exec, nil
}

// Fork creates a fresh PENDING execution from the checkpoint with
// newState merged over its workflow variables. The source execution is
// untouched; the fork gets a branched session. If the checkpoint state
// carries a file commit, a restore intent commits with the fork.
func (co *Coordinator) Fork(ctx context.Context, executionID string, checkpointID int64, newState map[string]any) (*store.Execution, error) {
	exec, err := co.fork(ctx, executionID, checkpointID, newState)
	if err != nil {
		co.metrics.RecordFork("error")
		return nil, err
	}
	co.metrics.RecordFork("ok")
	return exec, nil
}

func (co *Coordinator) fork(ctx context.Context, executionID string, checkpointID int64, newState map[string]any) (*store.Execution, error) {
	if executionID == "" {
		return nil, fmt.Errorf("%w: execution id must not be empty", ErrValidation)
	}

	source, err := co.loadExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}

	cp, err := co.adapter.checkpoints.GetCheckpoint(ctx, checkpointID)
	if err != nil {
		if isCheckpointNotFound(err) {
			return nil, fmt.Errorf("checkpoint %d: %w", checkpointID, store.ErrNotFound)
		}
		return nil, fmt.Errorf("%w: load checkpoint %d: %v", ErrTransient, checkpointID, err)
	}
	if cp.SessionID != source.SessionID {
		return nil, fmt.Errorf("%w: checkpoint %d does not belong to execution %s", ErrValidation, checkpointID, executionID)
	}

	state, err := decodeState(cp)
	if err != nil {
		return nil, err
	}
	merged := state.Merge(newState)
	commitID := extractFileCommitID(merged)

	newSessionID, err := co.adapter.checkpoints.Branch(ctx, checkpointID)
	if err != nil {
		return nil, fmt.Errorf("%w: branch from checkpoint %d: %v", ErrTransient, checkpointID, err)
	}

	fork := &store.Execution{
		ID:         uuid.NewString(),
		WorkflowID: source.WorkflowID,
		Status:     store.StatusPending,
		SessionID:  newSessionID,
		State:      merged,
		Version:    1,
	}

	// Phase 1.
	err = store.WithUnitOfWork(ctx, co.factory, func(uow store.UnitOfWork) error {
		if err := uow.Executions().Add(ctx, fork); err != nil {
			return err
		}
		audit := store.NewOutboxEvent(store.EventExecutionForked, "Execution", fork.ID, map[string]any{
			"source_execution_id": executionID,
			"checkpoint_id":       checkpointID,
			"session_id":          newSessionID,
			"file_commit_id":      commitID,
		}, "")
		if err := uow.Outbox().Add(ctx, co.capped(audit)); err != nil {
			return err
		}
		if commitID != "" {
			restore := store.NewRollbackFileRestoreEvent(fork.ID, checkpointID, checkpointID, commitID)
			if err := uow.Outbox().Add(ctx, co.capped(restore)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	co.emitter.Emit(emit.Event{
		ExecutionID: fork.ID,
		Msg:         "execution_forked",
		Meta: map[string]any{
			"source_execution_id": executionID,
			"checkpoint_id":       checkpointID,
			"session_id":          newSessionID,
		},
	})
	return fork, nil
}

// RollbackAndRun rolls back and immediately continues the execution
// through the graph. The run continues from the restored state in fresh
// units of work; a yield commits PAUSED as usual.
func (co *Coordinator) RollbackAndRun(ctx context.Context, executionID string, checkpointID int64, graph Graph) (*store.Execution, error) {
	if graph == nil {
		return nil, fmt.Errorf("%w: rollback_and_run", ErrGraphRequired)
	}
	if _, err := co.Rollback(ctx, executionID, checkpointID); err != nil {
		return nil, err
	}
	return co.controller().Run(ctx, executionID, graph)
}

// ForkAndRun forks and immediately runs the new execution.
func (co *Coordinator) ForkAndRun(ctx context.Context, executionID string, checkpointID int64, newState map[string]any, graph Graph) (*store.Execution, error) {
	if graph == nil {
		return nil, fmt.Errorf("%w: fork_and_run", ErrGraphRequired)
	}
	fork, err := co.Fork(ctx, executionID, checkpointID, newState)
	if err != nil {
		return nil, err
	}
	return co.controller().Run(ctx, fork.ID, graph)
}

// BatchOperate runs the requests in order, each in its own unit of
// work. Results preserve input order. A failing request is reported in
// its result; with stopOnError the remaining requests are marked
// skipped and not attempted.
func (co *Coordinator) BatchOperate(ctx context.Context, requests []BatchRequest, stopOnError bool) []BatchResult {
	results := make([]BatchResult, len(requests))
	stopped := false
	for i, req := range requests {
		results[i].Request = req
		if stopped {
			results[i].Skipped = true
			continue
		}
		exec, err := co.dispatch(ctx, req)
		results[i].Execution = exec
		results[i].Err = err
		if err != nil {
			co.log.WithError(err).WithFields(logrus.Fields{
				"operation":    req.Operation,
				"execution_id": req.ExecutionID,
			}).Warn("batch request failed")
			if stopOnError {
				stopped = true
			}
		}
	}
	return results
}

// BatchRollback rolls back each (execution, checkpoint) pair.
func (co *Coordinator) BatchRollback(ctx context.Context, requests []BatchRequest, stopOnError bool) []BatchResult {
	normalized := make([]BatchRequest, len(requests))
	for i, req := range requests {
		req.Operation = OpRollback
		normalized[i] = req
	}
	return co.BatchOperate(ctx, normalized, stopOnError)
}

// BatchFork forks each (execution, checkpoint) pair.
func (co *Coordinator) BatchFork(ctx context.Context, requests []BatchRequest, stopOnError bool) []BatchResult {
	normalized := make([]BatchRequest, len(requests))
	for i, req := range requests {
		req.Operation = OpFork
		normalized[i] = req
	}
	return co.BatchOperate(ctx, normalized, stopOnError)
}

func (co *Coordinator) dispatch(ctx context.Context, req BatchRequest) (*store.Execution, error) {
	switch req.Operation {
	case OpRollback:
		return co.Rollback(ctx, req.ExecutionID, req.CheckpointID)
	case OpFork:
		return co.Fork(ctx, req.ExecutionID, req.CheckpointID, req.NewState)
	case OpRollbackAndRun:
		return co.RollbackAndRun(ctx, req.ExecutionID, req.CheckpointID, req.Graph)
	case OpForkAndRun:
		return co.ForkAndRun(ctx, req.ExecutionID, req.CheckpointID, req.NewState, req.Graph)
	default:
		return nil, fmt.Errorf("%w: unknown batch operation %q", ErrValidation, req.Operation)
	}
}

func (co *Coordinator) loadExecution(ctx context.Context, executionID string) (*store.Execution, error) {
	var exec *store.Execution
	err := store.WithUnitOfWork(ctx, co.factory, func(uow store.UnitOfWork) error {
		var err error
		exec, err = uow.Executions().Get(ctx, executionID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("execution %s: %w", executionID, err)
	}
	return exec, nil
}

// extractFileCommitID digs the tracked file commit out of restored
// workflow variables. Two payload shapes are accepted: a
// "_file_tracking_result" object with a "commit_id" key, and a bare
// "file_commit_id" variable.
func extractFileCommitID(state store.ExecutionState) string {
	if raw, ok := state.WorkflowVariables["_file_tracking_result"]; ok {
		if m, ok := raw.(map[string]any); ok {
			if id, ok := m["commit_id"].(string); ok {
				return id
			}
		}
	}
	if id, ok := state.WorkflowVariables["file_commit_id"].(string); ok {
		return id
	}
	return ""
}
