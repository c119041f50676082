package coord

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/dshills/flowtx-go/coord/emit"
	"github.com/dshills/flowtx-go/coord/store"
)

// StepResult is what a graph reports after running one node.
type StepResult struct {
	// State is the execution state after the node ran.
	State store.ExecutionState

	// Next is the node to run next. Empty means the graph is done.
	Next string

	// Yield suspends the execution at Next instead of continuing. The
	// execution parks as PAUSED and a later Run picks it up at Next.
	Yield bool
}

// Graph is the compiled workflow the controller advances. The
// controller owns status transitions and checkpointing; the graph owns
// node semantics and routing.
type Graph interface {
	// Start returns the first node for an execution that has not run yet.
	Start(state store.ExecutionState) string

	// Run executes one node against the state and reports the result.
	Run(ctx context.Context, nodeID string, state store.ExecutionState) (StepResult, error)
}

// DefaultMaxSteps bounds a single Run call. A graph that has not
// finished or yielded by then is failed rather than looped forever.
const DefaultMaxSteps = 1000

// ExecutionController drives the execution state machine:
//
//	PENDING ── run ──▶ RUNNING ── yield ──▶ PAUSED
//	                           ── done ───▶ COMPLETED
//	                           ── error ──▶ FAILED
//	PAUSED  ── resume ─▶ RUNNING
//	RUNNING ── pause ──▶ PAUSED
//	any non-terminal ── stop ──▶ CANCELLED
//
// Every transition commits together with an audit outbox event in one
// unit of work. Client-initiated transitions (pause, resume, stop)
// carry the client's idempotency key; resubmitting the same key returns
// the original event id without a second transition.
type ExecutionController struct {
	factory  store.Factory
	adapter  *StateAdapter
	emitter  emit.Emitter
	log      *logrus.Entry
	maxSteps int
	retryCap int
}

// NewExecutionController creates a controller. Emitter and logger may
// be nil.
func NewExecutionController(factory store.Factory, adapter *StateAdapter, emitter emit.Emitter, log *logrus.Logger) *ExecutionController {
	if emitter == nil {
		emitter = emit.NewNullEmitter()
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &ExecutionController{
		factory:  factory,
		adapter:  adapter,
		emitter:  emitter,
		log:      log.WithField("component", "execution_controller"),
		maxSteps: DefaultMaxSteps,
		retryCap: store.DefaultMaxRetries,
	}
}

// SetEventRetryCap overrides the retry cap stamped on events the
// controller enqueues.
func (c *ExecutionController) SetEventRetryCap(n int) {
	if n >= 0 {
		c.retryCap = n
	}
}

// capped applies the configured retry cap before an event is enqueued.
func (c *ExecutionController) capped(ev *store.OutboxEvent) *store.OutboxEvent {
	ev.MaxRetries = c.retryCap
	return ev
}

// CreateWorkflow registers a workflow. (Name, Version) must be unique;
// a WORKFLOW_CREATED audit event commits with the row.
func (c *ExecutionController) CreateWorkflow(ctx context.Context, name, version string) (*store.Workflow, error) {
	if name == "" || version == "" {
		return nil, fmt.Errorf("%w: workflow name and version must not be empty", ErrValidation)
	}
	wf := &store.Workflow{
		ID:      uuid.NewString(),
		Name:    name,
		Version: version,
	}
	err := store.WithUnitOfWork(ctx, c.factory, func(uow store.UnitOfWork) error {
		if err := uow.Workflows().Add(ctx, wf); err != nil {
			return err
		}
		ev := store.NewOutboxEvent(store.EventWorkflowCreated, "Workflow", wf.ID, map[string]any{
			"name":    name,
			"version": version,
		}, "")
		return uow.Outbox().Add(ctx, c.capped(ev))
	})
	if err != nil {
		return nil, err
	}
	return wf, nil
}

// CreateExecution creates a fresh PENDING execution for the workflow.
// The external session is initialized lazily on the first Run.
func (c *ExecutionController) CreateExecution(ctx context.Context, workflowID string) (*store.Execution, error) {
	if workflowID == "" {
		return nil, fmt.Errorf("%w: workflow id must not be empty", ErrValidation)
	}
	exec := &store.Execution{
		ID:         uuid.NewString(),
		WorkflowID: workflowID,
		Status:     store.StatusPending,
		State:      store.NewExecutionState(),
		Version:    1,
	}
	err := store.WithUnitOfWork(ctx, c.factory, func(uow store.UnitOfWork) error {
		if _, err := uow.Workflows().Get(ctx, workflowID); err != nil {
			return fmt.Errorf("workflow %s: %w", workflowID, err)
		}
		return uow.Executions().Add(ctx, exec)
	})
	if err != nil {
		return nil, err
	}
	return exec, nil
}

// Run advances the execution through the graph until it completes,
// fails, yields or hits the step bound. Accepts executions in PENDING,
// PAUSED or RUNNING; terminal executions are rejected.
func (c *ExecutionController) Run(ctx context.Context, executionID string, graph Graph) (*store.Execution, error) {
	if graph == nil {
		return nil, fmt.Errorf("%w: run", ErrGraphRequired)
	}
	exec, err := c.getExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if exec.Status.Terminal() {
		return nil, fmt.Errorf("%w: cannot run %s execution %s", ErrInvalidTransition, exec.Status, executionID)
	}

	// An execution may only be RUNNING with an initialized session.
	if exec.SessionID == 0 {
		sessionID, err := c.adapter.InitializeSession(ctx, executionID, exec.State)
		if err != nil {
			return nil, err
		}
		exec.SessionID = sessionID
		// InitializeSession bumped the row.
		if exec, err = c.getExecution(ctx, executionID); err != nil {
			return nil, err
		}
	}

	if exec.Status != store.StatusRunning {
		if exec, _, err = c.transition(ctx, executionID, store.StatusRunning, "", store.EventStateModified, map[string]any{"action": "run"}); err != nil {
			return nil, err
		}
	}

	node := exec.State.CurrentNodeID
	if node == "" {
		node = graph.Start(exec.State)
	}

	for step := 0; step < c.maxSteps; step++ {
		if err := ctx.Err(); err != nil {
			return exec, err
		}

		entryCP, err := c.adapter.SaveCheckpoint(ctx, exec.SessionID, exec.State, node, TriggerNodeEntry, "", nil)
		if err != nil {
			return c.failExecution(ctx, exec, node, err)
		}
		if _, err := c.adapter.MarkNodeStarted(ctx, executionID, exec.SessionID, node, entryCP); err != nil {
			return c.failExecution(ctx, exec, node, err)
		}

		result, runErr := graph.Run(ctx, node, exec.State)
		if runErr != nil {
			if _, err := c.adapter.MarkNodeFailed(ctx, exec.SessionID, node, runErr.Error()); err != nil {
				c.log.WithError(err).WithField("node_id", node).Warn("failed to record node failure")
			}
			return c.failExecution(ctx, exec, node, runErr)
		}

		state := result.State.Clone()
		state.ExecutionPath = append(state.ExecutionPath, node)
		state.CurrentNodeID = result.Next

		exitCP, err := c.adapter.SaveCheckpoint(ctx, exec.SessionID, state, node, TriggerNodeExit, "", nil)
		if err != nil {
			return c.failExecution(ctx, exec, node, err)
		}
		if _, err := c.adapter.MarkNodeCompleted(ctx, exec.SessionID, node, exitCP, 0, 2); err != nil {
			return c.failExecution(ctx, exec, node, err)
		}

		// Persist the advanced state together with the verification
		// intent for the exit checkpoint.
		exec, err = c.persistState(ctx, executionID, state, exitCP, node)
		if err != nil {
			return nil, err
		}

		c.emitter.Emit(emit.Event{
			ExecutionID: executionID,
			NodeID:      node,
			Msg:         "node_completed",
			Meta:        map[string]any{"next": result.Next, "exit_checkpoint_id": exitCP},
		})

		if result.Yield {
			paused, _, err := c.transition(ctx, executionID, store.StatusPaused, "", store.EventExecutionPaused, map[string]any{"node_id": result.Next, "reason": "yield"})
			return paused, err
		}
		if result.Next == "" {
			completed, _, err := c.transition(ctx, executionID, store.StatusCompleted, "", store.EventStateModified, map[string]any{"action": "complete"})
			return completed, err
		}
		node = result.Next
	}

	return c.failExecution(ctx, exec, node, fmt.Errorf("step limit %d reached", c.maxSteps))
}

// Pause parks a RUNNING execution. Resubmitting the same idempotency
// key returns the original event id without a second transition.
func (c *ExecutionController) Pause(ctx context.Context, executionID, idempotencyKey string) (string, error) {
	return c.clientTransition(ctx, executionID, idempotencyKey, store.StatusPaused, store.EventExecutionPaused)
}

// Resume marks a PAUSED execution RUNNING. The caller continues it with
// Run.
func (c *ExecutionController) Resume(ctx context.Context, executionID, idempotencyKey string) (string, error) {
	return c.clientTransition(ctx, executionID, idempotencyKey, store.StatusRunning, store.EventExecutionResumed)
}

// Stop cancels a non-terminal execution.
func (c *ExecutionController) Stop(ctx context.Context, executionID, idempotencyKey string) (string, error) {
	return c.clientTransition(ctx, executionID, idempotencyKey, store.StatusCancelled, store.EventExecutionStopped)
}

// Fork creates a fresh PENDING execution from a checkpoint of the
// source execution, with newState merged over the checkpoint's workflow
// variables (newState wins key-by-key). The source execution and its
// session are untouched; the fork gets a branched session of its own.
func (c *ExecutionController) Fork(ctx context.Context, executionID string, checkpointID int64, newState map[string]any) (*store.Execution, error) {
	source, err := c.getExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}

	cp, err := c.adapter.checkpoints.GetCheckpoint(ctx, checkpointID)
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

	newSessionID, err := c.adapter.checkpoints.Branch(ctx, checkpointID)
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
	err = store.WithUnitOfWork(ctx, c.factory, func(uow store.UnitOfWork) error {
		if err := uow.Executions().Add(ctx, fork); err != nil {
			return err
		}
		ev := store.NewOutboxEvent(store.EventExecutionForked, "Execution", fork.ID, map[string]any{
			"source_execution_id": executionID,
			"checkpoint_id":       checkpointID,
			"session_id":          newSessionID,
		}, "")
		return uow.Outbox().Add(ctx, c.capped(ev))
	})
	if err != nil {
		return nil, err
	}

	c.emitter.Emit(emit.Event{
		ExecutionID: fork.ID,
		Msg:         "execution_forked",
		Meta:        map[string]any{"source_execution_id": executionID, "checkpoint_id": checkpointID},
	})
	return fork, nil
}

// GetExecution returns the execution by id.
func (c *ExecutionController) GetExecution(ctx context.Context, executionID string) (*store.Execution, error) {
	return c.getExecution(ctx, executionID)
}

func (c *ExecutionController) getExecution(ctx context.Context, executionID string) (*store.Execution, error) {
	if executionID == "" {
		return nil, fmt.Errorf("%w: execution id must not be empty", ErrValidation)
	}
	var exec *store.Execution
	err := store.WithUnitOfWork(ctx, c.factory, func(uow store.UnitOfWork) error {
		var err error
		exec, err = uow.Executions().Get(ctx, executionID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("execution %s: %w", executionID, err)
	}
	return exec, nil
}

// clientTransition is the idempotent path for client-initiated
// transitions. Returns the audit event id.
func (c *ExecutionController) clientTransition(ctx context.Context, executionID, idempotencyKey string, to store.ExecutionStatus, eventType store.OutboxEventType) (string, error) {
	if idempotencyKey != "" {
		if id, ok, err := c.findByKey(ctx, idempotencyKey); err != nil {
			return "", err
		} else if ok {
			return id, nil
		}
	}

	_, eventID, err := c.transition(ctx, executionID, to, idempotencyKey, eventType, nil)
	if errors.Is(err, store.ErrConflict) && idempotencyKey != "" {
		// Lost a race against a duplicate submission. The winner's
		// event answers this call.
		if id, ok, kerr := c.findByKey(ctx, idempotencyKey); kerr == nil && ok {
			return id, nil
		}
		return "", err
	}
	if err != nil {
		return "", err
	}
	return eventID, nil
}

func (c *ExecutionController) findByKey(ctx context.Context, key string) (string, bool, error) {
	var eventID string
	found := false
	err := store.WithUnitOfWork(ctx, c.factory, func(uow store.UnitOfWork) error {
		ev, err := uow.Outbox().FindByIdempotencyKey(ctx, key)
		if isStoreNotFound(err) {
			return nil
		}
		if err != nil {
			return err
		}
		eventID = ev.EventID
		found = true
		return nil
	})
	return eventID, found, err
}

// transition persists a status change and its audit event atomically.
// Retries once on a version race. Returns the updated execution and the
// audit event id.
func (c *ExecutionController) transition(ctx context.Context, executionID string, to store.ExecutionStatus, idempotencyKey string, eventType store.OutboxEventType, payload map[string]any) (*store.Execution, string, error) {
	var exec *store.Execution
	var eventID string
	attempt := func() error {
		return store.WithUnitOfWork(ctx, c.factory, func(uow store.UnitOfWork) error {
			var err error
			exec, err = uow.Executions().Get(ctx, executionID)
			if err != nil {
				return fmt.Errorf("execution %s: %w", executionID, err)
			}
			if !canTransition(exec.Status, to) {
				return fmt.Errorf("%w: %s -> %s for execution %s", ErrInvalidTransition, exec.Status, to, executionID)
			}
			exec.Status = to
			if err := uow.Executions().Update(ctx, exec); err != nil {
				return err
			}
			p := map[string]any{"status": string(to)}
			for k, v := range payload {
				p[k] = v
			}
			ev := store.NewOutboxEvent(eventType, "Execution", executionID, p, idempotencyKey)
			if err := uow.Outbox().Add(ctx, c.capped(ev)); err != nil {
				return err
			}
			eventID = ev.EventID
			return nil
		})
	}

	err := attempt()
	if errors.Is(err, store.ErrStaleState) {
		err = attempt()
	}
	if err != nil {
		return nil, "", err
	}

	c.emitter.Emit(emit.Event{
		ExecutionID: executionID,
		Msg:         string(eventType),
		Meta:        map[string]any{"status": string(to)},
	})
	return exec, eventID, nil
}

// failExecution parks the execution FAILED with the causing error and
// returns that error.
func (c *ExecutionController) failExecution(ctx context.Context, exec *store.Execution, nodeID string, cause error) (*store.Execution, error) {
	failed, terr := c.transitionWithError(ctx, exec.ID, cause.Error())
	if terr != nil {
		c.log.WithError(terr).WithField("execution_id", exec.ID).Error("failed to persist FAILED status")
		return exec, cause
	}
	c.emitter.Emit(emit.Event{
		ExecutionID: exec.ID,
		NodeID:      nodeID,
		Msg:         "execution_failed",
		Meta:        map[string]any{"error": cause.Error()},
	})
	return failed, cause
}

func (c *ExecutionController) transitionWithError(ctx context.Context, executionID, errMsg string) (*store.Execution, error) {
	var exec *store.Execution
	err := store.WithUnitOfWork(ctx, c.factory, func(uow store.UnitOfWork) error {
		var err error
		exec, err = uow.Executions().Get(ctx, executionID)
		if err != nil {
			return err
		}
		exec.Status = store.StatusFailed
		exec.Error = errMsg
		if err := uow.Executions().Update(ctx, exec); err != nil {
			return err
		}
		ev := store.NewOutboxEvent(store.EventStateModified, "Execution", executionID, map[string]any{
			"status": string(store.StatusFailed),
			"error":  errMsg,
		}, "")
		return uow.Outbox().Add(ctx, c.capped(ev))
	})
	if err != nil {
		return nil, err
	}
	return exec, nil
}

// persistState writes the advanced state onto the execution row and
// enqueues a CHECKPOINT_VERIFY intent for the node's exit checkpoint in
// the same unit of work.
func (c *ExecutionController) persistState(ctx context.Context, executionID string, state store.ExecutionState, exitCheckpointID int64, nodeID string) (*store.Execution, error) {
	var exec *store.Execution
	err := store.WithUnitOfWork(ctx, c.factory, func(uow store.UnitOfWork) error {
		var err error
		exec, err = uow.Executions().Get(ctx, executionID)
		if err != nil {
			return err
		}
		exec.State = state
		if err := uow.Executions().Update(ctx, exec); err != nil {
			return err
		}
		ev := store.NewCheckpointVerifyEvent(executionID, exitCheckpointID, nodeID, exec.SessionID, false, true)
		return uow.Outbox().Add(ctx, c.capped(ev))
	})
	if err != nil {
		return nil, fmt.Errorf("failed to persist state for execution %s: %w", executionID, err)
	}
	return exec, nil
}

// canTransition enforces the execution state machine. Rollback's
// PAUSED -> PAUSED re-entry is legal; terminal states admit nothing.
func canTransition(from, to store.ExecutionStatus) bool {
	if from.Terminal() {
		return false
	}
	if to == store.StatusCancelled {
		return true
	}
	switch from {
	case store.StatusPending:
		return to == store.StatusRunning
	case store.StatusRunning:
		return to == store.StatusPaused || to == store.StatusCompleted || to == store.StatusFailed
	case store.StatusPaused:
		return to == store.StatusRunning || to == store.StatusPaused
	}
	return false
}
