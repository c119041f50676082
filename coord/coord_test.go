package coord

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dshills/flowtx-go/coord/checkpoint"
	"github.com/dshills/flowtx-go/coord/store"
	"github.com/dshills/flowtx-go/coord/track"
)

// testEnv wires the full in-memory stack for one test.
type testEnv struct {
	factory     *store.MemFactory
	checkpoints *checkpoint.MemStore
	tracker     *track.Service
	adapter     *StateAdapter
	controller  *ExecutionController
	root        string
	log         *logrus.Logger
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	factory := store.NewMemFactory()
	checkpoints := checkpoint.NewMemStore()
	root := t.TempDir()
	tracker := track.NewService(factory, root, logger)
	adapter := NewStateAdapter(factory, checkpoints, tracker, nil, logger)

	return &testEnv{
		factory:     factory,
		checkpoints: checkpoints,
		tracker:     tracker,
		adapter:     adapter,
		controller:  NewExecutionController(factory, adapter, nil, logger),
		root:        root,
		log:         logger,
	}
}

func (e *testEnv) processor(t *testing.T, strict bool) *Processor {
	t.Helper()
	cfg, err := NewConfig(
		WithPollInterval(10*time.Millisecond),
		WithStrictVerification(strict),
	)
	if err != nil {
		t.Fatalf("NewConfig failed: %v", err)
	}
	return NewProcessor(e.factory, e.checkpoints, e.tracker, cfg, nil, nil, e.log)
}

func (e *testEnv) coordinator() *Coordinator {
	return NewCoordinator(e.factory, e.adapter, nil, nil, e.log)
}

// newExecution creates a workflow and a PENDING execution for it.
func (e *testEnv) newExecution(t *testing.T) *store.Execution {
	t.Helper()
	ctx := context.Background()
	wf, err := e.controller.CreateWorkflow(ctx, "pipeline", "v1")
	if err != nil {
		t.Fatalf("CreateWorkflow failed: %v", err)
	}
	exec, err := e.controller.CreateExecution(ctx, wf.ID)
	if err != nil {
		t.Fatalf("CreateExecution failed: %v", err)
	}
	return exec
}

func (e *testEnv) getExecution(t *testing.T, id string) *store.Execution {
	t.Helper()
	exec, err := e.controller.GetExecution(context.Background(), id)
	if err != nil {
		t.Fatalf("GetExecution(%s) failed: %v", id, err)
	}
	return exec
}

// addEvent commits an outbox event directly.
func (e *testEnv) addEvent(t *testing.T, ev *store.OutboxEvent) {
	t.Helper()
	err := store.WithUnitOfWork(context.Background(), e.factory, func(uow store.UnitOfWork) error {
		return uow.Outbox().Add(context.Background(), ev)
	})
	if err != nil {
		t.Fatalf("failed to add event: %v", err)
	}
}

func (e *testEnv) getEvent(t *testing.T, eventID string) *store.OutboxEvent {
	t.Helper()
	var out *store.OutboxEvent
	err := store.WithUnitOfWork(context.Background(), e.factory, func(uow store.UnitOfWork) error {
		var err error
		out, err = uow.Outbox().GetByEventID(context.Background(), eventID)
		return err
	})
	if err != nil {
		t.Fatalf("failed to get event %s: %v", eventID, err)
	}
	return out
}

func (e *testEnv) listEvents(t *testing.T) []*store.OutboxEvent {
	t.Helper()
	var out []*store.OutboxEvent
	err := store.WithUnitOfWork(context.Background(), e.factory, func(uow store.UnitOfWork) error {
		var err error
		out, err = uow.Outbox().ListAll(context.Background(), 0)
		return err
	})
	if err != nil {
		t.Fatalf("failed to list events: %v", err)
	}
	return out
}

func (e *testEnv) pendingEvents(t *testing.T) []*store.OutboxEvent {
	t.Helper()
	var out []*store.OutboxEvent
	err := store.WithUnitOfWork(context.Background(), e.factory, func(uow store.UnitOfWork) error {
		var err error
		out, err = uow.Outbox().GetPending(context.Background(), 100)
		return err
	})
	if err != nil {
		t.Fatalf("failed to get pending events: %v", err)
	}
	return out
}

func (e *testEnv) writeFile(t *testing.T, rel, content string) {
	t.Helper()
	path := filepath.Join(e.root, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir failed: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s failed: %v", rel, err)
	}
}

func (e *testEnv) readFile(t *testing.T, rel string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(e.root, rel))
	if err != nil {
		t.Fatalf("read %s failed: %v", rel, err)
	}
	return string(data)
}

// scriptedGraph runs canned step functions keyed by node id.
type scriptedGraph struct {
	start string
	steps map[string]func(state store.ExecutionState) (StepResult, error)
}

func (g *scriptedGraph) Start(store.ExecutionState) string { return g.start }

func (g *scriptedGraph) Run(_ context.Context, nodeID string, state store.ExecutionState) (StepResult, error) {
	fn, ok := g.steps[nodeID]
	if !ok {
		return StepResult{}, fmt.Errorf("no step for node %s", nodeID)
	}
	return fn(state)
}

// linearGraph builds a graph running the nodes in order, each step
// recording its name in workflow variables.
func linearGraph(nodes ...string) *scriptedGraph {
	g := &scriptedGraph{start: nodes[0], steps: map[string]func(store.ExecutionState) (StepResult, error){}}
	for i, node := range nodes {
		next := ""
		if i+1 < len(nodes) {
			next = nodes[i+1]
		}
		node := node
		g.steps[node] = func(state store.ExecutionState) (StepResult, error) {
			out := state.Clone()
			out.WorkflowVariables["last_node"] = node
			out.NodeResults[node] = "ok"
			return StepResult{State: out, Next: next}, nil
		}
	}
	return g
}
