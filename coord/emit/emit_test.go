package emit_test

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"

	"github.com/dshills/flowtx-go/coord/emit"
)

func TestLogEmitterFields(t *testing.T) {
	var buf bytes.Buffer
	logger := logrus.New()
	logger.SetOutput(&buf)
	logger.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})

	e := emit.NewLogEmitter(logger)
	e.Emit(emit.Event{
		ExecutionID: "exec-1",
		NodeID:      "fetch",
		Msg:         "checkpoint_saved",
		Meta:        map[string]any{"checkpoint_id": int64(42)},
	})

	out := buf.String()
	for _, want := range []string{"checkpoint_saved", "execution_id=exec-1", "node_id=fetch", "checkpoint_id=42"} {
		if !strings.Contains(out, want) {
			t.Errorf("log output missing %q: %s", want, out)
		}
	}
	if !strings.Contains(out, "level=info") {
		t.Errorf("expected info level: %s", out)
	}
}

func TestLogEmitterErrorLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := logrus.New()
	logger.SetOutput(&buf)
	logger.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})

	e := emit.NewLogEmitter(logger)
	e.Emit(emit.Event{
		ExecutionID: "exec-1",
		Msg:         "outbox_event_failed",
		Meta:        map[string]any{"error": "checkpoint missing"},
	})

	if !strings.Contains(buf.String(), "level=error") {
		t.Errorf("expected error level: %s", buf.String())
	}
}

func TestNullEmitterDiscards(t *testing.T) {
	e := emit.NewNullEmitter()
	// Must not panic, even with nil meta.
	e.Emit(emit.Event{Msg: "anything"})
}

func TestOTelEmitterNoopProvider(t *testing.T) {
	// With the default noop provider Emit and Flush must be safe.
	e := emit.NewOTelEmitter(otel.Tracer("flowtx-test"))
	e.Emit(emit.Event{
		ExecutionID: "exec-1",
		Msg:         "rollback_performed",
		Meta:        map[string]any{"checkpoint_id": int64(3), "error": "boom"},
	})
	if err := e.Flush(context.Background()); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
}
