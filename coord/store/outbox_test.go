package store_test

import (
	"testing"

	"github.com/dshills/flowtx-go/coord/store"
)

func TestOutboxEventRetryTransitions(t *testing.T) {
	e := store.NewOutboxEvent(store.EventCheckpointVerify, "Execution", "exec-1", nil, "")
	if e.Status != store.OutboxPending {
		t.Fatalf("new event status = %q, want pending", e.Status)
	}
	if e.EventID == "" {
		t.Fatal("new event has no event id")
	}
	if !e.CanRetry() {
		t.Error("fresh pending event should be retryable")
	}

	e.MarkProcessing()
	if e.Status != store.OutboxProcessing {
		t.Errorf("status = %q, want processing", e.Status)
	}
	if e.CanRetry() {
		t.Error("processing event should not be retryable")
	}

	for i := 0; i < store.DefaultMaxRetries; i++ {
		e.MarkFailed("handler error")
	}
	if e.RetryCount != store.DefaultMaxRetries {
		t.Errorf("retry count = %d, want %d", e.RetryCount, store.DefaultMaxRetries)
	}
	if e.CanRetry() {
		t.Error("event at retry cap should not be retryable")
	}
	if e.LastError != "handler error" {
		t.Errorf("last error = %q", e.LastError)
	}

	// Manual retry clears the counters.
	e.ResetForRetry()
	if e.Status != store.OutboxPending || e.RetryCount != 0 || e.LastError != "" {
		t.Errorf("after reset: status=%q retries=%d lastError=%q", e.Status, e.RetryCount, e.LastError)
	}
	if !e.CanRetry() {
		t.Error("reset event should be retryable")
	}
}

func TestOutboxEventProcessedStamp(t *testing.T) {
	e := store.NewOutboxEvent(store.EventFileTracked, "FileCommit", "c-1", map[string]any{"paths": 3}, "")
	e.MarkProcessed()
	if e.Status != store.OutboxProcessed {
		t.Errorf("status = %q, want processed", e.Status)
	}
	if e.ProcessedAt == nil {
		t.Error("MarkProcessed did not stamp ProcessedAt")
	}
}

func TestOutboxEventClone(t *testing.T) {
	e := store.NewOutboxEvent(store.EventRollbackVerify, "Execution", "exec-1", map[string]any{"checkpoint_id": int64(4)}, "k")
	c := e.Clone()
	c.Payload["checkpoint_id"] = int64(9)
	c.MarkFailed("x")
	if e.Payload["checkpoint_id"] != int64(4) {
		t.Error("clone shares payload map with original")
	}
	if e.Status != store.OutboxPending {
		t.Error("clone mutation leaked into original status")
	}
}

func TestLinkVerifyEventAggregateID(t *testing.T) {
	e := store.NewCheckpointFileLinkVerifyEvent("exec-1", 12, "commit-abc")
	if e.AggregateID != "12_commit-abc" {
		t.Errorf("aggregate id = %q, want %q", e.AggregateID, "12_commit-abc")
	}
	if e.Type != store.EventCheckpointFileLinkVerify {
		t.Errorf("type = %q", e.Type)
	}
}
