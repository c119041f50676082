package coord

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/dshills/flowtx-go/coord/store"
)

func (e *testEnv) savedCheckpoint(t *testing.T) (int64, int64) {
	t.Helper()
	ctx := context.Background()
	sessionID, err := e.checkpoints.CreateSession(ctx)
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	cpID, err := e.adapter.SaveCheckpoint(ctx, sessionID, store.NewExecutionState(), "fetch", TriggerNodeExit, "", nil)
	if err != nil {
		t.Fatalf("SaveCheckpoint failed: %v", err)
	}
	return sessionID, cpID
}

func TestProcessorHappyPath(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	sessionID, cpID := env.savedCheckpoint(t)

	ev := store.NewCheckpointVerifyEvent("exec-1", cpID, "fetch", sessionID, false, true)
	env.addEvent(t, ev)

	proc := env.processor(t, true)
	for i := 0; i < 3; i++ {
		if _, err := proc.ProcessOnce(ctx); err != nil {
			t.Fatalf("ProcessOnce failed: %v", err)
		}
	}

	got := env.getEvent(t, ev.EventID)
	if got.Status != store.OutboxProcessed {
		t.Fatalf("status = %s, want %s", got.Status, store.OutboxProcessed)
	}
	if got.ProcessedAt == nil {
		t.Error("processed_at not stamped")
	}
	if got.RetryCount != 0 {
		t.Errorf("retry_count = %d, want 0", got.RetryCount)
	}
	if pending := env.pendingEvents(t); len(pending) != 0 {
		t.Errorf("pending = %d, want 0", len(pending))
	}
}

func TestProcessorRetryUntilTargetAppears(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// Strict verification of a commit that does not exist yet.
	ev := store.NewFileCommitVerifyEvent("exec-1", 1, "commit-f1", "fetch")
	env.addEvent(t, ev)
	proc := env.processor(t, true)

	for attempt := 1; attempt <= 2; attempt++ {
		if _, err := proc.ProcessOnce(ctx); err != nil {
			t.Fatalf("ProcessOnce failed: %v", err)
		}
		got := env.getEvent(t, ev.EventID)
		if got.Status != store.OutboxFailed {
			t.Fatalf("attempt %d: status = %s, want %s", attempt, got.Status, store.OutboxFailed)
		}
		if got.RetryCount != attempt {
			t.Fatalf("attempt %d: retry_count = %d", attempt, got.RetryCount)
		}
		if got.LastError == "" {
			t.Fatal("last_error not recorded")
		}
		if _, err := proc.RetryFailedEvents(ctx); err != nil {
			t.Fatalf("RetryFailedEvents failed: %v", err)
		}
	}

	// The commit appears; the next drain succeeds without resetting the
	// attempt history.
	err := store.WithUnitOfWork(ctx, env.factory, func(uow store.UnitOfWork) error {
		return uow.FileCommits().Add(ctx, &store.FileCommit{ID: "commit-f1"})
	})
	if err != nil {
		t.Fatalf("failed to add commit: %v", err)
	}

	if _, err := proc.ProcessOnce(ctx); err != nil {
		t.Fatalf("ProcessOnce failed: %v", err)
	}
	got := env.getEvent(t, ev.EventID)
	if got.Status != store.OutboxProcessed {
		t.Fatalf("status = %s, want %s", got.Status, store.OutboxProcessed)
	}
	if got.RetryCount != 2 {
		t.Errorf("retry_count = %d, want 2", got.RetryCount)
	}
}

func TestProcessorUnknownTypeParksEvent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	ev := store.NewOutboxEvent(store.OutboxEventType("quantum_sync"), "Execution", "exec-1", nil, "")
	env.addEvent(t, ev)

	proc := env.processor(t, true)
	if _, err := proc.ProcessOnce(ctx); err != nil {
		t.Fatalf("ProcessOnce failed: %v", err)
	}

	got := env.getEvent(t, ev.EventID)
	if got.Status != store.OutboxFailed {
		t.Fatalf("status = %s, want %s", got.Status, store.OutboxFailed)
	}
	if !strings.Contains(got.LastError, "no handler") {
		t.Errorf("last_error = %q, want no-handler message", got.LastError)
	}
	// Parked at the cap: requeue passes leave it for manual repair.
	if got.RetryCount < got.MaxRetries {
		t.Errorf("retry_count = %d, want >= max_retries %d", got.RetryCount, got.MaxRetries)
	}
	if n, err := proc.RetryFailedEvents(ctx); err != nil || n != 0 {
		t.Errorf("RetryFailedEvents = %d, %v; want 0, nil", n, err)
	}
}

func TestProcessorLenientVerification(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	ev := store.NewCheckpointVerifyEvent("exec-1", 9999, "fetch", 1, false, true)
	env.addEvent(t, ev)

	proc := env.processor(t, false)
	if _, err := proc.ProcessOnce(ctx); err != nil {
		t.Fatalf("ProcessOnce failed: %v", err)
	}
	if got := env.getEvent(t, ev.EventID); got.Status != store.OutboxProcessed {
		t.Fatalf("lenient mode: status = %s, want %s", got.Status, store.OutboxProcessed)
	}
}

func TestProcessorRecoversStuckEvents(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	sessionID, cpID := env.savedCheckpoint(t)

	// The event waited in the queue well past the grace period before a
	// worker picked it up.
	ev := store.NewCheckpointVerifyEvent("exec-1", cpID, "fetch", sessionID, false, true)
	ev.CreatedAt = time.Now().UTC().Add(-10 * time.Minute)
	env.addEvent(t, ev)

	claim := func(claimedAt time.Time) {
		err := store.WithUnitOfWork(ctx, env.factory, func(uow store.UnitOfWork) error {
			cur, err := uow.Outbox().GetByEventID(ctx, ev.EventID)
			if err != nil {
				return err
			}
			cur.MarkProcessing()
			cur.ClaimedAt = &claimedAt
			return uow.Outbox().Update(ctx, cur)
		})
		if err != nil {
			t.Fatalf("failed to strand event: %v", err)
		}
	}

	// Claimed just now: old created_at alone must not demote it while
	// its handler may still be running.
	claim(time.Now().UTC())
	proc := env.processor(t, true)
	demoted, err := proc.recoverStuck(ctx)
	if err != nil {
		t.Fatalf("recoverStuck failed: %v", err)
	}
	if demoted != 0 {
		t.Fatalf("fresh claim demoted = %d, want 0", demoted)
	}

	// A worker died mid-claim.
	claim(time.Now().UTC().Add(-10 * time.Minute))
	demoted, err = proc.recoverStuck(ctx)
	if err != nil {
		t.Fatalf("recoverStuck failed: %v", err)
	}
	if demoted != 1 {
		t.Fatalf("demoted = %d, want 1", demoted)
	}
	if got := env.getEvent(t, ev.EventID); got.Status != store.OutboxPending {
		t.Fatalf("status = %s, want %s", got.Status, store.OutboxPending)
	}

	// The recovered event drains normally.
	if _, err := proc.ProcessOnce(ctx); err != nil {
		t.Fatalf("ProcessOnce failed: %v", err)
	}
	if got := env.getEvent(t, ev.EventID); got.Status != store.OutboxProcessed {
		t.Fatalf("status = %s, want %s", got.Status, store.OutboxProcessed)
	}
}

func TestProcessorCleanupOldEvents(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	old := store.NewOutboxEvent(store.EventStateModified, "Execution", "exec-1", nil, "")
	env.addEvent(t, old)
	fresh := store.NewOutboxEvent(store.EventStateModified, "Execution", "exec-2", nil, "")
	env.addEvent(t, fresh)

	stamp := func(eventID string, processedAt time.Time) {
		err := store.WithUnitOfWork(ctx, env.factory, func(uow store.UnitOfWork) error {
			cur, err := uow.Outbox().GetByEventID(ctx, eventID)
			if err != nil {
				return err
			}
			cur.MarkProcessed()
			cur.ProcessedAt = &processedAt
			return uow.Outbox().Update(ctx, cur)
		})
		if err != nil {
			t.Fatalf("failed to stamp event: %v", err)
		}
	}
	stamp(old.EventID, time.Now().UTC().Add(-48*time.Hour))
	stamp(fresh.EventID, time.Now().UTC())

	proc := env.processor(t, true)
	deleted, err := proc.CleanupOldEvents(ctx, 1, 100)
	if err != nil {
		t.Fatalf("CleanupOldEvents failed: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("deleted = %d, want 1", deleted)
	}

	err = store.WithUnitOfWork(ctx, env.factory, func(uow store.UnitOfWork) error {
		_, err := uow.Outbox().GetByEventID(ctx, old.EventID)
		return err
	})
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("old event lookup: err = %v, want ErrNotFound", err)
	}
	if got := env.getEvent(t, fresh.EventID); got.Status != store.OutboxProcessed {
		t.Errorf("fresh event was touched: %s", got.Status)
	}

	if _, err := proc.CleanupOldEvents(ctx, 0, 100); !errors.Is(err, ErrValidation) {
		t.Errorf("daysOld=0: err = %v, want ErrValidation", err)
	}
}

func TestProcessorMaintenanceAppliesRetention(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	old := store.NewOutboxEvent(store.EventStateModified, "Execution", "exec-1", nil, "")
	env.addEvent(t, old)
	err := store.WithUnitOfWork(ctx, env.factory, func(uow store.UnitOfWork) error {
		cur, err := uow.Outbox().GetByEventID(ctx, old.EventID)
		if err != nil {
			return err
		}
		cur.MarkProcessed()
		stale := time.Now().UTC().Add(-48 * time.Hour)
		cur.ProcessedAt = &stale
		return uow.Outbox().Update(ctx, cur)
	})
	if err != nil {
		t.Fatalf("failed to stamp event: %v", err)
	}

	cfg, err := NewConfig(
		WithPollInterval(10*time.Millisecond),
		WithRetentionDays(1),
	)
	if err != nil {
		t.Fatalf("NewConfig failed: %v", err)
	}
	proc := NewProcessor(env.factory, env.checkpoints, env.tracker, cfg, nil, nil, env.log)
	proc.maintain(ctx)

	err = store.WithUnitOfWork(ctx, env.factory, func(uow store.UnitOfWork) error {
		_, err := uow.Outbox().GetByEventID(ctx, old.EventID)
		return err
	})
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("event past retention survived maintenance: err = %v, want ErrNotFound", err)
	}
}

func TestProcessorStartStop(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	sessionID, cpID := env.savedCheckpoint(t)

	ev := store.NewCheckpointVerifyEvent("exec-1", cpID, "fetch", sessionID, false, true)
	env.addEvent(t, ev)

	proc := env.processor(t, true)
	if err := proc.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := proc.Start(ctx); err == nil {
		t.Error("second Start should fail")
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if env.getEvent(t, ev.EventID).Status == store.OutboxProcessed {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	proc.Stop(time.Second)

	if got := env.getEvent(t, ev.EventID); got.Status != store.OutboxProcessed {
		t.Fatalf("status = %s, want %s", got.Status, store.OutboxProcessed)
	}

	// Stop on a stopped processor is a no-op.
	proc.Stop(time.Second)
}
