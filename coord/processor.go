package coord

import (
	"context"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/zeebo/blake3"

	"github.com/dshills/flowtx-go/coord/checkpoint"
	"github.com/dshills/flowtx-go/coord/emit"
	"github.com/dshills/flowtx-go/coord/store"
	"github.com/dshills/flowtx-go/coord/track"
)

// processingGrace is how long an event may sit in PROCESSING before it
// is considered abandoned by a dead worker and demoted to PENDING.
const processingGrace = 5 * time.Minute

// retryBatchLimit bounds how many failed or stuck events one recovery
// pass touches.
const retryBatchLimit = 500

// gcInterval is how often the worker garbage-collects processed events
// past the configured retention.
const gcInterval = time.Hour

type handlerFunc func(ctx context.Context, ev *store.OutboxEvent) error

// Processor drains the outbox: it claims PENDING events, invokes the
// typed handler outside the claim transaction, and records the outcome.
// It is the asynchronous half of every cross-store operation.
//
// One background worker is spawned by Start. Additional processors may
// run against the same store; the conditional PENDING to PROCESSING
// claim guarantees each event is handled by exactly one of them.
//
// The handler table is closed. Events of unknown type are failed with
// ErrNoHandler and parked for manual repair.
type Processor struct {
	factory     store.Factory
	checkpoints checkpoint.Store
	tracker     *track.Service
	cfg         Config
	metrics     *PrometheusMetrics
	emitter     emit.Emitter
	log         *logrus.Entry

	handlers map[store.OutboxEventType]handlerFunc

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
	lastGC  time.Time
}

// NewProcessor creates a processor. Metrics, emitter and logger may be
// nil.
func NewProcessor(factory store.Factory, checkpoints checkpoint.Store, tracker *track.Service, cfg Config, metrics *PrometheusMetrics, emitter emit.Emitter, log *logrus.Logger) *Processor {
	if emitter == nil {
		emitter = emit.NewNullEmitter()
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	p := &Processor{
		factory:     factory,
		checkpoints: checkpoints,
		tracker:     tracker,
		cfg:         cfg,
		metrics:     metrics,
		emitter:     emitter,
		log:         log.WithField("component", "outbox_processor"),
	}
	p.handlers = p.buildHandlerTable()
	return p
}

// buildHandlerTable wires every event type to its handler. Audit types
// share the logging handler; everything else verifies or effects a
// cross-store operation.
func (p *Processor) buildHandlerTable() map[store.OutboxEventType]handlerFunc {
	return map[store.OutboxEventType]handlerFunc{
		store.EventCheckpointCreate: p.handleCheckpointVerify,
		store.EventCheckpointVerify: p.handleCheckpointVerify,
		store.EventCheckpointSaved:  p.handleCheckpointVerify,
		store.EventNodeBoundarySync: p.handleNodeBoundarySync,

		store.EventFileCommitLink:     p.handleFileCommitVerify,
		store.EventFileCommitVerify:   p.handleFileCommitVerify,
		store.EventFileBlobVerify:     p.handleFileBlobVerify,
		store.EventFileBatchVerify:    p.handleFileBatchVerify,
		store.EventFileIntegrityCheck: p.handleFileIntegrityCheck,
		store.EventFileRestoreVerify:  p.handleFileRestoreVerify,

		store.EventCheckpointFileLinkVerify: p.handleCheckpointFileLinkVerify,

		store.EventRollbackFileRestore: p.handleRollbackFileRestore,
		store.EventRollbackVerify:      p.handleRollbackVerify,

		store.EventRollbackPerformed:   p.handleAudit,
		store.EventExecutionPaused:     p.handleAudit,
		store.EventExecutionResumed:    p.handleAudit,
		store.EventExecutionStopped:    p.handleAudit,
		store.EventStateModified:       p.handleAudit,
		store.EventWorkflowCreated:     p.handleAudit,
		store.EventBatchTestCreated:    p.handleAudit,
		store.EventBatchTestCancelled:  p.handleAudit,
		store.EventExecutionForked:     p.handleAudit,
		store.EventFileTracked:         p.handleAudit,
		store.EventRayEvent:            p.handleAudit,
	}
}

// Start runs a recovery pass for events abandoned in PROCESSING, then
// spawns the background worker. Starting a running processor is an
// error.
func (p *Processor) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return fmt.Errorf("processor already running")
	}

	if demoted, err := p.recoverStuck(ctx); err != nil {
		p.log.WithError(err).Warn("stuck-event recovery failed")
	} else if demoted > 0 {
		p.log.WithField("demoted", demoted).Info("recovered events stuck in processing")
	}
	p.maintain(ctx)

	p.stopCh = make(chan struct{})
	p.doneCh = make(chan struct{})
	p.running = true
	go p.loop(ctx, p.stopCh, p.doneCh)
	p.log.WithFields(logrus.Fields{
		"poll_interval": p.cfg.PollInterval,
		"batch_size":    p.cfg.BatchSize,
		"strict":        p.cfg.StrictVerification,
	}).Info("outbox processor started")
	return nil
}

// Stop signals the worker and waits up to timeout for it to exit. A
// worker that misses the deadline is logged and abandoned; any event it
// left in PROCESSING is demoted by the next Start.
func (p *Processor) Stop(timeout time.Duration) {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stopCh)
	done := p.doneCh
	p.mu.Unlock()

	select {
	case <-done:
		p.log.Info("outbox processor stopped")
	case <-time.After(timeout):
		p.log.Warn("outbox processor did not stop within timeout")
	}
}

func (p *Processor) loop(ctx context.Context, stopCh <-chan struct{}, doneCh chan<- struct{}) {
	defer close(doneCh)
	for {
		select {
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		n, err := p.ProcessOnce(ctx)
		switch {
		case err != nil:
			p.log.WithError(err).Error("outbox drain failed")
			if !p.sleep(stopCh, ctx, 2*p.cfg.PollInterval) {
				return
			}
		case n == 0:
			// Idle cycle. Requeue retryable failures so transient
			// errors heal without operator action.
			if _, rerr := p.RetryFailedEvents(ctx); rerr != nil {
				p.log.WithError(rerr).Warn("failed-event requeue failed")
			}
			if time.Since(p.lastGC) >= gcInterval {
				p.maintain(ctx)
			}
			if !p.sleep(stopCh, ctx, p.cfg.PollInterval) {
				return
			}
		}
	}
}

func (p *Processor) sleep(stopCh <-chan struct{}, ctx context.Context, d time.Duration) bool {
	select {
	case <-stopCh:
		return false
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// ProcessOnce drains one batch of PENDING events and returns how many
// were handled. Lost claims are skipped, not counted and not failures.
func (p *Processor) ProcessOnce(ctx context.Context) (int, error) {
	start := time.Now()

	var pending []*store.OutboxEvent
	err := store.WithUnitOfWork(ctx, p.factory, func(uow store.UnitOfWork) error {
		var err error
		pending, err = uow.Outbox().GetPending(ctx, p.cfg.BatchSize)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to fetch pending events: %w", err)
	}
	p.metrics.UpdatePendingDepth(len(pending))

	handled := 0
	for _, ev := range pending {
		if err := ctx.Err(); err != nil {
			return handled, err
		}
		claimed, err := p.claim(ctx, ev)
		if err != nil {
			p.log.WithError(err).WithField("event_id", ev.EventID).Error("claim failed")
			continue
		}
		if !claimed {
			continue
		}
		p.handleClaimed(ctx, ev)
		handled++
	}

	p.metrics.RecordBatchDuration(time.Since(start))
	return handled, nil
}

// claim transitions the event PENDING to PROCESSING in its own unit of
// work. Reports false when another worker won.
func (p *Processor) claim(ctx context.Context, ev *store.OutboxEvent) (bool, error) {
	var won bool
	err := store.WithUnitOfWork(ctx, p.factory, func(uow store.UnitOfWork) error {
		var err error
		won, err = uow.Outbox().Claim(ctx, ev.PK)
		return err
	})
	return won, err
}

// handleClaimed invokes the handler outside any transaction, then
// records the outcome in a third unit of work.
func (p *Processor) handleClaimed(ctx context.Context, ev *store.OutboxEvent) {
	handler, ok := p.handlers[ev.Type]

	var handlerErr error
	if !ok {
		handlerErr = fmt.Errorf("%w: %s", ErrNoHandler, ev.Type)
	} else {
		handlerErr = handler(ctx, ev)
	}

	err := store.WithUnitOfWork(ctx, p.factory, func(uow store.UnitOfWork) error {
		cur, err := uow.Outbox().GetByEventID(ctx, ev.EventID)
		if err != nil {
			return err
		}
		if handlerErr == nil {
			cur.MarkProcessed()
		} else {
			cur.MarkFailed(handlerErr.Error())
			if !ok {
				// No handler will ever exist for this type; park the
				// event for manual repair instead of burning retries.
				cur.RetryCount = cur.MaxRetries
			}
		}
		return uow.Outbox().Update(ctx, cur)
	})
	if err != nil {
		p.log.WithError(err).WithField("event_id", ev.EventID).Error("failed to record event outcome")
		return
	}

	if handlerErr == nil {
		p.metrics.RecordEventOutcome(string(ev.Type), "processed")
		p.log.WithFields(logrus.Fields{
			"event_id":   ev.EventID,
			"event_type": ev.Type,
		}).Debug("event processed")
	} else {
		p.metrics.RecordEventOutcome(string(ev.Type), "failed")
		p.emitter.Emit(emit.Event{
			ExecutionID: ev.AggregateID,
			Msg:         "outbox_event_failed",
			Meta: map[string]any{
				"event_id":   ev.EventID,
				"event_type": string(ev.Type),
				"error":      handlerErr.Error(),
			},
		})
	}
}

// RetryFailedEvents requeues FAILED events below the retry cap back to
// PENDING and returns how many were requeued. The retry count is kept;
// it records delivery attempts, not eligibility.
func (p *Processor) RetryFailedEvents(ctx context.Context) (int, error) {
	requeued := 0
	err := store.WithUnitOfWork(ctx, p.factory, func(uow store.UnitOfWork) error {
		failed, err := uow.Outbox().GetFailedForRetry(ctx, retryBatchLimit)
		if err != nil {
			return err
		}
		for _, ev := range failed {
			ev.Status = store.OutboxPending
			if err := uow.Outbox().Update(ctx, ev); err != nil {
				return err
			}
			requeued++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to requeue events: %w", err)
	}
	return requeued, nil
}

// CleanupOldEvents deletes up to limit PROCESSED events older than
// daysOld days and returns the count deleted.
func (p *Processor) CleanupOldEvents(ctx context.Context, daysOld, limit int) (int, error) {
	if daysOld <= 0 || limit <= 0 {
		return 0, fmt.Errorf("%w: daysOld and limit must be positive", ErrValidation)
	}
	before := time.Now().UTC().AddDate(0, 0, -daysOld)
	var deleted int
	err := store.WithUnitOfWork(ctx, p.factory, func(uow store.UnitOfWork) error {
		var err error
		deleted, err = uow.Outbox().DeleteProcessed(ctx, before, limit)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to delete processed events: %w", err)
	}
	if deleted > 0 {
		p.log.WithField("deleted", deleted).Info("cleaned up processed events")
	}
	return deleted, nil
}

// maintain garbage-collects processed events past the configured
// retention. Failures are logged, never fatal to the worker.
func (p *Processor) maintain(ctx context.Context) {
	p.lastGC = time.Now()
	if p.cfg.RetentionDays <= 0 {
		return
	}
	if _, err := p.CleanupOldEvents(ctx, p.cfg.RetentionDays, retryBatchLimit); err != nil {
		p.log.WithError(err).Warn("processed-event cleanup failed")
	}
}

// recoverStuck demotes events abandoned in PROCESSING back to PENDING.
func (p *Processor) recoverStuck(ctx context.Context) (int, error) {
	cutoff := time.Now().UTC().Add(-processingGrace)
	demoted := 0
	err := store.WithUnitOfWork(ctx, p.factory, func(uow store.UnitOfWork) error {
		stuck, err := uow.Outbox().GetStuckProcessing(ctx, cutoff, retryBatchLimit)
		if err != nil {
			return err
		}
		for _, ev := range stuck {
			ev.Status = store.OutboxPending
			ev.ClaimedAt = nil
			if err := uow.Outbox().Update(ctx, ev); err != nil {
				return err
			}
			demoted++
		}
		return nil
	})
	return demoted, err
}

// Handlers. Verification handlers honor strict mode: in lenient mode a
// missing target is logged and the event succeeds; in strict mode the
// event fails and retries.

func (p *Processor) handleCheckpointVerify(ctx context.Context, ev *store.OutboxEvent) error {
	cpID, ok := payloadInt64(ev.Payload, "checkpoint_id")
	if !ok {
		return fmt.Errorf("%w: event %s has no checkpoint_id", ErrValidation, ev.EventID)
	}
	if _, err := p.checkpoints.GetCheckpoint(ctx, cpID); err != nil {
		if isCheckpointNotFound(err) {
			return p.verifyFailure(ev, "checkpoint %d missing from external store", cpID)
		}
		return fmt.Errorf("%w: get checkpoint %d: %v", ErrTransient, cpID, err)
	}
	return nil
}

func (p *Processor) handleNodeBoundarySync(ctx context.Context, ev *store.OutboxEvent) error {
	cpID, ok := payloadInt64(ev.Payload, "checkpoint_id")
	if !ok {
		// Nothing to sync onto; audit only.
		return nil
	}
	meta := map[string]any{}
	if nodeID, ok := payloadString(ev.Payload, "node_id"); ok {
		meta["node_id"] = nodeID
	}
	if status, ok := payloadString(ev.Payload, "boundary_status"); ok {
		meta["boundary_status"] = status
	}
	if len(meta) == 0 {
		return nil
	}
	if err := p.checkpoints.UpdateMetadata(ctx, cpID, meta); err != nil {
		if isCheckpointNotFound(err) {
			return p.verifyFailure(ev, "checkpoint %d missing for boundary sync", cpID)
		}
		return fmt.Errorf("%w: update checkpoint %d metadata: %v", ErrTransient, cpID, err)
	}
	return nil
}

func (p *Processor) handleFileCommitVerify(ctx context.Context, ev *store.OutboxEvent) error {
	commitID, ok := payloadString(ev.Payload, "file_commit_id")
	if !ok {
		commitID, ok = payloadString(ev.Payload, "commit_id")
	}
	if !ok {
		return fmt.Errorf("%w: event %s has no file_commit_id", ErrValidation, ev.EventID)
	}

	var commit *store.FileCommit
	err := store.WithUnitOfWork(ctx, p.factory, func(uow store.UnitOfWork) error {
		var err error
		commit, err = uow.FileCommits().Get(ctx, commitID)
		return err
	})
	if isStoreNotFound(err) {
		return p.verifyFailure(ev, "file commit %s missing", commitID)
	}
	if err != nil {
		return err
	}

	if want, ok := payloadInt64(ev.Payload, "expected_file_count"); ok && int64(len(commit.Entries)) != want {
		return p.verifyFailure(ev, "file commit %s has %d files, expected %d", commitID, len(commit.Entries), want)
	}
	return nil
}

func (p *Processor) handleFileBlobVerify(ctx context.Context, ev *store.OutboxEvent) error {
	hash, ok := payloadString(ev.Payload, "hash")
	if !ok {
		return fmt.Errorf("%w: event %s has no hash", ErrValidation, ev.EventID)
	}
	var exists bool
	err := store.WithUnitOfWork(ctx, p.factory, func(uow store.UnitOfWork) error {
		var err error
		exists, err = uow.Blobs().Exists(ctx, hash)
		return err
	})
	if err != nil {
		return err
	}
	if !exists {
		return p.verifyFailure(ev, "blob %s missing", hash)
	}
	return nil
}

func (p *Processor) handleFileBatchVerify(ctx context.Context, ev *store.OutboxEvent) error {
	commitIDs := payloadStringSlice(ev.Payload, "commit_ids")
	verifyBlobs := payloadBool(ev.Payload, "verify_blobs")

	totalFiles := int64(0)
	err := store.WithUnitOfWork(ctx, p.factory, func(uow store.UnitOfWork) error {
		for _, id := range commitIDs {
			commit, err := uow.FileCommits().Get(ctx, id)
			if err != nil {
				return fmt.Errorf("file commit %s: %w", id, err)
			}
			totalFiles += int64(len(commit.Entries))
			if !verifyBlobs {
				continue
			}
			for _, entry := range commit.Entries {
				exists, err := uow.Blobs().Exists(ctx, entry.Hash)
				if err != nil {
					return err
				}
				if !exists {
					return fmt.Errorf("blob %s missing for %s: %w", entry.Hash, entry.Path, store.ErrNotFound)
				}
			}
		}
		return nil
	})
	if isStoreNotFound(err) {
		return p.verifyFailure(ev, "batch verification failed: %v", err)
	}
	if err != nil {
		return err
	}

	if want, ok := payloadInt64(ev.Payload, "expected_total_files"); ok && totalFiles != want {
		return p.verifyFailure(ev, "batch has %d files, expected %d", totalFiles, want)
	}
	return nil
}

func (p *Processor) handleFileIntegrityCheck(ctx context.Context, ev *store.OutboxEvent) error {
	commitID := ev.AggregateID
	verifyContent := payloadBool(ev.Payload, "verify_content")

	return store.WithUnitOfWork(ctx, p.factory, func(uow store.UnitOfWork) error {
		commit, err := uow.FileCommits().Get(ctx, commitID)
		if isStoreNotFound(err) {
			return p.verifyFailure(ev, "file commit %s missing", commitID)
		}
		if err != nil {
			return err
		}
		for _, entry := range commit.Entries {
			if !verifyContent {
				exists, err := uow.Blobs().Exists(ctx, entry.Hash)
				if err != nil {
					return err
				}
				if !exists {
					return fmt.Errorf("%w: blob %s missing for %s", ErrCorruptState, entry.Hash, entry.Path)
				}
				continue
			}
			data, err := uow.Blobs().Get(ctx, entry.Hash)
			if isStoreNotFound(err) {
				return fmt.Errorf("%w: blob %s missing for %s", ErrCorruptState, entry.Hash, entry.Path)
			}
			if err != nil {
				return err
			}
			sum := blake3.Sum256(data)
			if hex.EncodeToString(sum[:]) != entry.Hash {
				return fmt.Errorf("%w: blob for %s does not hash to %s", ErrCorruptState, entry.Path, entry.Hash)
			}
		}
		return nil
	})
}

func (p *Processor) handleFileRestoreVerify(ctx context.Context, ev *store.OutboxEvent) error {
	commitID, ok := payloadString(ev.Payload, "commit_id")
	if !ok {
		return fmt.Errorf("%w: event %s has no commit_id", ErrValidation, ev.EventID)
	}
	restored := payloadStringSlice(ev.Payload, "restored_paths")

	var commit *store.FileCommit
	err := store.WithUnitOfWork(ctx, p.factory, func(uow store.UnitOfWork) error {
		var err error
		commit, err = uow.FileCommits().Get(ctx, commitID)
		return err
	})
	if isStoreNotFound(err) {
		return p.verifyFailure(ev, "file commit %s missing", commitID)
	}
	if err != nil {
		return err
	}
	if len(restored) != len(commit.Entries) {
		return p.verifyFailure(ev, "restored %d files, commit %s has %d", len(restored), commitID, len(commit.Entries))
	}
	return nil
}

// handleCheckpointFileLinkVerify verifies across all three stores: the
// checkpoint exists, the link exists with the expected commit id, and
// the commit exists with its full blob set.
func (p *Processor) handleCheckpointFileLinkVerify(ctx context.Context, ev *store.OutboxEvent) error {
	cpID, ok := payloadInt64(ev.Payload, "checkpoint_id")
	if !ok {
		return fmt.Errorf("%w: event %s has no checkpoint_id", ErrValidation, ev.EventID)
	}
	wantCommitID, _ := payloadString(ev.Payload, "file_commit_id")

	if _, err := p.checkpoints.GetCheckpoint(ctx, cpID); err != nil {
		if isCheckpointNotFound(err) {
			return p.verifyFailure(ev, "checkpoint %d missing from external store", cpID)
		}
		return fmt.Errorf("%w: get checkpoint %d: %v", ErrTransient, cpID, err)
	}

	return store.WithUnitOfWork(ctx, p.factory, func(uow store.UnitOfWork) error {
		link, err := uow.CheckpointFiles().FindByCheckpoint(ctx, cpID)
		if isStoreNotFound(err) {
			return p.verifyFailure(ev, "checkpoint %d has no file link", cpID)
		}
		if err != nil {
			return err
		}
		if wantCommitID != "" && link.FileCommitID != wantCommitID {
			return p.verifyFailure(ev, "checkpoint %d links commit %s, expected %s", cpID, link.FileCommitID, wantCommitID)
		}
		commit, err := uow.FileCommits().Get(ctx, link.FileCommitID)
		if isStoreNotFound(err) {
			return p.verifyFailure(ev, "linked commit %s missing", link.FileCommitID)
		}
		if err != nil {
			return err
		}
		for _, entry := range commit.Entries {
			exists, err := uow.Blobs().Exists(ctx, entry.Hash)
			if err != nil {
				return err
			}
			if !exists {
				return fmt.Errorf("%w: blob %s missing for %s", ErrCorruptState, entry.Hash, entry.Path)
			}
		}
		return nil
	})
}

// handleRollbackFileRestore is the effectful half of a rollback: it
// writes the commit's files back to the workspace. Failures retry.
func (p *Processor) handleRollbackFileRestore(ctx context.Context, ev *store.OutboxEvent) error {
	commitID, ok := payloadString(ev.Payload, "source_commit_id")
	if !ok || commitID == "" {
		return fmt.Errorf("%w: event %s has no source_commit_id", ErrValidation, ev.EventID)
	}
	restored, err := p.tracker.RestoreCommit(ctx, commitID)
	if err != nil {
		return fmt.Errorf("%w: restore commit %s: %v", ErrTransient, commitID, err)
	}
	p.log.WithFields(logrus.Fields{
		"event_id":  ev.EventID,
		"commit_id": commitID,
		"restored":  len(restored),
	}).Info("rollback file restore complete")
	return nil
}

func (p *Processor) handleRollbackVerify(ctx context.Context, ev *store.OutboxEvent) error {
	cpID, ok := payloadInt64(ev.Payload, "checkpoint_id")
	if !ok {
		return fmt.Errorf("%w: event %s has no checkpoint_id", ErrValidation, ev.EventID)
	}
	want, _ := payloadInt64(ev.Payload, "restored_files_count")

	var link *store.CheckpointFileLink
	err := store.WithUnitOfWork(ctx, p.factory, func(uow store.UnitOfWork) error {
		var err error
		link, err = uow.CheckpointFiles().FindByCheckpoint(ctx, cpID)
		return err
	})
	if isStoreNotFound(err) {
		return p.verifyFailure(ev, "checkpoint %d has no file link to verify against", cpID)
	}
	if err != nil {
		return err
	}
	if int64(link.FileCount) != want {
		return p.verifyFailure(ev, "restored %d files, link records %d", want, link.FileCount)
	}
	return nil
}

// handleAudit is the terminal handler for audit-trail events: their
// purpose is the durable row itself.
func (p *Processor) handleAudit(_ context.Context, ev *store.OutboxEvent) error {
	p.log.WithFields(logrus.Fields{
		"event_id":       ev.EventID,
		"event_type":     ev.Type,
		"aggregate_type": ev.AggregateType,
		"aggregate_id":   ev.AggregateID,
	}).Info("audit event")
	return nil
}

// verifyFailure reports a verification miss according to strict mode:
// strict fails the event, lenient logs and succeeds.
func (p *Processor) verifyFailure(ev *store.OutboxEvent, format string, args ...any) error {
	err := fmt.Errorf(format, args...)
	if p.cfg.StrictVerification {
		return err
	}
	p.log.WithFields(logrus.Fields{
		"event_id":   ev.EventID,
		"event_type": ev.Type,
	}).WithError(err).Warn("verification miss ignored in lenient mode")
	return nil
}

// Payload accessors. Payloads round-trip through JSON in the SQL
// backends, so numbers may come back as float64.

func payloadInt64(payload map[string]any, key string) (int64, bool) {
	switch v := payload[key].(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case float64:
		return int64(v), true
	}
	return 0, false
}

func payloadString(payload map[string]any, key string) (string, bool) {
	s, ok := payload[key].(string)
	return s, ok
}

func payloadBool(payload map[string]any, key string) bool {
	b, _ := payload[key].(bool)
	return b
}

func payloadStringSlice(payload map[string]any, key string) []string {
	switch v := payload[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
