package coord

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/zeebo/blake3"

	"github.com/dshills/flowtx-go/coord/checkpoint"
	"github.com/dshills/flowtx-go/coord/store"
)

// IssueType classifies an integrity finding.
type IssueType string

const (
	IssueDanglingReference IssueType = "DANGLING_REFERENCE"
	IssueOrphanCheckpoint  IssueType = "ORPHAN_CHECKPOINT"
	IssueOrphanFileCommit  IssueType = "ORPHAN_FILE_COMMIT"
	IssueOutboxStuck       IssueType = "OUTBOX_STUCK"
	IssueMissingBlob       IssueType = "MISSING_BLOB"
	IssueStateMismatch     IssueType = "STATE_MISMATCH"
)

// Severity ranks an issue.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Repair actions applied by Repair. Issues without an action need
// manual intervention.
const (
	RepairDeleteLink = "delete_link"
	RepairResetEvent = "reset_event"
)

// Issue is one integrity finding.
type Issue struct {
	Type           IssueType `json:"type"`
	Severity       Severity  `json:"severity"`
	Description    string    `json:"description"`
	AutoRepairable bool      `json:"auto_repairable"`
	RepairAction   string    `json:"repair_action,omitempty"`

	// Identifiers of the offending entities; zero values where not
	// applicable.
	CheckpointID int64  `json:"checkpoint_id,omitempty"`
	CommitID     string `json:"commit_id,omitempty"`
	EventPK      int64  `json:"event_pk,omitempty"`
	ExecutionID  string `json:"execution_id,omitempty"`
}

// Report aggregates one integrity scan.
type Report struct {
	Issues    []Issue       `json:"issues"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`

	CheckedLinks      int `json:"checked_links"`
	CheckedCommits    int `json:"checked_commits"`
	CheckedEvents     int `json:"checked_events"`
	CheckedExecutions int `json:"checked_executions"`
	RepairedCount     int `json:"repaired_count,omitempty"`
}

// IsHealthy reports whether the scan found nothing above info severity.
func (r *Report) IsHealthy() bool {
	for _, issue := range r.Issues {
		if issue.Severity != SeverityInfo {
			return false
		}
	}
	return true
}

// AutoRepairableCount counts issues Repair can fix.
func (r *Report) AutoRepairableCount() int {
	n := 0
	for _, issue := range r.Issues {
		if issue.AutoRepairable {
			n++
		}
	}
	return n
}

// CriticalCount counts critical issues.
func (r *Report) CriticalCount() int {
	n := 0
	for _, issue := range r.Issues {
		if issue.Severity == SeverityCritical {
			n++
		}
	}
	return n
}

// Summary renders a one-line operator summary.
func (r *Report) Summary() string {
	return fmt.Sprintf("%d issues (%d critical, %d auto-repairable) across %d links, %d commits, %d events, %d executions in %s",
		len(r.Issues), r.CriticalCount(), r.AutoRepairableCount(),
		r.CheckedLinks, r.CheckedCommits, r.CheckedEvents, r.CheckedExecutions, r.Duration)
}

// Checker scans for cross-store invariant violations and repairs the
// auto-repairable ones: dangling checkpoint-file links are deleted,
// events stuck in PROCESSING are reset to PENDING. Everything else is
// reported for manual repair.
type Checker struct {
	factory     store.Factory
	checkpoints checkpoint.Store
	log         *logrus.Entry

	// grace is how long an event may sit in PROCESSING before it
	// counts as stuck.
	grace time.Duration

	// sampleSize bounds the blob verification pass; commits beyond the
	// sample are skipped this run.
	sampleSize int

	// scanLimit bounds each enumeration query.
	scanLimit int
}

// NewChecker creates a checker with a 5 minute stuck grace and a
// 10-commit blob sample.
func NewChecker(factory store.Factory, checkpoints checkpoint.Store, log *logrus.Logger) *Checker {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Checker{
		factory:     factory,
		checkpoints: checkpoints,
		log:         log.WithField("component", "integrity_checker"),
		grace:       processingGrace,
		sampleSize:  10,
		scanLimit:   1000,
	}
}

// Check runs the fixed-order scan and returns the report. The scan is
// read-only.
func (c *Checker) Check(ctx context.Context) (*Report, error) {
	report := &Report{StartedAt: time.Now().UTC()}

	var links []*store.CheckpointFileLink
	var commits []*store.FileCommit
	linkedCheckpoints := make(map[int64]bool)
	linkedCommits := make(map[string]bool)

	err := store.WithUnitOfWork(ctx, c.factory, func(uow store.UnitOfWork) error {
		var err error
		if links, err = uow.CheckpointFiles().List(ctx); err != nil {
			return err
		}
		if commits, err = uow.FileCommits().List(ctx, c.scanLimit); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate primary store: %w", err)
	}

	// 1. Links: both ends must exist.
	for _, link := range links {
		report.CheckedLinks++
		linkedCheckpoints[link.CheckpointID] = true
		linkedCommits[link.FileCommitID] = true

		if _, err := c.checkpoints.GetCheckpoint(ctx, link.CheckpointID); err != nil {
			if !isCheckpointNotFound(err) {
				return nil, fmt.Errorf("%w: get checkpoint %d: %v", ErrTransient, link.CheckpointID, err)
			}
			report.Issues = append(report.Issues, Issue{
				Type:           IssueDanglingReference,
				Severity:       SeverityCritical,
				Description:    fmt.Sprintf("link for checkpoint %d references a checkpoint missing from the external store", link.CheckpointID),
				AutoRepairable: true,
				RepairAction:   RepairDeleteLink,
				CheckpointID:   link.CheckpointID,
				CommitID:       link.FileCommitID,
			})
			continue
		}

		if exists, err := c.commitExists(ctx, link.FileCommitID); err != nil {
			return nil, err
		} else if !exists {
			report.Issues = append(report.Issues, Issue{
				Type:           IssueDanglingReference,
				Severity:       SeverityCritical,
				Description:    fmt.Sprintf("link for checkpoint %d references missing file commit %s", link.CheckpointID, link.FileCommitID),
				AutoRepairable: true,
				RepairAction:   RepairDeleteLink,
				CheckpointID:   link.CheckpointID,
				CommitID:       link.FileCommitID,
			})
		}
	}

	// 2. External checkpoints referenced by no link.
	executions, err := c.allExecutions(ctx)
	if err != nil {
		return nil, err
	}
	seenSessions := make(map[int64]bool)
	for _, exec := range executions {
		if exec.SessionID == 0 || seenSessions[exec.SessionID] {
			continue
		}
		seenSessions[exec.SessionID] = true
		cps, err := c.checkpoints.ListCheckpoints(ctx, exec.SessionID)
		if err != nil {
			return nil, fmt.Errorf("%w: list checkpoints for session %d: %v", ErrTransient, exec.SessionID, err)
		}
		for _, cp := range cps {
			if !linkedCheckpoints[cp.ID] {
				report.Issues = append(report.Issues, Issue{
					Type:         IssueOrphanCheckpoint,
					Severity:     SeverityInfo,
					Description:  fmt.Sprintf("checkpoint %d in session %d has no file link", cp.ID, exec.SessionID),
					CheckpointID: cp.ID,
				})
			}
		}
	}

	// 3. File commits referenced by no link.
	for _, commit := range commits {
		report.CheckedCommits++
		if !linkedCommits[commit.ID] {
			report.Issues = append(report.Issues, Issue{
				Type:        IssueOrphanFileCommit,
				Severity:    SeverityWarning,
				Description: fmt.Sprintf("file commit %s is referenced by no checkpoint link", commit.ID),
				CommitID:    commit.ID,
			})
		}
	}

	// 4. Events stuck in PROCESSING.
	if err := c.scanStuckEvents(ctx, report); err != nil {
		return nil, err
	}

	// 5. Blob verification over a sample of commits.
	if err := c.verifyCommitBlobs(ctx, commits, report); err != nil {
		return nil, err
	}

	// 6. RUNNING executions must have an initialized session.
	for _, exec := range executions {
		report.CheckedExecutions++
		if exec.Status == store.StatusRunning && exec.SessionID == 0 {
			report.Issues = append(report.Issues, Issue{
				Type:        IssueStateMismatch,
				Severity:    SeverityCritical,
				Description: fmt.Sprintf("execution %s is RUNNING without an initialized session", exec.ID),
				ExecutionID: exec.ID,
			})
		}
	}

	report.Duration = time.Since(report.StartedAt)
	c.log.Info(report.Summary())
	return report, nil
}

// Repair applies the auto-repairable actions from the report, then
// re-checks and returns the post-repair report with RepairedCount set.
func (c *Checker) Repair(ctx context.Context, report *Report) (*Report, error) {
	repaired := 0
	for _, issue := range report.Issues {
		if !issue.AutoRepairable {
			continue
		}
		var err error
		switch issue.RepairAction {
		case RepairDeleteLink:
			err = store.WithUnitOfWork(ctx, c.factory, func(uow store.UnitOfWork) error {
				return uow.CheckpointFiles().Delete(ctx, issue.CheckpointID)
			})
		case RepairResetEvent:
			err = store.WithUnitOfWork(ctx, c.factory, func(uow store.UnitOfWork) error {
				events, err := uow.Outbox().GetStuckProcessing(ctx, time.Now().UTC(), retryBatchLimit)
				if err != nil {
					return err
				}
				for _, ev := range events {
					if ev.PK != issue.EventPK {
						continue
					}
					ev.ResetForRetry()
					return uow.Outbox().Update(ctx, ev)
				}
				// Already repaired or drained; nothing to do.
				return nil
			})
		default:
			continue
		}
		if err != nil {
			c.log.WithError(err).WithField("issue_type", issue.Type).Warn("repair failed")
			continue
		}
		repaired++
		c.log.WithFields(logrus.Fields{
			"issue_type": issue.Type,
			"action":     issue.RepairAction,
		}).Info("issue repaired")
	}

	after, err := c.Check(ctx)
	if err != nil {
		return nil, err
	}
	after.RepairedCount = repaired
	return after, nil
}

func (c *Checker) commitExists(ctx context.Context, commitID string) (bool, error) {
	exists := false
	err := store.WithUnitOfWork(ctx, c.factory, func(uow store.UnitOfWork) error {
		_, err := uow.FileCommits().Get(ctx, commitID)
		if isStoreNotFound(err) {
			return nil
		}
		if err != nil {
			return err
		}
		exists = true
		return nil
	})
	return exists, err
}

// allExecutions enumerates executions across every status.
func (c *Checker) allExecutions(ctx context.Context) ([]*store.Execution, error) {
	statuses := []store.ExecutionStatus{
		store.StatusPending, store.StatusRunning, store.StatusPaused,
		store.StatusCompleted, store.StatusFailed, store.StatusCancelled,
	}
	var all []*store.Execution
	err := store.WithUnitOfWork(ctx, c.factory, func(uow store.UnitOfWork) error {
		for _, status := range statuses {
			execs, err := uow.Executions().FindByStatus(ctx, status, c.scanLimit)
			if err != nil {
				return err
			}
			all = append(all, execs...)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate executions: %w", err)
	}
	return all, nil
}

func (c *Checker) scanStuckEvents(ctx context.Context, report *Report) error {
	cutoff := time.Now().UTC().Add(-c.grace)
	return store.WithUnitOfWork(ctx, c.factory, func(uow store.UnitOfWork) error {
		stuck, err := uow.Outbox().GetStuckProcessing(ctx, cutoff, retryBatchLimit)
		if err != nil {
			return err
		}
		for _, ev := range stuck {
			report.CheckedEvents++
			severity := SeverityWarning
			if ev.RetryCount >= ev.MaxRetries {
				severity = SeverityCritical
			}
			report.Issues = append(report.Issues, Issue{
				Type:           IssueOutboxStuck,
				Severity:       severity,
				Description:    fmt.Sprintf("event %s (%s) stuck in processing since %s", ev.EventID, ev.Type, ev.CreatedAt.Format(time.RFC3339)),
				AutoRepairable: true,
				RepairAction:   RepairResetEvent,
				EventPK:        ev.PK,
			})
		}
		return nil
	})
}

func (c *Checker) verifyCommitBlobs(ctx context.Context, commits []*store.FileCommit, report *Report) error {
	sample := commits
	if len(sample) > c.sampleSize {
		sample = sample[:c.sampleSize]
	}
	return store.WithUnitOfWork(ctx, c.factory, func(uow store.UnitOfWork) error {
		for _, commit := range sample {
			for _, entry := range commit.Entries {
				data, err := uow.Blobs().Get(ctx, entry.Hash)
				if isStoreNotFound(err) {
					report.Issues = append(report.Issues, Issue{
						Type:        IssueMissingBlob,
						Severity:    SeverityCritical,
						Description: fmt.Sprintf("blob %s missing for %s in commit %s", entry.Hash, entry.Path, commit.ID),
						CommitID:    commit.ID,
					})
					continue
				}
				if err != nil {
					return err
				}
				sum := blake3.Sum256(data)
				if hex.EncodeToString(sum[:]) != entry.Hash {
					report.Issues = append(report.Issues, Issue{
						Type:        IssueMissingBlob,
						Severity:    SeverityCritical,
						Description: fmt.Sprintf("blob for %s in commit %s fails hash verification", entry.Path, commit.ID),
						CommitID:    commit.ID,
					})
				}
			}
		}
		return nil
	})
}
