package track

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/sirupsen/logrus"

	"github.com/dshills/flowtx-go/coord/store"
)

// DefaultCleanupMaxFiles caps a single cleanup batch.
const DefaultCleanupMaxFiles = 100

// CleanupResult reports the outcome of a cleanup batch. Success is
// derived: true exactly when Errors is empty.
type CleanupResult struct {
	DeletedPaths  []string `json:"deleted_paths"`
	BackedUpPaths []string `json:"backed_up_paths"`
	SkippedPaths  []string `json:"skipped_paths"`
	Errors        []string `json:"errors"`
	DryRun        bool     `json:"dry_run"`
}

// Success reports whether the batch completed without errors.
func (r *CleanupResult) Success() bool {
	return len(r.Errors) == 0
}

// Cleanup identifies and removes files created after a target
// checkpoint.
type Cleanup struct {
	tracker  *Service
	log      *logrus.Entry
	maxFiles int
}

// NewCleanup creates a cleanup service over the given tracker. The
// logger may be nil.
func NewCleanup(tracker *Service, log *logrus.Logger) *Cleanup {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Cleanup{
		tracker:  tracker,
		log:      log.WithField("component", "file_cleanup"),
		maxFiles: DefaultCleanupMaxFiles,
	}
}

// SetMaxFiles overrides the safety cap applied when a
// CleanupOrphanedFiles caller passes no explicit cap.
func (c *Cleanup) SetMaxFiles(n int) {
	if n > 0 {
		c.maxFiles = n
	}
}

// IdentifyOrphanedFiles returns the workspace files matching
// trackPatterns (and not matching excludePatterns) that are absent from
// the file commit linked to targetCheckpoint. Hidden directories are
// skipped during the walk; comparison uses absolute-path normalization.
// Returned paths are absolute, sorted.
func (c *Cleanup) IdentifyOrphanedFiles(ctx context.Context, targetCheckpoint int64, workspaceRoot string, trackPatterns, excludePatterns []string) ([]string, error) {
	absRoot, err := filepath.Abs(workspaceRoot)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve workspace root: %w", err)
	}

	current, err := collectFiles(absRoot, trackPatterns, excludePatterns)
	if err != nil {
		return nil, err
	}

	atCheckpoint := make(map[string]bool)
	commit, err := c.tracker.GetFilesAtCheckpoint(ctx, targetCheckpoint)
	if err == nil {
		for _, entry := range commit.Entries {
			atCheckpoint[filepath.Join(absRoot, entry.Path)] = true
		}
	}
	// A checkpoint without a linked commit tracks no files; everything
	// matching is orphaned. Other errors abort.
	if err != nil && !isNotFound(err) {
		return nil, err
	}

	var orphaned []string
	for _, p := range current {
		if !atCheckpoint[p] {
			orphaned = append(orphaned, p)
		}
	}
	sort.Strings(orphaned)

	c.log.WithFields(logrus.Fields{
		"checkpoint_id": targetCheckpoint,
		"current":       len(current),
		"orphaned":      len(orphaned),
	}).Debug("identified orphaned files")
	return orphaned, nil
}

// CleanupOrphanedFiles deletes the given paths, optionally backing each
// up to backupDir first.
//
// When len(paths) exceeds maxFiles and dryRun is false the batch is
// refused outright: nothing is deleted, every path is skipped, and the
// refusal is recorded as an error. Per-path failures never abort the
// rest of the batch.
func (c *Cleanup) CleanupOrphanedFiles(paths []string, backupDir string, dryRun bool, maxFiles int) *CleanupResult {
	if maxFiles <= 0 {
		maxFiles = c.maxFiles
	}
	result := &CleanupResult{DryRun: dryRun}

	if len(paths) > maxFiles && !dryRun {
		result.SkippedPaths = append(result.SkippedPaths, paths...)
		result.Errors = append(result.Errors,
			fmt.Sprintf("refusing to delete %d files: exceeds safety cap of %d", len(paths), maxFiles))
		c.log.WithFields(logrus.Fields{
			"paths":     len(paths),
			"max_files": maxFiles,
		}).Warn("cleanup refused: batch exceeds safety cap")
		return result
	}

	timestamp := time.Now().UTC().Format("20060102T150405")
	for _, p := range paths {
		info, err := os.Stat(p)
		if os.IsNotExist(err) {
			result.SkippedPaths = append(result.SkippedPaths, p)
			continue
		}
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", p, err))
			continue
		}

		if dryRun {
			result.DeletedPaths = append(result.DeletedPaths, p)
			if backupDir != "" {
				result.BackedUpPaths = append(result.BackedUpPaths, p)
			}
			continue
		}

		if backupDir != "" {
			backupPath := filepath.Join(backupDir, timestamp+"_"+filepath.Base(p))
			if err := copyFile(p, backupPath, info.Mode()); err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("%s: backup failed: %v", p, err))
				continue
			}
			result.BackedUpPaths = append(result.BackedUpPaths, p)
		}
		if err := os.Remove(p); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: delete failed: %v", p, err))
			continue
		}
		result.DeletedPaths = append(result.DeletedPaths, p)
	}

	c.log.WithFields(logrus.Fields{
		"deleted":   len(result.DeletedPaths),
		"backed_up": len(result.BackedUpPaths),
		"skipped":   len(result.SkippedPaths),
		"errors":    len(result.Errors),
		"dry_run":   dryRun,
	}).Info("cleanup finished")
	return result
}

// collectFiles walks root and returns absolute paths of regular files
// matching any track pattern and no exclude pattern. Hidden directories
// are not descended into.
func collectFiles(root string, trackPatterns, excludePatterns []string) ([]string, error) {
	var out []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		name := d.Name()
		if d.IsDir() {
			if path != root && strings.HasPrefix(name, ".") {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if !matchAny(trackPatterns, rel) || matchAny(excludePatterns, rel) {
			return nil
		}
		out = append(out, path)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk workspace: %w", err)
	}
	return out, nil
}

// matchAny matches rel (slash-separated, root-relative) against the
// patterns, testing both the full relative path and the basename so
// "*.py" behaves like a recursive match.
func matchAny(patterns []string, rel string) bool {
	base := rel
	if i := strings.LastIndex(rel, "/"); i >= 0 {
		base = rel[i+1:]
	}
	for _, pattern := range patterns {
		if ok, err := doublestar.Match(pattern, rel); err == nil && ok {
			return true
		}
		if !strings.Contains(pattern, "/") {
			if ok, err := doublestar.Match(pattern, base); err == nil && ok {
				return true
			}
		}
	}
	return false
}

func copyFile(src, dst string, mode fs.FileMode) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	return os.WriteFile(dst, data, mode.Perm())
}

func isNotFound(err error) bool {
	return errors.Is(err, store.ErrNotFound)
}
