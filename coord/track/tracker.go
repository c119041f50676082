// Package track provides content-addressed file snapshotting and the
// cleanup of files orphaned by a rollback.
//
// A snapshot ("file commit") is a set of (path, hash, size) tuples whose
// hashes reference blobs in the primary store. Identical content is
// stored once regardless of how many commits reference it.
package track

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
	"github.com/zeebo/blake3"

	"github.com/dshills/flowtx-go/coord/store"
)

// Service tracks, restores and inspects file commits. Paths handed to
// and returned by the service are relative to the workspace root.
type Service struct {
	factory store.Factory
	root    string
	log     *logrus.Entry
}

// NewService creates a tracking service rooted at root. The logger may
// be nil, in which case the standard logrus logger is used.
func NewService(factory store.Factory, root string, log *logrus.Logger) *Service {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Service{
		factory: factory,
		root:    root,
		log:     log.WithField("component", "file_tracker"),
	}
}

// Root returns the workspace root the service operates on.
func (s *Service) Root() string {
	return s.root
}

// TrackFiles snapshots the given paths into a new FileCommit. Blob
// writes and the commit row share one transaction; content already
// present is not written again.
func (s *Service) TrackFiles(ctx context.Context, paths []string, message string) (*store.FileCommit, error) {
	commit, blobs, err := s.buildCommit(paths, message)
	if err != nil {
		return nil, err
	}

	err = store.WithUnitOfWork(ctx, s.factory, func(uow store.UnitOfWork) error {
		return s.persistCommit(ctx, uow, commit, blobs)
	})
	if err != nil {
		return nil, err
	}

	s.log.WithFields(logrus.Fields{
		"commit_id":  commit.ID,
		"file_count": len(commit.Entries),
		"total_size": commit.TotalSize(),
	}).Info("tracked files")
	return commit, nil
}

// TrackAndLink snapshots paths and links the commit to the given
// checkpoint. The FileCommit row and the CheckpointFileLink row commit
// together; a second link for the same checkpoint fails with
// ErrConflict and nothing is written.
func (s *Service) TrackAndLink(ctx context.Context, checkpointID int64, paths []string, message string) (*store.FileCommit, error) {
	commit, blobs, err := s.buildCommit(paths, message)
	if err != nil {
		return nil, err
	}

	err = store.WithUnitOfWork(ctx, s.factory, func(uow store.UnitOfWork) error {
		if err := s.persistCommit(ctx, uow, commit, blobs); err != nil {
			return err
		}
		link := &store.CheckpointFileLink{
			CheckpointID: checkpointID,
			FileCommitID: commit.ID,
			FileCount:    len(commit.Entries),
			TotalSize:    commit.TotalSize(),
		}
		return uow.CheckpointFiles().Add(ctx, link)
	})
	if err != nil {
		return nil, err
	}

	s.log.WithFields(logrus.Fields{
		"commit_id":     commit.ID,
		"checkpoint_id": checkpointID,
		"file_count":    len(commit.Entries),
	}).Info("tracked and linked files")
	return commit, nil
}

// RestoreCommit writes every file in the commit back to the workspace,
// creating parent directories and replacing files atomically via
// write-temp-rename. Returns the restored paths.
func (s *Service) RestoreCommit(ctx context.Context, commitID string) ([]string, error) {
	var commit *store.FileCommit
	contents := make(map[string][]byte)

	err := store.WithUnitOfWork(ctx, s.factory, func(uow store.UnitOfWork) error {
		var err error
		commit, err = uow.FileCommits().Get(ctx, commitID)
		if err != nil {
			return fmt.Errorf("failed to load commit %s: %w", commitID, err)
		}
		for _, entry := range commit.Entries {
			data, err := uow.Blobs().Get(ctx, entry.Hash)
			if err != nil {
				return fmt.Errorf("failed to load blob %s for %s: %w", entry.Hash, entry.Path, err)
			}
			contents[entry.Path] = data
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	restored := make([]string, 0, len(commit.Entries))
	for _, entry := range commit.Entries {
		if err := s.writeFileAtomic(entry.Path, contents[entry.Path]); err != nil {
			return restored, err
		}
		restored = append(restored, entry.Path)
	}

	s.log.WithFields(logrus.Fields{
		"commit_id":      commitID,
		"restored_files": len(restored),
	}).Info("restored commit")
	return restored, nil
}

// RestoreFromCheckpoint restores the file commit linked to the given
// checkpoint. Returns the restored paths, or store.ErrNotFound when the
// checkpoint has no link.
func (s *Service) RestoreFromCheckpoint(ctx context.Context, checkpointID int64) ([]string, error) {
	commit, err := s.GetFilesAtCheckpoint(ctx, checkpointID)
	if err != nil {
		return nil, err
	}
	return s.RestoreCommit(ctx, commit.ID)
}

// GetFilesAtCheckpoint joins CheckpointFileLink to FileCommit and
// returns the commit recorded for the checkpoint.
func (s *Service) GetFilesAtCheckpoint(ctx context.Context, checkpointID int64) (*store.FileCommit, error) {
	var commit *store.FileCommit
	err := store.WithUnitOfWork(ctx, s.factory, func(uow store.UnitOfWork) error {
		link, err := uow.CheckpointFiles().FindByCheckpoint(ctx, checkpointID)
		if err != nil {
			return err
		}
		commit, err = uow.FileCommits().Get(ctx, link.FileCommitID)
		if err != nil {
			return fmt.Errorf("failed to load commit %s: %w", link.FileCommitID, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return commit, nil
}

// buildCommit reads and hashes the files, producing the commit row and
// the blob contents keyed by hash. Entries are sorted by path so commit
// contents are deterministic.
func (s *Service) buildCommit(paths []string, message string) (*store.FileCommit, map[string][]byte, error) {
	entries := make([]store.CommitEntry, 0, len(paths))
	blobs := make(map[string][]byte, len(paths))

	for _, p := range paths {
		rel, err := s.relPath(p)
		if err != nil {
			return nil, nil, err
		}
		data, err := os.ReadFile(filepath.Join(s.root, rel))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read %s: %w", rel, err)
		}
		sum := blake3.Sum256(data)
		hash := hex.EncodeToString(sum[:])
		entries = append(entries, store.CommitEntry{
			Path: rel,
			Hash: hash,
			Size: int64(len(data)),
		})
		blobs[hash] = data
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })

	return &store.FileCommit{
		ID:      ulid.Make().String(),
		Entries: entries,
		Message: message,
	}, blobs, nil
}

func (s *Service) persistCommit(ctx context.Context, uow store.UnitOfWork, commit *store.FileCommit, blobs map[string][]byte) error {
	for hash, data := range blobs {
		if err := uow.Blobs().Put(ctx, hash, data); err != nil {
			return fmt.Errorf("failed to store blob %s: %w", hash, err)
		}
	}
	if err := uow.FileCommits().Add(ctx, commit); err != nil {
		return fmt.Errorf("failed to store commit: %w", err)
	}
	return nil
}

// relPath normalizes p to a workspace-relative path and rejects paths
// escaping the root.
func (s *Service) relPath(p string) (string, error) {
	abs := p
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(s.root, p)
	}
	rel, err := filepath.Rel(s.root, abs)
	if err != nil {
		return "", fmt.Errorf("failed to normalize path %s: %w", p, err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %s escapes workspace root", p)
	}
	return rel, nil
}

func (s *Service) writeFileAtomic(rel string, data []byte) error {
	target := filepath.Join(s.root, rel)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("failed to create directories for %s: %w", rel, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(target), ".restore-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file for %s: %w", rel, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to write temp file for %s: %w", rel, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to close temp file for %s: %w", rel, err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to replace %s: %w", rel, err)
	}
	return nil
}
