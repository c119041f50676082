package track_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/dshills/flowtx-go/coord/store"
	"github.com/dshills/flowtx-go/coord/track"
)

func newTracker(t *testing.T) (*track.Service, store.Factory, string) {
	t.Helper()
	root := t.TempDir()
	factory := store.NewMemFactory()
	return track.NewService(factory, root, nil), factory, root
}

func writeFile(t *testing.T, root, rel, content string) string {
	t.Helper()
	p := filepath.Join(root, rel)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		t.Fatalf("mkdir failed: %v", err)
	}
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	return p
}

func TestTrackAndRestoreRoundTrip(t *testing.T) {
	svc, _, root := newTracker(t)
	ctx := context.Background()

	writeFile(t, root, "data.csv", "a\n")
	writeFile(t, root, "sub/config.json", `{"k":1}`)

	commit, err := svc.TrackFiles(ctx, []string{"data.csv", "sub/config.json"}, "initial")
	if err != nil {
		t.Fatalf("TrackFiles failed: %v", err)
	}
	if len(commit.Entries) != 2 {
		t.Fatalf("commit has %d entries, want 2", len(commit.Entries))
	}
	if commit.ID == "" {
		t.Fatal("commit has no id")
	}
	// Entries are sorted by path.
	if commit.Entries[0].Path != "data.csv" || commit.Entries[1].Path != filepath.Join("sub", "config.json") {
		t.Errorf("entry order: %+v", commit.Entries)
	}

	// Mutate and restore.
	writeFile(t, root, "data.csv", "a\nb\n")
	restored, err := svc.RestoreCommit(ctx, commit.ID)
	if err != nil {
		t.Fatalf("RestoreCommit failed: %v", err)
	}
	if len(restored) != 2 {
		t.Errorf("restored %d files, want 2", len(restored))
	}
	got, _ := os.ReadFile(filepath.Join(root, "data.csv"))
	if string(got) != "a\n" {
		t.Errorf("data.csv after restore = %q, want %q", got, "a\n")
	}
}

func TestTrackDeduplicatesContent(t *testing.T) {
	svc, factory, root := newTracker(t)
	ctx := context.Background()

	writeFile(t, root, "one.txt", "same content")
	writeFile(t, root, "two.txt", "same content")

	commit, err := svc.TrackFiles(ctx, []string{"one.txt", "two.txt"}, "")
	if err != nil {
		t.Fatalf("TrackFiles failed: %v", err)
	}
	if commit.Entries[0].Hash != commit.Entries[1].Hash {
		t.Fatal("identical content produced different hashes")
	}

	// Only one blob exists for the shared hash.
	uow, _ := factory.Begin(ctx)
	defer func() { _ = uow.Rollback() }()
	data, err := uow.Blobs().Get(ctx, commit.Entries[0].Hash)
	if err != nil {
		t.Fatalf("blob missing: %v", err)
	}
	if string(data) != "same content" {
		t.Errorf("blob content = %q", data)
	}
}

func TestTrackAndLinkIsAtomic(t *testing.T) {
	svc, factory, root := newTracker(t)
	ctx := context.Background()

	writeFile(t, root, "a.txt", "1")
	first, err := svc.TrackAndLink(ctx, 42, []string{"a.txt"}, "first")
	if err != nil {
		t.Fatalf("TrackAndLink failed: %v", err)
	}

	// A second link for the same checkpoint must fail and leave no
	// partial commit behind.
	writeFile(t, root, "b.txt", "2")
	_, err = svc.TrackAndLink(ctx, 42, []string{"b.txt"}, "second")
	if !errors.Is(err, store.ErrConflict) {
		t.Fatalf("second TrackAndLink error = %v, want ErrConflict", err)
	}

	uow, _ := factory.Begin(ctx)
	defer func() { _ = uow.Rollback() }()
	link, err := uow.CheckpointFiles().FindByCheckpoint(ctx, 42)
	if err != nil {
		t.Fatalf("link missing: %v", err)
	}
	if link.FileCommitID != first.ID {
		t.Errorf("link commit = %q, want %q", link.FileCommitID, first.ID)
	}
	commits, err := uow.FileCommits().List(ctx, 0)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(commits) != 1 {
		t.Errorf("commit count = %d, want 1 (failed link must not persist its commit)", len(commits))
	}
}

func TestGetFilesAtCheckpointMissingLink(t *testing.T) {
	svc, _, _ := newTracker(t)
	_, err := svc.GetFilesAtCheckpoint(context.Background(), 999)
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

func TestRestoreFromCheckpoint(t *testing.T) {
	svc, _, root := newTracker(t)
	ctx := context.Background()

	writeFile(t, root, "data.csv", "a\n")
	if _, err := svc.TrackAndLink(ctx, 7, []string{"data.csv"}, ""); err != nil {
		t.Fatalf("TrackAndLink failed: %v", err)
	}
	writeFile(t, root, "data.csv", "a\nb\n")

	restored, err := svc.RestoreFromCheckpoint(ctx, 7)
	if err != nil {
		t.Fatalf("RestoreFromCheckpoint failed: %v", err)
	}
	if len(restored) != 1 || restored[0] != "data.csv" {
		t.Errorf("restored = %v", restored)
	}
	got, _ := os.ReadFile(filepath.Join(root, "data.csv"))
	if string(got) != "a\n" {
		t.Errorf("data.csv = %q, want %q", got, "a\n")
	}
}

func TestTrackRejectsEscapingPaths(t *testing.T) {
	svc, _, _ := newTracker(t)
	_, err := svc.TrackFiles(context.Background(), []string{"../outside.txt"}, "")
	if err == nil {
		t.Fatal("expected error for path escaping workspace root")
	}
}
