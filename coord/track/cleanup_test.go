package track_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/dshills/flowtx-go/coord/store"
	"github.com/dshills/flowtx-go/coord/track"
)

func newCleanup(t *testing.T) (*track.Cleanup, *track.Service, string) {
	t.Helper()
	root := t.TempDir()
	svc := track.NewService(store.NewMemFactory(), root, nil)
	return track.NewCleanup(svc, nil), svc, root
}

func TestIdentifyOrphanedFiles(t *testing.T) {
	cleanup, svc, root := newCleanup(t)
	ctx := context.Background()

	writeFile(t, root, "keep.py", "print(1)\n")
	if _, err := svc.TrackAndLink(ctx, 5, []string{"keep.py"}, ""); err != nil {
		t.Fatalf("TrackAndLink failed: %v", err)
	}

	// Files created after the checkpoint.
	orphanA := writeFile(t, root, "new_a.py", "x")
	writeFile(t, root, "sub/new_b.py", "y")
	writeFile(t, root, "notes.txt", "z")          // not matching *.py
	writeFile(t, root, ".hidden/inside.py", "h")  // hidden dir skipped
	writeFile(t, root, "excluded_test.py", "t")   // excluded below

	orphaned, err := cleanup.IdentifyOrphanedFiles(ctx, 5, root, []string{"*.py"}, []string{"*_test.py"})
	if err != nil {
		t.Fatalf("IdentifyOrphanedFiles failed: %v", err)
	}
	if len(orphaned) != 2 {
		t.Fatalf("orphaned = %v, want 2 paths", orphaned)
	}
	if orphaned[0] != orphanA {
		t.Errorf("orphaned[0] = %q, want %q", orphaned[0], orphanA)
	}
	if !strings.HasSuffix(orphaned[1], filepath.Join("sub", "new_b.py")) {
		t.Errorf("orphaned[1] = %q", orphaned[1])
	}
}

// An unmodified workspace yields an empty orphan set.
func TestIdentifyOrphanedFilesUnmodifiedWorkspace(t *testing.T) {
	cleanup, svc, root := newCleanup(t)
	ctx := context.Background()

	writeFile(t, root, "a.py", "1")
	writeFile(t, root, "b.py", "2")
	if _, err := svc.TrackAndLink(ctx, 3, []string{"a.py", "b.py"}, ""); err != nil {
		t.Fatalf("TrackAndLink failed: %v", err)
	}

	orphaned, err := cleanup.IdentifyOrphanedFiles(ctx, 3, root, []string{"*.py"}, nil)
	if err != nil {
		t.Fatalf("IdentifyOrphanedFiles failed: %v", err)
	}
	if len(orphaned) != 0 {
		t.Errorf("orphaned = %v, want empty", orphaned)
	}
}

func TestCleanupRefusesOverCap(t *testing.T) {
	cleanup, _, root := newCleanup(t)

	var paths []string
	for i := 0; i < 200; i++ {
		paths = append(paths, writeFile(t, root, fmt.Sprintf("f%03d.py", i), "x"))
	}

	result := cleanup.CleanupOrphanedFiles(paths, "", false, 100)
	if len(result.DeletedPaths) != 0 {
		t.Errorf("deleted = %d, want 0", len(result.DeletedPaths))
	}
	if len(result.SkippedPaths) != 200 {
		t.Errorf("skipped = %d, want 200", len(result.SkippedPaths))
	}
	if result.Success() {
		t.Error("over-cap refusal should not be a success")
	}
	if len(result.Errors) != 1 || !strings.Contains(result.Errors[0], "safety cap") {
		t.Errorf("errors = %v", result.Errors)
	}
	// Disk unchanged.
	for _, p := range paths[:3] {
		if _, err := os.Stat(p); err != nil {
			t.Errorf("file %s was touched: %v", p, err)
		}
	}
}

func TestCleanupDryRunTouchesNothing(t *testing.T) {
	cleanup, _, root := newCleanup(t)

	p := writeFile(t, root, "victim.py", "x")
	result := cleanup.CleanupOrphanedFiles([]string{p}, filepath.Join(root, "backup"), true, 100)

	if !result.DryRun || !result.Success() {
		t.Errorf("result = %+v", result)
	}
	if len(result.DeletedPaths) != 1 || len(result.BackedUpPaths) != 1 {
		t.Errorf("dry run should record would-be actions: %+v", result)
	}
	if _, err := os.Stat(p); err != nil {
		t.Errorf("dry run deleted the file: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "backup")); !os.IsNotExist(err) {
		t.Error("dry run created the backup dir")
	}
}

func TestCleanupBackupThenDelete(t *testing.T) {
	cleanup, _, root := newCleanup(t)

	p := writeFile(t, root, "victim.py", "content")
	backupDir := filepath.Join(root, "backup")
	result := cleanup.CleanupOrphanedFiles([]string{p}, backupDir, false, 100)

	if !result.Success() {
		t.Fatalf("errors = %v", result.Errors)
	}
	if _, err := os.Stat(p); !os.IsNotExist(err) {
		t.Error("file was not deleted")
	}
	entries, err := os.ReadDir(backupDir)
	if err != nil || len(entries) != 1 {
		t.Fatalf("backup dir entries = %v, err = %v", entries, err)
	}
	// Backup name is {timestamp}_{basename}.
	if !strings.HasSuffix(entries[0].Name(), "_victim.py") {
		t.Errorf("backup name = %q", entries[0].Name())
	}
	data, _ := os.ReadFile(filepath.Join(backupDir, entries[0].Name()))
	if string(data) != "content" {
		t.Errorf("backup content = %q", data)
	}
}

func TestCleanupSkipsMissingAndCollectsErrors(t *testing.T) {
	cleanup, _, root := newCleanup(t)

	existing := writeFile(t, root, "real.py", "x")
	missing := filepath.Join(root, "gone.py")

	result := cleanup.CleanupOrphanedFiles([]string{missing, existing}, "", false, 100)
	if len(result.SkippedPaths) != 1 || result.SkippedPaths[0] != missing {
		t.Errorf("skipped = %v", result.SkippedPaths)
	}
	if len(result.DeletedPaths) != 1 || result.DeletedPaths[0] != existing {
		t.Errorf("deleted = %v", result.DeletedPaths)
	}
	if !result.Success() {
		t.Errorf("errors = %v", result.Errors)
	}
}
