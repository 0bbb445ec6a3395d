package workspace

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestFSManagerCreateAndRemove(t *testing.T) {
	baseDir := filepath.Join(t.TempDir(), "work")
	mgr, err := NewFSManager(baseDir)
	if err != nil {
		t.Fatalf("NewFSManager() error = %v", err)
	}

	ws, err := mgr.Create(context.Background(), "20250301_090000_explore_styles_p_abcd1234")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	wantPath := filepath.Join(baseDir, "20250301_090000_explore_styles_p_abcd1234")
	if ws.Dir != wantPath {
		t.Fatalf("Create() dir = %q, want %q", ws.Dir, wantPath)
	}
	info, err := os.Stat(ws.Dir)
	if err != nil {
		t.Fatalf("Stat(workspace) error = %v", err)
	}
	if !info.IsDir() {
		t.Fatalf("workspace path is not a directory")
	}

	if err := mgr.Remove(ws.BatchID); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if _, err := os.Stat(ws.Dir); !os.IsNotExist(err) {
		t.Fatalf("workspace should be gone, err = %v", err)
	}
	if err := mgr.Remove(ws.BatchID); err != nil {
		t.Fatalf("Remove() of missing workspace error = %v", err)
	}
}

func TestFSManagerCreateReplacesLeftover(t *testing.T) {
	mgr, err := NewFSManager(t.TempDir())
	if err != nil {
		t.Fatalf("NewFSManager() error = %v", err)
	}

	ws, err := mgr.Create(context.Background(), "b1")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	stale := filepath.Join(ws.Dir, "generated.txt")
	if err := os.WriteFile(stale, []byte("old"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	if _, err := mgr.Create(context.Background(), "b1"); err != nil {
		t.Fatalf("second Create() error = %v", err)
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Fatalf("leftover file should be gone, err = %v", err)
	}
}

func TestFSManagerCleanup(t *testing.T) {
	baseDir := filepath.Join(t.TempDir(), "work")
	mgr, err := NewFSManager(baseDir)
	if err != nil {
		t.Fatalf("NewFSManager() error = %v", err)
	}

	report, err := mgr.Cleanup(context.Background())
	if err != nil {
		t.Fatalf("Cleanup() on missing base error = %v", err)
	}
	if report.DeletedDirs != 0 {
		t.Fatalf("Cleanup() deleted = %d, want 0", report.DeletedDirs)
	}

	for _, id := range []string{"b1", "b2"} {
		if _, err := mgr.Create(context.Background(), id); err != nil {
			t.Fatalf("Create(%s) error = %v", id, err)
		}
	}
	note := filepath.Join(baseDir, "README")
	if err := os.WriteFile(note, []byte("keep"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	report, err = mgr.Cleanup(context.Background())
	if err != nil {
		t.Fatalf("Cleanup() error = %v", err)
	}
	if report.DeletedDirs != 2 {
		t.Fatalf("Cleanup() deleted = %d, want 2", report.DeletedDirs)
	}
	if _, err := os.Stat(note); err != nil {
		t.Fatalf("plain files should be left alone, err = %v", err)
	}
}

func TestFSManagerRejectsBadIDs(t *testing.T) {
	mgr, err := NewFSManager(t.TempDir())
	if err != nil {
		t.Fatalf("NewFSManager() error = %v", err)
	}
	for _, id := range []string{"", " ", ".", "..", "a/b", `a\b`, "a/../b"} {
		if _, err := mgr.Create(context.Background(), id); err == nil {
			t.Fatalf("Create(%q) succeeded, want error", id)
		}
	}
	if _, err := NewFSManager("  "); err == nil {
		t.Fatalf("NewFSManager(blank) succeeded, want error")
	}
}
