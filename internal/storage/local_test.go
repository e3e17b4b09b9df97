package storage

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newTestBackend(t *testing.T) *LocalBackend {
	t.Helper()
	backend, err := NewLocalBackend(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalBackend failed: %v", err)
	}
	return backend
}

func TestLocalPutLeavesNoTempFiles(t *testing.T) {
	backend := newTestBackend(t)
	ctx := context.Background()

	if _, err := backend.Put(ctx, "abcdef", strings.NewReader("atomic write test"), 17); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	entries, err := os.ReadDir(filepath.Join(backend.RootDir, ".tmp"))
	if err != nil {
		t.Fatalf("ReadDir .tmp failed: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf(".tmp directory should be empty after Put, has %d entries", len(entries))
	}

	if _, err := os.Stat(filepath.Join(backend.RootDir, "ab", "abcdef")); err != nil {
		t.Errorf("blob file not at fan-out path: %v", err)
	}
}

func TestLocalDeleteCleansFanOutDir(t *testing.T) {
	backend := newTestBackend(t)
	ctx := context.Background()

	backend.Put(ctx, "xy1", strings.NewReader("a"), 1)
	backend.Put(ctx, "xy2", strings.NewReader("b"), 1)

	if err := backend.Delete(ctx, "xy1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(backend.RootDir, "xy")); err != nil {
		t.Error("fan-out dir removed while still holding a blob")
	}
	if err := backend.Delete(ctx, "xy2"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(backend.RootDir, "xy")); !os.IsNotExist(err) {
		t.Error("empty fan-out dir should be removed")
	}
}

func TestLocalRejectsPathIDs(t *testing.T) {
	backend := newTestBackend(t)
	ctx := context.Background()

	for _, id := range []string{"", "..", "a/b", `a\b`} {
		if _, err := backend.Put(ctx, id, strings.NewReader("x"), 1); err == nil {
			t.Errorf("Put(%q) should fail", id)
		}
	}
}

func TestCleanTempFiles(t *testing.T) {
	backend := newTestBackend(t)

	tmpDir := filepath.Join(backend.RootDir, ".tmp")
	for _, name := range []string{"orphan1", "orphan2"} {
		if err := os.WriteFile(filepath.Join(tmpDir, name), []byte("stale"), 0o644); err != nil {
			t.Fatalf("WriteFile failed: %v", err)
		}
	}

	if err := backend.CleanTempFiles(); err != nil {
		t.Fatalf("CleanTempFiles failed: %v", err)
	}

	entries, err := os.ReadDir(tmpDir)
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf(".tmp has %d entries after cleanup, want 0", len(entries))
	}
}
