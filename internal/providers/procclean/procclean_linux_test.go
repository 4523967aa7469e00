//go:build linux

package procclean

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeProc(t *testing.T, root, pid, comm, cmdline string) {
	t.Helper()
	dir := filepath.Join(root, pid)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "comm"), []byte(comm+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "cmdline"), []byte(cmdline), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestFindScansProcessTable(t *testing.T) {
	root := t.TempDir()
	writeProc(t, root, "101", "EOSUPNPSV", "/usr/bin/EOSUPNPSV\x00--daemon")
	writeProc(t, root, "102", "bash", "/bin/bash\x00")
	writeProc(t, root, "103", "gvfsd-gphoto2", "/usr/libexec/gvfsd-gphoto2\x00--spawner")
	if err := os.MkdirAll(filepath.Join(root, "self"), 0o755); err != nil {
		t.Fatal(err)
	}

	c := New([]string{"EOSUPNPSV", "gvfsd-gphoto2"})
	c.procRoot = root
	procs, err := c.find()
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(procs) != 2 {
		t.Fatalf("expected 2 matches, got %+v", procs)
	}
}

func TestPrepareWithNothingToStop(t *testing.T) {
	c := New([]string{"definitely-not-running-here"})
	c.procRoot = t.TempDir()
	paused := false
	c.sleep = func(ctx context.Context, d time.Duration) error { paused = true; return nil }
	if err := c.Prepare(context.Background()); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if paused {
		t.Fatalf("no pause expected when nothing was stopped")
	}
}
