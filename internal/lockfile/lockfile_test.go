package lockfile

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLockAcquisition(t *testing.T) {
	dir := t.TempDir()
	lock, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("AcquireLock: %v", err)
	}
	defer lock.Release()

	if lock.Path() != filepath.Join(dir, LockFileName) {
		t.Errorf("unexpected lock path %q", lock.Path())
	}
	h, err := ReadHolder(lock.Path())
	if err != nil {
		t.Fatalf("ReadHolder: %v", err)
	}
	if h.PID != os.Getpid() || h.StartedAt.IsZero() {
		t.Errorf("unexpected holder %+v", h)
	}
	if !h.Running() {
		t.Error("current process should be reported as running")
	}
}

func TestLockConflict(t *testing.T) {
	dir := t.TempDir()
	first, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("first AcquireLock: %v", err)
	}
	defer first.Release()

	// flock is per open file description, so a second open conflicts even
	// within one process.
	_, err = AcquireLock(dir)
	if err == nil {
		t.Fatal("expected second AcquireLock to fail")
	}
	var lockErr *LockError
	if !errors.As(err, &lockErr) {
		t.Fatalf("expected *LockError, got %T", err)
	}
	if lockErr.Holder == nil || lockErr.Holder.PID != os.Getpid() {
		t.Errorf("expected holder info, got %+v", lockErr.Holder)
	}
	if !strings.Contains(err.Error(), "another ConvoPipe instance") {
		t.Errorf("unexpected message %q", err.Error())
	}
}

func TestLockReleaseAndReacquire(t *testing.T) {
	dir := t.TempDir()
	lock, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("AcquireLock: %v", err)
	}
	if err := lock.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := lock.Release(); err != nil {
		t.Fatalf("second Release: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, LockFileName)); !os.IsNotExist(err) {
		t.Errorf("lock file should be removed, stat err = %v", err)
	}

	again, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("reacquire: %v", err)
	}
	again.Release()
}

func TestHolderRunning(t *testing.T) {
	if (&Holder{PID: 0}).Running() {
		t.Error("pid 0 must not be running")
	}
	var nilHolder *Holder
	if nilHolder.Running() {
		t.Error("nil holder must not be running")
	}
}

func TestNonExistentDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "state")
	lock, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("AcquireLock: %v", err)
	}
	defer lock.Release()
	if _, err := os.Stat(dir); err != nil {
		t.Errorf("state directory not created: %v", err)
	}
}
