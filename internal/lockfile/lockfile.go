// Package lockfile keeps two ConvoPipe processes from sharing one state
// directory, which the SQLite backend and the whatsmeow device store cannot
// tolerate.
//
// The lock is an flock on a file in the state directory, so the kernel drops
// it when the process exits for any reason.
package lockfile

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"syscall"
	"time"
)

// LockFileName is the name of the lock file created in the state directory
const LockFileName = "convopipe.lock"

// Holder describes the process holding a lock. It is written into the lock
// file as JSON.
type Holder struct {
	PID       int       `json:"pid"`
	Hostname  string    `json:"hostname,omitempty"`
	StartedAt time.Time `json:"started_at"`
}

// Lock is an acquired state directory lock.
type Lock struct {
	file *os.File
	path string
}

// AcquireLock takes the exclusive lock on stateDir, creating the directory if
// needed. If another process holds it, a *LockError is returned.
func AcquireLock(stateDir string) (*Lock, error) {
	lockPath := filepath.Join(stateDir, LockFileName)
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory %s: %w", stateDir, err)
	}

	file, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file %s: %w", lockPath, err)
	}
	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		file.Close()
		holder, _ := ReadHolder(lockPath)
		slog.Error("AcquireLock: state directory is locked by another process", "lock_path", lockPath, "holder_pid", pidOf(holder))
		return nil, &LockError{LockPath: lockPath, Holder: holder, Cause: err}
	}

	if err := writeHolder(file); err != nil {
		_ = syscall.Flock(int(file.Fd()), syscall.LOCK_UN)
		file.Close()
		return nil, fmt.Errorf("failed to write lock information to %s: %w", lockPath, err)
	}

	slog.Info("AcquireLock: state directory locked", "lock_path", lockPath, "pid", os.Getpid())
	return &Lock{file: file, path: lockPath}, nil
}

func writeHolder(file *os.File) error {
	host, _ := os.Hostname()
	data, err := json.Marshal(Holder{PID: os.Getpid(), Hostname: host, StartedAt: time.Now().UTC()})
	if err != nil {
		return err
	}
	if err := file.Truncate(0); err != nil {
		return err
	}
	if _, err := file.WriteAt(data, 0); err != nil {
		return err
	}
	if err := file.Sync(); err != nil {
		slog.Warn("AcquireLock: failed to sync lock file", "error", err)
	}
	return nil
}

// Path returns the lock file path.
func (l *Lock) Path() string { return l.path }

// Release drops the lock and removes the lock file. It is safe to call more
// than once.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	var errs []error
	// Remove before unlocking so a new holder never sees its file deleted.
	if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		errs = append(errs, err)
	}
	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN); err != nil {
		errs = append(errs, err)
	}
	if err := l.file.Close(); err != nil {
		errs = append(errs, err)
	}
	l.file = nil
	slog.Info("Lock.Release: state directory unlocked", "lock_path", l.path)
	return errors.Join(errs...)
}

// ReadHolder reads the holder recorded in a lock file.
func ReadHolder(lockPath string) (*Holder, error) {
	data, err := os.ReadFile(lockPath)
	if err != nil {
		return nil, err
	}
	var h Holder
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("unreadable lock file: %w", err)
	}
	return &h, nil
}

// Running reports whether the holder's process still exists on this host.
func (h *Holder) Running() bool {
	if h == nil || h.PID <= 0 {
		return false
	}
	process, err := os.FindProcess(h.PID)
	if err != nil {
		return false
	}
	// Signal 0 only checks that the process exists.
	return process.Signal(syscall.Signal(0)) == nil
}

func pidOf(h *Holder) int {
	if h == nil {
		return 0
	}
	return h.PID
}

// LockError reports that another process holds the lock.
type LockError struct {
	LockPath string
	Holder   *Holder
	Cause    error
}

func (e *LockError) Error() string {
	msg := fmt.Sprintf("another ConvoPipe instance is using this state directory (lock file %s)", e.LockPath)
	if e.Holder != nil {
		state := "running"
		if !e.Holder.Running() {
			state = "not running, the lock may be stale"
		}
		msg += fmt.Sprintf("; holder pid %d on %s since %s (%s)",
			e.Holder.PID, e.Holder.Hostname, e.Holder.StartedAt.Format(time.RFC3339), state)
	}
	return msg
}

func (e *LockError) Unwrap() error {
	return e.Cause
}
