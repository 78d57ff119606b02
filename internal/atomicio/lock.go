// Package atomicio provides the substrate's lock-file + temp-file + rename
// write primitive: every durable write to a target path either fully
// lands or leaves the target untouched.
package atomicio

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

// DefaultStaleAfter is how old an unreleased lock file must be before a
// new writer is allowed to take it over.
const DefaultStaleAfter = 2 * time.Minute

// FileLock is a cross-process exclusive lock on a target path's
// "<path>.lock" sidecar file, built on gofrs/flock.
type FileLock struct {
	path       string
	fl         *flock.Flock
	locked     bool
	staleAfter time.Duration
}

// NewFileLock creates a lock guarding target. The lock file itself lives
// alongside target at "<target>.lock".
func NewFileLock(target string) *FileLock {
	lockPath := target + ".lock"
	return &FileLock{
		path:       lockPath,
		fl:         flock.New(lockPath),
		staleAfter: DefaultStaleAfter,
	}
}

// WithStaleAfter overrides the staleness window used by TryLockOrSteal.
func (l *FileLock) WithStaleAfter(d time.Duration) *FileLock {
	l.staleAfter = d
	return l
}

// Lock acquires the lock, blocking until available.
func (l *FileLock) Lock() error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("create lock directory: %w", err)
	}
	if err := l.fl.Lock(); err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	l.locked = true
	return nil
}

// TryLock attempts to acquire the lock without blocking.
func (l *FileLock) TryLock() (bool, error) {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return false, fmt.Errorf("create lock directory: %w", err)
	}
	acquired, err := l.fl.TryLock()
	if err != nil {
		return false, fmt.Errorf("acquire lock: %w", err)
	}
	if acquired {
		l.locked = true
	}
	return acquired, nil
}

// TryLockOrSteal attempts to acquire the lock; if held, and the lock
// file's mtime is older than staleAfter (the holder likely crashed
// without releasing it), it removes the stale lock file and retries once.
func (l *FileLock) TryLockOrSteal() (bool, error) {
	acquired, err := l.TryLock()
	if err != nil || acquired {
		return acquired, err
	}

	info, statErr := os.Stat(l.path)
	if statErr != nil {
		// Lock file vanished between the failed TryLock and the stat; retry.
		return l.TryLock()
	}
	if time.Since(info.ModTime()) < l.staleAfter {
		return false, nil
	}

	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return false, fmt.Errorf("remove stale lock: %w", err)
	}
	l.fl = flock.New(l.path)
	return l.TryLock()
}

// Unlock releases the lock. Safe to call multiple times.
func (l *FileLock) Unlock() error {
	if !l.locked {
		return nil
	}
	if err := l.fl.Unlock(); err != nil {
		l.locked = false
		return fmt.Errorf("release lock: %w", err)
	}
	l.locked = false
	return nil
}

func (l *FileLock) Path() string    { return l.path }
func (l *FileLock) IsLocked() bool  { return l.locked }
