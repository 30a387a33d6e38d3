// Package filelock provides cross-process advisory locking and atomic file
// replacement.
//
// Locks use flock(2), so exclusion holds between independent OS processes,
// not just goroutines. Lock files are siblings of the data file: the data
// file itself is replaced by rename, which would orphan a lock held on its
// old inode.
package filelock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// ErrLockTimeout matches any LockTimeoutError via errors.Is.
var ErrLockTimeout = errors.New("lock acquisition timed out")

// pollInterval is how often a contended acquisition retries flock.
const pollInterval = 10 * time.Millisecond

// LockTimeoutError reports a lock that could not be acquired in time.
// Callers decide whether to retry, skip, or abort.
type LockTimeoutError struct {
	Path    string
	Timeout time.Duration
}

func (e *LockTimeoutError) Error() string {
	return fmt.Sprintf("timed out after %v waiting for lock on %s", e.Timeout, e.Path)
}

func (e *LockTimeoutError) Is(target error) bool {
	return target == ErrLockTimeout
}

// FileLock is an advisory lock on a path. Zero value is not usable; create
// with New. A FileLock is not safe for concurrent use by multiple
// goroutines; each locker opens its own.
type FileLock struct {
	path string
	f    *os.File
}

// New creates an unacquired lock for path.
func New(path string) *FileLock {
	return &FileLock{path: path}
}

// AcquireExclusive takes the write lock, waiting up to timeout.
func (l *FileLock) AcquireExclusive(ctx context.Context, timeout time.Duration) error {
	return l.acquire(ctx, timeout, unix.LOCK_EX)
}

// AcquireShared takes the read lock, waiting up to timeout. Multiple
// processes may hold the shared lock at once.
func (l *FileLock) AcquireShared(ctx context.Context, timeout time.Duration) error {
	return l.acquire(ctx, timeout, unix.LOCK_SH)
}

func (l *FileLock) acquire(ctx context.Context, timeout time.Duration, how int) error {
	if l.f != nil {
		return fmt.Errorf("lock on %s already held", l.path)
	}

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return fmt.Errorf("failed to open lock file %s: %w", l.path, err)
	}

	deadline := time.Now().Add(timeout)
	for {
		err := unix.Flock(int(f.Fd()), how|unix.LOCK_NB)
		if err == nil {
			l.f = f
			return nil
		}
		if !errors.Is(err, unix.EWOULDBLOCK) && !errors.Is(err, unix.EAGAIN) {
			_ = f.Close()
			return fmt.Errorf("flock on %s: %w", l.path, err)
		}
		if time.Now().After(deadline) {
			_ = f.Close()
			return &LockTimeoutError{Path: l.path, Timeout: timeout}
		}
		select {
		case <-ctx.Done():
			_ = f.Close()
			return ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// Release drops the lock. Safe to call when not held.
func (l *FileLock) Release() error {
	if l.f == nil {
		return nil
	}
	unlockErr := unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	closeErr := l.f.Close()
	l.f = nil
	if unlockErr != nil {
		return fmt.Errorf("failed to unlock %s: %w", l.path, unlockErr)
	}
	if closeErr != nil {
		return fmt.Errorf("failed to close lock file %s: %w", l.path, closeErr)
	}
	return nil
}

// WithExclusive runs fn while holding the exclusive lock on path. The lock
// is released on every exit path.
func WithExclusive(ctx context.Context, path string, timeout time.Duration, fn func() error) error {
	l := New(path)
	if err := l.AcquireExclusive(ctx, timeout); err != nil {
		return err
	}
	defer func() { _ = l.Release() }()
	return fn()
}

// WithShared runs fn while holding the shared lock on path.
func WithShared(ctx context.Context, path string, timeout time.Duration, fn func() error) error {
	l := New(path)
	if err := l.AcquireShared(ctx, timeout); err != nil {
		return err
	}
	defer func() { _ = l.Release() }()
	return fn()
}
