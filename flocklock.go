package rcache

import (
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// FlockRW is a reader/writer lock realized as flock(2) shared/exclusive
// modes on a dedicated file, giving real cross-process mutual exclusion
// without requiring mutexes to live in anonymous shared memory. It is the Go stand-in for each shard's
// toc_lock/shard_lock pair and for lru_lock (used exclusive-only).
//
// Acquisition is bounded by a timeout; exceeding it returns
// *AbandonedLockError so the caller can run the recovery protocol.
type FlockRW struct {
	path string
	file *os.File
}

// OpenFlockRW opens or creates the lock file at path. The file's contents
// are never read; its only purpose is to be a kernel-visible lock handle
// that a crashed process can't leave held (flock is released automatically
// on process exit, even on SIGKILL).
func OpenFlockRW(path string) (*FlockRW, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file %s: %w", path, err)
	}
	return &FlockRW{path: path, file: f}, nil
}

const flockRetryInterval = 2 * time.Millisecond

// LockShared acquires the lock in shared (reader) mode, retrying until
// acquired or timeout elapses.
func (l *FlockRW) LockShared(timeout time.Duration) error {
	return l.acquire(unix.LOCK_SH, timeout, "shared:"+l.path)
}

// LockExclusive acquires the lock in exclusive (writer) mode.
func (l *FlockRW) LockExclusive(timeout time.Duration) error {
	return l.acquire(unix.LOCK_EX, timeout, "exclusive:"+l.path)
}

// TryLockExclusive makes one non-blocking attempt, used by the
// coordinator's startup "am I the sole process" check.
func (l *FlockRW) TryLockExclusive() (bool, error) {
	err := unix.Flock(int(l.file.Fd()), unix.LOCK_EX|unix.LOCK_NB)
	if err == nil {
		return true, nil
	}
	if err == unix.EWOULDBLOCK || err == unix.EAGAIN {
		return false, nil
	}
	return false, fmt.Errorf("try-flock %s: %w", l.path, err)
}

func (l *FlockRW) acquire(mode int, timeout time.Duration, label string) error {
	deadline := time.Now().Add(timeout)
	for {
		err := unix.Flock(int(l.file.Fd()), mode|unix.LOCK_NB)
		if err == nil {
			return nil
		}
		if err != unix.EWOULDBLOCK && err != unix.EAGAIN {
			return fmt.Errorf("flock %s: %w", l.path, err)
		}
		if time.Now().After(deadline) {
			return &AbandonedLockError{Lock: label, Err: fmt.Errorf("timed out after %s", timeout)}
		}
		time.Sleep(flockRetryInterval)
	}
}

// Unlock releases whichever mode is currently held.
func (l *FlockRW) Unlock() error {
	if err := unix.Flock(int(l.file.Fd()), unix.LOCK_UN); err != nil {
		return fmt.Errorf("unlock %s: %w", l.path, err)
	}
	return nil
}

// Close releases the OS handle. Closing also implicitly unlocks.
func (l *FlockRW) Close() error {
	return l.file.Close()
}
