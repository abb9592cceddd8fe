package rcache

import (
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func TestFlockRWTryLockExclusiveContested(t *testing.T) {
	path := filepath.Join(t.TempDir(), "Lock")
	a, err := OpenFlockRW(path)
	if err != nil {
		t.Fatalf("OpenFlockRW a: %v", err)
	}
	defer a.Close()
	b, err := OpenFlockRW(path)
	if err != nil {
		t.Fatalf("OpenFlockRW b: %v", err)
	}
	defer b.Close()

	ok, err := a.TryLockExclusive()
	if err != nil || !ok {
		t.Fatalf("a.TryLockExclusive() = (%v, %v), want (true, nil)", ok, err)
	}

	ok, err = b.TryLockExclusive()
	if err != nil {
		t.Fatalf("b.TryLockExclusive() error: %v", err)
	}
	if ok {
		t.Fatal("b.TryLockExclusive() succeeded while a held the lock")
	}

	if err := a.Unlock(); err != nil {
		t.Fatalf("a.Unlock: %v", err)
	}
	ok, err = b.TryLockExclusive()
	if err != nil || !ok {
		t.Fatalf("b.TryLockExclusive() after a.Unlock = (%v, %v), want (true, nil)", ok, err)
	}
}

func TestFlockRWExclusiveTimesOut(t *testing.T) {
	path := filepath.Join(t.TempDir(), "Lock")
	a, err := OpenFlockRW(path)
	if err != nil {
		t.Fatalf("OpenFlockRW a: %v", err)
	}
	defer a.Close()
	b, err := OpenFlockRW(path)
	if err != nil {
		t.Fatalf("OpenFlockRW b: %v", err)
	}
	defer b.Close()

	if err := a.LockExclusive(time.Second); err != nil {
		t.Fatalf("a.LockExclusive: %v", err)
	}

	err = b.LockExclusive(20 * time.Millisecond)
	var al *AbandonedLockError
	if !errors.As(err, &al) {
		t.Fatalf("b.LockExclusive while a holds it = %v, want *AbandonedLockError", err)
	}
}

func TestFlockRWSharedAllowsMultipleReaders(t *testing.T) {
	path := filepath.Join(t.TempDir(), "Lock")
	a, err := OpenFlockRW(path)
	if err != nil {
		t.Fatalf("OpenFlockRW a: %v", err)
	}
	defer a.Close()
	b, err := OpenFlockRW(path)
	if err != nil {
		t.Fatalf("OpenFlockRW b: %v", err)
	}
	defer b.Close()

	if err := a.LockShared(time.Second); err != nil {
		t.Fatalf("a.LockShared: %v", err)
	}
	if err := b.LockShared(time.Second); err != nil {
		t.Fatalf("b.LockShared while a holds shared: %v", err)
	}
}
