package rcache

import (
	"context"
	"testing"
	"time"
)

func testOptions(t *testing.T) Options {
	t.Helper()
	opts := DefaultOptions()
	opts.Dir = t.TempDir()
	opts.TocInitialSize = 4096
	opts.TocGrowthQuantum = 4096
	opts.TileSize = 256
	opts.TilesPerFile = 16
	opts.LockTimeout = 2 * time.Second
	return opts
}

func TestCacheGetMustComputeThenInsertThenCached(t *testing.T) {
	c, err := NewCache(testOptions(t))
	if err != nil {
		t.Fatalf("NewCache: %v", err)
	}
	defer c.Close()

	key := FNV64Key([]byte("frame-1"))
	ctx := context.Background()

	l, err := c.Get(ctx, key, nil, 0)
	if err != nil {
		t.Fatalf("Get (first): %v", err)
	}
	if l.State() != MustCompute {
		t.Fatalf("first Get state = %v, want MustCompute", l.State())
	}

	payload := NewInlinePayload(key, []byte("rendered bytes"))
	if err := l.Insert(payload); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close after Insert: %v", err)
	}

	l2, err := c.Get(ctx, key, nil, 0)
	if err != nil {
		t.Fatalf("Get (second): %v", err)
	}
	defer l2.Close()
	if l2.State() != Cached {
		t.Fatalf("second Get state = %v, want Cached", l2.State())
	}
	got, ok := l2.Payload().(*InlinePayload)
	if !ok {
		t.Fatalf("Payload() type = %T, want *InlinePayload", l2.Payload())
	}
	if string(got.Bytes) != "rendered bytes" {
		t.Fatalf("Payload bytes = %q, want %q", got.Bytes, "rendered bytes")
	}

	st := c.Stats()
	if st.Hits != 1 || st.Misses != 1 {
		t.Fatalf("Stats() hits/misses = %d/%d, want 1/1", st.Hits, st.Misses)
	}
}

func TestCacheGetRollbackOnCloseWithoutInsert(t *testing.T) {
	c, err := NewCache(testOptions(t))
	if err != nil {
		t.Fatalf("NewCache: %v", err)
	}
	defer c.Close()

	key := FNV64Key([]byte("frame-2"))
	ctx := context.Background()

	l, err := c.Get(ctx, key, nil, 0)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if l.State() != MustCompute {
		t.Fatalf("state = %v, want MustCompute", l.State())
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close (rollback): %v", err)
	}

	l2, err := c.Get(ctx, key, nil, 0)
	if err != nil {
		t.Fatalf("Get after rollback: %v", err)
	}
	defer l2.Close()
	if l2.State() != MustCompute {
		t.Fatalf("state after rollback = %v, want MustCompute (entry should be gone)", l2.State())
	}
}

func TestCacheGetConcurrentCallerSeesComputationPending(t *testing.T) {
	c, err := NewCache(testOptions(t))
	if err != nil {
		t.Fatalf("NewCache: %v", err)
	}
	defer c.Close()

	key := FNV64Key([]byte("frame-3"))
	ctx := context.Background()

	l1, err := c.Get(ctx, key, nil, 0)
	if err != nil {
		t.Fatalf("Get (1): %v", err)
	}
	defer l1.Close()
	if l1.State() != MustCompute {
		t.Fatalf("state = %v, want MustCompute", l1.State())
	}

	l2, err := c.Get(ctx, key, nil, 0)
	if err != nil {
		t.Fatalf("Get (2): %v", err)
	}
	defer l2.Close()
	if l2.State() != ComputationPending {
		t.Fatalf("second concurrent Get state = %v, want ComputationPending", l2.State())
	}
}

func TestCachePersistsAcrossReopen(t *testing.T) {
	opts := testOptions(t)
	ctx := context.Background()
	key := FNV64Key([]byte("frame-4"))

	c1, err := NewCache(opts)
	if err != nil {
		t.Fatalf("NewCache: %v", err)
	}
	l, err := c1.Get(ctx, key, nil, 0)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if err := l.Insert(NewInlinePayload(key, []byte("durable"))); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	l.Close()
	if err := c1.Close(); err != nil {
		t.Fatalf("Close c1: %v", err)
	}

	c2, err := NewCache(opts)
	if err != nil {
		t.Fatalf("NewCache (reopen): %v", err)
	}
	defer c2.Close()

	l2, err := c2.Get(ctx, key, nil, 0)
	if err != nil {
		t.Fatalf("Get (reopen): %v", err)
	}
	defer l2.Close()
	if l2.State() != Cached {
		t.Fatalf("state after reopen = %v, want Cached", l2.State())
	}
	got := l2.Payload().(*InlinePayload)
	if string(got.Bytes) != "durable" {
		t.Fatalf("Payload bytes = %q, want %q", got.Bytes, "durable")
	}
}

func TestCacheNonPersistentStoresLocalHandle(t *testing.T) {
	opts := testOptions(t)
	opts.Persistent = false
	c, err := NewCache(opts)
	if err != nil {
		t.Fatalf("NewCache: %v", err)
	}
	defer c.Close()

	key := FNV64Key([]byte("frame-5"))
	ctx := context.Background()

	l, err := c.Get(ctx, key, nil, 0)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	payload := NewInlinePayload(key, []byte("local only"))
	if err := l.Insert(payload); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	l.Close()

	l2, err := c.Get(ctx, key, nil, 0)
	if err != nil {
		t.Fatalf("Get (second): %v", err)
	}
	defer l2.Close()
	if l2.State() != Cached {
		t.Fatalf("state = %v, want Cached", l2.State())
	}
	if l2.Payload() != payload {
		t.Fatalf("non-persistent Payload() should be the exact instance stored")
	}
}
