package rcache

import (
	"context"
	"fmt"
	"testing"
)

func insertKeyed(t *testing.T, c *Cache, name string, size int) Key {
	t.Helper()
	key := FNV64Key([]byte(name))
	l, err := c.Get(context.Background(), key, nil, 0)
	if err != nil {
		t.Fatalf("Get(%s): %v", name, err)
	}
	defer l.Close()
	if l.State() != MustCompute {
		t.Fatalf("Get(%s) state = %v, want MustCompute", name, l.State())
	}
	if err := l.Insert(NewInlinePayload(key, make([]byte, size))); err != nil {
		t.Fatalf("Insert(%s): %v", name, err)
	}
	return key
}

func TestEvictShrinksToTarget(t *testing.T) {
	opts := testOptions(t)
	opts.MaxCacheSize = 1 << 30 // large enough that nothing auto-evicts on insert
	c, err := NewCache(opts)
	if err != nil {
		t.Fatalf("NewCache: %v", err)
	}
	defer c.Close()

	for i := 0; i < 20; i++ {
		insertKeyed(t, c, fmt.Sprintf("entry-%d", i), 64)
	}

	before := c.currentSize()
	if before == 0 {
		t.Fatal("expected non-zero size after inserting 20 entries")
	}

	target := before / 2
	if err := c.EvictTo(opts.LockTimeout, int64(target)); err != nil {
		t.Fatalf("EvictTo: %v", err)
	}
	after := c.currentSize()
	if after > target {
		t.Fatalf("currentSize() after EvictTo(%d) = %d, want <= %d", target, after, target)
	}
}

func TestEvictOnEmptyCacheIsNoOp(t *testing.T) {
	c, err := NewCache(testOptions(t))
	if err != nil {
		t.Fatalf("NewCache: %v", err)
	}
	defer c.Close()

	if err := c.Evict(c.opts.LockTimeout); err != nil {
		t.Fatalf("Evict on empty cache: %v", err)
	}
}

func TestVerifyTilePartitionCleanOnFreshCache(t *testing.T) {
	c, err := NewCache(testOptions(t))
	if err != nil {
		t.Fatalf("NewCache: %v", err)
	}
	defer c.Close()

	violations, err := c.VerifyTilePartition()
	if err != nil {
		t.Fatalf("VerifyTilePartition: %v", err)
	}
	if len(violations) != 0 {
		t.Fatalf("VerifyTilePartition on a fresh cache = %v, want none", violations)
	}
}
