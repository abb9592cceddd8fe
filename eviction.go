package rcache

import (
	"context"
	"time"
)

// currentSize sums every shard's billed size, used to decide whether an
// eviction round is needed and when to stop one already in progress.
func (c *Cache) currentSize() uint64 {
	var total uint64
	for _, sh := range c.shards {
		if sh != nil {
			total += sh.Size()
		}
	}
	return total
}

// evictOnce runs one round-robin sweep across all 256 shards, evicting the
// front (least-recently-used) entry of each shard that has one.
// It returns the number of entries evicted and the bytes freed.
func (c *Cache) evictOnce(timeout time.Duration) (evicted int, freed uint64, err error) {
	for _, sh := range c.shards {
		if sh == nil {
			continue
		}
		n, f, e := c.evictFrontOf(sh, timeout)
		if e != nil {
			return evicted, freed, c.handleRecoverable(e)
		}
		if n {
			evicted++
			freed += f
		}
	}
	return evicted, freed, nil
}

// evictFrontOf wraps Shard.evictFront with the corruption-RAII and
// process-local handle cleanup that eviction (unlike the Locker paths)
// doesn't otherwise go through Cache for.
func (c *Cache) evictFrontOf(sh *Shard, timeout time.Duration) (ok bool, freed uint64, err error) {
	err = sh.withTocLockShared(timeout, func() error {
		if err := sh.shardLock.LockExclusive(timeout); err != nil {
			return err
		}
		release, err := sh.enter()
		if err != nil {
			sh.shardLock.Unlock()
			return err
		}
		defer func() {
			release()
			sh.shardLock.Unlock()
		}()

		_, f, found, ferr := sh.evictFront(timeout)
		if ferr != nil {
			return ferr
		}
		ok, freed = found, f
		return nil
	})
	return ok, freed, err
}

// Evict runs eviction rounds until either a round frees nothing (no
// entries remain anywhere) or the cache is back at or under
// Options.MaxCacheSize: best-effort, never blocking callers beyond the
// caller's own explicit invocation.
func (c *Cache) Evict(timeout time.Duration) error {
	return c.EvictTo(timeout, c.opts.MaxCacheSize)
}

// EvictTo is Evict against an explicit target size rather than
// Options.MaxCacheSize, for callers that want a one-off pass to a
// different bound.
func (c *Cache) EvictTo(timeout time.Duration, targetBytes int64) error {
	target := uint64(targetBytes)
	for c.currentSize() > target {
		evicted, _, err := c.evictOnce(timeout)
		if err != nil {
			return err
		}
		if evicted == 0 {
			return nil
		}
	}
	return nil
}

// RunEvictionLoop calls Evict once every interval, for callers that want a
// separate background thread driving eviction instead of relying on the
// insert-triggered sweep alone. It runs in the calling goroutine, starting
// none of its own, and returns once ctx is canceled.
func (c *Cache) RunEvictionLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = c.Evict(c.opts.LockTimeout)
		}
	}
}
