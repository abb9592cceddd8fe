package rcache

import (
	"fmt"

	"golang.org/x/sync/singleflight"
)

// recoveryCoordinator implements the abandonment-recovery protocol: any
// timed lock that exceeds its timeout signals that its holder died without
// releasing it, so every other process must reinitialize the control
// segment and wipe the cache before continuing.
//
// The process-local writer lock plus the n_timed_out recount-and-wait are
// collapsed into a single singleflight.Group: every goroutine in this
// process that observes the same recovery round collapses onto one
// in-flight Do call, the same dedup pattern used against a backing-store
// load by krisalay-in-memory-cache's ShardedCache.Get. The file-lock
// handoff and the two named-semaphore barriers that follow are realized
// against the ControlSegment's atomic counters and FlockRW.
type recoveryCoordinator struct {
	cache *Cache
	group singleflight.Group
}

func newRecoveryCoordinator(c *Cache) *recoveryCoordinator {
	return &recoveryCoordinator{cache: c}
}

// trigger runs the recovery protocol at most once per overlapping burst of
// callers (every caller in this process that hits it concurrently shares
// one run, via singleflight), then performs the full cache wipe required
// after AbandonedLock/Corrupted. Errors are discarded at this layer; the
// caller already treats the originating operation as a soft
// failure (ErrNotFound) regardless of how recovery went.
func (r *recoveryCoordinator) trigger(cause error) {
	_, _, _ = r.group.Do("recover", func() (any, error) {
		return nil, r.run(cause)
	})
}

func (r *recoveryCoordinator) run(cause error) error {
	c := r.cache
	timeout := c.opts.LockTimeout

	// Step 2: release our shared hold and mark this recovery in progress.
	c.control.IncTimedOut()
	defer c.control.DecTimedOut()

	c.control.SetAllMappingInvalid()
	if err := c.fileLock.Unlock(); err != nil {
		return fmt.Errorf("rcache: recovery release file lock: %w", err)
	}
	c.control.SemInvalidPost()

	// Step 3: acquire the file lock exclusively — eventually succeeds once
	// every peer observing the same abandonment has also released its
	// shared hold.
	if err := c.fileLock.LockExclusive(timeout); err != nil {
		return fmt.Errorf("rcache: recovery acquire file lock: %w", err)
	}

	// Step 4: sem_valid starts every round at 0. try_wait decrementing
	// successfully means some other process already reinitialized and
	// posted; finding it at 0 means we are first.
	weAreFirst := !c.control.SemValidTryWait()
	if weAreFirst {
		c.control.ResetAfterAbandon()
		if err := c.wipeAll(); err != nil {
			c.fileLock.Unlock()
			return fmt.Errorf("rcache: recovery wipe: %w", err)
		}
	}

	// Step 5: signal valid (restoring the count try_wait may have just
	// consumed), consume one sem_invalid token, then release the file
	// lock. Every recovering process posted exactly one sem_invalid token
	// back in step 2, and the token consumed here may be this process's
	// own, so this wait does not hold a process back until the rest of the
	// cohort has reached the same point.
	c.control.SemValidPost()
	if err := c.control.SemInvalidWait(timeout); err != nil {
		c.fileLock.Unlock()
		return fmt.Errorf("rcache: recovery sem_invalid wait: %w", err)
	}
	c.fileLock.Unlock()

	// Step 6: reacquire the file lock in shared mode, recovery complete.
	if err := c.fileLock.LockShared(timeout); err != nil {
		return fmt.Errorf("rcache: recovery reacquire shared file lock: %w", err)
	}

	// The reset above cleared every shard's mapping state; mark this
	// process's mappings valid again and re-register it as a reader, as
	// openShard does at startup.
	for _, sh := range c.shards {
		if sh != nil {
			c.control.SetMappingValid(sh.index, true)
			c.control.IncActiveReaders(sh.index)
		}
	}

	return cause
}

// wipeAll re-truncates every shard's ToC file and every tile-storage file,
// the full cache wipe required after an abandoned lock or corruption is
// observed.
func (c *Cache) wipeAll() error {
	var firstErr error
	for _, sh := range c.shards {
		if sh == nil {
			continue
		}
		if err := sh.wipe(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if c.tiles != nil {
		if err := c.tiles.wipeTileFiles(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
