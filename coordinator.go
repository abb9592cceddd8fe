package rcache

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"
)

// Cache is the top-level coordinator: the array of 256 shards, the tile
// store they share, the control segment backing the growth/remap and
// abandonment-recovery protocols, and the global file lock that decides
// who runs first-process startup.
type Cache struct {
	opts Options
	dir  string

	fileLock *FlockRW
	control  *ControlSegment
	shards   [ShardCount]*Shard
	tiles    *TileStore

	defaultDeserializer Deserializer
	workerSlots         *WorkerSlotPool
	local               *localPayloadTable
	recovery            *recoveryCoordinator

	ownerTagSeq atomic.Uint64
	closed      atomic.Bool

	hits   atomic.Uint64
	misses atomic.Uint64

	evictCh   chan struct{}
	evictDone chan struct{}
}

// NewCache opens or creates a persistent cache rooted at opts.Dir, running
// the startup sequence: resolve the directory, decide whether this
// process is the sole owner of the control segment, open every shard, and
// enumerate (or create) the tile-storage files.
func NewCache(opts Options) (*Cache, error) {
	opts.applyDefaults()
	if opts.Dir == "" {
		return nil, errors.New("rcache: Options.Dir is required")
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("rcache: create cache dir: %w", err)
	}

	fileLock, err := OpenFlockRW(filepath.Join(opts.Dir, "Lock"))
	if err != nil {
		return nil, err
	}

	sole, err := fileLock.TryLockExclusive()
	if err != nil {
		fileLock.Close()
		return nil, err
	}

	controlPath := filepath.Join(opts.Dir, opts.controlSegmentName())
	if sole {
		// We are the only process touching this cache directory right
		// now; any control segment left behind is from a crashed run
		// and may hold stale counters, so start clean.
		os.Remove(controlPath)
	}
	control, err := OpenControlSegment(controlPath)
	if err != nil {
		fileLock.Close()
		return nil, err
	}
	if sole {
		control.Reset()
	}

	if err := verifyOrWriteConfig(filepath.Join(opts.Dir, ".rcache-config.json"), &opts); err != nil {
		control.Close()
		fileLock.Close()
		return nil, err
	}

	if sole {
		// flock has no atomic exclusive->shared downgrade; release and
		// reacquire instead.
		fileLock.Unlock()
	}
	if err := fileLock.LockShared(opts.LockTimeout); err != nil {
		control.Close()
		fileLock.Close()
		return nil, err
	}

	c := &Cache{
		opts:                opts,
		dir:                 opts.Dir,
		fileLock:            fileLock,
		control:             control,
		defaultDeserializer: inlineDeserializer{},
		workerSlots:         NewWorkerSlotPool(opts.WorkerPoolSize),
		local:               newLocalPayloadTable(),
		evictCh:             make(chan struct{}, 1),
		evictDone:           make(chan struct{}),
	}
	c.recovery = newRecoveryCoordinator(c)
	go c.evictorLoop()

	tiles, err := openTileStore(opts.Dir, &opts)
	if err != nil {
		c.Close()
		return nil, err
	}
	c.tiles = tiles

	for i := 0; i < ShardCount; i++ {
		sh, err := openShard(opts.Dir, uint8(i), &opts, control, tiles)
		if err != nil {
			c.Close()
			return nil, err
		}
		sh.onEntryFree = c.purgeLocalHandle
		c.shards[i] = sh
	}
	tiles.bindShards(c.shards)

	return c, nil
}

// purgeLocalHandle drops e's process-local payload, if any, from the
// non-persistent storage variant's handle table.
func (c *Cache) purgeLocalHandle(e *EntryHeader) {
	if c.opts.Persistent || e.localHandle == 0 {
		return
	}
	c.local.delete(e.localHandle)
}

// Get obtains a Locker for key. deserializer may be nil to use the
// cache-wide default (plain byte-slice payloads via InlinePayload).
func (c *Cache) Get(ctx context.Context, key Key, deserializer Deserializer, timeout time.Duration) (*Locker, error) {
	if deserializer == nil {
		deserializer = c.defaultDeserializer
	}
	if timeout <= 0 {
		timeout = c.opts.LockTimeout
	}
	sh := c.shards[key.ShardIndex()]
	ownerTag := c.newOwnerTag()

	l, err := c.readPass(sh, key, ownerTag, deserializer, timeout)
	if err != nil {
		return nil, c.handleRecoverable(err)
	}
	if l != nil {
		c.countResult(l)
		return l, nil
	}

	l, err = c.writePass(sh, key, ownerTag, deserializer, timeout, false)
	if err != nil {
		return nil, c.handleRecoverable(err)
	}
	c.countResult(l)
	return l, nil
}

// countResult tallies the Stats hit/miss counters: a Locker handed back
// already Cached is a hit, anything the caller must wait on or compute is
// a miss, matching the "was the payload already there" sense of hit rate.
func (c *Cache) countResult(l *Locker) {
	if l.state == Cached {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
}

// newOwnerTag mints an identifier used only to detect same-goroutine
// re-entry into a key already Pending under this process; it stands in
// for an opaque identifier of the thread that reserved the entry.
func (c *Cache) newOwnerTag() uint64 {
	return uint64(os.Getpid())<<32 | c.ownerTagSeq.Add(1)
}

// materializeReady turns a Ready EntryHeader into a process-local Payload,
// the read-path deserialization step. hasWriteLock distinguishes the read
// pass (false) from the write pass's double-check (true); NeedWriteLock
// observed while hasWriteLock is already true is reported as
// DeserializationFailedError instead of being asserted away.
func (c *Cache) materializeReady(sh *Shard, e *EntryHeader, key Key, deserializer Deserializer, hasWriteLock bool) (Payload, error) {
	if !c.opts.Persistent {
		p, ok := c.local.get(e.localHandle)
		if !ok {
			return nil, &DeserializationFailedError{Key: key}
		}
		return p, nil
	}

	p, err := deserializer.Deserialize(sh.seg, e.payloadOff, e.payloadLen, key, hasWriteLock)
	if err != nil {
		if errors.Is(err, ErrNeedWriteLock) {
			if hasWriteLock {
				return nil, &DeserializationFailedError{Key: key, Err: err}
			}
			return nil, err
		}
		return nil, err
	}
	if p.HashOfDeserialized() != key {
		return nil, &DeserializationFailedError{Key: key}
	}
	return p, nil
}

// readPass implements the construction (first lookup) read path. It
// returns a non-nil Locker for Cached or ComputationPending outcomes, and
// nil (with a nil error) when the caller must fall through to the write
// path: not found, Null, same-thread Pending re-entry, or a Ready entry
// whose deserialization needs the write lock or has failed its self-check.
func (c *Cache) readPass(sh *Shard, key Key, ownerTag uint64, deserializer Deserializer, timeout time.Duration) (*Locker, error) {
	var result *Locker
	var touchOff offset

	err := sh.withTocLockShared(timeout, func() error {
		if err := sh.shardLock.LockShared(timeout); err != nil {
			return err
		}

		entOff, found := sh.lookup(key)
		if !found {
			sh.shardLock.Unlock()
			return nil
		}
		e := sh.seg.derefEntry(entOff)

		switch e.status {
		case StatusReady:
			p, derr := c.materializeReady(sh, e, key, deserializer, false)
			sh.shardLock.Unlock()
			if derr != nil {
				if errors.Is(derr, ErrNeedWriteLock) {
					return nil
				}
				var df *DeserializationFailedError
				if errors.As(derr, &df) {
					return nil
				}
				return derr
			}
			touchOff = entOff
			result = &Locker{cache: c, shard: sh, key: key, ownerTag: ownerTag, deserializer: deserializer, timeout: timeout, state: Cached, entOff: entOff, payload: p}
			return nil
		case StatusPending:
			if e.ownerTag == ownerTag {
				sh.shardLock.Unlock()
				return nil
			}
			result = &Locker{cache: c, shard: sh, key: key, ownerTag: ownerTag, deserializer: deserializer, timeout: timeout, state: ComputationPending, entOff: entOff}
			sh.shardLock.Unlock()
			return nil
		default:
			sh.shardLock.Unlock()
			return nil
		}
	})
	if err != nil {
		return nil, err
	}
	if !touchOff.isNull() {
		if err := sh.touchLRU(timeout, touchOff); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// writePass implements the write path: reservation, takeover, and the
// double-checked Ready/Pending branches. takeover requests that a foreign
// Pending owner be displaced (used after the caller's own wait timed out).
func (c *Cache) writePass(sh *Shard, key Key, ownerTag uint64, deserializer Deserializer, timeout time.Duration, takeover bool) (*Locker, error) {
	var result *Locker
	var touchOff offset

	err := sh.withTocLockShared(timeout, func() error {
		if err := sh.shardLock.LockExclusive(timeout); err != nil {
			return err
		}
		release, err := sh.enter()
		if err != nil {
			sh.shardLock.Unlock()
			return err
		}
		finish := func() {
			release()
			sh.shardLock.Unlock()
		}

		entOff, found := sh.lookup(key)
		if found {
			e := sh.seg.derefEntry(entOff)
			switch e.status {
			case StatusReady:
				p, derr := c.materializeReady(sh, e, key, deserializer, true)
				if derr == nil {
					touchOff = entOff
					result = &Locker{cache: c, shard: sh, key: key, ownerTag: ownerTag, deserializer: deserializer, timeout: timeout, state: Cached, entOff: entOff, payload: p}
					finish()
					return nil
				}
				var df *DeserializationFailedError
				if !errors.As(derr, &df) {
					finish()
					return derr
				}
				if derr2 := sh.deallocateEntry(timeout, key, entOff); derr2 != nil {
					finish()
					return derr2
				}
				found = false
			case StatusPending:
				if e.ownerTag == ownerTag || takeover {
					e.ownerTag = ownerTag
					result = &Locker{cache: c, shard: sh, key: key, ownerTag: ownerTag, deserializer: deserializer, timeout: timeout, state: MustCompute, entOff: entOff}
				} else {
					result = &Locker{cache: c, shard: sh, key: key, ownerTag: ownerTag, deserializer: deserializer, timeout: timeout, state: ComputationPending, entOff: entOff}
				}
				finish()
				return nil
			default: // StatusNull lingering from a partial prior failure
				if derr2 := sh.deallocateEntry(timeout, key, entOff); derr2 != nil {
					finish()
					return derr2
				}
				found = false
			}
		}

		if !found {
			newOff, rerr := sh.reserve(timeout, key, ownerTag, 0)
			if rerr != nil {
				finish()
				return rerr
			}
			result = &Locker{cache: c, shard: sh, key: key, ownerTag: ownerTag, deserializer: deserializer, timeout: timeout, state: MustCompute, entOff: newOff}
		}
		finish()
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !touchOff.isNull() {
		if terr := sh.touchLRU(timeout, touchOff); terr != nil {
			return nil, terr
		}
	}
	return result, nil
}

// takeover is writePass with displacement of a foreign Pending owner
// enabled, invoked by Locker.Wait once the caller's own timeout elapses.
func (c *Cache) takeover(sh *Shard, key Key, ownerTag uint64, deserializer Deserializer, timeout time.Duration) (*Locker, error) {
	return c.writePass(sh, key, ownerTag, deserializer, timeout, true)
}

// insert implements the insertion step, called from Locker.Insert.
func (c *Cache) insert(l *Locker, p Payload) error {
	sh := l.shard
	return sh.withTocLockShared(l.timeout, func() error {
		if err := sh.shardLock.LockExclusive(l.timeout); err != nil {
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

		entOff, found := sh.lookup(l.key)
		if !found {
			return nil // cache was wiped out from under us; no-op
		}
		e := sh.seg.derefEntry(entOff)
		if e.ownerTag == 0 {
			// A recursive resolution already made this Ready.
			return nil
		}

		if !c.opts.Persistent {
			e.localHandle = c.local.put(p)
			e.byteSize = p.MetadataSize()
			return sh.commitReady(l.timeout, entOff, e.byteSize, 0)
		}

		var tileBytes uint64
		if tp, ok := p.(TiledPayload); ok {
			tileBytes, err = sh.storeTiles(l.timeout, e, tp)
			if err != nil {
				return err
			}
		}

		off, n, serr := sh.serializePayload(l.timeout, p)
		if serr != nil {
			return serr
		}
		e.payloadOff = off
		e.payloadLen = n
		return sh.commitReady(l.timeout, entOff, n, tileBytes)
	})
}

// evictorLoop is the background worker driving insertion-triggered
// eviction: every insertion nudges it via a non-blocking send on evictCh
// rather than evicting inline, so a writer is never blocked by eviction it
// triggered.
func (c *Cache) evictorLoop() {
	for {
		select {
		case <-c.evictCh:
			_ = c.Evict(c.opts.LockTimeout)
		case <-c.evictDone:
			return
		}
	}
}

// triggerEviction requests an eviction pass without blocking the caller.
func (c *Cache) triggerEviction() {
	select {
	case c.evictCh <- struct{}{}:
	default:
	}
}

// rollback implements the drop-without-insert protocol.
func (c *Cache) rollback(l *Locker) error {
	sh := l.shard
	return sh.withTocLockShared(l.timeout, func() error {
		if err := sh.shardLock.LockExclusive(l.timeout); err != nil {
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

		entOff, found := sh.lookup(l.key)
		if !found {
			return nil
		}
		e := sh.seg.derefEntry(entOff)
		if e.ownerTag != l.ownerTag {
			// Someone else already took over or finished this key.
			return nil
		}
		return sh.deallocateEntry(l.timeout, l.key, entOff)
	})
}

// handleRecoverable implements the propagation policy for AbandonedLock
// and Corrupted: trigger recovery, then surface the call as a miss.
func (c *Cache) handleRecoverable(err error) error {
	if err == nil {
		return nil
	}
	if isRecoverable(err) {
		c.recovery.trigger(err)
		return ErrNotFound
	}
	return err
}

// Close releases every resource opened by NewCache.
func (c *Cache) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	// The send completes only once evictorLoop is back in its select, so
	// no Evict call is still reading shard mappings when they are unmapped
	// below.
	c.evictDone <- struct{}{}
	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, sh := range c.shards {
		if sh != nil {
			record(sh.Close())
		}
	}
	if c.tiles != nil {
		record(c.tiles.Close())
	}
	if c.control != nil {
		record(c.control.Close())
	}
	if c.fileLock != nil {
		record(c.fileLock.Close())
	}
	return firstErr
}

// localPayloadTable backs the non-persistent storage variant: EntryHeader
// carries only a handle id, and the actual Payload value lives here,
// process-local, for as long as the entry is Ready.
type localPayloadTable struct {
	mu   sync.Mutex
	next uint64
	byID map[uint64]Payload
}

func newLocalPayloadTable() *localPayloadTable {
	return &localPayloadTable{byID: make(map[uint64]Payload)}
}

func (t *localPayloadTable) put(p Payload) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.next++
	id := t.next
	t.byID[id] = p
	return id
}

func (t *localPayloadTable) get(id uint64) (Payload, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.byID[id]
	return p, ok
}

func (t *localPayloadTable) delete(id uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.byID, id)
}
