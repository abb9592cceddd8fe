package rcache

import (
	"os"
	"path/filepath"
	"sync"
	"time"
	"unsafe"
)

// shardState is the corruption sentinel backing bucket integrity RAII: Ok
// on entry to every mutating operation, InProgress for the operation's
// duration, restored to Ok on every exit path.
type shardState uint32

const (
	shardOk shardState = iota
	shardInProgress
)

// bucketData is the on-disk Shard record, living at the root of the
// shard's ToC segment.
type bucketData struct {
	version        uint32
	state          shardState
	shardSize      uint64
	lruFront       offset
	lruBack        offset
	indexOff       offset
	freeTilesHead  offset
	freeTilesCount uint32
}

const bucketDataVersion = 1

// Shard is one of the 256 independent partitions of the cache. It
// owns a ToC MappedSegment, the in-mapping bucketData record, and the
// cross-process lock triplet guarding both.
type Shard struct {
	index uint8

	seg *MappedSegment

	tocLock   *FlockRW
	shardLock *FlockRW
	lruLock   *FlockRW

	control *ControlSegment
	tiles   *TileStore

	// onEntryFree, if set, is called with an entry's header immediately
	// before deallocateEntry clears it, letting the owning Cache purge
	// any process-local state (the non-persistent storage variant's
	// local payload handle) that the Shard itself has no knowledge of.
	onEntryFree func(e *EntryHeader)

	mu sync.Mutex // serializes this process's local bookkeeping only
}

// openShard opens (or creates) shard idx's ToC file and its three lock
// files under <root>/<ss>/.
func openShard(root string, idx uint8, opts *Options, control *ControlSegment, tiles *TileStore) (*Shard, error) {
	dir := filepath.Join(root, shardHexName(idx))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	seg, err := OpenMappedSegment(filepath.Join(dir, "Index"), opts.TocInitialSize, opts.TocGrowthQuantum)
	if err != nil {
		return nil, err
	}
	tocLock, err := OpenFlockRW(filepath.Join(dir, "Index.toclock"))
	if err != nil {
		seg.Close()
		return nil, err
	}
	shardLock, err := OpenFlockRW(filepath.Join(dir, "Index.shardlock"))
	if err != nil {
		seg.Close()
		tocLock.Close()
		return nil, err
	}
	lruLock, err := OpenFlockRW(filepath.Join(dir, "Index.lrulock"))
	if err != nil {
		seg.Close()
		tocLock.Close()
		shardLock.Close()
		return nil, err
	}

	s := &Shard{
		index:     idx,
		seg:       seg,
		tocLock:   tocLock,
		shardLock: shardLock,
		lruLock:   lruLock,
		control:   control,
		tiles:     tiles,
	}

	if err := s.withTocLockExclusive(opts.LockTimeout, func() error {
		bd, err := findOrConstructRoot[bucketData](seg, func(bd *bucketData) {
			bd.version = bucketDataVersion
			bd.state = shardOk
		})
		if err != nil {
			return err
		}
		if bd.version != bucketDataVersion {
			// Layout mismatch: truncate and recreate the ToC.
			return s.wipe()
		}
		if bd.indexOff.isNull() {
			idxOff, err := allocIndexTable(seg, 16)
			if err != nil {
				return err
			}
			bd.indexOff = idxOff
		}
		return nil
	}); err != nil {
		s.Close()
		return nil, err
	}

	control.SetMappingValid(idx, true)
	control.IncActiveReaders(idx)

	return s, nil
}

func (s *Shard) bucket() *bucketData {
	hdr := s.seg.header()
	return (*bucketData)(s.seg.at(uintptr(hdr.rootOff)))
}

// withTocLockExclusive runs fn under the segment's toc_lock held
// exclusively, for allocator/grow operations.
func (s *Shard) withTocLockExclusive(timeout time.Duration, fn func() error) error {
	if err := s.tocLock.LockExclusive(timeout); err != nil {
		return err
	}
	defer s.tocLock.Unlock()
	return fn()
}

// withTocLockShared runs fn under toc_lock held shared, performing the
// remap-wait reader protocol if mapping_valid is false.
func (s *Shard) withTocLockShared(timeout time.Duration, fn func() error) error {
	if err := s.tocLock.LockShared(timeout); err != nil {
		return err
	}
	if !s.control.MappingValid(s.index) {
		s.tocLock.Unlock()
		if err := s.participateInRemap(timeout); err != nil {
			return err
		}
		if err := s.tocLock.LockShared(timeout); err != nil {
			return err
		}
	}
	defer s.tocLock.Unlock()
	return fn()
}

// participateInRemap implements the reader side of the remap protocol: a
// reader that observes mapping_valid == false drops its reader count and
// waits (polling) until the writer finishes remapping.
func (s *Shard) participateInRemap(timeout time.Duration) error {
	s.control.DecActiveReaders(s.index)
	deadline := time.Now().Add(timeout)
	for !s.control.MappingValid(s.index) {
		if time.Now().After(deadline) {
			return &AbandonedLockError{Lock: "remap-wait:" + shardHexName(s.index)}
		}
		time.Sleep(flockRetryInterval)
	}
	s.control.IncActiveReaders(s.index)
	return nil
}

// ensureRoom grows the ToC segment by at least n bytes (or the growth
// quantum, whichever is larger), implementing the writer side of the
// growth protocol: invalidate the mapping, drain readers, resize, remap,
// validate.
func (s *Shard) ensureRoom(timeout time.Duration, n int, quantum int64) error {
	return s.withTocLockExclusive(timeout, func() error {
		s.control.SetMappingValid(s.index, false)
		s.control.DecActiveReaders(s.index)
		deadline := time.Now().Add(timeout)
		for s.control.ActiveReaders(s.index) > 0 {
			if time.Now().After(deadline) {
				return &AbandonedLockError{Lock: "grow-drain:" + shardHexName(s.index)}
			}
			time.Sleep(flockRetryInterval)
		}
		grow := int64(n)
		if grow < quantum {
			grow = quantum
		}
		if err := s.seg.grow(grow); err != nil {
			return err
		}
		s.control.IncActiveReaders(s.index)
		s.control.SetMappingValid(s.index, true)
		return nil
	})
}

// enter implements the Bucket integrity RAII: it must be called holding
// shard_lock exclusively, asserts the shard is Ok, flips it to InProgress,
// and returns a release function that restores Ok. A shard observed
// InProgress on entry is corrupted.
func (s *Shard) enter() (func(), error) {
	bd := s.bucket()
	if bd.state == shardInProgress {
		return nil, &CorruptedError{ShardIndex: s.index}
	}
	bd.state = shardInProgress
	return func() { bd.state = shardOk }, nil
}

// lookup finds key's entry offset, under whatever mode of shard_lock the
// caller already holds.
func (s *Shard) lookup(key Key) (offset, bool) {
	bd := s.bucket()
	return indexGet(s.seg, bd.indexOff, key)
}

// reserve claims a Null/absent entry for key as Pending owned by
// ownerTag, allocating a fresh EntryHeader in the ToC segment. Caller must
// hold shard_lock exclusively and have already run enter(). Implements the
// "not present, or Null" branch of the write path, with the bounded
// grow-and-retry rule.
func (s *Shard) reserve(timeout time.Duration, key Key, ownerTag uint64, byteSize uint64) (offset, error) {
	entrySize := int(unsafe.Sizeof(EntryHeader{}))

	var entOff offset
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		entOff, err = s.seg.allocate(entrySize)
		if err == nil {
			break
		}
		if _, ok := err.(*OutOfSpaceError); !ok {
			return 0, err
		}
		if attempt == 2 {
			return 0, err
		}
		if err := s.ensureRoom(timeout, entrySize, 0); err != nil {
			return 0, err
		}
	}

	e := s.seg.derefEntry(entOff)
	*e = EntryHeader{status: StatusPending, ownerTag: ownerTag, byteSize: byteSize}
	e.lru.key = key

	bd := s.bucket()
	newIdxOff, err := indexPut(s.seg, bd.indexOff, key, entOff)
	if err != nil {
		s.seg.deallocate(entOff, entrySize)
		return 0, err
	}
	bd.indexOff = newIdxOff
	return entOff, nil
}

// serializePayload allocates room for p in the ToC segment and serializes
// it, growing and retrying up to two times on allocator OutOfSpace, the
// same bounded retry rule reserve() uses. Caller must hold shard_lock
// exclusively.
func (s *Shard) serializePayload(timeout time.Duration, p Payload) (offset, uint64, error) {
	size := int(p.MetadataSize())

	var off offset
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		off, err = s.seg.allocate(size)
		if err == nil {
			break
		}
		if _, ok := err.(*OutOfSpaceError); !ok {
			return 0, 0, err
		}
		if attempt == 2 {
			return 0, 0, err
		}
		if err := s.ensureRoom(timeout, size, 0); err != nil {
			return 0, 0, err
		}
	}

	n, err := p.Serialize(s.seg, off)
	if err != nil {
		s.seg.deallocate(off, size)
		return 0, 0, err
	}
	return off, n, nil
}

// commitReady marks entOff Ready, clears ownerTag, bills shardSize, and
// pushes its LRU node to the back. Caller must hold shard_lock
// exclusively; lru_lock is acquired internally.
func (s *Shard) commitReady(timeout time.Duration, entOff offset, byteSize uint64, tileBytes uint64) error {
	bd := s.bucket()
	e := s.seg.derefEntry(entOff)
	e.byteSize = byteSize
	bd.shardSize += byteSize + tileBytes

	if err := s.lruLock.LockExclusive(timeout); err != nil {
		return err
	}
	defer s.lruLock.Unlock()

	list := &lruList{seg: s.seg, front: &bd.lruFront, back: &bd.lruBack}
	list.pushBack(entOff)

	e.ownerTag = 0
	e.status = StatusReady
	return nil
}

// touchLRU moves entOff to the back of the LRU list (a cache hit),
// acquiring lru_lock internally.
func (s *Shard) touchLRU(timeout time.Duration, entOff offset) error {
	bd := s.bucket()
	if err := s.lruLock.LockExclusive(timeout); err != nil {
		return err
	}
	defer s.lruLock.Unlock()
	list := &lruList{seg: s.seg, front: &bd.lruFront, back: &bd.lruBack}
	list.moveToBack(entOff)
	return nil
}

// deallocateEntry implements the entry deallocation protocol: free every
// tile, subtract billing, unlink the LRU node, destroy the header, erase
// from the index. Caller must hold shard_lock exclusively and have called
// enter(); lru_lock is acquired internally.
func (s *Shard) deallocateEntry(timeout time.Duration, key Key, entOff offset) error {
	bd := s.bucket()
	e := s.seg.derefEntry(entOff)

	if s.onEntryFree != nil {
		s.onEntryFree(e)
	}

	tileBytes, err := s.freeEntryTiles(timeout, e)
	if err != nil {
		return err
	}

	if !e.payloadOff.isNull() {
		s.seg.deallocate(e.payloadOff, int(e.payloadLen))
		e.payloadOff = nullOffset
		e.payloadLen = 0
	}

	billed := e.byteSize + tileBytes
	if bd.shardSize >= billed {
		bd.shardSize -= billed
	} else {
		bd.shardSize = 0
	}

	if e.status != StatusNull {
		if err := s.lruLock.LockExclusive(timeout); err != nil {
			return err
		}
		list := &lruList{seg: s.seg, front: &bd.lruFront, back: &bd.lruBack}
		list.unlink(entOff)
		s.lruLock.Unlock()
	}

	indexDelete(s.seg, bd.indexOff, key)
	s.seg.deallocate(entOff, int(unsafe.Sizeof(EntryHeader{})))
	return nil
}

// freeEntryTiles releases every tile referenced by e's tile list back to
// its owning shard's free pool, avoiding self-deadlock when the owning
// shard is this shard.
func (s *Shard) freeEntryTiles(timeout time.Duration, e *EntryHeader) (uint64, error) {
	var total uint64
	cur := e.tileHead
	for !cur.isNull() {
		node := (*tileListNode)(s.seg.at(uintptr(cur)))
		next := node.next
		if err := s.tiles.free(timeout, node.id); err != nil {
			return total, err
		}
		total += uint64(s.tiles.tileSize)
		s.seg.deallocate(cur, int(unsafe.Sizeof(tileListNode{})))
		cur = next
	}
	e.tileHead = nullOffset
	e.tileCount = 0
	return total, nil
}

// attachTile appends tileID to e's tile list, used while materializing a
// payload that needs tile-aligned storage. Caller must hold shard_lock
// exclusively; retries through ensureRoom on ToC OutOfSpace, the same
// bounded rule reserve() and serializePayload() use.
func (s *Shard) attachTile(timeout time.Duration, e *EntryHeader, tileID encodedTileID) error {
	nodeSize := int(unsafe.Sizeof(tileListNode{}))

	var off offset
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		off, err = s.seg.allocate(nodeSize)
		if err == nil {
			break
		}
		if _, ok := err.(*OutOfSpaceError); !ok {
			return err
		}
		if attempt == 2 {
			return err
		}
		if err := s.ensureRoom(timeout, nodeSize, 0); err != nil {
			return err
		}
	}

	node := (*tileListNode)(s.seg.at(uintptr(off)))
	node.id = tileID
	node.next = e.tileHead
	e.tileHead = off
	e.tileCount++
	return nil
}

// storeTiles splits p's tile-backed bytes into TileStore.tileSize chunks,
// allocating, filling and attaching each one to e in order. Returns the
// billed tile bytes (whole tiles, tile_count * T) for the caller to add to
// commitReady's shardSize accounting. Caller must hold shard_lock
// exclusively. On error, any tiles already attached stay attached — they
// are reclaimed the same way as any other entry's tiles, through
// deallocateEntry/freeEntryTiles, once the reservation is rolled back.
func (s *Shard) storeTiles(timeout time.Duration, e *EntryHeader, p TiledPayload) (uint64, error) {
	total := p.TileByteSize()
	if total == 0 {
		return 0, nil
	}
	tileSize := s.tiles.tileSize
	count := (int64(total) + tileSize - 1) / tileSize

	for i := int64(0); i < count; i++ {
		id, err := s.tiles.allocate(s)
		if err != nil {
			return 0, err
		}
		if err := s.fillTile(id, func(dst []byte) error {
			return p.WriteTile(int(i), dst)
		}); err != nil {
			return 0, err
		}
		if err := s.attachTile(timeout, e, id); err != nil {
			return 0, err
		}
	}
	return uint64(count) * uint64(tileSize), nil
}

// fillTile writes into tile id's byte range under tiles_lock shared, the
// data_ptr contract.
func (s *Shard) fillTile(id encodedTileID, write func(dst []byte) error) error {
	dst, release, err := s.tiles.dataPtr(id)
	if err != nil {
		return err
	}
	defer release()
	return write(dst)
}

// evictFront removes the least-recently-used entry, returning its key and
// the bytes freed, or ok=false if the shard's LRU list is empty. Caller
// must hold shard_lock exclusively and have called enter(); implements the
// per-shard body of an eviction sweep.
func (s *Shard) evictFront(timeout time.Duration) (key Key, freed uint64, ok bool, err error) {
	bd := s.bucket()

	var front offset
	if err := func() error {
		if err := s.lruLock.LockExclusive(timeout); err != nil {
			return err
		}
		defer s.lruLock.Unlock()
		front = bd.lruFront
		return nil
	}(); err != nil {
		return 0, 0, false, err
	}
	if front.isNull() {
		return 0, 0, false, nil
	}

	e := s.seg.derefEntry(front)
	k := e.lru.key
	before := bd.shardSize
	if err := s.deallocateEntry(timeout, k, front); err != nil {
		return 0, 0, false, err
	}
	after := bd.shardSize
	if after > before {
		return k, 0, true, nil
	}
	return k, before - after, true, nil
}

// Size returns the shard's current billed size.
func (s *Shard) Size() uint64 { return s.bucket().shardSize }

func (s *Shard) Close() error {
	var firstErr error
	if s.seg != nil {
		if err := s.seg.Close(); err != nil {
			firstErr = err
		}
	}
	for _, l := range []*FlockRW{s.tocLock, s.shardLock, s.lruLock} {
		if l == nil {
			continue
		}
		if err := l.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// wipe truncates the shard's ToC file and resets the in-mapping state,
// used by the abandonment-recovery "full cache wipe" step.
func (s *Shard) wipe() error {
	if err := s.seg.Truncate(); err != nil {
		return err
	}
	_, err := findOrConstructRoot[bucketData](s.seg, func(bd *bucketData) {
		bd.version = bucketDataVersion
		bd.state = shardOk
	})
	if err != nil {
		return err
	}
	bd := s.bucket()
	idxOff, err := allocIndexTable(s.seg, 16)
	if err != nil {
		return err
	}
	bd.indexOff = idxOff
	return nil
}
