package rcache

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// tileFile is one `TilesStorageK` file: N*256 contiguous tiles of T bytes
// each.
type tileFile struct {
	file *os.File
	data []byte
}

// TileStore manages the fixed-size tile-storage files shared by all 256
// shards, and the free-tile pool each shard keeps for its share of tiles.
// Tile identity is the encoded id (file_index, tile_index); the owning
// shard of a tile is tile_index mod 256.
type TileStore struct {
	mu sync.RWMutex // stands in for the cross-process tiles lock

	root         string
	tileSize     int64
	tilesPerFile int
	timeout      time.Duration

	files []*tileFile

	// freeTilesHead/freeTilesCount per shard live in each Shard's ToC
	// segment (bucketData.freeTilesHead) rather than here, co-locating
	// free_tiles with the owning shard's tile-ownership bookkeeping.
	// TileStore only owns the storage files themselves and the
	// allocation/free logic that touches a shard's free list through the
	// Shard it is given.
	shards [ShardCount]*Shard
}

func openTileStore(root string, opts *Options) (*TileStore, error) {
	ts := &TileStore{
		root:         root,
		tileSize:     opts.TileSize,
		tilesPerFile: opts.TilesPerFile,
		timeout:      opts.LockTimeout,
	}

	matches, err := filepath.Glob(filepath.Join(root, "TilesStorage*"))
	if err != nil {
		return nil, fmt.Errorf("glob tile files: %w", err)
	}
	for _, m := range matches {
		tf, err := ts.openTileFile(m)
		if err != nil {
			return nil, err
		}
		ts.files = append(ts.files, tf)
	}
	return ts, nil
}

// bindShards lets the TileStore reach into each shard's free-tile list
// once every shard has been opened; called once during Cache startup.
func (ts *TileStore) bindShards(shards [ShardCount]*Shard) {
	ts.shards = shards
	if len(ts.files) == 0 {
		// Seed the pool with one file so a fresh cache can allocate
		// immediately without paying the first-allocation latency.
		ts.growLocked()
	}
}

func (ts *TileStore) fileByteSize() int64 {
	return ts.tileSize * int64(ts.tilesPerFile) * ShardCount
}

func (ts *TileStore) openTileFile(path string) (*tileFile, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open tile file %s: %w", path, err)
	}
	size := ts.fileByteSize()
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if info.Size() < size {
		if err := f.Truncate(size); err != nil {
			f.Close()
			return nil, err
		}
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mmap tile file %s: %w", path, err)
	}
	return &tileFile{file: f, data: data}, nil
}

// allocate reserves one free tile owned by requestingShard, growing
// storage (and seeding every shard's free list with its share of the new
// tiles) if that shard's pool is empty.
func (ts *TileStore) allocate(requestingShard *Shard) (encodedTileID, error) {
	ts.mu.RLock()
	id, ok, err := ts.popFree(requestingShard)
	ts.mu.RUnlock()
	if err != nil {
		return 0, err
	}
	if ok {
		return id, nil
	}

	ts.mu.Lock()
	defer ts.mu.Unlock()
	// Re-check: another goroutine may have grown the pool while we
	// upgraded from read to write lock.
	if id, ok, err := ts.popFree(requestingShard); err != nil {
		return 0, err
	} else if ok {
		return id, nil
	}
	if err := ts.growLocked(); err != nil {
		return 0, err
	}
	id, ok, err = ts.popFree(requestingShard)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, &OutOfSpaceError{Kind: OutOfSpaceTiles}
	}
	return id, nil
}

// popFree pops one id from requestingShard's free-tile list, if any.
func (ts *TileStore) popFree(sh *Shard) (encodedTileID, bool, error) {
	bd := sh.bucket()
	if bd.freeTilesHead.isNull() {
		return 0, false, nil
	}
	node := (*tileListNode)(sh.seg.at(uintptr(bd.freeTilesHead)))
	id := node.id
	next := node.next
	sh.seg.deallocate(bd.freeTilesHead, tileListNodeSize)
	bd.freeTilesHead = next
	bd.freeTilesCount--
	return id, true, nil
}

// pushFree pushes id onto owningShard's free-tile list. Caller must hold
// ts.mu (any mode) and owningShard's toc_lock exclusively. The set insertion can
// itself out-of-space the ToC mapping (it allocates a list node in the
// same segment it is seeding), so it retries with grow up to two times,
// the same bounded rule reserve() and serializePayload() use.
func (ts *TileStore) pushFree(timeout time.Duration, sh *Shard, id encodedTileID) error {
	var off offset
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		off, err = sh.seg.allocate(tileListNodeSize)
		if err == nil {
			break
		}
		if _, ok := err.(*OutOfSpaceError); !ok {
			return err
		}
		if attempt == 2 {
			return err
		}
		if err := sh.ensureRoom(timeout, tileListNodeSize, 0); err != nil {
			return err
		}
	}

	bd := sh.bucket()
	node := (*tileListNode)(sh.seg.at(uintptr(off)))
	node.id = id
	node.next = bd.freeTilesHead
	bd.freeTilesHead = off
	bd.freeTilesCount++
	return nil
}

// growLocked appends a new tile-storage file and seeds every shard's free
// list with its share of the new tiles. Caller must hold ts.mu exclusively.
//
// The seeding race is resolved here: instead of building a temporary set
// per shard and swapping it in with clear+insert
// (where a partial second insert could leave a shard's free_tiles empty),
// each new id is inserted into its owning shard's free list one at a time,
// directly, under that shard's own toc_lock — there is no intermediate
// collection to lose. A failure partway through returns the error with the
// ids already inserted kept and the remaining ids of the new file left
// unseeded; nothing later seeds them, and a later allocate() that finds its
// shard's list empty appends another file.
func (ts *TileStore) growLocked() error {
	idx := len(ts.files)
	path := filepath.Join(ts.root, fmt.Sprintf("TilesStorage%d", idx+1))
	tf, err := ts.openTileFile(path)
	if err != nil {
		return err
	}
	ts.files = append(ts.files, tf)

	fileIndex := uint32(idx + 1)
	for tileIndex := uint32(0); tileIndex < uint32(ts.tilesPerFile)*ShardCount; tileIndex++ {
		owner := tileOwningShard(tileIndex)
		sh := ts.shards[owner]
		if sh == nil {
			continue // shard not bound: this id is skipped and never seeded
		}
		id := encodeTileID(fileIndex, tileIndex)
		if err := sh.withTocLockExclusive(ts.timeout, func() error {
			return ts.pushFree(ts.timeout, sh, id)
		}); err != nil {
			return err
		}
	}
	return nil
}

// free releases id back to its owning shard's free list.
// Persistent-mode page invalidation (so the tile isn't flushed to disk) is
// modeled with unix.Madvise(MADV_DONTNEED) on that tile's byte range.
func (ts *TileStore) free(timeout time.Duration, id encodedTileID) error {
	owner := id.owningShard()
	sh := ts.shards[owner]
	if sh == nil {
		return fmt.Errorf("rcache: tile %x references unbound shard %d", uint64(id), owner)
	}

	ts.mu.RLock()
	defer ts.mu.RUnlock()

	return sh.withTocLockExclusive(timeout, func() error {
		if err := ts.pushFree(timeout, sh, id); err != nil {
			return err
		}
		ts.invalidatePages(id)
		return nil
	})
}

// invalidatePages advises the kernel to drop the tile's pages so a freed
// tile is never written back to disk, persistent-mode note.
func (ts *TileStore) invalidatePages(id encodedTileID) {
	fileIndex, tileIndex := id.split()
	if int(fileIndex-1) < 0 || int(fileIndex-1) >= len(ts.files) {
		return
	}
	tf := ts.files[fileIndex-1]
	off := int64(tileIndex) * ts.tileSize
	if off+ts.tileSize > int64(len(tf.data)) {
		return
	}
	_ = unix.Madvise(tf.data[off:off+ts.tileSize], unix.MADV_DONTNEED)
}

// dataPtr returns the tile's byte slice, valid only while the caller holds
// tiles_lock shared (the returned slice aliases the mmap'd region; callers
// must not retain it past Unlock), data_ptr contract.
func (ts *TileStore) dataPtr(id encodedTileID) ([]byte, func(), error) {
	ts.mu.RLock()
	fileIndex, tileIndex := id.split()
	if int(fileIndex-1) < 0 || int(fileIndex-1) >= len(ts.files) {
		ts.mu.RUnlock()
		return nil, nil, fmt.Errorf("rcache: tile file index %d out of range", fileIndex)
	}
	tf := ts.files[fileIndex-1]
	off := int64(tileIndex) * ts.tileSize
	if off+ts.tileSize > int64(len(tf.data)) {
		ts.mu.RUnlock()
		return nil, nil, fmt.Errorf("rcache: tile index %d out of range", tileIndex)
	}
	return tf.data[off : off+ts.tileSize], ts.mu.RUnlock, nil
}

func (ts *TileStore) Close() error {
	var firstErr error
	for _, tf := range ts.files {
		if err := unix.Munmap(tf.data); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := tf.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// wipeTileFiles truncates every tile file to zero and back to its nominal
// size, discarding all tile contents, used by abandonment recovery.
func (ts *TileStore) wipeTileFiles() error {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	size := ts.fileByteSize()
	for _, tf := range ts.files {
		if err := unix.Munmap(tf.data); err != nil {
			return err
		}
		if err := tf.file.Truncate(0); err != nil {
			return err
		}
		if err := tf.file.Truncate(size); err != nil {
			return err
		}
		data, err := unix.Mmap(int(tf.file.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
		if err != nil {
			return err
		}
		tf.data = data
	}
	return nil
}

// VerifyPartition walks every shard's free-tile list and reports any tile
// whose id.owningShard() disagrees with the shard whose list it was found
// on — a violation of the invariant that a tile always belongs to the
// shard its tile_index maps to. It only reads; it never pops or mutates a
// list, so it is safe to run against a live cache.
func (ts *TileStore) VerifyPartition(timeout time.Duration) ([]string, error) {
	var violations []string
	for idx, sh := range ts.shards {
		if sh == nil {
			continue
		}
		err := sh.shardLock.LockShared(timeout)
		if err != nil {
			return violations, err
		}
		off := sh.bucket().freeTilesHead
		for !off.isNull() {
			node := (*tileListNode)(sh.seg.at(uintptr(off)))
			if node.id.owningShard() != uint8(idx) {
				violations = append(violations, fmt.Sprintf(
					"shard %d holds tile %d (file %d) owned by shard %d",
					idx, func() uint32 { _, t := node.id.split(); return t }(),
					func() uint32 { f, _ := node.id.split(); return f }(),
					node.id.owningShard()))
			}
			off = node.next
		}
		sh.shardLock.Unlock()
	}
	return violations, nil
}
