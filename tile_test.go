package rcache

import (
	"context"
	"testing"
)

// fakeTiledPayload is a minimal TiledPayload: an inline hash tag as its
// only segment metadata, with the rest of its content split across tiles
// by whatever bytes it carries.
type fakeTiledPayload struct {
	key   Key
	bytes []byte
}

func newFakeTiledPayload(key Key, b []byte) *fakeTiledPayload {
	return &fakeTiledPayload{key: key, bytes: b}
}

func (p *fakeTiledPayload) MetadataSize() uint64 { return hashTagSize }

func (p *fakeTiledPayload) Serialize(seg *MappedSegment, off offset) (uint64, error) {
	writeHashTag(seg, off, 0, p.key)
	return hashTagSize, nil
}

func (p *fakeTiledPayload) HolderID() string                 { return "faketile" }
func (p *fakeTiledPayload) AllowMultipleFetchPerThread() bool { return true }
func (p *fakeTiledPayload) HashOfDeserialized() Key           { return p.key }
func (p *fakeTiledPayload) TileByteSize() uint64              { return uint64(len(p.bytes)) }

func (p *fakeTiledPayload) WriteTile(tileIndex int, dst []byte) error {
	start := tileIndex * len(dst)
	if start >= len(p.bytes) {
		return nil
	}
	end := start + len(dst)
	if end > len(p.bytes) {
		end = len(p.bytes)
	}
	copy(dst, p.bytes[start:end])
	return nil
}

func TestTileStoreAllocateExhaustsAndGrows(t *testing.T) {
	opts := testOptions(t)
	c, err := NewCache(opts)
	if err != nil {
		t.Fatalf("NewCache: %v", err)
	}
	defer c.Close()

	sh := c.shards[0]
	initialFiles := len(c.tiles.files)

	ids := make(map[encodedTileID]bool)
	for i := 0; i < opts.TilesPerFile; i++ {
		id, err := c.tiles.allocate(sh)
		if err != nil {
			t.Fatalf("allocate #%d: %v", i, err)
		}
		if ids[id] {
			t.Fatalf("allocate returned duplicate id %x", uint64(id))
		}
		ids[id] = true
	}

	// Shard 0's initial share of the pool is now empty; the next allocate
	// must grow storage with a new tile file and reseed every shard.
	id, err := c.tiles.allocate(sh)
	if err != nil {
		t.Fatalf("allocate after exhaustion: %v", err)
	}
	if ids[id] {
		t.Fatalf("allocate after growth returned duplicate id %x", uint64(id))
	}
	if id.owningShard() != sh.index {
		t.Fatalf("tile %x owning shard = %d, want %d", uint64(id), id.owningShard(), sh.index)
	}
	if len(c.tiles.files) != initialFiles+1 {
		t.Fatalf("tile file count = %d, want %d after growth", len(c.tiles.files), initialFiles+1)
	}
}

func TestTileStoreFreeReturnsToPool(t *testing.T) {
	opts := testOptions(t)
	c, err := NewCache(opts)
	if err != nil {
		t.Fatalf("NewCache: %v", err)
	}
	defer c.Close()

	sh := c.shards[1]
	id, err := c.tiles.allocate(sh)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if err := c.tiles.free(opts.LockTimeout, id); err != nil {
		t.Fatalf("free: %v", err)
	}

	got, err := c.tiles.allocate(sh)
	if err != nil {
		t.Fatalf("allocate after free: %v", err)
	}
	if got != id {
		t.Fatalf("allocate after free = %x, want reused id %x", uint64(got), uint64(id))
	}
}

func TestTileStoreDataPtrWriteRead(t *testing.T) {
	opts := testOptions(t)
	c, err := NewCache(opts)
	if err != nil {
		t.Fatalf("NewCache: %v", err)
	}
	defer c.Close()

	sh := c.shards[2]
	id, err := c.tiles.allocate(sh)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}

	dst, release, err := c.tiles.dataPtr(id)
	if err != nil {
		t.Fatalf("dataPtr: %v", err)
	}
	copy(dst, []byte("tile-bytes"))
	release()

	dst2, release2, err := c.tiles.dataPtr(id)
	if err != nil {
		t.Fatalf("dataPtr (reread): %v", err)
	}
	defer release2()
	if string(dst2[:len("tile-bytes")]) != "tile-bytes" {
		t.Fatalf("dataPtr reread = %q, want %q", dst2[:len("tile-bytes")], "tile-bytes")
	}
}

func TestTileStoreVerifyPartitionCleanAfterGrowth(t *testing.T) {
	opts := testOptions(t)
	c, err := NewCache(opts)
	if err != nil {
		t.Fatalf("NewCache: %v", err)
	}
	defer c.Close()

	sh := c.shards[3]
	for i := 0; i < opts.TilesPerFile+1; i++ {
		if _, err := c.tiles.allocate(sh); err != nil {
			t.Fatalf("allocate #%d: %v", i, err)
		}
	}

	violations, err := c.tiles.VerifyPartition(opts.LockTimeout)
	if err != nil {
		t.Fatalf("VerifyPartition: %v", err)
	}
	if len(violations) != 0 {
		t.Fatalf("VerifyPartition violations: %v", violations)
	}
}

// TestCacheInsertSplitsTiledPayloadIntoTiles exercises the wiring from
// Locker.Insert through Shard.storeTiles into TileStore.allocate: a
// payload bigger than one tile must end up linked across more than one
// tile, billed as whole tiles against the shard's size.
func TestCacheInsertSplitsTiledPayloadIntoTiles(t *testing.T) {
	opts := testOptions(t)
	c, err := NewCache(opts)
	if err != nil {
		t.Fatalf("NewCache: %v", err)
	}
	defer c.Close()

	key := FNV64Key([]byte("tiled-entry"))
	ctx := context.Background()

	l, err := c.Get(ctx, key, nil, 0)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	raw := make([]byte, opts.TileSize*2+1)
	for i := range raw {
		raw[i] = byte(i)
	}
	payload := newFakeTiledPayload(key, raw)

	if err := l.Insert(payload); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	sh := c.shards[key.ShardIndex()]
	entOff, found := sh.lookup(key)
	if !found {
		t.Fatalf("entry not found after insert")
	}
	e := sh.seg.derefEntry(entOff)

	wantTiles := uint32(3) // ceil((2T+1)/T)
	if e.tileCount != wantTiles {
		t.Fatalf("tileCount = %d, want %d", e.tileCount, wantTiles)
	}
	if e.tileHead.isNull() {
		t.Fatalf("tileHead is null, want a linked tile list")
	}

	// attachTile prepends, so walking from tileHead visits write order in
	// reverse; collect then reverse to check the bytes landed correctly.
	var ids []encodedTileID
	for cur := e.tileHead; !cur.isNull(); {
		node := (*tileListNode)(sh.seg.at(uintptr(cur)))
		ids = append(ids, node.id)
		cur = node.next
	}
	if len(ids) != int(wantTiles) {
		t.Fatalf("tile list length = %d, want %d", len(ids), wantTiles)
	}

	var got []byte
	for i := len(ids) - 1; i >= 0; i-- {
		dst, release, err := c.tiles.dataPtr(ids[i])
		if err != nil {
			t.Fatalf("dataPtr: %v", err)
		}
		got = append(got, dst...)
		release()
	}
	if string(got[:len(raw)]) != string(raw) {
		t.Fatalf("tile bytes round-trip mismatch")
	}

	wantBilledTiles := uint64(wantTiles) * uint64(opts.TileSize)
	if sh.Size() < wantBilledTiles {
		t.Fatalf("shard size %d doesn't account for billed tile bytes %d", sh.Size(), wantBilledTiles)
	}
}
