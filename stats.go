package rcache

// ShardStats reports one shard's billed size and free-tile pool depth.
type ShardStats struct {
	Index     uint8
	Size      uint64
	FreeTiles uint32
}

// CacheStats is a snapshot of aggregate cache occupancy, cheap enough to
// take on every CLI invocation: it only reads already-mapped counters, no
// locks beyond what Shard.Size and the free-tile count already imply.
type CacheStats struct {
	TotalSize    uint64
	MaxCacheSize int64
	Hits         uint64
	Misses       uint64
	Shards       [ShardCount]ShardStats
}

// Stats returns a CacheStats snapshot across every shard.
func (c *Cache) Stats() CacheStats {
	st := CacheStats{
		MaxCacheSize: c.opts.MaxCacheSize,
		Hits:         c.hits.Load(),
		Misses:       c.misses.Load(),
	}
	for i, sh := range c.shards {
		if sh == nil {
			continue
		}
		size := sh.Size()
		st.Shards[i] = ShardStats{Index: uint8(i), Size: size, FreeTiles: sh.bucket().freeTilesCount}
		st.TotalSize += size
	}
	return st
}

// WipeAll discards every entry in every shard and every tile file,
// returning the cache to its freshly created state. It is the public,
// explicitly-requested counterpart to the abandonment-recovery protocol's
// automatic wipe.
func (c *Cache) WipeAll() error {
	return c.wipeAll()
}

// VerifyTilePartition reports any tile found on the wrong shard's
// free-tile list, for offline diagnosis; it mutates nothing.
func (c *Cache) VerifyTilePartition() ([]string, error) {
	return c.tiles.VerifyPartition(c.opts.LockTimeout)
}
