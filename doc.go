// Package rcache implements a persistent, inter-process, LRU-bounded,
// content-addressed cache used to memoize expensive per-frame render
// artifacts across cooperating processes.
//
// The cache is organized as 256 independent shards selected by the top 8
// bits of a 64-bit key. Each shard owns a growable memory-mapped "table of
// contents" file holding its entry index and LRU list, plus a share of a
// free-tile pool drawn from fixed-size tile-storage files for large,
// uniformly sized payloads.
//
// The package is organised into several files for clarity:
//
//	options.go    – configuration struct & defaults
//	config.go     – persisted-subset config file verification
//	errors.go     – the error kinds from the error-handling design
//	key.go        – 64-bit key & shard selection
//	offset.go     – arena/offset pointer pattern for in-mapping pointers
//	segment.go    – MappedSegment: growable mmap + allocator overlay
//	flocklock.go  – FlockRW: cross-process reader/writer lock
//	controlseg.go – ControlSegment: shared counters backing remap coordination
//	                and the named semaphores
//	tile.go       – TileStore: fixed-size tile files & free-tile pool
//	entry.go      – EntryHeader & status
//	lru.go        – intrusive LRU list operations over arena offsets
//	shard.go      – Shard (bucket): index, LRU, free tiles, integrity guard
//	payload.go    – opaque payload capability contract
//	locker.go     – Locker: the get/wait/compute/insert protocol
//	workerslot.go – thread-pool yielding while a Locker waits
//	coordinator.go– Cache: startup, shard wiring, public API
//	recovery.go   – abandonment-recovery protocol
//	eviction.go   – LRU eviction engine
package rcache
