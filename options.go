package rcache

import "time"

// Options configures a Cache. NewCache replaces zero MaxCacheSize,
// TileSize, TilesPerFile, TocGrowthQuantum, TocInitialSize, LockTimeout,
// AppName and CacheName with their DefaultOptions values; Dir has no
// default and must be set explicitly.
type Options struct {
	// Dir is the cache root directory (persistent mode). It holds the
	// global Lock file, one subdirectory per shard, and the tile-storage
	// files.
	Dir string

	// Persistent selects storage variant: true stores serialized payload
	// bytes inline in the ToC segment; false stores a process-local
	// owning reference and short-circuits serialize/deserialize.
	Persistent bool

	// MaxCacheSize is the target total size in bytes
	// eviction tries to stay at or under.
	MaxCacheSize int64

	// TileSize is T, the fixed byte size of one tile.
	TileSize int64

	// TilesPerFile is N: each tile-storage file holds N*256 tiles.
	TilesPerFile int

	// TocGrowthQuantum is the increment (bytes) a ToC file grows by; the
	// default is 512 KiB.
	TocGrowthQuantum int64

	// TocInitialSize is the size a freshly created ToC file is truncated
	// to before its first allocator header is written.
	TocInitialSize int64

	// LockTimeout bounds every timed-lock acquisition.
	// Exceeding it raises AbandonedLockError.
	LockTimeout time.Duration

	// AppName/CacheName build the ControlSegment's file name
	// ("<App><Cache>SHM" family of names).
	AppName   string
	CacheName string

	// WorkerPoolSize sizes the thread-pool yielding capability. Zero
	// disables slot tracking entirely.
	WorkerPoolSize int
}

// DefaultOptions returns sane values for every field a caller doesn't set
// explicitly.
func DefaultOptions() Options {
	return Options{
		Persistent:       true,
		MaxCacheSize:     4 << 30, // 4 GiB
		TileSize:         64 * 1024,
		TilesPerFile:     4096,
		TocGrowthQuantum: 512 * 1024,
		TocInitialSize:   512 * 1024,
		LockTimeout:      10 * time.Second,
		AppName:          "Render",
		CacheName:        "Frame",
	}
}

func (o *Options) applyDefaults() {
	d := DefaultOptions()
	if o.MaxCacheSize == 0 {
		o.MaxCacheSize = d.MaxCacheSize
	}
	if o.TileSize == 0 {
		o.TileSize = d.TileSize
	}
	if o.TilesPerFile == 0 {
		o.TilesPerFile = d.TilesPerFile
	}
	if o.TocGrowthQuantum == 0 {
		o.TocGrowthQuantum = d.TocGrowthQuantum
	}
	if o.TocInitialSize == 0 {
		o.TocInitialSize = d.TocInitialSize
	}
	if o.LockTimeout == 0 {
		o.LockTimeout = d.LockTimeout
	}
	if o.AppName == "" {
		o.AppName = d.AppName
	}
	if o.CacheName == "" {
		o.CacheName = d.CacheName
	}
}

// controlSegmentName builds the "<App><Cache>SHM" name.
func (o *Options) controlSegmentName() string {
	return o.AppName + o.CacheName + "SHM"
}
