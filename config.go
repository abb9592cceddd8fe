package rcache

import (
	"fmt"
	"os"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/natefinch/atomic"
)

// persistedConfig captures the subset of Options that affects on-disk
// layout: changing any of these after a cache directory already exists
// would make existing ToC/tile files unreadable, so it is verified rather
// than silently overwritten.
type persistedConfig struct {
	Persistent       bool  `json:"persistent"`
	TileSize         int64 `json:"tile_size"`
	TilesPerFile     int   `json:"tiles_per_file"`
	TocGrowthQuantum int64 `json:"toc_growth_quantum"`
}

func newPersistedConfig(o Options) persistedConfig {
	return persistedConfig{
		Persistent:       o.Persistent,
		TileSize:         o.TileSize,
		TilesPerFile:     o.TilesPerFile,
		TocGrowthQuantum: o.TocGrowthQuantum,
	}
}

// verifyOrWriteConfig loads the existing config file at path if present and checks
// it against the supplied options. If the file does not exist, it is
// created atomically. On mismatch, it returns an error describing which
// layout-affecting field disagrees.
func verifyOrWriteConfig(path string, opts *Options) error {
	want := newPersistedConfig(*opts)

	if _, err := os.Stat(path); os.IsNotExist(err) {
		enc, err := json.MarshalIndent(want, "", "  ")
		if err != nil {
			return fmt.Errorf("encode config: %w", err)
		}
		if err := atomic.WriteFile(path, strings.NewReader(string(enc))); err != nil {
			return fmt.Errorf("write config file: %w", err)
		}
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	var have persistedConfig
	if err := json.Unmarshal(data, &have); err != nil {
		return fmt.Errorf("decode config: %w", err)
	}

	if have != want {
		return fmt.Errorf("cache config mismatch at %s: on-disk=%+v requested=%+v", path, have, want)
	}
	return nil
}
