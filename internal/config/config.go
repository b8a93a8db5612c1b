// Package config loads the TOML configuration of a store.
package config

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/aleksaelezovic/trigodb/pkg/index"
)

// DefaultConfig is decoded before any user file, so every key has a value.
const DefaultConfig = `
# Store configuration.

[index]
# Bytes per block of every index file.
block-size = 8192
# Explicit order, checked against block-size. 0 computes it. Indexes of
# different arity have different orders for one block size, so a store only
# accepts an order together with block-size = 0 in memory.
order = 0
# Block read cache per index file. 0 disables caching.
cache-bytes = 4194304

[store]
# "badger" keeps the node table on disk, "memory" keeps it in the process.
node-table = "badger"
# Entries of the node table cache. 0 disables caching.
node-cache-entries = 100000
# Attempts of a failed sync before giving up.
sync-retries = 3
quads = true

[log]
# debug, info, warn, error
level = "info"
`

const (
	NodeTableBadger = "badger"
	NodeTableMemory = "memory"
)

type Config struct {
	Index IndexConfig `toml:"index"`
	Store StoreConfig `toml:"store"`
	Log   LogConfig   `toml:"log"`
}

type IndexConfig struct {
	BlockSize  int   `toml:"block-size"`
	Order      int   `toml:"order"`
	CacheBytes int64 `toml:"cache-bytes"`
}

// Params returns the index parameters this section describes.
func (c IndexConfig) Params() index.Params {
	return index.Params{BlockSize: c.BlockSize, Order: c.Order}
}

type StoreConfig struct {
	NodeTable        string `toml:"node-table"`
	NodeCacheEntries int64  `toml:"node-cache-entries"`
	SyncRetries      uint64 `toml:"sync-retries"`
	// Quads enables the named-graph indexes next to the default graph ones.
	Quads bool `toml:"quads"`
}

type LogConfig struct {
	Level string `toml:"level"`
}

// Default returns the built-in configuration.
func Default() *Config {
	c := new(Config)
	if _, err := toml.Decode(DefaultConfig, c); err != nil {
		panic(fmt.Sprintf("config: bad default configuration: %v", err))
	}
	return c
}

// Load overlays the file at path on the defaults and validates the result.
// An empty path returns the defaults.
func Load(path string) (*Config, error) {
	c := Default()
	if path != "" {
		md, err := toml.DecodeFile(path, c)
		if err != nil {
			return nil, index.ConfigError("failed to decode %s: %v", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return nil, index.ConfigError("unknown keys in %s: %v", path, undecoded)
		}
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks value ranges. Consistency of block size and order is
// checked once the record layout is known.
func (c *Config) Validate() error {
	if c.Index.BlockSize < 0 || c.Index.Order < 0 || c.Index.CacheBytes < 0 {
		return index.ConfigError("negative index setting: %s cache-bytes=%d", c.Index.Params(), c.Index.CacheBytes)
	}
	if c.Index.BlockSize == 0 && c.Index.Order == 0 {
		return index.ConfigError("neither block-size nor order set")
	}
	switch c.Store.NodeTable {
	case NodeTableBadger, NodeTableMemory:
	default:
		return index.ConfigError("unknown node-table %q", c.Store.NodeTable)
	}
	if c.Store.NodeCacheEntries < 0 {
		return index.ConfigError("negative node-cache-entries %d", c.Store.NodeCacheEntries)
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		return err
	}
	return nil
}

// ParseLevel maps a level name to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, index.ConfigError("unknown log level %q", s)
}
