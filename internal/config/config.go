// Package config loads and validates the node configuration: logging, the
// admin HTTP server, storage placement and the engine tuning knobs.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-yaml"
)

type Config struct {
	Logger  LoggerConfig  `yaml:"logger"`
	Server  ServerConfig  `yaml:"server"`
	Storage StorageConfig `yaml:"storage"`
	Engine  EngineConfig  `yaml:"engine"`
}

type LoggerConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`

	// File enables rotated file logging; empty logs to stderr.
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

type ServerConfig struct {
	Addr              string        `yaml:"addr"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
}

type StorageConfig struct {
	// DataDir roots every object the engine writes: WAL segments, data
	// files and manifests all live under it.
	DataDir string `yaml:"data_dir"`
}

type EngineConfig struct {
	MemtableBytes      int64 `yaml:"memtable_bytes"`
	MaxFrozenMemtables int   `yaml:"max_frozen_memtables"`
	WriteBufferBytes   int64 `yaml:"write_buffer_bytes"`

	MaxBatchRows    int `yaml:"max_batch_rows"`
	SplitBatchBytes int `yaml:"split_batch_bytes"`

	WALSegmentBytes int64 `yaml:"wal_segment_bytes"`

	BlockBytes      int    `yaml:"block_bytes"`
	BloomBitsPerKey int    `yaml:"bloom_bits_per_key"`
	Compression     string `yaml:"compression"`
	CacheBytes      int64  `yaml:"cache_bytes"`

	L0CompactionFiles   int   `yaml:"l0_compaction_files"`
	LevelBaseBytes      int64 `yaml:"level_base_bytes"`
	LevelSizeMultiplier int   `yaml:"level_size_multiplier"`
	MaxLevels           int   `yaml:"max_levels"`
	TargetFileBytes     int64 `yaml:"target_file_bytes"`

	CompactionWorkers   int `yaml:"compaction_workers"`
	CompactionRateBytes int `yaml:"compaction_rate_bytes"`

	ManifestRewriteEvery int `yaml:"manifest_rewrite_every"`

	RetryBase time.Duration `yaml:"retry_base"`
	RetryMax  time.Duration `yaml:"retry_max"`
}

// Default returns the baseline development configuration.
func Default() Config {
	return Config{
		Logger: LoggerConfig{
			Level:      "info",
			JSON:       false,
			MaxSizeMB:  128,
			MaxBackups: 4,
			MaxAgeDays: 14,
		},
		Server: ServerConfig{
			Addr:              ":8080",
			ReadHeaderTimeout: time.Second,
			ShutdownTimeout:   5 * time.Second,
		},
		Storage: StorageConfig{
			DataDir: "./data",
		},
		Engine: EngineConfig{
			MemtableBytes:        64 << 20,
			MaxFrozenMemtables:   2,
			WriteBufferBytes:     512 << 20,
			MaxBatchRows:         100_000,
			SplitBatchBytes:      4 << 20,
			WALSegmentBytes:      64 << 20,
			BlockBytes:           16 << 10,
			BloomBitsPerKey:      10,
			Compression:          "snappy",
			CacheBytes:           128 << 20,
			L0CompactionFiles:    4,
			LevelBaseBytes:       256 << 20,
			LevelSizeMultiplier:  10,
			MaxLevels:            7,
			TargetFileBytes:      64 << 20,
			CompactionWorkers:    2,
			CompactionRateBytes:  0,
			ManifestRewriteEvery: 1024,
			RetryBase:            100 * time.Millisecond,
			RetryMax:             10 * time.Second,
		},
	}
}

// Load reads the YAML file at path over the defaults. A missing file is
// not an error: the defaults are the configuration then.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects configurations the engine cannot run under, checking
// the relationships field defaults alone cannot express.
func (c *Config) Validate() error {
	switch c.Logger.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: logger.level %q is not one of debug, info, warn, error", c.Logger.Level)
	}
	if c.Server.Addr == "" {
		return fmt.Errorf("config: server.addr is required")
	}
	if c.Storage.DataDir == "" {
		return fmt.Errorf("config: storage.data_dir is required")
	}

	e := &c.Engine
	if e.MemtableBytes <= 0 {
		return fmt.Errorf("config: engine.memtable_bytes must be positive")
	}
	if e.MaxFrozenMemtables < 1 {
		return fmt.Errorf("config: engine.max_frozen_memtables must be at least 1")
	}
	if e.WriteBufferBytes > 0 && e.WriteBufferBytes < e.MemtableBytes {
		return fmt.Errorf("config: engine.write_buffer_bytes %d is below memtable_bytes %d", e.WriteBufferBytes, e.MemtableBytes)
	}
	if e.BlockBytes <= 0 || int64(e.BlockBytes) > e.TargetFileBytes {
		return fmt.Errorf("config: engine.block_bytes must be positive and below target_file_bytes")
	}
	switch e.Compression {
	case "", "none", "snappy", "zstd":
	default:
		return fmt.Errorf("config: engine.compression %q is not one of none, snappy, zstd", e.Compression)
	}
	if e.L0CompactionFiles < 2 {
		return fmt.Errorf("config: engine.l0_compaction_files must be at least 2")
	}
	if e.LevelSizeMultiplier < 2 {
		return fmt.Errorf("config: engine.level_size_multiplier must be at least 2")
	}
	if e.MaxLevels < 2 {
		return fmt.Errorf("config: engine.max_levels must be at least 2")
	}
	if e.RetryBase > e.RetryMax {
		return fmt.Errorf("config: engine.retry_base exceeds retry_max")
	}
	return nil
}
