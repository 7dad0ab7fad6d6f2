package engine

import (
	"time"

	"go.uber.org/zap"

	"strata/pkg/compression"
)

// Options tune one Engine. The zero value works for tests and small
// deployments; production settings come from internal/config.
type Options struct {
	// MemtableBytes freezes a table's active memtable once its resident
	// size reaches this many bytes.
	MemtableBytes int64

	// MaxFrozenMemtables bounds the per-table frozen queue. A writer that
	// must freeze while the queue is full stalls until the flusher drains
	// an entry, then fails with ErrResourceExhausted when its context
	// expires first.
	MaxFrozenMemtables int

	// WriteBufferBytes caps aggregate active-memtable memory across all
	// tables; crossing it freezes the largest table. Zero disables the cap.
	WriteBufferBytes int64

	// MaxBatchRows rejects oversized write batches outright.
	MaxBatchRows int

	// SplitBatchBytes splits an accepted batch into sub-batches of at most
	// this many payload bytes before WAL append. Zero keeps batches whole.
	SplitBatchBytes int

	WALSegmentBytes int64

	BlockBytes      int
	BloomBitsPerKey int

	// Compression picks the data-block codec. The zero value stores blocks
	// raw; the shipped config defaults to snappy.
	Compression compression.Codec

	// CacheBytes sizes the block cache shared by every table.
	CacheBytes int64

	// L0CompactionFiles starts a level-0 compaction at this many files.
	L0CompactionFiles int

	// LevelBaseBytes is the size target for level 1; each deeper level
	// multiplies the target by LevelSizeMultiplier.
	LevelBaseBytes      int64
	LevelSizeMultiplier int
	MaxLevels           int

	// TargetFileBytes rotates compaction output files near this size.
	TargetFileBytes int64

	// CompactionWorkers bounds concurrently running compaction tasks
	// across all tables.
	CompactionWorkers int

	// CompactionRateBytes meters background I/O in bytes per second so
	// flush and compaction never starve foreground work. Zero is unmetered.
	CompactionRateBytes int

	ManifestRewriteEvery int

	// RetryBase and RetryMax bound the jittered exponential backoff used
	// when a background flush or compaction fails.
	RetryBase time.Duration
	RetryMax  time.Duration

	// DisableFlushOnClose skips the final memtable flush during Close and
	// leaves recovery to WAL replay. Crash tests use it.
	DisableFlushOnClose bool

	Logger *zap.Logger
}

func (o *Options) defaults() {
	if o.MemtableBytes <= 0 {
		o.MemtableBytes = 64 << 20
	}
	if o.MaxFrozenMemtables <= 0 {
		o.MaxFrozenMemtables = 2
	}
	if o.MaxBatchRows <= 0 {
		o.MaxBatchRows = 100_000
	}
	if o.WALSegmentBytes <= 0 {
		o.WALSegmentBytes = 64 << 20
	}
	if o.BlockBytes <= 0 {
		o.BlockBytes = 16 << 10
	}
	if o.BloomBitsPerKey <= 0 {
		o.BloomBitsPerKey = 10
	}
	if o.CacheBytes <= 0 {
		o.CacheBytes = 128 << 20
	}
	if o.L0CompactionFiles <= 0 {
		o.L0CompactionFiles = 4
	}
	if o.LevelBaseBytes <= 0 {
		o.LevelBaseBytes = 256 << 20
	}
	if o.LevelSizeMultiplier <= 0 {
		o.LevelSizeMultiplier = 10
	}
	if o.MaxLevels <= 1 {
		o.MaxLevels = 7
	}
	if o.TargetFileBytes <= 0 {
		o.TargetFileBytes = 64 << 20
	}
	if o.CompactionWorkers <= 0 {
		o.CompactionWorkers = 2
	}
	if o.ManifestRewriteEvery <= 0 {
		o.ManifestRewriteEvery = 1024
	}
	if o.RetryBase <= 0 {
		o.RetryBase = 100 * time.Millisecond
	}
	if o.RetryMax <= 0 {
		o.RetryMax = 10 * time.Second
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}
