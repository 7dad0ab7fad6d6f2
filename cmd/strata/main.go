// Command strata runs one storage node: the embedded engine plus the admin
// HTTP surface over it.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"strata/internal/config"
	httpapi "strata/internal/http"
	"strata/pkg/bytestore"
	"strata/pkg/compression"
	"strata/pkg/engine"
	"strata/pkg/metrics"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "strata:", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "strata.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log, err := newLogger(cfg.Logger)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer log.Sync() //nolint:errcheck // stderr sync is best effort

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// The boot ID ties every log line of one process lifetime together
	// across restarts over the same data directory.
	bootID := uuid.NewString()
	log = log.With(zap.String("boot_id", bootID))
	log.Info("starting",
		zap.String("data_dir", cfg.Storage.DataDir),
		zap.String("addr", cfg.Server.Addr))

	store, err := bytestore.NewLocal(cfg.Storage.DataDir)
	if err != nil {
		return err
	}

	opts, err := engineOptions(cfg.Engine)
	if err != nil {
		return err
	}
	opts.Logger = log

	eng, err := engine.Open(ctx, store, metrics.New(), opts)
	if err != nil {
		return fmt.Errorf("open engine: %w", err)
	}

	srv := httpapi.NewServer(eng, cfg.Server, log)
	if err := srv.Start(); err != nil {
		return err
	}

	<-ctx.Done()
	log.Info("shutting down")

	if err := srv.Stop(); err != nil {
		log.Warn("http shutdown failed", zap.Error(err))
	}
	closeCtx, closeCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer closeCancel()
	if err := eng.Close(closeCtx); err != nil {
		return fmt.Errorf("close engine: %w", err)
	}
	log.Info("stopped")
	return nil
}

func engineOptions(e config.EngineConfig) (engine.Options, error) {
	codec, err := compression.Parse(e.Compression)
	if err != nil {
		return engine.Options{}, err
	}
	return engine.Options{
		MemtableBytes:        e.MemtableBytes,
		MaxFrozenMemtables:   e.MaxFrozenMemtables,
		WriteBufferBytes:     e.WriteBufferBytes,
		MaxBatchRows:         e.MaxBatchRows,
		SplitBatchBytes:      e.SplitBatchBytes,
		WALSegmentBytes:      e.WALSegmentBytes,
		BlockBytes:           e.BlockBytes,
		BloomBitsPerKey:      e.BloomBitsPerKey,
		Compression:          codec,
		CacheBytes:           e.CacheBytes,
		L0CompactionFiles:    e.L0CompactionFiles,
		LevelBaseBytes:       e.LevelBaseBytes,
		LevelSizeMultiplier:  e.LevelSizeMultiplier,
		MaxLevels:            e.MaxLevels,
		TargetFileBytes:      e.TargetFileBytes,
		CompactionWorkers:    e.CompactionWorkers,
		CompactionRateBytes:  e.CompactionRateBytes,
		ManifestRewriteEvery: e.ManifestRewriteEvery,
		RetryBase:            e.RetryBase,
		RetryMax:             e.RetryMax,
	}, nil
}
