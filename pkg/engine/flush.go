package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/zhangyunhao116/fastrand"
	"go.uber.org/zap"

	"strata/pkg/dberrors"
	"strata/pkg/manifest"
	"strata/pkg/memtable"
	"strata/pkg/sstable"
	"strata/pkg/types"
)

// flusher drains the frozen queue in arrival order. A failed flush retries
// with jittered exponential backoff; the memtable stays resident and
// readable the whole time, so retries never risk data.
func (t *Table) flusher() {
	defer t.wg.Done()
	for {
		select {
		case <-t.ctx.Done():
			return
		case <-t.frozenCh:
		}
		for {
			tbl, ok := t.peekFrozen()
			if !ok {
				break
			}
			if !t.flushWithRetry(tbl) {
				return
			}
		}
	}
}

func (t *Table) peekFrozen() (*memtable.Table, bool) {
	t.frozenMu.Lock()
	defer t.frozenMu.Unlock()
	if len(t.frozenQ) == 0 {
		return nil, false
	}
	return t.frozenQ[0], true
}

// flushWithRetry reports false only when the table is shutting down.
func (t *Table) flushWithRetry(tbl *memtable.Table) bool {
	backoff := t.eng.opts.RetryBase
	for attempt := 1; ; attempt++ {
		err := t.flushOne(t.ctx, tbl)
		if err == nil {
			return true
		}
		if t.ctx.Err() != nil {
			return false
		}
		t.eng.met.FlushFailures.Inc()
		t.log.Error("flush failed", zap.Int("attempt", attempt), zap.Error(err))
		select {
		case <-t.ctx.Done():
			return false
		case <-time.After(jitter(backoff)):
		}
		if backoff < t.eng.opts.RetryMax {
			backoff *= 2
			if backoff > t.eng.opts.RetryMax {
				backoff = t.eng.opts.RetryMax
			}
		}
	}
}

// flushOne serializes one frozen memtable into a level-0 file and commits
// it together with the new WAL checkpoint in a single manifest edit. Only
// after the edit is durable does the memtable leave the queue.
func (t *Table) flushOne(ctx context.Context, tbl *memtable.Table) error {
	start := time.Now()

	id, err := t.man.AllocFileID(ctx)
	if err != nil {
		return err
	}
	b, err := sstable.NewBuilder(ctx, t.eng.store, t.sstPath(id), t.builderOptions())
	if err != nil {
		return err
	}
	rows := tbl.All()
	for i := range rows {
		if err := b.Add(&rows[i]); err != nil {
			b.Abort(ctx)
			return err
		}
	}
	stats, err := b.Finish(ctx)
	if err != nil {
		return err
	}

	checkpoint := tbl.MaxSeq()
	edit := manifest.Edit{
		Added:      []manifest.FileMeta{fileMetaFromStats(id, 0, stats)},
		Checkpoint: &checkpoint,
	}
	if err := t.man.Apply(ctx, edit); err != nil {
		// The file is an orphan now; the next open sweeps it.
		return err
	}

	t.frozenMu.Lock()
	t.frozenQ = t.frozenQ[1:]
	t.frozenMu.Unlock()
	t.eng.met.FrozenMemtables.Dec()
	t.eng.met.FlushSeconds.Observe(time.Since(start).Seconds())
	t.eng.met.FlushedBytes.Add(float64(stats.Size))
	t.publishLevels()
	select {
	case t.flushedCh <- struct{}{}:
	default:
	}

	if err := t.wal.TruncateThrough(ctx, checkpoint); err != nil {
		t.log.Warn("wal truncate failed", zap.Error(err))
	}
	t.log.Info("memtable flushed",
		zap.Uint64("file", uint64(id)),
		zap.Int64("rows", stats.Rows),
		zap.Int64("bytes", stats.Size),
		zap.Uint64("checkpoint", uint64(checkpoint)),
		zap.Duration("took", time.Since(start)))
	t.kickCompaction()
	return nil
}

// Flush freezes the active memtable and blocks until every frozen memtable
// reaches level zero.
func (t *Table) Flush(ctx context.Context) error {
	if t.dropped.Load() {
		return fmt.Errorf("%w: %s", dberrors.ErrTableDropped, t.name)
	}
	return t.flushAll(ctx)
}

func (t *Table) flushAll(ctx context.Context) error {
	t.writeMu.Lock()
	err := t.freezeLocked(ctx)
	t.writeMu.Unlock()
	if err != nil {
		return err
	}
	for {
		if t.frozenLen() == 0 {
			return nil
		}
		select {
		case <-t.flushedCh:
		case <-time.After(10 * time.Millisecond):
		case <-ctx.Done():
			return ctx.Err()
		case <-t.ctx.Done():
			return dberrors.ErrClosed
		}
	}
}

func (t *Table) builderOptions() sstable.BuilderOptions {
	return sstable.BuilderOptions{
		BlockBytes:      t.eng.opts.BlockBytes,
		BloomBitsPerKey: t.eng.opts.BloomBitsPerKey,
		Compression:     t.eng.opts.Compression,
	}
}

func fileMetaFromStats(id types.FileID, level types.Level, st sstable.Stats) manifest.FileMeta {
	return manifest.FileMeta{
		ID:         id,
		Level:      level,
		Size:       st.Size,
		MinKey:     st.MinKey,
		MaxKey:     st.MaxKey,
		MinSeq:     st.MinSeq,
		MaxSeq:     st.MaxSeq,
		MinTs:      st.MinTs,
		MaxTs:      st.MaxTs,
		Rows:       st.Rows,
		Tombstones: st.Tombstones,
	}
}

// jitter spreads retries of concurrent tables apart: a uniform random
// duration in [d/2, d).
func jitter(d time.Duration) time.Duration {
	if d <= time.Microsecond {
		return d
	}
	half := int64(d) / 2
	return time.Duration(half + fastrand.Int63n(half))
}
