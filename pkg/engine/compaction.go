package engine

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"strata/pkg/dberrors"
	"strata/pkg/iterator"
	"strata/pkg/manifest"
	"strata/pkg/sstable"
	"strata/pkg/types"
)

// Leveled compaction. Level-0 files may overlap (each is one flushed
// memtable); level 1 and deeper hold key-disjoint files. Level 0 compacts
// on file count, deeper levels on size versus an exponentially growing
// target. Inputs always include every overlapping file in the output
// level, so for any key the shallower level holds strictly newer versions.

type compaction struct {
	inputLevel  int
	outputLevel int
	inputs      []manifest.FileMeta

	// dropTombstones is set when nothing below outputLevel can hold an
	// older version of a key in the input range, so a tombstone shadowed
	// below every snapshot may vanish instead of being carried down.
	dropTombstones bool
}

// compactor runs the table's background compactions, one at a time, with
// jittered exponential backoff after failures. Inputs stay authoritative
// until an attempt commits, so a failed task risks no data.
func (t *Table) compactor() {
	defer t.wg.Done()
	backoff := t.eng.opts.RetryBase
	for {
		select {
		case <-t.ctx.Done():
			return
		case <-t.compactCh:
		}
		for {
			ran, err := t.compactOnce(false)
			if t.ctx.Err() != nil {
				return
			}
			if !ran {
				backoff = t.eng.opts.RetryBase
				break
			}
			if err == nil {
				backoff = t.eng.opts.RetryBase
				continue
			}
			t.eng.met.CompactionFailures.Inc()
			t.log.Error("compaction failed", zap.Error(err))
			select {
			case <-t.ctx.Done():
				return
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
}

// Compact drains level zero and every over-target level, then returns.
// One shot: levels brought under target during the call may grow again
// immediately after.
func (t *Table) Compact(ctx context.Context) error {
	if t.dropped.Load() {
		return fmt.Errorf("%w: %s", dberrors.ErrTableDropped, t.name)
	}
	if t.closing.Load() {
		return dberrors.ErrClosed
	}
	force := true
	for {
		ran, err := t.compactOnce(force)
		if err != nil {
			return fmt.Errorf("%w: %v", dberrors.ErrCompaction, err)
		}
		if !ran {
			return nil
		}
		force = false
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}

// compactOnce picks one task and runs it on the shared worker pool; force
// lowers the level-0 threshold to a single file for the manual trigger.
// Per-table compactions are serialized: inputs picked from a version stay
// valid only while no other task can remove them.
func (t *Table) compactOnce(force bool) (bool, error) {
	t.compactMu.Lock()
	defer t.compactMu.Unlock()

	v := t.man.Current()
	task, ok := t.pickCompaction(v, force)
	v.Unref()
	if !ok {
		return false, nil
	}

	done := make(chan error, 1)
	t.eng.compactPool.Go(func() error {
		done <- t.runCompaction(t.ctx, task)
		return nil
	})
	return true, <-done
}

func (t *Table) pickCompaction(v *manifest.Version, force bool) (compaction, bool) {
	l0 := v.Level(0)
	trigger := t.eng.opts.L0CompactionFiles
	if force {
		trigger = 1
	}
	if len(l0) >= trigger {
		inputs := append([]manifest.FileMeta(nil), l0...)
		minKey, maxKey := keySpan(inputs)
		inputs = append(inputs, overlapping(v.Level(1), minKey, maxKey)...)
		return compaction{
			inputLevel:     0,
			outputLevel:    1,
			inputs:         inputs,
			dropTombstones: tombstonesDroppable(v, 1, minKey, maxKey),
		}, true
	}

	// Deeper levels: compact the worst size overage first.
	bestLevel, bestScore := -1, 1.0
	target := float64(t.eng.opts.LevelBaseBytes)
	for l := 1; l < t.eng.opts.MaxLevels-1 && l < v.NumLevels(); l++ {
		var size int64
		for _, f := range v.Level(l) {
			size += f.Size
		}
		if score := float64(size) / target; score > bestScore {
			bestLevel, bestScore = l, score
		}
		target *= float64(t.eng.opts.LevelSizeMultiplier)
	}
	if bestLevel < 0 {
		return compaction{}, false
	}

	files := v.Level(bestLevel)
	seed := files[0]
	for _, f := range files[1:] { // largest file frees the most level budget
		if f.Size > seed.Size {
			seed = f
		}
	}
	inputs := append([]manifest.FileMeta{seed}, overlapping(v.Level(bestLevel+1), seed.MinKey, seed.MaxKey)...)
	return compaction{
		inputLevel:     bestLevel,
		outputLevel:    bestLevel + 1,
		inputs:         inputs,
		dropTombstones: tombstonesDroppable(v, bestLevel+1, seed.MinKey, seed.MaxKey),
	}, true
}

// runCompaction merges the inputs into level outputLevel, keeping per key
// every version newer than the visibility floor plus the newest version at
// or below it, then commits all adds and removes as one manifest edit.
func (t *Table) runCompaction(ctx context.Context, c compaction) error {
	start := time.Now()

	var inBytes int64
	iters := make([]iterator.Iterator, 0, len(c.inputs))
	for _, f := range c.inputs {
		r, err := t.reader(ctx, f.ID)
		if err != nil {
			closeAll(iters)
			return err
		}
		iters = append(iters, r.NewIterator(types.All(), types.AllTime()))
		inBytes += f.Size
	}
	merged := iterator.NewMerge(iters...)
	defer merged.Close()

	floor := t.visibilityFloor()
	out := newCompactionOutput(t, c.outputLevel)
	var curKey types.Key
	keptBelowFloor := false
	budget := 0

	for merged.First(); merged.Valid(); merged.Next() {
		if err := ctx.Err(); err != nil {
			out.abort(ctx)
			return err
		}
		r := merged.Row()

		// Meter merged row volume against the background I/O budget; it
		// tracks both the read and the write side closely enough.
		if budget += r.Size(); budget >= 256<<10 {
			if err := t.eng.lim.WaitN(ctx, budget); err != nil {
				out.abort(ctx)
				return err
			}
			budget = 0
		}

		if !bytes.Equal(r.Key, curKey) {
			curKey = append(curKey[:0], r.Key...)
			keptBelowFloor = false
			if err := out.maybeRotate(ctx); err != nil {
				out.abort(ctx)
				return err
			}
		}
		if r.Seq <= floor {
			if keptBelowFloor {
				continue // shadowed below every snapshot
			}
			keptBelowFloor = true
			if r.Tombstone && c.dropTombstones {
				continue
			}
		}
		if err := out.add(ctx, &r); err != nil {
			out.abort(ctx)
			return err
		}
	}
	if err := merged.Error(); err != nil {
		out.abort(ctx)
		return err
	}

	added, outBytes, err := out.finish(ctx)
	if err != nil {
		return err
	}
	removed := make([]types.FileID, len(c.inputs))
	for i, f := range c.inputs {
		removed[i] = f.ID
	}
	if err := t.man.Apply(ctx, manifest.Edit{Added: added, Removed: removed}); err != nil {
		// Outputs are orphans now; the next open sweeps them.
		return err
	}

	t.eng.met.CompactionSeconds.Observe(time.Since(start).Seconds())
	t.eng.met.CompactionInBytes.Add(float64(inBytes))
	t.eng.met.CompactionOutBytes.Add(float64(outBytes))
	t.publishLevels()
	t.log.Info("compaction finished",
		zap.Int("from", c.inputLevel),
		zap.Int("to", c.outputLevel),
		zap.Int("inputs", len(c.inputs)),
		zap.Int("outputs", len(added)),
		zap.Int64("in_bytes", inBytes),
		zap.Int64("out_bytes", outBytes),
		zap.Uint64("floor", uint64(floor)),
		zap.Duration("took", time.Since(start)))
	return nil
}

// tombstonesDroppable reports whether no level below outLevel holds data
// overlapping [minKey, maxKey].
func tombstonesDroppable(v *manifest.Version, outLevel int, minKey, maxKey types.Key) bool {
	for l := outLevel + 1; l < v.NumLevels(); l++ {
		for _, f := range v.Level(l) {
			if bytes.Compare(f.MinKey, maxKey) <= 0 && bytes.Compare(f.MaxKey, minKey) >= 0 {
				return false
			}
		}
	}
	return true
}

func overlapping(files []manifest.FileMeta, minKey, maxKey types.Key) []manifest.FileMeta {
	var out []manifest.FileMeta
	for _, f := range files {
		if bytes.Compare(f.MinKey, maxKey) <= 0 && bytes.Compare(f.MaxKey, minKey) >= 0 {
			out = append(out, f)
		}
	}
	return out
}

func keySpan(files []manifest.FileMeta) (types.Key, types.Key) {
	minKey, maxKey := files[0].MinKey, files[0].MaxKey
	for _, f := range files[1:] {
		if bytes.Compare(f.MinKey, minKey) < 0 {
			minKey = f.MinKey
		}
		if bytes.Compare(f.MaxKey, maxKey) > 0 {
			maxKey = f.MaxKey
		}
	}
	return minKey, maxKey
}

// compactionOutput rotates output files near the size target, cutting only
// between distinct keys so one key's versions stay within one file and the
// output level remains key-disjoint.
type compactionOutput struct {
	t     *Table
	level types.Level
	cur   *sstable.Builder
	curID types.FileID
	added []manifest.FileMeta
	bytes int64
}

func newCompactionOutput(t *Table, level int) *compactionOutput {
	return &compactionOutput{t: t, level: types.Level(level)}
}

func (o *compactionOutput) add(ctx context.Context, r *types.Row) error {
	if o.cur == nil {
		id, err := o.t.man.AllocFileID(ctx)
		if err != nil {
			return err
		}
		b, err := sstable.NewBuilder(ctx, o.t.eng.store, o.t.sstPath(id), o.t.builderOptions())
		if err != nil {
			return err
		}
		o.cur, o.curID = b, id
	}
	return o.cur.Add(r)
}

// maybeRotate closes the current output once it passes the size target.
// Called only at key boundaries.
func (o *compactionOutput) maybeRotate(ctx context.Context) error {
	if o.cur == nil || o.cur.EstimatedSize() < o.t.eng.opts.TargetFileBytes {
		return nil
	}
	return o.closeCurrent(ctx)
}

func (o *compactionOutput) closeCurrent(ctx context.Context) error {
	st, err := o.cur.Finish(ctx)
	o.cur = nil
	if err != nil {
		return err
	}
	o.added = append(o.added, fileMetaFromStats(o.curID, o.level, st))
	o.bytes += st.Size
	return nil
}

func (o *compactionOutput) finish(ctx context.Context) ([]manifest.FileMeta, int64, error) {
	if o.cur != nil {
		if err := o.closeCurrent(ctx); err != nil {
			o.abort(ctx)
			return nil, 0, err
		}
	}
	return o.added, o.bytes, nil
}

// abort discards the current builder and deletes every output already
// published.
func (o *compactionOutput) abort(ctx context.Context) {
	if o.cur != nil {
		o.cur.Abort(ctx)
		o.cur = nil
	}
	for _, f := range o.added {
		if err := o.t.eng.store.Delete(ctx, o.t.sstPath(f.ID)); err != nil {
			o.t.log.Warn("compaction abort cleanup failed",
				zap.Uint64("file", uint64(f.ID)), zap.Error(err))
		}
	}
	o.added = nil
}
