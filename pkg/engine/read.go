package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"strata/pkg/dberrors"
	"strata/pkg/iterator"
	"strata/pkg/manifest"
	"strata/pkg/sstable"
	"strata/pkg/types"
)

// Get returns the newest version of key visible at snap, or ok=false when
// the key is absent or deleted there. A zero snap reads the latest state.
//
// Sources are consulted newest to oldest and the first hit wins: the
// active memtable, the frozen queue, level-0 files by flush recency, then
// one binary-searched file per deeper level. Sequence ranges across those
// sources are disjoint, which is what makes the short-circuit sound.
func (t *Table) Get(ctx context.Context, key types.Key, snap types.Seq) (types.Row, bool, error) {
	if t.dropped.Load() {
		return types.Row{}, false, fmt.Errorf("%w: %s", dberrors.ErrTableDropped, t.name)
	}
	if len(key) == 0 {
		return types.Row{}, false, fmt.Errorf("%w: empty key", dberrors.ErrInvalidArgument)
	}
	if snap == 0 {
		snap = types.Seq(t.lastVisible.Load())
	}
	defer t.observeRead()()

	if r, ok := t.mem.Get(key, snap); ok {
		return finishGet(r)
	}
	frozen := t.frozenTables()
	for i := len(frozen) - 1; i >= 0; i-- {
		if r, ok := frozen[i].Get(key, snap); ok {
			return finishGet(r)
		}
	}

	v := t.man.Current()
	defer v.Unref()
	for _, f := range v.Level(0) {
		if f.MinSeq > snap {
			continue
		}
		if bytes.Compare(key, f.MinKey) < 0 || bytes.Compare(key, f.MaxKey) > 0 {
			continue
		}
		r, ok, err := t.getFromFile(ctx, f.ID, key, snap)
		if err != nil {
			return types.Row{}, false, err
		}
		if ok {
			return finishGet(r)
		}
	}
	for l := 1; l < v.NumLevels(); l++ {
		files := v.Level(l)
		i := sort.Search(len(files), func(i int) bool {
			return bytes.Compare(files[i].MaxKey, key) >= 0
		})
		if i >= len(files) || bytes.Compare(files[i].MinKey, key) > 0 {
			continue
		}
		r, ok, err := t.getFromFile(ctx, files[i].ID, key, snap)
		if err != nil {
			return types.Row{}, false, err
		}
		if ok {
			return finishGet(r)
		}
	}
	return types.Row{}, false, nil
}

// ScanOptions shape a range read. Zero values read every key at the latest
// visible sequence across all time.
type ScanOptions struct {
	Range    types.KeyRange
	Snapshot types.Seq
	Bounds   *types.TimeRange // nil means all time
	Limit    int              // max rows returned; zero is unlimited
}

// Scan materializes the newest visible version of every key in range, in
// key order. The result is one consistent view: a memtable lineage
// snapshot plus a pinned file version, merged under a single sequence.
func (t *Table) Scan(ctx context.Context, o ScanOptions) ([]types.Row, error) {
	if t.dropped.Load() {
		return nil, fmt.Errorf("%w: %s", dberrors.ErrTableDropped, t.name)
	}
	snap := o.Snapshot
	if snap == 0 {
		snap = types.Seq(t.lastVisible.Load())
	}
	bounds := types.AllTime()
	if o.Bounds != nil {
		bounds = *o.Bounds
	}
	defer t.observeRead()()

	v := t.man.Current()
	defer v.Unref()

	sources := []iterator.Iterator{iterator.NewSlice(t.mem.Versions(o.Range, nil))}
	frozen := t.frozenTables()
	for i := len(frozen) - 1; i >= 0; i-- {
		sources = append(sources, iterator.NewSlice(frozen[i].Versions(o.Range, nil)))
	}
	for l := 0; l < v.NumLevels(); l++ {
		for _, f := range v.Level(l) {
			if !scanNeedsFile(f, o.Range, bounds, snap) {
				continue
			}
			r, err := t.reader(ctx, f.ID)
			if err != nil {
				closeAll(sources)
				return nil, err
			}
			sources = append(sources, r.NewIterator(o.Range, bounds))
		}
	}

	it := iterator.NewVisible(iterator.NewMerge(sources...), snap, bounds)
	defer it.Close()

	var out []types.Row
	for it.First(); it.Valid(); it.Next() {
		r := it.Row()
		cp := r
		cp.Key = append(types.Key(nil), r.Key...)
		cp.Value = append(types.Value(nil), r.Value...)
		out = append(out, cp)
		if o.Limit > 0 && len(out) >= o.Limit {
			break
		}
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	return out, nil
}

func (t *Table) getFromFile(ctx context.Context, id types.FileID, key types.Key, snap types.Seq) (types.Row, bool, error) {
	r, err := t.reader(ctx, id)
	if err != nil {
		return types.Row{}, false, err
	}
	return r.Get(key, snap)
}

// finishGet copies the row out of shared block or chain storage and folds
// tombstones into absence.
func finishGet(r types.Row) (types.Row, bool, error) {
	if r.Tombstone {
		return types.Row{}, false, nil
	}
	out := r
	out.Key = append(types.Key(nil), r.Key...)
	out.Value = append(types.Value(nil), r.Value...)
	return out, true, nil
}

func scanNeedsFile(f manifest.FileMeta, kr types.KeyRange, bounds types.TimeRange, snap types.Seq) bool {
	if f.MinSeq > snap {
		return false
	}
	if !kr.Overlaps(f.MinKey, f.MaxKey) {
		return false
	}
	return bounds.Overlaps(f.MinTs, f.MaxTs)
}

func closeAll(its []iterator.Iterator) {
	for _, it := range its {
		it.Close()
	}
}

// reader returns the open handle for a live file, opening it on first use.
// Handles live until the file goes obsolete or the table closes.
func (t *Table) reader(ctx context.Context, id types.FileID) (*sstable.Reader, error) {
	t.readerMu.Lock()
	defer t.readerMu.Unlock()
	if r, ok := t.readers[id]; ok {
		return r, nil
	}
	r, err := sstable.OpenReader(ctx, t.eng.store, t.sstPath(id), id, sstable.ReaderOptions{
		Cache:       t.eng.cache,
		OnBlockRead: func(int) { t.eng.met.BlockReads.Inc() },
		OnCacheHit:  t.eng.met.CacheHits.Inc,
		OnCacheMiss: t.eng.met.CacheMisses.Inc,
	})
	if err != nil {
		return nil, err
	}
	t.readers[id] = r
	return r, nil
}

// fileObsolete runs once a removed file's last version reference drains:
// close the handle, drop cached blocks, delete the object. Deletion runs
// under a background context so request cancellation cannot orphan it.
func (t *Table) fileObsolete(m manifest.FileMeta) {
	t.readerMu.Lock()
	if r, ok := t.readers[m.ID]; ok {
		delete(t.readers, m.ID)
		r.Close()
	}
	t.readerMu.Unlock()
	t.eng.cache.EvictFile(m.ID)
	if err := t.eng.store.Delete(context.Background(), t.sstPath(m.ID)); err != nil && !errors.Is(err, dberrors.ErrNotFound) {
		t.log.Warn("obsolete file delete failed",
			zap.Uint64("file", uint64(m.ID)), zap.Error(err))
		return
	}
	t.log.Debug("obsolete file removed", zap.Uint64("file", uint64(m.ID)))
}

func (t *Table) observeRead() func() {
	start := time.Now()
	return func() { t.eng.met.ReadSeconds.Observe(time.Since(start).Seconds()) }
}
