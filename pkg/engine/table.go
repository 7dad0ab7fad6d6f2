package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zhangyunhao116/skipset"
	"go.uber.org/zap"

	"strata/pkg/batch"
	"strata/pkg/clock"
	"strata/pkg/dberrors"
	"strata/pkg/manifest"
	"strata/pkg/memtable"
	"strata/pkg/sstable"
	"strata/pkg/types"
	"strata/pkg/wal"
)

// Table is one log-structured tree. Writes append to the WAL and apply to
// the active memtable; frozen memtables flush to level-0 files; compaction
// pushes files down the levels. Reads merge every layer under one snapshot
// sequence.
type Table struct {
	name string
	dir  string
	eng  *Engine
	log  *zap.Logger

	seq *clock.Sequence
	wal *wal.WAL
	mem *memtable.Memtable
	man *manifest.Set

	// writeMu orders sequence allocation, WAL append and memtable insert
	// identically. Freezes take it too, so a frozen memtable always holds
	// a contiguous sequence range and checkpoints land on frame boundaries.
	writeMu     sync.Mutex
	lastVisible atomic.Uint64

	frozenMu  sync.Mutex
	frozenQ   []*memtable.Table // oldest first
	frozenCh  chan struct{}     // kicks the flusher
	flushedCh chan struct{}     // pulses after each completed flush

	// compactMu serializes this table's compactions; picking inputs from a
	// version is only sound while no other task can remove them.
	compactMu sync.Mutex
	compactCh chan struct{}

	snaps *snapshotRegistry

	readerMu sync.Mutex
	readers  map[types.FileID]*sstable.Reader

	dropped atomic.Bool
	closing atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// openTable recovers one table: manifest, then WAL with replay from the
// manifest checkpoint, then the orphan sweep, then background workers.
func (e *Engine) openTable(ctx context.Context, name string) (*Table, error) {
	t := &Table{
		name:      name,
		dir:       tablesPrefix + name,
		eng:       e,
		log:       e.log.With(zap.String("table", name)),
		seq:       clock.NewSequence(0),
		mem:       memtable.New(),
		frozenCh:  make(chan struct{}, 1),
		flushedCh: make(chan struct{}, 1),
		compactCh: make(chan struct{}, 1),
		snaps:     newSnapshotRegistry(),
		readers:   make(map[types.FileID]*sstable.Reader),
	}
	t.ctx, t.cancel = context.WithCancel(context.Background())

	man, err := manifest.Open(ctx, e.store, t.dir+"/manifest", manifest.Options{
		RewriteEvery: e.opts.ManifestRewriteEvery,
		OnObsolete:   t.fileObsolete,
		Logger:       t.log,
	})
	if err != nil {
		t.cancel()
		return nil, err
	}
	t.man = man

	// Nothing at or below the manifest floor may ever be re-issued.
	v := man.Current()
	maxSeq := v.Checkpoint()
	for _, f := range v.Files() {
		if f.MaxSeq > maxSeq {
			maxSeq = f.MaxSeq
		}
	}
	v.Unref()
	t.seq.Advance(maxSeq)

	w, tail, err := wal.Open(ctx, e.store, t.dir+"/wal", t.seq, wal.Options{
		SegmentBytes: e.opts.WALSegmentBytes,
		Logger:       t.log,
	})
	if err != nil {
		man.Close()
		t.cancel()
		return nil, err
	}
	t.wal = w
	if tail != nil {
		e.met.TruncatedTails.Inc()
		t.log.Warn("wal tail truncated",
			zap.String("segment", tail.Segment),
			zap.Int64("dropped_bytes", tail.DroppedBytes),
			zap.Int("recovered_frames", tail.Frames))
	}

	if err := t.removeOrphans(ctx); err != nil {
		t.log.Warn("orphan sweep failed", zap.Error(err))
	}

	cp := man.Checkpoint()
	frames, replayed := 0, int64(0)
	err = w.Replay(ctx, cp+1, func(rows []types.Row) error {
		t.mem.InsertAll(rows)
		frames++
		replayed += int64(len(rows))
		return nil
	})
	if err != nil {
		w.Close()
		man.Close()
		t.cancel()
		return nil, err
	}
	if frames > 0 {
		e.met.ReplayedFrames.Add(float64(frames))
		t.log.Info("wal replayed",
			zap.Int("frames", frames),
			zap.Int64("rows", replayed),
			zap.Uint64("through", uint64(t.seq.Val())))
	}
	t.lastVisible.Store(uint64(t.seq.Val()))
	t.publishLevels()

	t.wg.Add(2)
	go t.flusher()
	go t.compactor()

	// Recovery can leave an oversized memtable or an over-full level zero.
	if t.mem.Bytes() >= e.opts.MemtableBytes {
		t.writeMu.Lock()
		err := t.freezeLocked(ctx)
		t.writeMu.Unlock()
		if err != nil {
			t.log.Warn("post-recovery freeze failed", zap.Error(err))
		}
	}
	t.kickCompaction()
	return t, nil
}

func (t *Table) Name() string { return t.name }

// Write appends the batch durably and applies it to the active memtable.
// Rows become visible only after the WAL append is synced; a failed append
// acknowledges nothing.
func (t *Table) Write(ctx context.Context, b *batch.Batch) error {
	if b == nil || b.Count() == 0 {
		return fmt.Errorf("%w: empty batch", dberrors.ErrInvalidArgument)
	}
	if b.Count() > t.eng.opts.MaxBatchRows {
		return fmt.Errorf("%w: batch of %d rows exceeds limit %d",
			dberrors.ErrInvalidArgument, b.Count(), t.eng.opts.MaxBatchRows)
	}
	for _, rows := range b.Split(t.eng.opts.SplitBatchBytes) {
		if err := t.writeRows(ctx, rows); err != nil {
			return err
		}
	}
	t.eng.met.WriteRows.WithLabelValues(t.name).Add(float64(b.Count()))
	t.eng.met.WriteBytes.WithLabelValues(t.name).Add(float64(b.ApproxBytes()))
	return nil
}

func (t *Table) writeRows(ctx context.Context, rows []types.Row) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if t.dropped.Load() {
		return fmt.Errorf("%w: %s", dberrors.ErrTableDropped, t.name)
	}
	if t.closing.Load() {
		return dberrors.ErrClosed
	}

	if t.mem.Bytes() >= t.eng.opts.MemtableBytes {
		if err := t.freezeLocked(ctx); err != nil {
			return err
		}
	}

	if _, err := t.wal.Append(ctx, rows); err != nil {
		return err
	}
	t.mem.InsertAll(rows)
	t.lastVisible.Store(uint64(rows[len(rows)-1].Seq))
	return nil
}

// freezeLocked rotates the active memtable into the frozen queue. Callers
// hold writeMu. A full queue stalls here until the flusher drains an entry
// or a context gives up.
func (t *Table) freezeLocked(ctx context.Context) error {
	stalled := false
	for t.frozenLen() >= t.eng.opts.MaxFrozenMemtables {
		if !stalled {
			stalled = true
			t.eng.met.WriteStalls.WithLabelValues(t.name).Inc()
			t.log.Warn("write stalled on frozen queue")
		}
		select {
		case <-t.flushedCh:
		case <-time.After(10 * time.Millisecond):
		case <-ctx.Done():
			return fmt.Errorf("%w: frozen memtable queue full", dberrors.ErrResourceExhausted)
		case <-t.ctx.Done():
			return dberrors.ErrClosed
		}
	}

	frozen, ok := t.mem.Freeze(t.mem.Version())
	if !ok || frozen.Empty() {
		return nil
	}
	t.frozenMu.Lock()
	t.frozenQ = append(t.frozenQ, frozen)
	queued := len(t.frozenQ)
	t.frozenMu.Unlock()
	t.eng.met.FrozenMemtables.Inc()
	t.log.Debug("memtable frozen",
		zap.Int64("bytes", frozen.Bytes()),
		zap.Int64("rows", frozen.Rows()),
		zap.Int("queued", queued))
	select {
	case t.frozenCh <- struct{}{}:
	default:
	}
	return nil
}

// freezeNow rotates the active memtable out of band with writers, for the
// engine-wide memory ceiling. A full frozen queue skips the rotation; the
// flusher is already the bottleneck there.
func (t *Table) freezeNow(ctx context.Context) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if t.closing.Load() || t.dropped.Load() {
		return dberrors.ErrClosed
	}
	if t.mem.Active().Empty() || t.frozenLen() >= t.eng.opts.MaxFrozenMemtables {
		return nil
	}
	return t.freezeLocked(ctx)
}

func (t *Table) frozenLen() int {
	t.frozenMu.Lock()
	defer t.frozenMu.Unlock()
	return len(t.frozenQ)
}

// frozenTables returns the queue oldest-first. The slice is a copy; the
// tables themselves are immutable.
func (t *Table) frozenTables() []*memtable.Table {
	t.frozenMu.Lock()
	defer t.frozenMu.Unlock()
	return append([]*memtable.Table(nil), t.frozenQ...)
}

// Snapshot pins the current visible sequence. Reads at the returned
// sequence stay stable until Release: compaction retains every version a
// pinned sequence can see.
func (t *Table) Snapshot() types.Seq {
	snap := types.Seq(t.lastVisible.Load())
	t.snaps.acquire(snap)
	return snap
}

func (t *Table) Release(snap types.Seq) {
	if !t.snaps.release(snap) {
		t.log.Warn("release of unknown snapshot", zap.Uint64("seq", uint64(snap)))
	}
}

// visibilityFloor is the oldest sequence any reader may still ask for: the
// oldest pinned snapshot, or the latest visible sequence when nothing is
// pinned.
func (t *Table) visibilityFloor() types.Seq {
	floor := types.Seq(t.lastVisible.Load())
	if min, ok := t.snaps.min(); ok && min < floor {
		floor = min
	}
	return floor
}

func (t *Table) sstPath(id types.FileID) string {
	return fmt.Sprintf("%s/sst/%08d.sst", t.dir, uint64(id))
}

func parseSSTPath(p string) (types.FileID, bool) {
	base := p[strings.LastIndexByte(p, '/')+1:]
	name, ok := strings.CutSuffix(base, ".sst")
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseUint(name, 10, 64)
	if err != nil {
		return 0, false
	}
	return types.FileID(n), true
}

// removeOrphans deletes data files the recovered manifest does not
// reference: leftovers of flushes and compactions that never committed,
// including crashed .tmp builds.
func (t *Table) removeOrphans(ctx context.Context) error {
	v := t.man.Current()
	files := v.Files()
	live := make(map[types.FileID]bool, len(files))
	for _, f := range files {
		live[f.ID] = true
	}
	v.Unref()

	paths, err := t.eng.store.List(ctx, t.dir+"/sst/")
	if err != nil {
		return err
	}
	for _, p := range paths {
		if id, ok := parseSSTPath(p); ok && live[id] {
			continue
		}
		if err := t.eng.store.Delete(ctx, p); err != nil && !errors.Is(err, dberrors.ErrNotFound) {
			t.log.Warn("orphan delete failed", zap.String("path", p), zap.Error(err))
			continue
		}
		t.log.Info("orphan removed", zap.String("path", p))
	}
	return nil
}

func (t *Table) publishLevels() {
	v := t.man.Current()
	for l := 0; l < t.eng.opts.MaxLevels; l++ {
		n := 0
		if l < v.NumLevels() {
			n = len(v.Level(l))
		}
		t.eng.met.LiveFiles.WithLabelValues(t.name, strconv.Itoa(l)).Set(float64(n))
	}
	v.Unref()
}

type LevelStats struct {
	Level int   `json:"level"`
	Files int   `json:"files"`
	Bytes int64 `json:"bytes"`
	Rows  int64 `json:"rows"`
}

type TableStats struct {
	Name         string       `json:"name"`
	ActiveBytes  int64        `json:"active_bytes"`
	ActiveRows   int64        `json:"active_rows"`
	FrozenTables int          `json:"frozen_tables"`
	LastSeq      types.Seq    `json:"last_seq"`
	Checkpoint   types.Seq    `json:"checkpoint"`
	Levels       []LevelStats `json:"levels,omitempty"`
}

func (t *Table) Stats() TableStats {
	st := TableStats{
		Name:         t.name,
		ActiveBytes:  t.mem.Bytes(),
		ActiveRows:   t.mem.Rows(),
		FrozenTables: t.frozenLen(),
		LastSeq:      types.Seq(t.lastVisible.Load()),
		Checkpoint:   t.man.Checkpoint(),
	}
	v := t.man.Current()
	for l := 0; l < v.NumLevels(); l++ {
		files := v.Level(l)
		if len(files) == 0 {
			continue
		}
		ls := LevelStats{Level: l, Files: len(files)}
		for _, f := range files {
			ls.Bytes += f.Size
			ls.Rows += f.Rows
		}
		st.Levels = append(st.Levels, ls)
	}
	v.Unref()
	return st
}

// close stops background work and releases handles. With flush set, the
// active memtable and the frozen queue drain to level zero first so the
// next open skips WAL replay.
func (t *Table) close(ctx context.Context, flush bool) error {
	if !t.closing.CompareAndSwap(false, true) {
		return nil
	}
	var flushErr error
	if flush {
		flushErr = t.flushAll(ctx)
	}
	t.cancel()
	t.wg.Wait()

	// Anything still frozen is recovered from the WAL on the next open.
	if n := t.frozenLen(); n > 0 {
		t.log.Warn("closing with unflushed memtables", zap.Int("frozen", n))
		t.eng.met.FrozenMemtables.Sub(float64(n))
	}

	werr := t.wal.Close()
	merr := t.man.Close()
	t.closeReaders()
	switch {
	case flushErr != nil:
		return flushErr
	case werr != nil:
		return werr
	default:
		return merr
	}
}

// drop tears the table down and deletes everything it owns on the store.
// Readers holding a pinned version may see ErrNotFound once objects vanish.
func (t *Table) drop(ctx context.Context) error {
	t.dropped.Store(true)
	t.closing.Store(true)
	t.cancel()
	t.wg.Wait()
	if n := t.frozenLen(); n > 0 {
		t.eng.met.FrozenMemtables.Sub(float64(n))
	}
	t.wal.Close()
	t.man.Close()
	t.closeReaders()

	paths, err := t.eng.store.List(ctx, t.dir+"/")
	if err != nil {
		return err
	}
	for _, p := range paths {
		if err := t.eng.store.Delete(ctx, p); err != nil && !errors.Is(err, dberrors.ErrNotFound) {
			return fmt.Errorf("drop %s: %w", t.name, err)
		}
	}
	for l := 0; l < t.eng.opts.MaxLevels; l++ {
		t.eng.met.LiveFiles.WithLabelValues(t.name, strconv.Itoa(l)).Set(0)
	}
	t.log.Info("table dropped")
	return nil
}

func (t *Table) closeReaders() {
	t.readerMu.Lock()
	defer t.readerMu.Unlock()
	for id, r := range t.readers {
		r.Close()
		delete(t.readers, id)
	}
}

func (t *Table) kickCompaction() {
	select {
	case t.compactCh <- struct{}{}:
	default:
	}
}

// snapshotRegistry tracks sequences pinned by open snapshots. The skipset
// carries the distinct pinned values so the minimum is a lock-free read;
// counts disambiguate two snapshots taken at the same sequence.
type snapshotRegistry struct {
	set *skipset.Uint64Set

	mu     sync.Mutex
	counts map[uint64]int
}

func newSnapshotRegistry() *snapshotRegistry {
	return &snapshotRegistry{
		set:    skipset.NewUint64(),
		counts: make(map[uint64]int),
	}
}

func (r *snapshotRegistry) acquire(seq types.Seq) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counts[uint64(seq)]++
	if r.counts[uint64(seq)] == 1 {
		r.set.Add(uint64(seq))
	}
}

func (r *snapshotRegistry) release(seq types.Seq) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.counts[uint64(seq)]
	if !ok {
		return false
	}
	if n == 1 {
		delete(r.counts, uint64(seq))
		r.set.Remove(uint64(seq))
	} else {
		r.counts[uint64(seq)] = n - 1
	}
	return true
}

// min returns the smallest pinned sequence, or false when none are held.
func (r *snapshotRegistry) min() (types.Seq, bool) {
	var out uint64
	found := false
	r.set.Range(func(v uint64) bool {
		out, found = v, true
		return false
	})
	return types.Seq(out), found
}
