package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"strata/pkg/batch"
	"strata/pkg/bytestore"
	"strata/pkg/codec"
	"strata/pkg/dberrors"
	"strata/pkg/types"
)

func testOptions() Options {
	return Options{
		MemtableBytes: 1 << 20,
		BlockBytes:    1 << 10,
		RetryBase:     time.Millisecond,
		RetryMax:      20 * time.Millisecond,
	}
}

func openTestEngine(t *testing.T, store bytestore.Store, opts Options) *Engine {
	t.Helper()
	eng, err := Open(context.Background(), store, nil, opts)
	if err != nil {
		t.Fatalf("open engine: %v", err)
	}
	t.Cleanup(func() { eng.Close(context.Background()) })
	return eng
}

func createTestTable(t *testing.T, eng *Engine, name string) *Table {
	t.Helper()
	tbl, err := eng.CreateTable(context.Background(), name)
	if err != nil {
		t.Fatalf("create table %s: %v", name, err)
	}
	return tbl
}

func put(t *testing.T, tbl *Table, series string, ts int64, value string) {
	t.Helper()
	b := batch.New()
	b.Put([]byte(series), types.TimestampMs(ts), []byte(value))
	if err := tbl.Write(context.Background(), b); err != nil {
		t.Fatalf("put %s@%d: %v", series, ts, err)
	}
}

func del(t *testing.T, tbl *Table, series string, ts int64) {
	t.Helper()
	b := batch.New()
	b.Delete([]byte(series), types.TimestampMs(ts))
	if err := tbl.Write(context.Background(), b); err != nil {
		t.Fatalf("delete %s@%d: %v", series, ts, err)
	}
}

func rowKey(series string, ts int64) types.Key {
	return codec.EncodeRowKey(nil, []byte(series), types.TimestampMs(ts))
}

// mustGet reads one key; ok=false means absent or deleted at snap.
func mustGet(t *testing.T, tbl *Table, series string, ts int64, snap types.Seq) (string, bool) {
	t.Helper()
	row, ok, err := tbl.Get(context.Background(), rowKey(series, ts), snap)
	if err != nil {
		t.Fatalf("get %s@%d: %v", series, ts, err)
	}
	if !ok {
		return "", false
	}
	return string(row.Value), true
}

func mustScan(t *testing.T, tbl *Table, o ScanOptions) []types.Row {
	t.Helper()
	rows, err := tbl.Scan(context.Background(), o)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	return rows
}

func seriesRange(series string) types.KeyRange {
	return codec.TimeRange([]byte(series), types.TimestampMs(-1<<63), types.TimestampMs(1<<63-1))
}

func mustFlush(t *testing.T, tbl *Table) {
	t.Helper()
	if err := tbl.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
}

func mustCompact(t *testing.T, tbl *Table) {
	t.Helper()
	if err := tbl.Compact(context.Background()); err != nil {
		t.Fatalf("compact: %v", err)
	}
}

func TestWriteGetScan(t *testing.T) {
	eng := openTestEngine(t, bytestore.NewMemory(), testOptions())
	tbl := createTestTable(t, eng, "metrics")

	put(t, tbl, "cpu", 10, "0.4")
	put(t, tbl, "cpu", 20, "0.9")
	put(t, tbl, "mem", 10, "512")

	if v, ok := mustGet(t, tbl, "cpu", 20, 0); !ok || v != "0.9" {
		t.Fatalf("get cpu@20 = %q, %v", v, ok)
	}
	if _, ok := mustGet(t, tbl, "cpu", 15, 0); ok {
		t.Fatal("get cpu@15 should be absent")
	}

	rows := mustScan(t, tbl, ScanOptions{})
	if len(rows) != 3 {
		t.Fatalf("full scan = %d rows, want 3", len(rows))
	}
	// Key order: series ascending, then timestamp ascending.
	if rows[0].Timestamp != 10 || string(rows[0].Value) != "0.4" {
		t.Fatalf("rows[0] = %+v", rows[0])
	}
	if rows[2].Timestamp != 10 || string(rows[2].Value) != "512" {
		t.Fatalf("rows[2] = %+v", rows[2])
	}

	rows = mustScan(t, tbl, ScanOptions{Range: seriesRange("cpu")})
	if len(rows) != 2 {
		t.Fatalf("series scan = %d rows, want 2", len(rows))
	}
}

func TestCreateTableValidation(t *testing.T) {
	eng := openTestEngine(t, bytestore.NewMemory(), testOptions())
	ctx := context.Background()

	for _, name := range []string{"", "has space", "semi;colon", strings.Repeat("x", 129)} {
		if _, err := eng.CreateTable(ctx, name); !errors.Is(err, dberrors.ErrInvalidArgument) {
			t.Fatalf("create %q: err = %v, want ErrInvalidArgument", name, err)
		}
	}

	if _, err := eng.CreateTable(ctx, "ok-name_1"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := eng.CreateTable(ctx, "ok-name_1"); !errors.Is(err, dberrors.ErrTableExists) {
		t.Fatalf("duplicate create: err = %v, want ErrTableExists", err)
	}
	if _, err := eng.Table("missing"); !errors.Is(err, dberrors.ErrTableNotFound) {
		t.Fatalf("lookup: err = %v, want ErrTableNotFound", err)
	}
	if err := eng.DropTable(ctx, "missing"); !errors.Is(err, dberrors.ErrTableNotFound) {
		t.Fatalf("drop: err = %v, want ErrTableNotFound", err)
	}
}

func TestWriteValidation(t *testing.T) {
	opts := testOptions()
	opts.MaxBatchRows = 4
	eng := openTestEngine(t, bytestore.NewMemory(), opts)
	tbl := createTestTable(t, eng, "m")
	ctx := context.Background()

	if err := tbl.Write(ctx, nil); !errors.Is(err, dberrors.ErrInvalidArgument) {
		t.Fatalf("nil batch: err = %v", err)
	}
	if err := tbl.Write(ctx, batch.New()); !errors.Is(err, dberrors.ErrInvalidArgument) {
		t.Fatalf("empty batch: err = %v", err)
	}

	big := batch.New()
	for i := 0; i < 5; i++ {
		big.Put([]byte("cpu"), types.TimestampMs(int64(i)), []byte("v"))
	}
	if err := tbl.Write(ctx, big); !errors.Is(err, dberrors.ErrInvalidArgument) {
		t.Fatalf("oversized batch: err = %v", err)
	}

	if _, _, err := tbl.Get(ctx, nil, 0); !errors.Is(err, dberrors.ErrInvalidArgument) {
		t.Fatalf("empty key get: err = %v", err)
	}
}

func TestBatchSplitKeepsAllRows(t *testing.T) {
	opts := testOptions()
	opts.SplitBatchBytes = 128
	eng := openTestEngine(t, bytestore.NewMemory(), opts)
	tbl := createTestTable(t, eng, "m")

	b := batch.New()
	for i := 0; i < 10; i++ {
		b.Put([]byte("cpu"), types.TimestampMs(int64(i)), []byte(fmt.Sprintf("value-%02d-padding-padding", i)))
	}
	if err := tbl.Write(context.Background(), b); err != nil {
		t.Fatalf("write: %v", err)
	}

	rows := mustScan(t, tbl, ScanOptions{})
	if len(rows) != 10 {
		t.Fatalf("scan = %d rows, want 10", len(rows))
	}
	// Sub-batches still take consecutive sequence numbers.
	for i, r := range rows {
		if r.Seq != types.Seq(i+1) {
			t.Fatalf("row %d seq = %d, want %d", i, r.Seq, i+1)
		}
	}
}

func TestSameKeyTwiceInBatchLastWins(t *testing.T) {
	eng := openTestEngine(t, bytestore.NewMemory(), testOptions())
	tbl := createTestTable(t, eng, "m")

	b := batch.New()
	b.Put([]byte("cpu"), 5, []byte("first"))
	b.Put([]byte("cpu"), 5, []byte("second"))
	if err := tbl.Write(context.Background(), b); err != nil {
		t.Fatalf("write: %v", err)
	}
	if v, ok := mustGet(t, tbl, "cpu", 5, 0); !ok || v != "second" {
		t.Fatalf("get = %q, %v, want second", v, ok)
	}

	b = batch.New()
	b.Put([]byte("cpu"), 6, []byte("x"))
	b.Delete([]byte("cpu"), 6)
	if err := tbl.Write(context.Background(), b); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, ok := mustGet(t, tbl, "cpu", 6, 0); ok {
		t.Fatal("put-then-delete in one batch should resolve to absent")
	}
}

func TestEmptyTable(t *testing.T) {
	eng := openTestEngine(t, bytestore.NewMemory(), testOptions())
	tbl := createTestTable(t, eng, "m")

	if rows := mustScan(t, tbl, ScanOptions{}); len(rows) != 0 {
		t.Fatalf("scan on empty table = %d rows", len(rows))
	}
	if _, ok := mustGet(t, tbl, "cpu", 1, 0); ok {
		t.Fatal("get on empty table should be absent")
	}
	mustFlush(t, tbl)
	mustCompact(t, tbl)
	if st := tbl.Stats(); len(st.Levels) != 0 {
		t.Fatalf("empty table has levels: %+v", st.Levels)
	}
}

func TestDropTableRemovesData(t *testing.T) {
	store := bytestore.NewMemory()
	eng := openTestEngine(t, store, testOptions())
	tbl := createTestTable(t, eng, "m")
	ctx := context.Background()

	put(t, tbl, "cpu", 1, "x")
	mustFlush(t, tbl)

	if err := eng.DropTable(ctx, "m"); err != nil {
		t.Fatalf("drop: %v", err)
	}
	if _, err := eng.Table("m"); !errors.Is(err, dberrors.ErrTableNotFound) {
		t.Fatalf("lookup after drop: err = %v", err)
	}
	paths, err := store.List(ctx, "tables/m/")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(paths) != 0 {
		t.Fatalf("store still holds %v after drop", paths)
	}

	// The old handle is dead.
	if err := tbl.Write(ctx, putBatch("cpu", 2, "y")); !errors.Is(err, dberrors.ErrTableDropped) {
		t.Fatalf("write on dropped handle: err = %v", err)
	}
	if _, _, err := tbl.Get(ctx, rowKey("cpu", 1), 0); !errors.Is(err, dberrors.ErrTableDropped) {
		t.Fatalf("get on dropped handle: err = %v", err)
	}

	// The name is reusable and starts empty.
	tbl2 := createTestTable(t, eng, "m")
	if rows := mustScan(t, tbl2, ScanOptions{}); len(rows) != 0 {
		t.Fatalf("recreated table has %d rows", len(rows))
	}
}

func putBatch(series string, ts int64, value string) *batch.Batch {
	b := batch.New()
	b.Put([]byte(series), types.TimestampMs(ts), []byte(value))
	return b
}

func TestCloseRejectsFurtherUse(t *testing.T) {
	eng := openTestEngine(t, bytestore.NewMemory(), testOptions())
	tbl := createTestTable(t, eng, "m")
	ctx := context.Background()

	put(t, tbl, "cpu", 1, "x")
	if err := eng.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}

	if _, err := eng.Table("m"); !errors.Is(err, dberrors.ErrClosed) {
		t.Fatalf("table after close: err = %v", err)
	}
	if _, err := eng.CreateTable(ctx, "other"); !errors.Is(err, dberrors.ErrClosed) {
		t.Fatalf("create after close: err = %v", err)
	}
	if err := tbl.Write(ctx, putBatch("cpu", 2, "y")); !errors.Is(err, dberrors.ErrClosed) {
		t.Fatalf("write after close: err = %v", err)
	}
	if err := eng.Close(ctx); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestTablesRecoveredAcrossReopen(t *testing.T) {
	store := bytestore.NewMemory()
	ctx := context.Background()

	eng := openTestEngine(t, store, testOptions())
	ta := createTestTable(t, eng, "alpha")
	tb := createTestTable(t, eng, "beta")
	put(t, ta, "cpu", 1, "a1")
	put(t, ta, "cpu", 2, "a2")
	put(t, tb, "mem", 1, "b1")
	wantA := mustScan(t, ta, ScanOptions{})
	wantB := mustScan(t, tb, ScanOptions{})
	if err := eng.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}

	eng2 := openTestEngine(t, store, testOptions())
	if names := eng2.Tables(); !reflect.DeepEqual(names, []string{"alpha", "beta"}) {
		t.Fatalf("recovered tables = %v", names)
	}
	ta2, err := eng2.Table("alpha")
	if err != nil {
		t.Fatal(err)
	}
	tb2, err := eng2.Table("beta")
	if err != nil {
		t.Fatal(err)
	}
	if got := mustScan(t, ta2, ScanOptions{}); !reflect.DeepEqual(got, wantA) {
		t.Fatalf("alpha after reopen = %+v, want %+v", got, wantA)
	}
	if got := mustScan(t, tb2, ScanOptions{}); !reflect.DeepEqual(got, wantB) {
		t.Fatalf("beta after reopen = %+v, want %+v", got, wantB)
	}

	// Sequences continue above everything recovered.
	put(t, ta2, "cpu", 3, "a3")
	if st := ta2.Stats(); st.LastSeq != 3 {
		t.Fatalf("alpha last seq = %d, want 3", st.LastSeq)
	}
}

func TestCrashRecoveryReplaysWAL(t *testing.T) {
	store := bytestore.NewMemory()
	ctx := context.Background()
	opts := testOptions()
	opts.DisableFlushOnClose = true

	eng := openTestEngine(t, store, opts)
	tbl := createTestTable(t, eng, "m")
	put(t, tbl, "cpu", 1, "a")
	put(t, tbl, "cpu", 2, "b")
	del(t, tbl, "cpu", 1)
	want := mustScan(t, tbl, ScanOptions{})
	if err := eng.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}

	// Nothing was flushed: recovery rests entirely on the log.
	paths, err := store.List(ctx, "tables/m/sst/")
	if err != nil {
		t.Fatal(err)
	}
	if len(paths) != 0 {
		t.Fatalf("unexpected data files before recovery: %v", paths)
	}

	eng2 := openTestEngine(t, store, opts)
	tbl2, err := eng2.Table("m")
	if err != nil {
		t.Fatal(err)
	}
	if got := mustScan(t, tbl2, ScanOptions{}); !reflect.DeepEqual(got, want) {
		t.Fatalf("after recovery = %+v, want %+v", got, want)
	}
	if st := tbl2.Stats(); st.LastSeq != 3 {
		t.Fatalf("last seq after recovery = %d, want 3", st.LastSeq)
	}
	if _, ok := mustGet(t, tbl2, "cpu", 1, 0); ok {
		t.Fatal("deleted row resurfaced after recovery")
	}

	// Replayed sequences are never re-issued.
	put(t, tbl2, "cpu", 3, "c")
	rows := mustScan(t, tbl2, ScanOptions{})
	if rows[len(rows)-1].Seq != 4 {
		t.Fatalf("new row seq = %d, want 4", rows[len(rows)-1].Seq)
	}
}

func TestReopenTwiceIsIdempotent(t *testing.T) {
	store := bytestore.NewMemory()
	ctx := context.Background()
	opts := testOptions()
	opts.DisableFlushOnClose = true

	eng := openTestEngine(t, store, opts)
	tbl := createTestTable(t, eng, "m")
	for i := 0; i < 20; i++ {
		put(t, tbl, "cpu", int64(i), fmt.Sprintf("v%d", i))
	}
	want := mustScan(t, tbl, ScanOptions{})
	if err := eng.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}

	for round := 1; round <= 2; round++ {
		eng2 := openTestEngine(t, store, opts)
		tbl2, err := eng2.Table("m")
		if err != nil {
			t.Fatal(err)
		}
		got := mustScan(t, tbl2, ScanOptions{})
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("round %d: replay diverged: %d rows, want %d", round, len(got), len(want))
		}
		if st := tbl2.Stats(); st.LastSeq != 20 {
			t.Fatalf("round %d: last seq = %d, want 20", round, st.LastSeq)
		}
		if err := eng2.Close(ctx); err != nil {
			t.Fatalf("round %d close: %v", round, err)
		}
	}
}

func TestFlushCheckpointSkipsReplay(t *testing.T) {
	store := bytestore.NewMemory()
	ctx := context.Background()
	opts := testOptions()
	opts.DisableFlushOnClose = true

	eng := openTestEngine(t, store, opts)
	tbl := createTestTable(t, eng, "m")
	put(t, tbl, "cpu", 1, "a")
	put(t, tbl, "cpu", 2, "b")
	put(t, tbl, "cpu", 3, "c")
	mustFlush(t, tbl)
	if st := tbl.Stats(); st.Checkpoint != 3 {
		t.Fatalf("checkpoint after flush = %d, want 3", st.Checkpoint)
	}
	put(t, tbl, "cpu", 4, "d") // lives only in the WAL
	if err := eng.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}

	eng2 := openTestEngine(t, store, opts)
	tbl2, err := eng2.Table("m")
	if err != nil {
		t.Fatal(err)
	}
	rows := mustScan(t, tbl2, ScanOptions{})
	if len(rows) != 4 {
		t.Fatalf("after recovery = %d rows, want 4 (no duplicates)", len(rows))
	}
	for i, r := range rows {
		if r.Seq != types.Seq(i+1) {
			t.Fatalf("row %d seq = %d, want %d", i, r.Seq, i+1)
		}
	}
}

func TestConcurrentWriters(t *testing.T) {
	opts := testOptions()
	opts.MemtableBytes = 8 << 10 // force freezes mid-run
	eng := openTestEngine(t, bytestore.NewMemory(), opts)
	tbl := createTestTable(t, eng, "m")

	const writers = 8
	const perWriter = 40
	var wg sync.WaitGroup
	errCh := make(chan error, writers)
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			series := fmt.Sprintf("w%02d", w)
			for i := 0; i < perWriter; i++ {
				b := batch.New()
				b.Put([]byte(series), types.TimestampMs(int64(i)), bytes.Repeat([]byte("v"), 32))
				if err := tbl.Write(context.Background(), b); err != nil {
					errCh <- err
					return
				}
			}
		}(w)
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Fatalf("concurrent write: %v", err)
	}

	mustFlush(t, tbl)
	rows := mustScan(t, tbl, ScanOptions{})
	if len(rows) != writers*perWriter {
		t.Fatalf("scan = %d rows, want %d", len(rows), writers*perWriter)
	}
	seen := make(map[types.Seq]bool, len(rows))
	var max types.Seq
	for _, r := range rows {
		if seen[r.Seq] {
			t.Fatalf("sequence %d issued twice", r.Seq)
		}
		seen[r.Seq] = true
		if r.Seq > max {
			max = r.Seq
		}
	}
	if max != types.Seq(writers*perWriter) {
		t.Fatalf("max seq = %d, want %d", max, writers*perWriter)
	}
}

// flakyStore fails data-file creation on demand while leaving the WAL and
// manifest paths healthy, so flushes fail but writes stay durable.
type flakyStore struct {
	bytestore.Store
	failSST atomic.Bool
}

func (s *flakyStore) OpenAppend(ctx context.Context, path string) (bytestore.AppendFile, error) {
	if s.failSST.Load() && strings.Contains(path, "/sst/") {
		return nil, errors.New("injected data file failure")
	}
	return s.Store.OpenAppend(ctx, path)
}

func TestBackpressureWhenFlushCannotDrain(t *testing.T) {
	fs := &flakyStore{Store: bytestore.NewMemory()}
	fs.failSST.Store(true)

	opts := testOptions()
	opts.MemtableBytes = 512
	opts.MaxFrozenMemtables = 1
	eng := openTestEngine(t, fs, opts)
	tbl := createTestTable(t, eng, "m")

	sawBackpressure := false
	for i := 0; i < 200 && !sawBackpressure; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		b := batch.New()
		b.Put([]byte("cpu"), types.TimestampMs(int64(i)), bytes.Repeat([]byte("x"), 64))
		err := tbl.Write(ctx, b)
		cancel()
		if err != nil {
			if !errors.Is(err, dberrors.ErrResourceExhausted) {
				t.Fatalf("write error = %v, want ErrResourceExhausted", err)
			}
			sawBackpressure = true
		}
	}
	if !sawBackpressure {
		t.Fatal("backpressure never engaged with flushes failing")
	}

	// Once the store heals, the background retry drains the queue and
	// writes are accepted again.
	fs.failSST.Store(false)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tbl.Flush(ctx); err != nil {
		t.Fatalf("flush after recovery: %v", err)
	}
	put(t, tbl, "cpu", 9999, "ok")
	if v, ok := mustGet(t, tbl, "cpu", 9999, 0); !ok || v != "ok" {
		t.Fatalf("write after recovery = %q, %v", v, ok)
	}
}

func TestWriteBufferCeilingFreezesLargestTable(t *testing.T) {
	opts := testOptions()
	opts.MemtableBytes = 64 << 20 // per-table threshold out of reach
	opts.WriteBufferBytes = 8 << 10
	eng := openTestEngine(t, bytestore.NewMemory(), opts)
	tbl := createTestTable(t, eng, "m")

	b := batch.New()
	for i := 0; i < 64; i++ {
		b.Put([]byte("cpu"), types.TimestampMs(int64(i)), bytes.Repeat([]byte("x"), 256))
	}
	if err := tbl.Write(context.Background(), b); err != nil {
		t.Fatalf("write: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		st := tbl.Stats()
		if st.ActiveBytes == 0 && len(st.Levels) > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("engine ceiling never froze the table: %+v", st)
		}
		time.Sleep(50 * time.Millisecond)
	}

	rows := mustScan(t, tbl, ScanOptions{})
	if len(rows) != 64 {
		t.Fatalf("scan after forced freeze = %d rows, want 64", len(rows))
	}
}
