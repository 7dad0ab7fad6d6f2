//go:build integration
// +build integration

package integration

import (
	"context"
	"fmt"
	"testing"

	"strata/pkg/batch"
	"strata/pkg/bytestore"
	"strata/pkg/codec"
	"strata/pkg/compression"
	"strata/pkg/engine"
	"strata/pkg/types"
)

// Exercises one engine over a real disk directory across restarts: flushes,
// compaction, a crash with WAL replay, and a table drop.
func TestEngineLifecycleOnDisk(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	open := func(crash bool) *engine.Engine {
		t.Helper()
		store, err := bytestore.NewLocal(dir)
		if err != nil {
			t.Fatalf("open store: %v", err)
		}
		eng, err := engine.Open(ctx, store, nil, engine.Options{
			MemtableBytes:       32 << 10,
			BlockBytes:          4 << 10,
			Compression:         compression.Snappy,
			DisableFlushOnClose: crash,
		})
		if err != nil {
			t.Fatalf("open engine: %v", err)
		}
		return eng
	}

	writeRange := func(tbl *engine.Table, from, to int) {
		t.Helper()
		b := batch.New()
		for i := from; i < to; i++ {
			b.Put([]byte(fmt.Sprintf("m%d", i%8)), types.TimestampMs(int64(i)), []byte(fmt.Sprintf("value-%06d", i)))
			if b.Count() == 100 {
				if err := tbl.Write(ctx, b); err != nil {
					t.Fatalf("write: %v", err)
				}
				b.Clear()
			}
		}
		if b.Count() > 0 {
			if err := tbl.Write(ctx, b); err != nil {
				t.Fatalf("write: %v", err)
			}
		}
	}

	scanCount := func(tbl *engine.Table) int {
		t.Helper()
		rows, err := tbl.Scan(ctx, engine.ScanOptions{})
		if err != nil {
			t.Fatalf("scan: %v", err)
		}
		return len(rows)
	}

	getValue := func(tbl *engine.Table, series string, ts int64) string {
		t.Helper()
		key := codec.EncodeRowKey(nil, []byte(series), types.TimestampMs(ts))
		row, ok, err := tbl.Get(ctx, key, 0)
		if err != nil {
			t.Fatalf("get %s@%d: %v", series, ts, err)
		}
		if !ok {
			t.Fatalf("get %s@%d: absent", series, ts)
		}
		return string(row.Value)
	}

	// First life: load two tables, flush and compact one of them.
	eng := open(false)
	metrics, err := eng.CreateTable(ctx, "metrics")
	if err != nil {
		t.Fatal(err)
	}
	events, err := eng.CreateTable(ctx, "events")
	if err != nil {
		t.Fatal(err)
	}
	for part := 0; part < 4; part++ {
		writeRange(metrics, part*300, (part+1)*300)
		if err := metrics.Flush(ctx); err != nil {
			t.Fatalf("flush: %v", err)
		}
	}
	writeRange(events, 0, 200)
	if err := metrics.Compact(ctx); err != nil {
		t.Fatalf("compact: %v", err)
	}
	if n := scanCount(metrics); n != 1200 {
		t.Fatalf("metrics rows = %d, want 1200", n)
	}
	if err := eng.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}

	// Second life: everything is back, then a crash loses no acknowledged
	// write.
	eng = open(true)
	metrics, err = eng.Table("metrics")
	if err != nil {
		t.Fatal(err)
	}
	events, err = eng.Table("events")
	if err != nil {
		t.Fatal(err)
	}
	if n := scanCount(metrics); n != 1200 {
		t.Fatalf("metrics rows after reopen = %d, want 1200", n)
	}
	if n := scanCount(events); n != 200 {
		t.Fatalf("events rows after reopen = %d, want 200", n)
	}
	if v := getValue(metrics, "m3", 1099); v != "value-001099" {
		t.Fatalf("spot read = %q", v)
	}
	writeRange(metrics, 1200, 1250) // stays in WAL only
	if err := eng.Close(ctx); err != nil {
		t.Fatalf("crash close: %v", err)
	}

	// Third life: WAL replay restores the tail writes exactly once.
	eng = open(false)
	metrics, err = eng.Table("metrics")
	if err != nil {
		t.Fatal(err)
	}
	if n := scanCount(metrics); n != 1250 {
		t.Fatalf("metrics rows after replay = %d, want 1250", n)
	}
	rng := codec.TimeRange([]byte("m0"), types.TimestampMs(0), types.TimestampMs(1<<62))
	rows, err := metrics.Scan(ctx, engine.ScanOptions{Range: rng})
	if err != nil {
		t.Fatalf("series scan: %v", err)
	}
	if len(rows) == 0 {
		t.Fatal("series scan returned nothing")
	}
	if err := eng.DropTable(ctx, "events"); err != nil {
		t.Fatalf("drop: %v", err)
	}
	if err := eng.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}

	// Fourth life: the dropped table stays gone.
	eng = open(false)
	defer eng.Close(ctx)
	if names := eng.Tables(); len(names) != 1 || names[0] != "metrics" {
		t.Fatalf("tables after drop = %v, want [metrics]", names)
	}
	metrics, err = eng.Table("metrics")
	if err != nil {
		t.Fatal(err)
	}
	if n := scanCount(metrics); n != 1250 {
		t.Fatalf("metrics rows in fourth life = %d, want 1250", n)
	}
}
