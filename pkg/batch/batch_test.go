package batch

import (
	"bytes"
	"testing"

	"strata/pkg/codec"
	"strata/pkg/types"
)

func TestPutAndDelete(t *testing.T) {
	b := New()
	b.Put([]byte("cpu.host1"), 1000, []byte("0.42"))
	b.Delete([]byte("cpu.host1"), 2000)

	if b.Count() != 2 {
		t.Fatalf("Count = %d, want 2", b.Count())
	}
	rows := b.Rows()
	if rows[0].Tombstone || !rows[1].Tombstone {
		t.Fatalf("tombstone flags = %v, %v", rows[0].Tombstone, rows[1].Tombstone)
	}

	series, ts, err := codec.DecodeRowKey(rows[0].Key)
	if err != nil {
		t.Fatalf("DecodeRowKey: %v", err)
	}
	if !bytes.Equal(series, []byte("cpu.host1")) || ts != 1000 {
		t.Fatalf("decoded (%q, %d), want (cpu.host1, 1000)", series, ts)
	}
	if bytes.Compare(rows[0].Key, rows[1].Key) >= 0 {
		t.Fatal("later timestamp must sort after earlier one")
	}
}

func TestPutCopiesCallerBuffers(t *testing.T) {
	b := New()
	val := []byte("before")
	b.Put([]byte("s"), 1, val)
	copy(val, "mangle")
	if got := b.Rows()[0].Value; !bytes.Equal(got, []byte("before")) {
		t.Fatalf("value aliased the caller buffer: %q", got)
	}
}

func TestSplitRespectsByteCeiling(t *testing.T) {
	b := New()
	for i := 0; i < 100; i++ {
		b.Put([]byte("series"), types.TimestampMs(i), []byte("0123456789"))
	}
	perRow := b.ApproxBytes() / 100
	ceiling := perRow * 7

	groups := b.Split(ceiling)
	if len(groups) < 2 {
		t.Fatalf("split produced %d groups", len(groups))
	}
	total := 0
	for gi, g := range groups {
		size := 0
		for i := range g {
			size += g[i].Size()
		}
		if size > ceiling {
			t.Fatalf("group %d is %d bytes, ceiling %d", gi, size, ceiling)
		}
		total += len(g)
	}
	if total != 100 {
		t.Fatalf("split lost rows: %d of 100", total)
	}
	// Order is preserved across group boundaries.
	last := groups[0][0].Key
	for _, g := range groups {
		for i := range g {
			if bytes.Compare(g[i].Key, last) < 0 {
				t.Fatal("split reordered rows")
			}
			last = g[i].Key
		}
	}
}

func TestSplitKeepsOversizedRowWhole(t *testing.T) {
	b := New()
	b.Put([]byte("s"), 1, make([]byte, 4096))
	b.Put([]byte("s"), 2, []byte("x"))

	groups := b.Split(64)
	if len(groups) != 2 {
		t.Fatalf("split produced %d groups, want 2", len(groups))
	}
	if len(groups[0]) != 1 || len(groups[1]) != 1 {
		t.Fatalf("group sizes = %d, %d, want 1, 1", len(groups[0]), len(groups[1]))
	}
}

func TestSplitDisabledAndEmpty(t *testing.T) {
	b := New()
	if got := b.Split(16); got != nil {
		t.Fatalf("empty split = %v", got)
	}
	b.Put([]byte("s"), 1, []byte("v"))
	if got := b.Split(0); len(got) != 1 || len(got[0]) != 1 {
		t.Fatalf("disabled split = %v", got)
	}
}

func TestClearKeepsHandedOutRows(t *testing.T) {
	b := New()
	b.Put([]byte("s"), 1, []byte("v"))
	rows := b.Rows()
	b.Clear()
	if b.Count() != 0 || b.ApproxBytes() != 0 {
		t.Fatalf("Clear left count %d bytes %d", b.Count(), b.ApproxBytes())
	}
	if len(rows) != 1 || !bytes.Equal(rows[0].Value, []byte("v")) {
		t.Fatal("Clear mutated rows handed out earlier")
	}
	b.Put([]byte("s"), 2, []byte("w"))
	if b.Count() != 1 {
		t.Fatalf("reuse after Clear: Count = %d", b.Count())
	}
}

