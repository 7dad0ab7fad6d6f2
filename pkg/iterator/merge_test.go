package iterator

import (
	"testing"

	"strata/pkg/types"
)

func v(key string, seq types.Seq, val string) types.Row {
	return types.Row{Key: []byte(key), Timestamp: types.TimestampMs(seq), Value: []byte(val), Seq: seq}
}

func tomb(key string, seq types.Seq) types.Row {
	return types.Row{Key: []byte(key), Timestamp: types.TimestampMs(seq), Seq: seq, Tombstone: true}
}

func drain(t *testing.T, it Iterator) []types.Row {
	t.Helper()
	var out []types.Row
	for it.First(); it.Valid(); it.Next() {
		r := it.Row()
		r.Key = append([]byte(nil), r.Key...)
		r.Value = append([]byte(nil), r.Value...)
		out = append(out, r)
	}
	if err := it.Error(); err != nil {
		t.Fatalf("iterator error: %v", err)
	}
	return out
}

func TestSliceSeek(t *testing.T) {
	s := NewSlice([]types.Row{v("a", 1, ""), v("c", 3, ""), v("c", 2, ""), v("e", 4, "")})

	s.Seek([]byte("b"))
	if !s.Valid() || string(s.Row().Key) != "c" || s.Row().Seq != 3 {
		t.Fatalf("seek(b): %+v", s.Row())
	}
	s.Seek([]byte("c"))
	if string(s.Row().Key) != "c" || s.Row().Seq != 3 {
		t.Fatalf("seek(c) must land on newest version: %+v", s.Row())
	}
	s.Seek([]byte("f"))
	if s.Valid() {
		t.Fatal("seek past end still valid")
	}
}

func TestMergeOrder(t *testing.T) {
	newer := NewSlice([]types.Row{v("a", 9, "a9"), v("c", 7, "c7")})
	older := NewSlice([]types.Row{v("a", 3, "a3"), v("b", 5, "b5"), v("c", 8, "c8")})

	m := NewMerge(newer, older)
	defer m.Close()

	got := drain(t, m)
	wantKeys := []string{"a", "a", "b", "c", "c"}
	wantSeqs := []types.Seq{9, 3, 5, 8, 7}
	if len(got) != len(wantKeys) {
		t.Fatalf("got %d rows", len(got))
	}
	for i := range got {
		if string(got[i].Key) != wantKeys[i] || got[i].Seq != wantSeqs[i] {
			t.Fatalf("row %d = (%q,%d), want (%q,%d)", i, got[i].Key, got[i].Seq, wantKeys[i], wantSeqs[i])
		}
	}
}

func TestMergeDropsDuplicateVersions(t *testing.T) {
	// The same (key, seq) in two sources happens after a WAL replay whose
	// tail was also flushed: exactly one copy must surface.
	memtable := NewSlice([]types.Row{v("k", 4, "dup"), v("k", 3, "mem3")})
	file := NewSlice([]types.Row{v("k", 4, "dup"), v("k", 2, "file2")})

	m := NewMerge(memtable, file)
	defer m.Close()

	got := drain(t, m)
	if len(got) != 3 {
		t.Fatalf("got %d rows, want 3", len(got))
	}
	for i, want := range []types.Seq{4, 3, 2} {
		if got[i].Seq != want {
			t.Fatalf("row %d seq = %d, want %d", i, got[i].Seq, want)
		}
	}
}

func TestMergeSeek(t *testing.T) {
	a := NewSlice([]types.Row{v("a", 1, ""), v("d", 4, "")})
	b := NewSlice([]types.Row{v("b", 2, ""), v("d", 6, "")})

	m := NewMerge(a, b)
	defer m.Close()

	m.Seek([]byte("c"))
	if !m.Valid() || string(m.Row().Key) != "d" || m.Row().Seq != 6 {
		t.Fatalf("seek(c): %+v", m.Row())
	}
	m.Next()
	if !m.Valid() || m.Row().Seq != 4 {
		t.Fatalf("second d version: %+v", m.Row())
	}
	m.Next()
	if m.Valid() {
		t.Fatal("expected exhaustion")
	}
}

func TestVisibleSnapshotAndTombstones(t *testing.T) {
	run := NewSlice([]types.Row{
		v("a", 6, "a6"), v("a", 2, "a2"),
		tomb("b", 5), v("b", 3, "b3"),
		v("c", 9, "c9"),
	})

	// At snap 9 the b tombstone shadows b3 and c9 is visible.
	vis := NewVisible(run, 9, types.AllTime())
	got := drain(t, vis)
	if len(got) != 2 {
		t.Fatalf("snap=9: %d rows", len(got))
	}
	if string(got[0].Value) != "a6" || string(got[1].Value) != "c9" {
		t.Fatalf("snap=9: %q %q", got[0].Value, got[1].Value)
	}

	// At snap 4 the tombstone is invisible, so b3 resurfaces; c not yet
	// written.
	vis = NewVisible(NewSlice([]types.Row{
		v("a", 6, "a6"), v("a", 2, "a2"),
		tomb("b", 5), v("b", 3, "b3"),
		v("c", 9, "c9"),
	}), 4, types.AllTime())
	got = drain(t, vis)
	if len(got) != 2 {
		t.Fatalf("snap=4: %d rows", len(got))
	}
	if string(got[0].Value) != "a2" || string(got[1].Value) != "b3" {
		t.Fatalf("snap=4: %q %q", got[0].Value, got[1].Value)
	}
}

func TestVisibleTimeBounds(t *testing.T) {
	rows := []types.Row{
		{Key: []byte("a"), Timestamp: 10, Value: []byte("x"), Seq: 1},
		{Key: []byte("b"), Timestamp: 20, Value: []byte("y"), Seq: 2},
		{Key: []byte("c"), Timestamp: 30, Value: []byte("z"), Seq: 3},
	}
	vis := NewVisible(NewSlice(rows), types.MaxSeq, types.TimeRange{Min: 15, Max: 25})
	got := drain(t, vis)
	if len(got) != 1 || string(got[0].Key) != "b" {
		t.Fatalf("time filter: %v", got)
	}
}

func TestVisibleOverMerge(t *testing.T) {
	mem := NewSlice([]types.Row{v("k1", 2, "b")})
	sst := NewSlice([]types.Row{v("k1", 1, "a")})

	m := NewMerge(mem, sst)
	vis := NewVisible(m, 1, types.AllTime())
	got := drain(t, vis)
	if len(got) != 1 || string(got[0].Value) != "a" {
		t.Fatalf("snap=1 over merge: %v", got)
	}

	m2 := NewMerge(NewSlice([]types.Row{v("k1", 2, "b")}), NewSlice([]types.Row{v("k1", 1, "a")}))
	vis = NewVisible(m2, 2, types.AllTime())
	got = drain(t, vis)
	if len(got) != 1 || string(got[0].Value) != "b" {
		t.Fatalf("snap=2 over merge: %v", got)
	}
}

func TestMergeEmptySources(t *testing.T) {
	m := NewMerge(NewSlice(nil), NewSlice(nil))
	defer m.Close()
	m.First()
	if m.Valid() {
		t.Fatal("empty merge valid")
	}
	empty := NewMerge()
	empty.First()
	if empty.Valid() {
		t.Fatal("sourceless merge valid")
	}
}
