package codec

import (
	"bytes"
	"errors"
	"testing"

	"strata/pkg/dberrors"
	"strata/pkg/types"
)

func TestEncodeBytesRoundTrip(t *testing.T) {
	cases := [][]byte{
		{},
		{0x00},
		[]byte("a"),
		[]byte("01234567"),
		[]byte("012345678"),
		bytes.Repeat([]byte{0xFF}, 17),
		bytes.Repeat([]byte{0x00}, 16),
	}
	for _, in := range cases {
		enc := EncodeBytes(nil, in)
		got, rest, err := DecodeBytes(enc)
		if err != nil {
			t.Fatalf("decode %q: %v", in, err)
		}
		if !bytes.Equal(got, in) {
			t.Fatalf("round trip %q: got %q", in, got)
		}
		if len(rest) != 0 {
			t.Fatalf("round trip %q: %d leftover bytes", in, len(rest))
		}
	}
}

func TestEncodeBytesOrder(t *testing.T) {
	// Order of encoded forms must equal order of inputs, in particular for
	// prefixes, which a naive concatenation would get wrong once another
	// field follows.
	inputs := [][]byte{
		{},
		{0x00},
		{0x00, 0x00},
		[]byte("a"),
		[]byte("ab"),
		[]byte("abcdefgh"),
		[]byte("abcdefgh\x00"),
		[]byte("b"),
	}
	for i := 1; i < len(inputs); i++ {
		a := EncodeBytes(nil, inputs[i-1])
		b := EncodeBytes(nil, inputs[i])
		if bytes.Compare(a, b) >= 0 {
			t.Fatalf("encoded %q >= encoded %q", inputs[i-1], inputs[i])
		}
	}
}

func TestDecodeBytesCorrupt(t *testing.T) {
	enc := EncodeBytes(nil, []byte("hello"))

	if _, _, err := DecodeBytes(enc[:4]); !errors.Is(err, dberrors.ErrCorruption) {
		t.Fatalf("short group: got %v", err)
	}

	bad := append([]byte(nil), enc...)
	bad[len(bad)-1] = 0x10 // marker below the valid window
	if _, _, err := DecodeBytes(bad); !errors.Is(err, dberrors.ErrCorruption) {
		t.Fatalf("bad marker: got %v", err)
	}

	bad = append([]byte(nil), enc...)
	bad[len(bad)-2] = 0xAA // nonzero padding
	if _, _, err := DecodeBytes(bad); !errors.Is(err, dberrors.ErrCorruption) {
		t.Fatalf("dirty padding: got %v", err)
	}
}

func TestEncodeInt64Order(t *testing.T) {
	vals := []int64{-1 << 63, -1000, -1, 0, 1, 1000, 1<<63 - 1}
	for i := 1; i < len(vals); i++ {
		a := EncodeInt64(nil, vals[i-1])
		b := EncodeInt64(nil, vals[i])
		if bytes.Compare(a, b) >= 0 {
			t.Fatalf("encoded %d >= encoded %d", vals[i-1], vals[i])
		}
	}
	for _, v := range vals {
		got, rest, err := DecodeInt64(EncodeInt64(nil, v))
		if err != nil || got != v || len(rest) != 0 {
			t.Fatalf("round trip %d: got %d err %v", v, got, err)
		}
	}
}

func TestRowKey(t *testing.T) {
	series := []byte("host=web-1,region=eu")
	k1 := EncodeRowKey(nil, series, 100)
	k2 := EncodeRowKey(nil, series, 200)
	if bytes.Compare(k1, k2) >= 0 {
		t.Fatal("timestamps out of order within series")
	}

	gotSeries, gotTs, err := DecodeRowKey(k2)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(gotSeries, series) || gotTs != 200 {
		t.Fatalf("decoded (%q, %d)", gotSeries, gotTs)
	}
}

func TestSeriesRange(t *testing.T) {
	a := []byte("host=a")
	b := []byte("host=a0") // extends a; must not fall into a's range
	ra := SeriesRange(a)

	for _, ts := range []types.TimestampMs{minTs, -5, 0, 5, maxTs} {
		if !ra.Contains(EncodeRowKey(nil, a, ts)) {
			t.Fatalf("series range misses own ts %d", ts)
		}
	}
	if ra.Contains(EncodeRowKey(nil, b, 0)) {
		t.Fatal("series range leaks into sibling series")
	}

	rt := TimeRange(a, 10, 20)
	if rt.Contains(EncodeRowKey(nil, a, 9)) || !rt.Contains(EncodeRowKey(nil, a, 10)) ||
		!rt.Contains(EncodeRowKey(nil, a, 20)) || rt.Contains(EncodeRowKey(nil, a, 21)) {
		t.Fatal("time range bounds are off")
	}
}

func TestRowRoundTrip(t *testing.T) {
	rows := []types.Row{
		{Key: EncodeRowKey(nil, []byte("s1"), 1), Timestamp: 1, Value: []byte("v1")},
		{Key: EncodeRowKey(nil, []byte("s1"), 2), Timestamp: 2, Tombstone: true},
		{Key: EncodeRowKey(nil, []byte("s2"), 1), Timestamp: 1, Value: []byte("")},
	}
	payload := AppendRows(nil, rows)

	got, err := DecodeRows(payload, 42, len(rows))
	if err != nil {
		t.Fatal(err)
	}
	for i := range rows {
		if !bytes.Equal(got[i].Key, rows[i].Key) || got[i].Timestamp != rows[i].Timestamp ||
			!bytes.Equal(got[i].Value, rows[i].Value) || got[i].Tombstone != rows[i].Tombstone {
			t.Fatalf("row %d mismatch: %+v vs %+v", i, got[i], rows[i])
		}
		if got[i].Seq != 42+types.Seq(i) {
			t.Fatalf("row %d seq %d, want %d", i, got[i].Seq, 42+i)
		}
	}

	if _, err := DecodeRows(append(payload, 0xAB), 42, len(rows)); !errors.Is(err, dberrors.ErrCorruption) {
		t.Fatalf("trailing bytes: got %v", err)
	}
	if _, err := DecodeRows(payload[:len(payload)-1], 42, len(rows)); !errors.Is(err, dberrors.ErrCorruption) {
		t.Fatalf("truncated payload: got %v", err)
	}
}
