package types

import "bytes"

// Key is an immutable byte slice type alias used for clarity. Keys are
// memcomparable: bytes.Compare order equals primary-key tuple order.
type Key = []byte

// Value is an immutable byte slice type alias used for clarity.
type Value = []byte

// Seq is a per-table monotonically increasing sequence number used for MVCC
// ordering and WAL replay positioning. Zero is reserved: it sorts before any
// written row and doubles as the "replay from the start" position.
type Seq uint64

// MaxSeq makes a read see every committed version.
const MaxSeq = Seq(^uint64(0))

// TimestampMs is a millisecond-precision row timestamp.
type TimestampMs int64

// TableID identifies a table within one engine instance.
type TableID uint64

// FileID identifies an immutable data file. IDs are allocated once and never
// reused, even across restarts.
type FileID uint64

// Level is an LSM tree level. Level 0 files may overlap each other; files on
// level 1 and below are disjoint within their level.
type Level int

// Row is one encoded row version flowing through the engine. Timestamp is
// carried alongside the key so block pruning does not depend on the key
// layout.
type Row struct {
	Key       Key
	Timestamp TimestampMs
	Value     Value
	Seq       Seq
	Tombstone bool
}

// Size reports the approximate memory footprint of the row, used for
// memtable and batch accounting.
func (r *Row) Size() int {
	return len(r.Key) + len(r.Value) + 24
}

// KeyRange is a half-open interval [Start, End). A nil Start means unbounded
// below, a nil End unbounded above.
type KeyRange struct {
	Start Key
	End   Key
}

// Contains reports whether k falls inside the range.
func (r KeyRange) Contains(k Key) bool {
	if r.Start != nil && bytes.Compare(k, r.Start) < 0 {
		return false
	}
	if r.End != nil && bytes.Compare(k, r.End) >= 0 {
		return false
	}
	return true
}

// Overlaps reports whether the range intersects the closed key span
// [min, max] of a file or block.
func (r KeyRange) Overlaps(min, max Key) bool {
	if r.End != nil && bytes.Compare(min, r.End) >= 0 {
		return false
	}
	if r.Start != nil && bytes.Compare(max, r.Start) < 0 {
		return false
	}
	return true
}

// All returns the unbounded range.
func All() KeyRange { return KeyRange{} }

// TimeRange is a closed timestamp interval [Min, Max] used to prune data
// blocks and rows independently of the key layout.
type TimeRange struct {
	Min TimestampMs
	Max TimestampMs
}

// AllTime spans every representable timestamp.
func AllTime() TimeRange {
	return TimeRange{Min: TimestampMs(-1 << 63), Max: TimestampMs(1<<63 - 1)}
}

// Contains reports whether ts falls inside the interval.
func (t TimeRange) Contains(ts TimestampMs) bool {
	return ts >= t.Min && ts <= t.Max
}

// Overlaps reports whether two closed intervals intersect.
func (t TimeRange) Overlaps(min, max TimestampMs) bool {
	return min <= t.Max && max >= t.Min
}
