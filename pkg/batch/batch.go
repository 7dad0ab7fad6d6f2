// Package batch assembles the rows of one atomic write. Rows of a batch
// are acknowledged together and take consecutive sequence numbers, so a
// key written twice in one batch resolves to the later Put or Delete.
package batch

import (
	"strata/pkg/codec"
	"strata/pkg/types"
)

// Batch collects mutations before a table write. It owns copies of all
// key and value bytes, so caller buffers may be reused immediately and
// rows handed to the engine stay stable after Clear.
//
// Batches are not safe for concurrent use.
type Batch struct {
	rows  []types.Row
	bytes int
}

func New() *Batch { return &Batch{} }

// Put records an upsert of one series at one timestamp.
func (b *Batch) Put(series []byte, ts types.TimestampMs, value []byte) {
	b.add(types.Row{
		Key:       codec.EncodeRowKey(nil, series, ts),
		Timestamp: ts,
		Value:     append(types.Value(nil), value...),
	})
}

// Delete records a tombstone shadowing every older version of the series
// at the timestamp.
func (b *Batch) Delete(series []byte, ts types.TimestampMs) {
	b.add(types.Row{
		Key:       codec.EncodeRowKey(nil, series, ts),
		Timestamp: ts,
		Tombstone: true,
	})
}

func (b *Batch) add(r types.Row) {
	b.rows = append(b.rows, r)
	b.bytes += r.Size()
}

// Count reports the number of rows staged.
func (b *Batch) Count() int { return len(b.rows) }

// ApproxBytes reports the staged memory footprint, the unit of the write
// splitter and the memtable flush threshold.
func (b *Batch) ApproxBytes() int { return b.bytes }

// Rows exposes the staged rows in insertion order. The engine fills in
// sequence numbers during the WAL append.
func (b *Batch) Rows() []types.Row { return b.rows }

// Clear empties the batch for reuse. Row slices returned earlier keep
// their contents.
func (b *Batch) Clear() {
	b.rows = nil
	b.bytes = 0
}

// Split cuts the rows into groups of at most maxBytes each, never breaking
// a single row: a row larger than maxBytes travels alone. Groups alias the
// batch's row slice. maxBytes <= 0 disables splitting.
func (b *Batch) Split(maxBytes int) [][]types.Row {
	if len(b.rows) == 0 {
		return nil
	}
	if maxBytes <= 0 || b.bytes <= maxBytes {
		return [][]types.Row{b.rows}
	}
	var groups [][]types.Row
	start, size := 0, 0
	for i := range b.rows {
		rs := b.rows[i].Size()
		if size+rs > maxBytes && i > start {
			groups = append(groups, b.rows[start:i])
			start, size = i, 0
		}
		size += rs
	}
	return append(groups, b.rows[start:])
}
