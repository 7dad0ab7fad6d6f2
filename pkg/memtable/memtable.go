// Package memtable holds the most recent writes of one table in a
// concurrent sorted structure. Readers never block: lookups traverse a
// skipmap of per-key version chains, and freezing swaps the whole active
// table atomically, so a reader sees either the fully-active or the
// fully-frozen view.
package memtable

import (
	"sync/atomic"

	"strata/pkg/types"
)

// Memtable owns the active table and arbitrates freezing. Insert and
// Freeze are expected to be serialized by the caller's write path; Get,
// Visible and Versions are safe from any goroutine at any time.
type Memtable struct {
	active atomic.Pointer[Table]
	ver    atomic.Uint64
}

func New() *Memtable {
	m := &Memtable{}
	m.active.Store(newTable())
	return m
}

// Insert applies one row to the active table. Re-inserting a sequence
// number the table already holds is a no-op, so replaying a WAL frame
// twice leaves the table unchanged.
func (m *Memtable) Insert(row types.Row) bool {
	return m.active.Load().insert(row)
}

// InsertAll applies a batch and reports how many rows were new.
func (m *Memtable) InsertAll(rows []types.Row) int {
	t := m.active.Load()
	n := 0
	for i := range rows {
		if t.insert(rows[i]) {
			n++
		}
	}
	return n
}

// Get returns the newest version of key visible at snap from the active
// table only. Frozen tables are the flush scheduler's and are consulted
// by the read coordinator directly.
func (m *Memtable) Get(key types.Key, snap types.Seq) (types.Row, bool) {
	return m.active.Load().Get(key, snap)
}

// Visible appends the newest visible version of every key in r.
func (m *Memtable) Visible(r types.KeyRange, snap types.Seq, out []types.Row) []types.Row {
	return m.active.Load().Visible(r, snap, out)
}

// Versions appends every version of every key in r, key ascending and
// sequence descending.
func (m *Memtable) Versions(r types.KeyRange, out []types.Row) []types.Row {
	return m.active.Load().Versions(r, out)
}

// Bytes reports the approximate resident size of the active table.
func (m *Memtable) Bytes() int64 { return m.active.Load().Bytes() }

// Rows reports the version count of the active table.
func (m *Memtable) Rows() int64 { return m.active.Load().Rows() }

// Version is the freeze epoch to pass to Freeze. It changes exactly once
// per successful freeze.
func (m *Memtable) Version() uint64 { return m.ver.Load() }

// Active exposes the current table for read fan-out.
func (m *Memtable) Active() *Table { return m.active.Load() }

// Freeze retires the active table and installs a fresh one, but only for
// the caller that observed ver before the swap: concurrent callers that
// saw the same threshold crossing lose the compare-and-swap and freeze
// nothing. The returned table is immutable by convention; nothing inserts
// into it again.
func (m *Memtable) Freeze(ver uint64) (*Table, bool) {
	if !m.ver.CompareAndSwap(ver, ver+1) {
		return nil, false
	}
	old := m.active.Swap(newTable())
	return old, true
}
