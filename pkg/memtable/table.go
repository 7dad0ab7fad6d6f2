package memtable

import (
	"bytes"
	"sync/atomic"

	"github.com/zhangyunhao116/skipmap"

	"strata/pkg/types"
)

type chainMap = skipmap.FuncMap[[]byte, *chain]

func newChainMap() *chainMap {
	return skipmap.NewFunc[[]byte, *chain](func(a, b []byte) bool {
		return bytes.Compare(a, b) < 0
	})
}

// Table is one sorted run of version chains: either the active memtable or
// a frozen one waiting on flush. Reads never block, freezing reuses the
// same object unchanged.
type Table struct {
	m      *chainMap
	bytes  atomic.Int64
	rows   atomic.Int64
	minSeq atomic.Uint64 // 0 until the first insert
	maxSeq atomic.Uint64
}

func newTable() *Table {
	return &Table{m: newChainMap()}
}

// insert copies the row in. A duplicate (key, seq) is dropped and not
// accounted.
func (t *Table) insert(row types.Row) bool {
	v := &version{
		seq:       row.Seq,
		ts:        row.Timestamp,
		tombstone: row.Tombstone,
	}
	if !row.Tombstone && len(row.Value) > 0 {
		v.value = append([]byte(nil), row.Value...)
	}

	key := append([]byte(nil), row.Key...)
	c, _ := t.m.LoadOrStoreLazy(key, func() *chain { return &chain{} })
	if !c.insert(v) {
		return false
	}

	t.bytes.Add(int64(row.Size()))
	t.rows.Add(1)
	bumpMin(&t.minSeq, uint64(row.Seq))
	bumpMax(&t.maxSeq, uint64(row.Seq))
	return true
}

// Get returns the newest version of key visible at snap. The returned row
// reports found=true even for tombstones; callers stop searching older
// sources either way.
func (t *Table) Get(key types.Key, snap types.Seq) (types.Row, bool) {
	c, ok := t.m.Load(key)
	if !ok {
		return types.Row{}, false
	}
	v := c.at(snap)
	if v == nil {
		return types.Row{}, false
	}
	return types.Row{Key: key, Timestamp: v.ts, Value: v.value, Seq: v.seq, Tombstone: v.tombstone}, true
}

// Visible appends the newest visible version of every key in r, tombstones
// included, and returns the extended slice in key order.
func (t *Table) Visible(r types.KeyRange, snap types.Seq, out []types.Row) []types.Row {
	t.m.Range(func(k []byte, c *chain) bool {
		if r.End != nil && bytes.Compare(k, r.End) >= 0 {
			return false
		}
		if r.Start != nil && bytes.Compare(k, r.Start) < 0 {
			return true
		}
		if v := c.at(snap); v != nil {
			out = append(out, types.Row{Key: k, Timestamp: v.ts, Value: v.value, Seq: v.seq, Tombstone: v.tombstone})
		}
		return true
	})
	return out
}

// All returns every version of every key, ordered by key ascending then
// sequence descending: the exact order data files are laid out in.
func (t *Table) All() []types.Row {
	return t.Versions(types.All(), nil)
}

// Versions appends every version of every key inside r, ordered by key
// ascending then sequence descending. The result is a stable snapshot:
// rows inserted after the call may or may not appear, which is harmless
// because callers bound visibility by a sequence number taken earlier.
func (t *Table) Versions(r types.KeyRange, out []types.Row) []types.Row {
	if out == nil {
		out = make([]types.Row, 0, t.rows.Load())
	}
	t.m.Range(func(k []byte, c *chain) bool {
		if r.End != nil && bytes.Compare(k, r.End) >= 0 {
			return false
		}
		if r.Start != nil && bytes.Compare(k, r.Start) < 0 {
			return true
		}
		for v := c.head.Load(); v != nil; v = v.next.Load() {
			out = append(out, types.Row{Key: k, Timestamp: v.ts, Value: v.value, Seq: v.seq, Tombstone: v.tombstone})
		}
		return true
	})
	return out
}

func (t *Table) Bytes() int64      { return t.bytes.Load() }
func (t *Table) Rows() int64       { return t.rows.Load() }
func (t *Table) MinSeq() types.Seq { return types.Seq(t.minSeq.Load()) }
func (t *Table) MaxSeq() types.Seq { return types.Seq(t.maxSeq.Load()) }
func (t *Table) Empty() bool       { return t.rows.Load() == 0 }

func bumpMin(a *atomic.Uint64, v uint64) {
	for {
		cur := a.Load()
		if cur != 0 && cur <= v {
			return
		}
		if a.CompareAndSwap(cur, v) {
			return
		}
	}
}

func bumpMax(a *atomic.Uint64, v uint64) {
	for {
		cur := a.Load()
		if cur >= v {
			return
		}
		if a.CompareAndSwap(cur, v) {
			return
		}
	}
}
