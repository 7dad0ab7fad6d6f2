package sstable

import (
	"bytes"
	"sort"

	"strata/pkg/types"
)

// Iterator walks one file in engine order, bounded to a key range. Data
// blocks whose timestamp span misses bounds are skipped without being
// read; row-level timestamp filtering stays with the caller.
//
// Rows returned by Row alias block storage owned by the shared cache.
type Iterator struct {
	r      *Reader
	kr     types.KeyRange
	bounds types.TimeRange

	blockIdx int
	block    []byte
	off      int
	row      types.Row
	valid    bool
	err      error
}

// NewIterator returns an unpositioned iterator; call First or Seek before
// Row. Pass types.AllTime() for bounds to disable block pruning.
func (r *Reader) NewIterator(kr types.KeyRange, bounds types.TimeRange) *Iterator {
	return &Iterator{r: r, kr: kr, bounds: bounds}
}

func (it *Iterator) First() {
	if it.err != nil {
		return
	}
	if it.kr.Start != nil {
		it.Seek(it.kr.Start)
		return
	}
	it.loadBlock(0)
	it.step()
}

// Seek positions at the first entry with key >= target, clamped into the
// iterator's key range.
func (it *Iterator) Seek(target types.Key) {
	if it.err != nil {
		return
	}
	if it.kr.Start != nil && bytes.Compare(target, it.kr.Start) < 0 {
		target = it.kr.Start
	}
	i := sort.Search(len(it.r.index), func(i int) bool {
		return bytes.Compare(it.r.index[i].lastKey, target) >= 0
	})
	it.loadBlock(i)
	it.step()
	for it.valid && bytes.Compare(it.row.Key, target) < 0 {
		it.step()
	}
}

func (it *Iterator) Next() {
	if !it.valid {
		return
	}
	it.step()
}

func (it *Iterator) Valid() bool { return it.valid && it.err == nil }

func (it *Iterator) Row() types.Row { return it.row }

func (it *Iterator) Error() error { return it.err }

func (it *Iterator) Close() error {
	it.valid = false
	it.block = nil
	return it.err
}

// loadBlock makes block i current, skipping blocks outside the timestamp
// bounds. Past the last block the iterator goes invalid.
func (it *Iterator) loadBlock(i int) {
	for ; i < len(it.r.index); i++ {
		m := &it.r.index[i]
		if !it.bounds.Overlaps(m.minTs, m.maxTs) {
			continue
		}
		block, err := it.r.readBlock(i)
		if err != nil {
			it.err = err
			it.valid = false
			return
		}
		it.blockIdx = i
		it.block = block
		it.off = 0
		it.valid = true
		return
	}
	it.blockIdx = len(it.r.index)
	it.block = nil
	it.valid = false
}

// step decodes the next entry, rolling into the next block when the
// current one is exhausted, and enforces the range's upper bound.
func (it *Iterator) step() {
	if it.err != nil || !it.valid {
		return
	}
	if it.off >= len(it.block) {
		it.loadBlock(it.blockIdx + 1)
		if !it.valid {
			return
		}
	}
	row, n, err := decodeEntry(it.block[it.off:])
	if err != nil {
		it.err = err
		it.valid = false
		return
	}
	it.off += n
	if it.kr.End != nil && bytes.Compare(row.Key, it.kr.End) >= 0 {
		it.valid = false
		it.block = nil
		return
	}
	it.row = row
}
