// Package iterator defines the traversal contract shared by memtables and
// data files, and the merge machinery the read path and compactions are
// built on. Every iterator yields row versions in engine order: key
// ascending, and within one key sequence number descending, so the newest
// version of a key is always met first.
package iterator

import "strata/pkg/types"

// Iterator walks a sorted run of row versions.
type Iterator interface {
	// Seek positions at the first version whose key is >= target.
	Seek(target types.Key)
	// First positions at the smallest entry.
	First()
	// Next advances one version.
	Next()
	// Valid reports whether the iterator points at an entry.
	Valid() bool
	// Row returns the current version. It stays valid only until the
	// next positioning call; callers that retain it must copy.
	Row() types.Row
	// Error reports the first failure the iterator hit. An iterator
	// with a pending error is no longer Valid.
	Error() error
	// Close releases resources.
	Close() error
}

// Slice iterates a materialized run already in engine order.
type Slice struct {
	rows []types.Row
	pos  int
}

func NewSlice(rows []types.Row) *Slice {
	return &Slice{rows: rows}
}

func (s *Slice) First() { s.pos = 0 }
func (s *Slice) Next()  { s.pos++ }

func (s *Slice) Valid() bool {
	return s.pos >= 0 && s.pos < len(s.rows)
}

func (s *Slice) Row() types.Row { return s.rows[s.pos] }
func (s *Slice) Error() error   { return nil }
func (s *Slice) Close() error   { return nil }

// Seek binary-searches the run for the first key >= target.
func (s *Slice) Seek(target types.Key) {
	lo, hi := 0, len(s.rows)
	for lo < hi {
		mid := (lo + hi) / 2
		if keyCompare(s.rows[mid].Key, target) < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	s.pos = lo
}
