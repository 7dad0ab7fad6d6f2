package clock

import (
	"sync/atomic"

	"strata/pkg/types"
)

// Sequence hands out per-table sequence numbers. Val reports the last
// allocated number; rows never carry zero.
type Sequence struct {
	atomic.Uint64
}

func NewSequence(last types.Seq) *Sequence {
	var s Sequence
	s.Store(uint64(last))
	return &s
}

func (s *Sequence) Val() types.Seq {
	return types.Seq(s.Load())
}

func (s *Sequence) Next() types.Seq {
	return types.Seq(s.Add(1))
}

// NextN allocates n consecutive numbers and returns the first. Rows of one
// batch take base..base+n-1 so replay can reassign identical numbers.
func (s *Sequence) NextN(n int) types.Seq {
	return types.Seq(s.Add(uint64(n))) - types.Seq(n) + 1
}

// Advance raises the counter to at least last. Used during recovery so new
// allocations start above everything found in the WAL and manifest.
func (s *Sequence) Advance(last types.Seq) {
	for {
		cur := s.Load()
		if cur >= uint64(last) {
			return
		}
		if s.CompareAndSwap(cur, uint64(last)) {
			return
		}
	}
}
