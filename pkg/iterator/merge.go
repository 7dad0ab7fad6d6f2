package iterator

import (
	"bytes"
	"container/heap"

	"strata/pkg/types"
)

func keyCompare(a, b types.Key) int { return bytes.Compare(a, b) }

// entryLess orders two versions in engine order. Ties on (key, seq) break
// by source rank: lower rank means newer source, so when the same version
// exists in several sources (a WAL frame replayed into a memtable that was
// also flushed), the newest source wins and the duplicate is skipped.
func entryLess(a, b types.Row, aRank, bRank int) bool {
	if c := keyCompare(a.Key, b.Key); c != 0 {
		return c < 0
	}
	if a.Seq != b.Seq {
		return a.Seq > b.Seq
	}
	return aRank < bRank
}

type mergeSource struct {
	it   Iterator
	rank int
}

type mergeHeap []mergeSource

func (h mergeHeap) Len() int { return len(h) }
func (h mergeHeap) Less(i, j int) bool {
	return entryLess(h[i].it.Row(), h[j].it.Row(), h[i].rank, h[j].rank)
}
func (h mergeHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *mergeHeap) Push(x any)   { *h = append(*h, x.(mergeSource)) }

func (h *mergeHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// Merge combines several engine-ordered runs into one. Sources are ranked
// newest first: rank is the index in the slice passed to NewMerge. An
// entry carrying a (key, seq) pair equal to the previously emitted one is
// dropped, which makes replay overlap between memtables and files
// harmless.
type Merge struct {
	sources []mergeSource
	heap    mergeHeap

	lastKey []byte
	lastSeq types.Seq
	haveOut bool
	err     error
	closed  bool
}

// NewMerge takes ownership of its sources, newest first. Close closes all
// of them.
func NewMerge(newestFirst ...Iterator) *Merge {
	m := &Merge{sources: make([]mergeSource, 0, len(newestFirst))}
	for rank, it := range newestFirst {
		m.sources = append(m.sources, mergeSource{it: it, rank: rank})
	}
	return m
}

func (m *Merge) rebuild() {
	m.heap = m.heap[:0]
	for _, s := range m.sources {
		if err := s.it.Error(); err != nil && m.err == nil {
			m.err = err
		}
		if s.it.Valid() {
			m.heap = append(m.heap, s)
		}
	}
	heap.Init(&m.heap)
	m.lastKey = nil
	m.haveOut = false
}

func (m *Merge) First() {
	for _, s := range m.sources {
		s.it.First()
	}
	m.rebuild()
	m.skipDuplicate()
}

func (m *Merge) Seek(target types.Key) {
	for _, s := range m.sources {
		s.it.Seek(target)
	}
	m.rebuild()
	m.skipDuplicate()
}

func (m *Merge) Next() {
	if len(m.heap) == 0 {
		return
	}
	cur := m.heap[0].it.Row()
	m.lastKey = append(m.lastKey[:0], cur.Key...)
	m.lastSeq = cur.Seq
	m.haveOut = true

	m.advanceTop()
	m.skipDuplicate()
}

// advanceTop steps the winning source and restores the heap.
func (m *Merge) advanceTop() {
	top := m.heap[0].it
	top.Next()
	if err := top.Error(); err != nil && m.err == nil {
		m.err = err
	}
	if top.Valid() {
		heap.Fix(&m.heap, 0)
	} else {
		heap.Pop(&m.heap)
	}
}

// skipDuplicate drops entries identical in (key, seq) to the last emitted
// version. Only adjacent entries can collide thanks to the total order.
func (m *Merge) skipDuplicate() {
	for len(m.heap) > 0 && m.haveOut {
		cur := m.heap[0].it.Row()
		if cur.Seq != m.lastSeq || !bytes.Equal(cur.Key, m.lastKey) {
			return
		}
		m.advanceTop()
	}
}

func (m *Merge) Valid() bool {
	return m.err == nil && len(m.heap) > 0
}

func (m *Merge) Row() types.Row { return m.heap[0].it.Row() }

func (m *Merge) Error() error { return m.err }

func (m *Merge) Close() error {
	if m.closed {
		return m.err
	}
	m.closed = true
	for _, s := range m.sources {
		if err := s.it.Close(); err != nil && m.err == nil {
			m.err = err
		}
	}
	return m.err
}
