// Package bloom builds the per-file membership filters consulted before
// any data block read. False positives cost one wasted block fetch; false
// negatives are impossible.
package bloom

import (
	"math"

	"github.com/cespare/xxhash/v2"
)

// Builder accumulates key hashes and sizes the bit array once, when the
// final key count is known.
type Builder struct {
	hashes     []uint64
	bitsPerKey int
}

func NewBuilder(bitsPerKey int) *Builder {
	if bitsPerKey < 1 {
		bitsPerKey = 1
	}
	return &Builder{bitsPerKey: bitsPerKey}
}

func (b *Builder) Add(key []byte) {
	b.hashes = append(b.hashes, xxhash.Sum64(key))
}

func (b *Builder) Count() int { return len(b.hashes) }

// Finish lays the filter out as bit array bytes followed by one byte with
// the probe count.
func (b *Builder) Finish() []byte {
	k := uint32(float64(b.bitsPerKey) * math.Ln2)
	if k < 1 {
		k = 1
	}
	if k > 30 {
		k = 30
	}

	nBits := len(b.hashes) * b.bitsPerKey
	if nBits < 64 {
		nBits = 64
	}
	nBytes := (nBits + 7) / 8
	nBits = nBytes * 8

	filter := make([]byte, nBytes+1)
	for _, h := range b.hashes {
		delta := h>>17 | h<<47
		for i := uint32(0); i < k; i++ {
			pos := h % uint64(nBits)
			filter[pos/8] |= 1 << (pos % 8)
			h += delta
		}
	}
	filter[nBytes] = byte(k)
	return filter
}

// MayContain probes a marshaled filter. Malformed filters answer true, so
// a damaged filter block degrades to extra reads, never to lost rows.
func MayContain(filter, key []byte) bool {
	if len(filter) < 2 {
		return true
	}
	k := uint32(filter[len(filter)-1])
	if k < 1 || k > 30 {
		return true
	}
	nBits := uint64(len(filter)-1) * 8

	h := xxhash.Sum64(key)
	delta := h>>17 | h<<47
	for i := uint32(0); i < k; i++ {
		pos := h % nBits
		if filter[pos/8]&(1<<(pos%8)) == 0 {
			return false
		}
		h += delta
	}
	return true
}
