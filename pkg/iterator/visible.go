package iterator

import (
	"bytes"

	"strata/pkg/types"
)

// Visible reduces an engine-ordered run of versions to the rows a reader
// at one snapshot sees: per key the newest version with seq <= snap,
// tombstones and out-of-range timestamps suppressed along with everything
// they shadow.
type Visible struct {
	src    Iterator
	snap   types.Seq
	bounds types.TimeRange

	keyBuf []byte
	valid  bool
}

func NewVisible(src Iterator, snap types.Seq, bounds types.TimeRange) *Visible {
	return &Visible{src: src, snap: snap, bounds: bounds}
}

func (v *Visible) First() {
	v.src.First()
	v.settle()
}

func (v *Visible) Seek(target types.Key) {
	v.src.Seek(target)
	v.settle()
}

func (v *Visible) Next() {
	if !v.valid {
		return
	}
	v.skipKey(v.src.Row().Key)
	v.settle()
}

// settle walks forward until the source stands on a live, visible row.
func (v *Visible) settle() {
	v.valid = false
	for v.src.Valid() {
		r := v.src.Row()
		if r.Seq > v.snap {
			// Invisible at this snapshot; an older version of the same
			// key may still qualify.
			v.src.Next()
			continue
		}
		// r is the newest visible version of its key. Everything older
		// is shadowed whether r is live or not.
		if r.Tombstone || !v.bounds.Contains(r.Timestamp) {
			v.skipKey(r.Key)
			continue
		}
		v.valid = true
		return
	}
}

// skipKey advances past every remaining version of k.
func (v *Visible) skipKey(k types.Key) {
	v.keyBuf = append(v.keyBuf[:0], k...)
	for v.src.Valid() && bytes.Equal(v.src.Row().Key, v.keyBuf) {
		v.src.Next()
	}
}

func (v *Visible) Valid() bool    { return v.valid && v.src.Error() == nil }
func (v *Visible) Row() types.Row { return v.src.Row() }
func (v *Visible) Error() error   { return v.src.Error() }
func (v *Visible) Close() error   { return v.src.Close() }
