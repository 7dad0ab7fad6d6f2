package memtable

import (
	"sync"
	"sync/atomic"

	"strata/pkg/types"
)

// version is one MVCC entry of a key. Chains order newest first; links are
// atomic so readers traverse without locks while writers splice.
type version struct {
	seq       types.Seq
	ts        types.TimestampMs
	value     []byte
	tombstone bool
	next      atomic.Pointer[version]
}

// chain is the per-key version list. Readers walk head/next lock-free;
// writers serialize on mu because batches may reach the same key out of
// sequence order and must splice, not just prepend.
type chain struct {
	mu   sync.Mutex
	head atomic.Pointer[version]
}

// insert places v by descending sequence. Inserting a sequence number the
// chain already holds is a no-op, which makes log replay idempotent.
func (c *chain) insert(v *version) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	head := c.head.Load()
	if head == nil || v.seq > head.seq {
		v.next.Store(head)
		c.head.Store(v)
		return true
	}

	cur := head
	for {
		if cur.seq == v.seq {
			return false
		}
		next := cur.next.Load()
		if next == nil || next.seq < v.seq {
			v.next.Store(next)
			cur.next.Store(v)
			return true
		}
		cur = next
	}
}

// at returns the newest version visible at snap, or nil.
func (c *chain) at(snap types.Seq) *version {
	for v := c.head.Load(); v != nil; v = v.next.Load() {
		if v.seq <= snap {
			return v
		}
	}
	return nil
}
