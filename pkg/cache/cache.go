// Package cache holds decoded data blocks shared by every table in the
// engine, keyed by file and block offset. Files are immutable, so entries
// never go stale; they only age out by byte budget.
package cache

import (
	"sync"

	"strata/pkg/types"
)

// Key addresses one block inside one immutable file.
type Key struct {
	File   types.FileID
	Offset uint64
}

type entry struct {
	key   Key
	value []byte
	prev  *entry
	next  *entry
}

// Cache is an LRU over decoded blocks with a byte capacity.
type Cache struct {
	mu       sync.Mutex
	capacity int64
	used     int64
	items    map[Key]*entry
	head     *entry
	tail     *entry
	hits     uint64
	misses   uint64
}

func New(capacityBytes int64) *Cache {
	return &Cache{
		capacity: capacityBytes,
		items:    make(map[Key]*entry),
	}
}

// Get returns the cached block. Callers must not mutate it.
func (c *Cache) Get(k Key) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	it, found := c.items[k]
	if !found {
		c.misses++
		return nil, false
	}
	c.hits++
	c.moveToHead(it)
	return it.value, true
}

// Put stores a block. Oversized blocks relative to the whole budget are
// not cached at all.
func (c *Cache) Put(k Key, value []byte) {
	if int64(len(value)) > c.capacity {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if it, found := c.items[k]; found {
		c.used += int64(len(value)) - int64(len(it.value))
		it.value = value
		c.moveToHead(it)
	} else {
		it = &entry{key: k, value: value}
		c.addToHead(it)
		c.items[k] = it
		c.used += int64(len(value))
	}

	for c.used > c.capacity && c.tail != nil {
		c.evictLRU()
	}
}

// EvictFile drops every block of a file, called when the file is deleted.
func (c *Cache) EvictFile(id types.FileID) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for k, it := range c.items {
		if k.File != id {
			continue
		}
		c.unlink(it)
		delete(c.items, k)
		c.used -= int64(len(it.value))
	}
}

// Stats reports hit/miss counters and resident bytes.
func (c *Cache) Stats() (hits, misses uint64, used int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses, c.used
}

func (c *Cache) moveToHead(it *entry) {
	if it == c.head {
		return
	}
	c.unlink(it)
	c.addToHead(it)
}

func (c *Cache) addToHead(it *entry) {
	it.prev = nil
	it.next = c.head
	if c.head != nil {
		c.head.prev = it
	}
	c.head = it
	if c.tail == nil {
		c.tail = it
	}
}

func (c *Cache) unlink(it *entry) {
	if it.prev != nil {
		it.prev.next = it.next
	} else {
		c.head = it.next
	}
	if it.next != nil {
		it.next.prev = it.prev
	} else {
		c.tail = it.prev
	}
	it.prev, it.next = nil, nil
}

func (c *Cache) evictLRU() {
	victim := c.tail
	if victim == nil {
		return
	}
	c.unlink(victim)
	delete(c.items, victim.key)
	c.used -= int64(len(victim.value))
}
