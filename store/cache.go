package store

import (
	"container/list"
	"sync"

	"github.com/benbjohnson/clock"
)

// entry is what Cache stores per key: the value, a move-to-front list
// element standing in for the spec's monotonic access timestamp, and the
// exclusive lock flag Manager enforces single-writer-per-key with.
type entry[T Storable] struct {
	key    string
	value  T
	elem   *list.Element
	locked bool
}

// Cache is a bounded LRU of keyed, lockable objects (spec.md §4.3). A
// hash map gives O(1) lookup by key; a doubly linked list (Go's idiomatic
// substitute for the spec's "ordered map keyed by timestamp") gives O(1)
// move-to-front on access and O(1) eviction of the least-recently-used
// entry, preserving the bijection invariant between the two indexes.
type Cache[T Storable] struct {
	mu      sync.Mutex
	max     int
	data    map[string]*entry[T]
	order   *list.List // front = most recently used
	clock   clock.Clock
}

// NewCache creates a Cache bounded at max resident entries.
func NewCache[T Storable](max int) *Cache[T] {
	return &Cache[T]{
		max:   max,
		data:  make(map[string]*entry[T]),
		order: list.New(),
		clock: clock.New(),
	}
}

// Get returns the resident value for key, refreshing its recency, or ok=false
// on a miss. It does not consult or affect the lock flag.
func (c *Cache[T]) Get(key string) (value T, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, found := c.data[key]
	if !found {
		return value, false
	}
	c.order.MoveToFront(e.elem)
	return e.value, true
}

// Put inserts or replaces the value for key, refreshing recency. If the
// cache is at capacity and key is new, the least-recently-used resident
// entry is evicted (the caller — Manager — must already have persisted
// it to the store before this is reached). Returns whether the item is
// now resident, which is always true: when every resident entry is
// locked, nothing is evicted and the cache holds more than max entries
// until locked entries are released and later evicted.
func (c *Cache[T]) Put(key string, value T) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, found := c.data[key]; found {
		e.value = value
		c.order.MoveToFront(e.elem)
		return true
	}
	if c.max > 0 && len(c.data) >= c.max {
		c.evictLocked()
	}
	elem := c.order.PushFront(key)
	c.data[key] = &entry[T]{key: key, value: value, elem: elem}
	return true
}

// evictLocked removes the least-recently-used entry. Caller holds c.mu.
// A locked entry is never evicted (it is in active use by a checkout);
// eviction walks back from the tail skipping locked entries.
func (c *Cache[T]) evictLocked() {
	for e := c.order.Back(); e != nil; e = e.Prev() {
		key := e.Value.(string)
		if ent, ok := c.data[key]; ok && !ent.locked {
			c.order.Remove(e)
			delete(c.data, key)
			return
		}
	}
}

// Delete removes key from both indexes without freeing the value; the
// caller owns the value's lifetime.
func (c *Cache[T]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, found := c.data[key]; found {
		c.order.Remove(e.elem)
		delete(c.data, key)
	}
}

// Len returns the number of resident entries.
func (c *Cache[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.data)
}

// tryLock marks key's entry locked, returning false if it is already
// locked or absent. Used only by Manager.
func (c *Cache[T]) tryLock(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, found := c.data[key]
	if !found || e.locked {
		return false
	}
	e.locked = true
	return true
}

// unlock clears key's locked flag, if present. Used only by Manager.
func (c *Cache[T]) unlock(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, found := c.data[key]; found {
		e.locked = false
	}
}

// isLocked reports key's current lock state (absent keys are unlocked).
func (c *Cache[T]) isLocked(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, found := c.data[key]
	return found && e.locked
}
