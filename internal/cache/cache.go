// Package cache provides a bounded in-process TTL cache.
package cache

import (
	"container/list"
	"sync"
	"time"
)

// Entry is a cached value together with the time it was stored.
type Entry[V any] struct {
	Value     V
	StoredAt  time.Time
	ExpiresAt time.Time
}

// Age returns how long ago the entry was stored relative to now.
func (e Entry[V]) Age(now time.Time) time.Duration {
	return now.Sub(e.StoredAt)
}

// Cache is the read-through store used by read models. Implementations must
// be safe for concurrent use.
type Cache[V any] interface {
	Get(key string) (Entry[V], bool)
	Set(key string, value V)
	Delete(key string)
	Len() int
}

// TTLCache is a thread-safe LRU cache whose entries expire after a fixed TTL.
// Expired entries are swept whenever a value is written; the entry count never
// exceeds maxSize.
type TTLCache[V any] struct {
	mu      sync.Mutex
	items   map[string]*list.Element
	lru     *list.List
	maxSize int
	ttl     time.Duration
	now     func() time.Time
}

type item[V any] struct {
	key   string
	entry Entry[V]
}

// NewTTLCache creates a cache holding at most maxSize entries for ttl each.
func NewTTLCache[V any](maxSize int, ttl time.Duration) *TTLCache[V] {
	if maxSize < 1 {
		maxSize = 1
	}
	return &TTLCache[V]{
		items:   make(map[string]*list.Element),
		lru:     list.New(),
		maxSize: maxSize,
		ttl:     ttl,
		now:     time.Now,
	}
}

// WithClock replaces the time source, for tests.
func (c *TTLCache[V]) WithClock(now func() time.Time) *TTLCache[V] {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
	return c
}

// Get returns the live entry for key.
func (c *TTLCache[V]) Get(key string) (Entry[V], bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[key]
	if !ok {
		return Entry[V]{}, false
	}
	it := elem.Value.(*item[V])
	if !c.now().Before(it.entry.ExpiresAt) {
		c.remove(elem)
		return Entry[V]{}, false
	}
	c.lru.MoveToFront(elem)
	return it.entry, true
}

// Set stores value under key, sweeping expired entries and evicting the least
// recently used ones past capacity.
func (c *TTLCache[V]) Set(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	entry := Entry[V]{Value: value, StoredAt: now, ExpiresAt: now.Add(c.ttl)}

	if elem, ok := c.items[key]; ok {
		elem.Value.(*item[V]).entry = entry
		c.lru.MoveToFront(elem)
	} else {
		c.items[key] = c.lru.PushFront(&item[V]{key: key, entry: entry})
	}

	c.sweep(now)
	for c.lru.Len() > c.maxSize {
		c.remove(c.lru.Back())
	}
}

// Delete drops key if present.
func (c *TTLCache[V]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.items[key]; ok {
		c.remove(elem)
	}
}

// Len returns the number of stored entries, expired or not.
func (c *TTLCache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

func (c *TTLCache[V]) sweep(now time.Time) {
	for elem := c.lru.Back(); elem != nil; {
		prev := elem.Prev()
		if !now.Before(elem.Value.(*item[V]).entry.ExpiresAt) {
			c.remove(elem)
		}
		elem = prev
	}
}

func (c *TTLCache[V]) remove(elem *list.Element) {
	c.lru.Remove(elem)
	delete(c.items, elem.Value.(*item[V]).key)
}
