// Package lru implements a generic, thread-safe LRU cache with optional
// expiry. The notification dedupe layer uses it when no Redis is configured.
package lru

import (
	"sync"
	"time"
)

type node[K comparable, V any] struct {
	key       K
	val       V
	expiresAt time.Time // zero means no expiry
	prev      *node[K, V]
	next      *node[K, V]
}

// Cache is a generic, thread-safe LRU cache.
type Cache[K comparable, V any] struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	items    map[K]*node[K, V]
	head     *node[K, V] // most recently used (sentinel)
	tail     *node[K, V] // least recently used (sentinel)
	now      func() time.Time
}

// Option configures a Cache.
type Option[K comparable, V any] func(*Cache[K, V])

// WithTTL sets a default time-to-live applied by Put.
func WithTTL[K comparable, V any](ttl time.Duration) Option[K, V] {
	return func(c *Cache[K, V]) { c.ttl = ttl }
}

// New creates an LRU cache with the given capacity.
// Panics if capacity < 1.
func New[K comparable, V any](capacity int, opts ...Option[K, V]) *Cache[K, V] {
	if capacity < 1 {
		panic("lru: capacity must be >= 1")
	}

	head := &node[K, V]{}
	tail := &node[K, V]{}
	head.next = tail
	tail.prev = head

	c := &Cache[K, V]{
		capacity: capacity,
		items:    make(map[K]*node[K, V], capacity),
		head:     head,
		tail:     tail,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the value for key if present and not expired.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n, ok := c.items[key]
	if !ok {
		var zero V
		return zero, false
	}
	if c.expired(n) {
		c.unlink(n)
		var zero V
		return zero, false
	}

	c.moveToFront(n)
	return n.val, true
}

// Put inserts or updates key with the default TTL. When the cache is full
// the least recently used entry is evicted and returned.
func (c *Cache[K, V]) Put(key K, val V) (K, V, bool) {
	return c.PutWithTTL(key, val, c.ttl)
}

// PutWithTTL is Put with an explicit TTL; ttl <= 0 never expires.
func (c *Cache[K, V]) PutWithTTL(key K, val V, ttl time.Duration) (K, V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = c.now().Add(ttl)
	}

	if n, ok := c.items[key]; ok {
		n.val = val
		n.expiresAt = expiresAt
		c.moveToFront(n)
		var zk K
		var zv V
		return zk, zv, false
	}

	var (
		evictedKey K
		evictedVal V
		evicted    bool
	)
	if len(c.items) >= c.capacity {
		victim := c.tail.prev
		c.unlink(victim)
		evictedKey, evictedVal, evicted = victim.key, victim.val, true
	}

	n := &node[K, V]{key: key, val: val, expiresAt: expiresAt}
	c.items[key] = n
	c.pushFront(n)

	return evictedKey, evictedVal, evicted
}

// Delete removes key. Returns true if it was present.
func (c *Cache[K, V]) Delete(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	n, ok := c.items[key]
	if !ok {
		return false
	}
	c.unlink(n)
	return true
}

// Len returns the number of entries, including ones that have expired but
// not yet been observed.
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// caller must hold lock for everything below

func (c *Cache[K, V]) expired(n *node[K, V]) bool {
	return !n.expiresAt.IsZero() && !c.now().Before(n.expiresAt)
}

func (c *Cache[K, V]) unlink(n *node[K, V]) {
	c.remove(n)
	delete(c.items, n.key)
}

func (c *Cache[K, V]) remove(n *node[K, V]) {
	n.prev.next = n.next
	n.next.prev = n.prev
	n.prev = nil
	n.next = nil
}

func (c *Cache[K, V]) pushFront(n *node[K, V]) {
	n.next = c.head.next
	n.prev = c.head
	c.head.next.prev = n
	c.head.next = n
}

func (c *Cache[K, V]) moveToFront(n *node[K, V]) {
	c.remove(n)
	c.pushFront(n)
}
