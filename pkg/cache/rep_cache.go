// Package cache provides a bounded, TTL-aware LRU cache for reconstructed
// representation contents, letting the representation store (internal/reps)
// skip re-walking a skip-delta chain for a representation it has already
// reconstructed recently.
//
// Only immutable representations are safe to cache: a mutable rep's bytes
// can change out from under a cached entry, so callers must key exclusively
// on immutable rep IDs.
package cache

import (
	"container/list"
	"sync"
	"sync/atomic"
	"time"
)

// RepCache is a thread-safe LRU cache for reconstructed representation
// contents, keyed by representation ID.
type RepCache struct {
	mu sync.RWMutex

	maxSize int
	ttl     time.Duration
	enabled bool

	list  *list.List
	items map[string]*list.Element

	hits   uint64
	misses uint64
}

type repCacheEntry struct {
	key       string
	value     []byte
	expiresAt time.Time
}

// NewRepCache creates a rep cache holding at most maxSize entries, each
// valid for ttl (0 means entries never expire on their own).
func NewRepCache(maxSize int, ttl time.Duration) *RepCache {
	if maxSize <= 0 {
		maxSize = 1000
	}
	return &RepCache{
		maxSize: maxSize,
		ttl:     ttl,
		enabled: true,
		list:    list.New(),
		items:   make(map[string]*list.Element, maxSize),
	}
}

// Get retrieves a cached representation's reconstructed bytes, if present
// and not expired. Moves the entry to the front of the LRU list on hit.
func (c *RepCache) Get(key string) ([]byte, bool) {
	if !c.enabled {
		atomic.AddUint64(&c.misses, 1)
		return nil, false
	}

	c.mu.RLock()
	elem, ok := c.items[key]
	c.mu.RUnlock()

	if !ok {
		atomic.AddUint64(&c.misses, 1)
		return nil, false
	}

	entry := elem.Value.(*repCacheEntry)

	if c.ttl > 0 && time.Now().After(entry.expiresAt) {
		c.mu.Lock()
		c.removeElement(elem)
		c.mu.Unlock()
		atomic.AddUint64(&c.misses, 1)
		return nil, false
	}

	c.mu.Lock()
	c.list.MoveToFront(elem)
	c.mu.Unlock()

	atomic.AddUint64(&c.hits, 1)
	return entry.value, true
}

// Put stores value under key, evicting the least recently used entry if the
// cache is at capacity.
func (c *RepCache) Put(key string, value []byte) {
	if !c.enabled {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		entry := elem.Value.(*repCacheEntry)
		entry.value = value
		if c.ttl > 0 {
			entry.expiresAt = time.Now().Add(c.ttl)
		}
		c.list.MoveToFront(elem)
		return
	}

	for c.list.Len() >= c.maxSize {
		c.evictOldest()
	}

	entry := &repCacheEntry{key: key, value: value}
	if c.ttl > 0 {
		entry.expiresAt = time.Now().Add(c.ttl)
	}
	elem := c.list.PushFront(entry)
	c.items[key] = elem
}

// Remove evicts key, if present. Representations never mutate their
// reconstructed bytes in place once cached (re-encoding between fulltext
// and delta form preserves content under the same ID), so callers do not
// need to call this for normal deltify/undeltify traffic; it exists for
// completeness and for any future caller that deletes a rep ID outright.
func (c *RepCache) Remove(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.items[key]; ok {
		c.removeElement(elem)
	}
}

// Clear empties the cache.
func (c *RepCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.list.Init()
	c.items = make(map[string]*list.Element, c.maxSize)
}

// Len returns the number of cached entries.
func (c *RepCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.list.Len()
}

// Stats reports hit/miss counters for diagnostics.
func (c *RepCache) Stats() CacheStats {
	hits := atomic.LoadUint64(&c.hits)
	misses := atomic.LoadUint64(&c.misses)

	c.mu.RLock()
	size := c.list.Len()
	c.mu.RUnlock()

	total := hits + misses
	var hitRate float64
	if total > 0 {
		hitRate = float64(hits) / float64(total) * 100
	}

	return CacheStats{Size: size, MaxSize: c.maxSize, Hits: hits, Misses: misses, HitRate: hitRate}
}

// CacheStats holds cache performance statistics.
type CacheStats struct {
	Size    int
	MaxSize int
	Hits    uint64
	Misses  uint64
	HitRate float64
}

// SetEnabled enables or disables the cache, clearing it when disabled.
func (c *RepCache) SetEnabled(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enabled = enabled
	if !enabled {
		c.list.Init()
		c.items = make(map[string]*list.Element, c.maxSize)
	}
}

func (c *RepCache) evictOldest() {
	if elem := c.list.Back(); elem != nil {
		c.removeElement(elem)
	}
}

func (c *RepCache) removeElement(elem *list.Element) {
	c.list.Remove(elem)
	entry := elem.Value.(*repCacheEntry)
	delete(c.items, entry.key)
}
