// Package cache provides an LRU cache used by the tree layer to memoize
// path-to-node-revision lookups within a single root.
//
// Adapted from the query-plan LRU in the teacher's pkg/cache: same
// doubly-linked-list-plus-map structure, retargeted at path strings instead
// of query hashes and without a TTL (a root's cache is invalidated wholesale
// when the root's revision/txn state changes, not by wall-clock expiry).
package cache

import (
	"container/list"
	"sync"
)

// PathCache is a thread-safe, bounded LRU cache keyed by filesystem path.
//
// The tree layer keeps one PathCache for all roots, keyed by root ID plus
// path, to avoid re-walking the DAG for paths it has already resolved. When
// a trail makes a node mutable under a root, every entry of that root is
// dropped (RemovePrefix).
type PathCache struct {
	mu sync.RWMutex

	maxSize int
	list    *list.List
	items   map[string]*list.Element

	hits   uint64
	misses uint64
}

type pathCacheEntry struct {
	key   string
	value interface{}
}

// NewPathCache creates a cache bounded to maxSize entries. maxSize <= 0
// defaults to 4096, a reasonable spine depth for deep repositories.
func NewPathCache(maxSize int) *PathCache {
	if maxSize <= 0 {
		maxSize = 4096
	}
	return &PathCache{
		maxSize: maxSize,
		list:    list.New(),
		items:   make(map[string]*list.Element, maxSize),
	}
}

// Get returns the cached value for path, if present.
func (c *PathCache) Get(path string) (interface{}, bool) {
	c.mu.RLock()
	elem, ok := c.items[path]
	c.mu.RUnlock()
	if !ok {
		c.mu.Lock()
		c.misses++
		c.mu.Unlock()
		return nil, false
	}

	c.mu.Lock()
	c.list.MoveToFront(elem)
	c.hits++
	c.mu.Unlock()
	return elem.Value.(*pathCacheEntry).value, true
}

// Put inserts or updates the cached value for path, evicting the least
// recently used entry if the cache is at capacity.
func (c *PathCache) Put(path string, value interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[path]; ok {
		elem.Value.(*pathCacheEntry).value = value
		c.list.MoveToFront(elem)
		return
	}
	for c.list.Len() >= c.maxSize {
		c.evictOldestLocked()
	}
	elem := c.list.PushFront(&pathCacheEntry{key: path, value: value})
	c.items[path] = elem
}

// Remove drops the cached entry for path, if any.
func (c *PathCache) Remove(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.items[path]; ok {
		c.removeElementLocked(elem)
	}
}

// RemovePrefix drops every cached entry whose path is prefix or a descendant
// of prefix. Used when a subtree is cloned mutable in one step.
func (c *PathCache) RemovePrefix(prefix string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for e := c.list.Front(); e != nil; {
		next := e.Next()
		entry := e.Value.(*pathCacheEntry)
		if entry.key == prefix || hasPathPrefix(entry.key, prefix) {
			c.removeElementLocked(e)
		}
		e = next
	}
}

// Clear empties the cache.
func (c *PathCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.list.Init()
	c.items = make(map[string]*list.Element, c.maxSize)
}

// Len returns the current number of cached entries.
func (c *PathCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.list.Len()
}

func (c *PathCache) evictOldestLocked() {
	if elem := c.list.Back(); elem != nil {
		c.removeElementLocked(elem)
	}
}

func (c *PathCache) removeElementLocked(elem *list.Element) {
	c.list.Remove(elem)
	delete(c.items, elem.Value.(*pathCacheEntry).key)
}

func hasPathPrefix(path, prefix string) bool {
	if prefix == "/" {
		return true
	}
	if len(path) <= len(prefix) {
		return false
	}
	return path[:len(prefix)] == prefix && path[len(prefix)] == '/'
}
