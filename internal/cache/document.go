// Package cache implements the two cooperating cache tiers of the document
// store: a per-lid document cache and a per-visit result cache.
package cache

import (
	"container/list"
	"sync"
	"sync/atomic"

	"github.com/hupe1980/docstore/core"
	"github.com/hupe1980/docstore/resource"
)

// DocumentCache is a byte-budget LRU of decoded (decompressed) document
// bytes keyed by lid. Returned slices must be treated as read-only.
type DocumentCache struct {
	mu        sync.Mutex
	capacity  int64
	size      int64
	items     map[core.Lid]*list.Element
	evictList *list.List
	rc        *resource.Controller

	hits   atomic.Int64
	misses atomic.Int64
}

type docEntry struct {
	lid   core.Lid
	value []byte
}

// NewDocumentCache creates a cache with the given capacity in bytes.
// initialEntries hints the expected entry count. If rc is provided, entry
// memory is accounted against the global budget.
func NewDocumentCache(capacity int64, initialEntries int, rc *resource.Controller) *DocumentCache {
	if initialEntries < 0 {
		initialEntries = 0
	}
	return &DocumentCache{
		capacity:  capacity,
		items:     make(map[core.Lid]*list.Element, initialEntries),
		evictList: list.New(),
		rc:        rc,
	}
}

// Get returns the cached document for lid. ok=false on a miss.
func (c *DocumentCache) Get(lid core.Lid) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ent, ok := c.items[lid]; ok {
		c.hits.Add(1)
		c.evictList.MoveToFront(ent)
		return ent.Value.(*docEntry).value, true
	}
	c.misses.Add(1)
	return nil, false
}

// Set caches the document for lid, replacing any previous entry.
func (c *DocumentCache) Set(lid core.Lid, value []byte) {
	c.SetIfFresh(lid, value, nil)
}

// SetIfFresh caches the document for lid unless fresh reports false. fresh
// runs under the cache lock, so it is ordered against every Invalidate and
// UpdateInPlace; read-through callers use it to discard a value that was
// read from the backing store before a concurrent mutation of lid. A nil
// fresh always admits.
func (c *DocumentCache) SetIfFresh(lid core.Lid, value []byte, fresh func() bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if fresh != nil && !fresh() {
		return
	}

	if ent, ok := c.items[lid]; ok {
		c.evictList.MoveToFront(ent)
		oldSize := int64(len(ent.Value.(*docEntry).value))
		newSize := int64(len(value))
		if newSize > oldSize && !c.rc.TryAcquireMemory(newSize-oldSize) {
			// Global budget denies the growth; keep the old value.
			return
		}
		if newSize < oldSize {
			c.rc.ReleaseMemory(oldSize - newSize)
		}
		c.size += newSize - oldSize
		ent.Value.(*docEntry).value = value
		c.evictLocked()
		return
	}

	itemSize := int64(len(value))
	if itemSize > c.capacity {
		return
	}

	// Evict within the local budget first so memory flows back to the
	// controller before we ask it for more.
	for c.size+itemSize > c.capacity {
		tail := c.evictList.Back()
		if tail == nil {
			break
		}
		c.removeElementLocked(tail)
	}

	if !c.rc.TryAcquireMemory(itemSize) {
		return
	}

	c.items[lid] = c.evictList.PushFront(&docEntry{lid: lid, value: value})
	c.size += itemSize
}

// Invalidate drops the entry for lid, if present.
func (c *DocumentCache) Invalidate(lid core.Lid) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ent, ok := c.items[lid]; ok {
		c.removeElementLocked(ent)
	}
}

// UpdateInPlace replaces the value for lid if it is cached, without
// changing its recency. Used by the UPDATE write strategy; a miss is left
// alone rather than admitted.
func (c *DocumentCache) UpdateInPlace(lid core.Lid, value []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ent, ok := c.items[lid]
	if !ok {
		return
	}
	oldSize := int64(len(ent.Value.(*docEntry).value))
	newSize := int64(len(value))
	if newSize > oldSize && !c.rc.TryAcquireMemory(newSize-oldSize) {
		// Cannot grow: drop the stale entry instead of serving old bytes.
		c.removeElementLocked(ent)
		return
	}
	if newSize < oldSize {
		c.rc.ReleaseMemory(oldSize - newSize)
	}
	c.size += newSize - oldSize
	ent.Value.(*docEntry).value = value
	c.evictLocked()
}

func (c *DocumentCache) evictLocked() {
	for c.size > c.capacity {
		tail := c.evictList.Back()
		if tail == nil {
			break
		}
		c.removeElementLocked(tail)
	}
}

func (c *DocumentCache) removeElementLocked(e *list.Element) {
	c.evictList.Remove(e)
	ent := e.Value.(*docEntry)
	delete(c.items, ent.lid)
	itemSize := int64(len(ent.value))
	c.size -= itemSize
	c.rc.ReleaseMemory(itemSize)
}

// Clear drops every entry.
func (c *DocumentCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, e := range c.items {
		ent := e.Value.(*docEntry)
		c.rc.ReleaseMemory(int64(len(ent.value)))
	}
	c.items = make(map[core.Lid]*list.Element)
	c.evictList.Init()
	c.size = 0
}

// Size returns the current byte size of cached entries.
func (c *DocumentCache) Size() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}

// Len returns the number of cached entries.
func (c *DocumentCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Stats returns hit/miss counters.
func (c *DocumentCache) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}
