package cache

import (
	"container/list"
	"encoding/binary"
	"sync"
	"sync/atomic"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/hupe1980/docstore/core"
	"github.com/hupe1980/docstore/resource"
)

// VisitResult is the outcome of one bulk read: the lids that resolved to a
// live document, in request order, and their payloads.
type VisitResult struct {
	Lids []core.Lid
	Docs [][]byte
}

func (r VisitResult) byteSize() int64 {
	size := int64(len(r.Lids)) * 4
	for _, doc := range r.Docs {
		size += int64(len(doc))
	}
	return size
}

// VisitCache caches visit results keyed by the exact requested lid
// sequence. Each entry tracks its member lids in a bitmap; a write or
// remove touching any member invalidates the whole entry, since partial
// invalidation would need per-lid indexing of cached results.
type VisitCache struct {
	mu        sync.Mutex
	capacity  int64
	size      int64
	items     map[string]*list.Element
	evictList *list.List
	rc        *resource.Controller

	hits   atomic.Int64
	misses atomic.Int64
}

type visitEntry struct {
	key     string
	members *roaring.Bitmap
	result  VisitResult
}

// NewVisitCache creates a visit cache with the given byte capacity.
func NewVisitCache(capacity int64, rc *resource.Controller) *VisitCache {
	return &VisitCache{
		capacity:  capacity,
		items:     make(map[string]*list.Element),
		evictList: list.New(),
		rc:        rc,
	}
}

// visitKey builds the map key for an exact lid sequence.
func visitKey(lids []core.Lid) string {
	buf := make([]byte, 4*len(lids))
	for i, lid := range lids {
		binary.LittleEndian.PutUint32(buf[4*i:], uint32(lid))
	}
	return string(buf)
}

// Get returns the cached result for the exact lid sequence. ok=false if the
// sequence was never visited or has been invalidated since.
func (c *VisitCache) Get(lids []core.Lid) (VisitResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ent, ok := c.items[visitKey(lids)]; ok {
		c.hits.Add(1)
		c.evictList.MoveToFront(ent)
		return ent.Value.(*visitEntry).result, true
	}
	c.misses.Add(1)
	return VisitResult{}, false
}

// Set caches the result for the exact lid sequence.
func (c *VisitCache) Set(lids []core.Lid, result VisitResult) {
	c.SetIfFresh(lids, result, nil)
}

// SetIfFresh caches the result unless fresh reports false. fresh runs under
// the cache lock, ordered against InvalidateLid; callers use it to discard a
// result when any member lid was mutated after the visit began, since the
// entry did not yet exist for that mutation to invalidate. A nil fresh
// always admits.
func (c *VisitCache) SetIfFresh(lids []core.Lid, result VisitResult, fresh func() bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if fresh != nil && !fresh() {
		return
	}

	key := visitKey(lids)
	if ent, ok := c.items[key]; ok {
		c.removeElementLocked(ent)
	}

	itemSize := result.byteSize()
	if itemSize > c.capacity {
		return
	}
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

	members := roaring.New()
	for _, lid := range lids {
		members.Add(uint32(lid))
	}
	c.items[key] = c.evictList.PushFront(&visitEntry{key: key, members: members, result: result})
	c.size += itemSize
}

// InvalidateLid drops every cached visit whose member set contains lid.
func (c *VisitCache) InvalidateLid(lid core.Lid) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var toRemove []*list.Element
	for _, e := range c.items {
		if e.Value.(*visitEntry).members.Contains(uint32(lid)) {
			toRemove = append(toRemove, e)
		}
	}
	for _, e := range toRemove {
		c.removeElementLocked(e)
	}
}

func (c *VisitCache) removeElementLocked(e *list.Element) {
	c.evictList.Remove(e)
	ent := e.Value.(*visitEntry)
	delete(c.items, ent.key)
	itemSize := ent.result.byteSize()
	c.size -= itemSize
	c.rc.ReleaseMemory(itemSize)
}

// Clear drops every entry.
func (c *VisitCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, e := range c.items {
		c.rc.ReleaseMemory(e.Value.(*visitEntry).result.byteSize())
	}
	c.items = make(map[string]*list.Element)
	c.evictList.Init()
	c.size = 0
}

// Size returns the current byte size of cached entries.
func (c *VisitCache) Size() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}

// Len returns the number of cached entries.
func (c *VisitCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Stats returns hit/miss counters.
func (c *VisitCache) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}
