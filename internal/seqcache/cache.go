package seqcache

import (
	"container/list"
	"sync"

	"github.com/fiberlabs/metagraph-indexer/internal/metrics"
)

// Cache is a bounded per-entity map from entity ID to the next sequence
// number this process believes is safe to submit. Submissions can outrun the
// authority (DL1 keeps reporting the same last reference for several
// rapid-fire transactions), so each successful submission advances the local
// view and Resolve combines it with the authority's value under a monotonic
// max policy.
//
// Eviction is LRU-by-last-write: Advance refreshes an entry's recency, and
// inserting a new entity at capacity evicts the least-recently-advanced one.
// The cache is process-local. The authority's own sequencing is the final
// arbiter across processes, which is why Resolve never returns less than the
// authority value.
type Cache struct {
	mu       sync.Mutex
	capacity int
	items    map[string]*list.Element
	order    *list.List
}

type entry struct {
	entityID string
	next     int64
}

// New creates a sequence cache holding at most capacity entries.
func New(capacity int) *Cache {
	if capacity <= 0 {
		capacity = 1
	}
	return &Cache{
		capacity: capacity,
		items:    make(map[string]*list.Element, capacity),
		order:    list.New(),
	}
}

// Resolve returns the sequence number to use for entityID given the value the
// authority last reported. It never returns less than either view and has no
// side effects; unknown entities resolve to the authority value.
func (c *Cache) Resolve(entityID string, authorityValue int64) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[entityID]
	if !ok {
		metrics.SeqCacheMisses.Inc()
		return authorityValue
	}

	cached := elem.Value.(*entry).next
	if cached > authorityValue {
		metrics.SeqCacheHits.Inc()
		return cached
	}
	metrics.SeqCacheMisses.Inc()
	return authorityValue
}

// Advance records that submittedSequence was accepted for entityID. The cached
// next value becomes submittedSequence+1 unless the entry already holds a
// higher value; the cached value never regresses. An updated entry moves to
// the most-recent end of the eviction order.
func (c *Cache) Advance(entityID string, submittedSequence int64) {
	candidate := submittedSequence + 1

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[entityID]; ok {
		e := elem.Value.(*entry)
		if candidate > e.next {
			e.next = candidate
			c.order.MoveToFront(elem)
		}
		return
	}

	if c.order.Len() >= c.capacity {
		c.evictOldest()
	}
	c.items[entityID] = c.order.PushFront(&entry{entityID: entityID, next: candidate})
	metrics.SeqCacheSize.Set(float64(c.order.Len()))
}

// Reset drops entityID's entry so the next Resolve falls back to a fresh
// authority read. Called after a submission using a resolved sequence fails.
// Unknown entities are a no-op.
func (c *Cache) Reset(entityID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[entityID]
	if !ok {
		return
	}
	c.removeElement(elem)
	metrics.SeqCacheResets.Inc()
	metrics.SeqCacheSize.Set(float64(c.order.Len()))
}

// Clear empties the cache.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items = make(map[string]*list.Element, c.capacity)
	c.order.Init()
	metrics.SeqCacheSize.Set(0)
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

func (c *Cache) evictOldest() {
	elem := c.order.Back()
	if elem == nil {
		return
	}
	c.removeElement(elem)
	metrics.SeqCacheEvictions.Inc()
}

func (c *Cache) removeElement(elem *list.Element) {
	c.order.Remove(elem)
	delete(c.items, elem.Value.(*entry).entityID)
}
