package gateway

import (
	"container/list"
	"sync"
	"time"

	"github.com/querymeter/gateway/internal/provider"
	"github.com/querymeter/gateway/pkg/metrics"
)

// InstanceCache is a bounded true-LRU map from identity to a warmed provider
// handle. It is a process-local performance optimization only: a miss just
// means the caller recreates the handle, and no billing decision ever reads
// from it.
type InstanceCache struct {
	mu       sync.Mutex
	capacity int
	entries  map[string]*list.Element
	// order holds *cacheEntry, most recently used at the front. Eviction
	// takes the back, which also makes the oldest-timestamp tie-break
	// deterministic.
	order *list.List
}

type cacheEntry struct {
	identity   string
	handle     *provider.Client
	lastAccess time.Time
}

// NewInstanceCache creates a cache bounded to capacity entries.
func NewInstanceCache(capacity int) *InstanceCache {
	if capacity < 1 {
		capacity = 1
	}
	return &InstanceCache{
		capacity: capacity,
		entries:  make(map[string]*list.Element),
		order:    list.New(),
	}
}

// Get returns the cached handle for identity, refreshing its recency.
func (c *InstanceCache) Get(identity string) (*provider.Client, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[identity]
	if !ok {
		metrics.InstanceCacheMisses.Inc()
		return nil, false
	}

	entry := elem.Value.(*cacheEntry)
	entry.lastAccess = time.Now()
	c.order.MoveToFront(elem)

	metrics.InstanceCacheHits.Inc()
	return entry.handle, true
}

// Put inserts or replaces the handle for identity. Inserting a new identity
// at capacity evicts the least recently accessed entry first.
func (c *InstanceCache) Put(identity string, handle *provider.Client) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[identity]; ok {
		entry := elem.Value.(*cacheEntry)
		entry.handle = handle
		entry.lastAccess = time.Now()
		c.order.MoveToFront(elem)
		return
	}

	if c.order.Len() >= c.capacity {
		oldest := c.order.Back()
		if oldest != nil {
			evicted := c.order.Remove(oldest).(*cacheEntry)
			delete(c.entries, evicted.identity)
			metrics.InstanceCacheEvictions.Inc()
		}
	}

	elem := c.order.PushFront(&cacheEntry{
		identity:   identity,
		handle:     handle,
		lastAccess: time.Now(),
	})
	c.entries[identity] = elem
	metrics.InstanceCacheSize.Set(float64(c.order.Len()))
}

// Size returns the number of cached handles.
func (c *InstanceCache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
