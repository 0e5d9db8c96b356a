package cache

import (
	"container/list"
	"expvar"
	"sync"
)

type entry struct {
	key   string
	value interface{}
}

// LRUCache is a fixed-capacity LRU map. A capacity of zero disables it. The
// capacity can be changed at any time; shrinking evicts from the cold end.
type LRUCache struct {
	mu        sync.Mutex
	capacity  int
	order     *list.List
	items     map[string]*list.Element
	onEvicted func(key string, value interface{})
	onHit     func(key string)
	onMiss    func(key string)

	hits   *expvar.Int
	misses *expvar.Int
}

var _ Interface = (*LRUCache)(nil)

// NewLRUCache creates a cache. The callbacks are optional.
func NewLRUCache(capacity int, onEvicted func(key string, value interface{}), onHit, onMiss func(key string)) *LRUCache {
	if capacity < 0 {
		capacity = 0
	}
	return &LRUCache{
		capacity:  capacity,
		order:     list.New(),
		items:     make(map[string]*list.Element),
		onEvicted: onEvicted,
		onHit:     onHit,
		onMiss:    onMiss,
	}
}

func (c *LRUCache) SetMetrics(hits, misses *expvar.Int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hits = hits
	c.misses = misses
}

func (c *LRUCache) Get(key string) (interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.capacity == 0 {
		return nil, false
	}
	if elem, ok := c.items[key]; ok {
		if c.hits != nil {
			c.hits.Add(1)
		}
		if c.onHit != nil {
			c.onHit(key)
		}
		c.order.MoveToFront(elem)
		return elem.Value.(*entry).value, true
	}
	if c.misses != nil {
		c.misses.Add(1)
	}
	if c.onMiss != nil {
		c.onMiss(key)
	}
	return nil, false
}

func (c *LRUCache) Put(key string, value interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.capacity == 0 {
		return
	}
	if elem, ok := c.items[key]; ok {
		c.order.MoveToFront(elem)
		elem.Value.(*entry).value = value
		return
	}
	for c.order.Len() >= c.capacity {
		c.evictLocked()
	}
	c.items[key] = c.order.PushFront(&entry{key: key, value: value})
}

// Remove drops key without calling the eviction callback.
func (c *LRUCache) Remove(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.items[key]; ok {
		c.order.Remove(elem)
		delete(c.items, key)
	}
}

// Resize changes the capacity, evicting entries that no longer fit.
func (c *LRUCache) Resize(capacity int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if capacity < 0 {
		capacity = 0
	}
	c.capacity = capacity
	for c.order.Len() > c.capacity {
		c.evictLocked()
	}
}

func (c *LRUCache) Capacity() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.capacity
}

func (c *LRUCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Must be called with c.mu held.
func (c *LRUCache) evictLocked() {
	elem := c.order.Back()
	if elem == nil {
		return
	}
	e := c.order.Remove(elem).(*entry)
	delete(c.items, e.key)
	if c.onEvicted != nil {
		c.onEvicted(e.key, e.value)
	}
}

// Clear removes every entry, calling the eviction callback for each, and
// resets the metrics.
func (c *LRUCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.onEvicted != nil {
		for _, elem := range c.items {
			e := elem.Value.(*entry)
			c.onEvicted(e.key, e.value)
		}
	}
	c.order = list.New()
	c.items = make(map[string]*list.Element)
	if c.hits != nil {
		c.hits.Set(0)
	}
	if c.misses != nil {
		c.misses.Set(0)
	}
}

// GetHitRate is hits / (hits + misses), or 0 without metrics.
func (c *LRUCache) GetHitRate() float64 {
	c.mu.Lock()
	hits, misses := c.hits, c.misses
	c.mu.Unlock()
	var h, m float64
	if hits != nil {
		h = float64(hits.Value())
	}
	if misses != nil {
		m = float64(misses.Value())
	}
	if h+m == 0 {
		return 0
	}
	return h / (h + m)
}
