package fileserver

import (
	"container/list"
	"sync"

	"github.com/cloudgrove/cloudgrove/pkg/cloud"
)

// lruCache is the bounded item cache that elides GetItemData round-trips
// on repeated streaming requests for the same file.
type lruCache struct {
	mu       sync.Mutex
	capacity int
	order    *list.List
	entries  map[string]*list.Element
}

type lruEntry struct {
	key  string
	item cloud.Item
}

func newLRU(capacity int) *lruCache {
	return &lruCache{
		capacity: capacity,
		order:    list.New(),
		entries:  make(map[string]*list.Element),
	}
}

// Get returns the cached item and marks it most recently used.
func (c *lruCache) Get(key string) (cloud.Item, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.entries[key]
	if !ok {
		return cloud.Item{}, false
	}
	c.order.MoveToFront(el)
	return el.Value.(*lruEntry).item, true
}

// Put inserts or refreshes an item, evicting the oldest past capacity.
func (c *lruCache) Put(key string, item cloud.Item) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[key]; ok {
		el.Value.(*lruEntry).item = item
		c.order.MoveToFront(el)
		return
	}
	c.entries[key] = c.order.PushFront(&lruEntry{key: key, item: item})
	if c.order.Len() > c.capacity {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*lruEntry).key)
	}
}

// Len reports the current entry count.
func (c *lruCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
