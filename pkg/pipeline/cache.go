package pipeline

import (
	"container/list"
	"sync"
)

// DefaultCacheLimit bounds the per-session transcription cache.
const DefaultCacheLimit = 100

// Cache is a bounded map from message ID to transcript with insertion-order
// eviction. Reads never refresh an entry's position.
type Cache struct {
	limit int

	mu      sync.Mutex
	order   *list.List
	entries map[string]*list.Element
}

type cacheEntry struct {
	id      string
	text    string
	pending bool
}

// NewCache returns a cache holding at most limit entries.
func NewCache(limit int) *Cache {
	if limit <= 0 {
		limit = DefaultCacheLimit
	}

	return &Cache{
		limit:   limit,
		order:   list.New(),
		entries: make(map[string]*list.Element),
	}
}

// Has reports whether id is pending or final.
func (c *Cache) Has(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, ok := c.entries[id]
	return ok
}

// Get returns the final transcript for id. pending is true while the message is
// still being processed; "" with pending false means transcription failed.
func (c *Cache) Get(id string) (text string, pending bool, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[id]
	if !ok {
		return "", false, false
	}

	entry := el.Value.(*cacheEntry)
	return entry.text, entry.pending, true
}

// Reserve marks id as in progress unless it is already known. It reports
// whether the caller now owns the message.
func (c *Cache) Reserve(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.entries[id]; ok {
		return false
	}

	c.insert(&cacheEntry{id: id, pending: true})
	return true
}

// Set stores the final transcript. An existing entry keeps its position.
func (c *Cache) Set(id, text string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[id]; ok {
		entry := el.Value.(*cacheEntry)
		entry.text = text
		entry.pending = false
		return
	}

	c.insert(&cacheEntry{id: id, text: text})
}

// Len returns the number of held entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.order.Len()
}

// Keys returns held IDs oldest first.
func (c *Cache) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := make([]string, 0, c.order.Len())
	for el := c.order.Front(); el != nil; el = el.Next() {
		keys = append(keys, el.Value.(*cacheEntry).id)
	}

	return keys
}

func (c *Cache) insert(entry *cacheEntry) {
	c.entries[entry.id] = c.order.PushBack(entry)

	for c.order.Len() > c.limit {
		oldest := c.order.Front()
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*cacheEntry).id)
	}
}
