package search

import (
	"container/list"
	"sync"
	"time"
)

// resultCache is Hybrid Search's LRU+TTL result cache (spec.md §4.N: size
// 100, TTL 300s, keyed by (normalized_query, k, mode, corpus_epoch)). Same
// shape as internal/embed's cache, reimplemented here rather than shared
// since the two caches hold differently-typed values and the teacher has no
// single generic cache type to generalize from.
type resultCache struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	ll       *list.List
	items    map[string]*list.Element
}

type cacheEntry struct {
	key       string
	value     []string
	expiresAt time.Time
}

func newResultCache(capacity int, ttl time.Duration) *resultCache {
	return &resultCache{
		capacity: capacity,
		ttl:      ttl,
		ll:       list.New(),
		items:    make(map[string]*list.Element),
	}
}

func (c *resultCache) get(key string) ([]string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		return nil, false
	}
	entry := el.Value.(*cacheEntry)
	if time.Now().After(entry.expiresAt) {
		c.ll.Remove(el)
		delete(c.items, key)
		return nil, false
	}
	c.ll.MoveToFront(el)
	return entry.value, true
}

func (c *resultCache) put(key string, value []string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		el.Value.(*cacheEntry).value = value
		el.Value.(*cacheEntry).expiresAt = time.Now().Add(c.ttl)
		c.ll.MoveToFront(el)
		return
	}

	entry := &cacheEntry{key: key, value: value, expiresAt: time.Now().Add(c.ttl)}
	el := c.ll.PushFront(entry)
	c.items[key] = el

	for c.ll.Len() > c.capacity {
		oldest := c.ll.Back()
		if oldest == nil {
			break
		}
		c.ll.Remove(oldest)
		delete(c.items, oldest.Value.(*cacheEntry).key)
	}
}
