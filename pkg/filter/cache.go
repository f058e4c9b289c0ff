// Copyright (C) 2024 Livetable Authors.
// See LICENSE for copying information.

package filter

import (
	"container/list"
	"sync"

	"github.com/spacemonkeygo/monkit/v3"

	"github.com/livetable/livetable/pkg/resource"
)

var mon = monkit.Package()

// DefaultCacheCapacity bounds the number of compiled filters kept per cache.
const DefaultCacheCapacity = 512

// Cache is a bounded LRU of compiled filters keyed by resource name and
// expression text. Safe for concurrent use.
type Cache struct {
	mu       sync.Mutex
	capacity int
	limits   Limits
	data     map[string]*list.Element
	order    *list.List
}

type cacheEntry struct {
	key    string
	filter *Filter
}

// NewCache constructs a Cache with the given capacity and parse limits.
func NewCache(capacity int, limits Limits) *Cache {
	if capacity <= 0 {
		capacity = DefaultCacheCapacity
	}
	return &Cache{
		capacity: capacity,
		limits:   limits,
		data:     make(map[string]*list.Element, capacity),
		order:    list.New(),
	}
}

// Get returns the compiled filter for expr on schema, compiling and caching
// it on a miss. Parse failures are not cached.
func (cache *Cache) Get(schema *resource.Schema, expr string) (*Filter, error) {
	key := schema.Name + "\x00" + expr

	cache.mu.Lock()
	if elem, ok := cache.data[key]; ok {
		cache.order.MoveToFront(elem)
		compiled := elem.Value.(*cacheEntry).filter
		cache.mu.Unlock()
		mon.Counter("filter_cache_hit").Inc(1)
		return compiled, nil
	}
	cache.mu.Unlock()

	mon.Counter("filter_cache_miss").Inc(1)
	compiled, err := CompileWithLimits(schema, expr, cache.limits)
	if err != nil {
		return nil, err
	}

	cache.mu.Lock()
	defer cache.mu.Unlock()
	if _, ok := cache.data[key]; !ok {
		for len(cache.data) >= cache.capacity {
			back := cache.order.Back()
			delete(cache.data, back.Value.(*cacheEntry).key)
			cache.order.Remove(back)
		}
		cache.data[key] = cache.order.PushFront(&cacheEntry{key: key, filter: compiled})
	}
	return compiled, nil
}
