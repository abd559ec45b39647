// Package cache implements the bounded, in-memory Document LRU Cache from
// spec §4.4: a read-through cache in front of PeerStore, sized by a memory
// budget rather than a raw entry count, with hit/miss statistics exposed
// for operators.
//
// Grounded on github.com/hashicorp/golang-lru/v2, already present
// (transitively) in the pack via cuemby-warren's go.mod — generalized here
// from an implicit dependency into a directly-used one, since no teacher
// or pack repo happens to wire an LRU explicitly for document caching.
package cache

import (
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"

	"entgldb/internal/model"
)

// bytesPerEntry is the rough per-document memory estimate used to convert
// a MB budget into a capacity (entry count), per spec §4.4.
const bytesPerEntry = 10 * 1024

// Stats is a point-in-time snapshot of cache performance.
type Stats struct {
	Hits    int64
	Misses  int64
	Size    int
	HitRate float64
}

// Cache is the Document LRU Cache: keyed by "collection:key", evicting the
// least-recently-used entry once capacity is exceeded.
type Cache struct {
	inner *lru.Cache[string, model.Document]

	hits   atomic.Int64
	misses atomic.Int64
}

// New builds a Cache sized to hold roughly budgetMB megabytes of
// documents, at bytesPerEntry bytes per entry. budgetMB <= 0 defaults to
// 64MB, matching a modest embedded-device footprint.
func New(budgetMB int) (*Cache, error) {
	if budgetMB <= 0 {
		budgetMB = 64
	}
	capacity := (budgetMB * 1024 * 1024) / bytesPerEntry
	if capacity < 1 {
		capacity = 1
	}
	inner, err := lru.New[string, model.Document](capacity)
	if err != nil {
		return nil, err
	}
	return &Cache{inner: inner}, nil
}

func cacheKey(collection, key string) string { return collection + ":" + key }

// Get returns the cached document for (collection, key), recording a hit
// or a miss.
func (c *Cache) Get(collection, key string) (model.Document, bool) {
	doc, ok := c.inner.Get(cacheKey(collection, key))
	if ok {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
	return doc, ok
}

// Put inserts or refreshes a document in the cache, possibly evicting the
// least-recently-used entry.
func (c *Cache) Put(doc model.Document) {
	c.inner.Add(cacheKey(doc.Collection, doc.Key), doc)
}

// Invalidate removes (collection, key) from the cache, e.g. after a
// tombstone is applied.
func (c *Cache) Invalidate(collection, key string) {
	c.inner.Remove(cacheKey(collection, key))
}

// Stats returns a snapshot of hit/miss counters and current occupancy.
func (c *Cache) Stats() Stats {
	hits := c.hits.Load()
	misses := c.misses.Load()
	total := hits + misses
	var rate float64
	if total > 0 {
		rate = float64(hits) / float64(total)
	}
	return Stats{Hits: hits, Misses: misses, Size: c.inner.Len(), HitRate: rate}
}
