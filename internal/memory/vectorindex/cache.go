package vectorindex

import (
	"sync"
	"time"
)

// resultCache memoizes search results keyed by a rounded vector
// fingerprint, for the hnsw_cached tier's "hot fingerprint" reuse. A query
// vector is quantized before hashing so near-duplicate queries (repeated
// lookups of the same semantic intent) hit the cache.
type resultCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	maxSize int
	entries map[string]cacheEntry
}

type cacheEntry struct {
	results  []Scored
	expireAt time.Time
}

func newResultCache(maxSize int, ttl time.Duration) *resultCache {
	return &resultCache{ttl: ttl, maxSize: maxSize, entries: make(map[string]cacheEntry)}
}

func fingerprint(v []float32) string {
	buf := make([]byte, 0, len(v)*2)
	for _, f := range v {
		// quantize to 2 decimal places worth of resolution
		q := int16(f * 100)
		buf = append(buf, byte(q>>8), byte(q))
	}
	return string(buf)
}

func (c *resultCache) get(query []float32) ([]Scored, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[fingerprint(query)]
	if !ok || time.Now().After(e.expireAt) {
		return nil, false
	}
	return e.results, true
}

func (c *resultCache) put(query []float32, results []Scored) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) >= c.maxSize {
		for k := range c.entries {
			delete(c.entries, k)
			break
		}
	}
	c.entries[fingerprint(query)] = cacheEntry{results: results, expireAt: time.Now().Add(c.ttl)}
}

func (c *resultCache) invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]cacheEntry)
}
