package vectorindex

import (
	"sync"
	"sync/atomic"
	"time"
)

// Strategy names the active index tier.
type Strategy string

const (
	StrategyLinear       Strategy = "linear"
	StrategyHNSW         Strategy = "hnsw"
	StrategyHNSWCached   Strategy = "hnsw_cached"
)

// Index is the adaptive vector index described in §4.2: below
// smallThreshold entries it uses a linear scan; between smallThreshold and
// largeThreshold it uses HNSW; above largeThreshold it adds a query-result
// cache for hot fingerprints. Switching is monitored with hysteresis so a
// count hovering near a threshold doesn't flap between tiers.
type Index struct {
	dimension int

	smallThreshold int
	largeThreshold int
	hysteresis     int

	linear *linearIndex
	hnsw   *hnswIndex
	cache  *resultCache

	mu       sync.RWMutex
	strategy Strategy

	// query statistics (p50LatencyNanos holds the latest query's latency);
	// reconsiderStrategy picks a tier from the entry count only
	p50LatencyNanos int64
	queries         int64
	cacheHits       int64
}

// New constructs an adaptive index for vectors of the given dimension.
func New(dimension int) *Index {
	return &Index{
		dimension:      dimension,
		smallThreshold: 1000,
		largeThreshold: 50000,
		hysteresis:     100,
		linear:         newLinearIndex(),
		hnsw:           newHNSWIndex(64),
		cache:          newResultCache(512, 30*time.Second),
		strategy:       StrategyLinear,
	}
}

func (idx *Index) Dimension() int { return idx.dimension }

// Upsert adds or replaces a vector under id, maintaining both tiers so a
// strategy switch never needs a rebuild pass.
func (idx *Index) Upsert(id string, vec []float32) {
	idx.linear.Upsert(id, vec)
	idx.hnsw.Upsert(id, vec)
	idx.cache.invalidate()
	idx.reconsiderStrategy()
}

func (idx *Index) Delete(id string) {
	idx.linear.Delete(id)
	idx.hnsw.Delete(id)
	idx.cache.invalidate()
	idx.reconsiderStrategy()
}

func (idx *Index) reconsiderStrategy() {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	n := idx.linear.Len()
	switch idx.strategy {
	case StrategyLinear:
		if n > idx.smallThreshold+idx.hysteresis {
			idx.strategy = StrategyHNSW
		}
	case StrategyHNSW:
		if n > idx.largeThreshold+idx.hysteresis {
			idx.strategy = StrategyHNSWCached
		} else if n < idx.smallThreshold-idx.hysteresis {
			idx.strategy = StrategyLinear
		}
	case StrategyHNSWCached:
		if n < idx.largeThreshold-idx.hysteresis {
			idx.strategy = StrategyHNSW
		}
	}
}

// Search runs the current strategy's search, transparently consulting the
// result cache at the cached tier.
func (idx *Index) Search(query []float32, limit int) []Scored {
	idx.mu.RLock()
	strategy := idx.strategy
	idx.mu.RUnlock()

	start := time.Now()
	defer func() {
		atomic.AddInt64(&idx.queries, 1)
		atomic.StoreInt64(&idx.p50LatencyNanos, int64(time.Since(start)))
	}()

	if strategy == StrategyHNSWCached {
		if cached, ok := idx.cache.get(query); ok {
			atomic.AddInt64(&idx.cacheHits, 1)
			if len(cached) > limit && limit > 0 {
				return cached[:limit]
			}
			return cached
		}
	}

	var result []Scored
	switch strategy {
	case StrategyLinear:
		result = idx.linear.Search(query, limit)
	default:
		result = idx.hnsw.Search(query, limit)
	}

	if strategy == StrategyHNSWCached {
		idx.cache.put(query, result)
	}
	return result
}

// CurrentStrategy reports the active tier, for diagnostics and tests.
func (idx *Index) CurrentStrategy() Strategy {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.strategy
}

// Len reports the number of indexed vectors.
func (idx *Index) Len() int { return idx.linear.Len() }
