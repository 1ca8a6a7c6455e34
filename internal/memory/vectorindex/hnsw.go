package vectorindex

import (
	"math/rand"
	"sort"
	"sync"
)

// hnswIndex is a small, self-contained hierarchical navigable small world
// graph: enough structure to make the mid/large-size query tiers sub-linear
// without pulling in a CGo-wrapped ANN library. M bounds the per-node
// out-degree; efConstruction/efSearch bound candidate-list size during
// insert and query respectively.
type hnswIndex struct {
	mu             sync.RWMutex
	M              int
	efConstruction int
	efSearch       int
	levelMult      float64

	entryPoint string
	maxLevel   int

	nodes map[string]*hnswNode
}

type hnswNode struct {
	id        string
	vector    []float32
	level     int
	neighbors [][]string // neighbors[level] = neighbor ids
}

func newHNSWIndex(efSearch int) *hnswIndex {
	return &hnswIndex{
		M:              16,
		efConstruction: 200,
		efSearch:       efSearch,
		levelMult:      1.0 / 2.0, // ln(2) approximation avoided for determinism
		nodes:          make(map[string]*hnswNode),
		maxLevel:       -1,
	}
}

func (h *hnswIndex) randomLevel() int {
	level := 0
	for rand.Float64() < 0.5 && level < 16 {
		level++
	}
	return level
}

func (h *hnswIndex) Upsert(id string, vec []float32) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if existing, ok := h.nodes[id]; ok {
		existing.vector = vec
		return
	}

	level := h.randomLevel()
	node := &hnswNode{id: id, vector: vec, level: level, neighbors: make([][]string, level+1)}
	h.nodes[id] = node

	if h.entryPoint == "" {
		h.entryPoint = id
		h.maxLevel = level
		return
	}

	// Greedy descent from the top level down to level+1, then connect at
	// each level from min(level, maxLevel) down to 0.
	ep := h.entryPoint
	for l := h.maxLevel; l > level; l-- {
		ep = h.greedyClosest(ep, vec, l)
	}
	for l := min(level, h.maxLevel); l >= 0; l-- {
		candidates := h.searchLayer(vec, ep, h.efConstruction, l)
		neighbors := selectNeighbors(candidates, h.M)
		node.neighbors[l] = neighbors
		for _, nid := range neighbors {
			n := h.nodes[nid]
			if n == nil || len(n.neighbors) <= l {
				continue
			}
			n.neighbors[l] = append(n.neighbors[l], id)
			if len(n.neighbors[l]) > h.M*2 {
				n.neighbors[l] = selectNeighbors(h.scoreNeighbors(n.vector, n.neighbors[l]), h.M)
			}
		}
		if len(candidates) > 0 {
			ep = candidates[0].ID
		}
	}

	if level > h.maxLevel {
		h.maxLevel = level
		h.entryPoint = id
	}
}

func (h *hnswIndex) Delete(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.nodes, id)
	for _, n := range h.nodes {
		for l := range n.neighbors {
			n.neighbors[l] = removeID(n.neighbors[l], id)
		}
	}
	if h.entryPoint == id {
		h.entryPoint = ""
		h.maxLevel = -1
		for otherID, n := range h.nodes {
			h.entryPoint = otherID
			h.maxLevel = n.level
			break
		}
	}
}

func (h *hnswIndex) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.nodes)
}

func (h *hnswIndex) Search(query []float32, limit int) []Scored {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.entryPoint == "" {
		return nil
	}
	ep := h.entryPoint
	for l := h.maxLevel; l > 0; l-- {
		ep = h.greedyClosest(ep, query, l)
	}
	candidates := h.searchLayer(query, ep, max(h.efSearch, limit), 0)
	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}
	return candidates
}

// greedyClosest walks from ep toward the closest neighbor of query at
// level l until no neighbor improves on the current node.
func (h *hnswIndex) greedyClosest(ep string, query []float32, level int) string {
	current := ep
	currentScore := cosine(query, h.nodes[current].vector)
	improved := true
	for improved {
		improved = false
		node := h.nodes[current]
		if len(node.neighbors) <= level {
			break
		}
		for _, nid := range node.neighbors[level] {
			n := h.nodes[nid]
			if n == nil {
				continue
			}
			s := cosine(query, n.vector)
			if s > currentScore {
				currentScore = s
				current = nid
				improved = true
			}
		}
	}
	return current
}

// searchLayer performs a bounded best-first search at level, returning up
// to ef candidates sorted by descending score.
func (h *hnswIndex) searchLayer(query []float32, ep string, ef, level int) []Scored {
	visited := map[string]bool{ep: true}
	candidates := []Scored{{ID: ep, Score: cosine(query, h.nodes[ep].vector)}}
	result := append([]Scored(nil), candidates...)

	for len(candidates) > 0 {
		sort.Slice(candidates, func(i, j int) bool { return candidates[i].Score > candidates[j].Score })
		best := candidates[0]
		candidates = candidates[1:]

		node := h.nodes[best.ID]
		if len(node.neighbors) <= level {
			continue
		}
		for _, nid := range node.neighbors[level] {
			if visited[nid] {
				continue
			}
			visited[nid] = true
			n := h.nodes[nid]
			if n == nil {
				continue
			}
			s := cosine(query, n.vector)
			result = append(result, Scored{ID: nid, Score: s})
			candidates = append(candidates, Scored{ID: nid, Score: s})
		}
		if len(result) >= ef*4 {
			break // bound exploration
		}
	}

	sort.Slice(result, func(i, j int) bool { return result[i].Score > result[j].Score })
	if len(result) > ef {
		result = result[:ef]
	}
	return result
}

func selectNeighbors(candidates []Scored, m int) []string {
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Score > candidates[j].Score })
	if len(candidates) > m {
		candidates = candidates[:m]
	}
	out := make([]string, len(candidates))
	for i, c := range candidates {
		out[i] = c.ID
	}
	return out
}

func (h *hnswIndex) scoreNeighbors(vector []float32, ids []string) []Scored {
	out := make([]Scored, 0, len(ids))
	for _, id := range ids {
		n := h.nodes[id]
		if n == nil {
			continue
		}
		out = append(out, Scored{ID: id, Score: cosine(vector, n.vector)})
	}
	return out
}

func removeID(ids []string, target string) []string {
	out := ids[:0]
	for _, id := range ids {
		if id != target {
			out = append(out, id)
		}
	}
	return out
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
