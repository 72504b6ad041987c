// Package index provides approximate nearest-neighbor search over node
// embeddings using a Hierarchical Navigable Small World graph. It is
// the single place embeddings are compared for similarity search and
// auto-linking.
package index

import (
	"container/heap"
	"context"
	"math"
	"math/rand"
	"sort"
	"sync"

	"github.com/MikeSquared-Agency/cortex/pkg/cortexerr"
	"github.com/MikeSquared-Agency/cortex/pkg/storage"
	"github.com/MikeSquared-Agency/cortex/pkg/vector"
)

// Config controls the HNSW graph's shape and search cost.
type Config struct {
	Dimensions      int     // embedding width; every vector must match this exactly
	M               int     // max connections per node per layer (default 16)
	EfConstruction  int     // candidate list size while inserting (default 200)
	EfSearch        int     // candidate list size while searching (default 100)
	LevelMultiplier float64 // derived from M unless set explicitly
}

// DefaultConfig returns an HNSW configuration tuned for the default
// 384-dimension embedding.
func DefaultConfig(dimensions int) Config {
	return Config{
		Dimensions:      dimensions,
		M:               16,
		EfConstruction:  200,
		EfSearch:        100,
		LevelMultiplier: 1.0 / math.Log(16.0),
	}
}

// Result is one hit from Search, ordered by descending Score.
type Result struct {
	ID    storage.NodeID
	Score float64
}

type hnswNode struct {
	id        storage.NodeID
	vector    []float32
	level     int
	neighbors [][]storage.NodeID
	mu        sync.RWMutex
}

// Index is a concurrency-safe HNSW vector index keyed by NodeID. A
// single sync.RWMutex guards graph-shape changes (insert/remove);
// concurrent reads (Search) take the read side of the same lock, so a
// search never observes a half-linked insert.
type Index struct {
	config     Config
	mu         sync.RWMutex
	nodes      map[storage.NodeID]*hnswNode
	entryPoint storage.NodeID
	maxLevel   int
}

// New constructs an empty index. If cfg.M is zero, DefaultConfig
// dimensions are applied.
func New(cfg Config) *Index {
	if cfg.M == 0 {
		dims := cfg.Dimensions
		cfg = DefaultConfig(dims)
	}
	if cfg.LevelMultiplier == 0 && cfg.M > 1 {
		cfg.LevelMultiplier = 1.0 / math.Log(float64(cfg.M))
	}
	return &Index{
		config: cfg,
		nodes:  make(map[storage.NodeID]*hnswNode),
	}
}

// Dimensions reports the vector width this index was built for.
func (idx *Index) Dimensions() int { return idx.config.Dimensions }

// Insert adds or replaces the embedding for id. Embeddings are
// normalized on entry so Search can use plain dot products.
func (idx *Index) Insert(id storage.NodeID, vec []float32) error {
	if len(vec) != idx.config.Dimensions {
		return cortexerr.Newf("index.Insert", cortexerr.Invalid,
			"vector has %d dimensions, index expects %d", len(vec), idx.config.Dimensions)
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	if _, exists := idx.nodes[id]; exists {
		idx.removeLocked(id)
	}

	normalized := vector.Normalize(vec)
	level := idx.randomLevel()

	node := &hnswNode{
		id:        id,
		vector:    normalized,
		level:     level,
		neighbors: make([][]storage.NodeID, level+1),
	}
	for i := range node.neighbors {
		node.neighbors[i] = make([]storage.NodeID, 0, idx.config.M)
	}

	idx.nodes[id] = node

	if idx.entryPoint == "" {
		idx.entryPoint = id
		idx.maxLevel = level
		return nil
	}

	ep := idx.entryPoint
	epLevel := idx.nodes[ep].level

	for l := epLevel; l > level; l-- {
		ep = idx.searchLayerSingle(normalized, ep, l)
	}

	for l := min(level, epLevel); l >= 0; l-- {
		candidates := idx.searchLayer(normalized, ep, idx.config.EfConstruction, l)
		neighbors := idx.selectNeighbors(normalized, candidates, idx.config.M)
		node.neighbors[l] = neighbors

		for _, neighborID := range neighbors {
			neighbor := idx.nodes[neighborID]
			neighbor.mu.Lock()
			if len(neighbor.neighbors) > l {
				if len(neighbor.neighbors[l]) < idx.config.M {
					neighbor.neighbors[l] = append(neighbor.neighbors[l], id)
				} else {
					allNeighbors := append(append([]storage.NodeID{}, neighbor.neighbors[l]...), id)
					neighbor.neighbors[l] = idx.selectNeighbors(neighbor.vector, allNeighbors, idx.config.M)
				}
			}
			neighbor.mu.Unlock()
		}

		if len(candidates) > 0 {
			ep = candidates[0]
		}
	}

	if level > idx.maxLevel {
		idx.entryPoint = id
		idx.maxLevel = level
	}

	return nil
}

// Remove deletes id from the index. A no-op if id is absent.
func (idx *Index) Remove(id storage.NodeID) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.removeLocked(id)
}

func (idx *Index) removeLocked(id storage.NodeID) {
	node, exists := idx.nodes[id]
	if !exists {
		return
	}

	for l := 0; l <= node.level; l++ {
		for _, neighborID := range node.neighbors[l] {
			neighbor, ok := idx.nodes[neighborID]
			if !ok {
				continue
			}
			neighbor.mu.Lock()
			if len(neighbor.neighbors) > l {
				kept := make([]storage.NodeID, 0, len(neighbor.neighbors[l]))
				for _, nid := range neighbor.neighbors[l] {
					if nid != id {
						kept = append(kept, nid)
					}
				}
				neighbor.neighbors[l] = kept
			}
			neighbor.mu.Unlock()
		}
	}

	delete(idx.nodes, id)

	if idx.entryPoint == id {
		idx.entryPoint = ""
		idx.maxLevel = 0
		for nid, n := range idx.nodes {
			if idx.entryPoint == "" || n.level > idx.maxLevel {
				idx.maxLevel = n.level
				idx.entryPoint = nid
			}
		}
	}
}

// Search returns up to k results with similarity at or above
// minSimilarity, sorted by descending score. A cancelled context
// stops the scan early and returns whatever was gathered so far along
// with the context error.
func (idx *Index) Search(ctx context.Context, query []float32, k int, minSimilarity float64) ([]Result, error) {
	if len(query) != idx.config.Dimensions {
		return nil, cortexerr.Newf("index.Search", cortexerr.Invalid,
			"query has %d dimensions, index expects %d", len(query), idx.config.Dimensions)
	}

	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if len(idx.nodes) == 0 {
		return []Result{}, nil
	}

	normalized := vector.Normalize(query)
	ep := idx.entryPoint

	for l := idx.maxLevel; l > 0; l-- {
		ep = idx.searchLayerSingle(normalized, ep, l)
	}

	ef := idx.config.EfSearch
	if ef < k {
		ef = k
	}
	candidates := idx.searchLayer(normalized, ep, ef, 0)

	results := make([]Result, 0, len(candidates))
	for _, candidateID := range candidates {
		if err := ctx.Err(); err != nil {
			return results, cortexerr.New("index.Search", cortexerr.Cancelled, err)
		}

		node := idx.nodes[candidateID]
		similarity := vector.DotProduct(normalized, node.vector)
		if similarity >= minSimilarity {
			results = append(results, Result{ID: candidateID, Score: similarity})
		}
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > k {
		results = results[:k]
	}

	return results, nil
}

// Size returns the number of vectors currently indexed.
func (idx *Index) Size() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.nodes)
}

// RebuildFrom discards the current graph and re-inserts every
// (id, vector) pair yielded by next, in whatever order next produces
// them. next should return (zero value, false) to signal completion.
// Used at startup to recover the index from the authoritative node
// store after an unclean shutdown (spec invariant: the index is
// derived, never authoritative).
func (idx *Index) RebuildFrom(next func() (storage.NodeID, []float32, bool)) error {
	idx.mu.Lock()
	idx.nodes = make(map[storage.NodeID]*hnswNode)
	idx.entryPoint = ""
	idx.maxLevel = 0
	idx.mu.Unlock()

	for {
		id, vec, ok := next()
		if !ok {
			return nil
		}
		if err := idx.Insert(id, vec); err != nil {
			return err
		}
	}
}

func (idx *Index) searchLayerSingle(query []float32, entryID storage.NodeID, level int) storage.NodeID {
	current := entryID
	currentDist := 1.0 - vector.DotProduct(query, idx.nodes[current].vector)

	for {
		changed := false
		node := idx.nodes[current]
		node.mu.RLock()
		neighbors := node.neighbors[level]
		node.mu.RUnlock()

		for _, neighborID := range neighbors {
			neighbor := idx.nodes[neighborID]
			dist := 1.0 - vector.DotProduct(query, neighbor.vector)
			if dist < currentDist {
				current = neighborID
				currentDist = dist
				changed = true
			}
		}

		if !changed {
			break
		}
	}

	return current
}

func (idx *Index) searchLayer(query []float32, entryID storage.NodeID, ef int, level int) []storage.NodeID {
	visited := make(map[storage.NodeID]bool)
	visited[entryID] = true

	candidates := &distHeap{}
	heap.Init(candidates)

	results := &distHeap{}
	heap.Init(results)

	entryDist := 1.0 - vector.DotProduct(query, idx.nodes[entryID].vector)
	heap.Push(candidates, distItem{id: entryID, dist: entryDist, isMax: false})
	heap.Push(results, distItem{id: entryID, dist: entryDist, isMax: true})

	for candidates.Len() > 0 {
		closest := heap.Pop(candidates).(distItem)

		if results.Len() >= ef {
			furthest := (*results)[0]
			if closest.dist > furthest.dist {
				break
			}
		}

		node := idx.nodes[closest.id]
		node.mu.RLock()
		neighbors := node.neighbors[level]
		node.mu.RUnlock()

		for _, neighborID := range neighbors {
			if visited[neighborID] {
				continue
			}
			visited[neighborID] = true

			neighbor := idx.nodes[neighborID]
			dist := 1.0 - vector.DotProduct(query, neighbor.vector)

			if results.Len() < ef || dist < (*results)[0].dist {
				heap.Push(candidates, distItem{id: neighborID, dist: dist, isMax: false})
				heap.Push(results, distItem{id: neighborID, dist: dist, isMax: true})

				if results.Len() > ef {
					heap.Pop(results)
				}
			}
		}
	}

	resultList := make([]storage.NodeID, results.Len())
	for i := results.Len() - 1; i >= 0; i-- {
		item := heap.Pop(results).(distItem)
		resultList[i] = item.id
	}

	return resultList
}

func (idx *Index) selectNeighbors(query []float32, candidates []storage.NodeID, m int) []storage.NodeID {
	if len(candidates) <= m {
		return candidates
	}

	type distNode struct {
		id   storage.NodeID
		dist float64
	}
	dists := make([]distNode, len(candidates))
	for i, cid := range candidates {
		dists[i] = distNode{id: cid, dist: 1.0 - vector.DotProduct(query, idx.nodes[cid].vector)}
	}

	sort.Slice(dists, func(i, j int) bool { return dists[i].dist < dists[j].dist })

	result := make([]storage.NodeID, m)
	for i := 0; i < m; i++ {
		result[i] = dists[i].id
	}
	return result
}

func (idx *Index) randomLevel() int {
	r := rand.Float64()
	return int(-math.Log(r) * idx.config.LevelMultiplier)
}

type distItem struct {
	id    storage.NodeID
	dist  float64
	isMax bool
}

type distHeap []distItem

func (dh distHeap) Len() int { return len(dh) }
func (dh distHeap) Less(i, j int) bool {
	if dh[i].isMax {
		return dh[i].dist > dh[j].dist
	}
	return dh[i].dist < dh[j].dist
}
func (dh distHeap) Swap(i, j int) { dh[i], dh[j] = dh[j], dh[i] }

func (dh *distHeap) Push(x interface{}) {
	*dh = append(*dh, x.(distItem))
}

func (dh *distHeap) Pop() interface{} {
	old := *dh
	n := len(old)
	x := old[n-1]
	*dh = old[0 : n-1]
	return x
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
