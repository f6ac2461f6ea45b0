package graph

import (
	"math"
	"sync"
)

// analytics caches PageRank scores and Louvain community assignments,
// recomputed off the execution critical path and swapped in atomically. A
// cached pass is considered stale once the graph's edge count has drifted
// by more than staleDelta (relative), matching the spec's 5% default.
type analytics struct {
	mu         sync.RWMutex
	generation uint64
	edgeCount  int
	pageRank   map[string]float64
	community  map[string]int
}

// AnalyticsCache holds the off-critical-path PageRank/Louvain results for a
// Store, refreshed by RefreshIfStale.
type AnalyticsCache struct {
	store      *Store
	staleDelta float64
	cache      analytics
	refresh    sync.Mutex // serialises RefreshIfStale
}

// NewAnalyticsCache constructs a cache with the given staleness threshold
// (relative edge-count delta that triggers recomputation; spec default 0.05).
func NewAnalyticsCache(store *Store, staleDelta float64) *AnalyticsCache {
	if staleDelta <= 0 {
		staleDelta = 0.05
	}
	return &AnalyticsCache{store: store, staleDelta: staleDelta}
}

// RefreshIfStale recomputes PageRank and Louvain community assignments if the
// graph has drifted beyond the staleness threshold since the last pass. Safe
// to call concurrently; only one recomputation proceeds at a time.
func (c *AnalyticsCache) RefreshIfStale() {
	c.refresh.Lock()
	defer c.refresh.Unlock()

	sn := c.store.Snapshot()
	c.cache.mu.RLock()
	last := c.cache.edgeCount
	havePageRank := c.cache.pageRank != nil
	c.cache.mu.RUnlock()

	current := len(sn.Edges)
	if last > 0 {
		delta := absFloat(float64(current-last)) / float64(last)
		if delta <= c.staleDelta && havePageRank {
			return
		}
	} else if havePageRank && current == 0 {
		return
	}

	pr := computePageRank(sn, 0.85, 20)
	cm := computeLouvain(sn)

	c.cache.mu.Lock()
	c.cache.generation = sn.Generation
	c.cache.edgeCount = current
	c.cache.pageRank = pr
	c.cache.community = cm
	c.cache.mu.Unlock()
}

// PageRank returns the cached PageRank score for id, 0 if unknown.
func (c *AnalyticsCache) PageRank(id string) float64 {
	c.cache.mu.RLock()
	defer c.cache.mu.RUnlock()
	return c.cache.pageRank[id]
}

// Community returns the cached Louvain community id for id, and whether one
// has been assigned.
func (c *AnalyticsCache) Community(id string) (int, bool) {
	c.cache.mu.RLock()
	defer c.cache.mu.RUnlock()
	comm, ok := c.cache.community[id]
	return comm, ok
}

func absFloat(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}

// computePageRank runs the classic power-iteration PageRank over the union
// of dependency, provides, and sequence edges (weighted), treating contains
// as a non-navigational structural edge excluded from the walk.
func computePageRank(sn Snapshot, damping float64, iters int) map[string]float64 {
	n := len(sn.Nodes)
	if n == 0 {
		return map[string]float64{}
	}
	outWeight := make(map[string]float64, n)
	adj := make(map[string][]weightedEdge, n)
	for key, e := range sn.Edges {
		if e.Kind == EdgeContains {
			continue
		}
		w := e.Weight()
		if w <= 0 {
			continue
		}
		adj[key.From] = append(adj[key.From], weightedEdge{to: key.To, weight: w})
		outWeight[key.From] += w
	}

	rank := make(map[string]float64, n)
	base := 1.0 / float64(n)
	for id := range sn.Nodes {
		rank[id] = base
	}

	for iter := 0; iter < iters; iter++ {
		next := make(map[string]float64, n)
		dangling := 0.0
		for id := range sn.Nodes {
			next[id] = (1 - damping) / float64(n)
			if outWeight[id] == 0 {
				dangling += rank[id]
			}
		}
		danglingShare := damping * dangling / float64(n)
		for id := range next {
			next[id] += danglingShare
		}
		for from, edges := range adj {
			total := outWeight[from]
			if total == 0 {
				continue
			}
			r := rank[from]
			for _, e := range edges {
				next[e.to] += damping * r * (e.weight / total)
			}
		}
		rank = next
	}
	return rank
}

type weightedEdge struct {
	to     string
	weight float64
}

// computeLouvain runs a single-level greedy modularity optimization over the
// undirected weighted graph formed by dependency/provides/sequence edges.
// This is a simplified one-pass Louvain: each node starts in its own
// community and repeatedly moves to the neighboring community that yields
// the largest modularity gain, until no move improves it. Multi-level
// aggregation is not performed; one pass is sufficient for the gateway's
// scale of tools and capabilities per workflow.
func computeLouvain(sn Snapshot) map[string]int {
	nodes := make([]string, 0, len(sn.Nodes))
	for id := range sn.Nodes {
		nodes = append(nodes, id)
	}
	if len(nodes) == 0 {
		return map[string]int{}
	}

	neighborWeight := make(map[string]map[string]float64, len(nodes))
	degree := make(map[string]float64, len(nodes))
	totalWeight := 0.0
	addUndirected := func(a, b string, w float64) {
		if neighborWeight[a] == nil {
			neighborWeight[a] = make(map[string]float64)
		}
		neighborWeight[a][b] += w
		degree[a] += w
		totalWeight += w
	}
	for key, e := range sn.Edges {
		if e.Kind == EdgeContains {
			continue
		}
		w := e.Weight()
		if w <= 0 {
			continue
		}
		addUndirected(key.From, key.To, w)
		addUndirected(key.To, key.From, w)
	}
	if totalWeight == 0 {
		community := make(map[string]int, len(nodes))
		for i, id := range nodes {
			community[id] = i
		}
		return community
	}

	community := make(map[string]int, len(nodes))
	commWeight := make(map[int]float64, len(nodes))
	for i, id := range nodes {
		community[id] = i
		commWeight[i] = degree[id]
	}

	m2 := totalWeight * 2
	improved := true
	for pass := 0; improved && pass < 20; pass++ {
		improved = false
		for _, id := range nodes {
			currentComm := community[id]
			commWeight[currentComm] -= degree[id]

			gains := make(map[int]float64)
			for nb, w := range neighborWeight[id] {
				gains[community[nb]] += w
			}

			bestComm := currentComm
			bestGain := gains[currentComm] - commWeight[currentComm]*degree[id]/m2
			for comm, weightIn := range gains {
				gain := weightIn - commWeight[comm]*degree[id]/m2
				if gain > bestGain {
					bestGain = gain
					bestComm = comm
				}
			}

			community[id] = bestComm
			commWeight[bestComm] += degree[id]
			if bestComm != currentComm {
				improved = true
			}
		}
	}
	return community
}

// AdamicAdar returns up to limit (neighbor, score) pairs ranked by the
// Adamic-Adar link-prediction index: sum over common neighbors w of
// 1/log(degree(w)), favouring shared neighbors that are themselves
// low-degree (hence more discriminative). Candidates are the 2-hop
// neighborhood of u across dependency/provides/sequence edges.
func AdamicAdar(sn Snapshot, u string, limit int) []ScoredNode {
	neighbors := func(id string) map[string]struct{} {
		set := make(map[string]struct{})
		for key := range sn.Edges {
			if key.Kind == EdgeContains {
				continue
			}
			if key.From == id {
				set[key.To] = struct{}{}
			}
			if key.To == id {
				set[key.From] = struct{}{}
			}
		}
		return set
	}

	uNeighbors := neighbors(u)
	degree := func(id string) float64 { return float64(len(neighbors(id))) }

	scores := make(map[string]float64)
	for w := range uNeighbors {
		d := degree(w)
		if d <= 1 {
			continue
		}
		contribution := 1.0 / math.Log(d)
		for v := range neighbors(w) {
			if v == u {
				continue
			}
			if _, already := uNeighbors[v]; already {
				continue
			}
			scores[v] += contribution
		}
	}

	out := make([]ScoredNode, 0, len(scores))
	for id, score := range scores {
		out = append(out, ScoredNode{ID: id, Score: score})
	}
	sortScoredNodesDesc(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// ScoredNode pairs a node id with a ranking score.
type ScoredNode struct {
	ID    string
	Score float64
}

func sortScoredNodesDesc(nodes []ScoredNode) {
	for i := 1; i < len(nodes); i++ {
		for j := i; j > 0 && nodes[j].Score > nodes[j-1].Score; j-- {
			nodes[j], nodes[j-1] = nodes[j-1], nodes[j]
		}
	}
}
