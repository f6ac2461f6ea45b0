package graph

import "container/heap"

// ShortestWeightedPath finds the minimum-cost path from src to dst over the
// given edge kinds (typically {dependency, provides}), where the cost of
// traversing an edge is 1/weight (so unreliable, lightly-observed edges are
// expensive). Returns the ordered node ids of the path including src and
// dst, and the total cost. ok is false if no path exists.
func ShortestWeightedPath(sn Snapshot, src, dst string, kinds []EdgeKind) (path []string, cost float64, ok bool) {
	if src == dst {
		return []string{src}, 0, true
	}
	allowed := make(map[EdgeKind]bool, len(kinds))
	for _, k := range kinds {
		allowed[k] = true
	}

	adj := make(map[string][]pathEdge)
	for key, e := range sn.Edges {
		if !allowed[key.Kind] {
			continue
		}
		adj[key.From] = append(adj[key.From], pathEdge{to: key.To, cost: e.Cost()})
	}

	dist := map[string]float64{src: 0}
	prev := map[string]string{}
	pq := &priorityQueue{{id: src, dist: 0}}
	heap.Init(pq)
	visited := map[string]bool{}

	for pq.Len() > 0 {
		item := heap.Pop(pq).(pqItem)
		if visited[item.id] {
			continue
		}
		visited[item.id] = true
		if item.id == dst {
			break
		}
		for _, e := range adj[item.id] {
			nd := item.dist + e.cost
			if existing, seen := dist[e.to]; !seen || nd < existing {
				dist[e.to] = nd
				prev[e.to] = item.id
				heap.Push(pq, pqItem{id: e.to, dist: nd})
			}
		}
	}

	finalDist, reached := dist[dst]
	if !reached {
		return nil, 0, false
	}

	var reversed []string
	for at := dst; ; {
		reversed = append(reversed, at)
		if at == src {
			break
		}
		p, has := prev[at]
		if !has {
			return nil, 0, false
		}
		at = p
	}
	for i, j := 0, len(reversed)-1; i < j; i, j = i+1, j-1 {
		reversed[i], reversed[j] = reversed[j], reversed[i]
	}
	return reversed, finalDist, true
}

type pathEdge struct {
	to   string
	cost float64
}

type pqItem struct {
	id   string
	dist float64
}

type priorityQueue []pqItem

func (pq priorityQueue) Len() int            { return len(pq) }
func (pq priorityQueue) Less(i, j int) bool  { return pq[i].dist < pq[j].dist }
func (pq priorityQueue) Swap(i, j int)       { pq[i], pq[j] = pq[j], pq[i] }
func (pq *priorityQueue) Push(x any)         { *pq = append(*pq, x.(pqItem)) }
func (pq *priorityQueue) Pop() any {
	old := *pq
	n := len(old)
	item := old[n-1]
	*pq = old[:n-1]
	return item
}

// PathLen returns the number of edges (hops) in a path as returned by
// ShortestWeightedPath, used by the Pathfinder to test the "path length ≤ 3"
// dependency-inference rule.
func PathLen(path []string) int {
	if len(path) == 0 {
		return 0
	}
	return len(path) - 1
}
