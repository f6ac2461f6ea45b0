// Package pathfinder implements the Pathfinder & DAG Builder (C5): it takes
// a ranked candidate set and an intent and produces an ordered DAG of tasks,
// inferring dependency edges from pairwise shortest paths and breaking any
// cycles the combined inferences would create.
package pathfinder

import (
	"sort"

	"hypermcp/gateway/internal/graph"
)

// defaultTopK is the number of top-ranked candidates considered for
// pairwise dependency inference.
const defaultTopK = 5

// maxInferredPathLen is the path-length threshold below which a shortest
// path between two candidates implies a dependency edge between them.
const maxInferredPathLen = 3

// Task is one node of the built DAG.
type Task struct {
	ID           string
	IsCapability bool
	DependsOn    []string
}

// DAG is the pathfinder's output: an ordered set of tasks annotated with
// dependency edges, ready for the Execution Scheduler to stratify into
// layers.
type DAG struct {
	Tasks []Task
}

// RankedCandidate is the subset of scoring.Candidate the pathfinder needs.
type RankedCandidate struct {
	ID    string
	Score float64
}

// depsTable maps a dependent task id to the set of tasks it depends on, each
// annotated with the graph edge that justified the inference (used for
// weight/recency-based cycle breaking).
type depsTable map[string]map[string]graph.Edge

// Build selects the top-K ranked candidates and constructs a DAG by running
// shortestWeightedPath over {dependency, provides} for every ordered pair.
// A path of length ≤ 3 from cⱼ to cᵢ implies cᵢ dependsOn cⱼ. Any cycles the
// combined pairwise inferences would create are broken by dropping the
// lowest-weighted offending edge (tie-break: oldest UpdatedAt is dropped,
// so the most recently observed relation survives).
func Build(sn graph.Snapshot, candidates []RankedCandidate, topK int) DAG {
	if topK <= 0 {
		topK = defaultTopK
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Score > candidates[j].Score })
	if len(candidates) > topK {
		candidates = candidates[:topK]
	}

	deps := make(depsTable)
	for _, ci := range candidates {
		for _, cj := range candidates {
			if ci.ID == cj.ID {
				continue
			}
			path, _, ok := graph.ShortestWeightedPath(sn, cj.ID, ci.ID, []graph.EdgeKind{graph.EdgeDependency, graph.EdgeProvides})
			hops := graph.PathLen(path)
			if !ok || hops == 0 || hops > maxInferredPathLen {
				continue
			}
			e, hasEdge := sn.EdgeOf(cj.ID, ci.ID, graph.EdgeDependency)
			if !hasEdge {
				e, hasEdge = sn.EdgeOf(cj.ID, ci.ID, graph.EdgeProvides)
			}
			if !hasEdge {
				e = graph.Edge{From: cj.ID, To: ci.ID, Kind: graph.EdgeDependency, Source: graph.SourceInferred}
			}
			if deps[ci.ID] == nil {
				deps[ci.ID] = make(map[string]graph.Edge)
			}
			deps[ci.ID][cj.ID] = e
		}
	}

	for {
		cycle, found := findCycle(deps)
		if !found {
			break
		}
		from, to := lowestWeightedEdgeOnCycle(deps, cycle)
		delete(deps[from], to)
	}

	tasks := make([]Task, 0, len(candidates))
	for _, c := range candidates {
		var dependsOn []string
		for to := range deps[c.ID] {
			dependsOn = append(dependsOn, to)
		}
		sort.Strings(dependsOn)
		node, _ := sn.NodeByID(c.ID)
		tasks = append(tasks, Task{
			ID:           c.ID,
			IsCapability: node.Kind == graph.NodeCapability || node.Kind == graph.NodeMetaCapability,
			DependsOn:    dependsOn,
		})
	}
	return DAG{Tasks: tasks}
}

// findCycle runs a DFS over the dependent->dependency map looking for any
// cycle, returning the cyclical path of task ids (v0, v1, ..., v0) if found.
func findCycle(deps depsTable) ([]string, bool) {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int)
	var stack []string

	var visit func(string) ([]string, bool)
	visit = func(v string) ([]string, bool) {
		color[v] = gray
		stack = append(stack, v)
		for to := range deps[v] {
			switch color[to] {
			case white:
				if cyc, found := visit(to); found {
					return cyc, true
				}
			case gray:
				// Found a back edge to `to`: extract the cycle from stack.
				start := indexOf(stack, to)
				cyc := append([]string{}, stack[start:]...)
				cyc = append(cyc, to)
				return cyc, true
			}
		}
		stack = stack[:len(stack)-1]
		color[v] = black
		return nil, false
	}

	ids := make([]string, 0, len(deps))
	for v := range deps {
		ids = append(ids, v)
	}
	sort.Strings(ids)
	for _, v := range ids {
		if color[v] == white {
			if cyc, found := visit(v); found {
				return cyc, true
			}
		}
	}
	return nil, false
}

func indexOf(s []string, v string) int {
	for i, x := range s {
		if x == v {
			return i
		}
	}
	return 0
}

// lowestWeightedEdgeOnCycle finds the (from, to) edge along cycle with the
// lowest Weight(), tie-broken by dropping the one with the oldest UpdatedAt.
func lowestWeightedEdgeOnCycle(deps depsTable, cycle []string) (from, to string) {
	var bestFrom, bestTo string
	var bestEdge graph.Edge
	first := true
	for i := 0; i+1 < len(cycle); i++ {
		candFrom, candTo := cycle[i], cycle[i+1]
		e, ok := deps[candFrom][candTo]
		if !ok {
			continue
		}
		if first || e.Weight() < bestEdge.Weight() || (e.Weight() == bestEdge.Weight() && e.UpdatedAt.Before(bestEdge.UpdatedAt)) {
			bestEdge = e
			bestFrom, bestTo = candFrom, candTo
			first = false
		}
	}
	return bestFrom, bestTo
}
