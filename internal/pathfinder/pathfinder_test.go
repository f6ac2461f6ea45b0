package pathfinder

import (
	"testing"
	"time"

	"hypermcp/gateway/internal/graph"
)

func newToolStore(t *testing.T, ids ...string) *graph.Store {
	t.Helper()
	s := graph.NewStore()
	for _, id := range ids {
		s.UpsertNode(graph.Node{ID: id, Kind: graph.NodeTool, Name: id, UpdatedAt: time.Now()})
	}
	return s
}

func TestBuildInfersDependencyWithinPathLenThreshold(t *testing.T) {
	s := newToolStore(t, "a", "b")
	if err := s.AddEdge("a", "b", graph.EdgeDependency, graph.SourceObserved); err != nil {
		t.Fatalf("seed: %v", err)
	}
	sn := s.Snapshot()
	dag := Build(sn, []RankedCandidate{{ID: "a", Score: 0.9}, {ID: "b", Score: 0.8}}, 5)

	var taskB Task
	for _, tk := range dag.Tasks {
		if tk.ID == "b" {
			taskB = tk
		}
	}
	found := false
	for _, d := range taskB.DependsOn {
		if d == "a" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected b to depend on a, got %+v", taskB)
	}
}

func TestBuildBreaksCyclesFromCombinedInferences(t *testing.T) {
	s := newToolStore(t, "a", "b", "c")
	// a->b->c->a forms a cycle once all three pairwise shortest paths are
	// combined into dependsOn inferences (provides edges allow cycles in the
	// store itself, but the pathfinder's inferred dependsOn graph must not
	// retain one).
	mustAdd := func(from, to string, source graph.EdgeSource) {
		t.Helper()
		if err := s.AddEdge(from, to, graph.EdgeProvides, source); err != nil {
			t.Fatalf("add %s->%s: %v", from, to, err)
		}
	}
	mustAdd("a", "b", graph.SourceTemplate)
	mustAdd("b", "c", graph.SourceObserved)
	mustAdd("c", "a", graph.SourceObserved)

	sn := s.Snapshot()
	dag := Build(sn, []RankedCandidate{{ID: "a", Score: 0.9}, {ID: "b", Score: 0.8}, {ID: "c", Score: 0.7}}, 5)

	depsOf := make(map[string]map[string]bool)
	for _, tk := range dag.Tasks {
		depsOf[tk.ID] = make(map[string]bool)
		for _, d := range tk.DependsOn {
			depsOf[tk.ID][d] = true
		}
	}
	// No cycle should survive: it must not be the case that a depends
	// (transitively) on a.
	visited := map[string]bool{}
	var hasCycleFrom func(string, string) bool
	hasCycleFrom = func(start, cur string) bool {
		if visited[cur] {
			return false
		}
		visited[cur] = true
		for next := range depsOf[cur] {
			if next == start {
				return true
			}
			if hasCycleFrom(start, next) {
				return true
			}
		}
		return false
	}
	for _, tk := range dag.Tasks {
		visited = map[string]bool{}
		if hasCycleFrom(tk.ID, tk.ID) {
			t.Fatalf("expected no surviving cycle through %s, deps=%v", tk.ID, depsOf)
		}
	}
}

func TestBuildRespectsTopK(t *testing.T) {
	s := newToolStore(t, "a", "b", "c", "d")
	sn := s.Snapshot()
	dag := Build(sn, []RankedCandidate{
		{ID: "a", Score: 0.9},
		{ID: "b", Score: 0.8},
		{ID: "c", Score: 0.7},
		{ID: "d", Score: 0.6},
	}, 2)
	if len(dag.Tasks) != 2 {
		t.Fatalf("expected topK=2 tasks, got %d", len(dag.Tasks))
	}
}
