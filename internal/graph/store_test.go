package graph

import (
	"errors"
	"strings"
	"testing"

	"hypermcp/gateway/internal/gwerrors"
)

func newTestStore(t *testing.T, ids ...string) *Store {
	t.Helper()
	s := NewStore()
	for _, id := range ids {
		s.UpsertNode(Node{ID: id, Kind: NodeTool, Name: id})
	}
	return s
}

func TestAddEdgeRejectsDependencyCycle(t *testing.T) {
	s := newTestStore(t, "a", "b", "c")
	if err := s.AddEdge("a", "b", EdgeDependency, SourceObserved); err != nil {
		t.Fatalf("a->b: %v", err)
	}
	if err := s.AddEdge("b", "c", EdgeDependency, SourceObserved); err != nil {
		t.Fatalf("b->c: %v", err)
	}
	err := s.AddEdge("c", "a", EdgeDependency, SourceObserved)
	if err == nil {
		t.Fatal("expected cycle rejection, got nil")
	}
	kind, ok := gwerrors.KindOf(err)
	if !ok || kind != gwerrors.CycleRejected {
		t.Fatalf("expected CycleRejected, got %v (ok=%v)", kind, ok)
	}
}

func TestAddEdgeCycleRejectionNamesProvidesAsTheAlternative(t *testing.T) {
	s := newTestStore(t, "a", "b")
	if err := s.AddEdge("a", "b", EdgeContains, SourceObserved); err != nil {
		t.Fatalf("a->b: %v", err)
	}
	err := s.AddEdge("b", "a", EdgeContains, SourceObserved)
	if err == nil {
		t.Fatal("expected cycle rejection, got nil")
	}
	var ge *gwerrors.GatewayError
	if !errors.As(err, &ge) {
		t.Fatalf("expected a *gwerrors.GatewayError, got %T", err)
	}
	if ge.Kind != gwerrors.CycleRejected {
		t.Fatalf("expected CycleRejected, got %s", ge.Kind)
	}
	if !strings.Contains(ge.Suggestion, "provides") {
		t.Fatalf("expected the suggestion to name provides, got %q", ge.Suggestion)
	}
}

func TestAddEdgeAllowsSequenceCycle(t *testing.T) {
	s := newTestStore(t, "a", "b")
	if err := s.AddEdge("a", "b", EdgeSequence, SourceObserved); err != nil {
		t.Fatalf("a->b: %v", err)
	}
	if err := s.AddEdge("b", "a", EdgeSequence, SourceObserved); err != nil {
		t.Fatalf("sequence cycle should be allowed: %v", err)
	}
}

func TestAddEdgeRejectsSelfLoopOnDAGStrictKind(t *testing.T) {
	s := newTestStore(t, "a")
	err := s.AddEdge("a", "a", EdgeContains, SourceObserved)
	if err == nil {
		t.Fatal("expected self-loop rejection")
	}
}

func TestUpsertObservedEdgeStaysBelowObservedUntilTheThreshold(t *testing.T) {
	s := NewStore(WithObservationThreshold(3))
	s.UpsertNode(Node{ID: "a", Kind: NodeTool, Name: "a"})
	s.UpsertNode(Node{ID: "b", Kind: NodeTool, Name: "b"})
	if err := s.AddEdge("a", "b", EdgeSequence, SourceInferred); err != nil {
		t.Fatalf("seed edge: %v", err)
	}
	if err := s.UpsertObservedEdge("a", "b", EdgeSequence); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	e, ok := s.GetEdge("a", "b", EdgeSequence)
	if !ok {
		t.Fatal("edge missing after upsert")
	}
	if e.Source != SourceInferred {
		t.Fatalf("expected source to stay inferred below the threshold, got %v", e.Source)
	}
	if e.Count != 2 {
		t.Fatalf("expected count 2, got %d", e.Count)
	}
}

func TestUpsertObservedEdgePromotesSourceAndIncrementsCountAtThreshold(t *testing.T) {
	s := NewStore(WithObservationThreshold(3))
	s.UpsertNode(Node{ID: "a", Kind: NodeTool, Name: "a"})
	s.UpsertNode(Node{ID: "b", Kind: NodeTool, Name: "b"})
	if err := s.AddEdge("a", "b", EdgeSequence, SourceInferred); err != nil {
		t.Fatalf("seed edge: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := s.UpsertObservedEdge("a", "b", EdgeSequence); err != nil {
			t.Fatalf("upsert: %v", err)
		}
	}
	e, ok := s.GetEdge("a", "b", EdgeSequence)
	if !ok {
		t.Fatal("edge missing after upsert")
	}
	if e.Source != SourceObserved {
		t.Fatalf("expected promotion to SourceObserved at the threshold, got %v", e.Source)
	}
	if e.Count != 3 {
		t.Fatalf("expected count 3, got %d", e.Count)
	}
}

func TestUpsertNodePromotesMetaCapability(t *testing.T) {
	s := NewStore()
	s.UpsertNode(Node{ID: "tool1", Kind: NodeTool})
	s.UpsertNode(Node{ID: "cap1", Kind: NodeCapability, ToolsUsed: []string{"tool1"}})
	s.UpsertNode(Node{ID: "cap2", Kind: NodeCapability, ToolsUsed: []string{"cap1"}})

	n, ok := s.GetNode("cap2")
	if !ok {
		t.Fatal("cap2 missing")
	}
	if n.Kind != NodeMetaCapability {
		t.Fatalf("expected cap2 to be promoted to MetaCapability, got %v", n.Kind)
	}
	n, ok = s.GetNode("cap1")
	if !ok {
		t.Fatal("cap1 missing")
	}
	if n.Kind != NodeCapability {
		t.Fatalf("cap1 should remain a plain Capability, got %v", n.Kind)
	}
}

func TestDeleteNodeRemovesIncidentEdges(t *testing.T) {
	s := newTestStore(t, "a", "b")
	if err := s.AddEdge("a", "b", EdgeProvides, SourceObserved); err != nil {
		t.Fatalf("seed edge: %v", err)
	}
	s.DeleteNode("a")
	if _, ok := s.GetEdge("a", "b", EdgeProvides); ok {
		t.Fatal("expected edge to be removed with its node")
	}
	if neighbors := s.Neighbors("b", EdgeProvides); len(neighbors) != 0 {
		t.Fatalf("expected no neighbors after delete, got %v", neighbors)
	}
}

func TestShortestWeightedPathPrefersHigherWeight(t *testing.T) {
	s := newTestStore(t, "a", "b", "c", "d")
	mustAdd := func(from, to string, source EdgeSource) {
		t.Helper()
		if err := s.AddEdge(from, to, EdgeDependency, source); err != nil {
			t.Fatalf("add %s->%s: %v", from, to, err)
		}
	}
	// Direct low-weight edge a->d (template sequence: 0.5*0.5 = 0.25, cost
	// 4.0) vs. a longer but stronger chain (three observed dependency edges
	// of weight 1.0, total cost 3.0).
	if err := s.AddEdge("a", "d", EdgeSequence, SourceTemplate); err != nil {
		t.Fatalf("add a->d: %v", err)
	}
	mustAdd("a", "b", SourceObserved)
	mustAdd("b", "c", SourceObserved)
	mustAdd("c", "d", SourceObserved)

	sn := s.Snapshot()
	path, _, ok := ShortestWeightedPath(sn, "a", "d", []EdgeKind{EdgeDependency, EdgeSequence})
	if !ok {
		t.Fatal("expected a path")
	}
	if len(path) != 4 {
		t.Fatalf("expected the 3-hop observed chain to win on cost, got %v", path)
	}
}

func TestShortestWeightedPathNoPath(t *testing.T) {
	s := newTestStore(t, "a", "b")
	sn := s.Snapshot()
	if _, _, ok := ShortestWeightedPath(sn, "a", "b", []EdgeKind{EdgeDependency}); ok {
		t.Fatal("expected no path between disconnected nodes")
	}
}

func TestValidateInsertionDoesNotMutate(t *testing.T) {
	s := newTestStore(t, "a", "b", "c")
	if err := s.AddEdge("a", "b", EdgeDependency, SourceObserved); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := s.ValidateInsertion("b", "a", EdgeDependency); err == nil {
		t.Fatal("expected cycle rejection from preflight check")
	}
	if _, ok := s.GetEdge("b", "a", EdgeDependency); ok {
		t.Fatal("ValidateInsertion must not insert the edge")
	}
}
