package graph

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// edgeOp is one addEdge attempt in a random sequence: from/to are indexes
// into a small fixed node set so cycles are reachable within a handful of
// operations, and kind is restricted to the two DAG-strict kinds since
// provides/sequence are exempt from the acyclicity invariant.
type edgeOp struct {
	From, To int
	Kind     EdgeKind
}

var nodeIDs = []string{"n0", "n1", "n2", "n3", "n4", "n5"}

func genEdgeOp() gopter.Gen {
	return gopter.CombineGens(
		gen.IntRange(0, len(nodeIDs)-1),
		gen.IntRange(0, len(nodeIDs)-1),
		gen.OneConstOf(EdgeContains, EdgeDependency),
	).Map(func(vs []interface{}) edgeOp {
		return edgeOp{From: vs[0].(int), To: vs[1].(int), Kind: vs[2].(EdgeKind)}
	})
}

// hasCycle does an independent DFS-based cycle check over s's edges of kind,
// so the property does not reuse the store's own validator to check itself.
func hasCycle(s *Store, kind EdgeKind) bool {
	color := make(map[string]int) // 0=white,1=gray,2=black
	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = 1
		for next := range s.out[id][kind] {
			switch color[next] {
			case 1:
				return true
			case 0:
				if visit(next) {
					return true
				}
			}
		}
		color[id] = 2
		return false
	}
	for id := range s.nodes {
		if color[id] == 0 {
			if visit(id) {
				return true
			}
		}
	}
	return false
}

func TestPropertyContainsAndDependencySubgraphsStayAcyclic(t *testing.T) {
	props := gopter.NewProperties(nil)

	props.Property("addEdge never leaves a cycle in contains or dependency", prop.ForAll(
		func(ops []edgeOp) bool {
			s := NewStore()
			for _, id := range nodeIDs {
				s.UpsertNode(Node{ID: id, Kind: NodeTool, Name: id})
			}
			for _, op := range ops {
				_ = s.AddEdge(nodeIDs[op.From], nodeIDs[op.To], op.Kind, SourceTemplate)
			}
			return !hasCycle(s, EdgeContains) && !hasCycle(s, EdgeDependency)
		},
		gen.SliceOfN(40, genEdgeOp()),
	))

	props.TestingRun(t)
}

func TestPropertyUpsertObservedEdgeIsIdempotentInKindAndEndpoints(t *testing.T) {
	props := gopter.NewProperties(nil)

	props.Property("repeated UpsertObservedEdge only increments count", prop.ForAll(
		func(from, to int, repeats int) bool {
			s := NewStore()
			for _, id := range nodeIDs {
				s.UpsertNode(Node{ID: id, Kind: NodeTool, Name: id})
			}
			a, b := nodeIDs[from], nodeIDs[to]
			if a == b {
				return true
			}
			for i := 0; i < repeats; i++ {
				if err := s.UpsertObservedEdge(a, b, EdgeProvides); err != nil {
					return false
				}
			}
			e, ok := s.GetEdge(a, b, EdgeProvides)
			if !ok {
				return repeats == 0
			}
			return e.From == a && e.To == b && e.Kind == EdgeProvides && e.Count == repeats
		},
		gen.IntRange(0, len(nodeIDs)-1),
		gen.IntRange(0, len(nodeIDs)-1),
		gen.IntRange(1, 20),
	))

	props.TestingRun(t)
}

func TestPropertyUpsertObservedEdgePromotesSourceOnlyAtThreshold(t *testing.T) {
	props := gopter.NewProperties(nil)

	props.Property("source stays below observed until count reaches the threshold, then stays observed", prop.ForAll(
		func(from, to, threshold, repeats int) bool {
			s := NewStore(WithObservationThreshold(threshold))
			for _, id := range nodeIDs {
				s.UpsertNode(Node{ID: id, Kind: NodeTool, Name: id})
			}
			a, b := nodeIDs[from], nodeIDs[to]
			if a == b {
				return true
			}
			for i := 1; i <= repeats; i++ {
				if err := s.UpsertObservedEdge(a, b, EdgeProvides); err != nil {
					return false
				}
				e, ok := s.GetEdge(a, b, EdgeProvides)
				if !ok {
					return false
				}
				wantObserved := i >= threshold
				if wantObserved && e.Source != SourceObserved {
					return false
				}
				if !wantObserved && e.Source == SourceObserved {
					return false
				}
			}
			return true
		},
		gen.IntRange(0, len(nodeIDs)-1),
		gen.IntRange(0, len(nodeIDs)-1),
		gen.IntRange(1, 10),
		gen.IntRange(1, 20),
	))

	props.TestingRun(t)
}
