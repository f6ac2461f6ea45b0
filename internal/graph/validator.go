package graph

import "hypermcp/gateway/internal/gwerrors"

// EdgeValidator enforces the DAG invariant on contains and dependency edges:
// inserting an edge that would close a cycle among edges of the same kind is
// rejected rather than silently accepted. provides and sequence edges are
// exempt, since feedback loops and repeated tool calls are expected there.
type EdgeValidator struct {
	store *Store
}

// checkAcyclic reports whether adding from->to of kind would create a cycle,
// by searching for an existing path to->...->from restricted to edges of the
// same kind. Caller must hold store.mu.
func (v *EdgeValidator) checkAcyclic(from, to string, kind EdgeKind) error {
	if from == to {
		return gwerrors.Newf(gwerrors.CycleRejected, "edge %s->%s of kind %s is a self-loop", from, to, kind).
			WithSuggestion("use the provides edge kind for self-referential data flow")
	}
	visited := make(map[string]bool)
	if v.pathExistsLocked(to, from, kind, visited) {
		return gwerrors.Newf(gwerrors.CycleRejected,
			"adding %s edge %s->%s would close a cycle through an existing %s->%s path", kind, from, to, to, from).
			WithSuggestion("use the provides edge kind instead, which permits cycles")
	}
	return nil
}

// pathExistsLocked is a DFS over out-edges of the given kind only, from
// start to target. Caller must hold store.mu.
func (v *EdgeValidator) pathExistsLocked(start, target string, kind EdgeKind, visited map[string]bool) bool {
	if start == target {
		return true
	}
	if visited[start] {
		return false
	}
	visited[start] = true
	for next := range v.store.out[start][kind] {
		if v.pathExistsLocked(next, target, kind, visited) {
			return true
		}
	}
	return false
}

// ValidateInsertion exposes the cycle check independent of insertion, so
// callers (e.g. the Replanner rewiring dependency edges) can preflight a
// batch of candidate edges before committing any of them.
func (s *Store) ValidateInsertion(from, to string, kind EdgeKind) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !kind.DAGStrict() {
		return nil
	}
	return s.validator.checkAcyclic(from, to, kind)
}
