package graph

import (
	"sync"
	"time"

	"hypermcp/gateway/internal/gwerrors"
)

// edgeKey identifies one (from, to, kind) triple. Multiple sources never
// coexist for the same triple: upserting replaces source/count/weight in
// place, matching the spec's edge-merge semantics.
type edgeKey struct {
	From string
	To   string
	Kind EdgeKind
}

// Store is the SuperHyperGraph: a single-writer, many-reader in-memory graph
// of Tool, Capability, and MetaCapability nodes connected by contains,
// dependency, provides, and sequence edges. All mutating methods must be
// called from the single writer goroutine (the Learning Coordinator); reads
// may happen concurrently against a generation snapshot via Snapshot.
type Store struct {
	mu sync.RWMutex

	nodes map[string]Node
	edges map[edgeKey]Edge

	// adjacency indexes out/in neighbors per kind for O(1) traversal.
	out map[string]map[EdgeKind]map[string]struct{}
	in  map[string]map[EdgeKind]map[string]struct{}

	validator *EdgeValidator

	// observationThreshold is the observation count an edge must reach
	// before UpsertObservedEdge promotes its source to SourceObserved.
	observationThreshold int

	generation uint64
}

// defaultObservationThreshold is the observation count used when NewStore
// is not given a WithObservationThreshold option.
const defaultObservationThreshold = 3

// StoreOption configures a Store at construction time.
type StoreOption func(*Store)

// WithObservationThreshold sets the observation count an edge must reach
// before it promotes from inferred/template to observed. n <= 0 is treated
// as 1, promoting on the very first observation.
func WithObservationThreshold(n int) StoreOption {
	return func(s *Store) {
		if n <= 0 {
			n = 1
		}
		s.observationThreshold = n
	}
}

// NewStore constructs an empty SuperHyperGraph store.
func NewStore(opts ...StoreOption) *Store {
	s := &Store{
		nodes:                make(map[string]Node),
		edges:                make(map[edgeKey]Edge),
		out:                  make(map[string]map[EdgeKind]map[string]struct{}),
		in:                   make(map[string]map[EdgeKind]map[string]struct{}),
		observationThreshold: defaultObservationThreshold,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.validator = &EdgeValidator{store: s}
	return s
}

// UpsertNode inserts or replaces a node by id. If the node is a Capability
// whose ToolsUsed references another Capability/MetaCapability id, the kind
// is promoted to MetaCapability, matching the spec's hierarchy rule.
func (s *Store) UpsertNode(n Node) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n.Kind == NodeCapability {
		for _, used := range n.ToolsUsed {
			if ref, ok := s.nodes[used]; ok && ref.Kind != NodeTool {
				n.Kind = NodeMetaCapability
				break
			}
		}
	}
	if n.UpdatedAt.IsZero() {
		n.UpdatedAt = time.Now()
	}
	s.nodes[n.ID] = n
	s.generation++
}

// GetNode returns the node with the given id.
func (s *Store) GetNode(id string) (Node, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[id]
	return n, ok
}

// DeleteNode removes a node and every edge touching it.
func (s *Store) DeleteNode(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.nodes, id)
	for k := range s.edges {
		if k.From == id || k.To == id {
			delete(s.edges, k)
		}
	}
	delete(s.out, id)
	delete(s.in, id)
	for _, kinds := range s.out {
		for _, set := range kinds {
			delete(set, id)
		}
	}
	for _, kinds := range s.in {
		for _, set := range kinds {
			delete(set, id)
		}
	}
	s.generation++
}

// AddEdge validates and inserts a brand-new edge with the given source and
// initial count of 1. Returns a CycleRejected *gwerrors.GatewayError if the
// edge is DAG-strict (contains or dependency) and would close a cycle.
func (s *Store) AddEdge(from, to string, kind EdgeKind, source EdgeSource) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addEdgeLocked(from, to, kind, source, 1)
}

// UpsertObservedEdge records one more observation of (from, to, kind). If the
// edge does not exist it is created with count 1, inferred unless the
// store's observation threshold is 1; otherwise its count is incremented
// and, once the new count reaches the threshold, its source is promoted to
// SourceObserved. A source already at SourceObserved is left alone — count
// still increments, but promotion never demotes. DAG-strict kinds are
// validated on creation only; an edge already present must have been valid
// on insert, so a later promotion never re-runs the cycle check.
func (s *Store) UpsertObservedEdge(from, to string, kind EdgeKind) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := edgeKey{From: from, To: to, Kind: kind}
	existing, ok := s.edges[key]
	if !ok {
		source := SourceInferred
		if s.observationThreshold <= 1 {
			source = SourceObserved
		}
		return s.addEdgeLocked(from, to, kind, source, 1)
	}
	existing.Count++
	if existing.Count >= s.observationThreshold {
		existing.Source = SourceObserved
	}
	existing.UpdatedAt = time.Now()
	s.edges[key] = existing
	return nil
}

// addEdgeLocked performs the cycle check (for DAG-strict kinds) and inserts
// the edge and adjacency entries. Caller must hold s.mu.
func (s *Store) addEdgeLocked(from, to string, kind EdgeKind, source EdgeSource, count int) error {
	if _, ok := s.nodes[from]; !ok {
		return gwerrors.Newf(gwerrors.InvalidParams, "edge source node %q does not exist", from).WithField("from")
	}
	if _, ok := s.nodes[to]; !ok {
		return gwerrors.Newf(gwerrors.InvalidParams, "edge target node %q does not exist", to).WithField("to")
	}
	if kind.DAGStrict() {
		if err := s.validator.checkAcyclic(from, to, kind); err != nil {
			return err
		}
	}
	key := edgeKey{From: from, To: to, Kind: kind}
	s.edges[key] = Edge{
		From:      from,
		To:        to,
		Kind:      kind,
		Source:    source,
		Count:     count,
		UpdatedAt: time.Now(),
	}
	s.linkLocked(from, to, kind)
	s.generation++
	return nil
}

func (s *Store) linkLocked(from, to string, kind EdgeKind) {
	if s.out[from] == nil {
		s.out[from] = make(map[EdgeKind]map[string]struct{})
	}
	if s.out[from][kind] == nil {
		s.out[from][kind] = make(map[string]struct{})
	}
	s.out[from][kind][to] = struct{}{}

	if s.in[to] == nil {
		s.in[to] = make(map[EdgeKind]map[string]struct{})
	}
	if s.in[to][kind] == nil {
		s.in[to][kind] = make(map[string]struct{})
	}
	s.in[to][kind][from] = struct{}{}
}

// GetEdge returns the edge for (from, to, kind) if present.
func (s *Store) GetEdge(from, to string, kind EdgeKind) (Edge, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.edges[edgeKey{From: from, To: to, Kind: kind}]
	return e, ok
}

// Neighbors returns the ids reachable from id via an outgoing edge of kind.
func (s *Store) Neighbors(id string, kind EdgeKind) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	set, ok := s.out[id][kind]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(set))
	for n := range set {
		out = append(out, n)
	}
	return out
}

// ReverseNeighbors returns the ids with an outgoing edge of kind into id.
func (s *Store) ReverseNeighbors(id string, kind EdgeKind) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	set, ok := s.in[id][kind]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(set))
	for n := range set {
		out = append(out, n)
	}
	return out
}

// AllEdgesOfKind returns every edge of the given kind, for analytics passes
// (PageRank, Louvain, Adamic-Adar) that must scan the full relation.
func (s *Store) AllEdgesOfKind(kind EdgeKind) []Edge {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Edge
	for k, e := range s.edges {
		if k.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

// NodesByKind returns every node of the given kind.
func (s *Store) NodesByKind(kind NodeKind) []Node {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Node
	for _, n := range s.nodes {
		if n.Kind == kind {
			out = append(out, n)
		}
	}
	return out
}

// Generation returns a monotonically increasing counter bumped on every
// mutation, used by off-critical-path analytics to decide whether a cached
// PageRank/Louvain pass is stale.
func (s *Store) Generation() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.generation
}

// Snapshot is a read-only, point-in-time copy of the graph sufficient for the
// Pathfinder and Scoring Engine to operate against without holding the
// store's lock across a multi-step computation.
type Snapshot struct {
	Generation uint64
	Nodes      map[string]Node
	Edges      map[edgeKey]Edge
}

// NodeByID looks up a node in the snapshot.
func (sn Snapshot) NodeByID(id string) (Node, bool) {
	n, ok := sn.Nodes[id]
	return n, ok
}

// EdgeOf looks up an edge in the snapshot.
func (sn Snapshot) EdgeOf(from, to string, kind EdgeKind) (Edge, bool) {
	e, ok := sn.Edges[edgeKey{From: from, To: to, Kind: kind}]
	return e, ok
}

// Snapshot copies the current graph state under a read lock. Copy-on-write:
// callers get an isolated map they may range over freely while the store
// continues to accept writes from the single writer goroutine.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	nodes := make(map[string]Node, len(s.nodes))
	for k, v := range s.nodes {
		nodes[k] = v
	}
	edges := make(map[edgeKey]Edge, len(s.edges))
	for k, v := range s.edges {
		edges[k] = v
	}
	return Snapshot{Generation: s.generation, Nodes: nodes, Edges: edges}
}
