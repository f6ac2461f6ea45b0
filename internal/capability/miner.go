// Package capability implements the Capability Miner (C8): it extracts,
// deduplicates, and stores successful code patterns as reusable
// Capability nodes in the SuperHyperGraph Store.
package capability

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
	"time"

	"hypermcp/gateway/internal/graph"
)

// emaAlpha is the exponential-moving-average smoothing factor applied to a
// capability's success rate on reuse.
const emaAlpha = 0.1

var (
	lineCommentPattern  = regexp.MustCompile(`//[^\n]*`)
	blockCommentPattern = regexp.MustCompile(`(?s)/\*.*?\*/`)
)

// normalizeCode strips comments and collapses whitespace so that
// whitespace-only or comment-only edits hash identically, per the spec's
// dedup rule.
func normalizeCode(code string) string {
	stripped := blockCommentPattern.ReplaceAllString(code, "")
	stripped = lineCommentPattern.ReplaceAllString(stripped, "")
	return strings.Join(strings.Fields(stripped), " ")
}

// CodeHash computes the dedup key for a capability's source code.
func CodeHash(code string) string {
	sum := sha256.Sum256([]byte(normalizeCode(code)))
	return hex.EncodeToString(sum[:])
}

// ExecutedCall is one tool or capability invocation observed while running
// user code, in call order, used to mine staticStructure and provides
// edges.
type ExecutedCall struct {
	NodeID string
	Kind   graph.EdgeKind // typically EdgeProvides or EdgeSequence for the gap to the next call
}

// Encoder is the minimal embedding seam the miner needs; satisfied by
// vectorindex.Index.
type Encoder interface {
	Encode(ctx context.Context, text string) ([]float32, error)
}

// Miner extracts and stores capabilities from successful executions.
type Miner struct {
	store   *graph.Store
	encoder Encoder
}

// New constructs a Miner writing into store and embedding descriptions via
// encoder.
func New(store *graph.Store, encoder Encoder) *Miner {
	return &Miner{store: store, encoder: encoder}
}

// MineResult reports what the miner did for one successful execution.
type MineResult struct {
	CapabilityID string
	Created      bool
	UsageCount   int
	SuccessRate  float64
}

// Mine records (or updates) the capability for code, given the ordered
// sequence of tool/capability calls it made and whether the execution
// succeeded. firstLine is used as the embedding fallback when description
// is empty.
func (m *Miner) Mine(ctx context.Context, id string, code, description string, calls []ExecutedCall, success bool) (MineResult, error) {
	hash := CodeHash(code)

	if existing := m.findByHash(hash); existing != nil {
		rate := existing.SuccessRate
		observed := 0.0
		if success {
			observed = 1.0
		}
		rate = rate + emaAlpha*(observed-rate)
		existing.SuccessRate = rate
		existing.UsageCount++
		existing.UpdatedAt = time.Now()
		m.store.UpsertNode(*existing)
		m.upsertProvidesEdges(calls)
		return MineResult{CapabilityID: existing.ID, Created: false, UsageCount: existing.UsageCount, SuccessRate: rate}, nil
	}

	if !success {
		// Only successful, novel executions are mined into new capabilities.
		return MineResult{}, nil
	}

	toolsUsed := make([]string, 0, len(calls))
	for _, c := range calls {
		toolsUsed = append(toolsUsed, c.NodeID)
	}

	embedText := description
	if embedText == "" {
		embedText = firstLine(code)
	}
	embedding, err := m.encoder.Encode(ctx, embedText)
	if err != nil {
		return MineResult{}, err
	}

	node := graph.Node{
		ID:              id,
		Kind:            graph.NodeCapability,
		Description:     description,
		Code:            code,
		CodeHash:        hash,
		ToolsUsed:       toolsUsed,
		StaticStructure: extractStaticStructure(calls),
		SuccessRate:     1.0,
		UsageCount:      1,
		Embedding:       embedding,
		UpdatedAt:       time.Now(),
	}
	m.store.UpsertNode(node)
	m.upsertProvidesEdges(calls)
	return MineResult{CapabilityID: id, Created: true, UsageCount: 1, SuccessRate: 1.0}, nil
}

// findByHash scans Capability and MetaCapability nodes for a matching
// CodeHash. The store has no secondary index on CodeHash; a full scan is
// acceptable at the gateway's expected capability-count scale, and keeps
// the store's API surface to exactly what §3 specifies.
func (m *Miner) findByHash(hash string) *graph.Node {
	for _, n := range m.store.NodesByKind(graph.NodeCapability) {
		if n.CodeHash == hash {
			nc := n
			return &nc
		}
	}
	for _, n := range m.store.NodesByKind(graph.NodeMetaCapability) {
		if n.CodeHash == hash {
			nc := n
			return &nc
		}
	}
	return nil
}

// upsertProvidesEdges records a provides edge between every consecutive
// pair of calls as observed in the executed path, per the miner's
// edge-upsert batch step.
func (m *Miner) upsertProvidesEdges(calls []ExecutedCall) {
	for i := 0; i+1 < len(calls); i++ {
		_ = m.store.UpsertObservedEdge(calls[i].NodeID, calls[i+1].NodeID, graph.EdgeProvides)
	}
}

// extractStaticStructure builds a StaticStructure DAG from the observed
// call order: consecutive calls become sequence edges.
func extractStaticStructure(calls []ExecutedCall) *graph.StaticStructure {
	if len(calls) == 0 {
		return nil
	}
	ss := &graph.StaticStructure{}
	seen := make(map[string]bool)
	for _, c := range calls {
		if !seen[c.NodeID] {
			seen[c.NodeID] = true
			ss.Nodes = append(ss.Nodes, c.NodeID)
		}
	}
	for i := 0; i+1 < len(calls); i++ {
		ss.Edges = append(ss.Edges, graph.StaticEdge{
			From: calls[i].NodeID,
			To:   calls[i+1].NodeID,
			Kind: graph.StaticEdgeSequence,
		})
	}
	return ss
}

func firstLine(code string) string {
	idx := strings.IndexByte(code, '\n')
	if idx < 0 {
		return code
	}
	return code[:idx]
}
