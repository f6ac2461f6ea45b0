package scoring

import (
	"context"
	"math"
	"time"

	"hypermcp/gateway/internal/graph"
)

// AttentionModel implements the SHGAT (SuperHyperGraph Attention) scorer: a
// three-head attention fusion over semantic, structural, and temporal
// signals, propagated through a two-phase vertex↔hyperedge message pass
// (V→E then E→V) on the incidence matrix of tools×capabilities. The
// incidence matrix is flattened transitively through `contains` edges so
// arbitrary-depth meta-capabilities still contribute their leaf tools'
// signal to the propagated embedding.
type AttentionModel struct {
	// Trained reports whether fusion weights have been learned. Until then,
	// callers must fall back to Active Search per the spec.
	Trained bool

	FusionSemantic  float64
	FusionStructure float64
	FusionTemporal  float64

	// HeatDiffusion holds a precomputed temporal-diffusion score per node,
	// supplied by whoever builds the model; the PageRank/Louvain refresh
	// does not update it.
	HeatDiffusion map[string]float64
}

// NewUntrainedAttentionModel returns a model with Trained=false, meaning
// Engine.AttentionScore always falls back to ActiveSearch.
func NewUntrainedAttentionModel() *AttentionModel {
	return &AttentionModel{}
}

// AttentionScore ranks candidates using the SHGAT three-head fusion when the
// attention model is trained; otherwise it falls back to Active Search.
func (e *Engine) AttentionScore(ctx context.Context, intentEmbedding []float32, intent string, candidateIDs []string) ([]Candidate, error) {
	if e.attention == nil || !e.attention.Trained {
		return e.ActiveSearch(ctx, intent, len(candidateIDs))
	}

	e.analytics.RefreshIfStale()
	propagated := e.propagateEmbeddings()

	var out []Candidate
	for _, id := range candidateIDs {
		node, ok := e.store.GetNode(id)
		if !ok {
			continue
		}
		semHead := cosine32(intentEmbedding, propagated[id])
		structHead := e.analytics.PageRank(id) + adamicAdarScore(e.store, id)
		recency := math.Exp(-time.Since(node.UpdatedAt).Hours() / recencyTau.Hours())
		tempHead := recency + e.attention.HeatDiffusion[id]

		raw := e.attention.FusionSemantic*semHead + e.attention.FusionStructure*structHead + e.attention.FusionTemporal*tempHead
		score := capScore(sigmoid(raw))
		if !isUsable(score) {
			continue
		}
		out = append(out, Candidate{ID: id, Kind: node.Kind, Score: score, UpdatedAt: node.UpdatedAt})
	}
	sortCandidates(out)
	return out, nil
}

// propagateEmbeddings runs one V→E then E→V message-passing phase over the
// tool/capability incidence structure: each capability's embedding becomes
// the mean of its constituent tools' (or, transitively through `contains`,
// leaf tools') embeddings, then each tool's propagated embedding becomes the
// mean of the capabilities it participates in, blended with its own.
func (e *Engine) propagateEmbeddings() map[string][]float32 {
	caps := e.store.NodesByKind(graph.NodeCapability)
	metaCaps := e.store.NodesByKind(graph.NodeMetaCapability)
	allCaps := append(append([]graph.Node{}, caps...), metaCaps...)

	leafToolsOf := make(map[string][]string, len(allCaps))
	for _, c := range allCaps {
		leafToolsOf[c.ID] = e.flattenLeafTools(c.ID, make(map[string]bool))
	}

	// V→E: capability embedding = mean of its leaf tools' embeddings.
	capEmbedding := make(map[string][]float32, len(allCaps))
	for _, c := range allCaps {
		leaves := leafToolsOf[c.ID]
		if len(leaves) == 0 {
			capEmbedding[c.ID] = c.Embedding
			continue
		}
		capEmbedding[c.ID] = meanEmbedding(e.store, leaves)
	}

	// E→V: tool's propagated embedding = mean of the capability embeddings
	// it participates in, blended 50/50 with its own embedding. Tools that
	// belong to no capability keep their own embedding unchanged.
	propagated := make(map[string][]float32)
	toolCapMembership := make(map[string][][]float32)
	for _, c := range allCaps {
		emb := capEmbedding[c.ID]
		for _, toolID := range leafToolsOf[c.ID] {
			toolCapMembership[toolID] = append(toolCapMembership[toolID], emb)
		}
	}
	for _, t := range e.store.NodesByKind(graph.NodeTool) {
		members := toolCapMembership[t.ID]
		if len(members) == 0 {
			propagated[t.ID] = t.Embedding
			continue
		}
		agg := meanVectors(members)
		propagated[t.ID] = blend(t.Embedding, agg, 0.5)
	}
	for _, c := range allCaps {
		propagated[c.ID] = capEmbedding[c.ID]
	}
	return propagated
}

// flattenLeafTools resolves a capability's ToolsUsed transitively through
// `contains`/capability-of-capability references down to tool ids.
func (e *Engine) flattenLeafTools(id string, seen map[string]bool) []string {
	if seen[id] {
		return nil
	}
	seen[id] = true
	node, ok := e.store.GetNode(id)
	if !ok {
		return nil
	}
	var out []string
	for _, used := range node.ToolsUsed {
		ref, ok := e.store.GetNode(used)
		if !ok {
			continue
		}
		if ref.Kind == graph.NodeTool {
			out = append(out, used)
		} else {
			out = append(out, e.flattenLeafTools(used, seen)...)
		}
	}
	return out
}

func meanEmbedding(store *graph.Store, ids []string) []float32 {
	var vecs [][]float32
	for _, id := range ids {
		if n, ok := store.GetNode(id); ok {
			vecs = append(vecs, n.Embedding)
		}
	}
	return meanVectors(vecs)
}

func meanVectors(vecs [][]float32) []float32 {
	var dims int
	for _, v := range vecs {
		if len(v) > dims {
			dims = len(v)
		}
	}
	if dims == 0 {
		return nil
	}
	sum := make([]float64, dims)
	count := 0
	for _, v := range vecs {
		if len(v) == 0 {
			continue
		}
		count++
		for i, x := range v {
			sum[i] += float64(x)
		}
	}
	if count == 0 {
		return nil
	}
	out := make([]float32, dims)
	for i, s := range sum {
		out[i] = float32(s / float64(count))
	}
	return out
}

func blend(a, b []float32, weight float64) []float32 {
	if len(a) == 0 {
		return b
	}
	if len(b) == 0 {
		return a
	}
	dims := len(a)
	if len(b) < dims {
		dims = len(b)
	}
	out := make([]float32, dims)
	for i := 0; i < dims; i++ {
		out[i] = float32(float64(a[i])*(1-weight) + float64(b[i])*weight)
	}
	return out
}

func cosine32(a, b []float32) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot, na, nb float64
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}

func adamicAdarScore(store *graph.Store, id string) float64 {
	sn := store.Snapshot()
	results := graph.AdamicAdar(sn, id, 1)
	if len(results) == 0 {
		return 0
	}
	return results[0].Score
}
