// Package scoring implements the Scoring Engine (C4): Active Search,
// Next-step Prediction, and attention-based (SHGAT) scoring modes that rank
// tool/capability candidates for discovery and in-workflow next-tool
// suggestion.
package scoring

import (
	"context"
	"math"
	"sort"
	"time"

	"hypermcp/gateway/internal/graph"
	"hypermcp/gateway/internal/vectorindex"
)

// scoreCap mirrors the Vector Index's cap: every user-visible score stays
// below 1.0 to leave room for uncertainty.
const scoreCap = 0.95

// recencyTau is the time constant used by the exponential recency term.
// The elapsed time it divides is wall-clock time (time.Now minus a node's
// UpdatedAt); no separate project clock is kept.
const recencyTau = 24 * time.Hour

// Candidate is one ranked result.
type Candidate struct {
	ID        string
	Kind      graph.NodeKind
	Score     float64
	UpdatedAt time.Time
}

// Engine produces ranked candidates by dispatching to one of three scoring
// modes depending on the caller's context.
type Engine struct {
	store     *graph.Store
	analytics *graph.AnalyticsCache
	index     *vectorindex.Index
	attention *AttentionModel
}

// New constructs a scoring Engine. attention may be nil, in which case
// Attention Scoring always falls back to Active Search, matching the spec's
// "no training has occurred" fallback rule.
func New(store *graph.Store, analytics *graph.AnalyticsCache, index *vectorindex.Index, attention *AttentionModel) *Engine {
	return &Engine{store: store, analytics: analytics, index: index, attention: attention}
}

// reliability maps a tool/capability's success rate to the Active Search
// reliability multiplier.
func reliability(successRate float64) float64 {
	switch {
	case successRate < 0.5:
		return 0.1
	case successRate > 0.9:
		return 1.2
	default:
		return 1.0
	}
}

func capScore(s float64) float64 {
	if s > scoreCap {
		return scoreCap
	}
	return s
}

// isUsable discards non-finite scores per the spec's edge-case policy:
// NaN/Inf are thrown out, not clamped into range.
func isUsable(s float64) bool {
	return !math.IsNaN(s) && !math.IsInf(s, 0)
}

// ActiveSearch ranks tools and capabilities by semantic similarity to
// intent, weighted by reliability. Used for discover() and for active
// target selection when no running-workflow context is available.
func (e *Engine) ActiveSearch(ctx context.Context, intent string, limit int) ([]Candidate, error) {
	toolMatches, err := e.index.SearchTools(ctx, intent, limit*2+5, 0)
	if err != nil {
		return nil, err
	}
	capMatches, err := e.index.SearchCapabilities(ctx, intent, limit*2+5, 0)
	if err != nil {
		return nil, err
	}

	var out []Candidate
	appendMatches := func(matches []vectorindex.Match, kind graph.NodeKind) {
		for _, m := range matches {
			node, ok := e.store.GetNode(m.ID)
			if !ok {
				continue
			}
			score := capScore(m.Score * reliability(node.SuccessRate))
			if !isUsable(score) {
				continue
			}
			out = append(out, Candidate{ID: m.ID, Kind: kind, Score: score, UpdatedAt: node.UpdatedAt})
		}
	}
	appendMatches(toolMatches, graph.NodeTool)
	appendMatches(capMatches, graph.NodeCapability)

	sortCandidates(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// NextStep ranks candidate next tools/capabilities given a running
// workflow's already-executed node ids (contextIDs). An empty contextIDs
// degenerates to Active Search, per the spec's edge-case policy.
func (e *Engine) NextStep(ctx context.Context, intent string, contextIDs []string, limit int) ([]Candidate, error) {
	if len(contextIDs) == 0 {
		return e.ActiveSearch(ctx, intent, limit)
	}
	last := contextIDs[len(contextIDs)-1]
	if _, ok := e.store.GetNode(last); !ok {
		// Unknown tool in context is treated as absent: fall back as if no
		// context were supplied.
		return e.ActiveSearch(ctx, intent, limit)
	}

	e.analytics.RefreshIfStale()
	lastCommunity, hasCommunity := e.analytics.Community(last)

	candidateSet := e.nextStepCandidates(last)
	now := time.Now()

	var out []Candidate
	for _, id := range candidateSet {
		node, ok := e.store.GetNode(id)
		if !ok {
			continue
		}
		cooccurrence := 0.0
		if edge, ok := e.store.GetEdge(last, id, graph.EdgeSequence); ok {
			cooccurrence = edge.Weight()
		} else if edge, ok := e.store.GetEdge(last, id, graph.EdgeProvides); ok {
			cooccurrence = edge.Weight()
		}

		sameCommunity := 0.0
		if hasCommunity {
			if comm, ok := e.analytics.Community(id); ok && comm == lastCommunity {
				sameCommunity = 1.0
			}
		}

		recency := math.Exp(-now.Sub(node.UpdatedAt).Hours() / recencyTau.Hours())
		pr := e.analytics.PageRank(id)

		raw := 0.6*cooccurrence + 0.3*sameCommunity + 0.1*recency + 0.1*pr
		score := capScore(raw)
		if !isUsable(score) {
			continue
		}
		out = append(out, Candidate{ID: id, Kind: node.Kind, Score: score, UpdatedAt: node.UpdatedAt})
	}

	sortCandidates(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// nextStepCandidates gathers the union of sequence/provides/dependency
// successors of last as the candidate pool for next-step prediction.
func (e *Engine) nextStepCandidates(last string) []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(ids []string) {
		for _, id := range ids {
			if _, dup := seen[id]; !dup {
				seen[id] = struct{}{}
				out = append(out, id)
			}
		}
	}
	add(e.store.Neighbors(last, graph.EdgeSequence))
	add(e.store.Neighbors(last, graph.EdgeProvides))
	add(e.store.Neighbors(last, graph.EdgeDependency))
	return out
}

// sortCandidates orders by descending score, tie-broken by newer UpdatedAt
// then lexicographic id, matching the spec's determinism requirement.
func sortCandidates(c []Candidate) {
	sort.Slice(c, func(i, j int) bool {
		if c[i].Score != c[j].Score {
			return c[i].Score > c[j].Score
		}
		if !c[i].UpdatedAt.Equal(c[j].UpdatedAt) {
			return c[i].UpdatedAt.After(c[j].UpdatedAt)
		}
		return c[i].ID < c[j].ID
	})
}
