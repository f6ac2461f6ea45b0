// Package vectorindex implements the Vector Index (C1): encode(text)→vector
// plus approximate nearest-neighbour search over tool and capability
// descriptions. The index treats the embedding provider as an opaque
// collaborator — Encoder is the only seam — so the core logic here is the
// similarity search and score-capping, not the embedding call itself.
package vectorindex

import (
	"context"
	"math"
	"sort"
	"sync"
)

// scoreCap is applied to every user-visible similarity score, leaving room
// for uncertainty per the spec.
const scoreCap = 0.95

// Encoder maps text to a fixed-length embedding vector. Implementations
// typically delegate to a hosted embedding model; HashEncoder is a
// deterministic fallback requiring no external service.
type Encoder interface {
	Encode(ctx context.Context, text string) ([]float32, error)
}

// Document is one indexed item: a tool or capability description paired
// with its embedding.
type Document struct {
	ID        string
	Kind      string // "tool" or "capability"
	Text      string
	Embedding []float32
}

// Match is one search result.
type Match struct {
	ID    string
	Score float64
}

// Index is an in-memory approximate nearest-neighbour index over tool and
// capability embeddings, bucketed by kind so searchTools and
// searchCapabilities never cross-contaminate results.
type Index struct {
	encoder Encoder

	mu   sync.RWMutex
	docs map[string]map[string]Document // kind -> id -> Document
}

// New constructs an Index backed by the given Encoder.
func New(encoder Encoder) *Index {
	return &Index{
		encoder: encoder,
		docs:    make(map[string]map[string]Document),
	}
}

// Encode delegates to the configured Encoder.
func (idx *Index) Encode(ctx context.Context, text string) ([]float32, error) {
	return idx.encoder.Encode(ctx, text)
}

// Upsert encodes text and (re)inserts the document under (kind, id).
func (idx *Index) Upsert(ctx context.Context, kind, id, text string) error {
	vec, err := idx.encoder.Encode(ctx, text)
	if err != nil {
		return err
	}
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if idx.docs[kind] == nil {
		idx.docs[kind] = make(map[string]Document)
	}
	idx.docs[kind][id] = Document{ID: id, Kind: kind, Text: text, Embedding: vec}
	return nil
}

// Remove deletes a document from the index.
func (idx *Index) Remove(kind, id string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	delete(idx.docs[kind], id)
}

// SearchTools ranks tool documents by cosine similarity to text, returning
// up to k matches with score ≥ minScore.
func (idx *Index) SearchTools(ctx context.Context, text string, k int, minScore float64) ([]Match, error) {
	return idx.search(ctx, "tool", text, k, minScore)
}

// SearchCapabilities ranks capability documents by cosine similarity to
// text, returning up to k matches with score ≥ minScore.
func (idx *Index) SearchCapabilities(ctx context.Context, text string, k int, minScore float64) ([]Match, error) {
	return idx.search(ctx, "capability", text, k, minScore)
}

func (idx *Index) search(ctx context.Context, kind, text string, k int, minScore float64) ([]Match, error) {
	query, err := idx.encoder.Encode(ctx, text)
	if err != nil {
		return nil, err
	}

	idx.mu.RLock()
	bucket := idx.docs[kind]
	candidates := make([]Document, 0, len(bucket))
	for _, d := range bucket {
		candidates = append(candidates, d)
	}
	idx.mu.RUnlock()

	matches := make([]Match, 0, len(candidates))
	for _, d := range candidates {
		score := cosineSimilarity(query, d.Embedding)
		if score > scoreCap {
			score = scoreCap
		}
		if score < minScore {
			continue
		}
		matches = append(matches, Match{ID: d.ID, Score: score})
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].ID < matches[j].ID
	})
	if k > 0 && len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

// cosineSimilarity returns the cosine similarity of a and b, clamped to
// [0,1] since negative similarity has no useful meaning for ranking text
// descriptions here; mismatched lengths yield 0.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	sim := dot / (math.Sqrt(na) * math.Sqrt(nb))
	if sim < 0 {
		return 0
	}
	return sim
}
