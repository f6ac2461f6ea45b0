package vectorindex

import (
	"context"
	"testing"
)

func TestSearchToolsCapsScoreAndRanksByCosine(t *testing.T) {
	ctx := context.Background()
	enc := NewHashEncoder(64)
	idx := New(enc)

	if err := idx.Upsert(ctx, "tool", "read", "read a file from disk"); err != nil {
		t.Fatalf("upsert read: %v", err)
	}
	if err := idx.Upsert(ctx, "tool", "write", "write bytes to a socket connection"); err != nil {
		t.Fatalf("upsert write: %v", err)
	}

	matches, err := idx.SearchTools(ctx, "read a file from disk", 5, 0)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(matches) == 0 {
		t.Fatal("expected at least one match")
	}
	if matches[0].ID != "read" {
		t.Fatalf("expected exact text match to rank first, got %s", matches[0].ID)
	}
	for _, m := range matches {
		if m.Score > scoreCap {
			t.Fatalf("score %f exceeds cap %f", m.Score, scoreCap)
		}
	}
}

func TestSearchToolsRespectsKindIsolation(t *testing.T) {
	ctx := context.Background()
	idx := New(NewHashEncoder(64))
	if err := idx.Upsert(ctx, "capability", "cap1", "parse xml and summarize"); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	matches, err := idx.SearchTools(ctx, "parse xml and summarize", 5, 0)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(matches) != 0 {
		t.Fatalf("expected capability document to be invisible to SearchTools, got %v", matches)
	}
}

func TestHashEncoderDeterministic(t *testing.T) {
	ctx := context.Background()
	enc := NewHashEncoder(32)
	a, err := enc.Encode(ctx, "hello world")
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	b, err := enc.Encode(ctx, "hello world")
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(a) != len(b) {
		t.Fatalf("length mismatch")
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("expected deterministic embedding, differed at index %d", i)
		}
	}
}
