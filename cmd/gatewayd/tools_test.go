package main

import (
	"context"
	"encoding/json"
	"testing"

	"hypermcp/gateway/internal/graph"
	"hypermcp/gateway/internal/idempotency"
	"hypermcp/gateway/internal/sandbox"
	"hypermcp/gateway/internal/scoring"
	"hypermcp/gateway/internal/vectorindex"
)

type countingRunner struct {
	calls int
	resp  sandbox.Response
}

func (r *countingRunner) Run(_ context.Context, _ sandbox.Request) (sandbox.Response, error) {
	r.calls++
	return r.resp, nil
}

func TestExecuteCodeReplaysCachedResultForARepeatedIdempotencyKey(t *testing.T) {
	runner := &countingRunner{resp: sandbox.Response{Result: "first"}}
	ts := toolset{sandbox: runner, idempotency: idempotency.NewMemory()}

	params, _ := json.Marshal(executeCodeParams{Code: "1+1", IdempotencyKey: "same-key"})

	first, err := ts.executeCode(context.Background(), params)
	if err != nil {
		t.Fatalf("first call: %v", err)
	}
	second, err := ts.executeCode(context.Background(), params)
	if err != nil {
		t.Fatalf("second call: %v", err)
	}

	if runner.calls != 1 {
		t.Fatalf("expected the sandbox to run exactly once, ran %d times", runner.calls)
	}
	firstResp, ok := first.(sandbox.Response)
	if !ok {
		t.Fatalf("unexpected first result type: %#v", first)
	}
	secondResp, ok := second.(sandbox.Response)
	if !ok {
		t.Fatalf("unexpected second result type: %#v", second)
	}
	if firstResp.Result != secondResp.Result {
		t.Fatalf("expected the replayed result to match the original: %q vs %q", firstResp.Result, secondResp.Result)
	}
}

func TestExecuteCodeRunsAgainWithoutAnIdempotencyKey(t *testing.T) {
	runner := &countingRunner{resp: sandbox.Response{Result: "ok"}}
	ts := toolset{sandbox: runner, idempotency: idempotency.NewMemory()}

	params, _ := json.Marshal(executeCodeParams{Code: "1+1"})

	if _, err := ts.executeCode(context.Background(), params); err != nil {
		t.Fatalf("first call: %v", err)
	}
	if _, err := ts.executeCode(context.Background(), params); err != nil {
		t.Fatalf("second call: %v", err)
	}
	if runner.calls != 2 {
		t.Fatalf("expected the sandbox to run twice without a key, ran %d times", runner.calls)
	}
}

func newDiscoverToolset(t *testing.T) toolset {
	t.Helper()
	store := graph.NewStore()
	store.UpsertNode(graph.Node{ID: "fs:read_file", Kind: graph.NodeTool, Name: "read_file", Description: "reads a file from disk", SuccessRate: 0.95})
	store.UpsertNode(graph.Node{ID: "chat:post", Kind: graph.NodeTool, Name: "post", Description: "posts a chat message", SuccessRate: 0.95})
	store.UpsertNode(graph.Node{ID: "cap:notify", Kind: graph.NodeCapability, Name: "notify", Description: "reads a file then posts it to chat", SuccessRate: 0.95})
	if err := store.AddEdge("fs:read_file", "chat:post", graph.EdgeProvides, graph.SourceObserved); err != nil {
		t.Fatalf("seed edge: %v", err)
	}

	idx := vectorindex.New(vectorindex.NewHashEncoder(32))
	ctx := context.Background()
	if err := idx.Upsert(ctx, "tool", "fs:read_file", "read a file from disk"); err != nil {
		t.Fatalf("index fs:read_file: %v", err)
	}
	if err := idx.Upsert(ctx, "tool", "chat:post", "post a chat message"); err != nil {
		t.Fatalf("index chat:post: %v", err)
	}
	if err := idx.Upsert(ctx, "capability", "cap:notify", "reads a file then posts it to chat"); err != nil {
		t.Fatalf("index cap:notify: %v", err)
	}

	analytics := graph.NewAnalyticsCache(store, 0.1)
	eng := scoring.New(store, analytics, idx, nil)
	return toolset{scoring: eng, graph: store}
}

func TestDiscoverAppliesTypeFilter(t *testing.T) {
	ts := newDiscoverToolset(t)

	params, _ := json.Marshal(discoverParams{Intent: "read a file from disk", Limit: 10, Filter: &discoverFilter{Type: "tool"}})
	resp, err := ts.discover(context.Background(), params)
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	results := resp.(map[string]any)["candidates"].([]discoverResult)
	if len(results) == 0 {
		t.Fatal("expected at least one tool result")
	}
	for _, r := range results {
		if r.Type != "tool" {
			t.Fatalf("expected every result to match the type filter, got %v", r)
		}
	}
}

func TestDiscoverAppliesMinScoreFilter(t *testing.T) {
	ts := newDiscoverToolset(t)

	// Every Active Search score is capped at 0.95, so a minScore above that
	// deterministically excludes everything regardless of embedding details.
	params, _ := json.Marshal(discoverParams{Intent: "read a file from disk", Limit: 10, Filter: &discoverFilter{MinScore: 0.96}})
	resp, err := ts.discover(context.Background(), params)
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	results := resp.(map[string]any)["candidates"].([]discoverResult)
	if len(results) != 0 {
		t.Fatalf("expected no results above the score cap, got %v", results)
	}
}

func TestDiscoverIncludesRelatedNodesWhenRequested(t *testing.T) {
	ts := newDiscoverToolset(t)

	params, _ := json.Marshal(discoverParams{Intent: "read a file from disk", Limit: 10, IncludeRelated: true})
	resp, err := ts.discover(context.Background(), params)
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	results := resp.(map[string]any)["candidates"].([]discoverResult)
	var found bool
	for _, r := range results {
		if r.ID == "fs:read_file" {
			found = true
			if len(r.Related) != 1 || r.Related[0] != "chat:post" {
				t.Fatalf("expected fs:read_file to list chat:post as related, got %v", r.Related)
			}
		}
	}
	if !found {
		t.Fatal("expected fs:read_file among the discover results")
	}
}

func TestDiscoverOmitsRelatedWhenNotRequested(t *testing.T) {
	ts := newDiscoverToolset(t)

	params, _ := json.Marshal(discoverParams{Intent: "read a file from disk", Limit: 10})
	resp, err := ts.discover(context.Background(), params)
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	results := resp.(map[string]any)["candidates"].([]discoverResult)
	for _, r := range results {
		if r.Related != nil {
			t.Fatalf("expected no related ids without include_related, got %v", r.Related)
		}
	}
}
