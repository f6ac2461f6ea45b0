package main

import (
	"context"
	"encoding/json"
	"time"

	"hypermcp/gateway/internal/graph"
	"hypermcp/gateway/internal/idempotency"
	"hypermcp/gateway/internal/learning"
	gwmcp "hypermcp/gateway/internal/mcp"
	"hypermcp/gateway/internal/pathfinder"
	"hypermcp/gateway/internal/sandbox"
	"hypermcp/gateway/internal/scheduler"
	"hypermcp/gateway/internal/scoring"
)

// idempotencyTTL bounds how long a cached execute_dag/execute_code result
// survives, so a key a caller forgets to vary eventually falls out of the
// cache rather than pinning memory forever.
const idempotencyTTL = 24 * time.Hour

// toolset bundles the collaborators the eight MCP tools dispatch to. A
// single struct rather than eight separate closures over package-level
// state, so main can build it once and hand it to registerTools.
type toolset struct {
	scheduler   *scheduler.Scheduler
	scoring     *scoring.Engine
	graph       *graph.Store
	sandbox     sandbox.Runner
	coordinator *learning.Coordinator
	idempotency idempotency.Store
}

// registerTools binds the eight MCP tools named in the external
// interfaces contract to concrete handlers.
func registerTools(server *gwmcp.Server, ts toolset) {
	server.RegisterTool("discover", ts.discover)
	server.RegisterTool("execute_dag", ts.executeDAG)
	server.RegisterTool("continue", ts.continueWorkflow)
	server.RegisterTool("abort", ts.abort)
	server.RegisterTool("replan", ts.replan)
	server.RegisterTool("approval_response", ts.approvalResponse)
	server.RegisterTool("execute_code", ts.executeCode)
	server.RegisterTool("search_capabilities", ts.searchCapabilities)
}

// discoverFilter narrows discover's candidates by node type and a minimum
// score, per the discover row's optional filter:{type,minScore} input.
type discoverFilter struct {
	Type     string  `json:"type"`
	MinScore float64 `json:"minScore"`
}

type discoverParams struct {
	Intent         string          `json:"intent"`
	Limit          int             `json:"limit"`
	Filter         *discoverFilter `json:"filter"`
	IncludeRelated bool            `json:"include_related"`
}

// discoverResult is one ranked discover() entry: the candidate's own node
// fields, plus (when requested) the ids of nodes it connects to.
type discoverResult struct {
	Type        string   `json:"type"`
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Score       float64  `json:"score"`
	Related     []string `json:"related,omitempty"`
}

func (ts toolset) discover(ctx context.Context, raw json.RawMessage) (any, error) {
	var p discoverParams
	if err := gwmcp.DecodeParams(raw, &p); err != nil {
		return nil, err
	}
	if p.Limit <= 0 {
		p.Limit = 10
	}
	candidates, err := ts.scoring.ActiveSearch(ctx, p.Intent, p.Limit)
	if err != nil {
		return nil, err
	}

	results := make([]discoverResult, 0, len(candidates))
	for _, c := range candidates {
		if p.Filter != nil {
			if p.Filter.Type != "" && string(c.Kind) != p.Filter.Type {
				continue
			}
			if c.Score < p.Filter.MinScore {
				continue
			}
		}
		node, _ := ts.graph.GetNode(c.ID)
		result := discoverResult{
			Type:        string(c.Kind),
			ID:          c.ID,
			Name:        node.Name,
			Description: node.Description,
			Score:       c.Score,
		}
		if p.IncludeRelated {
			result.Related = ts.relatedNodeIDs(c.ID)
		}
		results = append(results, result)
	}
	return map[string]any{"candidates": results}, nil
}

// relatedNodeIDs collects the ids id connects to via a provides or
// dependency edge, in either direction, for discover's include_related
// option. Capped at 5 so a densely-connected tool does not dwarf the
// response.
func (ts toolset) relatedNodeIDs(id string) []string {
	seen := map[string]struct{}{}
	var out []string
	add := func(ids []string) {
		for _, n := range ids {
			if n == id {
				continue
			}
			if _, ok := seen[n]; ok {
				continue
			}
			seen[n] = struct{}{}
			out = append(out, n)
		}
	}
	for _, kind := range []graph.EdgeKind{graph.EdgeProvides, graph.EdgeDependency} {
		add(ts.graph.Neighbors(id, kind))
		add(ts.graph.ReverseNeighbors(id, kind))
		if len(out) >= 5 {
			break
		}
	}
	if len(out) > 5 {
		out = out[:5]
	}
	return out
}

type executeDAGParams struct {
	WorkflowID         string   `json:"workflowId"`
	Intent             string   `json:"intent"`
	Limit              int      `json:"limit"`
	Critical           []string `json:"critical"`
	PerLayerValidation bool     `json:"perLayerValidation"`
	DeadlineSeconds    int64    `json:"deadlineSeconds"`
	IdempotencyKey     string   `json:"idempotencyKey"`
}

func (ts toolset) executeDAG(ctx context.Context, raw json.RawMessage) (any, error) {
	var p executeDAGParams
	if err := gwmcp.DecodeParams(raw, &p); err != nil {
		return nil, err
	}
	if p.WorkflowID == "" {
		return nil, gwmcp.NewError(gwmcp.InvalidParams, "workflowId is required")
	}
	if p.Limit <= 0 {
		p.Limit = 10
	}

	if cached, ok, err := ts.idempotentResult(ctx, p.IdempotencyKey); err != nil {
		return nil, err
	} else if ok {
		return cached, nil
	}

	candidates, err := ts.scoring.ActiveSearch(ctx, p.Intent, p.Limit)
	if err != nil {
		return nil, err
	}
	ranked := make([]pathfinder.RankedCandidate, 0, len(candidates))
	for _, c := range candidates {
		ranked = append(ranked, pathfinder.RankedCandidate{ID: c.ID, Score: c.Score})
	}

	dag := pathfinder.Build(ts.graph.Snapshot(), ranked, p.Limit)

	critical := make(map[string]bool, len(p.Critical))
	for _, id := range p.Critical {
		critical[id] = true
	}
	tasks := scheduler.TasksFromDAG(dag, critical, nil, nil)

	deadline := time.Time{}
	if p.DeadlineSeconds > 0 {
		deadline = time.Now().Add(time.Duration(p.DeadlineSeconds) * time.Second)
	}

	events, state, err := ts.scheduler.StartWorkflow(ctx, p.WorkflowID, tasks, p.PerLayerValidation, deadline)
	if err != nil {
		return nil, err
	}
	ts.observeIfTerminal(ctx, state)
	result := map[string]any{"events": wireEvents(events), "status": state.Status}
	ts.storeIdempotentResult(ctx, p.IdempotencyKey, result)
	return result, nil
}

// idempotentResult returns the previously cached result for key, if the
// caller supplied one and it has already been recorded. An empty key always
// misses, so idempotency is opt-in per call.
func (ts toolset) idempotentResult(ctx context.Context, key string) (any, bool, error) {
	if key == "" || ts.idempotency == nil {
		return nil, false, nil
	}
	rec, ok, err := ts.idempotency.Get(ctx, key)
	if err != nil || !ok {
		return nil, false, err
	}
	return rec.Result, true, nil
}

// storeIdempotentResult caches result under key for later idempotent
// replays. A storage failure is not fatal to the call that just succeeded;
// it only means a future replay under the same key will re-run instead of
// hitting the cache.
func (ts toolset) storeIdempotentResult(ctx context.Context, key string, result any) {
	if key == "" || ts.idempotency == nil {
		return
	}
	_ = ts.idempotency.Put(ctx, key, idempotency.Record{Result: result, StoredAt: time.Now()}, idempotencyTTL)
}

// observeIfTerminal reports a finished workflow's outcome to the learning
// coordinator. Workflows still awaiting a command (paused for approval or
// between layers) are left for a later continue/abort/replan call to
// eventually settle and observe.
func (ts toolset) observeIfTerminal(ctx context.Context, state *scheduler.WorkflowState) {
	if state == nil || (state.Status != scheduler.StatusComplete && state.Status != scheduler.StatusAborted) {
		return
	}

	path := make([]string, 0, len(state.Results))
	tasks := make([]learning.CompletedTask, 0, len(state.Results))
	for _, layer := range state.Layers {
		for _, taskID := range layer {
			record, ok := state.Results[taskID]
			if !ok {
				continue
			}
			path = append(path, taskID)
			tasks = append(tasks, learning.CompletedTask{
				TaskID:     taskID,
				Success:    record.Success,
				Confidence: record.Confidence,
				Duration:   record.FinishedAt.Sub(record.StartedAt),
			})
		}
	}

	ts.coordinator.Observe(ctx, learning.WorkflowOutcome{
		WorkflowID:   state.WorkflowID,
		ExecutedPath: path,
		Tasks:        tasks,
		Success:      state.Status == scheduler.StatusComplete,
	})
}

type workflowIDParams struct {
	WorkflowID string `json:"workflowId"`
}

func (ts toolset) continueWorkflow(ctx context.Context, raw json.RawMessage) (any, error) {
	var p workflowIDParams
	if err := gwmcp.DecodeParams(raw, &p); err != nil {
		return nil, err
	}
	if err := ts.scheduler.Enqueue(p.WorkflowID, scheduler.Command{Kind: scheduler.CommandContinue}); err != nil {
		return nil, err
	}
	return ts.resumeAndObserve(ctx, p.WorkflowID)
}

// resumeAndObserve re-enters a paused workflow's run loop and reports its
// outcome to the learning coordinator once it reaches a terminal status.
func (ts toolset) resumeAndObserve(ctx context.Context, workflowID string) (any, error) {
	events, state, err := ts.scheduler.Resume(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	ts.observeIfTerminal(ctx, state)
	return map[string]any{"events": wireEvents(events), "status": state.Status}, nil
}

type abortParams struct {
	WorkflowID string `json:"workflowId"`
	Reason     string `json:"reason"`
}

func (ts toolset) abort(ctx context.Context, raw json.RawMessage) (any, error) {
	var p abortParams
	if err := gwmcp.DecodeParams(raw, &p); err != nil {
		return nil, err
	}
	if err := ts.scheduler.Enqueue(p.WorkflowID, scheduler.Command{Kind: scheduler.CommandAbort, Reason: p.Reason}); err != nil {
		return nil, err
	}
	return ts.resumeAndObserve(ctx, p.WorkflowID)
}

type replanParams struct {
	WorkflowID       string   `json:"workflowId"`
	NewRequirement   string   `json:"newRequirement"`
	AvailableContext []string `json:"availableContext"`
}

func (ts toolset) replan(ctx context.Context, raw json.RawMessage) (any, error) {
	var p replanParams
	if err := gwmcp.DecodeParams(raw, &p); err != nil {
		return nil, err
	}
	cmd := scheduler.Command{
		Kind:             scheduler.CommandReplanDAG,
		NewRequirement:   p.NewRequirement,
		AvailableContext: p.AvailableContext,
	}
	if err := ts.scheduler.Enqueue(p.WorkflowID, cmd); err != nil {
		return nil, err
	}
	return ts.resumeAndObserve(ctx, p.WorkflowID)
}

type approvalResponseParams struct {
	WorkflowID   string `json:"workflowId"`
	CheckpointID string `json:"checkpointId"`
	Approved     bool   `json:"approved"`
	Feedback     string `json:"feedback"`
}

func (ts toolset) approvalResponse(ctx context.Context, raw json.RawMessage) (any, error) {
	var p approvalResponseParams
	if err := gwmcp.DecodeParams(raw, &p); err != nil {
		return nil, err
	}
	cmd := scheduler.Command{
		Kind:         scheduler.CommandApprovalResponse,
		CheckpointID: p.CheckpointID,
		Approved:     p.Approved,
		Feedback:     p.Feedback,
	}
	if err := ts.scheduler.Enqueue(p.WorkflowID, cmd); err != nil {
		return nil, err
	}
	return ts.resumeAndObserve(ctx, p.WorkflowID)
}

type executeCodeParams struct {
	ToolDefinitions []sandbox.ToolDefinition `json:"toolDefinitions"`
	Code            string                   `json:"code"`
	Context         map[string]any           `json:"context"`
	DryRun          bool                     `json:"dryRun"`
	IdempotencyKey  string                   `json:"idempotencyKey"`
}

func (ts toolset) executeCode(ctx context.Context, raw json.RawMessage) (any, error) {
	var p executeCodeParams
	if err := gwmcp.DecodeParams(raw, &p); err != nil {
		return nil, err
	}

	if cached, ok, err := ts.idempotentResult(ctx, p.IdempotencyKey); err != nil {
		return nil, err
	} else if ok {
		return cached, nil
	}

	resp, err := ts.sandbox.Run(ctx, sandbox.Request{
		ToolDefinitions: p.ToolDefinitions,
		Code:            p.Code,
		Context:         p.Context,
		DryRun:          p.DryRun,
	})
	if err != nil {
		return nil, err
	}
	ts.storeIdempotentResult(ctx, p.IdempotencyKey, resp)
	return resp, nil
}

type searchCapabilitiesParams struct {
	Query string `json:"query"`
	Limit int    `json:"limit"`
}

func (ts toolset) searchCapabilities(ctx context.Context, raw json.RawMessage) (any, error) {
	var p searchCapabilitiesParams
	if err := gwmcp.DecodeParams(raw, &p); err != nil {
		return nil, err
	}
	if p.Limit <= 0 {
		p.Limit = 10
	}
	candidates, err := ts.scoring.ActiveSearch(ctx, p.Query, p.Limit)
	if err != nil {
		return nil, err
	}
	capabilities := make([]scoring.Candidate, 0, len(candidates))
	for _, c := range candidates {
		if c.Kind == graph.NodeCapability {
			capabilities = append(capabilities, c)
		}
	}
	return map[string]any{"capabilities": capabilities}, nil
}

func wireEvents(events []scheduler.ExecutionEvent) []gwmcp.Event {
	out := make([]gwmcp.Event, 0, len(events))
	for _, ev := range events {
		out = append(out, gwmcp.FromExecutionEvent(ev))
	}
	return out
}
