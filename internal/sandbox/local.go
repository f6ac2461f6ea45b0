package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
)

// plannedCall is the shape LocalRunner expects Request.Code to decode to:
// a flat, ordered list of tool invocations. LocalRunner exists for tests
// and for deployments with no external sandbox process configured; it
// does not evaluate arbitrary code, only replays a declared call plan
// through the same Resolver a real sandboxed process's RPC bridge would
// use.
type plannedCall struct {
	ToolID string         `json:"toolId"`
	Args   map[string]any `json:"args"`
}

// LocalRunner executes a Request's declared call plan in-process, used
// when no remote sandbox Client is configured and in tests that want to
// exercise Resolver without a nexus transport.
type LocalRunner struct {
	invoker ToolInvoker
	mocks   MockProvider
}

// NewLocalRunner builds a LocalRunner dispatching callbacks through
// invoker (or mocks, for dry runs) via a Resolver.
func NewLocalRunner(invoker ToolInvoker, mocks MockProvider) *LocalRunner {
	return &LocalRunner{invoker: invoker, mocks: mocks}
}

var _ Runner = (*LocalRunner)(nil)

// Run decodes req.Code as an ordered list of planned tool calls and
// resolves each one through a Resolver bound to req's tool definitions
// and dry-run flag.
func (l *LocalRunner) Run(ctx context.Context, req Request) (Response, error) {
	var plan []plannedCall
	if req.Code != "" {
		if err := json.Unmarshal([]byte(req.Code), &plan); err != nil {
			return Response{Error: fmt.Sprintf("decode call plan: %v", err)}, nil
		}
	}

	resolver := NewResolver(req, l.invoker, l.mocks, 0)
	resp := Response{
		ToolsCalled: make([]ToolCall, 0, len(plan)),
		Traces:      make([]string, 0, len(plan)),
	}

	for i, step := range plan {
		call := resolver.Resolve(ctx, Callback{
			CallID: fmt.Sprintf("call-%d", i),
			ToolID: step.ToolID,
			Args:   step.Args,
		})
		resp.ToolsCalled = append(resp.ToolsCalled, call)
		if call.Err != "" {
			resp.Traces = append(resp.Traces, fmt.Sprintf("call %d (%s) failed: %s", i, step.ToolID, call.Err))
			resp.Error = call.Err
			return resp, nil
		}
		resp.Traces = append(resp.Traces, fmt.Sprintf("call %d (%s) succeeded", i, step.ToolID))
		resp.Result = call.Result
	}
	return resp, nil
}
