// Package sandbox implements the code-execution sandbox collaborator
// contract (§6): the core treats the sandbox as an opaque process reached
// only through {toolDefinitions, code, context} in, {result, toolsCalled,
// traces, error} out, with the sandbox calling back through an RPC bridge
// of {callId, toolId, args} for every downstream tool invocation it makes.
package sandbox

import (
	"context"
	"sync"
	"time"
)

// ToolDefinition is one tool the sandboxed code is allowed to call,
// injected as a proxy function in its execution environment.
type ToolDefinition struct {
	ID            string
	Name          string
	Description   string
	PayloadSchema []byte
}

// Request is what the core sends the sandbox to run one piece of user
// code.
type Request struct {
	ToolDefinitions []ToolDefinition
	Code            string
	Context         map[string]any
	// DryRun routes every callback through the MockProvider instead of a
	// live ToolInvoker, per §6's dry_run mock/cache support.
	DryRun bool
}

// ToolCall records one callback the sandbox made during execution.
type ToolCall struct {
	CallID string
	ToolID string
	Args   map[string]any
	Result any
	Err    string
}

// Response is the sandbox's reported outcome.
type Response struct {
	Result      any
	ToolsCalled []ToolCall
	Traces      []string
	Error       string
}

// ToolInvoker dispatches one sandbox callback to the real downstream tool.
// Narrow on purpose: the sandbox package only needs this one method from
// whatever the gateway uses to reach downstream MCP servers.
type ToolInvoker interface {
	Invoke(ctx context.Context, toolID string, args map[string]any) (any, error)
}

// MockProvider supplies a schema-derived mock or cached result for a
// dry-run callback, in place of a live ToolInvoker call.
type MockProvider interface {
	Mock(ctx context.Context, def ToolDefinition, args map[string]any) (result any, ok bool)
}

// Runner is the subset of a sandbox implementation the gateway needs:
// execute one Request and return its Response. Client (nexus-backed),
// LocalRunner, and any in-process test double all satisfy this.
type Runner interface {
	Run(ctx context.Context, req Request) (Response, error)
}

// Callback is one inbound {callId, toolId, args} message from a running
// sandbox, resolved against either a live ToolInvoker or, for a dry run, a
// MockProvider.
type Callback struct {
	CallID string
	ToolID string
	Args   map[string]any
}

// Resolver answers a sandbox's callbacks for one in-flight Request,
// binding its ToolDefinitions, DryRun flag, and the shared
// ToolInvoker/MockProvider.
type Resolver struct {
	defs     map[string]ToolDefinition
	dryRun   bool
	invoker  ToolInvoker
	mocks    MockProvider
	deadline time.Duration

	schemaMu sync.Mutex
	schemas  map[string]schemaEntry
}

// NewResolver builds a Resolver for one Request, indexing its tool
// definitions by id for O(1) callback lookup.
func NewResolver(req Request, invoker ToolInvoker, mocks MockProvider, callTimeout time.Duration) *Resolver {
	defs := make(map[string]ToolDefinition, len(req.ToolDefinitions))
	for _, d := range req.ToolDefinitions {
		defs[d.ID] = d
	}
	return &Resolver{
		defs:     defs,
		dryRun:   req.DryRun,
		invoker:  invoker,
		mocks:    mocks,
		deadline: callTimeout,
		schemas:  make(map[string]schemaEntry),
	}
}

// Resolve answers one Callback, returning the ToolCall record to append to
// the Response's ToolsCalled.
func (r *Resolver) Resolve(ctx context.Context, cb Callback) ToolCall {
	call := ToolCall{CallID: cb.CallID, ToolID: cb.ToolID, Args: cb.Args}

	def, known := r.defs[cb.ToolID]
	if !known {
		call.Err = "tool not declared in this request's toolDefinitions"
		return call
	}

	if err := r.validate(def, cb.Args); err != nil {
		call.Err = "payload schema validation: " + err.Error()
		return call
	}

	if r.deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.deadline)
		defer cancel()
	}

	if r.dryRun {
		if r.mocks == nil {
			call.Err = "dry_run requested but no mock provider configured"
			return call
		}
		if result, ok := r.mocks.Mock(ctx, def, cb.Args); ok {
			call.Result = result
			return call
		}
		call.Err = "no mock or cached result available for this dry run"
		return call
	}

	if r.invoker == nil {
		call.Err = "no tool invoker configured"
		return call
	}
	result, err := r.invoker.Invoke(ctx, cb.ToolID, cb.Args)
	if err != nil {
		call.Err = err.Error()
		return call
	}
	call.Result = result
	return call
}
