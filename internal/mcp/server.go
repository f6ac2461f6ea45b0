package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"hypermcp/gateway/internal/gwerrors"
)

// errorData is the shape of a JSON-RPC Error.Data field when the handler
// failed with a *gwerrors.GatewayError, giving callers the structured kind,
// offending field, and remediation hint that a flattened message string
// would otherwise lose.
type errorData struct {
	Kind       gwerrors.Kind `json:"kind"`
	Field      string        `json:"field,omitempty"`
	Suggestion string        `json:"suggestion,omitempty"`
}

// ToolHandler executes one MCP tool call given its raw JSON params,
// returning a result to encode into the JSON-RPC response or an error.
// Handlers that need a specific JSON-RPC error code should return an
// *Error directly; a *gwerrors.GatewayError is mapped to its Kind's
// JSON-RPC code with Kind/Field/Suggestion in Data; any other error is
// reported as InternalError.
type ToolHandler func(ctx context.Context, params json.RawMessage) (any, error)

// Server dispatches JSON-RPC requests to registered tool handlers and
// owns the event Broadcaster used for the SSE stream. The eight tools
// named discover, execute_dag, continue, abort, replan,
// approval_response, execute_code, and search_capabilities are
// registered by the caller that wires this Server to the scheduler,
// replanner, learning coordinator, and capability search — this package
// only knows how to route a method name to a handler, not what the
// gateway's domain operations do.
type Server struct {
	tools  map[string]ToolHandler
	events Broadcaster
}

// NewServer builds a Server with no tools registered yet and its own
// event Broadcaster.
func NewServer(events Broadcaster) *Server {
	return &Server{tools: make(map[string]ToolHandler), events: events}
}

// RegisterTool binds name to handler. Registering the same name twice
// replaces the previous handler.
func (s *Server) RegisterTool(name string, handler ToolHandler) {
	s.tools[name] = handler
}

// Events returns the Server's Broadcaster, for publishing
// scheduler.ExecutionEvent projections and for clients to subscribe to
// them.
func (s *Server) Events() Broadcaster { return s.events }

// Handle passes the raw req.Params to the named method's registered tool,
// invokes it, and builds the JSON-RPC Response. A request naming an
// unregistered method yields MethodNotFound; a handler-reported *Error is
// passed through verbatim so handlers can signal InvalidParams or any
// other code precisely.
func (s *Server) Handle(ctx context.Context, req Request) Response {
	if req.JSONRPC != "2.0" {
		return errorResponse(req.ID, NewError(InvalidRequest, "jsonrpc must be \"2.0\""))
	}
	handler, ok := s.tools[req.Method]
	if !ok {
		return errorResponse(req.ID, NewError(MethodNotFound, fmt.Sprintf("unknown tool %q", req.Method)))
	}
	result, err := handler(ctx, req.Params)
	if err != nil {
		if rpcErr, ok := err.(*Error); ok {
			return errorResponse(req.ID, rpcErr)
		}
		var gwErr *gwerrors.GatewayError
		if errors.As(err, &gwErr) {
			rpcErr := NewError(gwErr.Kind.JSONRPCCode(), gwErr.Message)
			rpcErr.Data = errorData{Kind: gwErr.Kind, Field: gwErr.Field, Suggestion: gwErr.Suggestion}
			return errorResponse(req.ID, rpcErr)
		}
		return errorResponse(req.ID, NewError(InternalError, err.Error()))
	}
	return resultResponse(req.ID, result)
}

// DecodeParams unmarshals raw into out, wrapping a decode failure as an
// InvalidParams *Error, the shape every ToolHandler should return for
// malformed input per the JSON-RPC error code table.
func DecodeParams(raw json.RawMessage, out any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return NewError(InvalidParams, fmt.Sprintf("invalid params: %v", err))
	}
	return nil
}
