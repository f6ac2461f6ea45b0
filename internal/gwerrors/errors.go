// Package gwerrors provides the structured error taxonomy surfaced at the
// gateway's MCP boundary. GatewayError preserves error chains and supports
// errors.Is/As while remaining serializable into the JSON-RPC `data` field.
package gwerrors

import (
	"errors"
	"fmt"
)

// Kind enumerates the closed set of domain error kinds the gateway surfaces
// to callers, per the error handling design.
type Kind string

const (
	// InvalidParams indicates a missing or ill-typed field at the MCP boundary.
	InvalidParams Kind = "invalid_params"
	// CycleRejected indicates an edge insertion would create a cycle on a
	// DAG-strict edge kind (contains or dependency).
	CycleRejected Kind = "cycle_rejected"
	// ToolNotFound indicates the server id is unknown or the tool is absent
	// from the index.
	ToolNotFound Kind = "tool_not_found"
	// Timeout indicates a task exceeded its deadline.
	Timeout Kind = "timeout"
	// DownstreamError indicates a downstream MCP server returned an error.
	DownstreamError Kind = "downstream_error"
	// WorkflowNotFound indicates an unknown or expired workflow id.
	WorkflowNotFound Kind = "workflow_not_found"
	// ApprovalTimeout indicates a human-in-the-loop deadline elapsed.
	ApprovalTimeout Kind = "approval_timeout"
	// LearningFailure indicates a graph, capability, or threshold write
	// failed. Never surfaced to the caller; logged and swallowed.
	LearningFailure Kind = "learning_failure"
	// SandboxError indicates the code execution sandbox crashed or violated
	// policy.
	SandboxError Kind = "sandbox_error"
)

// GatewayError is a structured domain failure that preserves message and
// causal context while implementing the standard error interface. Errors may
// be nested via Cause to retain diagnostics across retries and replans.
type GatewayError struct {
	// Kind classifies the failure for boundary-level handling and wire codes.
	Kind Kind
	// Message is the human-readable summary of the failure.
	Message string
	// Suggestion is an optional hint for the caller, e.g. naming an
	// alternative edge kind after a CycleRejected.
	Suggestion string
	// Field names the specific request field this error is about, when
	// applicable (e.g. "workflowId", "toolDefinitions[2].payloadSchema").
	// Empty when the error is not attributable to one field.
	Field string
	// Cause links to the underlying error, enabling chains with errors.Is/As.
	Cause error
}

// New constructs a GatewayError of the given kind with the provided message.
func New(kind Kind, message string) *GatewayError {
	return &GatewayError{Kind: kind, Message: message}
}

// Newf formats according to a format specifier and returns a GatewayError.
func Newf(kind Kind, format string, args ...any) *GatewayError {
	return New(kind, fmt.Sprintf(format, args...))
}

// WithCause wraps an underlying error, preserving it for errors.Is/As.
func (e *GatewayError) WithCause(cause error) *GatewayError {
	e.Cause = cause
	return e
}

// WithSuggestion attaches a caller-facing hint to the error.
func (e *GatewayError) WithSuggestion(s string) *GatewayError {
	e.Suggestion = s
	return e
}

// WithField attaches the specific request field the error is about.
func (e *GatewayError) WithField(field string) *GatewayError {
	e.Field = field
	return e
}

// Error implements the error interface.
func (e *GatewayError) Error() string {
	if e == nil {
		return ""
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause to support errors.Is/As.
func (e *GatewayError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Is reports whether target is a GatewayError with the same Kind, so callers
// can write errors.Is(err, gwerrors.New(gwerrors.CycleRejected, "")).
func (e *GatewayError) Is(target error) bool {
	var t *GatewayError
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf extracts the Kind from err, returning ("", false) if err is not (or
// does not wrap) a *GatewayError.
func KindOf(err error) (Kind, bool) {
	var ge *GatewayError
	if errors.As(err, &ge) {
		return ge.Kind, true
	}
	return "", false
}

// JSONRPCCode maps a Kind to the closest-fitting JSON-RPC 2.0 error code.
// Domain kinds travel in the `data` field; this is only used when no more
// specific protocol code applies.
func (k Kind) JSONRPCCode() int {
	switch k {
	case InvalidParams:
		return -32602
	default:
		return -32603
	}
}
