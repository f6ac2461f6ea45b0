package sandbox

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/nexus-rpc/sdk-go/nexus"
)

// executeOperation names the single nexus operation this package exposes:
// submit a Request, get back a Response. Modeled as a nexus operation
// rather than a plain HTTP handler because code execution can run long
// enough that the start/poll/result lifecycle nexus gives us for free is
// worth it, where a bare round trip would need its own timeout and retry
// plumbing.
var executeOperation = nexus.NewOperationReference[Request, Response]("execute_code")

// Handler adapts a local Runner (an in-process sandbox, or anything else
// satisfying Runner) into the nexus operation the Server exposes over
// HTTP.
type Handler struct {
	runner Runner
}

// NewHandler wraps runner as the implementation behind the execute_code
// nexus operation.
func NewHandler(runner Runner) *Handler {
	return &Handler{runner: runner}
}

func (h *Handler) operation() nexus.Operation[Request, Response] {
	return nexus.NewSyncOperation(executeOperation.Name(), func(ctx context.Context, req Request, opts nexus.StartOperationOptions) (Response, error) {
		return h.runner.Run(ctx, req)
	})
}

// Server hosts the execute_code operation over HTTP, for a sandbox that
// runs as a separate process from the core scheduler.
type Server struct {
	mux *http.ServeMux
}

// NewServer builds the HTTP handler for runner's execute_code operation.
func NewServer(runner Runner) (*Server, error) {
	service := nexus.NewService("sandbox")
	if err := service.Register(NewHandler(runner).operation()); err != nil {
		return nil, fmt.Errorf("register execute_code operation: %w", err)
	}

	httpHandler, err := nexus.NewHTTPHandler(nexus.HandlerOptions{
		GetResultTimeout: 5 * time.Minute,
	})
	if err != nil {
		return nil, fmt.Errorf("build nexus http handler: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/", httpHandler)
	return &Server{mux: mux}, nil
}

// ServeHTTP lets Server plug directly into an http.Server.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Client reaches a remote sandbox's execute_code operation, implementing
// Runner so callers never need to know whether the sandbox is in-process
// or over the wire.
type Client struct {
	client *nexus.HTTPClient
}

// NewClient builds a Client against a sandbox Server listening at baseURL.
func NewClient(baseURL string) (*Client, error) {
	c, err := nexus.NewHTTPClient(nexus.HTTPClientOptions{
		BaseURL: baseURL,
		Service: "sandbox",
	})
	if err != nil {
		return nil, fmt.Errorf("build nexus http client: %w", err)
	}
	return &Client{client: c}, nil
}

// Run satisfies Runner by executing req on the remote sandbox and waiting
// for its result.
func (c *Client) Run(ctx context.Context, req Request) (Response, error) {
	resp, err := nexus.ExecuteOperation(ctx, c.client, executeOperation, req, nexus.ExecuteOperationOptions{})
	if err != nil {
		return Response{}, fmt.Errorf("execute_code: %w", err)
	}
	return resp, nil
}
