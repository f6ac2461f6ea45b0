package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// ServeStdio reads line-delimited JSON-RPC requests from r and writes
// line-delimited JSON-RPC responses to w until r is exhausted or ctx is
// canceled, one request at a time. A line that fails to decode as a
// Request gets a ParseError response rather than aborting the loop, so
// one malformed line never kills the session.
func ServeStdio(ctx context.Context, srv *Server, r io.Reader, w io.Writer) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	enc := json.NewEncoder(w)

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			if encErr := enc.Encode(errorResponse(nil, NewError(ParseError, fmt.Sprintf("invalid json-rpc request: %v", err)))); encErr != nil {
				return encErr
			}
			continue
		}

		resp := srv.Handle(ctx, req)
		if err := enc.Encode(resp); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}
