// Package toolserver implements a unified client over three tool-server
// wire variants (MCP-SSE, MCP-StreamableHTTP, plain HTTP/JSON), with
// protocol auto-detection cached per URL and a process-wide singleton
// registry so concurrent callers share one underlying transport.
package toolserver

import (
	"bytes"
	"context"
	"encoding/json"
	"io"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/kestrel-labs/agentcore/pkg/message"
)

func bytesReader(b []byte) io.Reader { return bytes.NewReader(b) }

// Protocol identifies which of the three wire variants a base URL speaks.
type Protocol string

const (
	ProtocolStreamableHTTP Protocol = "streamable-http"
	ProtocolSSE            Protocol = "sse"
	ProtocolPlainHTTP      Protocol = "plain-http"
	// ProtocolPlainHTTPFallback is a plain HTTP/JSON server detected only by
	// its root handler answering, not by a dedicated /tools endpoint (the
	// fourth, lowest-priority probe).
	ProtocolPlainHTTPFallback Protocol = "plain-http-fallback"
)

// Client is the unified surface the tool-calling loop drives. All
// three protocol variants implement it identically from the loop's point of
// view; the detection algorithm picks which concrete implementation backs a
// given base URL.
type Client interface {
	// Protocol reports which wire variant this client detected/uses.
	Protocol() Protocol

	// ListTools returns the tool-server's schema list. Results are cached
	// for the client's lifetime; callers never see a second round-trip.
	ListTools(ctx context.Context) ([]message.ToolSchema, error)

	// CallTool invokes one named tool with a JSON-object argument payload
	// and returns its raw string result. Never cached.
	CallTool(ctx context.Context, name string, argumentsJSON string) (string, error)

	// Close tears down the underlying transport. Called only at process
	// shutdown by the singleton registry, never mid-request.
	Close() error
}

// validateArguments compiles and checks argumentsJSON against a tool's
// declared parameters schema, so a malformed payload fails fast as a
// ToolInvocationError before it ever reaches the tool server.
func validateArguments(toolName string, schemaJSON json.RawMessage, argumentsJSON string) error {
	if len(schemaJSON) == 0 {
		return nil
	}

	compiler := jsonschema.NewCompiler()
	const resource = "tool-argument-schema.json"
	if err := compiler.AddResource(resource, bytesReader(schemaJSON)); err != nil {
		// A tool server that advertises a broken schema should not block
		// calls; skip validation rather than failing every invocation.
		return nil
	}
	compiled, err := compiler.Compile(resource)
	if err != nil {
		return nil
	}

	var args any
	if err := json.Unmarshal([]byte(argumentsJSON), &args); err != nil {
		return &ToolInvocationError{ToolName: toolName, Cause: err}
	}
	if err := compiled.Validate(args); err != nil {
		return &ToolInvocationError{ToolName: toolName, Cause: err}
	}
	return nil
}
