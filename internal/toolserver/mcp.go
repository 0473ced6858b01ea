package toolserver

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kestrel-labs/agentcore/pkg/message"
)

// mcpClient backs both MCP wire variants (SSE and StreamableHTTP): the two
// only differ in how the underlying mcp-go transport is constructed, not in
// how the loop drives ListTools/CallTool against it.
type mcpClient struct {
	protocol Protocol
	inner    *client.Client

	toolsOnce sync.Once
	tools     []message.ToolSchema
	toolsErr  error
	schemaOf  map[string]json.RawMessage
}

func newStreamableHTTPClient(ctx context.Context, url string) (Client, error) {
	inner, err := client.NewStreamableHttpClient(url)
	if err != nil {
		return nil, fmt.Errorf("toolserver: streamable-http client: %w", err)
	}
	return initMCPClient(ctx, ProtocolStreamableHTTP, inner)
}

func newSSEClient(ctx context.Context, url string) (Client, error) {
	inner, err := client.NewSSEMCPClient(url)
	if err != nil {
		return nil, fmt.Errorf("toolserver: sse client: %w", err)
	}
	return initMCPClient(ctx, ProtocolSSE, inner)
}

func initMCPClient(ctx context.Context, protocol Protocol, inner *client.Client) (Client, error) {
	// The transport outlives this call: clients are process-lifetime
	// singletons, and the SSE transport ties its read loop to the context
	// passed to Start. Detach from the probe's short-lived context so the
	// probe's deferred cancel doesn't kill the stream; only the handshake
	// itself is deadline-bounded.
	if err := inner.Start(context.WithoutCancel(ctx)); err != nil {
		return nil, fmt.Errorf("toolserver: start transport: %w", err)
	}

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{Name: "agentcore", Version: "1.0.0"}
	initReq.Params.Capabilities = mcp.ClientCapabilities{}

	if _, err := inner.Initialize(connectCtx, initReq); err != nil {
		inner.Close()
		return nil, fmt.Errorf("toolserver: initialize: %w", err)
	}

	return &mcpClient{protocol: protocol, inner: inner, schemaOf: map[string]json.RawMessage{}}, nil
}

func (c *mcpClient) Protocol() Protocol { return c.protocol }

func (c *mcpClient) ListTools(ctx context.Context) ([]message.ToolSchema, error) {
	c.toolsOnce.Do(func() {
		ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
		defer cancel()

		result, err := c.inner.ListTools(ctx, mcp.ListToolsRequest{})
		if err != nil {
			c.toolsErr = err
			return
		}
		schemas := make([]message.ToolSchema, 0, len(result.Tools))
		for _, t := range result.Tools {
			paramsJSON, marshalErr := json.Marshal(t.InputSchema)
			if marshalErr != nil {
				paramsJSON = []byte(`{}`)
			}
			schemas = append(schemas, message.ToolSchema{
				Name:                 t.Name,
				Description:          t.Description,
				ParametersJSONSchema: paramsJSON,
			})
			c.schemaOf[t.Name] = paramsJSON
		}
		c.tools = schemas
	})
	return c.tools, c.toolsErr
}

func (c *mcpClient) CallTool(ctx context.Context, name string, argumentsJSON string) (string, error) {
	var args map[string]any
	if argumentsJSON != "" {
		if err := json.Unmarshal([]byte(argumentsJSON), &args); err != nil {
			return "", &ToolInvocationError{ToolName: name, Cause: err}
		}
	}
	if schema, ok := c.schemaOf[name]; ok {
		if err := validateArguments(name, schema, argumentsJSON); err != nil {
			return "", err
		}
	}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args

	result, err := c.inner.CallTool(ctx, req)
	if err != nil {
		return "", &ToolInvocationError{ToolName: name, Cause: err}
	}
	if result.IsError {
		return "", &ToolInvocationError{ToolName: name, Cause: fmt.Errorf("%s", contentToText(result.Content))}
	}
	return contentToText(result.Content), nil
}

func (c *mcpClient) Close() error {
	return c.inner.Close()
}

func contentToText(content []mcp.Content) string {
	var out string
	for _, item := range content {
		if tc, ok := item.(mcp.TextContent); ok {
			out += tc.Text
		}
	}
	return out
}
