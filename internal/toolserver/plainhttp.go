package toolserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/kestrel-labs/agentcore/pkg/message"
)

// plainHTTPClient implements the "Plain HTTP/JSON" tool-server variant:
// GET <base>/tools returns a JSON array of schemas, POST <base>/call with
// {tool_name, arguments} returns {result}.
type plainHTTPClient struct {
	baseURL    string
	protocol   Protocol
	httpClient *http.Client

	toolsOnce sync.Once
	tools     []message.ToolSchema
	toolsErr  error
	schemaOf  map[string]json.RawMessage
}

func newPlainHTTPClient(baseURL string, protocol Protocol) Client {
	return &plainHTTPClient{baseURL: baseURL, protocol: protocol, httpClient: http.DefaultClient, schemaOf: map[string]json.RawMessage{}}
}

func (c *plainHTTPClient) Protocol() Protocol { return c.protocol }

type plainToolSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

func (c *plainHTTPClient) ListTools(ctx context.Context) ([]message.ToolSchema, error) {
	c.toolsOnce.Do(func() {
		ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
		defer cancel()

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/tools", nil)
		if err != nil {
			c.toolsErr = err
			return
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			c.toolsErr = err
			return
		}
		defer resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			c.toolsErr = fmt.Errorf("toolserver: /tools status %d", resp.StatusCode)
			return
		}

		var raw []plainToolSchema
		if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
			c.toolsErr = fmt.Errorf("toolserver: decode /tools: %w", err)
			return
		}
		schemas := make([]message.ToolSchema, 0, len(raw))
		for _, t := range raw {
			schemas = append(schemas, message.ToolSchema{
				Name:                 t.Name,
				Description:          t.Description,
				ParametersJSONSchema: t.Parameters,
			})
			c.schemaOf[t.Name] = t.Parameters
		}
		c.tools = schemas
	})
	return c.tools, c.toolsErr
}

type plainCallRequest struct {
	ToolName  string          `json:"tool_name"`
	Arguments json.RawMessage `json:"arguments"`
}

type plainCallResponse struct {
	Result any `json:"result"`
}

func (c *plainHTTPClient) CallTool(ctx context.Context, name string, argumentsJSON string) (string, error) {
	if argumentsJSON == "" {
		argumentsJSON = "{}"
	}
	if schema, ok := c.schemaOf[name]; ok {
		if err := validateArguments(name, schema, argumentsJSON); err != nil {
			return "", err
		}
	}

	body, err := json.Marshal(plainCallRequest{ToolName: name, Arguments: json.RawMessage(argumentsJSON)})
	if err != nil {
		return "", &ToolInvocationError{ToolName: name, Cause: err}
	}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/call", bytes.NewReader(body))
	if err != nil {
		return "", &ToolInvocationError{ToolName: name, Cause: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", &ToolInvocationError{ToolName: name, Cause: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &ToolInvocationError{ToolName: name, Cause: fmt.Errorf("status %d", resp.StatusCode)}
	}

	var out plainCallResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", &ToolInvocationError{ToolName: name, Cause: fmt.Errorf("decode /call response: %w", err)}
	}
	return stringifyResult(out.Result), nil
}

func stringifyResult(result any) string {
	switch v := result.(type) {
	case string:
		return v
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}

func (c *plainHTTPClient) Close() error { return nil }
