package toolserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Detect runs the protocol-detection probes against baseURL and
// returns a Client for whichever variant answers first, in priority order:
// MCP-StreamableHTTP, MCP-SSE, plain HTTP/JSON ("/tools"), plain HTTP/JSON
// handler-only ("/"). It is executed at most once per URL by the Registry.
func Detect(ctx context.Context, baseURL string) (Client, error) {
	baseURL = strings.TrimSuffix(baseURL, "/")
	var tried []string

	if c, err := probeStreamableHTTP(ctx, baseURL); err == nil {
		return c, nil
	}
	tried = append(tried, "streamable-http")

	if c, err := probeSSE(ctx, baseURL); err == nil {
		return c, nil
	}
	tried = append(tried, "sse")

	if c, err := probePlainHTTPTools(ctx, baseURL); err == nil {
		return c, nil
	}
	tried = append(tried, "plain-http:/tools")

	if c, err := probePlainHTTPRoot(ctx, baseURL); err == nil {
		return c, nil
	}
	tried = append(tried, "plain-http:/")

	return nil, &ProtocolUnknown{URL: baseURL, Tried: tried}
}

func probeStreamableHTTP(ctx context.Context, baseURL string) (Client, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	c, err := newStreamableHTTPClient(ctx, baseURL+"/mcp")
	if err != nil {
		return nil, err
	}
	return c, nil
}

func probeSSE(ctx context.Context, baseURL string) (Client, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/sse", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("toolserver: /sse probe status %d", resp.StatusCode)
	}

	return newSSEClient(ctx, baseURL+"/sse")
}

func probePlainHTTPTools(ctx context.Context, baseURL string) (Client, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/tools", nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("toolserver: /tools probe status %d", resp.StatusCode)
	}
	var body any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("toolserver: /tools probe non-JSON body: %w", err)
	}
	switch body.(type) {
	case []any, map[string]any:
	default:
		return nil, fmt.Errorf("toolserver: /tools probe body is not an array or object")
	}

	return newPlainHTTPClient(baseURL, ProtocolPlainHTTP), nil
}

func probePlainHTTPRoot(ctx context.Context, baseURL string) (Client, error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/", nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("toolserver: / probe status %d", resp.StatusCode)
	}

	return newPlainHTTPClient(baseURL, ProtocolPlainHTTPFallback), nil
}
