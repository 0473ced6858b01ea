// Package apiserver exposes the core's inbound HTTP surface: the chat
// endpoint, the model-discovery endpoint, and the tool-server probe
// endpoint.
package apiserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kestrel-labs/agentcore/internal/config"
	"github.com/kestrel-labs/agentcore/internal/metrics"
	"github.com/kestrel-labs/agentcore/internal/orchestrator"
	"github.com/kestrel-labs/agentcore/internal/stream"
	"github.com/kestrel-labs/agentcore/internal/telemetry"
	"github.com/kestrel-labs/agentcore/internal/toolserver"
	"github.com/kestrel-labs/agentcore/pkg/message"
)

// Server wires the tool-calling loop, the provider registry, and the
// tool-server registry behind the three inbound HTTP handlers.
type Server struct {
	Loop      *orchestrator.Loop
	Providers *config.ProviderRegistry
	Tools     *toolserver.Registry
	Logger    *telemetry.Logger
	Metrics   *metrics.Metrics

	httpServer *http.Server
}

// Mount builds the ServeMux the caller passes to http.Server.
func (s *Server) Mount() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/chat", s.handleChat)
	mux.HandleFunc("/model-list", s.handleModelList)
	mux.HandleFunc("/mcp-test", s.handleMCPTest)
	return mux
}

// ListenAndServe starts the HTTP server on addr and blocks until ctx is
// canceled, then shuts down gracefully within 10 seconds.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Mount(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("apiserver: listen: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpServer.Serve(listener)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

type chatRequest struct {
	SelectedModel string            `json:"selectedModel"`
	Messages      []message.Message `json:"messages"`
	// Options is decoded on top of DefaultGenerationConfig so an absent
	// field keeps its default while an explicit false/0 sticks (stream and
	// max_tool_calls both have meaningful zero values).
	Options json.RawMessage `json:"options,omitempty"`
}

type chatResponse struct {
	Content  string                `json:"content"`
	Usage    message.TokenUsage    `json:"usage"`
	Duration message.DurationUsage `json:"duration"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	ctx := telemetry.WithRequestID(r.Context(), uuid.NewString())

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body: "+err.Error())
		return
	}

	providerName, model, err := orchestrator.ParseSelectedModel(req.SelectedModel)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	gen := message.DefaultGenerationConfig()
	if len(req.Options) > 0 {
		if err := json.Unmarshal(req.Options, &gen); err != nil {
			writeError(w, http.StatusBadRequest, "malformed options: "+err.Error())
			return
		}
	}
	cfg, ok := s.Providers.ProviderConfigFor(providerName, gen)
	if !ok {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown or unconfigured provider %q", providerName))
		return
	}

	result, streamResult, err := s.Loop.Execute(ctx, providerName, model, req.Messages, cfg)
	if err != nil {
		writeError(w, classifyStatus(err), err.Error())
		return
	}

	if streamResult != nil {
		w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		if err := stream.Write(w, streamResult, stream.Event); err != nil {
			s.Logger.Warn(ctx, "stream write failed", "error", err)
		}
		return
	}

	writeJSON(w, http.StatusOK, chatResponse{Content: result.Content, Usage: result.Usage, Duration: result.Duration})
}

func (s *Server) handleModelList(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("type") != "options" {
		writeError(w, http.StatusBadRequest, `query parameter "type" must be "options"`)
		return
	}
	writeJSON(w, http.StatusOK, s.Providers.ModelOptions())
}

type mcpTestRequest struct {
	URL string `json:"url"`
}

type mcpTestResponse struct {
	Status     string   `json:"status"`
	ServerType string   `json:"serverType"`
	ToolsCount int      `json:"toolsCount,omitempty"`
	Tools      []string `json:"tools,omitempty"`
	Message    string   `json:"message,omitempty"`
	Error      string   `json:"error,omitempty"`
}

func (s *Server) handleMCPTest(w http.ResponseWriter, r *http.Request) {
	var req mcpTestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body: "+err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 20*time.Second)
	defer cancel()

	client, err := s.Tools.Get(ctx, req.URL)
	if err != nil {
		var unknown *toolserver.ProtocolUnknown
		if errors.As(err, &unknown) {
			writeJSON(w, http.StatusOK, mcpTestResponse{Status: "error", ServerType: "unknown", Error: err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, mcpTestResponse{Status: "error", ServerType: serverTypeLabel(""), Error: err.Error()})
		return
	}

	tools, err := client.ListTools(ctx)
	if err != nil {
		writeJSON(w, http.StatusOK, mcpTestResponse{Status: "error", ServerType: serverTypeLabel(client.Protocol()), Error: err.Error()})
		return
	}

	names := make([]string, len(tools))
	for i, t := range tools {
		names[i] = t.Name
	}
	writeJSON(w, http.StatusOK, mcpTestResponse{
		Status:     "ok",
		ServerType: serverTypeLabel(client.Protocol()),
		ToolsCount: len(tools),
		Tools:      names,
		Message:    fmt.Sprintf("discovered %d tool(s)", len(tools)),
	})
}

// serverTypeLabel maps an internal Protocol to the vocabulary the probe
// endpoint promises callers: "FastMCP" covers both MCP wire variants since from a
// caller's perspective they're the same server family, just a different
// transport.
func serverTypeLabel(p toolserver.Protocol) string {
	switch p {
	case toolserver.ProtocolStreamableHTTP, toolserver.ProtocolSSE:
		return "FastMCP"
	case toolserver.ProtocolPlainHTTP:
		return "FastAPI"
	case toolserver.ProtocolPlainHTTPFallback:
		return "FastAPI (HTTP fallback)"
	default:
		return "unknown"
	}
}

func classifyStatus(err error) int {
	var invalid *orchestrator.InvalidRequestError
	if errors.As(err, &invalid) {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

type errorBody struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}
