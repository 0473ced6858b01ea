package apiserver

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kestrel-labs/agentcore/internal/config"
	"github.com/kestrel-labs/agentcore/internal/metrics"
	"github.com/kestrel-labs/agentcore/internal/orchestrator"
	"github.com/kestrel-labs/agentcore/internal/provider"
	"github.com/kestrel-labs/agentcore/internal/telemetry"
	"github.com/kestrel-labs/agentcore/internal/toolserver"
	"github.com/kestrel-labs/agentcore/pkg/message"
)

func testLogger() *telemetry.Logger {
	return telemetry.New(telemetry.Config{Level: "error"})
}

type echoAdapter struct{}

func (echoAdapter) Name() string { return "fake" }
func (echoAdapter) Generate(ctx context.Context, model string, conversation []message.Message, tools []message.ToolSchema, cfg message.ProviderConfig) (*message.ProviderResponse, *message.StreamingHandle, error) {
	return &message.ProviderResponse{Content: "echo: " + conversation[len(conversation)-1].Content, Usage: message.TokenUsage{TotalTokens: 1}}, nil, nil
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	providers := provider.NewRegistry(map[string]provider.Adapter{"fake": echoAdapter{}})
	tools := toolserver.NewRegistry(func(ctx context.Context, baseURL string) (toolserver.Client, error) {
		return nil, nil
	}, nil)
	m := metrics.New(prometheus.NewRegistry())
	loop := orchestrator.NewLoop(providers, tools, nil, m)

	registry := &config.ProviderRegistry{Providers: map[string]config.ProviderEntry{
		"FAKE": {Name: "FAKE", APIKey: "key", Models: []string{"model-1"}},
	}}

	return &Server{Loop: loop, Providers: registry, Tools: tools, Logger: testLogger(), Metrics: m}
}

func TestHandleChatNonStreaming(t *testing.T) {
	srv := newTestServer(t)

	body, _ := json.Marshal(map[string]any{
		"selectedModel": "fake:model-1",
		"messages":      []message.Message{message.NewUserMessage("hi")},
		"options":       message.GenerationConfig{Stream: false},
	})
	req := httptest.NewRequest(http.MethodPost, "/chat", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	srv.Mount().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp chatResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "echo: hi", resp.Content)
}

type streamingEchoAdapter struct{}

func (streamingEchoAdapter) Name() string { return "fake" }
func (streamingEchoAdapter) Generate(ctx context.Context, model string, conversation []message.Message, tools []message.ToolSchema, cfg message.ProviderConfig) (*message.ProviderResponse, *message.StreamingHandle, error) {
	if !cfg.Stream {
		return &message.ProviderResponse{Content: "hello!"}, nil, nil
	}
	textCh := make(chan string, 3)
	textCh <- "he"
	textCh <- "llo"
	textCh <- "!"
	close(textCh)

	usageCh := make(chan message.TokenUsage, 1)
	durationCh := make(chan message.DurationUsage, 1)
	errCh := make(chan error, 1)
	usageCh <- message.TokenUsage{PromptTokens: 1, CompletionTokens: 3, TotalTokens: 4}
	durationCh <- message.DurationUsage{TotalDuration: 10}
	close(usageCh)
	close(durationCh)
	close(errCh)

	return nil, &message.StreamingHandle{TextChunks: textCh, FinalUsage: usageCh, FinalDuration: durationCh, Err: errCh}, nil
}

func TestHandleChatStreamingEmitsEventFrames(t *testing.T) {
	srv := newTestServer(t)
	srv.Loop = orchestrator.NewLoop(
		provider.NewRegistry(map[string]provider.Adapter{"fake": streamingEchoAdapter{}}),
		srv.Tools, nil, nil)

	body, _ := json.Marshal(map[string]any{
		"selectedModel": "fake:model-1",
		"messages":      []message.Message{message.NewUserMessage("hi")},
	})
	req := httptest.NewRequest(http.MethodPost, "/chat", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	srv.Mount().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream; charset=utf-8", rec.Header().Get("Content-Type"))

	out := rec.Body.String()
	textIdx := strings.Index(out, `"type":"text","payload":"he"`)
	usageIdx := strings.Index(out, `"type":"usage"`)
	durationIdx := strings.Index(out, `"type":"duration"`)
	require.GreaterOrEqual(t, textIdx, 0)
	require.GreaterOrEqual(t, usageIdx, 0)
	require.GreaterOrEqual(t, durationIdx, 0)
	assert.Less(t, textIdx, usageIdx)
	assert.Less(t, usageIdx, durationIdx)
	assert.Contains(t, out, `"total_tokens":4`)
}

func TestHandleChatDefaultsOmittedOptions(t *testing.T) {
	srv := newTestServer(t)

	// Options carries only timeout_ms; the absent stream field must keep its
	// true default, which selects the streaming path for a streaming adapter.
	srv.Loop = orchestrator.NewLoop(
		provider.NewRegistry(map[string]provider.Adapter{"fake": streamingEchoAdapter{}}),
		srv.Tools, nil, nil)

	body := []byte(`{"selectedModel":"fake:model-1","messages":[{"role":"user","content":"hi"}],"options":{"timeout_ms":30000}}`)
	req := httptest.NewRequest(http.MethodPost, "/chat", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	srv.Mount().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream; charset=utf-8", rec.Header().Get("Content-Type"))
}

func TestHandleChatRejectsBadSelector(t *testing.T) {
	srv := newTestServer(t)
	body, _ := json.Marshal(map[string]any{"selectedModel": "no-colon", "messages": []message.Message{message.NewUserMessage("hi")}})
	req := httptest.NewRequest(http.MethodPost, "/chat", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	srv.Mount().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleChatRejectsUnconfiguredProvider(t *testing.T) {
	srv := newTestServer(t)
	body, _ := json.Marshal(map[string]any{"selectedModel": "unknown:model", "messages": []message.Message{message.NewUserMessage("hi")}})
	req := httptest.NewRequest(http.MethodPost, "/chat", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	srv.Mount().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleModelList(t *testing.T) {
	srv := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/model-list?type=options", nil)
	rec := httptest.NewRecorder()

	srv.Mount().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var options []config.ModelOption
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &options))
	require.Len(t, options, 1)
	assert.Equal(t, "FAKE:model-1", options[0].Value)
}

func TestHandleModelListRequiresOptionsType(t *testing.T) {
	srv := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/model-list", nil)
	rec := httptest.NewRecorder()

	srv.Mount().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleHealthz(t *testing.T) {
	srv := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()

	srv.Mount().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
