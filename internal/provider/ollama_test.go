package provider

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrel-labs/agentcore/pkg/message"
)

func newTestOllamaAdapter(t *testing.T, handler http.HandlerFunc) (*OllamaAdapter, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	adapter := NewOllamaAdapter(server.Client())
	return adapter, server
}

func TestOllamaAdapterGenerateNonStreamingCollectsSingleLine(t *testing.T) {
	adapter, server := newTestOllamaAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":"hi there"},"done":true,"eval_count":5,"prompt_eval_count":10}`)
	})
	defer server.Close()

	resp, stream, err := adapter.Generate(t.Context(), "llama3", []message.Message{message.NewUserMessage("hello")}, nil, message.ProviderConfig{ProxyURL: server.URL, GenerationConfig: message.GenerationConfig{Stream: false}})
	require.NoError(t, err)
	require.Nil(t, stream)
	assert.Equal(t, "hi there", resp.Content)
	assert.Equal(t, 10, resp.Usage.PromptTokens)
	assert.Equal(t, 5, resp.Usage.CompletionTokens)
}

func TestOllamaAdapterGenerateNonStreamingConcatenatesChunks(t *testing.T) {
	adapter, server := newTestOllamaAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":"hi "},"done":false}`)
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":"there"},"done":true,"eval_count":2,"prompt_eval_count":1}`)
	})
	defer server.Close()

	resp, _, err := adapter.Generate(t.Context(), "llama3", []message.Message{message.NewUserMessage("hello")}, nil, message.ProviderConfig{ProxyURL: server.URL})
	require.NoError(t, err)
	assert.Equal(t, "hi there", resp.Content)
}

func TestOllamaAdapterGeneratePropagatesServerError(t *testing.T) {
	adapter, server := newTestOllamaAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	})
	defer server.Close()
	adapter.retry = RetryPolicy{MaxAttempts: 1}

	_, _, err := adapter.Generate(t.Context(), "missing-model", []message.Message{message.NewUserMessage("hi")}, nil, message.ProviderConfig{ProxyURL: server.URL})
	require.Error(t, err)
	var adapterErr *AdapterError
	require.ErrorAs(t, err, &adapterErr)
	assert.Equal(t, "ollama", adapterErr.Provider)
}

func TestOllamaAdapterGenerateDeduplicatesRepeatedToolCalls(t *testing.T) {
	adapter, server := newTestOllamaAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"message":{"role":"assistant","tool_calls":[{"function":{"name":"get_weather","arguments":{"city":"nyc"}}}]},"done":false}`)
		fmt.Fprintln(w, `{"message":{"role":"assistant","tool_calls":[{"function":{"name":"get_weather","arguments":{"city":"nyc"}}}]},"done":true,"eval_count":1,"prompt_eval_count":1}`)
	})
	defer server.Close()

	resp, _, err := adapter.Generate(t.Context(), "llama3", []message.Message{message.NewUserMessage("weather?")}, nil, message.ProviderConfig{ProxyURL: server.URL})
	require.NoError(t, err)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "get_weather", resp.ToolCalls[0].FunctionName)
}

func TestOllamaAdapterBuildRequestMapsOptionsAndTools(t *testing.T) {
	adapter := NewOllamaAdapter(nil)
	req := adapter.buildRequest("llama3", []message.Message{message.NewUserMessage("hi")},
		[]message.ToolSchema{{Name: "get_weather", Description: "fetch weather"}},
		message.ProviderConfig{GenerationConfig: message.GenerationConfig{SystemPrompt: "be terse", MaxOutputTokens: 128, Temperature: 0.5}})

	require.Len(t, req.Messages, 2)
	assert.Equal(t, "system", req.Messages[0].Role)
	assert.Equal(t, "be terse", req.Messages[0].Content)
	assert.Equal(t, 128, req.Options.NumPredict)
	require.Len(t, req.Tools, 1)
	assert.Equal(t, "get_weather", req.Tools[0].Function.Name)
}
