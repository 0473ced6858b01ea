package toolserver

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPlainHTTPTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/tools", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]plainToolSchema{
			{Name: "get_weather", Description: "fetch weather", Parameters: json.RawMessage(`{"type":"object","properties":{"city":{"type":"string"}},"required":["city"]}`)},
		})
	})
	mux.HandleFunc("/call", func(w http.ResponseWriter, r *http.Request) {
		var req plainCallRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		_ = json.NewEncoder(w).Encode(plainCallResponse{Result: "sunny in " + req.ToolName})
	})
	return httptest.NewServer(mux)
}

func TestPlainHTTPClientListAndCallTool(t *testing.T) {
	server := newPlainHTTPTestServer(t)
	defer server.Close()

	client := newPlainHTTPClient(server.URL, ProtocolPlainHTTP)
	tools, err := client.ListTools(t.Context())
	require.NoError(t, err)
	require.Len(t, tools, 1)
	assert.Equal(t, "get_weather", tools[0].Name)

	result, err := client.CallTool(t.Context(), "get_weather", `{"city":"nyc"}`)
	require.NoError(t, err)
	assert.Equal(t, "sunny in get_weather", result)
}

func TestPlainHTTPClientRejectsInvalidArguments(t *testing.T) {
	server := newPlainHTTPTestServer(t)
	defer server.Close()

	client := newPlainHTTPClient(server.URL, ProtocolPlainHTTP)
	_, err := client.ListTools(t.Context())
	require.NoError(t, err)

	_, err = client.CallTool(t.Context(), "get_weather", `{}`)
	require.Error(t, err)
	var invErr *ToolInvocationError
	require.ErrorAs(t, err, &invErr)
}
