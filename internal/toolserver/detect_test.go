package toolserver

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetectPlainHTTPTools(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/tools" {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`[]`))
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	client, err := Detect(t.Context(), server.URL)
	require.NoError(t, err)
	assert.Equal(t, ProtocolPlainHTTP, client.Protocol())
}

func TestDetectPlainHTTPFallbackRoot(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	client, err := Detect(t.Context(), server.URL)
	require.NoError(t, err)
	assert.Equal(t, ProtocolPlainHTTPFallback, client.Protocol())
}

func TestDetectUnknownWhenNothingAnswers(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	_, err := Detect(t.Context(), server.URL)
	require.Error(t, err)
	var unknown *ProtocolUnknown
	require.ErrorAs(t, err, &unknown)
}
