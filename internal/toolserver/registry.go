package toolserver

import (
	"context"
	"sync"

	"github.com/kestrel-labs/agentcore/internal/metrics"
)

// Registry is the process-wide per-URL singleton cache:
// first-writer-wins creation, concurrent-safe reads, no eviction (reload is
// a process restart). It is safe for concurrent use by multiple requests.
type Registry struct {
	mu      sync.Mutex
	clients map[string]*registryEntry
	factory func(ctx context.Context, baseURL string) (Client, error)
	metrics *metrics.Metrics
}

type registryEntry struct {
	once   sync.Once
	client Client
	err    error
}

// NewRegistry builds an empty registry. factory performs the protocol
// detection + client construction for a base URL not seen before; it is
// injectable so tests can avoid real network probes. m may be nil, in which
// case cache-hit/miss and protocol-detection counters are not recorded.
func NewRegistry(factory func(ctx context.Context, baseURL string) (Client, error), m *metrics.Metrics) *Registry {
	if factory == nil {
		factory = Detect
	}
	return &Registry{clients: make(map[string]*registryEntry), factory: factory, metrics: m}
}

// Get returns the singleton Client for baseURL, creating it on first use.
// Concurrent callers for the same URL block on the same creation rather than
// racing two transports into existence (important for SSE handshakes).
func (r *Registry) Get(ctx context.Context, baseURL string) (Client, error) {
	r.mu.Lock()
	entry, wasCached := r.clients[baseURL]
	if !wasCached {
		entry = &registryEntry{}
		r.clients[baseURL] = entry
	}
	r.mu.Unlock()

	if r.metrics != nil {
		if wasCached {
			r.metrics.ToolClientCache.WithLabelValues("hit").Inc()
		} else {
			r.metrics.ToolClientCache.WithLabelValues("miss").Inc()
		}
	}

	entry.once.Do(func() {
		entry.client, entry.err = r.factory(ctx, baseURL)
		if r.metrics != nil {
			protocol := "unknown"
			if entry.err == nil {
				protocol = string(entry.client.Protocol())
			}
			r.metrics.ProtocolDetected.WithLabelValues(protocol).Inc()
		}
	})
	return entry.client, entry.err
}

// CloseAll tears down every cached client. Called only at process shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, entry := range r.clients {
		if entry.client != nil {
			_ = entry.client.Close()
		}
	}
}
