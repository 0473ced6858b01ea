// Package provider implements the per-family translators between the
// canonical message model and each upstream LLM's native wire shape. The
// tool-calling loop (internal/orchestrator) never sees a provider-native
// type; everything it touches is message.ProviderResponse or
// message.StreamingHandle.
package provider

import (
	"context"

	"github.com/kestrel-labs/agentcore/pkg/message"
)

// Adapter is satisfied by each provider family. Generate performs exactly
// one upstream call (non-streaming or the discriminated-first-chunk
// streaming dance described in the design) and returns either a
// ProviderResponse or a StreamingHandle, never both.
//
// Implementations must honor ctx cancellation by tearing down their
// in-flight transport; the timeout harness (internal/timeout) relies on
// this to bound each call.
type Adapter interface {
	// Name identifies the provider family for error attribution and metrics.
	Name() string

	// Generate sends conversation (plus tools, if any) to the named model and
	// returns the non-streaming/tool-call response, or — when cfg.Stream is
	// true and the model's reply turns out to be its terminal textual
	// answer — a StreamingHandle. Exactly one of the two return values is
	// non-nil when err is nil. model is the right-hand side of the
	// selectedModel selector (see internal/orchestrator), e.g. "qwen3:0.6b".
	Generate(ctx context.Context, model string, conversation []message.Message, tools []message.ToolSchema, cfg message.ProviderConfig) (*message.ProviderResponse, *message.StreamingHandle, error)
}

// Registry resolves a provider name (the left-hand side of a selectedModel
// selector) to an Adapter value. Adapters are stateless per the data
// model's lifecycle rule ("provider adapters are per-request values"), so a
// Registry simply holds one constructed Adapter per family name and hands
// back the same value to every request.
type Registry struct {
	adapters map[string]Adapter
}

// NewRegistry builds a Registry from a set of named adapters.
func NewRegistry(adapters map[string]Adapter) *Registry {
	r := &Registry{adapters: make(map[string]Adapter, len(adapters))}
	for name, a := range adapters {
		r.adapters[name] = a
	}
	return r
}

// Resolve looks up the adapter for a provider name. The bool is false when
// no such provider is registered.
func (r *Registry) Resolve(providerName string) (Adapter, bool) {
	a, ok := r.adapters[providerName]
	return a, ok
}
