// Package metrics exposes Prometheus instrumentation for the orchestration
// core: deadline outcomes, loop shape, tool-call batching, and tool-server
// protocol detection.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the process-wide instrumentation surface. Construct one with
// New and thread it through the orchestrator and toolserver packages at
// wiring time; there is no package-level singleton so tests can
// build an isolated Metrics against a private registry.
type Metrics struct {
	// DeadlineOutcome counts each deadline race by provider and outcome (hit|miss).
	// Labels: provider, outcome
	DeadlineOutcome *prometheus.CounterVec

	// LoopIterations observes how many model/tool round-trips one request
	// took before producing a final answer or failing.
	// Buckets: 0, 1, 2, 3, 5, 8, 13 (max_tool_calls is rarely above this)
	LoopIterations prometheus.Histogram

	// ToolBatchSize observes the number of concurrent tool calls dispatched
	// per loop iteration.
	ToolBatchSize prometheus.Histogram

	// ProtocolDetected counts the tool-server detection outcome by protocol, including
	// "unknown" for a failed probe.
	// Labels: protocol (streamable-http|sse|plain-http|unknown)
	ProtocolDetected *prometheus.CounterVec

	// ToolClientCache counts registry.Get hits vs. misses against the
	// per-URL singleton cache.
	// Labels: result (hit|miss)
	ToolClientCache *prometheus.CounterVec

	// ProviderRequestDuration measures one adapter.Generate call's latency.
	// Labels: provider, model, status (ok|error)
	ProviderRequestDuration *prometheus.HistogramVec
}

// New registers every metric against reg and returns the bound Metrics.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		DeadlineOutcome: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "agentcore_deadline_outcome_total",
			Help: "Count of upstream-call deadline races by provider and outcome.",
		}, []string{"provider", "outcome"}),

		LoopIterations: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "agentcore_loop_iterations",
			Help:    "Number of tool-calling loop iterations per request.",
			Buckets: []float64{0, 1, 2, 3, 5, 8, 13},
		}),

		ToolBatchSize: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "agentcore_tool_batch_size",
			Help:    "Number of tool calls dispatched concurrently per loop iteration.",
			Buckets: []float64{1, 2, 3, 5, 8, 13, 21},
		}),

		ProtocolDetected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "agentcore_toolserver_protocol_detected_total",
			Help: "Count of tool-server protocol detection outcomes.",
		}, []string{"protocol"}),

		ToolClientCache: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "agentcore_toolserver_client_cache_total",
			Help: "Hits vs. misses against the per-URL tool-client singleton cache.",
		}, []string{"result"}),

		ProviderRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "agentcore_provider_request_duration_seconds",
			Help:    "Latency of a single provider.Generate call.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"provider", "model", "status"}),
	}
}
