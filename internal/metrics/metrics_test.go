package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRegistersAllMetricsWithoutPanicking(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	require.NotNil(t, m)

	m.DeadlineOutcome.WithLabelValues("openai", "hit").Inc()
	m.LoopIterations.Observe(2)
	m.ToolBatchSize.Observe(3)
	m.ProtocolDetected.WithLabelValues("streamable-http").Inc()
	m.ToolClientCache.WithLabelValues("hit").Inc()
	m.ProviderRequestDuration.WithLabelValues("openai", "gpt-4o", "ok").Observe(1.5)

	families, err := reg.Gather()
	require.NoError(t, err)

	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["agentcore_deadline_outcome_total"])
	assert.True(t, names["agentcore_loop_iterations"])
	assert.True(t, names["agentcore_tool_batch_size"])
	assert.True(t, names["agentcore_toolserver_protocol_detected_total"])
	assert.True(t, names["agentcore_toolserver_client_cache_total"])
	assert.True(t, names["agentcore_provider_request_duration_seconds"])
}

func TestDeadlineOutcomeCountsByLabel(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.DeadlineOutcome.WithLabelValues("ollama", "miss").Inc()
	m.DeadlineOutcome.WithLabelValues("ollama", "miss").Inc()

	var metric dto.Metric
	require.NoError(t, m.DeadlineOutcome.WithLabelValues("ollama", "miss").Write(&metric))
	assert.Equal(t, float64(2), metric.GetCounter().GetValue())
}
