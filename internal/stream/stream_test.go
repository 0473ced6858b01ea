package stream

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrel-labs/agentcore/internal/orchestrator"
	"github.com/kestrel-labs/agentcore/pkg/message"
)

func newTestStreamResult(chunks []string, usage message.TokenUsage, duration message.DurationUsage, streamErr error) *orchestrator.StreamResult {
	textCh := make(chan string, len(chunks))
	for _, c := range chunks {
		textCh <- c
	}
	close(textCh)

	usageCh := make(chan message.TokenUsage, 1)
	durationCh := make(chan message.DurationUsage, 1)
	errCh := make(chan error, 1)
	usageCh <- usage
	durationCh <- duration
	errCh <- streamErr
	close(usageCh)
	close(durationCh)
	close(errCh)

	return &orchestrator.StreamResult{TextChunks: textCh, FinalUsage: usageCh, FinalDuration: durationCh, Err: errCh}
}

func TestWriteEventFramingOrdering(t *testing.T) {
	sr := newTestStreamResult([]string{"he", "llo"}, message.TokenUsage{TotalTokens: 4}, message.DurationUsage{TotalDuration: 10}, nil)

	var buf bytes.Buffer
	err := Write(&buf, sr, Event)
	require.NoError(t, err)

	out := buf.String()
	textIdx := strings.Index(out, `"type":"text","payload":"he"`)
	usageIdx := strings.Index(out, `"type":"usage"`)
	durationIdx := strings.Index(out, `"type":"duration"`)

	require.GreaterOrEqual(t, textIdx, 0)
	require.GreaterOrEqual(t, usageIdx, 0)
	require.GreaterOrEqual(t, durationIdx, 0)
	assert.Less(t, textIdx, usageIdx)
	assert.Less(t, usageIdx, durationIdx)
	assert.True(t, strings.HasSuffix(out, "\n\n"))
}

func TestWriteRawFramingEmitsChunksOnly(t *testing.T) {
	sr := newTestStreamResult([]string{"a", "b", "c"}, message.TokenUsage{}, message.DurationUsage{}, nil)

	var buf bytes.Buffer
	err := Write(&buf, sr, Raw)
	require.NoError(t, err)
	assert.Equal(t, "abc", buf.String())
}

func TestWritePropagatesUpstreamError(t *testing.T) {
	sr := newTestStreamResult(nil, message.TokenUsage{}, message.DurationUsage{}, assertErr)

	var buf bytes.Buffer
	err := Write(&buf, sr, Event)
	require.Error(t, err)
	assert.Equal(t, assertErr, err)
}

var assertErr = &testStreamError{"boom"}

type testStreamError struct{ msg string }

func (e *testStreamError) Error() string { return e.msg }
