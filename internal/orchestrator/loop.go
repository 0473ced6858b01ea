// Package orchestrator implements the model-agnostic tool-calling loop
// state machine. It never sees provider-native shapes (that's the provider
// package's job) and never speaks a wire protocol to tool servers directly
// (that's the toolserver package's job);
// it only composes the two behind message.ProviderResponse/StreamingHandle
// and toolserver.Client.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kestrel-labs/agentcore/internal/metrics"
	"github.com/kestrel-labs/agentcore/internal/provider"
	"github.com/kestrel-labs/agentcore/internal/timeout"
	"github.com/kestrel-labs/agentcore/internal/toolserver"
	"github.com/kestrel-labs/agentcore/pkg/message"
)

// Result is the outcome of a run that ended with a buffered final answer.
type Result struct {
	Content  string
	Usage    message.TokenUsage
	Duration message.DurationUsage
}

// StreamResult is handed to the streaming multiplexer once the model's
// terminal turn has begun streaming text. FinalUsage
// and FinalDuration already fold in every prior iteration's usage_acc /
// duration_acc, so the multiplexer's trailers are the grand totals, not just
// the terminal turn's own numbers.
type StreamResult struct {
	TextChunks    <-chan string
	FinalUsage    <-chan message.TokenUsage
	FinalDuration <-chan message.DurationUsage
	Err           <-chan error
}

// Loop drives the tool-calling state machine for one chat request. A Loop
// value is reusable across requests; it holds no per-request mutable state.
type Loop struct {
	Providers *provider.Registry
	Tools     *toolserver.Registry
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
}

// NewLoop builds a Loop. A nil logger falls back to slog.Default(); a nil m
// disables metrics recording.
func NewLoop(providers *provider.Registry, tools *toolserver.Registry, logger *slog.Logger, m *metrics.Metrics) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{Providers: providers, Tools: tools, Logger: logger, Metrics: m}
}

// Execute drives the tool-calling loop. Exactly one of (*Result, *StreamResult) is
// non-nil when err is nil: a StreamResult only when cfg.Stream is true and
// the model's terminal turn streamed text; a Result in every other
// successful case (non-streaming mode, or a streaming-mode fallback to an
// immediate non-streaming final answer).
func (l *Loop) Execute(ctx context.Context, providerName, model string, conversation []message.Message, cfg message.ProviderConfig) (*Result, *StreamResult, error) {
	if len(conversation) == 0 {
		return nil, nil, &InvalidRequestError{Reason: "empty message list"}
	}
	if err := message.Validate(conversation); err != nil {
		return nil, nil, &InvalidRequestError{Reason: err.Error()}
	}

	adapter, ok := l.Providers.Resolve(providerName)
	if !ok {
		return nil, nil, &InvalidRequestError{Reason: fmt.Sprintf("unknown provider %q", providerName)}
	}

	tools, err := l.resolveTools(ctx, cfg)
	if err != nil {
		l.Logger.Warn("tool discovery failed, proceeding without tools", "error", err, "mcp_server_url", cfg.MCPServerURL)
		tools = nil
	}

	convo := append([]message.Message(nil), conversation...)
	var usageAcc message.TokenUsage
	var durationAcc message.DurationUsage

	for iter := 0; ; iter++ {
		resp, handle, release, err := l.invokeProvider(ctx, adapter, model, convo, tools, cfg)
		if err != nil {
			return nil, nil, err
		}

		if handle != nil {
			l.observeIterations(iter)
			return nil, l.toStreamResult(handle, release, usageAcc, durationAcc), nil
		}

		usageAcc = usageAcc.Add(resp.Usage)
		durationAcc = durationAcc.Add(resp.Duration)

		if !resp.HasToolCalls() {
			l.observeIterations(iter)
			return &Result{Content: resp.Content, Usage: usageAcc, Duration: durationAcc}, nil, nil
		}

		if iter >= cfg.MaxToolCalls {
			l.observeIterations(iter)
			return nil, nil, &MaxIterationsExceededError{MaxToolCalls: cfg.MaxToolCalls}
		}

		convo = append(convo, message.NewAssistantToolCallMessage(resp.ToolCalls))
		if l.Metrics != nil {
			l.Metrics.ToolBatchSize.Observe(float64(len(resp.ToolCalls)))
		}
		results := l.dispatchToolBatch(ctx, cfg, resp.ToolCalls)
		for i, tc := range resp.ToolCalls {
			convo = append(convo, message.NewToolResultMessage(tc.ID, results[i]))
		}
	}
}

func (l *Loop) observeIterations(iter int) {
	if l.Metrics != nil {
		l.Metrics.LoopIterations.Observe(float64(iter))
	}
}

func (l *Loop) resolveTools(ctx context.Context, cfg message.ProviderConfig) ([]message.ToolSchema, error) {
	if cfg.MCPServerURL == "" {
		return nil, nil
	}
	client, err := l.Tools.Get(ctx, cfg.MCPServerURL)
	if err != nil {
		return nil, &toolserver.ToolDiscoveryError{URL: cfg.MCPServerURL, Cause: err}
	}
	var tools []message.ToolSchema
	err = timeout.Call(ctx, "toolserver.ListTools", 15*time.Second, func(ctx context.Context) error {
		var listErr error
		tools, listErr = client.ListTools(ctx)
		return listErr
	})
	if err != nil {
		return nil, &toolserver.ToolDiscoveryError{URL: cfg.MCPServerURL, Cause: err}
	}
	return tools, nil
}

// invokeProvider wraps one adapter call in the timeout harness. A streaming
// handle's background goroutine lives on the deadline-bounded context, so
// the deadline is NOT released when Generate returns a handle: the returned
// release func (non-nil only alongside a handle) is handed to toStreamResult
// and runs once the drain completes. Every other path releases here.
func (l *Loop) invokeProvider(ctx context.Context, adapter provider.Adapter, model string, convo []message.Message, tools []message.ToolSchema, cfg message.ProviderConfig) (*message.ProviderResponse, *message.StreamingHandle, func(), error) {
	d := time.Duration(cfg.TimeoutMS) * time.Millisecond
	dl := timeout.Begin(ctx, "provider.Generate:"+adapter.Name(), d)
	start := time.Now()

	resp, handle, err := adapter.Generate(dl.Context(), model, convo, tools, cfg)
	err = dl.Classify(err)

	var release func()
	if handle != nil && err == nil {
		release = dl.Release
	} else {
		dl.Release()
	}

	if l.Metrics != nil {
		outcome := "hit"
		var timeoutErr *timeout.TimeoutError
		if errors.As(err, &timeoutErr) {
			outcome = "miss"
		}
		l.Metrics.DeadlineOutcome.WithLabelValues(adapter.Name(), outcome).Inc()

		status := "ok"
		if err != nil {
			status = "error"
		}
		l.Metrics.ProviderRequestDuration.WithLabelValues(adapter.Name(), model, status).Observe(time.Since(start).Seconds())
	}
	return resp, handle, release, err
}

// dispatchToolBatch fans out every tool call in the batch concurrently
// (max parallelism equals the batch size) and returns results in the
// batch's declared order regardless of completion order. An individual
// call's failure becomes an "Error: ..." string rather than aborting the
// batch, so the model gets a chance to recover.
func (l *Loop) dispatchToolBatch(ctx context.Context, cfg message.ProviderConfig, calls []message.ToolCall) []string {
	results := make([]string, len(calls))
	if len(calls) == 0 {
		return results
	}

	g, gctx := errgroup.WithContext(ctx)
	for i, tc := range calls {
		i, tc := i, tc
		g.Go(func() error {
			results[i] = l.callOneTool(gctx, cfg, tc)
			return nil
		})
	}
	// Every goroutine reports its own error as a string result rather than
	// through errgroup's error channel, so Wait never aborts siblings.
	_ = g.Wait()
	return results
}

func (l *Loop) callOneTool(ctx context.Context, cfg message.ProviderConfig, tc message.ToolCall) string {
	client, err := l.Tools.Get(ctx, cfg.MCPServerURL)
	if err != nil {
		return "Error: " + (&toolserver.ToolInvocationError{ToolName: tc.FunctionName, Cause: err}).Error()
	}

	var result string
	err = timeout.Call(ctx, "toolserver.CallTool:"+tc.FunctionName, 30*time.Second, func(ctx context.Context) error {
		var callErr error
		result, callErr = client.CallTool(ctx, tc.FunctionName, tc.ArgumentsJSON)
		return callErr
	})
	if err != nil {
		l.Logger.Warn("tool call failed", "tool", tc.FunctionName, "error", err)
		return "Error: " + err.Error()
	}
	return result
}

// toStreamResult wraps the adapter's StreamingHandle so its FinalUsage and
// FinalDuration yield grand totals (running accumulators plus the terminal
// turn) rather than just the terminal turn's own numbers. release frees the
// invocation's deadline once the handle's trailers have resolved, which only
// happens after the text stream is fully drained.
func (l *Loop) toStreamResult(handle *message.StreamingHandle, release func(), usageAcc message.TokenUsage, durationAcc message.DurationUsage) *StreamResult {
	usageOut := make(chan message.TokenUsage, 1)
	durationOut := make(chan message.DurationUsage, 1)
	errOut := make(chan error, 1)

	go func() {
		defer release()
		defer close(usageOut)
		defer close(durationOut)
		defer close(errOut)

		u, uok := <-handle.FinalUsage
		d, dok := <-handle.FinalDuration
		if uok {
			usageOut <- usageAcc.Add(u)
		}
		if dok {
			durationOut <- durationAcc.Add(d)
		}
		if streamErr, ok := <-handle.Err; ok && streamErr != nil {
			errOut <- streamErr
		}
	}()

	return &StreamResult{
		TextChunks:    handle.TextChunks,
		FinalUsage:    usageOut,
		FinalDuration: durationOut,
		Err:           errOut,
	}
}
