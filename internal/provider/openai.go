package provider

import (
	"context"
	"encoding/json"
	"errors"
	"io"

	openai "github.com/sashabaranov/go-openai"

	"github.com/kestrel-labs/agentcore/pkg/message"
)

// OpenAIAdapter implements the OpenAI-compatible family: identity
// role/field mapping, system_prompt prepended as a system message.
type OpenAIAdapter struct {
	newClient func(cfg message.ProviderConfig) *openai.Client
	retry     RetryPolicy
}

// NewOpenAIAdapter builds an adapter. newClient is injectable so tests can
// point the client at an httptest server via openai.Config.BaseURL.
func NewOpenAIAdapter(newClient func(cfg message.ProviderConfig) *openai.Client) *OpenAIAdapter {
	if newClient == nil {
		newClient = defaultOpenAIClient
	}
	return &OpenAIAdapter{newClient: newClient, retry: DefaultRetryPolicy()}
}

func defaultOpenAIClient(cfg message.ProviderConfig) *openai.Client {
	oc := openai.DefaultConfig(cfg.APIKey)
	// ProxyURL points an OpenAI-compatible provider at its own endpoint
	// (gateway, vLLM, LiteLLM...). Process-wide HTTP(S)_PROXY dialing is
	// already honored by net/http's default transport.
	if cfg.ProxyURL != "" {
		oc.BaseURL = cfg.ProxyURL
	}
	return openai.NewClientWithConfig(oc)
}

func (a *OpenAIAdapter) Name() string { return "openai" }

func (a *OpenAIAdapter) Generate(ctx context.Context, model string, conversation []message.Message, tools []message.ToolSchema, cfg message.ProviderConfig) (*message.ProviderResponse, *message.StreamingHandle, error) {
	client := a.newClient(cfg)
	req := a.buildRequest(model, conversation, tools, cfg)

	if !cfg.Stream {
		var resp openai.ChatCompletionResponse
		err := a.retry.Do(ctx, func(ctx context.Context) error {
			r, err := client.CreateChatCompletion(ctx, req)
			if err != nil {
				return NewAdapterError(a.Name(), req.Model, err)
			}
			resp = r
			return nil
		})
		if err != nil {
			return nil, nil, err
		}
		return convertOpenAIResponse(resp), nil, nil
	}

	req.Stream = true
	// Usage only appears on the terminal chunk when explicitly requested.
	req.StreamOptions = &openai.StreamOptions{IncludeUsage: true}
	var stream *openai.ChatCompletionStream
	err := a.retry.Do(ctx, func(ctx context.Context) error {
		s, err := client.CreateChatCompletionStream(ctx, req)
		if err != nil {
			return NewAdapterError(a.Name(), req.Model, err)
		}
		stream = s
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	return a.discriminate(ctx, stream, req.Model)
}

func (a *OpenAIAdapter) buildRequest(model string, conversation []message.Message, tools []message.ToolSchema, cfg message.ProviderConfig) openai.ChatCompletionRequest {
	msgs := make([]openai.ChatCompletionMessage, 0, len(conversation)+1)
	if cfg.SystemPrompt != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: cfg.SystemPrompt})
	}
	for _, m := range conversation {
		msgs = append(msgs, convertOutgoingMessage(m))
	}

	req := openai.ChatCompletionRequest{
		Model:            model,
		Messages:         msgs,
		MaxTokens:        cfg.MaxOutputTokens,
		Temperature:      float32(cfg.Temperature),
		TopP:             float32(cfg.TopP),
		PresencePenalty:  float32(cfg.PresencePenalty),
		FrequencyPenalty: float32(cfg.FrequencyPenalty),
	}
	if len(tools) > 0 {
		req.Tools = convertOpenAITools(tools)
	}
	return req
}

func convertOutgoingMessage(m message.Message) openai.ChatCompletionMessage {
	out := openai.ChatCompletionMessage{Role: string(m.Role), Content: m.Content}
	if m.Role == message.RoleTool {
		out.ToolCallID = m.ToolCallID
	}
	for _, tc := range m.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, openai.ToolCall{
			ID:   tc.ID,
			Type: openai.ToolTypeFunction,
			Function: openai.FunctionCall{
				Name:      tc.FunctionName,
				Arguments: tc.ArgumentsJSON,
			},
		})
	}
	return out
}

func convertOpenAITools(tools []message.ToolSchema) []openai.Tool {
	out := make([]openai.Tool, 0, len(tools))
	for _, t := range tools {
		var params any
		if len(t.ParametersJSONSchema) > 0 {
			_ = json.Unmarshal(t.ParametersJSONSchema, &params)
		}
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  params,
			},
		})
	}
	return out
}

func convertOpenAIResponse(resp openai.ChatCompletionResponse) *message.ProviderResponse {
	out := &message.ProviderResponse{
		Usage: message.TokenUsage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
		}.Normalize(),
	}
	if len(resp.Choices) > 0 {
		choice := resp.Choices[0]
		out.Content = choice.Message.Content
		for _, tc := range choice.Message.ToolCalls {
			out.ToolCalls = append(out.ToolCalls, message.ToolCall{
				ID:            tc.ID,
				FunctionName:  tc.Function.Name,
				ArgumentsJSON: tc.Function.Arguments,
			})
		}
	}
	return out
}

// discriminate inspects the first non-empty chunk of a stream: if it carries
// tool-call deltas, the remainder is drained for usage accounting and a
// ProviderResponse is returned; otherwise a StreamingHandle is returned
// whose TextChunks channel replays the already-consumed chunk first.
func (a *OpenAIAdapter) discriminate(ctx context.Context, stream *openai.ChatCompletionStream, model string) (*message.ProviderResponse, *message.StreamingHandle, error) {
	firstContent, firstToolDelta, done, err := firstNonEmptyOpenAIChunk(stream)
	if err != nil {
		stream.Close()
		return nil, nil, NewAdapterError(a.Name(), model, err)
	}
	if done {
		stream.Close()
		return &message.ProviderResponse{Content: "", Usage: message.TokenUsage{}.Normalize()}, nil, nil
	}

	if firstToolDelta != nil {
		return a.drainToolCallStream(ctx, stream, model, firstToolDelta)
	}

	textCh := make(chan string, 8)
	usageCh := make(chan message.TokenUsage, 1)
	durationCh := make(chan message.DurationUsage, 1)
	errCh := make(chan error, 1)

	if firstContent != "" {
		textCh <- firstContent
	}

	go func() {
		defer stream.Close()
		defer close(textCh)
		defer close(usageCh)
		defer close(durationCh)
		defer close(errCh)

		var usage message.TokenUsage
		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				usageCh <- usage.Normalize()
				durationCh <- message.DurationUsage{}
				return
			}
			if err != nil {
				errCh <- NewAdapterError(a.Name(), model, err)
				return
			}
			if resp.Usage != nil {
				usage.PromptTokens = resp.Usage.PromptTokens
				usage.CompletionTokens = resp.Usage.CompletionTokens
			}
			if len(resp.Choices) == 0 {
				continue
			}
			delta := resp.Choices[0].Delta.Content
			if delta != "" {
				select {
				case textCh <- delta:
				case <-ctx.Done():
					errCh <- ctx.Err()
					return
				}
			}
		}
	}()

	return nil, &message.StreamingHandle{TextChunks: textCh, FinalUsage: usageCh, FinalDuration: durationCh, Err: errCh}, nil
}

func (a *OpenAIAdapter) drainToolCallStream(ctx context.Context, stream *openai.ChatCompletionStream, model string, first map[int]*message.ToolCall) (*message.ProviderResponse, *message.StreamingHandle, error) {
	defer stream.Close()

	accum := first
	var usage message.TokenUsage

	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, nil, NewAdapterError(a.Name(), model, err)
		}
		if resp.Usage != nil {
			usage.PromptTokens = resp.Usage.PromptTokens
			usage.CompletionTokens = resp.Usage.CompletionTokens
		}
		if len(resp.Choices) == 0 {
			continue
		}
		for _, tc := range resp.Choices[0].Delta.ToolCalls {
			idx := 0
			if tc.Index != nil {
				idx = *tc.Index
			}
			cur, ok := accum[idx]
			if !ok {
				cur = &message.ToolCall{}
				accum[idx] = cur
			}
			if tc.ID != "" {
				cur.ID = tc.ID
			}
			if tc.Function.Name != "" {
				cur.FunctionName = tc.Function.Name
			}
			cur.ArgumentsJSON += tc.Function.Arguments
		}
	}

	ordered := make([]message.ToolCall, 0, len(accum))
	maxIdx := -1
	for idx := range accum {
		if idx > maxIdx {
			maxIdx = idx
		}
	}
	for i := 0; i <= maxIdx; i++ {
		if tc, ok := accum[i]; ok {
			ordered = append(ordered, *tc)
		}
	}

	return &message.ProviderResponse{ToolCalls: ordered, Usage: usage.Normalize()}, nil, nil
}

// firstNonEmptyOpenAIChunk reads chunks until it finds one with either
// textual content or a tool-call delta, or the stream ends. done reports a
// genuinely empty stream (zero usable chunks), which the loop treats as a
// terminal empty response rather than retried.
func firstNonEmptyOpenAIChunk(stream *openai.ChatCompletionStream) (content string, toolDelta map[int]*message.ToolCall, done bool, err error) {
	for {
		resp, recvErr := stream.Recv()
		if errors.Is(recvErr, io.EOF) {
			return "", nil, true, nil
		}
		if recvErr != nil {
			return "", nil, false, recvErr
		}
		if len(resp.Choices) == 0 {
			continue
		}
		delta := resp.Choices[0].Delta
		if len(delta.ToolCalls) > 0 {
			accum := map[int]*message.ToolCall{}
			for _, tc := range delta.ToolCalls {
				idx := 0
				if tc.Index != nil {
					idx = *tc.Index
				}
				accum[idx] = &message.ToolCall{ID: tc.ID, FunctionName: tc.Function.Name, ArgumentsJSON: tc.Function.Arguments}
			}
			return "", accum, false, nil
		}
		if delta.Content != "" {
			return delta.Content, nil, false, nil
		}
	}
}
