package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/kestrel-labs/agentcore/pkg/message"
)

// GeminiAdapter implements the Gemini family: assistant -> model,
// tool -> function with a functionResponse part, system messages lifted to
// systemInstruction, tool calls emitted as functionCall parts.
// presence_penalty/frequency_penalty are dropped (Gemini has no equivalent).
type GeminiAdapter struct {
	newClient func(ctx context.Context, cfg message.ProviderConfig) (*genai.Client, error)
	retry     RetryPolicy
}

// NewGeminiAdapter builds an adapter. newClient is injectable so tests can
// substitute a fake backend.
func NewGeminiAdapter(newClient func(ctx context.Context, cfg message.ProviderConfig) (*genai.Client, error)) *GeminiAdapter {
	if newClient == nil {
		newClient = defaultGeminiClient
	}
	return &GeminiAdapter{newClient: newClient, retry: DefaultRetryPolicy()}
}

func defaultGeminiClient(ctx context.Context, cfg message.ProviderConfig) (*genai.Client, error) {
	return genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
}

func (a *GeminiAdapter) Name() string { return "gemini" }

func (a *GeminiAdapter) Generate(ctx context.Context, model string, conversation []message.Message, tools []message.ToolSchema, cfg message.ProviderConfig) (*message.ProviderResponse, *message.StreamingHandle, error) {
	client, err := a.newClient(ctx, cfg)
	if err != nil {
		return nil, nil, NewAdapterError(a.Name(), model, err)
	}

	contents, err := convertToGeminiContents(conversation)
	if err != nil {
		return nil, nil, NewAdapterError(a.Name(), model, err).withKind(KindInvalidResponse)
	}
	genConfig := a.buildConfig(conversation, tools, cfg)

	if !cfg.Stream {
		var resp *genai.GenerateContentResponse
		retryErr := a.retry.Do(ctx, func(ctx context.Context) error {
			r, err := client.Models.GenerateContent(ctx, model, contents, genConfig)
			if err != nil {
				return NewAdapterError(a.Name(), model, err)
			}
			resp = r
			return nil
		})
		if retryErr != nil {
			return nil, nil, retryErr
		}
		return convertGeminiResponse(resp), nil, nil
	}

	return a.discriminate(ctx, client, model, contents, genConfig)
}

func (a *GeminiAdapter) buildConfig(conversation []message.Message, tools []message.ToolSchema, cfg message.ProviderConfig) *genai.GenerateContentConfig {
	temperature := float32(cfg.Temperature)
	topP := float32(cfg.TopP)
	gc := &genai.GenerateContentConfig{
		MaxOutputTokens: int32(cfg.MaxOutputTokens),
		Temperature:     &temperature,
		TopP:            &topP,
	}

	systemText := cfg.SystemPrompt
	for _, m := range conversation {
		if m.Role == message.RoleSystem && m.Content != "" {
			if systemText != "" {
				systemText += "\n" + m.Content
			} else {
				systemText = m.Content
			}
		}
	}
	if systemText != "" {
		gc.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: systemText}}}
	}

	if len(tools) > 0 {
		gc.Tools = convertGeminiTools(tools)
	}
	return gc
}

// convertToGeminiContents remaps roles (assistant -> model, tool ->
// function) and drops system messages (lifted to SystemInstruction
// separately by buildConfig).
func convertToGeminiContents(conversation []message.Message) ([]*genai.Content, error) {
	var out []*genai.Content
	idToName := map[string]string{}
	for _, m := range conversation {
		for _, tc := range m.ToolCalls {
			idToName[tc.ID] = tc.FunctionName
		}
	}

	for _, m := range conversation {
		switch m.Role {
		case message.RoleSystem:
			continue
		case message.RoleUser:
			content := &genai.Content{Role: genai.RoleUser}
			if m.Content != "" {
				content.Parts = append(content.Parts, &genai.Part{Text: m.Content})
			}
			if len(content.Parts) > 0 {
				out = append(out, content)
			}
		case message.RoleAssistant:
			content := &genai.Content{Role: genai.RoleModel}
			if m.Content != "" {
				content.Parts = append(content.Parts, &genai.Part{Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				var args map[string]any
				if tc.ArgumentsJSON != "" {
					if err := json.Unmarshal([]byte(tc.ArgumentsJSON), &args); err != nil {
						return nil, fmt.Errorf("gemini: decode tool call arguments for %q: %w", tc.FunctionName, err)
					}
				}
				content.Parts = append(content.Parts, &genai.Part{
					FunctionCall: &genai.FunctionCall{Name: tc.FunctionName, Args: args},
				})
			}
			if len(content.Parts) > 0 {
				out = append(out, content)
			}
		case message.RoleTool:
			var result any
			if err := json.Unmarshal([]byte(m.Content), &result); err != nil {
				result = m.Content
			}
			content := &genai.Content{
				Role: "function",
				Parts: []*genai.Part{{
					FunctionResponse: &genai.FunctionResponse{
						Name:     idToName[m.ToolCallID],
						Response: map[string]any{"result": result},
					},
				}},
			}
			out = append(out, content)
		}
	}
	return out, nil
}

func convertGeminiTools(tools []message.ToolSchema) []*genai.Tool {
	decls := make([]*genai.FunctionDeclaration, 0, len(tools))
	for _, t := range tools {
		var schemaMap map[string]any
		if len(t.ParametersJSONSchema) > 0 {
			_ = json.Unmarshal(t.ParametersJSONSchema, &schemaMap)
		}
		decls = append(decls, &genai.FunctionDeclaration{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  jsonSchemaToGemini(schemaMap),
		})
	}
	return []*genai.Tool{{FunctionDeclarations: decls}}
}

// jsonSchemaToGemini walks a JSON-Schema map into Gemini's own Schema type,
// which uses an upper-cased Type enum instead of a "type" string field.
func jsonSchemaToGemini(schemaMap map[string]any) *genai.Schema {
	if schemaMap == nil {
		return nil
	}
	schema := &genai.Schema{}
	if t, ok := schemaMap["type"].(string); ok {
		schema.Type = genai.Type(strings.ToUpper(t))
	}
	if desc, ok := schemaMap["description"].(string); ok {
		schema.Description = desc
	}
	if enum, ok := schemaMap["enum"].([]any); ok {
		for _, e := range enum {
			if s, ok := e.(string); ok {
				schema.Enum = append(schema.Enum, s)
			}
		}
	}
	if props, ok := schemaMap["properties"].(map[string]any); ok {
		schema.Properties = make(map[string]*genai.Schema, len(props))
		for name, prop := range props {
			if propMap, ok := prop.(map[string]any); ok {
				schema.Properties[name] = jsonSchemaToGemini(propMap)
			}
		}
	}
	if required, ok := schemaMap["required"].([]any); ok {
		for _, r := range required {
			if s, ok := r.(string); ok {
				schema.Required = append(schema.Required, s)
			}
		}
	}
	if items, ok := schemaMap["items"].(map[string]any); ok {
		schema.Items = jsonSchemaToGemini(items)
	}
	return schema
}

func convertGeminiResponse(resp *genai.GenerateContentResponse) *message.ProviderResponse {
	out := &message.ProviderResponse{}
	if resp.UsageMetadata != nil {
		out.Usage = message.TokenUsage{
			PromptTokens:     int(resp.UsageMetadata.PromptTokenCount),
			CompletionTokens: int(resp.UsageMetadata.CandidatesTokenCount),
		}.Normalize()
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return out
	}
	for _, part := range resp.Candidates[0].Content.Parts {
		if part == nil {
			continue
		}
		if part.Text != "" {
			out.Content += part.Text
		}
		if part.FunctionCall != nil {
			argBytes, _ := json.Marshal(part.FunctionCall.Args)
			out.ToolCalls = append(out.ToolCalls, message.ToolCall{
				ID:            geminiCallID(part.FunctionCall.Name, len(out.ToolCalls)),
				FunctionName:  part.FunctionCall.Name,
				ArgumentsJSON: string(argBytes),
			})
		}
	}
	return out
}

func geminiCallID(name string, ordinal int) string {
	return fmt.Sprintf("gemini-%s-%d", name, ordinal)
}

// discriminate inspects the first non-empty streamed chunk: a function-call
// part means the reply is a tool-dispatch turn (the remainder is drained for
// usage); a text part starts the terminal StreamingHandle.
func (a *GeminiAdapter) discriminate(ctx context.Context, client *genai.Client, model string, contents []*genai.Content, cfg *genai.GenerateContentConfig) (*message.ProviderResponse, *message.StreamingHandle, error) {
	stream := client.Models.GenerateContentStream(ctx, model, contents, cfg)

	// stop is called only on paths that abandon the stream early; the
	// streaming path below must NOT tear the producer down when this
	// function returns, the background goroutine still drains it.
	next, stop := iterPull(stream)

	firstResp, firstErr, ok := next()
	if !ok {
		return &message.ProviderResponse{Usage: message.TokenUsage{}.Normalize()}, nil, nil
	}
	if firstErr != nil {
		stop()
		return nil, nil, NewAdapterError(a.Name(), model, firstErr)
	}

	firstText, firstCalls, firstUsage := splitGeminiChunk(firstResp)
	if len(firstCalls) > 0 {
		return a.drainToolCallStream(next, model, firstCalls, firstUsage)
	}
	if firstText == "" {
		// Keep pulling until we see text, a tool call, or the stream ends.
		for {
			resp, err, ok := next()
			if !ok {
				return &message.ProviderResponse{Usage: firstUsage.Normalize()}, nil, nil
			}
			if err != nil {
				stop()
				return nil, nil, NewAdapterError(a.Name(), model, err)
			}
			text, calls, usage := splitGeminiChunk(resp)
			if usage.TotalTokens != 0 {
				firstUsage = usage
			}
			if len(calls) > 0 {
				return a.drainToolCallStream(next, model, calls, firstUsage)
			}
			if text != "" {
				firstText = text
				break
			}
		}
	}

	textCh := make(chan string, 8)
	usageCh := make(chan message.TokenUsage, 1)
	durationCh := make(chan message.DurationUsage, 1)
	errCh := make(chan error, 1)
	textCh <- firstText

	go func() {
		defer close(textCh)
		defer close(usageCh)
		defer close(durationCh)
		defer close(errCh)

		usage := firstUsage
		for {
			resp, err, ok := next()
			if !ok {
				usageCh <- usage.Normalize()
				durationCh <- message.DurationUsage{}
				return
			}
			if err != nil {
				errCh <- NewAdapterError(a.Name(), model, err)
				return
			}
			text, _, u := splitGeminiChunk(resp)
			if u.TotalTokens != 0 {
				usage = u
			}
			if text != "" {
				select {
				case textCh <- text:
				case <-ctx.Done():
					stop()
					errCh <- ctx.Err()
					return
				}
			}
		}
	}()

	return nil, &message.StreamingHandle{TextChunks: textCh, FinalUsage: usageCh, FinalDuration: durationCh, Err: errCh}, nil
}

func (a *GeminiAdapter) drainToolCallStream(next func() (*genai.GenerateContentResponse, error, bool), model string, firstCalls []message.ToolCall, usage message.TokenUsage) (*message.ProviderResponse, *message.StreamingHandle, error) {
	calls := append([]message.ToolCall(nil), firstCalls...)
	for {
		resp, err, ok := next()
		if !ok {
			break
		}
		if err != nil {
			return nil, nil, NewAdapterError(a.Name(), model, err)
		}
		_, more, u := splitGeminiChunk(resp)
		calls = append(calls, more...)
		if u.TotalTokens != 0 {
			usage = u
		}
	}
	return &message.ProviderResponse{ToolCalls: calls, Usage: usage.Normalize()}, nil, nil
}

func splitGeminiChunk(resp *genai.GenerateContentResponse) (text string, calls []message.ToolCall, usage message.TokenUsage) {
	if resp.UsageMetadata != nil {
		usage = message.TokenUsage{
			PromptTokens:     int(resp.UsageMetadata.PromptTokenCount),
			CompletionTokens: int(resp.UsageMetadata.CandidatesTokenCount),
		}.Normalize()
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return
	}
	for _, part := range resp.Candidates[0].Content.Parts {
		if part == nil {
			continue
		}
		if part.Text != "" {
			text += part.Text
		}
		if part.FunctionCall != nil {
			argBytes, _ := json.Marshal(part.FunctionCall.Args)
			calls = append(calls, message.ToolCall{
				ID:            geminiCallID(part.FunctionCall.Name, len(calls)),
				FunctionName:  part.FunctionCall.Name,
				ArgumentsJSON: string(argBytes),
			})
		}
	}
	return
}

// iterPull adapts the SDK's iter.Seq2 push-style stream into a pull-style
// next() function so discriminate can read exactly one chunk at a time
// instead of committing to a for-range that can't pause after the first
// item. stop unblocks and terminates the producer goroutine; callers that
// drain next() to exhaustion never need it.
func iterPull(seq func(yield func(*genai.GenerateContentResponse, error) bool)) (next func() (*genai.GenerateContentResponse, error, bool), stop func()) {
	type item struct {
		resp *genai.GenerateContentResponse
		err  error
	}
	items := make(chan item)
	done := make(chan struct{})

	go func() {
		defer close(items)
		seq(func(resp *genai.GenerateContentResponse, err error) bool {
			select {
			case items <- item{resp, err}:
				return err == nil
			case <-done:
				return false
			}
		})
	}()

	return func() (*genai.GenerateContentResponse, error, bool) {
			it, ok := <-items
			if !ok {
				return nil, nil, false
			}
			return it.resp, it.err, true
		}, func() {
			select {
			case <-done:
			default:
				close(done)
			}
		}
}
