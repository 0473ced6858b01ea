package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/kestrel-labs/agentcore/pkg/message"
)

// OllamaAdapter implements the Ollama family: roles pass through,
// tool-call arguments are native objects at the wire boundary, parameter
// names are remapped (max_output_tokens -> num_predict), and system_prompt
// is inserted as (or replaces) the first system message.
//
// Ollama has no dedicated Go SDK in this codebase's dependency set either;
// this hand-rolls the NDJSON streaming protocol over net/http the same way.
type OllamaAdapter struct {
	httpClient *http.Client
	retry      RetryPolicy
}

func NewOllamaAdapter(httpClient *http.Client) *OllamaAdapter {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &OllamaAdapter{httpClient: httpClient, retry: DefaultRetryPolicy()}
}

func (a *OllamaAdapter) Name() string { return "ollama" }

type ollamaChatRequest struct {
	Model    string              `json:"model"`
	Messages []ollamaChatMessage `json:"messages"`
	Tools    []ollamaTool        `json:"tools,omitempty"`
	Stream   bool                `json:"stream"`
	Options  ollamaOptions       `json:"options"`
}

type ollamaChatMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	ToolCalls []ollamaToolCall `json:"tool_calls,omitempty"`
}

type ollamaToolCall struct {
	Function ollamaToolCallFn `json:"function"`
}

type ollamaToolCallFn struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

type ollamaTool struct {
	Type     string         `json:"type"`
	Function ollamaFunction `json:"function"`
}

type ollamaFunction struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Parameters  any    `json:"parameters,omitempty"`
}

type ollamaOptions struct {
	NumPredict  int     `json:"num_predict,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
	TopP        float64 `json:"top_p,omitempty"`
}

type ollamaChatChunk struct {
	Message            ollamaChatMessage `json:"message"`
	Done               bool              `json:"done"`
	Error              string            `json:"error,omitempty"`
	EvalCount          int               `json:"eval_count"`
	PromptEvalCount    int               `json:"prompt_eval_count"`
	TotalDuration      int64             `json:"total_duration"`
	LoadDuration       int64             `json:"load_duration"`
	PromptEvalDuration int64             `json:"prompt_eval_duration"`
	EvalDuration       int64             `json:"eval_duration"`
}

func (a *OllamaAdapter) Generate(ctx context.Context, model string, conversation []message.Message, tools []message.ToolSchema, cfg message.ProviderConfig) (*message.ProviderResponse, *message.StreamingHandle, error) {
	baseURL := strings.TrimSuffix(cfg.ProxyURL, "/")
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}

	req := a.buildRequest(model, conversation, tools, cfg)
	req.Stream = cfg.Stream

	body, err := json.Marshal(req)
	if err != nil {
		return nil, nil, NewAdapterError(a.Name(), req.Model, err)
	}

	var httpResp *http.Response
	retryErr := a.retry.Do(ctx, func(ctx context.Context) error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/api/chat", bytes.NewReader(body))
		if err != nil {
			return NewAdapterError(a.Name(), req.Model, err)
		}
		httpReq.Header.Set("Content-Type", "application/json")
		resp, err := a.httpClient.Do(httpReq)
		if err != nil {
			return NewAdapterError(a.Name(), req.Model, err)
		}
		if resp.StatusCode >= 400 {
			defer resp.Body.Close()
			data, _ := io.ReadAll(resp.Body)
			return NewAdapterError(a.Name(), req.Model, fmt.Errorf("ollama: status %d: %s", resp.StatusCode, string(data))).WithStatus(resp.StatusCode)
		}
		httpResp = resp
		return nil
	})
	if retryErr != nil {
		return nil, nil, retryErr
	}

	scanner := bufio.NewScanner(httpResp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	if !cfg.Stream {
		defer httpResp.Body.Close()
		return a.collectNonStreaming(scanner, req.Model)
	}

	return a.discriminate(ctx, httpResp.Body, scanner, req.Model)
}

func (a *OllamaAdapter) buildRequest(model string, conversation []message.Message, tools []message.ToolSchema, cfg message.ProviderConfig) ollamaChatRequest {
	msgs := make([]ollamaChatMessage, 0, len(conversation)+1)

	hasSystem := false
	for _, m := range conversation {
		if m.Role == message.RoleSystem {
			hasSystem = true
			break
		}
	}

	if cfg.SystemPrompt != "" && !hasSystem {
		msgs = append(msgs, ollamaChatMessage{Role: "system", Content: cfg.SystemPrompt})
	}

	replaced := false
	for _, m := range conversation {
		if m.Role == message.RoleSystem && cfg.SystemPrompt != "" && !replaced {
			msgs = append(msgs, ollamaChatMessage{Role: "system", Content: cfg.SystemPrompt})
			replaced = true
			continue
		}
		out := ollamaChatMessage{Role: string(m.Role), Content: m.Content}
		for _, tc := range m.ToolCalls {
			var args map[string]any
			_ = json.Unmarshal([]byte(tc.ArgumentsJSON), &args)
			out.ToolCalls = append(out.ToolCalls, ollamaToolCall{Function: ollamaToolCallFn{Name: tc.FunctionName, Arguments: args}})
		}
		msgs = append(msgs, out)
	}

	req := ollamaChatRequest{
		Model:    model,
		Messages: msgs,
		Options: ollamaOptions{
			NumPredict:  cfg.MaxOutputTokens,
			Temperature: cfg.Temperature,
			TopP:        cfg.TopP,
		},
	}
	for _, t := range tools {
		var params any
		if len(t.ParametersJSONSchema) > 0 {
			_ = json.Unmarshal(t.ParametersJSONSchema, &params)
		}
		req.Tools = append(req.Tools, ollamaTool{Type: "function", Function: ollamaFunction{Name: t.Name, Description: t.Description, Parameters: params}})
	}
	return req
}

func chunkUsage(c ollamaChatChunk) message.TokenUsage {
	return message.TokenUsage{PromptTokens: c.PromptEvalCount, CompletionTokens: c.EvalCount}.Normalize()
}

func chunkDuration(c ollamaChatChunk) message.DurationUsage {
	return message.DurationUsage{
		TotalDuration:      c.TotalDuration,
		LoadDuration:       c.LoadDuration,
		PromptEvalDuration: c.PromptEvalDuration,
		EvalDuration:       c.EvalDuration,
	}
}

func (a *OllamaAdapter) collectNonStreaming(scanner *bufio.Scanner, model string) (*message.ProviderResponse, *message.StreamingHandle, error) {
	var content strings.Builder
	var toolCalls []message.ToolCall
	var usage message.TokenUsage
	var duration message.DurationUsage
	seen := map[string]struct{}{}

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var chunk ollamaChatChunk
		if err := json.Unmarshal(line, &chunk); err != nil {
			return nil, nil, NewAdapterError(a.Name(), model, err)
		}
		if chunk.Error != "" {
			return nil, nil, NewAdapterError(a.Name(), model, fmt.Errorf("ollama: %s", chunk.Error))
		}
		content.WriteString(chunk.Message.Content)
		for _, tc := range chunk.Message.ToolCalls {
			id := uuid.NewString()
			key := tc.Function.Name
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			argBytes, _ := json.Marshal(tc.Function.Arguments)
			toolCalls = append(toolCalls, message.ToolCall{ID: id, FunctionName: tc.Function.Name, ArgumentsJSON: string(argBytes)})
		}
		if chunk.Done {
			usage = chunkUsage(chunk)
			duration = chunkDuration(chunk)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, NewAdapterError(a.Name(), model, err)
	}

	return &message.ProviderResponse{Content: content.String(), ToolCalls: toolCalls, Usage: usage, Duration: duration}, nil, nil
}

func (a *OllamaAdapter) discriminate(ctx context.Context, body io.ReadCloser, scanner *bufio.Scanner, model string) (*message.ProviderResponse, *message.StreamingHandle, error) {
	firstLine, hasLine, err := nextNonEmptyLine(scanner)
	if err != nil {
		body.Close()
		return nil, nil, NewAdapterError(a.Name(), model, err)
	}
	if !hasLine {
		body.Close()
		return &message.ProviderResponse{Content: "", Usage: message.TokenUsage{}.Normalize()}, nil, nil
	}

	var first ollamaChatChunk
	if err := json.Unmarshal(firstLine, &first); err != nil {
		body.Close()
		return nil, nil, NewAdapterError(a.Name(), model, err)
	}
	if first.Error != "" {
		body.Close()
		return nil, nil, NewAdapterError(a.Name(), model, fmt.Errorf("ollama: %s", first.Error))
	}

	if len(first.Message.ToolCalls) > 0 {
		return a.drainToolCallStream(body, scanner, model, first)
	}

	textCh := make(chan string, 8)
	usageCh := make(chan message.TokenUsage, 1)
	durationCh := make(chan message.DurationUsage, 1)
	errCh := make(chan error, 1)

	if first.Message.Content != "" {
		textCh <- first.Message.Content
	}
	if first.Done {
		go func() {
			defer body.Close()
			defer close(textCh)
			usageCh <- chunkUsage(first)
			durationCh <- chunkDuration(first)
			close(usageCh)
			close(durationCh)
			close(errCh)
		}()
		return nil, &message.StreamingHandle{TextChunks: textCh, FinalUsage: usageCh, FinalDuration: durationCh, Err: errCh}, nil
	}

	go func() {
		defer body.Close()
		defer close(textCh)
		defer close(usageCh)
		defer close(durationCh)
		defer close(errCh)

		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}
			var chunk ollamaChatChunk
			if err := json.Unmarshal(line, &chunk); err != nil {
				errCh <- NewAdapterError(a.Name(), model, err)
				return
			}
			if chunk.Error != "" {
				errCh <- NewAdapterError(a.Name(), model, fmt.Errorf("ollama: %s", chunk.Error))
				return
			}
			if chunk.Message.Content != "" {
				select {
				case textCh <- chunk.Message.Content:
				case <-ctx.Done():
					errCh <- ctx.Err()
					return
				}
			}
			if chunk.Done {
				usageCh <- chunkUsage(chunk)
				durationCh <- chunkDuration(chunk)
				return
			}
		}
		if err := scanner.Err(); err != nil {
			errCh <- NewAdapterError(a.Name(), model, err)
		}
	}()

	return nil, &message.StreamingHandle{TextChunks: textCh, FinalUsage: usageCh, FinalDuration: durationCh, Err: errCh}, nil
}

func (a *OllamaAdapter) drainToolCallStream(body io.ReadCloser, scanner *bufio.Scanner, model string, first ollamaChatChunk) (*message.ProviderResponse, *message.StreamingHandle, error) {
	defer body.Close()

	var toolCalls []message.ToolCall
	seen := map[string]struct{}{}
	appendCalls := func(chunk ollamaChatChunk) {
		for _, tc := range chunk.Message.ToolCalls {
			if _, ok := seen[tc.Function.Name]; ok {
				continue
			}
			seen[tc.Function.Name] = struct{}{}
			argBytes, _ := json.Marshal(tc.Function.Arguments)
			toolCalls = append(toolCalls, message.ToolCall{ID: uuid.NewString(), FunctionName: tc.Function.Name, ArgumentsJSON: string(argBytes)})
		}
	}
	appendCalls(first)

	usage := chunkUsage(first)
	duration := chunkDuration(first)
	done := first.Done

	for !done && scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var chunk ollamaChatChunk
		if err := json.Unmarshal(line, &chunk); err != nil {
			return nil, nil, NewAdapterError(a.Name(), model, err)
		}
		if chunk.Error != "" {
			return nil, nil, NewAdapterError(a.Name(), model, fmt.Errorf("ollama: %s", chunk.Error))
		}
		appendCalls(chunk)
		if chunk.Done {
			usage = chunkUsage(chunk)
			duration = chunkDuration(chunk)
			done = true
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, NewAdapterError(a.Name(), model, err)
	}

	return &message.ProviderResponse{ToolCalls: toolCalls, Usage: usage, Duration: duration}, nil, nil
}

func nextNonEmptyLine(scanner *bufio.Scanner) ([]byte, bool, error) {
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		cp := make([]byte, len(line))
		copy(cp, line)
		return cp, true, nil
	}
	if err := scanner.Err(); err != nil {
		return nil, false, err
	}
	return nil, false, nil
}
