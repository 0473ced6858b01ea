// Package message defines the canonical conversation representation shared
// by every provider adapter and the tool-calling loop. Nothing in this
// package knows about HTTP, SSE, or any particular upstream wire format.
package message

import (
	"encoding/json"
	"fmt"
)

// Role identifies the author of a Message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// Message is one turn of a conversation. Content is empty only when an
// assistant turn consists solely of tool-call requests.
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolCall is a single function-call request emitted by an assistant turn.
type ToolCall struct {
	ID            string `json:"id"`
	FunctionName  string `json:"function_name"`
	ArgumentsJSON string `json:"arguments_json"`
}

// ToolSchema is a provider-neutral description of a callable tool.
type ToolSchema struct {
	Name                 string          `json:"name"`
	Description          string          `json:"description,omitempty"`
	ParametersJSONSchema json.RawMessage `json:"parameters_json_schema"`
}

// TokenUsage tracks prompt/completion token accounting for one or more turns.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Add returns the monoidal sum of two usages, recomputing Total rather than
// trusting either operand's Total field.
func (u TokenUsage) Add(other TokenUsage) TokenUsage {
	sum := TokenUsage{
		PromptTokens:     u.PromptTokens + other.PromptTokens,
		CompletionTokens: u.CompletionTokens + other.CompletionTokens,
	}
	sum.TotalTokens = sum.PromptTokens + sum.CompletionTokens
	return sum
}

// Normalize forces Total = Prompt + Completion, the invariant every adapter
// must establish before handing a TokenUsage back to the loop.
func (u TokenUsage) Normalize() TokenUsage {
	u.TotalTokens = u.PromptTokens + u.CompletionTokens
	return u
}

// DurationUsage tracks nanosecond phase timings. Providers that do not
// report a given phase leave it at zero.
type DurationUsage struct {
	TotalDuration      int64 `json:"total_duration"`
	LoadDuration       int64 `json:"load_duration"`
	PromptEvalDuration int64 `json:"prompt_eval_duration"`
	EvalDuration       int64 `json:"eval_duration"`
}

// Add returns the monoidal sum of two durations. Per the core's accumulation
// policy this is additive sum-of-work, not an attempt at wall-clock
// reconstruction, so it is safe to call across parallel tool-call batches.
func (d DurationUsage) Add(other DurationUsage) DurationUsage {
	return DurationUsage{
		TotalDuration:      d.TotalDuration + other.TotalDuration,
		LoadDuration:       d.LoadDuration + other.LoadDuration,
		PromptEvalDuration: d.PromptEvalDuration + other.PromptEvalDuration,
		EvalDuration:       d.EvalDuration + other.EvalDuration,
	}
}

// ProviderResponse is a non-streaming, or a terminated-streaming, provider
// reply. A non-empty ToolCalls means the loop must dispatch a tool batch.
type ProviderResponse struct {
	Content   string        `json:"content,omitempty"`
	ToolCalls []ToolCall    `json:"tool_calls,omitempty"`
	Usage     TokenUsage    `json:"usage"`
	Duration  DurationUsage `json:"duration"`
}

// HasToolCalls reports whether this response is a tool-dispatch turn.
func (r ProviderResponse) HasToolCalls() bool {
	return len(r.ToolCalls) > 0
}

// StreamingHandle is returned by an adapter once the model has begun
// emitting its terminal textual answer. TextChunks is finite and not
// restartable; FinalUsage/FinalDuration resolve only once TextChunks is
// fully drained (or the producing goroutine errors, in which case they are
// never sent and the channels are closed instead).
type StreamingHandle struct {
	TextChunks    <-chan string
	FinalUsage    <-chan TokenUsage
	FinalDuration <-chan DurationUsage
	// Err, if non-nil after TextChunks closes, reports why the stream ended
	// early. A nil Err with FinalUsage/FinalDuration never having sent means
	// the caller should treat the stream as closed without trailers.
	Err <-chan error
}

// GenerationConfig carries the per-request generation knobs recognized by
// every provider family (some are silently dropped by families that do not
// support them; see the provider package for per-family behavior).
type GenerationConfig struct {
	Stream           bool    `json:"stream"`
	TimeoutMS        int     `json:"timeout_ms"`
	MaxOutputTokens  int     `json:"max_output_tokens"`
	Temperature      float64 `json:"temperature"`
	TopP             float64 `json:"top_p"`
	PresencePenalty  float64 `json:"presence_penalty"`
	FrequencyPenalty float64 `json:"frequency_penalty"`
	MCPServerURL     string  `json:"mcp_server_url,omitempty"`
	SystemPrompt     string  `json:"system_prompt,omitempty"`
	MaxToolCalls     int     `json:"max_tool_calls"`
}

// DefaultGenerationConfig returns the documented defaults for every field a
// caller omits.
func DefaultGenerationConfig() GenerationConfig {
	return GenerationConfig{
		Stream:          true,
		TimeoutMS:       60_000,
		MaxOutputTokens: 8192,
		Temperature:     1.0,
		TopP:            1.0,
		MaxToolCalls:    5,
	}
}

// WithDefaults fills zero-valued fields of cfg with DefaultGenerationConfig's
// values. Stream and MaxToolCalls=0 are legitimate explicit values (a caller
// asking for non-streaming, or a zero tool-call budget), so the JSON boundary
// decodes options on top of a prefilled DefaultGenerationConfig instead of
// relying on this helper; it only backfills numeric fields that are
// meaningless at zero.
func (cfg GenerationConfig) WithDefaults() GenerationConfig {
	d := DefaultGenerationConfig()
	if cfg.TimeoutMS == 0 {
		cfg.TimeoutMS = d.TimeoutMS
	}
	if cfg.MaxOutputTokens == 0 {
		cfg.MaxOutputTokens = d.MaxOutputTokens
	}
	return cfg
}

// ProviderConfig is a GenerationConfig plus the credentials/transport
// options needed to actually reach a provider.
type ProviderConfig struct {
	GenerationConfig
	APIKey   string `json:"api_key"`
	ProxyURL string `json:"proxy_url,omitempty"`
}

// NewUserMessage, NewAssistantMessage, NewSystemMessage, and
// NewToolResultMessage are the role-specific constructors that make an
// invalid Role/field combination hard to construct by accident.

func NewUserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content}
}

func NewSystemMessage(content string) Message {
	return Message{Role: RoleSystem, Content: content}
}

func NewAssistantMessage(content string) Message {
	return Message{Role: RoleAssistant, Content: content}
}

// NewAssistantToolCallMessage builds an assistant turn that consists solely
// of tool-call requests (Content left empty per the data model).
func NewAssistantToolCallMessage(calls []ToolCall) Message {
	return Message{Role: RoleAssistant, ToolCalls: calls}
}

// NewToolResultMessage builds the tool message folded back into the
// conversation after a tool call completes (or fails; callers pass
// "Error: <message>" as content on failure per the loop's recovery policy).
func NewToolResultMessage(toolCallID, content string) Message {
	return Message{Role: RoleTool, Content: content, ToolCallID: toolCallID}
}

// Validate checks the structural invariants from the data model across an
// entire conversation: every tool message's ToolCallID must reference a
// ToolCall.ID from the nearest preceding assistant batch, and no call in that
// batch may receive more than one tool reply. A call left without a reply is
// not rejected.
func Validate(conversation []Message) error {
	if len(conversation) == 0 {
		return fmt.Errorf("message: empty conversation")
	}

	var pendingIDs map[string]bool
	seenForBatch := map[string]bool{}

	for i, m := range conversation {
		switch m.Role {
		case RoleUser, RoleSystem:
			pendingIDs = nil
			seenForBatch = map[string]bool{}
		case RoleAssistant:
			if len(m.ToolCalls) > 0 {
				pendingIDs = map[string]bool{}
				seenForBatch = map[string]bool{}
				ids := map[string]bool{}
				for _, tc := range m.ToolCalls {
					if tc.ID == "" {
						return fmt.Errorf("message: tool call at index %d missing id", i)
					}
					if ids[tc.ID] {
						return fmt.Errorf("message: duplicate tool call id %q at index %d", tc.ID, i)
					}
					ids[tc.ID] = true
					pendingIDs[tc.ID] = true
				}
			} else {
				pendingIDs = nil
				seenForBatch = map[string]bool{}
			}
		case RoleTool:
			if pendingIDs == nil || !pendingIDs[m.ToolCallID] {
				return fmt.Errorf("message: tool message at index %d has unmatched tool_call_id %q", i, m.ToolCallID)
			}
			if seenForBatch[m.ToolCallID] {
				return fmt.Errorf("message: tool message at index %d duplicates tool_call_id %q", i, m.ToolCallID)
			}
			seenForBatch[m.ToolCallID] = true
		default:
			return fmt.Errorf("message: unknown role %q at index %d", m.Role, i)
		}
	}
	return nil
}

// The struct tags describe the external chat-boundary wire shape, so no
// custom MarshalJSON/UnmarshalJSON is defined and the default json
// marshaling is used directly. ToJSON/FromJSON are thin convenience wrappers
// kept here so callers do not need to import encoding/json just to round
// a conversation through the external boundary.

func ToJSON(conversation []Message) ([]byte, error) {
	return json.Marshal(conversation)
}

func FromJSON(data []byte) ([]Message, error) {
	var conversation []Message
	if err := json.Unmarshal(data, &conversation); err != nil {
		return nil, fmt.Errorf("message: decode conversation: %w", err)
	}
	return conversation, nil
}
