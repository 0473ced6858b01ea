package orchestrator

import (
	"fmt"
	"strings"
)

// InvalidRequestError surfaces as 400 at the chat entry point: malformed
// selector, empty message list, or a structurally invalid conversation.
type InvalidRequestError struct {
	Reason string
}

func (e *InvalidRequestError) Error() string { return "invalid request: " + e.Reason }

// MaxIterationsExceededError is raised when the loop reaches iter ==
// max_tool_calls while the model still has pending tool calls. It surfaces
// as 500 with a specific message.
type MaxIterationsExceededError struct {
	MaxToolCalls int
}

func (e *MaxIterationsExceededError) Error() string {
	return fmt.Sprintf("tool-calling loop exceeded max_tool_calls=%d without a final answer", e.MaxToolCalls)
}

// ParseSelectedModel splits "<provider>:<model>" on the first colon. Model
// names may themselves contain colons (e.g. "qwen3:0.6b"), so only the
// provider side is constrained to be colon-free by construction.
func ParseSelectedModel(selector string) (provider, model string, err error) {
	idx := strings.IndexByte(selector, ':')
	if idx < 0 {
		return "", "", &InvalidRequestError{Reason: fmt.Sprintf("selectedModel %q has no colon", selector)}
	}
	provider, model = selector[:idx], selector[idx+1:]
	if provider == "" || model == "" {
		return "", "", &InvalidRequestError{Reason: fmt.Sprintf("selectedModel %q has an empty provider or model", selector)}
	}
	return provider, model, nil
}
