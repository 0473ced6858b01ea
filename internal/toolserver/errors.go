package toolserver

import "fmt"

// ToolInvocationError is the structured failure surface of CallTool.
// The tool-calling loop catches this and
// folds it into a "tool" message rather than aborting the request.
type ToolInvocationError struct {
	ToolName string
	Cause    error
}

func (e *ToolInvocationError) Error() string {
	return fmt.Sprintf("tool %q: %v", e.ToolName, e.Cause)
}

func (e *ToolInvocationError) Unwrap() error { return e.Cause }

// ToolDiscoveryError is raised when list_tools fails. It is swallowed by the
// loop (with a log), not surfaced to the chat client.
type ToolDiscoveryError struct {
	URL   string
	Cause error
}

func (e *ToolDiscoveryError) Error() string {
	return fmt.Sprintf("list tools at %q: %v", e.URL, e.Cause)
}

func (e *ToolDiscoveryError) Unwrap() error { return e.Cause }

// ProtocolUnknown is raised when none of the four detection probes succeed.
// It surfaces directly to a caller that explicitly probes a URL (/mcp-test);
// otherwise it is treated as equivalent to ToolDiscoveryError.
type ProtocolUnknown struct {
	URL   string
	Tried []string
}

func (e *ProtocolUnknown) Error() string {
	return fmt.Sprintf("could not detect tool-server protocol at %q (tried: %v)", e.URL, e.Tried)
}
