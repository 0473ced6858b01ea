// Package stream implements the streaming multiplexer that turns a
// StreamingHandle's three channels into a single downstream byte stream.
package stream

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/kestrel-labs/agentcore/internal/orchestrator"
)

// Framing selects the outer wire format the caller wants.
type Framing int

const (
	// Raw emits text chunks as-is with no trailers and no event envelope.
	Raw Framing = iota
	// Event emits "data: <json>\n\n" frames with usage/duration trailers.
	Event
)

type frame struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// Write drains sr and writes frames to w per framing until the stream ends.
// It returns the first error encountered, which is either a write failure
// (io, client disconnect) or an error surfaced on sr.Err.
//
// Ordering contract: all text frames precede the usage frame, which
// precedes the duration frame. A trailer is omitted entirely, never emitted
// partially, when the provider didn't supply it.
func Write(w io.Writer, sr *orchestrator.StreamResult, framing Framing) error {
	for chunk := range sr.TextChunks {
		if err := writeChunk(w, chunk, framing); err != nil {
			return err
		}
	}

	// TextChunks closing only signals text is done; usage/duration and any
	// terminal error arrive on their own channels and may race with that
	// close, so they're read only now, not selected concurrently with text.
	usage, usageOK := <-sr.FinalUsage
	duration, durationOK := <-sr.FinalDuration
	streamErr := <-sr.Err

	if streamErr != nil {
		return streamErr
	}

	if framing == Event {
		if usageOK {
			if err := writeEvent(w, "usage", usage); err != nil {
				return err
			}
		}
		if durationOK {
			if err := writeEvent(w, "duration", duration); err != nil {
				return err
			}
		}
	}
	return nil
}

func writeChunk(w io.Writer, text string, framing Framing) error {
	if framing == Raw {
		_, err := io.WriteString(w, text)
		return err
	}
	return writeEvent(w, "text", text)
}

func writeEvent(w io.Writer, typ string, payload any) error {
	body, err := json.Marshal(frame{Type: typ, Payload: payload})
	if err != nil {
		return fmt.Errorf("stream: marshal %s frame: %w", typ, err)
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", body); err != nil {
		return err
	}
	if f, ok := w.(flusher); ok {
		f.Flush()
	}
	return nil
}

// flusher is satisfied by http.ResponseWriter; Write flushes after every
// frame so an SSE client sees chunks as they're produced, not buffered
// until the handler returns.
type flusher interface {
	Flush()
}
