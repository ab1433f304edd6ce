// Package sse implements the server-sent-events wire format used by the
// chat streaming endpoint: each event is a single `data: {json}\n\n` frame,
// and the stream terminates with a literal `data: [DONE]\n\n`.
package sse

import "encoding/json"

// DoneSentinel is the terminal frame payload. It is not JSON.
const DoneSentinel = "[DONE]"

// Event is one streamed frame payload. Exactly one of the payload
// shapes is populated depending on Type.
type Event struct {
	Type EventType

	// Content carries assistant text for EventContent.
	Content string

	// Name is the tool name for EventToolCall and EventToolResult.
	Name string

	// Args carries the tool arguments for EventToolCall.
	Args json.RawMessage

	// Err carries the message for EventError.
	Err string
}

// EventType discriminates the frame payload shape.
type EventType int

const (
	// EventContent is an assistant text delta: {"content": "..."}.
	EventContent EventType = iota

	// EventToolCall announces a tool invocation:
	// {"type": "tool_call", "name": "...", "args": {...}}.
	EventToolCall

	// EventToolResult announces a completed tool execution:
	// {"type": "tool_result", "name": "..."}.
	EventToolResult

	// EventError reports a stream failure: {"error": "..."}. An error
	// frame is terminal; no [DONE] follows it.
	EventError

	// EventDone is the literal [DONE] sentinel.
	EventDone
)

// ContentEvent builds a text-delta event.
func ContentEvent(text string) Event {
	return Event{Type: EventContent, Content: text}
}

// ToolCallEvent builds a tool invocation announcement.
func ToolCallEvent(name string, args json.RawMessage) Event {
	return Event{Type: EventToolCall, Name: name, Args: args}
}

// ToolResultEvent builds a tool completion announcement.
func ToolResultEvent(name string) Event {
	return Event{Type: EventToolResult, Name: name}
}

// ErrorEvent builds a terminal error frame.
func ErrorEvent(msg string) Event {
	return Event{Type: EventError, Err: msg}
}

// DoneEvent builds the terminal sentinel frame.
func DoneEvent() Event {
	return Event{Type: EventDone}
}

type contentPayload struct {
	Content string `json:"content"`
}

type toolCallPayload struct {
	Type string          `json:"type"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

type toolResultPayload struct {
	Type string `json:"type"`
	Name string `json:"name"`
}

type errorPayload struct {
	Error string `json:"error"`
}

// MarshalPayload renders the frame payload (the bytes after "data: ").
// For EventDone this is the raw [DONE] sentinel, not JSON.
func (e Event) MarshalPayload() ([]byte, error) {
	switch e.Type {
	case EventContent:
		return json.Marshal(contentPayload{Content: e.Content})
	case EventToolCall:
		args := e.Args
		if len(args) == 0 {
			args = json.RawMessage(`{}`)
		}
		return json.Marshal(toolCallPayload{Type: "tool_call", Name: e.Name, Args: args})
	case EventToolResult:
		return json.Marshal(toolResultPayload{Type: "tool_result", Name: e.Name})
	case EventError:
		return json.Marshal(errorPayload{Error: e.Err})
	case EventDone:
		return []byte(DoneSentinel), nil
	}
	return nil, errUnknownEventType
}
