package agentloop

import "github.com/mvidakovic/agentloop/providers"

// EventType tags a semantic streaming event.
type EventType string

const (
	EventTypeText          EventType = "text"
	EventTypeReasoning     EventType = "reasoning"
	EventTypeToolCallStart EventType = "tool_call_start"
	EventTypeToolCallDelta EventType = "tool_call_delta"
	EventTypeToolCall      EventType = "tool_call"
	EventTypeFile          EventType = "file"
	EventTypeError         EventType = "error"
	EventTypeFinish        EventType = "finish"
)

// StreamEvent is one semantic event produced by the translator. The sink
// contract: at most one finish event per call, and exactly one Done=true per
// opened text or reasoning stream identifier.
type StreamEvent struct {
	Type EventType

	// Text and reasoning streams. StreamID correlates deltas belonging to
	// one independently opened run; Done marks its close.
	StreamID string
	Delta    string
	Done     bool

	// Tool call events.
	CallID      string
	ToolName    string
	PartialArgs string
	Args        map[string]any

	// File events.
	MimeType string
	Data     []byte

	// Error events.
	Err error

	// Finish events.
	FinishReason providers.FinishReason
	Usage        providers.Usage
}

// EventSink receives translated stream events. A nil sink is valid; events
// are then accumulated into the Result only.
type EventSink func(StreamEvent)

// TextDelta creates a text delta event.
func TextDelta(streamID, delta string) StreamEvent {
	return StreamEvent{Type: EventTypeText, StreamID: streamID, Delta: delta}
}

// TextDone creates the closing event for a text stream.
func TextDone(streamID string) StreamEvent {
	return StreamEvent{Type: EventTypeText, StreamID: streamID, Done: true}
}

// ReasoningDelta creates a reasoning delta event.
func ReasoningDelta(streamID, delta string) StreamEvent {
	return StreamEvent{Type: EventTypeReasoning, StreamID: streamID, Delta: delta}
}

// ReasoningDone creates the closing event for a reasoning stream.
func ReasoningDone(streamID string) StreamEvent {
	return StreamEvent{Type: EventTypeReasoning, StreamID: streamID, Done: true}
}

// ToolCallStart creates an event announcing a tool call by id and name.
func ToolCallStart(callID, name string) StreamEvent {
	return StreamEvent{Type: EventTypeToolCallStart, CallID: callID, ToolName: name}
}

// ToolCallDelta creates an event carrying a partial argument fragment.
func ToolCallDelta(callID, partial string) StreamEvent {
	return StreamEvent{Type: EventTypeToolCallDelta, CallID: callID, PartialArgs: partial}
}

// ToolCall creates a fully materialized tool call event with parsed args.
func ToolCall(callID, name string, args map[string]any) StreamEvent {
	return StreamEvent{Type: EventTypeToolCall, CallID: callID, ToolName: name, Args: args}
}

// File creates a file event.
func File(mimeType string, data []byte) StreamEvent {
	return StreamEvent{Type: EventTypeFile, MimeType: mimeType, Data: data}
}

// ErrorEvent creates an error event.
func ErrorEvent(err error) StreamEvent {
	return StreamEvent{Type: EventTypeError, Err: err}
}

// Finish creates the terminal event for one call.
func Finish(reason providers.FinishReason, usage providers.Usage) StreamEvent {
	return StreamEvent{Type: EventTypeFinish, FinishReason: reason, Usage: usage.Normalized()}
}
