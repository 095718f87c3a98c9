// Package providers defines provider-agnostic domain types and the transport
// interface implemented by each LLM backend.
package providers

import "context"

// Provider is the interface every LLM backend implements.
// Implementations: OpenAI-compatible endpoints, Anthropic, mocks.
type Provider interface {
	// Complete generates a non-streaming completion.
	Complete(ctx context.Context, req Request) (*Response, error)

	// Stream opens a streaming completion.
	Stream(ctx context.Context, req Request) (ChunkReader, error)

	// Name returns the backend name (e.g., "openai", "anthropic").
	Name() string
}

// ChunkReader provides access to raw streaming chunks.
type ChunkReader interface {
	// Next returns the next chunk or io.EOF when the stream is exhausted.
	Next() (*StreamChunk, error)

	// Close closes the stream and releases the underlying transport.
	Close() error
}

// Request is a provider-agnostic completion request. The dispatcher fills
// Model from the selected registry entry before the backend sees it.
type Request struct {
	Model    string
	Messages []Message
	Tools    []ToolDefinition
	Sampling SamplingParams

	// Label is a free-text module label ("planner", "browser-nav", ...) used
	// to classify the call for adaptive retry adjustment.
	Label string
}

// SamplingParams holds sampling options. Pointer fields distinguish "caller
// did not specify" from an explicit zero, so provider defaults only fill
// fields the caller left nil.
type SamplingParams struct {
	Temperature *float64
	TopP        *float64
	TopK        *int
	MaxTokens   *int
	Stop        []string
}

// Clone returns a deep copy so per-attempt adjustments never leak into the
// caller's request.
func (s SamplingParams) Clone() SamplingParams {
	out := SamplingParams{Stop: append([]string(nil), s.Stop...)}
	if s.Temperature != nil {
		v := *s.Temperature
		out.Temperature = &v
	}
	if s.TopP != nil {
		v := *s.TopP
		out.TopP = &v
	}
	if s.TopK != nil {
		v := *s.TopK
		out.TopK = &v
	}
	if s.MaxTokens != nil {
		v := *s.MaxTokens
		out.MaxTokens = &v
	}
	return out
}

// Merge fills unset fields from defaults, leaving caller-specified values
// untouched.
func (s SamplingParams) Merge(defaults SamplingParams) SamplingParams {
	out := s.Clone()
	if out.Temperature == nil {
		out.Temperature = defaults.Temperature
	}
	if out.TopP == nil {
		out.TopP = defaults.TopP
	}
	if out.TopK == nil {
		out.TopK = defaults.TopK
	}
	if out.MaxTokens == nil {
		out.MaxTokens = defaults.MaxTokens
	}
	if len(out.Stop) == 0 {
		out.Stop = append([]string(nil), defaults.Stop...)
	}
	return out
}

// Float64 returns a pointer to v, for building SamplingParams literals.
func Float64(v float64) *float64 { return &v }

// Int returns a pointer to v, for building SamplingParams literals.
func Int(v int) *int { return &v }

// Response is a fully materialized completion.
type Response struct {
	Model        string
	Parts        []Part
	FinishReason FinishReason
	Usage        Usage
}

// MessageRole defines the role of a message sender.
type MessageRole string

const (
	RoleSystem    MessageRole = "system"
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleTool      MessageRole = "tool"
)

// Message is a single conversation turn composed of content parts.
type Message struct {
	Role  MessageRole
	Parts []Part
}

// Part is one piece of message content: text, a tool call, a tool result,
// or a binary file.
type Part interface {
	partType() string
}

// TextPart is plain text content.
type TextPart struct {
	Text string
}

// ReasoningPart is model reasoning text, kept separate from answer text.
type ReasoningPart struct {
	Text string
}

// ToolCallPart is a structured request by the model to invoke a tool.
type ToolCallPart struct {
	CallID string
	Name   string
	Args   map[string]any
}

// ToolResultPart carries the outcome of one tool invocation back to the model.
type ToolResultPart struct {
	CallID  string
	Name    string
	IsError bool
	Content string
}

// FilePart is binary content produced by the model (e.g., an image).
type FilePart struct {
	MimeType string
	Data     []byte
}

func (TextPart) partType() string       { return "text" }
func (ReasoningPart) partType() string  { return "reasoning" }
func (ToolCallPart) partType() string   { return "tool-call" }
func (ToolResultPart) partType() string { return "tool-result" }
func (FilePart) partType() string       { return "file" }

// TextMessage builds a single-part text message.
func TextMessage(role MessageRole, text string) Message {
	return Message{Role: role, Parts: []Part{TextPart{Text: text}}}
}

// ToolResultMessage folds tool results into one role:tool turn, preserving
// the order the results are given in.
func ToolResultMessage(results []ToolResultPart) Message {
	parts := make([]Part, 0, len(results))
	for _, r := range results {
		parts = append(parts, r)
	}
	return Message{Role: RoleTool, Parts: parts}
}

// Text concatenates all text parts of the message.
func (m Message) Text() string {
	var out string
	for _, p := range m.Parts {
		if t, ok := p.(TextPart); ok {
			out += t.Text
		}
	}
	return out
}

// ToolCalls returns the tool call parts of the message in order.
func (m Message) ToolCalls() []ToolCallPart {
	var calls []ToolCallPart
	for _, p := range m.Parts {
		if tc, ok := p.(ToolCallPart); ok {
			calls = append(calls, tc)
		}
	}
	return calls
}

// ToolDefinition describes a tool the model may call.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  map[string]any // JSON-schema-like parameter spec
}

// FinishReason indicates why the model stopped generating.
type FinishReason string

const (
	FinishReasonStop          FinishReason = "stop"
	FinishReasonToolCalls     FinishReason = "tool_calls"
	FinishReasonLength        FinishReason = "length"
	FinishReasonContentFilter FinishReason = "content_filter"
	FinishReasonError         FinishReason = "error"
)

// Usage tracks token consumption.
type Usage struct {
	InputTokens  int
	OutputTokens int
	TotalTokens  int
}

// Normalized returns a copy with missing fields defaulted to zero and the
// total computed when the provider omitted it.
func (u Usage) Normalized() Usage {
	if u.InputTokens < 0 {
		u.InputTokens = 0
	}
	if u.OutputTokens < 0 {
		u.OutputTokens = 0
	}
	if u.TotalTokens <= 0 {
		u.TotalTokens = u.InputTokens + u.OutputTokens
	}
	return u
}

// Add accumulates usage across iterations.
func (u Usage) Add(other Usage) Usage {
	other = other.Normalized()
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.TotalTokens += other.TotalTokens
	return u
}

// ChunkType tags a raw streaming chunk.
type ChunkType string

const (
	ChunkTextDelta      ChunkType = "text-delta"
	ChunkTextDone       ChunkType = "text-done"
	ChunkReasoningDelta ChunkType = "reasoning-delta"
	ChunkReasoningDone  ChunkType = "reasoning-done"
	ChunkToolCallStart  ChunkType = "tool-call-start"
	ChunkToolArgsDelta  ChunkType = "tool-args-delta"
	ChunkToolCall       ChunkType = "tool-call"
	ChunkFile           ChunkType = "file"
	ChunkError          ChunkType = "error"
	ChunkFinish         ChunkType = "finish"
)

// StreamChunk is one raw event emitted by a backend stream. Field usage
// depends on Type; the translator turns these into semantic events.
type StreamChunk struct {
	Type ChunkType

	// Delta carries text, reasoning, or argument fragments.
	Delta string

	// Tool call correlation. Args holds the complete argument JSON for a
	// terminal tool-call chunk.
	CallID   string
	ToolName string
	Args     string

	MimeType string
	Data     []byte

	// Err is set for error chunks.
	Err string

	FinishReason FinishReason
	Usage        *Usage
}
