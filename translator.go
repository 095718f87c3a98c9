package agentloop

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/mvidakovic/agentloop/providers"
)

// ErrStream wraps a mid-stream error chunk. It is always fatal for the
// current stream so the dispatcher can decide to fail over or surface it.
var ErrStream = errors.New("agentloop: provider stream error")

// translator consumes the raw chunks of one successful provider stream and
// produces semantic events plus the accumulated Result. State is per-call
// and never shared.
type translator struct {
	sink EventSink

	textID   string
	textBuf  strings.Builder
	textOpen bool

	reasonID   string
	reasonBuf  strings.Builder
	reasonOpen bool

	// Tool calls in flight, keyed by provider-assigned call id. Name may
	// arrive separately from argument fragments; order tracks registration
	// so synthesized completions keep emission order.
	tools     map[string]*pendingTool
	toolOrder []string

	parts      []providers.Part
	finishSeen bool
	reason     providers.FinishReason
	usage      providers.Usage
}

type pendingTool struct {
	name    string
	argsBuf strings.Builder
	emitted bool
}

func newTranslator(sink EventSink) *translator {
	return &translator{sink: sink, tools: make(map[string]*pendingTool)}
}

func (t *translator) emit(event StreamEvent) {
	if t.sink != nil {
		t.sink(event)
	}
}

func newStreamID() string { return uuid.NewString() }

// translate processes one raw chunk, emitting events and growing the
// accumulated parts. It returns an error only for fatal stream errors.
func (t *translator) translate(chunk *providers.StreamChunk) error {
	switch chunk.Type {
	case providers.ChunkTextDelta:
		// An empty delta interleaved with tool argument streaming would open
		// a spurious text segment.
		if chunk.Delta == "" && t.toolInFlight() {
			return nil
		}
		if !t.textOpen {
			// Answer text starting means the reasoning phase is over, even
			// when the provider never closes it explicitly.
			t.closeReasoning()
			t.textID = newStreamID()
			t.textOpen = true
		}
		t.textBuf.WriteString(chunk.Delta)
		t.emit(TextDelta(t.textID, chunk.Delta))

	case providers.ChunkTextDone:
		t.closeText()

	case providers.ChunkReasoningDelta:
		if !t.reasonOpen {
			t.reasonID = newStreamID()
			t.reasonOpen = true
		}
		t.reasonBuf.WriteString(chunk.Delta)
		t.emit(ReasoningDelta(t.reasonID, chunk.Delta))

	case providers.ChunkReasoningDone:
		t.closeReasoning()

	case providers.ChunkToolCallStart:
		tool := t.ensureTool(chunk.CallID)
		if chunk.ToolName != "" {
			tool.name = chunk.ToolName
		}
		t.emit(ToolCallStart(chunk.CallID, tool.name))

	case providers.ChunkToolArgsDelta:
		// Models sometimes transition straight into a tool call without
		// closing the text stream; close it for them.
		if t.textOpen {
			t.closeText()
		}
		tool := t.ensureTool(chunk.CallID)
		tool.argsBuf.WriteString(chunk.Delta)
		t.emit(ToolCallDelta(chunk.CallID, chunk.Delta))

	case providers.ChunkToolCall:
		tool := t.ensureTool(chunk.CallID)
		if chunk.ToolName != "" {
			tool.name = chunk.ToolName
		}
		argsText := chunk.Args
		if argsText == "" {
			argsText = tool.argsBuf.String()
		}
		t.completeTool(chunk.CallID, tool, argsText)

	case providers.ChunkFile:
		t.emit(File(chunk.MimeType, chunk.Data))
		t.parts = append(t.parts, providers.FilePart{MimeType: chunk.MimeType, Data: chunk.Data})

	case providers.ChunkError:
		err := fmt.Errorf("%w: %s", ErrStream, chunk.Err)
		t.emit(ErrorEvent(err))
		return err

	case providers.ChunkFinish:
		t.finish(chunk.FinishReason, chunk.Usage)
	}
	return nil
}

func (t *translator) toolInFlight() bool {
	for _, id := range t.toolOrder {
		if !t.tools[id].emitted {
			return true
		}
	}
	return false
}

func (t *translator) ensureTool(callID string) *pendingTool {
	if tool, ok := t.tools[callID]; ok {
		return tool
	}
	tool := &pendingTool{}
	t.tools[callID] = tool
	t.toolOrder = append(t.toolOrder, callID)
	return tool
}

func (t *translator) closeText() {
	if !t.textOpen {
		return
	}
	t.emit(TextDone(t.textID))
	t.parts = append(t.parts, providers.TextPart{Text: t.textBuf.String()})
	t.textBuf.Reset()
	t.textOpen = false
}

func (t *translator) closeReasoning() {
	if !t.reasonOpen {
		return
	}
	t.emit(ReasoningDone(t.reasonID))
	t.parts = append(t.parts, providers.ReasoningPart{Text: t.reasonBuf.String()})
	t.reasonBuf.Reset()
	t.reasonOpen = false
}

// completeTool flushes the fragment buffer, parses the argument JSON and
// emits exactly one materialized tool call. Empty or invalid JSON defaults
// to an empty object rather than failing the stream.
func (t *translator) completeTool(callID string, tool *pendingTool, argsText string) {
	if tool.emitted {
		return
	}
	args := parseToolArgs(argsText)
	tool.emitted = true
	t.emit(ToolCall(callID, tool.name, args))
	t.parts = append(t.parts, providers.ToolCallPart{CallID: callID, Name: tool.name, Args: args})
}

func parseToolArgs(text string) map[string]any {
	if strings.TrimSpace(text) == "" {
		return map[string]any{}
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(text), &args); err != nil || args == nil {
		return map[string]any{}
	}
	return args
}

// finish closes whatever the provider left open so callers always see
// matching start/done pairs, then emits the terminal event.
func (t *translator) finish(reason providers.FinishReason, usage *providers.Usage) {
	if t.finishSeen {
		return
	}
	t.closeText()
	t.closeReasoning()

	for _, id := range t.toolOrder {
		tool := t.tools[id]
		if tool.emitted {
			continue
		}
		t.completeTool(id, tool, tool.argsBuf.String())
	}

	if reason == "" {
		reason = providers.FinishReasonStop
	}
	if reason == providers.FinishReasonStop && len(t.toolOrder) > 0 {
		reason = providers.FinishReasonToolCalls
	}

	t.reason = reason
	if usage != nil {
		t.usage = usage.Normalized()
	}
	t.finishSeen = true
	t.emit(Finish(t.reason, t.usage))
}

func (t *translator) result() *Result {
	return &Result{
		Parts:        t.parts,
		Text:         firstText(t.parts),
		FinishReason: t.reason,
		Usage:        t.usage.Normalized(),
	}
}
