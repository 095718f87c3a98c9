package agentloop

import "github.com/mvidakovic/agentloop/providers"

// Result is the outcome of one logical call: the assistant turn's parts plus
// metadata about the provider attempt that produced them.
type Result struct {
	// Provider is the registry entry name that served the call.
	Provider string

	// Model is the concrete model identifier used.
	Model string

	// Parts holds the assistant turn content in emission order.
	Parts []providers.Part

	// Text is the first text part, kept as a convenience field.
	Text string

	FinishReason providers.FinishReason
	Usage        providers.Usage
}

// ToolCalls returns the tool call parts of the result in order.
func (r *Result) ToolCalls() []providers.ToolCallPart {
	var calls []providers.ToolCallPart
	for _, p := range r.Parts {
		if tc, ok := p.(providers.ToolCallPart); ok {
			calls = append(calls, tc)
		}
	}
	return calls
}

// AssistantMessage folds the result into a conversation turn.
func (r *Result) AssistantMessage() providers.Message {
	return providers.Message{Role: providers.RoleAssistant, Parts: r.Parts}
}

func firstText(parts []providers.Part) string {
	for _, p := range parts {
		if t, ok := p.(providers.TextPart); ok {
			return t.Text
		}
	}
	return ""
}
