// Package openai implements the Provider interface for OpenAI-compatible
// chat completion endpoints. Several hosted providers speak this protocol
// with a different base URL, so the same transport serves them all.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"

	goopenai "github.com/sashabaranov/go-openai"

	"github.com/mvidakovic/agentloop/providers"
)

// Provider implements providers.Provider on top of go-openai.
type Provider struct {
	client *goopenai.Client
	logger *slog.Logger
}

// New creates a provider for the given credential and base URL. An empty
// baseURL uses the OpenAI endpoint.
func New(apiKey, baseURL string, logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	cfg := goopenai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &Provider{
		client: goopenai.NewClientWithConfig(cfg),
		logger: logger,
	}
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "openai"
}

// Complete generates a non-streaming completion.
func (p *Provider) Complete(ctx context.Context, req providers.Request) (*providers.Response, error) {
	apiReq, err := toAPIRequest(req)
	if err != nil {
		return nil, err
	}

	resp, err := p.client.CreateChatCompletion(ctx, apiReq)
	if err != nil {
		return nil, fmt.Errorf("openai: completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("openai: response has no choices")
	}

	choice := resp.Choices[0]
	var parts []providers.Part
	if choice.Message.Content != "" {
		parts = append(parts, providers.TextPart{Text: choice.Message.Content})
	}
	for _, tc := range choice.Message.ToolCalls {
		parts = append(parts, providers.ToolCallPart{
			CallID: tc.ID,
			Name:   tc.Function.Name,
			Args:   parseArgs(tc.Function.Arguments),
		})
	}

	return &providers.Response{
		Model:        resp.Model,
		Parts:        parts,
		FinishReason: fromAPIFinishReason(choice.FinishReason),
		Usage: providers.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
			TotalTokens:  resp.Usage.TotalTokens,
		}.Normalized(),
	}, nil
}

// Stream opens a streaming completion.
func (p *Provider) Stream(ctx context.Context, req providers.Request) (providers.ChunkReader, error) {
	apiReq, err := toAPIRequest(req)
	if err != nil {
		return nil, err
	}
	apiReq.Stream = true
	apiReq.StreamOptions = &goopenai.StreamOptions{IncludeUsage: true}

	stream, err := p.client.CreateChatCompletionStream(ctx, apiReq)
	if err != nil {
		return nil, fmt.Errorf("openai: open stream: %w", err)
	}

	return &streamReader{stream: stream, logger: p.logger, callIDs: make(map[int]string)}, nil
}

func toAPIRequest(req providers.Request) (goopenai.ChatCompletionRequest, error) {
	apiReq := goopenai.ChatCompletionRequest{
		Model: req.Model,
		Stop:  req.Sampling.Stop,
	}
	if req.Sampling.Temperature != nil {
		apiReq.Temperature = float32(*req.Sampling.Temperature)
	}
	if req.Sampling.TopP != nil {
		apiReq.TopP = float32(*req.Sampling.TopP)
	}
	if req.Sampling.MaxTokens != nil {
		apiReq.MaxTokens = *req.Sampling.MaxTokens
	}

	messages, err := toAPIMessages(req.Messages)
	if err != nil {
		return apiReq, err
	}
	apiReq.Messages = messages

	for _, t := range req.Tools {
		apiReq.Tools = append(apiReq.Tools, goopenai.Tool{
			Type: goopenai.ToolTypeFunction,
			Function: &goopenai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}

	return apiReq, nil
}

// toAPIMessages flattens part-based messages into the chat format. A tool
// message fans out into one API message per result, preserving order.
func toAPIMessages(messages []providers.Message) ([]goopenai.ChatCompletionMessage, error) {
	var out []goopenai.ChatCompletionMessage
	for _, msg := range messages {
		switch msg.Role {
		case providers.RoleTool:
			for _, part := range msg.Parts {
				result, ok := part.(providers.ToolResultPart)
				if !ok {
					continue
				}
				out = append(out, goopenai.ChatCompletionMessage{
					Role:       goopenai.ChatMessageRoleTool,
					Content:    result.Content,
					Name:       result.Name,
					ToolCallID: result.CallID,
				})
			}

		case providers.RoleAssistant:
			apiMsg := goopenai.ChatCompletionMessage{
				Role:    goopenai.ChatMessageRoleAssistant,
				Content: msg.Text(),
			}
			for _, tc := range msg.ToolCalls() {
				args, err := json.Marshal(tc.Args)
				if err != nil {
					return nil, fmt.Errorf("openai: marshal tool args for %s: %w", tc.Name, err)
				}
				apiMsg.ToolCalls = append(apiMsg.ToolCalls, goopenai.ToolCall{
					ID:   tc.CallID,
					Type: goopenai.ToolTypeFunction,
					Function: goopenai.FunctionCall{
						Name:      tc.Name,
						Arguments: string(args),
					},
				})
			}
			out = append(out, apiMsg)

		default:
			out = append(out, goopenai.ChatCompletionMessage{
				Role:    string(msg.Role),
				Content: msg.Text(),
			})
		}
	}
	return out, nil
}

func fromAPIFinishReason(reason goopenai.FinishReason) providers.FinishReason {
	switch reason {
	case goopenai.FinishReasonStop:
		return providers.FinishReasonStop
	case goopenai.FinishReasonToolCalls, goopenai.FinishReasonFunctionCall:
		return providers.FinishReasonToolCalls
	case goopenai.FinishReasonLength:
		return providers.FinishReasonLength
	case goopenai.FinishReasonContentFilter:
		return providers.FinishReasonContentFilter
	default:
		return providers.FinishReasonStop
	}
}

func parseArgs(text string) map[string]any {
	if text == "" {
		return map[string]any{}
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(text), &args); err != nil || args == nil {
		return map[string]any{}
	}
	return args
}

// streamReader converts chat completion deltas into raw chunks. Tool call
// fragments arrive keyed by choice index; the id appears on the first
// fragment only, so the index-to-id mapping is tracked here.
type streamReader struct {
	mu      sync.Mutex
	stream  *goopenai.ChatCompletionStream
	logger  *slog.Logger
	callIDs map[int]string
	pending []providers.StreamChunk
	reason  providers.FinishReason
	usage   *providers.Usage
	done    bool
}

func (s *streamReader) Next() (*providers.StreamChunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		if len(s.pending) > 0 {
			chunk := s.pending[0]
			s.pending = s.pending[1:]
			return &chunk, nil
		}
		if s.done {
			return nil, io.EOF
		}

		resp, err := s.stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				s.done = true
				reason := s.reason
				if reason == "" {
					reason = providers.FinishReasonStop
				}
				return &providers.StreamChunk{
					Type:         providers.ChunkFinish,
					FinishReason: reason,
					Usage:        s.usage,
				}, nil
			}
			return nil, fmt.Errorf("openai: stream read: %w", err)
		}
		s.ingest(&resp)
	}
}

func (s *streamReader) ingest(resp *goopenai.ChatCompletionStreamResponse) {
	if resp.Usage != nil {
		s.usage = &providers.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
			TotalTokens:  resp.Usage.TotalTokens,
		}
	}
	if len(resp.Choices) == 0 {
		return
	}
	choice := resp.Choices[0]

	if choice.Delta.ReasoningContent != "" {
		s.pending = append(s.pending, providers.StreamChunk{
			Type:  providers.ChunkReasoningDelta,
			Delta: choice.Delta.ReasoningContent,
		})
	}
	if choice.Delta.Content != "" {
		s.pending = append(s.pending, providers.StreamChunk{
			Type:  providers.ChunkTextDelta,
			Delta: choice.Delta.Content,
		})
	}

	for _, tc := range choice.Delta.ToolCalls {
		idx := 0
		if tc.Index != nil {
			idx = *tc.Index
		}
		callID, known := s.callIDs[idx]
		if tc.ID != "" && !known {
			callID = tc.ID
			s.callIDs[idx] = callID
			s.pending = append(s.pending, providers.StreamChunk{
				Type:     providers.ChunkToolCallStart,
				CallID:   callID,
				ToolName: tc.Function.Name,
			})
		} else if !known {
			callID = "call_" + strconv.Itoa(idx)
			s.callIDs[idx] = callID
			s.pending = append(s.pending, providers.StreamChunk{
				Type:     providers.ChunkToolCallStart,
				CallID:   callID,
				ToolName: tc.Function.Name,
			})
		}
		if tc.Function.Arguments != "" {
			s.pending = append(s.pending, providers.StreamChunk{
				Type:   providers.ChunkToolArgsDelta,
				CallID: callID,
				Delta:  tc.Function.Arguments,
			})
		}
	}

	if choice.FinishReason != "" {
		s.reason = fromAPIFinishReason(choice.FinishReason)
	}
}

func (s *streamReader) Close() error {
	return s.stream.Close()
}
