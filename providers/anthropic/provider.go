// Package anthropic implements the Provider interface for the Anthropic
// Messages API.
package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/mvidakovic/agentloop/providers"
)

const (
	defaultBaseURL   = "https://api.anthropic.com"
	messagesPath     = "/v1/messages"
	apiVersion       = "2023-06-01"
	defaultMaxTokens = 4096
)

// Provider implements providers.Provider for Anthropic.
type Provider struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// New creates a new Anthropic provider. An empty baseURL uses the public
// endpoint.
func New(apiKey, baseURL string, logger *slog.Logger) *Provider {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{
		apiKey:     apiKey,
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{},
		logger:     logger,
	}
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "anthropic"
}

// Complete generates a non-streaming completion.
func (p *Provider) Complete(ctx context.Context, req providers.Request) (*providers.Response, error) {
	resp, err := p.send(ctx, req, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("anthropic: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, parseAPIError(resp.StatusCode, body)
	}

	var apiResp messageResponse
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return nil, fmt.Errorf("anthropic: unmarshal response: %w", err)
	}

	return fromAPIResponse(&apiResp), nil
}

// Stream opens a streaming completion.
func (p *Provider) Stream(ctx context.Context, req providers.Request) (providers.ChunkReader, error) {
	resp, err := p.send(ctx, req, true)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, parseAPIError(resp.StatusCode, body)
	}

	return newStreamReader(resp.Body, p.logger), nil
}

func (p *Provider) send(ctx context.Context, req providers.Request, stream bool) (*http.Response, error) {
	apiReq := toAPIRequest(req)
	apiReq.Stream = stream

	jsonData, err := json.Marshal(apiReq)
	if err != nil {
		return nil, fmt.Errorf("anthropic: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+messagesPath, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("anthropic: create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Api-Key", p.apiKey)
	httpReq.Header.Set("Anthropic-Version", apiVersion)
	if stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("anthropic: send request: %w", err)
	}
	return resp, nil
}

func toAPIRequest(req providers.Request) apiRequest {
	apiReq := apiRequest{
		Model:         req.Model,
		MaxTokens:     defaultMaxTokens,
		StopSequences: req.Sampling.Stop,
	}
	if req.Sampling.MaxTokens != nil {
		apiReq.MaxTokens = *req.Sampling.MaxTokens
	}
	if req.Sampling.Temperature != nil {
		apiReq.Temperature = req.Sampling.Temperature
	}
	if req.Sampling.TopP != nil {
		apiReq.TopP = req.Sampling.TopP
	}
	if req.Sampling.TopK != nil {
		apiReq.TopK = req.Sampling.TopK
	}

	for _, msg := range req.Messages {
		switch msg.Role {
		case providers.RoleSystem:
			if apiReq.System != "" {
				apiReq.System += "\n"
			}
			apiReq.System += msg.Text()

		case providers.RoleTool:
			blocks := make([]contentBlock, 0, len(msg.Parts))
			for _, part := range msg.Parts {
				result, ok := part.(providers.ToolResultPart)
				if !ok {
					continue
				}
				blocks = append(blocks, contentBlock{
					Type:      "tool_result",
					ToolUseID: result.CallID,
					Content:   result.Content,
					IsError:   result.IsError,
				})
			}
			apiReq.Messages = append(apiReq.Messages, message{Role: "user", Content: blocks})

		default:
			role := "user"
			if msg.Role == providers.RoleAssistant {
				role = "assistant"
			}
			var blocks []contentBlock
			for _, part := range msg.Parts {
				switch v := part.(type) {
				case providers.TextPart:
					if v.Text != "" {
						blocks = append(blocks, contentBlock{Type: "text", Text: v.Text})
					}
				case providers.ToolCallPart:
					blocks = append(blocks, contentBlock{
						Type:  "tool_use",
						ID:    v.CallID,
						Name:  v.Name,
						Input: v.Args,
					})
				}
			}
			if len(blocks) == 0 {
				continue
			}
			apiReq.Messages = append(apiReq.Messages, message{Role: role, Content: blocks})
		}
	}

	for _, t := range req.Tools {
		apiReq.Tools = append(apiReq.Tools, tool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.Parameters,
		})
	}

	return apiReq
}

func fromAPIResponse(resp *messageResponse) *providers.Response {
	out := &providers.Response{
		Model:        resp.Model,
		FinishReason: fromStopReason(resp.StopReason),
		Usage: providers.Usage{
			InputTokens:  resp.Usage.InputTokens,
			OutputTokens: resp.Usage.OutputTokens,
		}.Normalized(),
	}

	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			out.Parts = append(out.Parts, providers.TextPart{Text: block.Text})
		case "tool_use":
			args, _ := block.Input.(map[string]any)
			if args == nil {
				args = map[string]any{}
			}
			out.Parts = append(out.Parts, providers.ToolCallPart{
				CallID: block.ID,
				Name:   block.Name,
				Args:   args,
			})
		}
	}

	return out
}

func fromStopReason(reason string) providers.FinishReason {
	switch reason {
	case "end_turn", "stop_sequence":
		return providers.FinishReasonStop
	case "tool_use":
		return providers.FinishReasonToolCalls
	case "max_tokens":
		return providers.FinishReasonLength
	default:
		return providers.FinishReasonStop
	}
}

// Stream reader implementation

type streamReader struct {
	reader io.ReadCloser
	buffer string
	logger *slog.Logger

	// Content blocks are streamed by index; track each block's type and
	// tool call id so stop events can be attributed.
	blockTypes map[int]string
	blockCalls map[int]string

	stopReason string
	usage      providers.Usage
	pending    []providers.StreamChunk
	finished   bool
}

func newStreamReader(reader io.ReadCloser, logger *slog.Logger) *streamReader {
	if logger == nil {
		logger = slog.Default()
	}
	return &streamReader{
		reader:     reader,
		logger:     logger,
		blockTypes: make(map[int]string),
		blockCalls: make(map[int]string),
	}
}

func (s *streamReader) Next() (*providers.StreamChunk, error) {
	for {
		if len(s.pending) > 0 {
			chunk := s.pending[0]
			s.pending = s.pending[1:]
			return &chunk, nil
		}
		if s.finished {
			return nil, io.EOF
		}

		if event, ok := s.nextEvent(); ok {
			s.ingest(event)
			continue
		}

		buf := make([]byte, 4096)
		n, err := s.reader.Read(buf)
		if n > 0 {
			s.buffer += string(buf[:n])
			continue
		}
		if err != nil {
			if err == io.EOF {
				s.finished = true
				continue
			}
			return nil, err
		}
	}
}

func (s *streamReader) Close() error {
	return s.reader.Close()
}

func (s *streamReader) nextEvent() (*streamEvent, bool) {
	idx := strings.Index(s.buffer, "\n\n")
	if idx == -1 {
		return nil, false
	}

	raw := s.buffer[:idx]
	s.buffer = s.buffer[idx+2:]

	data := extractSSEData(raw)
	if data == "" {
		return &streamEvent{Type: "ping"}, true
	}

	var event streamEvent
	if err := json.Unmarshal([]byte(data), &event); err != nil {
		s.logger.Error("failed to parse stream event", "error", err)
		return &streamEvent{Type: "ping"}, true
	}
	return &event, true
}

func (s *streamReader) ingest(event *streamEvent) {
	switch event.Type {
	case "message_start":
		if event.Message != nil {
			s.usage.InputTokens = event.Message.Usage.InputTokens
		}

	case "content_block_start":
		if event.ContentBlock == nil {
			return
		}
		s.blockTypes[event.Index] = event.ContentBlock.Type
		if event.ContentBlock.Type == "tool_use" {
			s.blockCalls[event.Index] = event.ContentBlock.ID
			s.pending = append(s.pending, providers.StreamChunk{
				Type:     providers.ChunkToolCallStart,
				CallID:   event.ContentBlock.ID,
				ToolName: event.ContentBlock.Name,
			})
		}

	case "content_block_delta":
		if event.Delta == nil {
			return
		}
		switch event.Delta.Type {
		case "text_delta":
			s.pending = append(s.pending, providers.StreamChunk{
				Type:  providers.ChunkTextDelta,
				Delta: event.Delta.Text,
			})
		case "thinking_delta":
			s.pending = append(s.pending, providers.StreamChunk{
				Type:  providers.ChunkReasoningDelta,
				Delta: event.Delta.Thinking,
			})
		case "input_json_delta":
			s.pending = append(s.pending, providers.StreamChunk{
				Type:   providers.ChunkToolArgsDelta,
				CallID: s.blockCalls[event.Index],
				Delta:  event.Delta.PartialJSON,
			})
		}

	case "content_block_stop":
		switch s.blockTypes[event.Index] {
		case "text":
			s.pending = append(s.pending, providers.StreamChunk{Type: providers.ChunkTextDone})
		case "thinking":
			s.pending = append(s.pending, providers.StreamChunk{Type: providers.ChunkReasoningDone})
		case "tool_use":
			s.pending = append(s.pending, providers.StreamChunk{
				Type:   providers.ChunkToolCall,
				CallID: s.blockCalls[event.Index],
			})
		}

	case "message_delta":
		if event.Delta != nil && event.Delta.StopReason != "" {
			s.stopReason = event.Delta.StopReason
		}
		if event.Usage != nil {
			s.usage.OutputTokens = event.Usage.OutputTokens
		}

	case "message_stop":
		usage := s.usage.Normalized()
		s.pending = append(s.pending, providers.StreamChunk{
			Type:         providers.ChunkFinish,
			FinishReason: fromStopReason(s.stopReason),
			Usage:        &usage,
		})
		s.finished = true

	case "error":
		msg := "unknown stream error"
		if event.Error != nil {
			msg = event.Error.Message
		}
		s.pending = append(s.pending, providers.StreamChunk{
			Type: providers.ChunkError,
			Err:  msg,
		})
		s.finished = true
	}
}

func extractSSEData(event string) string {
	for _, line := range strings.Split(event, "\n") {
		if strings.HasPrefix(line, "data: ") {
			return strings.TrimPrefix(line, "data: ")
		}
	}
	return ""
}

// Anthropic API types (internal to this package)

type apiRequest struct {
	Model         string    `json:"model"`
	System        string    `json:"system,omitempty"`
	Messages      []message `json:"messages"`
	Tools         []tool    `json:"tools,omitempty"`
	MaxTokens     int       `json:"max_tokens"`
	Temperature   *float64  `json:"temperature,omitempty"`
	TopP          *float64  `json:"top_p,omitempty"`
	TopK          *int      `json:"top_k,omitempty"`
	StopSequences []string  `json:"stop_sequences,omitempty"`
	Stream        bool      `json:"stream,omitempty"`
}

type message struct {
	Role    string         `json:"role"`
	Content []contentBlock `json:"content"`
}

type contentBlock struct {
	Type      string `json:"type"`
	Text      string `json:"text,omitempty"`
	ID        string `json:"id,omitempty"`
	Name      string `json:"name,omitempty"`
	Input     any    `json:"input,omitempty"`
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}

type tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema"`
}

type messageResponse struct {
	ID         string         `json:"id"`
	Model      string         `json:"model"`
	Content    []contentBlock `json:"content"`
	StopReason string         `json:"stop_reason"`
	Usage      usage          `json:"usage"`
}

type usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type streamEvent struct {
	Type         string           `json:"type"`
	Index        int              `json:"index"`
	Message      *messageResponse `json:"message,omitempty"`
	ContentBlock *contentBlock    `json:"content_block,omitempty"`
	Delta        *eventDelta      `json:"delta,omitempty"`
	Usage        *usage           `json:"usage,omitempty"`
	Error        *apiError        `json:"error,omitempty"`
}

type eventDelta struct {
	Type        string `json:"type"`
	Text        string `json:"text,omitempty"`
	Thinking    string `json:"thinking,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
	StopReason  string `json:"stop_reason,omitempty"`
}

type apiError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func parseAPIError(statusCode int, body []byte) error {
	var errResp struct {
		Error apiError `json:"error"`
	}
	if err := json.Unmarshal(body, &errResp); err != nil || errResp.Error.Message == "" {
		return fmt.Errorf("anthropic: API error (status %d): %s", statusCode, string(body))
	}
	return fmt.Errorf("anthropic: API error (status %d): %s", statusCode, errResp.Error.Message)
}
