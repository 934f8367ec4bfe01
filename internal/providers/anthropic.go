package providers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	anthropicAPIBase    = "https://api.anthropic.com/v1"
	anthropicAPIVersion = "2023-06-01"
	anthropicMaxTokens  = 4096
)

// Anthropic talks to the Claude Messages API.
type Anthropic struct {
	apiKey       string
	baseURL      string
	defaultModel string
	client       *http.Client
	retry        RetryConfig
}

func NewAnthropic(apiKey, baseURL, defaultModel string) *Anthropic {
	if baseURL == "" {
		baseURL = anthropicAPIBase
	}
	return &Anthropic{
		apiKey:       apiKey,
		baseURL:      strings.TrimRight(baseURL, "/"),
		defaultModel: defaultModel,
		client:       &http.Client{Timeout: 120 * time.Second},
		retry:        DefaultRetryConfig(),
	}
}

func (p *Anthropic) Name() string         { return "anthropic" }
func (p *Anthropic) DefaultModel() string { return p.defaultModel }

// Wire types for the Messages API. Content is either a string (plain user
// text) or a list of blocks.

type anthropicRequest struct {
	Model       string          `json:"model"`
	MaxTokens   int             `json:"max_tokens"`
	Messages    []anthropicMsg  `json:"messages"`
	Stream      bool            `json:"stream,omitempty"`
	System      string          `json:"system,omitempty"`
	Temperature *float64        `json:"temperature,omitempty"`
	Tools       []anthropicTool `json:"tools,omitempty"`
	ToolChoice  *anthropicTC    `json:"tool_choice,omitempty"`
}

type anthropicMsg struct {
	Role    string      `json:"role"`
	Content interface{} `json:"content"`
}

type anthropicTool struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"input_schema"`
}

type anthropicTC struct {
	Type string `json:"type"`
}

type anthropicBlock struct {
	Type string `json:"type"`

	Text string `json:"text,omitempty"`

	// tool_use
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`

	Source *anthropicImage `json:"source,omitempty"`
}

type anthropicImage struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

func (p *Anthropic) buildRequest(req ChatRequest, stream bool) anthropicRequest {
	out := anthropicRequest{
		Model:       req.Model,
		MaxTokens:   req.MaxTokens,
		Stream:      stream,
		System:      req.System,
		Temperature: req.Temperature,
	}
	if out.Model == "" {
		out.Model = p.defaultModel
	}
	if out.MaxTokens == 0 {
		out.MaxTokens = anthropicMaxTokens
	}

	for _, msg := range req.Messages {
		switch msg.Role {
		case "user":
			out.Messages = append(out.Messages, userMsg(msg))
		case "assistant":
			var blocks []anthropicBlock
			if msg.Content != "" {
				blocks = append(blocks, anthropicBlock{Type: "text", Text: msg.Content})
			}
			for _, tc := range msg.ToolCalls {
				input, _ := json.Marshal(tc.Arguments)
				blocks = append(blocks, anthropicBlock{Type: "tool_use", ID: tc.ID, Name: tc.Name, Input: input})
			}
			out.Messages = append(out.Messages, anthropicMsg{Role: "assistant", Content: blocks})
		case "tool":
			// Tool results travel as user-role tool_result blocks.
			out.Messages = append(out.Messages, anthropicMsg{Role: "user", Content: []anthropicBlock{
				{Type: "tool_result", ToolUseID: msg.ToolCallID, Content: msg.Content},
			}})
		}
	}

	for _, t := range req.Tools {
		out.Tools = append(out.Tools, anthropicTool{Name: t.Name, Description: t.Description, InputSchema: t.InputSchema})
	}
	if len(req.Tools) > 0 && req.ForceToolUse {
		out.ToolChoice = &anthropicTC{Type: "any"}
	}
	return out
}

// userMsg keeps plain text as a bare string; images force block form.
func userMsg(msg Message) anthropicMsg {
	if len(msg.Images) == 0 {
		return anthropicMsg{Role: "user", Content: msg.Content}
	}
	var blocks []anthropicBlock
	for _, img := range msg.Images {
		blocks = append(blocks, anthropicBlock{
			Type:   "image",
			Source: &anthropicImage{Type: "base64", MediaType: img.MimeType, Data: img.Data},
		})
	}
	if msg.Content != "" {
		blocks = append(blocks, anthropicBlock{Type: "text", Text: msg.Content})
	}
	return anthropicMsg{Role: "user", Content: blocks}
}

func (p *Anthropic) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	body := p.buildRequest(req, false)

	return RetryDo(ctx, p.retry, func() (*ChatResponse, error) {
		respBody, err := p.post(ctx, body)
		if err != nil {
			return nil, err
		}
		defer respBody.Close()

		var resp anthropicResponse
		if err := json.NewDecoder(respBody).Decode(&resp); err != nil {
			return nil, fmt.Errorf("anthropic: decode response: %w", err)
		}
		return resp.toChatResponse(), nil
	})
}

func (p *Anthropic) ChatStream(ctx context.Context, req ChatRequest, onChunk func(StreamChunk)) (*ChatResponse, error) {
	body := p.buildRequest(req, true)

	// Retry covers the connection phase only; a stream that dies mid-way
	// is surfaced to the caller.
	respBody, err := RetryDo(ctx, p.retry, func() (io.ReadCloser, error) {
		return p.post(ctx, body)
	})
	if err != nil {
		return nil, err
	}
	defer respBody.Close()

	acc := streamAccumulator{
		result:   &ChatResponse{FinishReason: "stop"},
		toolArgs: map[int]string{},
		onChunk:  onChunk,
	}
	scanner := bufio.NewScanner(respBody)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var event string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			if err := acc.consume(event, strings.TrimPrefix(line, "data: ")); err != nil {
				return nil, err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("anthropic: read stream: %w", err)
	}
	return acc.finish(), nil
}

// streamAccumulator assembles a ChatResponse from Messages API SSE events.
// Tool-call input JSON arrives as partial fragments indexed by the order
// the tool_use block opened.
type streamAccumulator struct {
	result   *ChatResponse
	toolArgs map[int]string
	onChunk  func(StreamChunk)
}

func (a *streamAccumulator) consume(event, data string) error {
	switch event {
	case "message_start":
		var ev anthropicMessageStart
		if json.Unmarshal([]byte(data), &ev) == nil {
			u := ensureUsage(a.result)
			u.PromptTokens = ev.Message.Usage.InputTokens
			u.CacheReadTokens = ev.Message.Usage.CacheReadInputTokens
		}

	case "content_block_start":
		var ev anthropicBlockStart
		if json.Unmarshal([]byte(data), &ev) == nil && ev.ContentBlock.Type == "tool_use" {
			a.result.ToolCalls = append(a.result.ToolCalls, ToolCall{
				ID:        ev.ContentBlock.ID,
				Name:      strings.TrimSpace(ev.ContentBlock.Name),
				Arguments: map[string]interface{}{},
			})
		}

	case "content_block_delta":
		var ev anthropicBlockDelta
		if json.Unmarshal([]byte(data), &ev) != nil {
			return nil
		}
		switch ev.Delta.Type {
		case "text_delta":
			a.result.Content += ev.Delta.Text
			if a.onChunk != nil {
				a.onChunk(StreamChunk{Content: ev.Delta.Text})
			}
		case "input_json_delta":
			if n := len(a.result.ToolCalls); n > 0 {
				a.toolArgs[n-1] += ev.Delta.PartialJSON
			}
		}

	case "message_delta":
		var ev anthropicMessageDelta
		if json.Unmarshal([]byte(data), &ev) == nil {
			if ev.Delta.StopReason != "" {
				a.result.FinishReason = mapStopReason(ev.Delta.StopReason)
			}
			if ev.Usage.OutputTokens > 0 {
				ensureUsage(a.result).CompletionTokens = ev.Usage.OutputTokens
			}
		}

	case "error":
		var ev anthropicStreamError
		if json.Unmarshal([]byte(data), &ev) == nil {
			return fmt.Errorf("anthropic: stream error: %s: %s", ev.Error.Type, ev.Error.Message)
		}
	}
	return nil
}

func (a *streamAccumulator) finish() *ChatResponse {
	for i, raw := range a.toolArgs {
		if raw == "" {
			continue
		}
		args := make(map[string]interface{})
		_ = json.Unmarshal([]byte(raw), &args)
		a.result.ToolCalls[i].Arguments = args
	}
	if len(a.result.ToolCalls) > 0 {
		a.result.FinishReason = "tool_calls"
	}
	if u := a.result.Usage; u != nil {
		u.TotalTokens = u.PromptTokens + u.CompletionTokens
	}
	if a.onChunk != nil {
		a.onChunk(StreamChunk{Done: true})
	}
	return a.result
}

func (p *Anthropic) post(ctx context.Context, body anthropicRequest) (io.ReadCloser, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("anthropic: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/messages", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("anthropic: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicAPIVersion)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("anthropic: request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, &HTTPError{
			Status:     resp.StatusCode,
			Body:       "anthropic: " + string(respBody),
			RetryAfter: ParseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}
	return resp.Body, nil
}

func ensureUsage(r *ChatResponse) *Usage {
	if r.Usage == nil {
		r.Usage = &Usage{}
	}
	return r.Usage
}

func mapStopReason(stop string) string {
	switch stop {
	case "tool_use":
		return "tool_calls"
	case "max_tokens":
		return "length"
	default:
		return "stop"
	}
}

type anthropicResponse struct {
	Content    []anthropicBlock `json:"content"`
	StopReason string           `json:"stop_reason"`
	Usage      anthropicUsage   `json:"usage"`
}

func (r *anthropicResponse) toChatResponse() *ChatResponse {
	result := &ChatResponse{FinishReason: mapStopReason(r.StopReason)}
	for _, block := range r.Content {
		switch block.Type {
		case "text":
			result.Content += block.Text
		case "tool_use":
			args := make(map[string]interface{})
			_ = json.Unmarshal(block.Input, &args)
			result.ToolCalls = append(result.ToolCalls, ToolCall{
				ID:        block.ID,
				Name:      block.Name,
				Arguments: args,
			})
		}
	}
	if len(result.ToolCalls) > 0 {
		result.FinishReason = "tool_calls"
	}
	result.Usage = &Usage{
		PromptTokens:     r.Usage.InputTokens,
		CompletionTokens: r.Usage.OutputTokens,
		TotalTokens:      r.Usage.InputTokens + r.Usage.OutputTokens,
		CacheReadTokens:  r.Usage.CacheReadInputTokens,
	}
	return result
}

type anthropicUsage struct {
	InputTokens          int `json:"input_tokens"`
	OutputTokens         int `json:"output_tokens"`
	CacheReadInputTokens int `json:"cache_read_input_tokens,omitempty"`
}

type anthropicMessageStart struct {
	Message struct {
		Usage anthropicUsage `json:"usage"`
	} `json:"message"`
}

type anthropicBlockStart struct {
	Index        int            `json:"index"`
	ContentBlock anthropicBlock `json:"content_block"`
}

type anthropicBlockDelta struct {
	Delta struct {
		Type        string `json:"type"`
		Text        string `json:"text,omitempty"`
		PartialJSON string `json:"partial_json,omitempty"`
	} `json:"delta"`
}

type anthropicMessageDelta struct {
	Delta struct {
		StopReason string `json:"stop_reason,omitempty"`
	} `json:"delta"`
	Usage anthropicUsage `json:"usage"`
}

type anthropicStreamError struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}
