// Package providers holds the LLM provider clients. Each provider speaks
// its native HTTP API via net/http; there are no vendor SDKs here.
package providers

import "context"

// Provider is a chat-capable model backend.
type Provider interface {
	// Chat sends the request and blocks for the complete response.
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)

	// ChatStream sends the request and invokes onChunk for each streamed
	// delta. The returned response is the fully assembled result.
	ChatStream(ctx context.Context, req ChatRequest, onChunk func(StreamChunk)) (*ChatResponse, error)

	// Name returns the provider identifier ("anthropic", "openrouter", "ollama").
	Name() string

	// DefaultModel returns the model used when a request names none.
	DefaultModel() string
}

// Embedder produces dense vectors for text.
type Embedder interface {
	Embed(ctx context.Context, model, text string) ([]float32, error)
}

// ChatRequest is the provider-neutral input for Chat and ChatStream.
type ChatRequest struct {
	Model       string
	System      string
	Messages    []Message
	Tools       []ToolDefinition
	MaxTokens   int
	Temperature *float64

	// ForceToolUse asks the model to emit at least one tool call
	// (tool_choice "any"/"required"). Used on the no-tool retry.
	ForceToolUse bool
}

// Message is one conversation turn on the wire.
// Role is "user", "assistant" or "tool"; tool messages carry the result of
// the call identified by ToolCallID.
type Message struct {
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	Images     []ImageContent `json:"images,omitempty"`
	ToolCalls  []ToolCall     `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

// ImageContent is a base64 image attachment for vision-capable models.
type ImageContent struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
}

// ToolDefinition advertises one callable tool to the model.
type ToolDefinition struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"input_schema"`
}

// ChatResponse is the assembled result of a chat call.
// FinishReason is "stop", "tool_calls" or "length".
type ChatResponse struct {
	Content      string     `json:"content"`
	ToolCalls    []ToolCall `json:"tool_calls,omitempty"`
	FinishReason string     `json:"finish_reason"`
	Usage        *Usage     `json:"usage,omitempty"`
}

// StreamChunk is one streamed delta.
type StreamChunk struct {
	Content string `json:"content,omitempty"`
	Done    bool   `json:"done,omitempty"`
}

// Usage is the token accounting reported by the provider.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
	CacheReadTokens  int `json:"cache_read_input_tokens,omitempty"`
}
