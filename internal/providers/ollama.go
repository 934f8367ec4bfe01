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

const ollamaAPIBase = "http://localhost:11434"

// Ollama talks to a local Ollama daemon. It serves both chat (lightweight
// local models) and embeddings (nomic-embed-text).
type Ollama struct {
	baseURL      string
	defaultModel string
	client       *http.Client
}

func NewOllama(baseURL, defaultModel string) *Ollama {
	if baseURL == "" {
		baseURL = ollamaAPIBase
	}
	return &Ollama{
		baseURL:      strings.TrimRight(baseURL, "/"),
		defaultModel: defaultModel,
		client:       &http.Client{Timeout: 120 * time.Second},
	}
}

func (p *Ollama) Name() string         { return "ollama" }
func (p *Ollama) DefaultModel() string { return p.defaultModel }

func (p *Ollama) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	respBody, err := p.post(ctx, "/api/chat", p.requestBody(req, false))
	if err != nil {
		return nil, err
	}
	defer respBody.Close()

	var resp ollamaChatResponse
	if err := json.NewDecoder(respBody).Decode(&resp); err != nil {
		return nil, fmt.Errorf("ollama: decode response: %w", err)
	}
	return resp.toChatResponse(), nil
}

// ChatStream reads Ollama's newline-delimited JSON stream.
func (p *Ollama) ChatStream(ctx context.Context, req ChatRequest, onChunk func(StreamChunk)) (*ChatResponse, error) {
	respBody, err := p.post(ctx, "/api/chat", p.requestBody(req, true))
	if err != nil {
		return nil, err
	}
	defer respBody.Close()

	result := &ChatResponse{FinishReason: "stop"}

	scanner := bufio.NewScanner(respBody)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var chunk ollamaChatResponse
		if err := json.Unmarshal(scanner.Bytes(), &chunk); err != nil {
			continue
		}
		if chunk.Message.Content != "" {
			result.Content += chunk.Message.Content
			if onChunk != nil {
				onChunk(StreamChunk{Content: chunk.Message.Content})
			}
		}
		for _, tc := range chunk.Message.ToolCalls {
			result.ToolCalls = append(result.ToolCalls, tc.toToolCall(len(result.ToolCalls)))
		}
		if chunk.Done {
			result.Usage = &Usage{
				PromptTokens:     chunk.PromptEvalCount,
				CompletionTokens: chunk.EvalCount,
				TotalTokens:      chunk.PromptEvalCount + chunk.EvalCount,
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("ollama: read stream: %w", err)
	}

	if len(result.ToolCalls) > 0 {
		result.FinishReason = "tool_calls"
	}
	if onChunk != nil {
		onChunk(StreamChunk{Done: true})
	}
	return result, nil
}

// Embed returns the dense vector for text using the given embedding model.
func (p *Ollama) Embed(ctx context.Context, model, text string) ([]float32, error) {
	if model == "" {
		model = p.defaultModel
	}
	respBody, err := p.post(ctx, "/api/embeddings", map[string]interface{}{
		"model":  model,
		"prompt": text,
	})
	if err != nil {
		return nil, err
	}
	defer respBody.Close()

	var resp struct {
		Embedding []float32 `json:"embedding"`
	}
	if err := json.NewDecoder(respBody).Decode(&resp); err != nil {
		return nil, fmt.Errorf("ollama: decode embedding: %w", err)
	}
	return resp.Embedding, nil
}

func (p *Ollama) requestBody(req ChatRequest, stream bool) map[string]interface{} {
	msgs := make([]map[string]interface{}, 0, len(req.Messages)+1)
	if req.System != "" {
		msgs = append(msgs, map[string]interface{}{"role": "system", "content": req.System})
	}
	for _, m := range req.Messages {
		msg := map[string]interface{}{"role": m.Role, "content": m.Content}
		if len(m.ToolCalls) > 0 {
			calls := make([]map[string]interface{}, len(m.ToolCalls))
			for i, tc := range m.ToolCalls {
				calls[i] = map[string]interface{}{
					"function": map[string]interface{}{
						"name":      tc.Name,
						"arguments": tc.Arguments,
					},
				}
			}
			msg["tool_calls"] = calls
		}
		msgs = append(msgs, msg)
	}

	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	body := map[string]interface{}{
		"model":    model,
		"messages": msgs,
		"stream":   stream,
	}
	if len(req.Tools) > 0 {
		tools := make([]map[string]interface{}, len(req.Tools))
		for i, t := range req.Tools {
			tools[i] = map[string]interface{}{
				"type": "function",
				"function": map[string]interface{}{
					"name":        t.Name,
					"description": t.Description,
					"parameters":  t.InputSchema,
				},
			}
		}
		body["tools"] = tools
	}
	if req.Temperature != nil {
		body["options"] = map[string]interface{}{"temperature": *req.Temperature}
	}
	return body
}

func (p *Ollama) post(ctx context.Context, path string, body interface{}) (io.ReadCloser, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("ollama: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("ollama: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("ollama: request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, &HTTPError{
			Status: resp.StatusCode,
			Body:   "ollama: " + string(respBody),
		}
	}
	return resp.Body, nil
}

type ollamaToolCall struct {
	Function struct {
		Name      string                 `json:"name"`
		Arguments map[string]interface{} `json:"arguments"`
	} `json:"function"`
}

// Ollama does not assign tool call IDs; synthesize stable ones by position.
func (tc ollamaToolCall) toToolCall(index int) ToolCall {
	args := tc.Function.Arguments
	if args == nil {
		args = map[string]interface{}{}
	}
	return ToolCall{
		ID:        fmt.Sprintf("call_%d", index),
		Name:      strings.TrimSpace(tc.Function.Name),
		Arguments: args,
	}
}

type ollamaChatResponse struct {
	Message struct {
		Content   string           `json:"content"`
		ToolCalls []ollamaToolCall `json:"tool_calls"`
	} `json:"message"`
	Done            bool `json:"done"`
	PromptEvalCount int  `json:"prompt_eval_count"`
	EvalCount       int  `json:"eval_count"`
}

func (r *ollamaChatResponse) toChatResponse() *ChatResponse {
	result := &ChatResponse{
		Content:      r.Message.Content,
		FinishReason: "stop",
	}
	for i, tc := range r.Message.ToolCalls {
		result.ToolCalls = append(result.ToolCalls, tc.toToolCall(i))
	}
	if len(result.ToolCalls) > 0 {
		result.FinishReason = "tool_calls"
	}
	result.Usage = &Usage{
		PromptTokens:     r.PromptEvalCount,
		CompletionTokens: r.EvalCount,
		TotalTokens:      r.PromptEvalCount + r.EvalCount,
	}
	return result
}
