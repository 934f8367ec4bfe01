package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/joilabs/joi-gateway/internal/memory"
	"github.com/joilabs/joi-gateway/internal/store"
)

// MemoryStoreTool writes one long-term memory.
type MemoryStoreTool struct {
	svc *memory.Service
}

func NewMemoryStoreTool(svc *memory.Service) *MemoryStoreTool {
	return &MemoryStoreTool{svc: svc}
}

func (t *MemoryStoreTool) Name() string { return "memory_store" }

func (t *MemoryStoreTool) Description() string {
	return "Store a long-term memory in one of the areas: identity, preferences, knowledge, solutions, episodes."
}

func (t *MemoryStoreTool) InputSchema() map[string]interface{} {
	return ObjectSchema(map[string]interface{}{
		"area":       map[string]interface{}{"type": "string", "enum": store.Areas},
		"content":    map[string]interface{}{"type": "string"},
		"summary":    map[string]interface{}{"type": "string"},
		"tags":       map[string]interface{}{"type": "array", "items": map[string]interface{}{"type": "string"}},
		"confidence": map[string]interface{}{"type": "number", "minimum": 0, "maximum": 1},
	}, "area", "content")
}

func (t *MemoryStoreTool) Execute(ctx context.Context, input map[string]interface{}, tc *Context) *Result {
	req := memory.WriteRequest{
		Area:    stringArg(input, "area"),
		Content: stringArg(input, "content"),
		Summary: stringArg(input, "summary"),
		Tags:    stringSliceArg(input, "tags"),
		Source:  store.SourceInferred,
	}
	if c, ok := input["confidence"].(float64); ok {
		req.Confidence = c
	}
	if tc.ConversationID != uuid.Nil {
		id := tc.ConversationID.String()
		req.ConversationID = &id
	}

	m, err := t.svc.Write(ctx, req)
	if err != nil {
		return ErrorResult("memory store failed: " + err.Error()).WithError(err)
	}
	return NewResult(fmt.Sprintf("Stored memory %s in area %s.", m.ID, m.Area))
}

// MemorySearchTool runs the hybrid memory lookup.
type MemorySearchTool struct {
	svc *memory.Service
}

func NewMemorySearchTool(svc *memory.Service) *MemorySearchTool {
	return &MemorySearchTool{svc: svc}
}

func (t *MemorySearchTool) Name() string { return "memory_search" }

func (t *MemorySearchTool) Description() string {
	return "Search long-term memories by semantic and keyword relevance."
}

func (t *MemorySearchTool) InputSchema() map[string]interface{} {
	return ObjectSchema(map[string]interface{}{
		"query": map[string]interface{}{"type": "string"},
		"areas": map[string]interface{}{"type": "array", "items": map[string]interface{}{"type": "string", "enum": store.Areas}},
		"limit": map[string]interface{}{"type": "integer", "minimum": 1, "maximum": 50},
	}, "query")
}

func (t *MemorySearchTool) Execute(ctx context.Context, input map[string]interface{}, tc *Context) *Result {
	req := memory.SearchRequest{
		Query: stringArg(input, "query"),
		Areas: stringSliceArg(input, "areas"),
		Limit: intArg(input, "limit", 8),
	}

	result, err := t.svc.Search(ctx, req)
	if err != nil {
		return ErrorResult("memory search failed: " + err.Error()).WithError(err)
	}
	if len(result.Hits) == 0 {
		return NewResult("No matching memories.")
	}

	var sb strings.Builder
	if result.Degraded {
		sb.WriteString("(text-only match)\n")
	}
	for _, hit := range result.Hits {
		m := hit.Memory
		text := m.Summary
		if text == "" {
			text = m.Content
		}
		fmt.Fprintf(&sb, "- [%s] %s (confidence %.2f, score %.3f)\n", m.Area, text, m.Confidence, hit.Score)
	}
	return NewResult(sb.String())
}

func stringArg(input map[string]interface{}, key string) string {
	s, _ := input[key].(string)
	return s
}

func stringSliceArg(input map[string]interface{}, key string) []string {
	raw, ok := input[key].([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func intArg(input map[string]interface{}, key string, def int) int {
	if f, ok := input[key].(float64); ok {
		return int(f)
	}
	return def
}
