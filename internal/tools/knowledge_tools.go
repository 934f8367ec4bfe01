package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/joilabs/joi-gateway/internal/knowledge"
	"github.com/joilabs/joi-gateway/internal/store"
)

// KnowledgeStoreTool creates an object in a named collection.
type KnowledgeStoreTool struct {
	svc *knowledge.Service
}

func NewKnowledgeStoreTool(svc *knowledge.Service) *KnowledgeStoreTool {
	return &KnowledgeStoreTool{svc: svc}
}

func (t *KnowledgeStoreTool) Name() string { return "knowledge_store" }

func (t *KnowledgeStoreTool) Description() string {
	return "Create a structured object in a knowledge collection."
}

func (t *KnowledgeStoreTool) InputSchema() map[string]interface{} {
	return ObjectSchema(map[string]interface{}{
		"collection": map[string]interface{}{"type": "string"},
		"title":      map[string]interface{}{"type": "string"},
		"data":       map[string]interface{}{"type": "object"},
		"tags":       map[string]interface{}{"type": "array", "items": map[string]interface{}{"type": "string"}},
	}, "collection", "title")
}

func (t *KnowledgeStoreTool) Execute(ctx context.Context, input map[string]interface{}, tc *Context) *Result {
	c, err := t.svc.ResolveCollection(ctx, stringArg(input, "collection"))
	if err != nil {
		return ErrorResult("unknown collection: " + stringArg(input, "collection")).WithError(err)
	}

	data, _ := input["data"].(map[string]interface{})
	actor := "agent:" + tc.AgentID

	o, err := t.svc.CreateObject(ctx, c.ID, stringArg(input, "title"), data, stringSliceArg(input, "tags"), actor)
	if err != nil {
		return ErrorResult("knowledge store failed: " + err.Error()).WithError(err)
	}
	return NewResult(fmt.Sprintf("Created object %s in collection %s.", o.ID, c.Name))
}

// KnowledgeSearchTool runs the hybrid knowledge lookup.
type KnowledgeSearchTool struct {
	svc *knowledge.Service
}

func NewKnowledgeSearchTool(svc *knowledge.Service) *KnowledgeSearchTool {
	return &KnowledgeSearchTool{svc: svc}
}

func (t *KnowledgeSearchTool) Name() string { return "knowledge_search" }

func (t *KnowledgeSearchTool) Description() string {
	return "Search knowledge objects by semantic and keyword relevance, optionally scoped to one collection."
}

func (t *KnowledgeSearchTool) InputSchema() map[string]interface{} {
	return ObjectSchema(map[string]interface{}{
		"query":      map[string]interface{}{"type": "string"},
		"collection": map[string]interface{}{"type": "string"},
		"limit":      map[string]interface{}{"type": "integer", "minimum": 1, "maximum": 50},
	}, "query")
}

func (t *KnowledgeSearchTool) Execute(ctx context.Context, input map[string]interface{}, tc *Context) *Result {
	hits, err := t.svc.Search(ctx, stringArg(input, "query"), stringArg(input, "collection"), intArg(input, "limit", 8))
	if err != nil {
		return ErrorResult("knowledge search failed: " + err.Error()).WithError(err)
	}
	if len(hits) == 0 {
		return NewResult("No matching knowledge objects.")
	}

	var sb strings.Builder
	for _, hit := range hits {
		o := hit.Object
		fmt.Fprintf(&sb, "- %s (%s, score %.3f)", o.Title, o.ID, hit.Score)
		if o.Status != store.ObjectActive {
			fmt.Fprintf(&sb, " [%s]", o.Status)
		}
		sb.WriteByte('\n')
	}
	return NewResult(sb.String())
}
