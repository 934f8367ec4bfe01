package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/joilabs/joi-gateway/internal/review"
	"github.com/joilabs/joi-gateway/internal/store"
)

// ReviewRequestTool enqueues a human-in-the-loop review item.
type ReviewRequestTool struct {
	queue *review.Queue
}

func NewReviewRequestTool(queue *review.Queue) *ReviewRequestTool {
	return &ReviewRequestTool{queue: queue}
}

func (t *ReviewRequestTool) Name() string { return "review_request" }

func (t *ReviewRequestTool) Description() string {
	return "Ask the user to review and approve, reject or modify a proposed action."
}

func (t *ReviewRequestTool) InputSchema() map[string]interface{} {
	return ObjectSchema(map[string]interface{}{
		"type": map[string]interface{}{
			"type": "string",
			"enum": []string{
				store.ReviewApprove, store.ReviewClassify, store.ReviewMatch, store.ReviewSelect,
				store.ReviewVerify, store.ReviewFreeform, store.ReviewTriage, store.ReviewVerifyFact,
			},
		},
		"title":           map[string]interface{}{"type": "string"},
		"description":     map[string]interface{}{"type": "string"},
		"proposed_action": map[string]interface{}{},
		"priority":        map[string]interface{}{"type": "integer", "minimum": 0, "maximum": 10},
		"tags":            map[string]interface{}{"type": "array", "items": map[string]interface{}{"type": "string"}},
	}, "type", "title")
}

func (t *ReviewRequestTool) Execute(ctx context.Context, input map[string]interface{}, tc *Context) *Result {
	item := &store.ReviewItem{
		AgentID:     tc.AgentID,
		Type:        stringArg(input, "type"),
		Title:       stringArg(input, "title"),
		Description: stringArg(input, "description"),
		Priority:    intArg(input, "priority", 5),
		Tags:        stringSliceArg(input, "tags"),
	}
	if tc.ConversationID != uuid.Nil {
		id := tc.ConversationID
		item.ConversationID = &id
	}
	if proposed, ok := input["proposed_action"]; ok && proposed != nil {
		raw, err := json.Marshal(proposed)
		if err == nil {
			item.ProposedAction = raw
		}
	}

	if err := t.queue.Enqueue(ctx, item); err != nil {
		return ErrorResult("review request failed: " + err.Error()).WithError(err)
	}
	return UserResult(fmt.Sprintf("Review item %s created: %s", item.ID, item.Title))
}
