package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/joilabs/joi-gateway/internal/bus"
	"github.com/joilabs/joi-gateway/internal/store"
	"github.com/joilabs/joi-gateway/internal/tools"
	"github.com/joilabs/joi-gateway/pkg/protocol"
)

// SpawnTurn runs one delegated turn for a child agent in an isolated
// conversation. It implements tools.Spawner.
func (r *Runtime) SpawnTurn(ctx context.Context, req tools.SpawnRequest) (*tools.SpawnOutcome, error) {
	child, err := r.agents.Get(ctx, req.AgentID)
	if err != nil {
		return nil, fmt.Errorf("spawn target %s: %w", req.AgentID, err)
	}
	if !child.Enabled {
		return nil, fmt.Errorf("spawn target %s is disabled", req.AgentID)
	}

	conv := &store.Conversation{
		ID:         store.NewID(),
		AgentID:    child.ID,
		Type:       store.ConversationDirect,
		SessionKey: "spawn:" + uuid.NewString(),
		Metadata: map[string]interface{}{
			"spawned_from": req.ParentConversationID.String(),
		},
	}
	if err := r.conversations.Create(ctx, conv); err != nil {
		return nil, store.NewStorageError("create spawn conversation", err)
	}

	r.events.Broadcast(bus.Event{
		Name: protocol.ChatAgentSpawn,
		Payload: map[string]interface{}{
			"agent_id":               child.ID,
			"conversation_id":        conv.ID.String(),
			"parent_conversation_id": req.ParentConversationID.String(),
			"depth":                  req.Depth,
		},
	})
	r.logger.Info("agent spawned",
		"parent", req.ParentConversationID, "child", conv.ID,
		"agent", child.ID, "depth", req.Depth)

	start := time.Now()
	result, err := r.RunTurn(ctx, TurnRequest{
		ConversationID:      &conv.ID,
		AgentID:             child.ID,
		UserMessage:         req.Message,
		EnableTools:         true,
		IncludeMemory:       true,
		IncludeSkillsPrompt: true,
		Depth:               req.Depth,
	})
	duration := time.Since(start).Milliseconds()

	delegation := Delegation{
		AgentID:        child.ID,
		ConversationID: conv.ID,
		DurationMS:     duration,
	}
	payload := map[string]interface{}{
		"agent_id":               child.ID,
		"conversation_id":        conv.ID.String(),
		"parent_conversation_id": req.ParentConversationID.String(),
		"duration_ms":            duration,
		"success":                err == nil,
	}
	if err != nil {
		delegation.Error = err.Error()
		payload["error"] = err.Error()
	}

	if state, ok := r.active.Load(req.ParentConversationID); ok {
		state.(*turnState).record(delegation)
	}
	r.events.Broadcast(bus.Event{Name: protocol.ChatAgentResult, Payload: payload})

	if err != nil {
		return nil, err
	}
	return &tools.SpawnOutcome{Content: result.Content, DurationMS: duration}, nil
}
