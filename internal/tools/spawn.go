package tools

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// SpawnRequest asks the runtime to run one isolated child-agent turn.
type SpawnRequest struct {
	ParentConversationID uuid.UUID
	AgentID              string
	Message              string
	Depth                int
}

// SpawnOutcome is the child turn's result.
type SpawnOutcome struct {
	Content    string
	DurationMS int64
}

// Spawner runs delegated turns. The agent runtime implements this; the
// indirection keeps the tool registry free of the runtime import.
type Spawner interface {
	SpawnTurn(ctx context.Context, req SpawnRequest) (*SpawnOutcome, error)
}

// SpawnAgentTool delegates a sub-task to another agent in an isolated
// conversation. Offered only when the parent's maxSpawnDepth allows.
type SpawnAgentTool struct {
	spawner Spawner
}

func NewSpawnAgentTool(spawner Spawner) *SpawnAgentTool {
	return &SpawnAgentTool{spawner: spawner}
}

func (t *SpawnAgentTool) Name() string { return SpawnToolName }

func (t *SpawnAgentTool) Description() string {
	return "Delegate a sub-task to another agent and wait for its result."
}

func (t *SpawnAgentTool) InputSchema() map[string]interface{} {
	return ObjectSchema(map[string]interface{}{
		"agent_id": map[string]interface{}{"type": "string"},
		"message":  map[string]interface{}{"type": "string"},
	}, "agent_id", "message")
}

func (t *SpawnAgentTool) Execute(ctx context.Context, input map[string]interface{}, tc *Context) *Result {
	outcome, err := t.spawner.SpawnTurn(ctx, SpawnRequest{
		ParentConversationID: tc.ConversationID,
		AgentID:              stringArg(input, "agent_id"),
		Message:              stringArg(input, "message"),
		Depth:                tc.Depth + 1,
	})
	if err != nil {
		return ErrorResult(fmt.Sprintf("delegation to %s failed: %v", stringArg(input, "agent_id"), err)).WithError(err)
	}
	return NewResult(outcome.Content)
}
