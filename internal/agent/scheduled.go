package agent

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/joilabs/joi-gateway/internal/store"
)

// RunScheduledTurn executes an agent_turn cron payload. It implements
// scheduler.TurnRunner. session_target='main' reuses one durable
// conversation per job; 'isolated' starts a fresh one every run.
func (r *Runtime) RunScheduledTurn(ctx context.Context, job *store.CronJob) error {
	var convID *uuid.UUID
	if job.SessionTarget == "main" {
		conv, err := r.scheduledConversation(ctx, job)
		if err != nil {
			return err
		}
		convID = &conv.ID
	}

	_, err := r.RunTurn(ctx, TurnRequest{
		ConversationID:      convID,
		AgentID:             job.AgentID,
		UserMessage:         job.PayloadText,
		Model:               job.Model,
		EnableTools:         true,
		IncludeMemory:       true,
		IncludeSkillsPrompt: true,
	})
	return err
}

// scheduledConversation finds or creates the job's durable conversation,
// keyed by job id so renames don't orphan it.
func (r *Runtime) scheduledConversation(ctx context.Context, job *store.CronJob) (*store.Conversation, error) {
	key := "cron:" + job.ID.String()
	conv, err := r.conversations.GetBySessionKey(ctx, key)
	if err == nil {
		return conv, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	conv = &store.Conversation{
		ID:         store.NewID(),
		AgentID:    job.AgentID,
		Type:       store.ConversationDirect,
		SessionKey: key,
		Title:      job.Name,
	}
	if err := r.conversations.Create(ctx, conv); err != nil {
		return nil, store.NewStorageError("create cron conversation", err)
	}
	return conv, nil
}
