package review

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/joilabs/joi-gateway/internal/knowledge"
	"github.com/joilabs/joi-gateway/internal/memory"
	"github.com/joilabs/joi-gateway/internal/store"
)

// ActionExecutor dispatches one triage action (send, schedule, file, ...).
type ActionExecutor interface {
	Execute(ctx context.Context, action map[string]interface{}) error
}

// triageActions extracts the action list: the resolution payload wins on a
// modified item, the proposed action otherwise. Accepts either a bare list
// or {"actions": [...]}.
func triageActions(item *store.ReviewItem) []map[string]interface{} {
	raw := item.ProposedAction
	if item.Status == store.ReviewModified && len(item.Resolution) > 0 {
		raw = item.Resolution
	}
	if len(raw) == 0 {
		return nil
	}

	var list []map[string]interface{}
	if err := json.Unmarshal(raw, &list); err == nil {
		return list
	}
	var wrapper struct {
		Actions []map[string]interface{} `json:"actions"`
	}
	if err := json.Unmarshal(raw, &wrapper); err == nil {
		return wrapper.Actions
	}
	return nil
}

// TriageHandler dispatches approved or modified triage actions through the
// executor and records rejections.
func TriageHandler(exec ActionExecutor, logger *slog.Logger) SideEffect {
	return func(ctx context.Context, item *store.ReviewItem) error {
		switch item.Status {
		case store.ReviewApproved, store.ReviewModified:
			actions := triageActions(item)
			if len(actions) == 0 {
				logger.Warn("triage item resolved with no actions", "id", item.ID)
				return nil
			}
			for i, action := range actions {
				if err := exec.Execute(ctx, action); err != nil {
					return fmt.Errorf("triage action %d: %w", i, err)
				}
			}
			logger.Info("triage actions dispatched", "id", item.ID, "count", len(actions))
			return nil

		case store.ReviewRejected:
			logger.Info("triage rejected", "id", item.ID, "by", item.ResolvedBy)
			return nil
		}
		return nil
	}
}

// factProposal is the verify_fact payload shape.
type factProposal struct {
	Title    string                 `json:"title"`
	Data     map[string]interface{} `json:"data"`
	Tags     []string               `json:"tags"`
	ObjectID string                 `json:"object_id,omitempty"`
	Memory   *struct {
		Area    string `json:"area"`
		Content string `json:"content"`
		Summary string `json:"summary,omitempty"`
	} `json:"memory,omitempty"`
}

// VerifyFactHandler writes the verified fact into the facts collection and
// the associated memory on approval.
func VerifyFactHandler(know *knowledge.Service, mem *memory.Service, logger *slog.Logger) SideEffect {
	return func(ctx context.Context, item *store.ReviewItem) error {
		if item.Status != store.ReviewApproved {
			return nil
		}

		raw := item.ProposedAction
		if len(item.Resolution) > 0 {
			raw = item.Resolution
		}
		var proposal factProposal
		if err := json.Unmarshal(raw, &proposal); err != nil {
			return fmt.Errorf("verify_fact payload: %w", err)
		}
		if proposal.Title == "" {
			proposal.Title = item.Title
		}

		c, err := know.ResolveCollection(ctx, knowledge.FactsCollection)
		if err != nil {
			return fmt.Errorf("facts collection: %w", err)
		}

		actor := "review:" + item.ResolvedBy

		var objectID uuid.UUID
		if existing, err := uuid.Parse(proposal.ObjectID); err == nil {
			patch := map[string]interface{}{"title": proposal.Title}
			for k, v := range proposal.Data {
				patch[k] = v
			}
			updated, err := know.UpdateObject(ctx, existing, patch, actor)
			if err != nil {
				return fmt.Errorf("fact update: %w", err)
			}
			objectID = updated.ID
		} else {
			object, err := know.CreateObject(ctx, c.ID, proposal.Title, proposal.Data, proposal.Tags, actor)
			if err != nil {
				return fmt.Errorf("fact object: %w", err)
			}
			objectID = object.ID
		}
		logger.Info("verified fact stored", "review", item.ID, "object", objectID)

		if proposal.Memory != nil && proposal.Memory.Content != "" {
			area := proposal.Memory.Area
			if area == "" {
				area = store.AreaKnowledge
			}
			_, err := mem.Write(ctx, memory.WriteRequest{
				Area:       area,
				Content:    proposal.Memory.Content,
				Summary:    proposal.Memory.Summary,
				Tags:       proposal.Tags,
				Confidence: 0.9,
				Source:     store.SourceFeedback,
			})
			if err != nil {
				logger.Warn("verified fact memory write failed", "review", item.ID, "error", err)
			}
		}
		return nil
	}
}
