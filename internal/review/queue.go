// Package review is the persistent human-in-the-loop queue: items move
// from pending to a terminal status exactly once, and typed side effects
// fire on resolution.
package review

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/joilabs/joi-gateway/internal/bus"
	"github.com/joilabs/joi-gateway/internal/store"
	"github.com/joilabs/joi-gateway/pkg/protocol"
)

// ErrAlreadyResolved is returned when the pending CAS finds the item in a
// terminal state.
var ErrAlreadyResolved = errors.New("review: item already resolved")

// Pusher sends a push notification. Nil disables pushes.
type Pusher interface {
	Notify(ctx context.Context, title, body string) error
}

// SideEffect runs after an item of its registered type reaches a terminal
// status. The item carries the resolution; the CAS guarantees the handler
// runs at most once per item.
type SideEffect func(ctx context.Context, item *store.ReviewItem) error

// Queue is the review queue service.
type Queue struct {
	reviews  store.ReviewStore
	events   bus.Publisher
	push     Pusher
	logger   *slog.Logger
	handlers map[string]SideEffect

	// feedback fires asynchronously on every resolution.
	feedback SideEffect
}

func NewQueue(reviews store.ReviewStore, events bus.Publisher, push Pusher, logger *slog.Logger) *Queue {
	return &Queue{
		reviews:  reviews,
		events:   events,
		push:     push,
		logger:   logger,
		handlers: make(map[string]SideEffect),
	}
}

// RegisterHandler binds the side effect for one item type. Registration
// happens at wiring time, before the gateway accepts resolutions.
func (q *Queue) RegisterHandler(itemType string, h SideEffect) {
	q.handlers[itemType] = h
}

// SetFeedback installs the learning-feedback hook fired on every
// resolution.
func (q *Queue) SetFeedback(h SideEffect) {
	q.feedback = h
}

// Enqueue persists a pending item, broadcasts review.created and sends a
// push notification when configured.
func (q *Queue) Enqueue(ctx context.Context, item *store.ReviewItem) error {
	if item.Type == "" || item.Title == "" {
		return fmt.Errorf("review: type and title required")
	}
	if item.Priority < 0 || item.Priority > 10 {
		return fmt.Errorf("review: priority %d out of range", item.Priority)
	}

	if err := q.reviews.Create(ctx, item); err != nil {
		return err
	}
	q.logger.Info("review item created", "id", item.ID, "type", item.Type, "priority", item.Priority)

	q.events.Broadcast(bus.Event{Name: protocol.ReviewCreated, Payload: item})

	if q.push != nil {
		go func(title, desc string) {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := q.push.Notify(ctx, "Review needed: "+title, desc); err != nil {
				q.logger.Warn("review push failed", "error", err)
			}
		}(item.Title, item.Description)
	}
	return nil
}

func terminalStatus(status string) bool {
	switch status {
	case store.ReviewApproved, store.ReviewRejected, store.ReviewModified:
		return true
	}
	return false
}

// Resolve transitions a pending item to a terminal status. The store-level
// CAS makes concurrent resolutions race to one winner, so side effects run
// exactly once.
func (q *Queue) Resolve(ctx context.Context, id uuid.UUID, status string, resolution json.RawMessage, resolvedBy string) (*store.ReviewItem, error) {
	if !terminalStatus(status) {
		return nil, fmt.Errorf("review: %q is not a terminal status", status)
	}

	claimed, err := q.reviews.Resolve(ctx, id, status, resolution, resolvedBy)
	if err != nil {
		return nil, err
	}
	if !claimed {
		return nil, ErrAlreadyResolved
	}

	item, err := q.reviews.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	q.logger.Info("review item resolved", "id", id, "type", item.Type, "status", status, "by", resolvedBy)

	q.events.Broadcast(bus.Event{Name: protocol.ReviewResolved, Payload: item})

	if h, ok := q.handlers[item.Type]; ok {
		if err := h(ctx, item); err != nil {
			q.logger.Error("review side effect failed", "id", id, "type", item.Type, "error", err)
		}
	}

	if q.feedback != nil {
		go func(item store.ReviewItem) {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := q.feedback(ctx, &item); err != nil {
				q.logger.Warn("review feedback hook failed", "id", item.ID, "error", err)
			}
		}(*item)
	}

	return item, nil
}

// Get loads one item.
func (q *Queue) Get(ctx context.Context, id uuid.UUID) (*store.ReviewItem, error) {
	return q.reviews.Get(ctx, id)
}

// List returns items pending-first, priority descending, newest first.
func (q *Queue) List(ctx context.Context, f store.ReviewFilter) ([]store.ReviewItem, error) {
	return q.reviews.List(ctx, f)
}
