package review

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/joilabs/joi-gateway/internal/bus"
	"github.com/joilabs/joi-gateway/internal/store"
	"github.com/joilabs/joi-gateway/pkg/protocol"
)

// fakeReviewStore mirrors the store-level pending CAS: Resolve claims the
// item only while it is still pending.
type fakeReviewStore struct {
	mu    sync.Mutex
	items map[uuid.UUID]*store.ReviewItem
}

func newFakeReviewStore() *fakeReviewStore {
	return &fakeReviewStore{items: make(map[uuid.UUID]*store.ReviewItem)}
}

func (s *fakeReviewStore) Create(_ context.Context, item *store.ReviewItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if item.ID == uuid.Nil {
		item.ID = store.NewID()
	}
	if item.Status == "" {
		item.Status = store.ReviewPending
	}
	copied := *item
	s.items[item.ID] = &copied
	return nil
}

func (s *fakeReviewStore) Get(_ context.Context, id uuid.UUID) (*store.ReviewItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	copied := *item
	return &copied, nil
}

func (s *fakeReviewStore) Resolve(_ context.Context, id uuid.UUID, status string, resolution []byte, resolvedBy string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[id]
	if !ok {
		return false, store.ErrNotFound
	}
	if item.Status != store.ReviewPending {
		return false, nil
	}
	now := time.Now()
	item.Status = status
	item.Resolution = resolution
	item.ResolvedBy = resolvedBy
	item.ResolvedAt = &now
	return true, nil
}

func (s *fakeReviewStore) List(_ context.Context, _ store.ReviewFilter) ([]store.ReviewItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.ReviewItem, 0, len(s.items))
	for _, item := range s.items {
		out = append(out, *item)
	}
	return out, nil
}

type recordingPusher struct {
	mu    sync.Mutex
	calls []string
}

func (p *recordingPusher) Notify(_ context.Context, title, _ string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, title)
	return nil
}

func newTestQueue(st *fakeReviewStore, push Pusher) (*Queue, *bus.Bus) {
	events := bus.New()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewQueue(st, events, push, logger), events
}

func TestEnqueueValidation(t *testing.T) {
	q, _ := newTestQueue(newFakeReviewStore(), nil)

	tests := []struct {
		name string
		item store.ReviewItem
	}{
		{"missing type", store.ReviewItem{Title: "t"}},
		{"missing title", store.ReviewItem{Type: "triage"}},
		{"priority too high", store.ReviewItem{Type: "triage", Title: "t", Priority: 11}},
		{"priority negative", store.ReviewItem{Type: "triage", Title: "t", Priority: -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			item := tt.item
			if err := q.Enqueue(context.Background(), &item); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestEnqueueBroadcastsAndPushes(t *testing.T) {
	st := newFakeReviewStore()
	push := &recordingPusher{}
	q, events := newTestQueue(st, push)

	created := make(chan bus.Event, 1)
	events.Subscribe("test", func(e bus.Event) {
		if e.Name == protocol.ReviewCreated {
			created <- e
		}
	})

	item := &store.ReviewItem{Type: "triage", Title: "New message batch", Priority: 5}
	if err := q.Enqueue(context.Background(), item); err != nil {
		t.Fatal(err)
	}
	if item.ID == uuid.Nil {
		t.Error("item has no id after enqueue")
	}

	select {
	case <-created:
	case <-time.After(time.Second):
		t.Fatal("review.created never broadcast")
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		push.mu.Lock()
		n := len(push.calls)
		push.mu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("push notification never sent")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if push.calls[0] != "Review needed: New message batch" {
		t.Errorf("push title = %q", push.calls[0])
	}
}

func TestResolveRejectsNonTerminalStatus(t *testing.T) {
	q, _ := newTestQueue(newFakeReviewStore(), nil)
	if _, err := q.Resolve(context.Background(), store.NewID(), store.ReviewPending, nil, "user"); err == nil {
		t.Fatal("pending is not a terminal status")
	}
	if _, err := q.Resolve(context.Background(), store.NewID(), "snoozed", nil, "user"); err == nil {
		t.Fatal("unknown status must be rejected")
	}
}

func TestResolveRunsSideEffectOnce(t *testing.T) {
	st := newFakeReviewStore()
	q, _ := newTestQueue(st, nil)

	var calls int
	q.RegisterHandler("triage", func(_ context.Context, item *store.ReviewItem) error {
		calls++
		if item.Status != store.ReviewApproved {
			t.Errorf("handler saw status %q", item.Status)
		}
		return nil
	})

	item := &store.ReviewItem{Type: "triage", Title: "t", Priority: 3}
	if err := q.Enqueue(context.Background(), item); err != nil {
		t.Fatal(err)
	}

	resolved, err := q.Resolve(context.Background(), item.ID, store.ReviewApproved, json.RawMessage(`{"ok":true}`), "user")
	if err != nil {
		t.Fatal(err)
	}
	if resolved.Status != store.ReviewApproved || resolved.ResolvedBy != "user" {
		t.Errorf("resolved = %+v", resolved)
	}
	if resolved.ResolvedAt == nil {
		t.Error("resolved_at not set")
	}

	// Second resolution loses the CAS.
	if _, err := q.Resolve(context.Background(), item.ID, store.ReviewRejected, nil, "user"); !errors.Is(err, ErrAlreadyResolved) {
		t.Errorf("second resolve err = %v, want ErrAlreadyResolved", err)
	}
	if calls != 1 {
		t.Errorf("side effect ran %d times", calls)
	}
}

func TestResolveConcurrentSingleWinner(t *testing.T) {
	st := newFakeReviewStore()
	q, _ := newTestQueue(st, nil)

	var mu sync.Mutex
	calls := 0
	q.RegisterHandler("triage", func(_ context.Context, _ *store.ReviewItem) error {
		mu.Lock()
		calls++
		mu.Unlock()
		return nil
	})

	item := &store.ReviewItem{Type: "triage", Title: "t"}
	if err := q.Enqueue(context.Background(), item); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	wins := make(chan struct{}, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := q.Resolve(context.Background(), item.ID, store.ReviewApproved, nil, "user"); err == nil {
				wins <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(wins)

	winners := 0
	for range wins {
		winners++
	}
	if winners != 1 {
		t.Errorf("winners = %d, want exactly one", winners)
	}
	if calls != 1 {
		t.Errorf("side effect ran %d times, want once", calls)
	}
}

func TestResolveUnknownItem(t *testing.T) {
	q, _ := newTestQueue(newFakeReviewStore(), nil)
	if _, err := q.Resolve(context.Background(), store.NewID(), store.ReviewApproved, nil, "user"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("err = %v, want not found", err)
	}
}

func TestResolveFeedbackHookFires(t *testing.T) {
	st := newFakeReviewStore()
	q, _ := newTestQueue(st, nil)

	fed := make(chan *store.ReviewItem, 1)
	q.SetFeedback(func(_ context.Context, item *store.ReviewItem) error {
		fed <- item
		return nil
	})

	item := &store.ReviewItem{Type: "verify_fact", Title: "t"}
	if err := q.Enqueue(context.Background(), item); err != nil {
		t.Fatal(err)
	}
	if _, err := q.Resolve(context.Background(), item.ID, store.ReviewRejected, nil, "user"); err != nil {
		t.Fatal(err)
	}

	select {
	case got := <-fed:
		if got.Status != store.ReviewRejected {
			t.Errorf("feedback saw status %q", got.Status)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("feedback hook never fired")
	}
}

func TestTriageActions(t *testing.T) {
	tests := []struct {
		name string
		item store.ReviewItem
		want int
	}{
		{
			name: "bare list",
			item: store.ReviewItem{
				Status:         store.ReviewApproved,
				ProposedAction: json.RawMessage(`[{"kind":"send"},{"kind":"file"}]`),
			},
			want: 2,
		},
		{
			name: "wrapped list",
			item: store.ReviewItem{
				Status:         store.ReviewApproved,
				ProposedAction: json.RawMessage(`{"actions":[{"kind":"send"}]}`),
			},
			want: 1,
		},
		{
			name: "modified resolution wins",
			item: store.ReviewItem{
				Status:         store.ReviewModified,
				ProposedAction: json.RawMessage(`[{"kind":"send"},{"kind":"file"}]`),
				Resolution:     json.RawMessage(`[{"kind":"schedule"}]`),
			},
			want: 1,
		},
		{
			name: "empty payload",
			item: store.ReviewItem{Status: store.ReviewApproved},
			want: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := triageActions(&tt.item); len(got) != tt.want {
				t.Errorf("actions = %v, want %d entries", got, tt.want)
			}
		})
	}
}

type recordingExecutor struct {
	actions []map[string]interface{}
	err     error
}

func (e *recordingExecutor) Execute(_ context.Context, action map[string]interface{}) error {
	if e.err != nil {
		return e.err
	}
	e.actions = append(e.actions, action)
	return nil
}

func TestTriageHandler(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	t.Run("approved dispatches all actions", func(t *testing.T) {
		exec := &recordingExecutor{}
		h := TriageHandler(exec, logger)
		item := &store.ReviewItem{
			Status:         store.ReviewApproved,
			ProposedAction: json.RawMessage(`[{"kind":"send"},{"kind":"file"}]`),
		}
		if err := h(context.Background(), item); err != nil {
			t.Fatal(err)
		}
		if len(exec.actions) != 2 {
			t.Errorf("dispatched = %v", exec.actions)
		}
	})

	t.Run("rejected dispatches nothing", func(t *testing.T) {
		exec := &recordingExecutor{}
		h := TriageHandler(exec, logger)
		item := &store.ReviewItem{
			Status:         store.ReviewRejected,
			ProposedAction: json.RawMessage(`[{"kind":"send"}]`),
		}
		if err := h(context.Background(), item); err != nil {
			t.Fatal(err)
		}
		if len(exec.actions) != 0 {
			t.Errorf("dispatched = %v", exec.actions)
		}
	})

	t.Run("executor failure propagates", func(t *testing.T) {
		exec := &recordingExecutor{err: errors.New("smtp down")}
		h := TriageHandler(exec, logger)
		item := &store.ReviewItem{
			Status:         store.ReviewApproved,
			ProposedAction: json.RawMessage(`[{"kind":"send"}]`),
		}
		if err := h(context.Background(), item); err == nil {
			t.Fatal("expected dispatch error")
		}
	})
}
