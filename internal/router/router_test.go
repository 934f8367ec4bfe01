package router

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/joilabs/joi-gateway/internal/store"
)

type stubRouteStore struct {
	routes map[string]store.ModelRoute
	getErr error
}

func (s *stubRouteStore) Get(_ context.Context, task string) (*store.ModelRoute, error) {
	if s.getErr != nil {
		return nil, s.getErr
	}
	r, ok := s.routes[task]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &r, nil
}

func (s *stubRouteStore) Upsert(_ context.Context, route store.ModelRoute) error {
	if s.routes == nil {
		s.routes = make(map[string]store.ModelRoute)
	}
	s.routes[route.Task] = route
	return nil
}

func (s *stubRouteStore) All(_ context.Context) ([]store.ModelRoute, error) {
	out := make([]store.ModelRoute, 0, len(s.routes))
	for _, r := range s.routes {
		out = append(out, r)
	}
	return out, nil
}

type stubUsageStore struct {
	mu   sync.Mutex
	recs []store.UsageRecord
}

func (s *stubUsageStore) Record(_ context.Context, rec store.UsageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs = append(s.recs, rec)
	return nil
}

func (s *stubUsageStore) DailySummary(_ context.Context, _ int) ([]store.UsageSummary, error) {
	return nil, nil
}

func newTestRouter(routes *stubRouteStore, pricing map[string]Price) *Router {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(routes, &stubUsageStore{}, nil, pricing, logger)
}

func TestValidTask(t *testing.T) {
	for _, task := range []string{TaskChat, TaskTool, TaskUtility, TaskTriage, TaskClassifier, TaskEmbedding, TaskVoice, TaskLightweight} {
		if !ValidTask(task) {
			t.Errorf("ValidTask(%q) = false", task)
		}
	}
	for _, task := range []string{"", "chatting", "CHAT"} {
		if ValidTask(task) {
			t.Errorf("ValidTask(%q) = true", task)
		}
	}
}

func TestResolveDefault(t *testing.T) {
	r := newTestRouter(&stubRouteStore{}, nil)

	route, err := r.Resolve(context.Background(), TaskChat)
	if err != nil {
		t.Fatal(err)
	}
	if route.Provider != "anthropic" || route.Model != "claude-sonnet-4-5-20250929" {
		t.Errorf("chat default = %+v", route)
	}

	route, err = r.Resolve(context.Background(), TaskEmbedding)
	if err != nil {
		t.Fatal(err)
	}
	if route.Provider != "ollama" || route.Model != "nomic-embed-text" {
		t.Errorf("embedding default = %+v", route)
	}
}

func TestResolvePersistedWins(t *testing.T) {
	r := newTestRouter(&stubRouteStore{routes: map[string]store.ModelRoute{
		TaskChat: {Task: TaskChat, Provider: "openrouter", Model: "custom/model"},
	}}, nil)

	route, err := r.Resolve(context.Background(), TaskChat)
	if err != nil {
		t.Fatal(err)
	}
	if route.Provider != "openrouter" || route.Model != "custom/model" {
		t.Errorf("route = %+v, persisted row must win", route)
	}
}

func TestResolveStoreFailureFallsBack(t *testing.T) {
	r := newTestRouter(&stubRouteStore{getErr: errors.New("connection refused")}, nil)

	route, err := r.Resolve(context.Background(), TaskTool)
	if err != nil {
		t.Fatal(err)
	}
	if route.Provider != "openrouter" || route.Model != "openai/gpt-4o-mini" {
		t.Errorf("route = %+v, store errors must fall back to the default", route)
	}
}

func TestResolveUnknownTask(t *testing.T) {
	r := newTestRouter(&stubRouteStore{}, nil)
	if _, err := r.Resolve(context.Background(), "nonsense"); err == nil {
		t.Fatal("expected error for unknown task")
	}
}

func TestRoutesMergesOverDefaults(t *testing.T) {
	r := newTestRouter(&stubRouteStore{routes: map[string]store.ModelRoute{
		TaskVoice: {Task: TaskVoice, Provider: "ollama", Model: "llama3.2"},
	}}, nil)

	routes, err := r.Routes(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(routes) != 8 {
		t.Fatalf("len = %d, want the full task set", len(routes))
	}

	byTask := make(map[string]store.ModelRoute)
	for _, route := range routes {
		byTask[route.Task] = route
	}
	if got := byTask[TaskVoice]; got.Provider != "ollama" || got.Model != "llama3.2" {
		t.Errorf("voice = %+v, persisted row must win", got)
	}
	if got := byTask[TaskChat]; got.Provider != "anthropic" {
		t.Errorf("chat = %+v, untouched tasks keep their defaults", got)
	}
}

func TestUpdateValidation(t *testing.T) {
	routes := &stubRouteStore{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	// Update on a bad task or provider fails before touching the registry.
	r := New(routes, &stubUsageStore{}, nil, nil, logger)

	if err := r.Update(context.Background(), "bogus", "openrouter", "m"); err == nil {
		t.Error("expected unknown-task error")
	}
	if err := r.Update(context.Background(), TaskChat, "azure", "m"); err == nil {
		t.Error("expected unknown-provider error")
	}
}

func TestCost(t *testing.T) {
	r := newTestRouter(&stubRouteStore{}, nil)

	got := r.Cost("openai/gpt-4o-mini", 1_000_000, 1_000_000)
	if math.Abs(got-0.75) > 1e-9 {
		t.Errorf("cost = %f, want 0.75", got)
	}

	got = r.Cost("claude-sonnet-4-5-20250929", 10_000, 2_000)
	want := 0.01*3.00 + 0.002*15.00
	if math.Abs(got-want) > 1e-9 {
		t.Errorf("cost = %f, want %f", got, want)
	}

	if got := r.Cost("unknown/model", 1000, 1000); got != 0 {
		t.Errorf("unknown model cost = %f, want 0", got)
	}

	if got := r.Cost("nomic-embed-text", 5000, 0); got != 0 {
		t.Errorf("embedding cost = %f, want 0", got)
	}
}

func TestCostPricingOverride(t *testing.T) {
	r := newTestRouter(&stubRouteStore{}, map[string]Price{
		"openai/gpt-4o-mini": {InputPerMTok: 1.0, OutputPerMTok: 2.0},
		"local/fine-tune":    {InputPerMTok: 0.5, OutputPerMTok: 0.5},
	})

	if got := r.Cost("openai/gpt-4o-mini", 1_000_000, 0); math.Abs(got-1.0) > 1e-9 {
		t.Errorf("override cost = %f, want 1.0", got)
	}
	if got := r.Cost("local/fine-tune", 2_000_000, 0); math.Abs(got-1.0) > 1e-9 {
		t.Errorf("new model cost = %f, want 1.0", got)
	}
	// Models not named in the override keep the built-in price.
	if got := r.Cost("openai/gpt-4.1-nano", 1_000_000, 0); math.Abs(got-0.10) > 1e-9 {
		t.Errorf("default price = %f, want 0.10", got)
	}
}

func TestRecordUsageIsAsync(t *testing.T) {
	usage := &stubUsageStore{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	r := New(&stubRouteStore{}, usage, nil, nil, logger)

	r.RecordUsage(store.UsageRecord{Provider: "openrouter", Model: "m", Task: TaskChat})

	deadline := time.Now().Add(2 * time.Second)
	for {
		usage.mu.Lock()
		n := len(usage.recs)
		usage.mu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("usage record never landed")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
