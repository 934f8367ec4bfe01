// Package router resolves task classes to concrete (provider, model) pairs
// and tracks per-call usage.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/joilabs/joi-gateway/internal/providers"
	"github.com/joilabs/joi-gateway/internal/store"
)

// The closed task set.
const (
	TaskChat        = "chat"
	TaskTool        = "tool"
	TaskUtility     = "utility"
	TaskTriage      = "triage"
	TaskClassifier  = "classifier"
	TaskEmbedding   = "embedding"
	TaskVoice       = "voice"
	TaskLightweight = "lightweight"
)

// defaultRoutes is the fallback when no DB row exists for a task.
var defaultRoutes = map[string]store.ModelRoute{
	TaskChat:        {Task: TaskChat, Provider: "anthropic", Model: "claude-sonnet-4-5-20250929"},
	TaskTool:        {Task: TaskTool, Provider: "openrouter", Model: "openai/gpt-4o-mini"},
	TaskUtility:     {Task: TaskUtility, Provider: "openrouter", Model: "anthropic/claude-haiku-3-5-20241022"},
	TaskTriage:      {Task: TaskTriage, Provider: "openrouter", Model: "openai/gpt-4o-mini"},
	TaskClassifier:  {Task: TaskClassifier, Provider: "openrouter", Model: "openai/gpt-4.1-nano"},
	TaskEmbedding:   {Task: TaskEmbedding, Provider: "ollama", Model: "nomic-embed-text"},
	TaskVoice:       {Task: TaskVoice, Provider: "openrouter", Model: "openai/gpt-4o-mini"},
	TaskLightweight: {Task: TaskLightweight, Provider: "openrouter", Model: "openai/gpt-4o-mini"},
}

// ValidTask reports whether task belongs to the closed task set.
func ValidTask(task string) bool {
	_, ok := defaultRoutes[task]
	return ok
}

// Price is the USD cost per million tokens for one model.
type Price struct {
	InputPerMTok  float64
	OutputPerMTok float64
}

// defaultPricing covers the models the default routes name. Overridable
// via the models.pricing config section.
var defaultPricing = map[string]Price{
	"claude-sonnet-4-5-20250929":          {InputPerMTok: 3.00, OutputPerMTok: 15.00},
	"anthropic/claude-haiku-3-5-20241022": {InputPerMTok: 0.80, OutputPerMTok: 4.00},
	"openai/gpt-4o-mini":                  {InputPerMTok: 0.15, OutputPerMTok: 0.60},
	"openai/gpt-4.1-nano":                 {InputPerMTok: 0.10, OutputPerMTok: 0.40},
	"nomic-embed-text":                    {},
}

// Router is the model router.
type Router struct {
	routes   store.RouteStore
	usage    store.UsageStore
	registry *providers.Registry
	pricing  map[string]Price
	logger   *slog.Logger
}

func New(routes store.RouteStore, usage store.UsageStore, registry *providers.Registry, pricing map[string]Price, logger *slog.Logger) *Router {
	merged := make(map[string]Price, len(defaultPricing)+len(pricing))
	for m, p := range defaultPricing {
		merged[m] = p
	}
	for m, p := range pricing {
		merged[m] = p
	}
	return &Router{
		routes:   routes,
		usage:    usage,
		registry: registry,
		pricing:  merged,
		logger:   logger,
	}
}

// Resolve returns the route for task: the DB row when present, the
// hard-coded default otherwise.
func (r *Router) Resolve(ctx context.Context, task string) (store.ModelRoute, error) {
	def, ok := defaultRoutes[task]
	if !ok {
		return store.ModelRoute{}, fmt.Errorf("router: unknown task %q", task)
	}
	route, err := r.routes.Get(ctx, task)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			r.logger.Warn("route lookup failed, using default", "task", task, "error", err)
		}
		return def, nil
	}
	r.logger.Debug("route resolved", "task", task, "provider", route.Provider, "model", route.Model)
	return *route, nil
}

// Client resolves the task and returns the provider client for it.
func (r *Router) Client(ctx context.Context, task string) (providers.Provider, store.ModelRoute, error) {
	route, err := r.Resolve(ctx, task)
	if err != nil {
		return nil, store.ModelRoute{}, err
	}
	p, err := r.registry.Get(route.Provider, route.Model)
	if err != nil {
		return nil, store.ModelRoute{}, err
	}
	return p, route, nil
}

// Update upserts a route and invalidates cached provider clients so the
// next call picks up the change.
func (r *Router) Update(ctx context.Context, task, provider, model string) error {
	if !ValidTask(task) {
		return fmt.Errorf("router: unknown task %q", task)
	}
	switch provider {
	case "anthropic", "openrouter", "ollama":
	default:
		return fmt.Errorf("router: unknown provider %q", provider)
	}
	if err := r.routes.Upsert(ctx, store.ModelRoute{Task: task, Provider: provider, Model: model}); err != nil {
		return store.NewStorageError("route upsert", err)
	}
	r.registry.InvalidateAll()
	r.logger.Info("route updated", "task", task, "provider", provider, "model", model)
	return nil
}

// Routes returns every persisted route merged over the defaults.
func (r *Router) Routes(ctx context.Context) ([]store.ModelRoute, error) {
	persisted, err := r.routes.All(ctx)
	if err != nil {
		return nil, err
	}
	byTask := make(map[string]store.ModelRoute, len(defaultRoutes))
	for task, def := range defaultRoutes {
		byTask[task] = def
	}
	for _, route := range persisted {
		byTask[route.Task] = route
	}
	out := make([]store.ModelRoute, 0, len(byTask))
	for _, task := range []string{TaskChat, TaskTool, TaskUtility, TaskTriage, TaskClassifier, TaskEmbedding, TaskVoice, TaskLightweight} {
		out = append(out, byTask[task])
	}
	return out, nil
}

// UtilityOptions tune a UtilityCall.
type UtilityOptions struct {
	MaxTokens   int
	Temperature *float64
}

// UtilityCall runs a non-streaming completion over the utility route.
// Used for titling, prompt polishing and lightweight classification.
func (r *Router) UtilityCall(ctx context.Context, system, user string, opts UtilityOptions) (string, error) {
	p, route, err := r.Client(ctx, TaskUtility)
	if err != nil {
		return "", err
	}

	start := time.Now()
	resp, err := p.Chat(ctx, providers.ChatRequest{
		Model:       route.Model,
		System:      system,
		Messages:    []providers.Message{{Role: "user", Content: user}},
		MaxTokens:   opts.MaxTokens,
		Temperature: opts.Temperature,
	})
	latency := time.Since(start).Milliseconds()

	if err != nil {
		r.RecordUsage(store.UsageRecord{
			Provider: route.Provider, Model: route.Model, Task: TaskUtility,
			LatencyMS: latency, Error: err.Error(),
		})
		return "", &providers.ProviderError{Provider: route.Provider, Model: route.Model, Err: err}
	}

	rec := store.UsageRecord{
		Provider: route.Provider, Model: route.Model, Task: TaskUtility,
		LatencyMS: latency,
	}
	if resp.Usage != nil {
		rec.InputTokens = resp.Usage.PromptTokens
		rec.OutputTokens = resp.Usage.CompletionTokens
		rec.CostUSD = r.Cost(route.Model, resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
	}
	r.RecordUsage(rec)
	return resp.Content, nil
}

// Embed computes the dense vector for text via the embedding route.
// The result must match the memory embedding dimension.
func (r *Router) Embed(ctx context.Context, text string) ([]float32, error) {
	route, err := r.Resolve(ctx, TaskEmbedding)
	if err != nil {
		return nil, err
	}
	e, err := r.registry.GetEmbedder(route.Provider, route.Model)
	if err != nil {
		return nil, err
	}
	vec, err := e.Embed(ctx, route.Model, text)
	if err != nil {
		return nil, &providers.ProviderError{Provider: route.Provider, Model: route.Model, Err: err}
	}
	if len(vec) != store.EmbeddingDim {
		return nil, fmt.Errorf("router: embedding dimension %d, want %d (model %s)", len(vec), store.EmbeddingDim, route.Model)
	}
	return vec, nil
}

// RecordUsage appends a usage row asynchronously. It never blocks the
// caller and never propagates a failure.
func (r *Router) RecordUsage(rec store.UsageRecord) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.usage.Record(ctx, rec); err != nil {
			r.logger.Warn("usage record failed", "provider", rec.Provider, "model", rec.Model, "error", err)
		}
	}()
}

// Cost computes the USD cost of one call from the pricing table.
// Unknown models cost zero and log a warning.
func (r *Router) Cost(model string, inputTokens, outputTokens int) float64 {
	price, ok := r.pricing[model]
	if !ok {
		r.logger.Warn("no pricing for model, recording zero cost", "model", model)
		return 0
	}
	return float64(inputTokens)/1e6*price.InputPerMTok + float64(outputTokens)/1e6*price.OutputPerMTok
}

// DailyUsage aggregates usage rows for the last n days.
func (r *Router) DailyUsage(ctx context.Context, days int) ([]store.UsageSummary, error) {
	if days <= 0 {
		days = 30
	}
	return r.usage.DailySummary(ctx, days)
}
