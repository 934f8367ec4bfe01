package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joilabs/joi-gateway/internal/agent"
	"github.com/joilabs/joi-gateway/internal/bus"
	"github.com/joilabs/joi-gateway/internal/config"
	"github.com/joilabs/joi-gateway/internal/gateway"
	"github.com/joilabs/joi-gateway/internal/knowledge"
	"github.com/joilabs/joi-gateway/internal/memory"
	"github.com/joilabs/joi-gateway/internal/providers"
	"github.com/joilabs/joi-gateway/internal/push"
	"github.com/joilabs/joi-gateway/internal/review"
	"github.com/joilabs/joi-gateway/internal/router"
	"github.com/joilabs/joi-gateway/internal/scheduler"
	"github.com/joilabs/joi-gateway/internal/store"
	"github.com/joilabs/joi-gateway/internal/store/pg"
	"github.com/joilabs/joi-gateway/internal/telemetry"
	"github.com/joilabs/joi-gateway/internal/tools"
)

// consolidateEvent is the system cron payload that triggers memory
// maintenance.
const consolidateEvent = "memory.consolidate"

func runGateway() {
	logger := setupLogger()

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Error("config load failed", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		logger.Warn("telemetry setup failed, continuing without traces", "error", err)
		shutdownTelemetry = func(context.Context) error { return nil }
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		shutdownTelemetry(flushCtx)
	}()

	stores, err := pg.NewStores(cfg.Database.DSN)
	if err != nil {
		logger.Error("database connection failed", "error", err)
		os.Exit(1)
	}
	defer stores.Close()

	events := bus.New()

	registry := providers.NewRegistry(func() providers.Credentials {
		return providers.Credentials{
			AnthropicKey:      cfg.Providers.Anthropic.APIKey,
			AnthropicBaseURL:  cfg.Providers.Anthropic.BaseURL,
			OpenRouterKey:     cfg.Providers.OpenRouter.APIKey,
			OpenRouterBaseURL: cfg.Providers.OpenRouter.BaseURL,
			OllamaBaseURL:     cfg.Providers.Ollama.BaseURL,
		}
	})
	modelRouter := router.New(stores.Routes, stores.Usage, registry, cfg.Models.Pricing, logger)

	memories := memory.NewService(stores.Memories, modelRouter, logger)
	knowledgeSvc := knowledge.NewService(stores.Knowledge, modelRouter, logger)

	var pusher review.Pusher
	if cfg.APNS.Enabled {
		client, err := push.New(push.Config{
			KeyFile:      cfg.APNS.KeyFile,
			KeyID:        cfg.APNS.KeyID,
			TeamID:       cfg.APNS.TeamID,
			Topic:        cfg.APNS.Topic,
			DeviceTokens: cfg.APNS.DeviceTokens,
			Production:   cfg.APNS.Production,
		}, logger)
		if err != nil {
			logger.Warn("apns setup failed, push disabled", "error", err)
		} else {
			pusher = client
		}
	}
	reviews := review.NewQueue(stores.Reviews, events, pusher, logger)

	skills := tools.NewSkills(config.ExpandHome(cfg.Tools.SkillsDir), logger)
	if err := skills.Load(); err != nil {
		logger.Warn("skills load failed", "error", err)
	}
	if err := skills.Watch(); err != nil {
		logger.Warn("skills watcher unavailable", "error", err)
	}
	defer skills.Close()

	toolRegistry := tools.NewRegistry(logger)
	toolRegistry.MustRegister(tools.NewMemoryStoreTool(memories))
	toolRegistry.MustRegister(tools.NewMemorySearchTool(memories))
	toolRegistry.MustRegister(tools.NewKnowledgeStoreTool(knowledgeSvc))
	toolRegistry.MustRegister(tools.NewKnowledgeSearchTool(knowledgeSvc))
	toolRegistry.MustRegister(tools.NewTasksListTool(stores.Cron))
	toolRegistry.MustRegister(tools.NewReviewRequestTool(reviews))

	runtime := agent.NewRuntime(
		stores.Conversations, stores.Agents, modelRouter,
		memories, toolRegistry, skills, events,
		cfg.Agent.IntentPattern, logger,
	)
	toolRegistry.MustRegister(tools.NewSpawnAgentTool(runtime))

	if cfg.Agent.ClaudeCode.Enabled {
		runtime.SetClaudeCodeExecutor(&agent.ClaudeCodeExecutor{
			Command: cfg.Agent.ClaudeCode.Command,
			Args:    cfg.Agent.ClaudeCode.Args,
			WorkDir: config.ExpandHome(cfg.Agent.ClaudeCode.WorkDir),
		})
	}
	if delays := cfg.Voice.FillerDelaysMS; len(delays) > 0 {
		schedule := agent.DefaultFillerSchedule()
		schedule.Delays = schedule.Delays[:0]
		for _, ms := range delays {
			schedule.Delays = append(schedule.Delays, time.Duration(ms)*time.Millisecond)
		}
		runtime.SetFillerSchedule(schedule)
	}

	reviews.RegisterHandler(store.ReviewTriage, review.TriageHandler(&triageExecutor{
		runtime: runtime,
		cron:    stores.Cron,
		agentID: cfg.Agent.DefaultAgentID,
	}, logger))
	reviews.RegisterHandler(store.ReviewVerifyFact, review.VerifyFactHandler(knowledgeSvc, memories, logger))
	reviews.SetFeedback(learningFeedback(memories, logger))

	sched := scheduler.New(stores.Cron, runtime, logger)
	sched.RegisterSystemHandler(consolidateEvent, func(ctx context.Context, job *store.CronJob) error {
		report, err := memories.Consolidate(ctx, knowledgeSvc)
		if err != nil {
			return err
		}
		logger.Info("memory consolidation finished",
			"merged", report.Merged, "archived", report.Archived,
			"dropped", report.Dropped, "facts_archived", report.FactsArchived)
		return nil
	})
	if err := ensureConsolidationJob(ctx, stores.Cron, cfg); err != nil {
		logger.Warn("consolidation job setup failed", "error", err)
	}
	sched.Start(ctx)
	defer sched.Stop()

	server := gateway.NewServer(cfg, events, runtime, modelRouter, reviews, sched, gateway.Stores{
		DB:            stores.DB,
		Conversations: stores.Conversations,
		Agents:        stores.Agents,
		Cron:          stores.Cron,
	}, logger)
	server.EnableSettingsPersistence(cfgPath, registry)

	if err := server.Start(ctx); err != nil {
		logger.Error("gateway stopped", "error", err)
		os.Exit(1)
	}
}

// ensureConsolidationJob seeds the nightly memory maintenance job when it
// does not exist yet.
func ensureConsolidationJob(ctx context.Context, cron store.CronStore, cfg *config.Config) error {
	const name = "memory-consolidation"
	if _, err := cron.GetByName(ctx, name); err == nil {
		return nil
	}
	expr := cfg.Memory.ConsolidateCron
	if expr == "" || !scheduler.ValidSpec(expr) {
		return fmt.Errorf("invalid consolidate cron %q", expr)
	}

	job := &store.CronJob{
		ID:            store.NewID(),
		AgentID:       cfg.Agent.DefaultAgentID,
		Name:          name,
		Enabled:       true,
		ScheduleKind:  store.ScheduleCron,
		CronExpr:      expr,
		Timezone:      cfg.Memory.Timezone,
		SessionTarget: "isolated",
		PayloadKind:   store.PayloadSystemEvent,
		PayloadText:   consolidateEvent,
	}
	job.NextRunAt = scheduler.NextRunAt(job, time.Now())
	return cron.Create(ctx, job)
}

// triageExecutor dispatches approved triage actions. Supported kinds:
// agent_turn (run a turn against an agent) and schedule (create a job).
type triageExecutor struct {
	runtime *agent.Runtime
	cron    store.CronStore
	agentID string
}

func (e *triageExecutor) Execute(ctx context.Context, action map[string]interface{}) error {
	kind, _ := action["type"].(string)
	switch kind {
	case "agent_turn":
		agentID, _ := action["agent_id"].(string)
		if agentID == "" {
			agentID = e.agentID
		}
		message, _ := action["message"].(string)
		if message == "" {
			return fmt.Errorf("agent_turn action without message")
		}
		_, err := e.runtime.RunTurn(ctx, agent.TurnRequest{
			AgentID:       agentID,
			UserMessage:   message,
			EnableTools:   true,
			IncludeMemory: true,
		})
		return err

	case "schedule":
		name, _ := action["name"].(string)
		expr, _ := action["cron"].(string)
		message, _ := action["message"].(string)
		if name == "" || message == "" || !scheduler.ValidSpec(expr) {
			return fmt.Errorf("schedule action needs name, message and a valid cron")
		}
		agentID, _ := action["agent_id"].(string)
		if agentID == "" {
			agentID = e.agentID
		}
		job := &store.CronJob{
			ID:            store.NewID(),
			AgentID:       agentID,
			Name:          name,
			Enabled:       true,
			ScheduleKind:  store.ScheduleCron,
			CronExpr:      expr,
			SessionTarget: "isolated",
			PayloadKind:   store.PayloadAgentTurn,
			PayloadText:   message,
		}
		job.NextRunAt = scheduler.NextRunAt(job, time.Now())
		return e.cron.Create(ctx, job)
	}
	return fmt.Errorf("unknown triage action type %q", kind)
}

// learningFeedback records every review resolution as an episode memory so
// future triage can learn from past decisions.
func learningFeedback(memories *memory.Service, logger *slog.Logger) review.SideEffect {
	return func(ctx context.Context, item *store.ReviewItem) error {
		content := fmt.Sprintf("Review %q (%s) was %s by %s.",
			item.Title, item.Type, item.Status, item.ResolvedBy)
		_, err := memories.Write(ctx, memory.WriteRequest{
			Area:       store.AreaEpisodes,
			Content:    content,
			Tags:       []string{"review-feedback", item.Type},
			Confidence: 0.6,
			Source:     store.SourceFeedback,
		})
		if err != nil {
			logger.Warn("learning feedback write failed", "review", item.ID, "error", err)
		}
		return err
	}
}
