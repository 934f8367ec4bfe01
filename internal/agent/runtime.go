// Package agent implements the streaming tool-use loop that drives one
// conversation turn: context assembly, two-phase routing, provider
// streaming, tool dispatch, persistence and delegation.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/joilabs/joi-gateway/internal/bus"
	"github.com/joilabs/joi-gateway/internal/memory"
	"github.com/joilabs/joi-gateway/internal/providers"
	"github.com/joilabs/joi-gateway/internal/router"
	"github.com/joilabs/joi-gateway/internal/store"
	"github.com/joilabs/joi-gateway/internal/tools"
)

const (
	// maxToolIterations caps provider round-trips within one turn.
	maxToolIterations = 8
	// defaultHistoryLimit is the conversation window when the request
	// names none.
	defaultHistoryLimit = 8
	// memoryDigestLimit bounds the injected memory digest.
	memoryDigestLimit = 8
	// titleMaxLen truncates the fallback conversation title.
	titleMaxLen = 80
)

// Turn modes.
const (
	ModeText       = ""
	ModeVoice      = "voice"
	ModeClaudeCode = "claude-code"
)

// forceToolSuffix is appended on the single no-tool retry.
const forceToolSuffix = "\n\nYou MUST use one of the available tools to answer. Do not reply with plain text."

// Callbacks stream turn progress to the caller. Nil members are skipped.
type Callbacks struct {
	OnRouted     func(provider, model, task string)
	OnPlan       func(steps []string)
	OnStream     func(delta string)
	OnToolUse    func(call store.ToolCall)
	OnToolResult func(result store.ToolResult)
	// OnFiller fires spoken progress acknowledgements in voice mode while
	// a tool call is outstanding.
	OnFiller func(phrase string)
}

// TurnRequest is the input to one RunTurn call.
type TurnRequest struct {
	ConversationID *uuid.UUID
	AgentID        string
	UserMessage    string
	Attachments    []store.Attachment

	Model        string
	TaskOverride string
	Mode         string

	EnableTools         bool
	ForceToolUse        bool
	IncludeMemory       bool
	IncludeSkillsPrompt bool
	HistoryLimit        int
	SystemPromptSuffix  string

	Depth     int
	Callbacks Callbacks
}

// Timings is the per-phase latency breakdown of one turn.
type Timings struct {
	RouteMS    int64 `json:"route_ms"`
	ContextMS  int64 `json:"context_ms"`
	ProviderMS int64 `json:"provider_ms"`
	ToolMS     int64 `json:"tool_ms"`
}

// Delegation records one spawn_agent sub-turn within a parent turn.
type Delegation struct {
	AgentID        string    `json:"agent_id"`
	ConversationID uuid.UUID `json:"conversation_id"`
	DurationMS     int64     `json:"duration_ms"`
	Error          string    `json:"error,omitempty"`
}

// TurnResult is the outcome of one RunTurn call. MessageID is nil when
// the assistant message could not be persisted.
type TurnResult struct {
	MessageID      *uuid.UUID       `json:"message_id,omitempty"`
	ConversationID uuid.UUID        `json:"conversation_id"`
	Content        string           `json:"content"`
	Model          string           `json:"model"`
	Provider       string           `json:"provider"`
	Usage          store.TokenUsage `json:"usage"`
	CostUSD        float64          `json:"cost_usd"`
	Timings        Timings          `json:"timings"`
	Delegations    []Delegation     `json:"delegations,omitempty"`
}

// Runtime drives agent turns.
type Runtime struct {
	conversations store.ConversationStore
	agents        store.AgentStore
	router        *router.Router
	memory        *memory.Service
	registry      *tools.Registry
	skills        *tools.Skills
	events        bus.Publisher
	intent        *IntentGate
	logger        *slog.Logger

	claudeCode *ClaudeCodeExecutor
	fillers    FillerSchedule

	// active tracks in-flight turns by conversation so delegations land
	// on the right parent and interrupts can cancel the running turn.
	active sync.Map
}

type turnState struct {
	mu          sync.Mutex
	cancel      context.CancelFunc
	spoken      string
	delegations []Delegation
}

func NewRuntime(
	conversations store.ConversationStore,
	agents store.AgentStore,
	modelRouter *router.Router,
	memories *memory.Service,
	registry *tools.Registry,
	skills *tools.Skills,
	events bus.Publisher,
	intentPattern string,
	logger *slog.Logger,
) *Runtime {
	return &Runtime{
		conversations: conversations,
		agents:        agents,
		router:        modelRouter,
		memory:        memories,
		registry:      registry,
		skills:        skills,
		events:        events,
		intent:        NewIntentGate(intentPattern),
		logger:        logger,
		fillers:       DefaultFillerSchedule(),
	}
}

// SetClaudeCodeExecutor enables mode='claude-code' turns.
func (r *Runtime) SetClaudeCodeExecutor(e *ClaudeCodeExecutor) { r.claudeCode = e }

// SetFillerSchedule overrides the voice progress filler delays.
func (r *Runtime) SetFillerSchedule(s FillerSchedule) { r.fillers = s }

// RunTurn processes exactly one user message.
func (r *Runtime) RunTurn(ctx context.Context, req TurnRequest) (res *TurnResult, err error) {
	ctx, span := otel.Tracer("agent").Start(ctx, "agent.run_turn",
		trace.WithAttributes(
			attribute.String("agent.id", req.AgentID),
			attribute.Int("agent.depth", req.Depth),
		))
	defer func() {
		if err != nil && !errors.Is(err, ErrInterrupted) {
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	conv, agent, err := r.resolveConversation(ctx, req)
	if err != nil {
		return nil, err
	}

	// The turn runs under its own cancelable context, registered by
	// conversation, so Interrupt can stop it even when the conversation
	// was created lazily above.
	ctx, cancelTurn := context.WithCancel(ctx)
	defer cancelTurn()

	state := &turnState{cancel: cancelTurn}
	r.active.Store(conv.ID, state)
	defer r.active.Delete(conv.ID)

	userMsg := &store.Message{
		ID:             store.NewID(),
		ConversationID: conv.ID,
		Role:           "user",
		Content:        req.UserMessage,
		Attachments:    req.Attachments,
	}
	if err := r.conversations.AppendMessage(ctx, userMsg); err != nil {
		return nil, store.NewStorageError("append user message", err)
	}

	// Voice turns without tool intent run tool- and memory-free.
	voiceGated := req.Mode == ModeVoice && !r.intent.Match(req.UserMessage)
	if voiceGated {
		req.EnableTools = false
		req.IncludeMemory = false
	}

	if req.Mode == ModeClaudeCode {
		return r.runClaudeCodeTurn(ctx, conv, agent, req, state)
	}

	contextStart := time.Now()
	system, history := r.assembleContext(ctx, conv, agent, req)
	contextMS := time.Since(contextStart).Milliseconds()

	var allowed []tools.Tool
	if req.EnableTools {
		allowed = r.registry.ToolsFor(agent, req.Depth)
	}

	routeStart := time.Now()
	task := r.selectTask(req, allowed, voiceGated)
	provider, route, err := r.router.Client(ctx, task)
	if err != nil {
		return nil, err
	}
	model := route.Model
	if req.Model != "" {
		model = req.Model
	} else if agent.Model != "" && task == router.TaskChat {
		model = agent.Model
	}
	routeMS := time.Since(routeStart).Milliseconds()

	r.logger.Info("turn routed",
		"conversation", conv.ID, "agent", agent.ID,
		"task", task, "provider", route.Provider, "model", model)
	if req.Callbacks.OnRouted != nil {
		req.Callbacks.OnRouted(route.Provider, model, task)
	}

	loop := &toolLoop{
		runtime:  r,
		conv:     conv,
		agent:    agent,
		req:      req,
		provider: provider,
		route:    route,
		model:    model,
		system:   system,
		history:  history,
		tools:    allowed,
		task:     task,
	}
	outcome, loopErr := loop.run(ctx)

	result := &TurnResult{
		ConversationID: conv.ID,
		Content:        outcome.content,
		Model:          model,
		Provider:       route.Provider,
		Usage:          outcome.usage,
		CostUSD:        outcome.costUSD,
		Timings: Timings{
			RouteMS:    routeMS,
			ContextMS:  contextMS,
			ProviderMS: outcome.providerMS,
			ToolMS:     outcome.toolMS,
		},
		Delegations: state.snapshot(),
	}

	interrupted := errors.Is(loopErr, ErrInterrupted)
	if interrupted {
		result.Content = state.interruptedContent(outcome.content)
	}

	r.persistAssistant(ctx, conv, req, result, outcome, interrupted)

	if loopErr != nil && !interrupted {
		return result, loopErr
	}
	if interrupted {
		return result, ErrInterrupted
	}
	return result, nil
}

// Interrupt cancels the in-flight turn on the conversation, if any. A
// non-empty spoken transcript replaces the draft when the truncated
// assistant message is persisted. Reports whether a turn was running.
func (r *Runtime) Interrupt(conversationID uuid.UUID, spoken string) bool {
	v, ok := r.active.Load(conversationID)
	if !ok {
		return false
	}
	state := v.(*turnState)
	state.mu.Lock()
	state.spoken = strings.TrimSpace(spoken)
	cancel := state.cancel
	state.mu.Unlock()
	cancel()
	return true
}

func (s *turnState) record(d Delegation) {
	s.mu.Lock()
	s.delegations = append(s.delegations, d)
	s.mu.Unlock()
}

// interruptedContent truncates the draft for persistence. The spoken
// transcript from the interrupt, when present, wins over the full draft.
func (s *turnState) interruptedContent(draft string) string {
	s.mu.Lock()
	spoken := s.spoken
	s.mu.Unlock()
	if spoken != "" {
		return spoken + InterruptSuffix
	}
	return strings.TrimRight(draft, " ") + InterruptSuffix
}

func (s *turnState) snapshot() []Delegation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Delegation, len(s.delegations))
	copy(out, s.delegations)
	return out
}

// resolveConversation loads or lazily creates the conversation, then loads
// the agent record the conversation is bound to.
func (r *Runtime) resolveConversation(ctx context.Context, req TurnRequest) (*store.Conversation, *store.AgentRecord, error) {
	var conv *store.Conversation
	if req.ConversationID != nil {
		var err error
		conv, err = r.conversations.Get(ctx, *req.ConversationID)
		if err != nil {
			return nil, nil, err
		}
	} else {
		conv = &store.Conversation{
			ID:      store.NewID(),
			AgentID: req.AgentID,
			Type:    store.ConversationDirect,
		}
		if err := r.conversations.Create(ctx, conv); err != nil {
			return nil, nil, store.NewStorageError("create conversation", err)
		}
	}

	agent, err := r.agents.Get(ctx, conv.AgentID)
	if err != nil {
		return nil, nil, fmt.Errorf("agent %s: %w", conv.AgentID, err)
	}
	if !agent.Enabled {
		return nil, nil, fmt.Errorf("agent %s is disabled", agent.ID)
	}
	return conv, agent, nil
}

// selectTask implements the two-phase routing decision.
func (r *Runtime) selectTask(req TurnRequest, allowed []tools.Tool, voiceGated bool) string {
	if req.TaskOverride != "" {
		return req.TaskOverride
	}
	if voiceGated {
		return router.TaskLightweight
	}
	if req.Mode == ModeVoice {
		return router.TaskVoice
	}
	if len(allowed) > 0 && (req.ForceToolUse || r.intent.Match(req.UserMessage)) {
		return router.TaskTool
	}
	return router.TaskChat
}

// assembleContext builds the system prompt and the provider-ready history.
func (r *Runtime) assembleContext(ctx context.Context, conv *store.Conversation, agent *store.AgentRecord, req TurnRequest) (string, []providers.Message) {
	var sb strings.Builder
	sb.WriteString(agent.SystemPrompt)

	if req.IncludeSkillsPrompt && req.EnableTools {
		if prompt := r.skills.Prompt(r.registry.ToolsFor(agent, req.Depth)); prompt != "" {
			sb.WriteString("\n\n")
			sb.WriteString(prompt)
		}
	}

	if req.IncludeMemory {
		if digest := r.memoryDigest(ctx, req.UserMessage); digest != "" {
			sb.WriteString("\n\n")
			sb.WriteString(digest)
		}
	}

	if req.SystemPromptSuffix != "" {
		sb.WriteString("\n\n")
		sb.WriteString(req.SystemPromptSuffix)
	}

	limit := req.HistoryLimit
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	messages, err := r.conversations.Messages(ctx, conv.ID, limit)
	if err != nil {
		r.logger.Warn("history load failed, continuing with user message only",
			"conversation", conv.ID, "error", err)
		messages = []store.Message{{Role: "user", Content: req.UserMessage}}
	}
	return sb.String(), historyToWire(messages)
}

// memoryDigest runs the best-effort memory lookup. Failures never block
// the turn.
func (r *Runtime) memoryDigest(ctx context.Context, query string) string {
	res, err := r.memory.Search(ctx, memory.SearchRequest{
		Query: query,
		Limit: memoryDigestLimit,
	})
	if err != nil {
		r.logger.Warn("memory search failed, skipping digest", "error", err)
		return ""
	}
	if len(res.Hits) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString("## Relevant memories\n")
	for _, hit := range res.Hits {
		text := hit.Memory.Summary
		if text == "" {
			text = hit.Memory.Content
		}
		fmt.Fprintf(&sb, "- [%s] %s (confidence %.2f, id %s)\n",
			hit.Memory.Area, text, hit.Memory.Confidence, hit.Memory.ID)
	}
	return sb.String()
}

// historyToWire converts stored messages to provider messages, dropping a
// trailing assistant message whose tool calls never resolved.
func historyToWire(messages []store.Message) []providers.Message {
	if n := len(messages); n > 0 {
		last := messages[n-1]
		if last.Role == "assistant" && len(last.ToolCalls) > 0 && len(last.ToolResults) == 0 {
			messages = messages[:n-1]
		}
	}

	var out []providers.Message
	for _, m := range messages {
		switch m.Role {
		case "user":
			out = append(out, providers.Message{Role: "user", Content: m.Content})
		case "assistant":
			wire := providers.Message{Role: "assistant", Content: m.Content}
			for _, call := range m.ToolCalls {
				wire.ToolCalls = append(wire.ToolCalls, providers.ToolCall{
					ID: call.ID, Name: call.Name, Arguments: call.Input,
				})
			}
			out = append(out, wire)
			for _, res := range m.ToolResults {
				out = append(out, providers.Message{
					Role: "tool", Content: res.Content, ToolCallID: res.CallID,
				})
			}
		}
	}
	return out
}

// persistAssistant saves the final assistant message and updates the
// conversation. Persist failures leave MessageID nil.
func (r *Runtime) persistAssistant(ctx context.Context, conv *store.Conversation, req TurnRequest, result *TurnResult, outcome *loopOutcome, interrupted bool) {
	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	msg := &store.Message{
		ID:             store.NewID(),
		ConversationID: conv.ID,
		Role:           "assistant",
		Content:        result.Content,
		ToolCalls:      outcome.toolCalls,
		ToolResults:    outcome.toolResults,
		Model:          result.Model,
	}
	if result.Usage != (store.TokenUsage{}) {
		usage := result.Usage
		msg.Usage = &usage
	}

	if err := r.conversations.AppendMessage(persistCtx, msg); err != nil {
		r.logger.Error("assistant message persist failed",
			"conversation", conv.ID, "error", err)
	} else {
		id := msg.ID
		result.MessageID = &id
	}

	if err := r.conversations.Touch(persistCtx, conv.ID); err != nil {
		r.logger.Warn("conversation touch failed", "conversation", conv.ID, "error", err)
	}

	if !interrupted {
		r.maybeTitle(persistCtx, conv, req.UserMessage)
	}
}

// emit routes a callback safely past nil members.
func emit[T any](fn func(T), v T) {
	if fn != nil {
		fn(v)
	}
}
