package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/joilabs/joi-gateway/internal/providers"
	"github.com/joilabs/joi-gateway/internal/store"
	"github.com/joilabs/joi-gateway/internal/tools"
)

// toolLoop is the per-turn streaming state machine: it alternates provider
// calls and tool dispatch until the provider ends the turn without pending
// calls or the iteration cap is hit.
type toolLoop struct {
	runtime  *Runtime
	conv     *store.Conversation
	agent    *store.AgentRecord
	req      TurnRequest
	provider providers.Provider
	route    store.ModelRoute
	model    string
	system   string
	history  []providers.Message
	tools    []tools.Tool
	task     string
}

// loopOutcome accumulates across iterations.
type loopOutcome struct {
	content     string
	toolCalls   []store.ToolCall
	toolResults []store.ToolResult
	usage       store.TokenUsage
	costUSD     float64
	providerMS  int64
	toolMS      int64
}

func (l *toolLoop) run(ctx context.Context) (*loopOutcome, error) {
	outcome := &loopOutcome{}
	messages := l.history
	system := l.system
	defs := tools.Definitions(l.tools)
	forceRetried := false
	planEmitted := false

	stream, flush := l.streamFn()
	defer flush()

	for iteration := 0; iteration < maxToolIterations; iteration++ {
		resp, elapsed, err := l.callProvider(ctx, providers.ChatRequest{
			Model:        l.model,
			System:       system,
			Messages:     messages,
			Tools:        defs,
			ForceToolUse: l.req.ForceToolUse && !forceRetried,
		}, stream, outcome)
		outcome.providerMS += elapsed

		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled) {
				return outcome, ErrInterrupted
			}
			// Final failure after retry: surface as a terminal delta so
			// the client sees why the turn stopped.
			errDelta := fmt.Sprintf("[error: %v]", err)
			stream(errDelta)
			outcome.content += errDelta
			return outcome, &providers.ProviderError{Provider: l.route.Provider, Model: l.model, Err: err}
		}

		l.recordUsage(resp, elapsed, outcome)
		outcome.content += resp.Content

		if len(resp.ToolCalls) == 0 {
			// The forced-tool retry happens once, on the first response only.
			if l.req.ForceToolUse && iteration == 0 && !forceRetried {
				forceRetried = true
				system = l.system + forceToolSuffix
				l.runtime.logger.Warn("forced tool use returned no calls, retrying once",
					"conversation", l.conv.ID, "model", l.model)
				continue
			}
			return outcome, nil
		}

		if !planEmitted {
			planEmitted = true
			emit(l.req.Callbacks.OnPlan, PlanSteps(resp.ToolCalls))
		}

		assistantMsg := providers.Message{Role: "assistant", Content: resp.Content, ToolCalls: resp.ToolCalls}
		messages = append(messages, assistantMsg)

		for _, call := range resp.ToolCalls {
			stored := store.ToolCall{ID: call.ID, Name: call.Name, Input: call.Arguments}
			outcome.toolCalls = append(outcome.toolCalls, stored)
			emit(l.req.Callbacks.OnToolUse, stored)

			result := l.dispatch(ctx, call, outcome)
			outcome.toolResults = append(outcome.toolResults, result)
			emit(l.req.Callbacks.OnToolResult, result)

			messages = append(messages, providers.Message{
				Role: "tool", Content: result.Content, ToolCallID: call.ID,
			})
		}

		if ctx.Err() != nil {
			return outcome, ErrInterrupted
		}
	}

	l.runtime.logger.Error("tool loop exhausted",
		"conversation", l.conv.ID, "iterations", maxToolIterations)
	return outcome, ErrToolLoopExhausted
}

// streamFn returns the delta sink and the end-of-stream flush,
// bracket-filtered in voice mode. The flush releases text buffered by an
// unclosed bracket when the stream ends.
func (l *toolLoop) streamFn() (func(string), func()) {
	onStream := l.req.Callbacks.OnStream
	if onStream == nil {
		return func(string) {}, func() {}
	}
	if l.req.Mode == ModeVoice {
		filter := newVoiceFilter(onStream)
		return filter.Write, filter.Flush
	}
	return onStream, func() {}
}

// callProvider runs one streaming provider call with a single backoff
// retry on retryable HTTP failures. A call that already streamed content
// is never retried.
func (l *toolLoop) callProvider(ctx context.Context, req providers.ChatRequest, stream func(string), outcome *loopOutcome) (*providers.ChatResponse, int64, error) {
	cfg := providers.DefaultRetryConfig()
	start := time.Now()

	var resp *providers.ChatResponse
	var lastErr error
	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := cfg.BaseDelay << (attempt - 1)
			var httpErr *providers.HTTPError
			if errors.As(lastErr, &httpErr) && httpErr.RetryAfter > 0 {
				delay = httpErr.RetryAfter
			}
			if delay > cfg.MaxDelay {
				delay = cfg.MaxDelay
			}
			select {
			case <-ctx.Done():
				return nil, time.Since(start).Milliseconds(), ctx.Err()
			case <-time.After(delay):
			}
		}

		partial := ""
		resp, lastErr = l.provider.ChatStream(ctx, req, func(chunk providers.StreamChunk) {
			if chunk.Content != "" {
				partial += chunk.Content
				stream(chunk.Content)
			}
		})
		if lastErr == nil {
			return resp, time.Since(start).Milliseconds(), nil
		}

		// Keep whatever streamed before the failure; an interrupted turn
		// persists it with the interruption suffix.
		outcome.content += partial

		var httpErr *providers.HTTPError
		if partial != "" || !errors.As(lastErr, &httpErr) || !httpErr.Retryable() {
			break
		}
		l.runtime.logger.Warn("provider call failed, retrying",
			"provider", l.route.Provider, "model", l.model, "error", lastErr)
	}
	return nil, time.Since(start).Milliseconds(), lastErr
}

// dispatch runs one tool call with its timeout and voice fillers.
func (l *toolLoop) dispatch(ctx context.Context, call providers.ToolCall, outcome *loopOutcome) store.ToolResult {
	toolCtx := &tools.Context{
		ConversationID: l.conv.ID,
		AgentID:        l.agent.ID,
		Agent:          l.agent,
		Depth:          l.req.Depth,
		Events:         l.runtime.events,
	}

	var stopFillers func()
	if l.req.Mode == ModeVoice && l.req.Callbacks.OnFiller != nil {
		stopFillers = l.runtime.fillers.start(l.req.Callbacks.OnFiller)
	}

	execCtx, cancel := context.WithTimeout(ctx, toolTimeout)
	start := time.Now()
	result := l.runtime.registry.Execute(execCtx, call.Name, call.Arguments, toolCtx)
	cancel()
	outcome.toolMS += time.Since(start).Milliseconds()

	if stopFillers != nil {
		stopFillers()
	}

	l.runtime.logger.Info("tool dispatched",
		"conversation", l.conv.ID, "tool", call.Name,
		"error", result.IsError, "duration_ms", time.Since(start).Milliseconds())

	return store.ToolResult{
		CallID:  call.ID,
		Content: result.ForLLM,
		IsError: result.IsError,
	}
}

// toolTimeout bounds a single tool handler.
const toolTimeout = 60 * time.Second

// recordUsage accumulates token usage and cost, and appends the usage row.
func (l *toolLoop) recordUsage(resp *providers.ChatResponse, latencyMS int64, outcome *loopOutcome) {
	rec := store.UsageRecord{
		Provider:       l.route.Provider,
		Model:          l.model,
		Task:           l.task,
		LatencyMS:      latencyMS,
		ConversationID: &l.conv.ID,
		AgentID:        l.agent.ID,
	}
	if resp.Usage != nil {
		rec.InputTokens = resp.Usage.PromptTokens
		rec.OutputTokens = resp.Usage.CompletionTokens
		rec.CostUSD = l.runtime.router.Cost(l.model, resp.Usage.PromptTokens, resp.Usage.CompletionTokens)

		outcome.usage.InputTokens += resp.Usage.PromptTokens
		outcome.usage.OutputTokens += resp.Usage.CompletionTokens
		outcome.usage.CacheReadTokens += resp.Usage.CacheReadTokens
		outcome.costUSD += rec.CostUSD
	}
	l.runtime.router.RecordUsage(rec)
}
