package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/joilabs/joi-gateway/internal/store"
)

// ClaudeCodeExecutor delegates a whole turn to an external coding-agent
// CLI. The CLI emits newline-delimited JSON envelopes on stdout; plain
// lines are treated as text deltas. Usage cost is recorded as zero.
type ClaudeCodeExecutor struct {
	Command string
	Args    []string
	WorkDir string
	Timeout time.Duration
}

// codeEnvelope is one stdout line from the CLI.
type codeEnvelope struct {
	Type      string                 `json:"type"`
	Text      string                 `json:"text,omitempty"`
	ID        string                 `json:"id,omitempty"`
	Name      string                 `json:"name,omitempty"`
	Input     map[string]interface{} `json:"input,omitempty"`
	ToolUseID string                 `json:"tool_use_id,omitempty"`
	Content   string                 `json:"content,omitempty"`
	IsError   bool                   `json:"is_error,omitempty"`
}

// codeOutcome is the parsed result of one CLI run.
type codeOutcome struct {
	content     string
	toolCalls   []store.ToolCall
	toolResults []store.ToolResult
}

// Run executes the CLI for one prompt, streaming envelopes through the
// callbacks as they arrive.
func (e *ClaudeCodeExecutor) Run(ctx context.Context, prompt string, cb Callbacks) (*codeOutcome, error) {
	timeout := e.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := append(append([]string{}, e.Args...), prompt)
	cmd := exec.CommandContext(runCtx, e.Command, args...)
	cmd.Dir = e.WorkDir

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	var stderr strings.Builder
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("claude-code start: %w", err)
	}

	outcome := &codeOutcome{}
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		e.consume(line, outcome, cb)
	}
	scanErr := scanner.Err()

	if err := cmd.Wait(); err != nil {
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return outcome, fmt.Errorf("claude-code timed out after %s", timeout)
		}
		return outcome, fmt.Errorf("claude-code exited: %w (stderr: %s)", err, strings.TrimSpace(stderr.String()))
	}
	if scanErr != nil {
		return outcome, scanErr
	}
	return outcome, nil
}

// consume parses one stdout line. Unparseable lines are text.
func (e *ClaudeCodeExecutor) consume(line string, outcome *codeOutcome, cb Callbacks) {
	var env codeEnvelope
	if err := json.Unmarshal([]byte(line), &env); err != nil || env.Type == "" {
		outcome.content += line + "\n"
		emit(cb.OnStream, line+"\n")
		return
	}

	switch env.Type {
	case "text":
		outcome.content += env.Text
		emit(cb.OnStream, env.Text)
	case "tool_use":
		call := store.ToolCall{ID: env.ID, Name: env.Name, Input: env.Input}
		outcome.toolCalls = append(outcome.toolCalls, call)
		emit(cb.OnToolUse, call)
	case "tool_result":
		result := store.ToolResult{CallID: env.ToolUseID, Content: env.Content, IsError: env.IsError}
		outcome.toolResults = append(outcome.toolResults, result)
		emit(cb.OnToolResult, result)
	default:
		// Unknown envelope types are ignored; the CLI may grow new ones.
	}
}

// runClaudeCodeTurn is the mode='claude-code' path of RunTurn. The
// persistence rules match the provider path; usage cost is zero.
func (r *Runtime) runClaudeCodeTurn(ctx context.Context, conv *store.Conversation, agent *store.AgentRecord, req TurnRequest, state *turnState) (*TurnResult, error) {
	if r.claudeCode == nil {
		return nil, errors.New("claude-code executor not configured")
	}

	start := time.Now()
	outcome, err := r.claudeCode.Run(ctx, req.UserMessage, req.Callbacks)
	providerMS := time.Since(start).Milliseconds()

	if outcome == nil {
		outcome = &codeOutcome{}
	}

	result := &TurnResult{
		ConversationID: conv.ID,
		Content:        outcome.content,
		Model:          "claude-code",
		Provider:       "claude-code",
		Timings:        Timings{ProviderMS: providerMS},
		Delegations:    state.snapshot(),
	}

	interrupted := errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled)
	if interrupted {
		result.Content = state.interruptedContent(outcome.content)
	} else if err != nil {
		errDelta := fmt.Sprintf("[error: %v]", err)
		emit(req.Callbacks.OnStream, errDelta)
		result.Content += errDelta
	}

	r.router.RecordUsage(store.UsageRecord{
		Provider:       "claude-code",
		Model:          "claude-code",
		Task:           "chat",
		LatencyMS:      providerMS,
		ConversationID: &conv.ID,
		AgentID:        agent.ID,
	})

	r.persistAssistant(ctx, conv, req, result, &loopOutcome{
		content:     result.Content,
		toolCalls:   outcome.toolCalls,
		toolResults: outcome.toolResults,
	}, interrupted)

	if interrupted {
		return result, ErrInterrupted
	}
	if err != nil {
		return result, err
	}
	return result, nil
}
