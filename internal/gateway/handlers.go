package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/joilabs/joi-gateway/internal/agent"
	"github.com/joilabs/joi-gateway/internal/store"
	"github.com/joilabs/joi-gateway/pkg/protocol"
)

// dispatch routes one inbound frame. Every response carries the inbound
// frame's id.
func (s *Server) dispatch(ctx context.Context, c *Client, frame *protocol.Frame) {
	switch frame.Type {
	case protocol.SystemPing:
		c.Send(protocol.NewFrame(protocol.SystemPong, frame.ID, nil))
	case protocol.SessionList:
		s.handleSessionList(ctx, c, frame)
	case protocol.SessionLoad:
		s.handleSessionLoad(ctx, c, frame)
	case protocol.SessionCreate:
		s.handleSessionCreate(ctx, c, frame)
	case protocol.ChatSend:
		s.handleChatSend(ctx, c, frame)
	case protocol.ChatInterrupt:
		s.handleChatInterrupt(ctx, c, frame)
	case protocol.ReviewResolve:
		s.handleReviewResolve(ctx, c, frame)
	case protocol.AgentList:
		s.handleAgentList(ctx, c, frame)
	default:
		c.Send(protocol.NewErrorFrame(frame.ID, fmt.Sprintf("Unknown frame type: %s", frame.Type)))
	}
}

type chatSendData struct {
	ConversationID string             `json:"conversation_id,omitempty"`
	AgentID        string             `json:"agent_id,omitempty"`
	Message        string             `json:"message"`
	Attachments    []store.Attachment `json:"attachments,omitempty"`
	Model          string             `json:"model,omitempty"`
	Mode           string             `json:"mode,omitempty"`
	ForceToolUse   bool               `json:"force_tool_use,omitempty"`
}

func (s *Server) handleChatSend(ctx context.Context, c *Client, frame *protocol.Frame) {
	var data chatSendData
	if err := json.Unmarshal(frame.Data, &data); err != nil || strings.TrimSpace(data.Message) == "" {
		c.Send(protocol.NewErrorFrame(frame.ID, "chat.send requires a message"))
		return
	}

	req := agent.TurnRequest{
		AgentID:             data.AgentID,
		UserMessage:         data.Message,
		Attachments:         data.Attachments,
		Model:               data.Model,
		Mode:                data.Mode,
		ForceToolUse:        data.ForceToolUse,
		EnableTools:         true,
		IncludeMemory:       true,
		IncludeSkillsPrompt: true,
		HistoryLimit:        s.cfg.Agent.HistoryLimit,
	}
	if req.AgentID == "" {
		req.AgentID = s.cfg.Agent.DefaultAgentID
	}

	var convID uuid.UUID
	if data.ConversationID != "" {
		id, err := uuid.Parse(data.ConversationID)
		if err != nil {
			c.Send(protocol.NewErrorFrame(frame.ID, "invalid conversation_id"))
			return
		}
		req.ConversationID = &id
		convID = id
	}

	// Per-conversation serialization: later sends on the same thread wait
	// for the running turn.
	if convID != uuid.Nil {
		lockI, _ := s.turnLocks.LoadOrStore(convID, &sync.Mutex{})
		lock := lockI.(*sync.Mutex)
		lock.Lock()
		defer lock.Unlock()
	}

	// Each tool_use_id is emitted at most once even if the provider
	// re-reports it.
	seenToolUse := make(map[string]bool)

	req.Callbacks = agent.Callbacks{
		OnRouted: func(provider, model, task string) {
			c.Send(protocol.NewFrame(protocol.ChatRouted, frame.ID, map[string]interface{}{
				"provider": provider, "model": model, "task": task,
			}))
		},
		OnPlan: func(steps []string) {
			c.Send(protocol.NewFrame(protocol.ChatPlan, frame.ID, map[string]interface{}{"steps": steps}))
		},
		OnStream: func(delta string) {
			c.Send(protocol.NewFrame(protocol.ChatStream, frame.ID, map[string]interface{}{"delta": delta}))
		},
		OnToolUse: func(call store.ToolCall) {
			if seenToolUse[call.ID] {
				return
			}
			seenToolUse[call.ID] = true
			c.Send(protocol.NewFrame(protocol.ChatToolUse, frame.ID, call))
		},
		OnToolResult: func(result store.ToolResult) {
			c.Send(protocol.NewFrame(protocol.ChatToolResult, frame.ID, result))
		},
	}

	result, err := s.runtime.RunTurn(ctx, req)

	if errors.Is(err, agent.ErrInterrupted) {
		// No chat.done after an interrupt; the partial content is already
		// persisted with the interruption suffix.
		return
	}
	if err != nil && result == nil {
		c.Send(protocol.NewErrorFrame(frame.ID, err.Error()))
		return
	}

	done := map[string]interface{}{
		"conversation_id": result.ConversationID.String(),
		"content":         result.Content,
		"model":           result.Model,
		"provider":        result.Provider,
		"usage":           result.Usage,
		"cost_usd":        result.CostUSD,
		"timings":         result.Timings,
	}
	if result.MessageID != nil {
		done["message_id"] = result.MessageID.String()
	}
	if len(result.Delegations) > 0 {
		done["delegations"] = result.Delegations
	}
	if err != nil {
		done["error"] = err.Error()
	}
	c.Send(protocol.NewFrame(protocol.ChatDone, frame.ID, done))
}

type chatInterruptData struct {
	MessageID  string `json:"messageId"`
	SpokenText string `json:"spokenText,omitempty"`
}

// handleChatInterrupt stops the in-flight turn for the message's
// conversation. The runtime persists the truncated draft itself; when no
// turn is running the named message is truncated directly.
func (s *Server) handleChatInterrupt(ctx context.Context, c *Client, frame *protocol.Frame) {
	var data chatInterruptData
	if err := json.Unmarshal(frame.Data, &data); err != nil {
		c.Send(protocol.NewErrorFrame(frame.ID, "chat.interrupt requires messageId"))
		return
	}
	msgID, err := uuid.Parse(data.MessageID)
	if err != nil {
		c.Send(protocol.NewErrorFrame(frame.ID, "invalid messageId"))
		return
	}

	msg, err := s.stores.Conversations.GetMessage(ctx, msgID)
	if err != nil {
		c.Send(protocol.NewErrorFrame(frame.ID, "message not found"))
		return
	}

	spoken := strings.TrimSpace(data.SpokenText)
	if !s.runtime.Interrupt(msg.ConversationID, spoken) {
		content := spoken + agent.InterruptSuffix
		if err := s.stores.Conversations.UpdateMessageContent(ctx, msgID, content); err != nil {
			s.logger.Warn("interrupt truncation failed", "message", msgID, "error", err)
		}
	}
	c.Send(protocol.NewFrame(protocol.SystemStatus, frame.ID, map[string]interface{}{"interrupted": msgID.String()}))
}

func (s *Server) handleSessionList(ctx context.Context, c *Client, frame *protocol.Frame) {
	var data struct {
		AgentID string `json:"agent_id,omitempty"`
		Limit   int    `json:"limit,omitempty"`
	}
	if len(frame.Data) > 0 {
		json.Unmarshal(frame.Data, &data)
	}
	if data.Limit <= 0 {
		data.Limit = 50
	}
	list, err := s.stores.Conversations.List(ctx, data.AgentID, data.Limit)
	if err != nil {
		c.Send(protocol.NewErrorFrame(frame.ID, err.Error()))
		return
	}
	c.Send(protocol.NewFrame(protocol.SessionData, frame.ID, map[string]interface{}{"sessions": list}))
}

func (s *Server) handleSessionLoad(ctx context.Context, c *Client, frame *protocol.Frame) {
	var data struct {
		ConversationID string `json:"conversation_id"`
		Limit          int    `json:"limit,omitempty"`
	}
	if err := json.Unmarshal(frame.Data, &data); err != nil {
		c.Send(protocol.NewErrorFrame(frame.ID, "session.load requires conversation_id"))
		return
	}
	id, err := uuid.Parse(data.ConversationID)
	if err != nil {
		c.Send(protocol.NewErrorFrame(frame.ID, "invalid conversation_id"))
		return
	}
	if data.Limit <= 0 {
		data.Limit = 100
	}

	conv, err := s.stores.Conversations.Get(ctx, id)
	if err != nil {
		c.Send(protocol.NewErrorFrame(frame.ID, "conversation not found"))
		return
	}
	messages, err := s.stores.Conversations.Messages(ctx, id, data.Limit)
	if err != nil {
		c.Send(protocol.NewErrorFrame(frame.ID, err.Error()))
		return
	}
	c.Send(protocol.NewFrame(protocol.SessionData, frame.ID, map[string]interface{}{
		"session":  conv,
		"messages": messages,
	}))
}

func (s *Server) handleSessionCreate(ctx context.Context, c *Client, frame *protocol.Frame) {
	var data struct {
		AgentID string `json:"agent_id,omitempty"`
		Title   string `json:"title,omitempty"`
	}
	if len(frame.Data) > 0 {
		json.Unmarshal(frame.Data, &data)
	}
	if data.AgentID == "" {
		data.AgentID = s.cfg.Agent.DefaultAgentID
	}

	conv := &store.Conversation{
		ID:      store.NewID(),
		AgentID: data.AgentID,
		Title:   data.Title,
		Type:    store.ConversationDirect,
	}
	if err := s.stores.Conversations.Create(ctx, conv); err != nil {
		c.Send(protocol.NewErrorFrame(frame.ID, err.Error()))
		return
	}
	c.Send(protocol.NewFrame(protocol.SessionData, frame.ID, map[string]interface{}{"session": conv}))
}

func (s *Server) handleReviewResolve(ctx context.Context, c *Client, frame *protocol.Frame) {
	var data struct {
		ID         string          `json:"id"`
		Status     string          `json:"status"`
		Resolution json.RawMessage `json:"resolution,omitempty"`
		ResolvedBy string          `json:"resolved_by,omitempty"`
	}
	if err := json.Unmarshal(frame.Data, &data); err != nil {
		c.Send(protocol.NewErrorFrame(frame.ID, "review.resolve requires id and status"))
		return
	}
	id, err := uuid.Parse(data.ID)
	if err != nil {
		c.Send(protocol.NewErrorFrame(frame.ID, "invalid review id"))
		return
	}
	if data.ResolvedBy == "" {
		data.ResolvedBy = "user"
	}

	resolveCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	item, err := s.reviews.Resolve(resolveCtx, id, data.Status, data.Resolution, data.ResolvedBy)
	if err != nil {
		c.Send(protocol.NewErrorFrame(frame.ID, err.Error()))
		return
	}
	c.Send(protocol.NewFrame(protocol.SystemStatus, frame.ID, map[string]interface{}{"review": item}))
}

func (s *Server) handleAgentList(ctx context.Context, c *Client, frame *protocol.Frame) {
	agents, err := s.stores.Agents.List(ctx)
	if err != nil {
		c.Send(protocol.NewErrorFrame(frame.ID, err.Error()))
		return
	}
	c.Send(protocol.NewFrame(protocol.SessionData, frame.ID, map[string]interface{}{"agents": agents}))
}
