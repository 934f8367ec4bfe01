package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/joilabs/joi-gateway/internal/agent"
	"github.com/joilabs/joi-gateway/internal/config"
	"github.com/joilabs/joi-gateway/internal/scheduler"
	"github.com/joilabs/joi-gateway/internal/store"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// handleVoiceChat runs one voice-mode turn over Server-Sent Events so a
// TTS client can speak deltas and fillers as they arrive.
func (s *Server) handleVoiceChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	var data chatSendData
	if err := json.NewDecoder(r.Body).Decode(&data); err != nil || data.Message == "" {
		writeError(w, http.StatusBadRequest, "message required")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	sse := func(event string, payload interface{}) {
		raw, err := json.Marshal(payload)
		if err != nil {
			return
		}
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, raw)
		flusher.Flush()
	}

	req := agent.TurnRequest{
		AgentID:             data.AgentID,
		UserMessage:         data.Message,
		Mode:                agent.ModeVoice,
		EnableTools:         true,
		IncludeMemory:       true,
		IncludeSkillsPrompt: true,
		HistoryLimit:        s.cfg.Agent.HistoryLimit,
		Callbacks: agent.Callbacks{
			OnRouted: func(provider, model, task string) {
				sse("routed", map[string]string{"provider": provider, "model": model, "task": task})
			},
			OnPlan:   func(steps []string) { sse("plan", map[string]interface{}{"steps": steps}) },
			OnStream: func(delta string) { sse("delta", map[string]string{"text": delta}) },
			OnToolUse: func(call store.ToolCall) {
				sse("tool_use", map[string]string{"id": call.ID, "name": call.Name})
			},
			OnToolResult: func(result store.ToolResult) {
				sse("tool_result", map[string]interface{}{"call_id": result.CallID, "is_error": result.IsError})
			},
			OnFiller: func(phrase string) { sse("filler", map[string]string{"text": phrase}) },
		},
	}
	if req.AgentID == "" {
		req.AgentID = s.cfg.Agent.DefaultAgentID
	}
	if data.ConversationID != "" {
		if id, err := uuid.Parse(data.ConversationID); err == nil {
			req.ConversationID = &id
		}
	}

	result, err := s.runtime.RunTurn(r.Context(), req)
	if err != nil {
		sse("error", map[string]string{"error": err.Error()})
		return
	}
	done := map[string]interface{}{
		"conversation_id": result.ConversationID.String(),
		"content":         result.Content,
		"cost_usd":        result.CostUSD,
	}
	if result.MessageID != nil {
		done["message_id"] = result.MessageID.String()
	}
	sse("done", done)
}

func (s *Server) handleConversations(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		if limit <= 0 {
			limit = 50
		}
		list, err := s.stores.Conversations.List(r.Context(), r.URL.Query().Get("agent_id"), limit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"conversations": list})

	case http.MethodDelete:
		id, err := uuid.Parse(r.URL.Query().Get("id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid id")
			return
		}
		if err := s.stores.Conversations.Delete(r.Context(), id); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})

	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "GET required")
		return
	}
	agents, err := s.stores.Agents.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"agents": agents})
}

func (s *Server) handleReviews(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		q := r.URL.Query()
		filter := store.ReviewFilter{
			Status:  q.Get("status"),
			AgentID: q.Get("agent_id"),
			Type:    q.Get("type"),
			Tag:     q.Get("tag"),
		}
		filter.MinPriority, _ = strconv.Atoi(q.Get("min_priority"))
		filter.Limit, _ = strconv.Atoi(q.Get("limit"))
		if maxAge := q.Get("max_age"); maxAge != "" {
			if d, err := time.ParseDuration(maxAge); err == nil {
				filter.MaxAge = d
			}
		}
		items, err := s.reviews.List(r.Context(), filter)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"reviews": items})

	case http.MethodPost:
		var body struct {
			ID         string          `json:"id"`
			Status     string          `json:"status"`
			Resolution json.RawMessage `json:"resolution,omitempty"`
			ResolvedBy string          `json:"resolved_by,omitempty"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid body")
			return
		}
		id, err := uuid.Parse(body.ID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid id")
			return
		}
		if body.ResolvedBy == "" {
			body.ResolvedBy = "user"
		}
		item, err := s.reviews.Resolve(r.Context(), id, body.Status, body.Resolution, body.ResolvedBy)
		if err != nil {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"review": item})

	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		jobs, err := s.stores.Cron.List(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"tasks": jobs})

	case http.MethodPost:
		var job store.CronJob
		if err := json.NewDecoder(r.Body).Decode(&job); err != nil {
			writeError(w, http.StatusBadRequest, "invalid body")
			return
		}
		if job.Name == "" || job.AgentID == "" {
			writeError(w, http.StatusBadRequest, "name and agent_id required")
			return
		}
		if job.ScheduleKind == store.ScheduleCron && !scheduler.ValidSpec(job.CronExpr) {
			writeError(w, http.StatusBadRequest, "invalid cron expression")
			return
		}
		if job.ID == uuid.Nil {
			job.ID = store.NewID()
		}
		job.Enabled = true
		job.NextRunAt = scheduler.NextRunAt(&job, time.Now())
		if err := s.stores.Cron.Create(r.Context(), &job); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		s.sched.Notify()
		writeJSON(w, http.StatusCreated, map[string]interface{}{"task": job})

	case http.MethodDelete:
		id, err := uuid.Parse(r.URL.Query().Get("id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid id")
			return
		}
		if err := s.stores.Cron.Delete(r.Context(), id); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		s.sched.Notify()
		writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})

	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "GET required")
		return
	}
	days, _ := strconv.Atoi(r.URL.Query().Get("days"))
	summary, err := s.router.DailyUsage(r.Context(), days)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"usage": summary})
}

func (s *Server) handleRoutes(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		routes, err := s.router.Routes(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"routes": routes})

	case http.MethodPut, http.MethodPost:
		var body struct {
			Task     string `json:"task"`
			Provider string `json:"provider"`
			Model    string `json:"model"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid body")
			return
		}
		if err := s.router.Update(r.Context(), body.Task, body.Provider, body.Model); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"updated": true})

	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.cfg.MaskedCopy())

	case http.MethodPut:
		next := s.cfg.MaskedCopy()
		if err := json.NewDecoder(r.Body).Decode(next); err != nil {
			writeError(w, http.StatusBadRequest, "invalid body")
			return
		}
		s.cfg.ReplaceFrom(next)
		if s.cfgPath != "" {
			if err := config.Save(s.cfgPath, s.cfg); err != nil {
				writeError(w, http.StatusInternalServerError, "settings not persisted: "+err.Error())
				return
			}
		}
		if s.providerCache != nil {
			s.providerCache.InvalidateAll()
		}
		writeJSON(w, http.StatusOK, map[string]bool{"updated": true})

	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}
