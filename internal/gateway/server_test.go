package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/joilabs/joi-gateway/internal/agent"
	"github.com/joilabs/joi-gateway/internal/bus"
	"github.com/joilabs/joi-gateway/internal/config"
	"github.com/joilabs/joi-gateway/internal/memory"
	"github.com/joilabs/joi-gateway/internal/providers"
	"github.com/joilabs/joi-gateway/internal/router"
	"github.com/joilabs/joi-gateway/internal/store"
	"github.com/joilabs/joi-gateway/internal/tools"
	"github.com/joilabs/joi-gateway/pkg/protocol"
)

// --- fakes ---

type memConvStore struct {
	mu       sync.Mutex
	convs    map[uuid.UUID]*store.Conversation
	messages map[uuid.UUID][]store.Message
}

func newMemConvStore() *memConvStore {
	return &memConvStore{
		convs:    make(map[uuid.UUID]*store.Conversation),
		messages: make(map[uuid.UUID][]store.Message),
	}
}

func (s *memConvStore) Get(_ context.Context, id uuid.UUID) (*store.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	copied := *c
	return &copied, nil
}

func (s *memConvStore) GetBySessionKey(_ context.Context, _ string) (*store.Conversation, error) {
	return nil, store.ErrNotFound
}

func (s *memConvStore) Create(_ context.Context, c *store.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *c
	s.convs[c.ID] = &copied
	return nil
}

func (s *memConvStore) SetTitle(_ context.Context, _ uuid.UUID, _ string) error { return nil }
func (s *memConvStore) Touch(_ context.Context, _ uuid.UUID) error              { return nil }

func (s *memConvStore) List(_ context.Context, _ string, _ int) ([]store.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.Conversation, 0, len(s.convs))
	for _, c := range s.convs {
		out = append(out, *c)
	}
	return out, nil
}

func (s *memConvStore) Delete(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.convs, id)
	return nil
}

func (s *memConvStore) AppendMessage(_ context.Context, m *store.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[m.ConversationID] = append(s.messages[m.ConversationID], *m)
	return nil
}

func (s *memConvStore) Messages(_ context.Context, id uuid.UUID, _ int) ([]store.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]store.Message(nil), s.messages[id]...), nil
}

func (s *memConvStore) MessageCount(_ context.Context, id uuid.UUID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages[id]), nil
}

func (s *memConvStore) GetMessage(_ context.Context, id uuid.UUID) (*store.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, msgs := range s.messages {
		for _, m := range msgs {
			if m.ID == id {
				copied := m
				return &copied, nil
			}
		}
	}
	return nil, store.ErrNotFound
}

func (s *memConvStore) UpdateMessageContent(_ context.Context, id uuid.UUID, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for convID, msgs := range s.messages {
		for i, m := range msgs {
			if m.ID == id {
				s.messages[convID][i].Content = content
				return nil
			}
		}
	}
	return store.ErrNotFound
}

// messageByRole returns the single message with the given role across all
// conversations.
func (s *memConvStore) messageByRole(t *testing.T, role string) store.Message {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	var found []store.Message
	for _, msgs := range s.messages {
		for _, m := range msgs {
			if m.Role == role {
				found = append(found, m)
			}
		}
	}
	if len(found) != 1 {
		t.Fatalf("want exactly one %s message, got %d", role, len(found))
	}
	return found[0]
}

type memAgentStore struct {
	agents []store.AgentRecord
}

func (s *memAgentStore) Get(_ context.Context, id string) (*store.AgentRecord, error) {
	for i := range s.agents {
		if s.agents[i].ID == id {
			copied := s.agents[i]
			return &copied, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *memAgentStore) List(_ context.Context) ([]store.AgentRecord, error) {
	return append([]store.AgentRecord(nil), s.agents...), nil
}

type fakePinger struct{ err error }

func (p fakePinger) PingContext(_ context.Context) error { return p.err }

type routeStub struct{}

func (routeStub) Get(_ context.Context, task string) (*store.ModelRoute, error) {
	return &store.ModelRoute{Task: task, Provider: "openrouter", Model: "test-model"}, nil
}
func (routeStub) Upsert(_ context.Context, _ store.ModelRoute) error { return nil }
func (routeStub) All(_ context.Context) ([]store.ModelRoute, error)  { return nil, nil }

type usageStub struct{}

func (usageStub) Record(_ context.Context, _ store.UsageRecord) error { return nil }
func (usageStub) DailySummary(_ context.Context, _ int) ([]store.UsageSummary, error) {
	return nil, nil
}

type memStoreStub struct{}

func (memStoreStub) Insert(_ context.Context, _ *store.Memory) error { return nil }
func (memStoreStub) Get(_ context.Context, _ uuid.UUID) (*store.Memory, error) {
	return nil, store.ErrNotFound
}
func (memStoreStub) Supersede(_ context.Context, _, _ uuid.UUID) error { return nil }
func (memStoreStub) FindIdentityDuplicates(_ context.Context, _ string) ([]store.Memory, error) {
	return nil, nil
}
func (memStoreStub) SearchArea(_ context.Context, _ string, _ []float32, _ string, _ int, _ bool) ([]store.MemoryHit, error) {
	return nil, nil
}
func (memStoreStub) SearchConfigs(_ context.Context) (map[string]store.MemorySearchConfig, error) {
	return nil, nil
}
func (memStoreStub) TouchAccess(_ context.Context, _ []uuid.UUID) error { return nil }
func (memStoreStub) ActiveByArea(_ context.Context, _ string) ([]store.Memory, error) {
	return nil, nil
}
func (memStoreStub) ArchiveExpired(_ context.Context, _ time.Time) (int, error) { return 0, nil }
func (memStoreStub) DeleteByID(_ context.Context, _ uuid.UUID) error            { return nil }

type embedStub struct{}

func (embedStub) Embed(_ context.Context, _ string) ([]float32, error) {
	return nil, errors.New("embedder offline")
}

// --- harness ---

func newTestGateway(t *testing.T, token string) (*Server, *memConvStore) {
	return newChatGateway(t, token, "http://unused")
}

// newChatGateway wires a real runtime against the given provider URL so
// frame handlers can drive full turns.
func newChatGateway(t *testing.T, token, providerURL string) (*Server, *memConvStore) {
	t.Helper()
	cfg := config.Default()
	cfg.Gateway.Token = token

	convs := newMemConvStore()
	agents := &memAgentStore{agents: []store.AgentRecord{
		{ID: "personal", Name: "Personal", Enabled: true},
	}}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	registry := providers.NewRegistry(func() providers.Credentials {
		return providers.Credentials{OpenRouterKey: "test-key", OpenRouterBaseURL: providerURL}
	})
	modelRouter := router.New(routeStub{}, usageStub{}, registry, nil, logger)
	memories := memory.NewService(memStoreStub{}, embedStub{}, logger)
	events := bus.New()
	rt := agent.NewRuntime(convs, agents, modelRouter, memories,
		tools.NewRegistry(logger), tools.NewSkills(t.TempDir(), logger), events, "", logger)

	s := NewServer(cfg, events, rt, modelRouter, nil, nil, Stores{
		DB:            fakePinger{},
		Conversations: convs,
		Agents:        agents,
	}, logger)
	return s, convs
}

// recvFrame pops the next queued outbound frame for the client.
func recvFrame(t *testing.T, c *Client) *protocol.Frame {
	t.Helper()
	select {
	case f := <-c.send:
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("no frame received")
		return nil
	}
}

// --- auth ---

func TestAuthorized(t *testing.T) {
	tests := []struct {
		name   string
		secret string
		header string
		query  string
		want   bool
	}{
		{"no secret allows everything", "", "", "", true},
		{"bearer match", "s3cret", "Bearer s3cret", "", true},
		{"bearer mismatch", "s3cret", "Bearer wrong", "", false},
		{"query token match", "s3cret", "", "s3cret", true},
		{"query token mismatch", "s3cret", "", "nope", false},
		{"missing credentials", "s3cret", "", "", false},
		{"header takes precedence over query", "s3cret", "Bearer wrong", "s3cret", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _ := newTestGateway(t, tt.secret)
			url := "/ws"
			if tt.query != "" {
				url += "?token=" + tt.query
			}
			r := httptest.NewRequest(http.MethodGet, url, nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			if got := s.authorized(r); got != tt.want {
				t.Errorf("authorized() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCheckOrigin(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		origin  string
		want    bool
	}{
		{"no allow-list", nil, "https://evil.example", true},
		{"empty origin always allowed", []string{"https://app.example"}, "", true},
		{"listed origin", []string{"https://app.example"}, "https://app.example", true},
		{"wildcard", []string{"*"}, "https://anything.example", true},
		{"unlisted origin", []string{"https://app.example"}, "https://evil.example", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _ := newTestGateway(t, "")
			s.cfg.Gateway.AllowedOrigins = tt.allowed
			r := httptest.NewRequest(http.MethodGet, "/ws", nil)
			if tt.origin != "" {
				r.Header.Set("Origin", tt.origin)
			}
			if got := s.checkOrigin(r); got != tt.want {
				t.Errorf("checkOrigin() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRequireAuthOnAPI(t *testing.T) {
	s, _ := newTestGateway(t, "s3cret")
	mux := s.BuildMux()

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/agents", nil))
	if w.Code != http.StatusUnauthorized {
		t.Errorf("without token: status = %d, want 401", w.Code)
	}

	w = httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/api/agents", nil)
	r.Header.Set("Authorization", "Bearer s3cret")
	mux.ServeHTTP(w, r)
	if w.Code != http.StatusOK {
		t.Errorf("with token: status = %d, want 200", w.Code)
	}
	if !strings.Contains(w.Body.String(), "personal") {
		t.Errorf("body = %s", w.Body.String())
	}
}

// --- health ---

func TestHealthUnauthenticated(t *testing.T) {
	s, _ := newTestGateway(t, "s3cret")
	mux := s.BuildMux()

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var body struct {
		Status   string `json:"status"`
		Protocol int    `json:"protocol"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Status != "ok" || body.Protocol != protocol.ProtocolVersion {
		t.Errorf("body = %+v", body)
	}
}

func TestHealthDB(t *testing.T) {
	s, _ := newTestGateway(t, "")
	mux := s.BuildMux()

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health/db", nil))
	if w.Code != http.StatusOK {
		t.Errorf("healthy db: status = %d", w.Code)
	}

	s.stores.DB = fakePinger{err: errors.New("connection refused")}
	w = httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health/db", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("broken db: status = %d, want 503", w.Code)
	}
	if !strings.Contains(w.Body.String(), "degraded") {
		t.Errorf("body = %s", w.Body.String())
	}
}

// --- frame dispatch ---

func TestDispatchUnknownFrame(t *testing.T) {
	s, _ := newTestGateway(t, "")
	c := NewClient(nil, s)

	s.dispatch(context.Background(), c, &protocol.Frame{Type: "bogus.frame", ID: "f-1"})

	f := recvFrame(t, c)
	if f.Type != protocol.ChatError {
		t.Errorf("type = %q, want chat.error", f.Type)
	}
	if f.ID != "f-1" {
		t.Errorf("id = %q, responses must echo the inbound id", f.ID)
	}
	if !strings.Contains(f.Error, "Unknown frame type: bogus.frame") {
		t.Errorf("error = %q", f.Error)
	}
}

func TestDispatchPing(t *testing.T) {
	s, _ := newTestGateway(t, "")
	c := NewClient(nil, s)

	s.dispatch(context.Background(), c, &protocol.Frame{Type: protocol.SystemPing, ID: "p-7"})

	f := recvFrame(t, c)
	if f.Type != protocol.SystemPong || f.ID != "p-7" {
		t.Errorf("frame = %+v, want system.pong with inbound id", f)
	}
}

func TestSessionCreateAndLoad(t *testing.T) {
	s, convs := newTestGateway(t, "")
	c := NewClient(nil, s)

	s.dispatch(context.Background(), c, &protocol.Frame{
		Type: protocol.SessionCreate,
		ID:   "s-1",
		Data: json.RawMessage(`{"title":"Planning"}`),
	})
	f := recvFrame(t, c)
	if f.Type != protocol.SessionData {
		t.Fatalf("type = %q", f.Type)
	}
	var created struct {
		Session store.Conversation `json:"session"`
	}
	if err := json.Unmarshal(f.Data, &created); err != nil {
		t.Fatal(err)
	}
	if created.Session.Title != "Planning" {
		t.Errorf("title = %q", created.Session.Title)
	}
	if created.Session.AgentID != s.cfg.Agent.DefaultAgentID {
		t.Errorf("agent = %q, want the configured default", created.Session.AgentID)
	}

	convs.AppendMessage(context.Background(), &store.Message{
		ID: store.NewID(), ConversationID: created.Session.ID, Role: "user", Content: "hello",
	})

	s.dispatch(context.Background(), c, &protocol.Frame{
		Type: protocol.SessionLoad,
		ID:   "s-2",
		Data: json.RawMessage(`{"conversation_id":"` + created.Session.ID.String() + `"}`),
	})
	f = recvFrame(t, c)
	if f.Type != protocol.SessionData || f.ID != "s-2" {
		t.Fatalf("frame = %+v", f)
	}
	var loaded struct {
		Messages []store.Message `json:"messages"`
	}
	if err := json.Unmarshal(f.Data, &loaded); err != nil {
		t.Fatal(err)
	}
	if len(loaded.Messages) != 1 || loaded.Messages[0].Content != "hello" {
		t.Errorf("messages = %+v", loaded.Messages)
	}
}

func TestSessionLoadUnknownConversation(t *testing.T) {
	s, _ := newTestGateway(t, "")
	c := NewClient(nil, s)

	s.dispatch(context.Background(), c, &protocol.Frame{
		Type: protocol.SessionLoad,
		ID:   "s-9",
		Data: json.RawMessage(`{"conversation_id":"` + uuid.NewString() + `"}`),
	})
	f := recvFrame(t, c)
	if f.Type != protocol.ChatError || !strings.Contains(f.Error, "not found") {
		t.Errorf("frame = %+v", f)
	}
}

func TestChatSendRequiresMessage(t *testing.T) {
	s, _ := newTestGateway(t, "")
	c := NewClient(nil, s)

	s.dispatch(context.Background(), c, &protocol.Frame{
		Type: protocol.ChatSend,
		ID:   "c-1",
		Data: json.RawMessage(`{"message":"   "}`),
	})
	f := recvFrame(t, c)
	if f.Type != protocol.ChatError || !strings.Contains(f.Error, "requires a message") {
		t.Errorf("frame = %+v", f)
	}
}

// TestChatInterruptAfterTurn covers the late interrupt: no turn is in
// flight anymore, so the named message is truncated in place.
func TestChatInterruptAfterTurn(t *testing.T) {
	s, convs := newTestGateway(t, "")
	c := NewClient(nil, s)

	convID := store.NewID()
	msgID := store.NewID()
	convs.AppendMessage(context.Background(), &store.Message{
		ID: msgID, ConversationID: convID, Role: "assistant",
		Content: "a much longer answer that was cut off mid sentence",
	})

	s.dispatch(context.Background(), c, &protocol.Frame{
		Type: protocol.ChatInterrupt,
		ID:   "i-1",
		Data: json.RawMessage(`{"messageId":"` + msgID.String() + `","spokenText":"a much longer"}`),
	})

	f := recvFrame(t, c)
	if f.Type != protocol.SystemStatus || f.ID != "i-1" {
		t.Fatalf("frame = %+v", f)
	}

	msg, err := convs.GetMessage(context.Background(), msgID)
	if err != nil {
		t.Fatal(err)
	}
	want := "a much longer" + agent.InterruptSuffix
	if msg.Content != want {
		t.Errorf("content = %q, want spoken text plus suffix", msg.Content)
	}
}

// TestChatInterruptMidStream drives a real turn through chat.send with no
// conversation_id, interrupts it mid-stream, and checks that the runtime
// persists the spoken text with the suffix and never emits chat.done.
func TestChatInterruptMidStream(t *testing.T) {
	firstDelta := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		json.NewDecoder(r.Body).Decode(&body)
		if streaming, _ := body["stream"].(bool); !streaming {
			fmt.Fprint(w, `{"choices":[{"message":{"content":"t"},"finish_reason":"stop"}]}`)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, "data: {\"choices\":[{\"delta\":{\"content\":\"Hello there, how\"}}]}\n\n")
		w.(http.Flusher).Flush()
		close(firstDelta)
		<-r.Context().Done()
	}))
	defer srv.Close()

	s, convs := newChatGateway(t, "", srv.URL)
	c := NewClient(nil, s)

	turnDone := make(chan struct{})
	go func() {
		defer close(turnDone)
		s.dispatch(context.Background(), c, &protocol.Frame{
			Type: protocol.ChatSend,
			ID:   "c-1",
			Data: json.RawMessage(`{"message":"hello there"}`),
		})
	}()

	select {
	case <-firstDelta:
	case <-time.After(2 * time.Second):
		t.Fatal("turn never reached the provider")
	}

	// The only persisted message so far is the user's; its id resolves the
	// conversation the turn runs on.
	userMsg := convs.messageByRole(t, "user")
	s.dispatch(context.Background(), c, &protocol.Frame{
		Type: protocol.ChatInterrupt,
		ID:   "i-1",
		Data: json.RawMessage(`{"messageId":"` + userMsg.ID.String() + `","spokenText":"Hello th"}`),
	})

	select {
	case <-turnDone:
	case <-time.After(2 * time.Second):
		t.Fatal("interrupt did not stop the turn")
	}

	sawAck := false
	for drained := false; !drained; {
		select {
		case f := <-c.send:
			switch f.Type {
			case protocol.ChatDone:
				t.Error("chat.done emitted after an interrupt")
			case protocol.SystemStatus:
				sawAck = true
			}
		default:
			drained = true
		}
	}
	if !sawAck {
		t.Error("interrupt ack missing")
	}

	assistant := convs.messageByRole(t, "assistant")
	want := "Hello th" + agent.InterruptSuffix
	if assistant.Content != want {
		t.Errorf("persisted content = %q, want %q", assistant.Content, want)
	}
}

func TestChatInterruptUnknownMessage(t *testing.T) {
	s, _ := newTestGateway(t, "")
	c := NewClient(nil, s)

	s.dispatch(context.Background(), c, &protocol.Frame{
		Type: protocol.ChatInterrupt,
		ID:   "i-2",
		Data: json.RawMessage(`{"messageId":"` + uuid.NewString() + `"}`),
	})
	f := recvFrame(t, c)
	if f.Type != protocol.ChatError || !strings.Contains(f.Error, "not found") {
		t.Errorf("frame = %+v", f)
	}
}

// --- broadcast fan-out ---

func TestBroadcastFilter(t *testing.T) {
	s, _ := newTestGateway(t, "")
	c := NewClient(nil, s)
	s.registerClient(c)
	defer s.unregisterClient(c)

	s.events.Broadcast(bus.Event{Name: protocol.ReviewCreated, Payload: map[string]string{"id": "r1"}})
	f := recvFrame(t, c)
	if f.Type != protocol.ReviewCreated {
		t.Errorf("type = %q, want review.created", f.Type)
	}

	// Spawn lifecycle frames have no owning frame id and must fan out.
	s.events.Broadcast(bus.Event{Name: protocol.ChatAgentSpawn, Payload: map[string]string{"agent_id": "research"}})
	f = recvFrame(t, c)
	if f.Type != protocol.ChatAgentSpawn {
		t.Errorf("type = %q, want chat.agent_spawn", f.Type)
	}

	// Targeted frame types never fan out to other clients.
	s.events.Broadcast(bus.Event{Name: protocol.ChatStream, Payload: map[string]string{"delta": "x"}})
	select {
	case f := <-c.send:
		t.Errorf("unexpected frame %q delivered via broadcast", f.Type)
	case <-time.After(50 * time.Millisecond):
	}
}

// --- settings ---

func TestSettingsUpdatePersistsAndInvalidates(t *testing.T) {
	s, _ := newTestGateway(t, "")
	registry := providers.NewRegistry(func() providers.Credentials {
		return providers.Credentials{OllamaBaseURL: "http://localhost:11434"}
	})
	path := filepath.Join(t.TempDir(), "config.json")
	s.EnableSettingsPersistence(path, registry)

	before, err := registry.Get("ollama", "m")
	if err != nil {
		t.Fatal(err)
	}

	mux := s.BuildMux()
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPut, "/api/settings",
		strings.NewReader(`{"agent":{"history_limit":24}}`))
	mux.ServeHTTP(w, r)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if s.cfg.Agent.HistoryLimit != 24 {
		t.Errorf("history limit = %d, want 24", s.cfg.Agent.HistoryLimit)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("config file not rewritten: %v", err)
	}
	if !strings.Contains(string(raw), `"history_limit": 24`) {
		t.Errorf("persisted config missing update: %s", raw)
	}

	after, err := registry.Get("ollama", "m")
	if err != nil {
		t.Fatal(err)
	}
	if before == after {
		t.Error("provider cache not invalidated by settings update")
	}
}
