// Package gateway is the session surface: WebSocket frames for chat
// clients plus a small authenticated HTTP API.
package gateway

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/joilabs/joi-gateway/internal/agent"
	"github.com/joilabs/joi-gateway/internal/bus"
	"github.com/joilabs/joi-gateway/internal/config"
	"github.com/joilabs/joi-gateway/internal/providers"
	"github.com/joilabs/joi-gateway/internal/review"
	"github.com/joilabs/joi-gateway/internal/router"
	"github.com/joilabs/joi-gateway/internal/scheduler"
	"github.com/joilabs/joi-gateway/internal/store"
	"github.com/joilabs/joi-gateway/pkg/protocol"
)

// Server owns the listener, the connected clients and the frame dispatch.
type Server struct {
	cfg     *config.Config
	events  bus.Publisher
	runtime *agent.Runtime
	router  *router.Router
	reviews *review.Queue
	sched   *scheduler.Scheduler
	stores  Stores
	logger  *slog.Logger

	upgrader websocket.Upgrader

	// turnLocks serializes turns per conversation.
	turnLocks sync.Map

	// cfgPath and providerCache are set via EnableSettingsPersistence so
	// settings updates rewrite the config file and drop cached clients.
	cfgPath       string
	providerCache *providers.Registry

	mu      sync.RWMutex
	clients map[string]*Client

	httpServer *http.Server
	mux        *http.ServeMux
}

// Stores bundles the store interfaces the gateway serves directly.
type Stores struct {
	DB            interface{ PingContext(context.Context) error }
	Conversations store.ConversationStore
	Agents        store.AgentStore
	Cron          store.CronStore
}

func NewServer(
	cfg *config.Config,
	events bus.Publisher,
	runtime *agent.Runtime,
	modelRouter *router.Router,
	reviews *review.Queue,
	sched *scheduler.Scheduler,
	stores Stores,
	logger *slog.Logger,
) *Server {
	s := &Server{
		cfg:     cfg,
		events:  events,
		runtime: runtime,
		router:  modelRouter,
		reviews: reviews,
		sched:   sched,
		stores:  stores,
		logger:  logger,
		clients: make(map[string]*Client),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// EnableSettingsPersistence wires the config file path and the provider
// registry so settings updates survive restarts and take effect on the
// next provider call.
func (s *Server) EnableSettingsPersistence(path string, registry *providers.Registry) {
	s.cfgPath = path
	s.providerCache = registry
}

// checkOrigin validates the Origin header against the configured
// allow-list. No configured origins means allow all; an empty Origin
// header (CLI and SDK clients) is always allowed.
func (s *Server) checkOrigin(r *http.Request) bool {
	allowed := s.cfg.Gateway.AllowedOrigins
	origin := r.Header.Get("Origin")
	if len(allowed) == 0 || origin == "" {
		return true
	}
	if slices.Contains(allowed, "*") || slices.Contains(allowed, origin) {
		return true
	}
	s.logger.Warn("origin rejected", "origin", origin)
	return false
}

// authorized compares the presented token in constant time. The token may
// arrive as a Bearer header or, for WebSocket upgrades, a ?token= query
// parameter.
func (s *Server) authorized(r *http.Request) bool {
	secret := s.cfg.Gateway.Token
	if secret == "" {
		return true
	}

	presented := ""
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		presented = strings.TrimPrefix(h, "Bearer ")
	} else if t := r.URL.Query().Get("token"); t != "" {
		presented = t
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(secret)) == 1
}

// requireAuth wraps an HTTP handler behind the shared secret.
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.authorized(r) {
			http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

// BuildMux registers every route. Health endpoints are unauthenticated.
func (s *Server) BuildMux() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/health/db", s.handleHealthDB)

	mux.HandleFunc("/api/voice/chat", s.requireAuth(s.handleVoiceChat))
	mux.HandleFunc("/api/conversations", s.requireAuth(s.handleConversations))
	mux.HandleFunc("/api/agents", s.requireAuth(s.handleAgents))
	mux.HandleFunc("/api/reviews", s.requireAuth(s.handleReviews))
	mux.HandleFunc("/api/tasks", s.requireAuth(s.handleTasks))
	mux.HandleFunc("/api/usage", s.requireAuth(s.handleUsage))
	mux.HandleFunc("/api/routes", s.requireAuth(s.handleRoutes))
	mux.HandleFunc("/api/settings", s.requireAuth(s.handleSettings))

	s.mux = mux
	return mux
}

// Start listens until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	mux := s.BuildMux()

	addr := net.JoinHostPort(s.cfg.Gateway.Host, strconv.Itoa(s.cfg.Gateway.Port))
	s.httpServer = &http.Server{Addr: addr, Handler: mux}

	s.logger.Info("gateway starting", "addr", addr, "protocol", protocol.ProtocolVersion)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("gateway server: %w", err)
	}
	return nil
}

// handleWebSocket authenticates, upgrades, and runs the client session.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := NewClient(conn, s)
	s.registerClient(client)
	defer func() {
		s.unregisterClient(client)
		client.Close()
	}()

	client.Run(r.Context())
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"status":"ok","protocol":%d}`, protocol.ProtocolVersion)
}

// handleHealthDB pings the database with a 5s bound.
func (s *Server) handleHealthDB(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	w.Header().Set("Content-Type", "application/json")
	if err := s.stores.DB.PingContext(ctx); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprintf(w, `{"status":"degraded","error":%q}`, err.Error())
		return
	}
	fmt.Fprint(w, `{"status":"ok"}`)
}

// registerClient adds the client and subscribes it to broadcast events.
func (s *Server) registerClient(c *Client) {
	s.mu.Lock()
	s.clients[c.id] = c
	s.mu.Unlock()

	s.events.Subscribe(c.id, func(event bus.Event) {
		if !protocol.Broadcast(event.Name) {
			return
		}
		c.Send(protocol.NewFrame(event.Name, "", event.Payload))
	})

	s.logger.Info("client connected", "id", c.id)
}

func (s *Server) unregisterClient(c *Client) {
	s.mu.Lock()
	delete(s.clients, c.id)
	s.mu.Unlock()
	s.events.Unsubscribe(c.id)
	s.logger.Info("client disconnected", "id", c.id)
}

// StartTestServer listens on a random local port; used by integration
// tests.
func StartTestServer(ctx context.Context, s *Server) (addr string, start func(), err error) {
	mux := s.BuildMux()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", nil, err
	}
	s.httpServer = &http.Server{Handler: mux}

	start = func() {
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			s.httpServer.Shutdown(shutdownCtx)
		}()
		s.httpServer.Serve(ln)
	}
	return ln.Addr().String(), start, nil
}
