package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/elysia-ai/elysia/internal/settings"
	"github.com/elysia-ai/elysia/internal/user"
	"github.com/elysia-ai/elysia/pkg/protocol"
)

// heartbeatSilence is how long a client may stay silent before the
// server probes it with a heartbeat frame.
const heartbeatSilence = 60 * time.Second

// Server is the streaming and control-surface front end: one websocket
// endpoint for prompt traffic, JSON handlers for everything else.
type Server struct {
	registry *user.Registry
	cipher   *settings.Cipher

	upgrader  websocket.Upgrader
	heartbeat time.Duration

	mu      sync.RWMutex
	clients map[string]*Client

	httpServer *http.Server
	mux        *http.ServeMux
}

// ServerOption tweaks server construction.
type ServerOption func(*Server)

// WithHeartbeatSilence overrides the silence window before a heartbeat
// probe. Used by tests.
func WithHeartbeatSilence(d time.Duration) ServerOption {
	return func(s *Server) { s.heartbeat = d }
}

func NewServer(registry *user.Registry, cipher *settings.Cipher, opts ...ServerOption) *Server {
	s := &Server{
		registry:  registry,
		cipher:    cipher,
		heartbeat: heartbeatSilence,
		clients:   make(map[string]*Client),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     func(*http.Request) bool { return true },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// BuildMux creates and caches the HTTP mux with all routes registered.
func (s *Server) BuildMux() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}
	mux := http.NewServeMux()

	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)

	s.registerControlRoutes(mux)

	s.mux = mux
	return mux
}

// Start serves until the context ends, then drains with a short
// shutdown grace.
func (s *Server) Start(ctx context.Context, addr string) error {
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.BuildMux(),
	}

	slog.Info("gateway starting", "addr", addr)

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

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}

	client := newClient(conn, s)
	s.registerClient(client)
	defer func() {
		s.unregisterClient(client)
		client.Close()
	}()

	client.Run(r.Context())
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"ok","protocol":%d,"clients":%d}`,
		protocol.ProtocolVersion, s.clientCount())
}

func (s *Server) registerClient(c *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[c.id] = c
	slog.Info("client connected", "id", c.id)
}

func (s *Server) unregisterClient(c *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.clients, c.id)
	slog.Info("client disconnected", "id", c.id)
}

func (s *Server) clientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}
