// Package web exposes the daemon's status and submit surface: a JSON API
// over the agents, tasks, message history and memories, plus a WebSocket
// feed of the events channel.
package web

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/synergos-io/synergos/internal/agent"
	"github.com/synergos-io/synergos/internal/comms"
	"github.com/synergos-io/synergos/internal/config"
	"github.com/synergos-io/synergos/internal/envelope"
	"github.com/synergos-io/synergos/internal/memory"
	"github.com/synergos-io/synergos/internal/tasks"
	"github.com/synergos-io/synergos/internal/transport"
)

// Agent is the slice of an agent runtime the API needs. *agent.Runtime and
// the variants embedding it satisfy it.
type Agent interface {
	ID() string
	State() agent.State
	Submit(ctx context.Context, input envelope.Payload) (string, error)
	Tasks() []tasks.Task
}

type Server struct {
	comm      *comms.Comms
	reg       *tasks.Registry
	mem       *memory.Store    // nil disables /api/memories
	broker    transport.Broker // nil disables the event feed
	agents    map[string]Agent
	feed      *feed
	cfg       config.WebConfig
	version   string
	startedAt time.Time
}

func NewServer(comm *comms.Comms, reg *tasks.Registry, mem *memory.Store, broker transport.Broker, agents []Agent, cfg config.WebConfig, version string) *Server {
	byID := make(map[string]Agent, len(agents))
	for _, a := range agents {
		byID[a.ID()] = a
	}
	return &Server{
		comm:      comm,
		reg:       reg,
		mem:       mem,
		broker:    broker,
		agents:    byID,
		feed:      newFeed(),
		cfg:       cfg,
		version:   version,
		startedAt: time.Now(),
	}
}

func (s *Server) Start(ctx context.Context) error {
	if err := s.subscribeEvents(ctx); err != nil {
		slog.Warn("event feed unavailable", "error", err)
	}

	mux := http.NewServeMux()
	s.registerAPI(mux)
	mux.HandleFunc("GET /api/ws", s.handleWebSocket)

	handler := s.withMiddleware(mux)
	addr := fmt.Sprintf(":%d", s.cfg.Port)
	server := &http.Server{Addr: addr, Handler: handler}

	go func() {
		<-ctx.Done()
		server.Close()
	}()

	slog.Info("web server listening", "addr", addr)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// CORS
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		if s.cfg.Auth != "" && !s.checkAuth(r) {
			jsonError(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// checkAuth accepts the configured token as a bearer header or, for
// browser WebSocket clients that cannot set headers, a token query param.
func (s *Server) checkAuth(r *http.Request) bool {
	auth := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(auth, "Bearer "); ok && token == s.cfg.Auth {
		return true
	}
	return r.URL.Query().Get("token") == s.cfg.Auth
}

// subscribeEvents bridges the broker's events channel to the WebSocket feed.
func (s *Server) subscribeEvents(ctx context.Context) error {
	if s.broker == nil {
		return nil
	}
	_, err := s.broker.Subscribe(ctx, transport.EventsChannel, func(env envelope.Envelope) {
		s.feed.Publish(Event{
			Type:    env.Payload.String("event"),
			Payload: env.Payload,
		})
	})
	if err != nil {
		return fmt.Errorf("subscribe events: %w", err)
	}
	return nil
}
