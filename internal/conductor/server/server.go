// Package server is the HTTP face of the daemon: the webhook ingress,
// a small read-only status API, and a WebSocket feed of state
// transitions.
package server

import (
	"io"
	"log/slog"
	"net"
	"net/http"

	"github.com/conductor-dev/conductor/internal/conductor/faults"
	"github.com/conductor-dev/conductor/internal/conductor/store"
	"github.com/conductor-dev/conductor/internal/conductor/webhook"
)

// maxBodyBytes caps webhook payloads. GitHub's own limit is 25 MB.
const maxBodyBytes = 25 << 20

// Gateway verifies and classifies webhook deliveries.
type Gateway interface {
	Accept(body []byte, signature, eventType string) (webhook.Event, error)
}

// Config holds server configuration.
type Config struct {
	Gateway Gateway
	Store   *store.Store
	// Hub is the WebSocket hub for real-time updates. Optional.
	Hub    *Hub
	Logger *slog.Logger
	// Route is called with every accepted, non-ignored event.
	Route func(ev webhook.Event)
}

// Server wraps the conductor HTTP server.
type Server struct {
	mux      *http.ServeMux
	listener net.Listener
}

// New creates a Server bound to the given address. It does not start
// serving; call Serve for that.
func New(addr string, cfg Config) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	s := &Server{mux: mux, listener: ln}
	s.registerRoutes(cfg)
	return s, nil
}

// Addr returns the listener's address (useful when binding to :0 in
// tests).
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Serve starts accepting connections. It blocks until the listener is
// closed.
func (s *Server) Serve() error {
	return http.Serve(s.listener, s.mux)
}

// Close shuts down the listener.
func (s *Server) Close() error {
	return s.listener.Close()
}

// Handler exposes the mux for httptest.
func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) registerRoutes(cfg Config) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s.mux.HandleFunc("POST /webhook", handleWebhook(cfg, logger))

	api := &apiHandler{store: cfg.Store, hub: cfg.Hub}
	s.mux.HandleFunc("GET /api/status", api.handleStatus)
	s.mux.HandleFunc("GET /api/issues", api.handleListIssues)
	s.mux.HandleFunc("GET /api/issues/{number}", api.handleGetIssue)
	s.mux.HandleFunc("GET /api/prs", api.handleListPRs)
	s.mux.HandleFunc("GET /api/prs/{number}", api.handleGetPR)
	s.mux.HandleFunc("GET /api/activity", api.handleListActivity)

	if cfg.Hub != nil {
		s.mux.HandleFunc("GET /api/ws", cfg.Hub.ServeWS)
	}

	s.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
}

// handleWebhook is the ingress: verify, classify, acknowledge, hand off.
// The 202 goes out before any workflow work happens; GitHub only needs
// to know the delivery landed.
func handleWebhook(cfg Config, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			http.Error(w, "reading body", http.StatusBadRequest)
			return
		}

		ev, err := cfg.Gateway.Accept(body,
			r.Header.Get("X-Hub-Signature-256"),
			r.Header.Get("X-GitHub-Event"))
		if err != nil {
			if faults.Is(err, faults.KindAuth) {
				logger.Warn("rejected webhook delivery", "error", err)
				http.Error(w, "signature mismatch", http.StatusUnauthorized)
				return
			}
			http.Error(w, "bad payload", http.StatusBadRequest)
			return
		}

		if ev.Type != webhook.EventIgnored && cfg.Route != nil {
			cfg.Route(ev)
		}
		w.WriteHeader(http.StatusAccepted)
	}
}
