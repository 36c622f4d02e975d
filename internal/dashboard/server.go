// Package dashboard serves the local HTTP API and the websocket terminal
// surface that browser and CLI clients attach through.
package dashboard

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/shellmux/shellmux/internal/config"
	"github.com/shellmux/shellmux/internal/session"
	"github.com/shellmux/shellmux/internal/state"
)

const (
	readTimeout  = 15 * time.Second
	writeTimeout = 0 // websocket terminals hold the connection open
)

// Server is the local control-plane HTTP server.
type Server struct {
	config     *config.Config
	store      state.Store
	session    *session.Manager
	httpServer *http.Server
}

// NewServer creates a new dashboard server.
func NewServer(cfg *config.Config, store state.Store, sm *session.Manager) *Server {
	return &Server{
		config:  cfg,
		store:   store,
		session: sm,
	}
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/healthz", s.withCORS(s.handleHealthz))
	mux.HandleFunc("/api/servers", s.withCORS(s.handleServers))
	mux.HandleFunc("/api/sessions", s.withCORS(s.handleSessions))
	mux.HandleFunc("/api/sessions/", s.withCORS(s.handleSessionAction))

	// WebSocket for terminal streaming
	mux.HandleFunc("/ws/terminal/", s.handleTerminalWebSocket)

	addr := s.config.GetListenAddr()
	s.httpServer = &http.Server{
		Addr:        addr, // loopback by default, never exposed
		Handler:     mux,
		ReadTimeout: readTimeout,
	}

	fmt.Printf("shellmux API listening on http://%s\n", addr)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// Stop stops the HTTP server.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}

	return nil
}

// withCORS wraps a handler with CORS headers for local browser clients.
func (s *Server) withCORS(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && !s.localOrigin(origin) {
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
		if origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		h(w, r)
	}
}

// localOrigin accepts origins that point back at this listener.
func (s *Server) localOrigin(origin string) bool {
	trimmed := strings.TrimPrefix(strings.TrimPrefix(origin, "http://"), "https://")
	return trimmed == s.config.GetListenAddr() ||
		strings.HasPrefix(trimmed, "localhost:") ||
		strings.HasPrefix(trimmed, "127.0.0.1:")
}
