package dashboard

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/shellmux/shellmux/internal/state"
)

// SessionResponse is the JSON view of one session.
type SessionResponse struct {
	ID              string `json:"id"`
	ServerID        string `json:"server_id"`
	Title           string `json:"title"`
	Phase           string `json:"phase"`
	Attempt         int    `json:"attempt,omitempty"`
	Message         string `json:"message,omitempty"`
	Transport       string `json:"transport,omitempty"`
	FallbackReason  string `json:"fallback_reason,omitempty"`
	TmuxStatus      string `json:"tmux_status"`
	TmuxSessionName string `json:"tmux_session_name,omitempty"`
	ParentSessionID string `json:"parent_session_id,omitempty"`
	CreatedAt       string `json:"created_at"`
	LastActivity    string `json:"last_activity"`
}

// ServerResponse is the JSON view of one configured server.
type ServerResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Host      string `json:"host"`
	User      string `json:"user"`
	Transport string `json:"transport"`
}

func sessionResponse(sess state.Session) SessionResponse {
	cs := sess.ConnectionState
	return SessionResponse{
		ID:              sess.ID,
		ServerID:        sess.ServerID,
		Title:           sess.Title,
		Phase:           string(cs.Phase),
		Attempt:         cs.Attempt,
		Message:         cs.Message,
		Transport:       string(sess.ActiveTransport),
		FallbackReason:  string(sess.FallbackReason),
		TmuxStatus:      string(sess.TmuxStatus),
		TmuxSessionName: sess.TmuxSessionName,
		ParentSessionID: sess.ParentSessionID,
		CreatedAt:       sess.CreatedAt.Format("2006-01-02T15:04:05"),
		LastActivity:    sess.LastActivity.Format("2006-01-02T15:04:05"),
	}
}

// handleHealthz returns a liveness response.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

// handleServers returns the configured servers.
func (s *Server) handleServers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	servers := s.config.GetServers()
	resp := make([]ServerResponse, 0, len(servers))
	for _, srv := range servers {
		resp = append(resp, ServerResponse{
			ID:        srv.ID,
			Name:      srv.Name,
			Host:      srv.Host,
			User:      srv.User,
			Transport: string(srv.Transport),
		})
	}
	writeJSON(w, resp)
}

// handleSessions lists sessions (GET) or opens a new one (POST).
func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		sessions := s.session.List()
		resp := make([]SessionResponse, 0, len(sessions))
		for _, sess := range sessions {
			resp = append(resp, sessionResponse(sess))
		}
		writeJSON(w, resp)

	case http.MethodPost:
		var req struct {
			ServerID string `json:"server_id"`
			Title    string `json:"title"`
			ParentID string `json:"parent_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, fmt.Sprintf("invalid request: %v", err), http.StatusBadRequest)
			return
		}

		var sess state.Session
		var err error
		if req.ParentID != "" {
			sess, err = s.session.SplitSession(req.ParentID)
		} else {
			sess, err = s.session.OpenSession(req.ServerID, req.Title)
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeJSON(w, sessionResponse(sess))

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleSessionAction routes /api/sessions/{id} and
// /api/sessions/{id}/suspend.
func (s *Server) handleSessionAction(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/sessions/")
	id, action, _ := strings.Cut(rest, "/")
	if id == "" {
		http.Error(w, "session ID is required", http.StatusBadRequest)
		return
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		sess, ok := s.store.GetSession(id)
		if !ok {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}
		writeJSON(w, sessionResponse(sess))

	case action == "" && r.Method == http.MethodDelete:
		if err := s.session.CloseSession(id); err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		writeJSON(w, map[string]string{"status": "closed"})

	case action == "suspend" && r.Method == http.MethodPost:
		if err := s.session.SuspendSession(id); err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		writeJSON(w, map[string]string{"status": "suspended"})

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		fmt.Printf("[dashboard] failed to encode response: %v\n", err)
	}
}
