// Package state holds the session data model and its persisted form.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Transport identifies which protocol currently backs a session.
type Transport string

const (
	TransportSSH         Transport = "ssh"
	TransportSSHFallback Transport = "ssh_fallback" // mosh was configured but unavailable
	TransportMosh        Transport = "mosh"
)

// FallbackReason explains why a mosh session fell back to plain SSH.
type FallbackReason string

const (
	FallbackNone          FallbackReason = ""
	FallbackServerMissing FallbackReason = "server_missing"
	FallbackStartupFailed FallbackReason = "startup_failed"
)

// TmuxStatus describes the multiplexer state of a session's remote shell.
type TmuxStatus string

const (
	TmuxForeground TmuxStatus = "foreground" // attached to a tmux session
	TmuxBackground TmuxStatus = "background" // tmux session exists but is detached
	TmuxOff        TmuxStatus = "off"        // tmux disabled for this server
	TmuxMissing    TmuxStatus = "missing"    // tmux binary not found on remote
	TmuxInstalling TmuxStatus = "installing"
	TmuxUnknown    TmuxStatus = "unknown"
)

// Session represents one logical tab/pane backed by a remote shell.
type Session struct {
	ID              string         `json:"id"`
	ServerID        string         `json:"server_id"`
	Title           string         `json:"title"`
	TmuxSessionName string         `json:"tmux_session_name,omitempty"`
	TmuxStatus      TmuxStatus     `json:"tmux_status"`
	ActiveTransport Transport      `json:"active_transport"`
	FallbackReason  FallbackReason `json:"fallback_reason,omitempty"`
	ParentSessionID string         `json:"parent_session_id,omitempty"` // split children are not top-level tabs
	CreatedAt       time.Time      `json:"created_at"`
	LastActivity    time.Time      `json:"last_activity"`

	// ConnectionState is live coordinator state, never persisted.
	ConnectionState ConnectionState `json:"-"`
}

// State is the persisted session table. Live transport clients and shell
// handles belong to the registry; only what is needed to re-adopt tmux-backed
// sessions after a daemon restart is written to disk.
type State struct {
	Sessions []Session `json:"sessions"`
	path     string
	mu       sync.RWMutex
}

// New creates a new empty State instance.
func New(path string) *State {
	return &State{
		Sessions: []Session{},
		path:     path,
	}
}

// Load loads the state from the given path.
// Returns an empty state if the file doesn't exist.
func Load(path string) (*State, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return New(path), nil
		}
		return nil, fmt.Errorf("failed to read state: %w", err)
	}

	var st State
	st.path = path
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("failed to unmarshal state: %w", err)
	}

	// Restored sessions have no live connection yet; a tmux-backed session
	// can be re-adopted by a later StartConnection.
	for i := range st.Sessions {
		st.Sessions[i].ConnectionState = Disconnected()
	}

	return &st, nil
}

// Save saves the state to its configured path.
func (s *State) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.path == "" {
		return fmt.Errorf("state path is empty, cannot save")
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	if err := os.WriteFile(s.path, data, 0644); err != nil {
		return fmt.Errorf("failed to write state: %w", err)
	}

	return nil
}

// AddSession adds a session to the state.
func (s *State) AddSession(sess Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Sessions = append(s.Sessions, sess)
}

// GetSession returns a session by ID.
func (s *State) GetSession(id string) (Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sess := range s.Sessions {
		if sess.ID == id {
			return sess, true
		}
	}
	return Session{}, false
}

// GetSessions returns all sessions.
// Returns a copy to prevent callers from modifying internal state.
func (s *State) GetSessions() []Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sessions := make([]Session, len(s.Sessions))
	copy(sessions, s.Sessions)
	return sessions
}

// UpdateSession updates a session in the state.
// Returns an error if the session is not found.
func (s *State) UpdateSession(sess Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.Sessions {
		if existing.ID == sess.ID {
			s.Sessions[i] = sess
			return nil
		}
	}
	return fmt.Errorf("session not found: %s", sess.ID)
}

// RemoveSession removes a session from the state.
func (s *State) RemoveSession(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, sess := range s.Sessions {
		if sess.ID == id {
			s.Sessions = append(s.Sessions[:i], s.Sessions[i+1:]...)
			return
		}
	}
}

// SetConnectionState updates the live connection state of a session.
func (s *State) SetConnectionState(id string, cs ConnectionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.Sessions {
		if s.Sessions[i].ID == id {
			s.Sessions[i].ConnectionState = cs
			return
		}
	}
}

// TouchActivity records output/input activity on a session.
func (s *State) TouchActivity(id string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.Sessions {
		if s.Sessions[i].ID == id {
			s.Sessions[i].LastActivity = at
			return
		}
	}
}
