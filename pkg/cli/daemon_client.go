// Package cli provides a client for the shellmux daemon HTTP API, usable
// by the bundled CLI and by external tooling.
package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shellmux/shellmux/internal/config"
)

// Client implements DaemonClient for communicating with the shellmux daemon.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewDaemonClient creates a new daemon client.
func NewDaemonClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// GetDefaultURL returns the daemon URL from the local config, falling back
// to the default listen address.
func GetDefaultURL() string {
	addr := config.DefaultListenAddr
	if cfgPath, err := config.DefaultPath(); err == nil {
		if cfg, err := config.Load(cfgPath); err == nil {
			addr = cfg.GetListenAddr()
		}
	}
	return "http://" + addr
}

// TerminalWSURL returns the websocket endpoint for a session's terminal.
func (c *Client) TerminalWSURL(sessionID string) string {
	return "ws" + strings.TrimPrefix(c.baseURL, "http") + "/ws/terminal/" + sessionID
}

// IsRunning checks if the daemon is running.
func (c *Client) IsRunning() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/healthz", nil)
	if err != nil {
		return false
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// GetServers fetches the configured servers.
func (c *Client) GetServers(ctx context.Context) ([]Server, error) {
	var servers []Server
	if err := c.getJSON(ctx, "/api/servers", &servers); err != nil {
		return nil, err
	}
	return servers, nil
}

// GetSessions fetches all sessions.
func (c *Client) GetSessions(ctx context.Context) ([]Session, error) {
	var sessions []Session
	if err := c.getJSON(ctx, "/api/sessions", &sessions); err != nil {
		return nil, err
	}
	return sessions, nil
}

// OpenSession creates a new session on the given server.
func (c *Client) OpenSession(ctx context.Context, serverID, title string) (Session, error) {
	body, err := json.Marshal(map[string]string{"server_id": serverID, "title": title})
	if err != nil {
		return Session{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/sessions", bytes.NewReader(body))
	if err != nil {
		return Session{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	var sess Session
	if err := c.do(req, &sess); err != nil {
		return Session{}, err
	}
	return sess, nil
}

// SuspendSession detaches a session, leaving any tmux session running.
func (c *Client) SuspendSession(ctx context.Context, sessionID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/sessions/"+sessionID+"/suspend", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	return c.do(req, nil)
}

// CloseSession closes a session and its remote shell.
func (c *Client) CloseSession(ctx context.Context, sessionID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+"/api/sessions/"+sessionID, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	return c.do(req, nil)
}

func (c *Client) getJSON(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out interface{}) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect to daemon: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("daemon returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// Server describes one configured server.
type Server struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Host      string `json:"host"`
	User      string `json:"user"`
	Transport string `json:"transport"`
}

// Session describes one session as reported by the daemon.
type Session struct {
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
