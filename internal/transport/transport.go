// Package transport provides remote shell transports (SSH, mosh with SSH
// fallback) behind a common client interface, plus the failure-classification
// policy the connection retry loop consults.
package transport

import (
	"context"

	"github.com/shellmux/shellmux/internal/state"
)

// ShellID is the transport-assigned identifier for a remote PTY/channel.
// The transport client owns the underlying resource; everyone else holds
// only the ID.
type ShellID string

// ShellResult describes a successfully started remote shell.
type ShellResult struct {
	ID        ShellID
	Transport state.Transport

	// FallbackReason is set when the configured transport was mosh but the
	// shell came up over plain SSH instead.
	FallbackReason state.FallbackReason
}

// Client is the interface the coordinator and registry program against.
// A single client may back multiple shells (and therefore multiple sessions)
// on the same host.
type Client interface {
	// Connect establishes the underlying connection. Idempotent when
	// already connected.
	Connect(ctx context.Context) error

	// Connected reports whether the client currently has a live connection.
	Connected() bool

	// Exec runs a non-interactive command on the remote host and returns
	// its stdout. Used for probes (tmux, mosh-server) rather than shells.
	Exec(ctx context.Context, command string) (string, error)

	// StartShell starts a remote interactive shell sized to the given grid.
	// A non-empty startupCommand replaces the login shell (e.g. a tmux
	// attach command produced by the startup planner).
	StartShell(ctx context.Context, cols, rows int, startupCommand string) (ShellResult, error)

	// Output returns the inbound byte stream for a shell. The channel is
	// closed when the remote shell exits or the connection drops.
	Output(id ShellID) <-chan []byte

	Write(id ShellID, data []byte) error
	Resize(id ShellID, cols, rows int) error
	CloseShell(id ShellID) error

	// Disconnect tears down the connection and every shell on it.
	Disconnect() error
}

// Factory builds a client for a server config. The coordinator uses it to
// replace clients the fallback policy decides to reset.
type Factory func(server ServerConfig) Client

// ServerConfig is the subset of the server configuration the transports
// need. Kept transport-local so this package does not import config.
type ServerConfig struct {
	ID             string
	Host           string
	Port           int
	User           string
	KeyPath        string
	PasswordEnv    string
	KnownHostsPath string
	PreferMosh     bool
}
