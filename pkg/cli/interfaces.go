package cli

import "context"

// DaemonClient is the interface for talking to the shellmux daemon.
type DaemonClient interface {
	IsRunning() bool
	GetServers(ctx context.Context) ([]Server, error)
	GetSessions(ctx context.Context) ([]Session, error)
	OpenSession(ctx context.Context, serverID, title string) (Session, error)
	SuspendSession(ctx context.Context, sessionID string) error
	CloseSession(ctx context.Context, sessionID string) error
}

// Ensure Client implements DaemonClient at compile time.
var _ DaemonClient = (*Client)(nil)
