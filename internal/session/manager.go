package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shellmux/shellmux/internal/config"
	"github.com/shellmux/shellmux/internal/state"
	"github.com/shellmux/shellmux/internal/surface"
	"github.com/shellmux/shellmux/internal/tmux"
	"github.com/shellmux/shellmux/internal/transport"
)

// Manager owns the session table: it creates sessions, hands each one a
// coordinator, and persists enough to re-adopt tmux-backed sessions after
// a daemon restart.
type Manager struct {
	cfg      *config.Config
	store    state.Store
	registry *Registry
	planner  tmux.Planner
	factory  transport.Factory
	hooks    Hooks

	mu           sync.Mutex
	coordinators map[string]*Coordinator

	// Pooled transport clients, keyed by server ID. Sessions on the same
	// server share one connection, which is what gives SharedClientCount
	// real siblings to count.
	clientMu sync.Mutex
	clients  map[string]transport.Client
}

// NewManager creates a manager wired to the given config, store and
// transport factory.
func NewManager(cfg *config.Config, store state.Store, reg *Registry, planner tmux.Planner, factory transport.Factory, hooks Hooks) *Manager {
	if hooks == nil {
		hooks = NopHooks{}
	}
	return &Manager{
		cfg:          cfg,
		store:        store,
		registry:     reg,
		planner:      planner,
		factory:      factory,
		hooks:        hooks,
		coordinators: make(map[string]*Coordinator),
		clients:      make(map[string]transport.Client),
	}
}

// clientFor returns the pooled client for a server, building a fresh one
// when none exists yet or the pooled one has been disconnected (a
// coordinator reset it).
func (m *Manager) clientFor(server transport.ServerConfig) transport.Client {
	m.clientMu.Lock()
	defer m.clientMu.Unlock()
	if client, ok := m.clients[server.ID]; ok && client.Connected() {
		return client
	}
	client := m.factory(server)
	m.clients[server.ID] = client
	return client
}

// Registry exposes the shared session registry.
func (m *Manager) Registry() *Registry { return m.registry }

// OpenSession creates a new session record for the given server and returns
// it. No connection is made until a surface attaches via Attach.
func (m *Manager) OpenSession(serverID, title string) (state.Session, error) {
	server, ok := m.cfg.FindServer(serverID)
	if !ok {
		return state.Session{}, fmt.Errorf("unknown server: %s", serverID)
	}

	if title == "" {
		title = server.Name
	}
	sess := state.Session{
		ID:              uuid.New().String(),
		ServerID:        server.ID,
		Title:           title,
		TmuxStatus:      state.TmuxUnknown,
		CreatedAt:       time.Now(),
		LastActivity:    time.Now(),
		ConnectionState: state.Disconnected(),
	}
	m.store.AddSession(sess)
	if err := m.store.Save(); err != nil {
		fmt.Printf("[manager] failed to save state: %v\n", err)
	}

	fmt.Printf("[manager] opened session %s on %s\n", sess.ID, server.ID)
	return sess, nil
}

// SplitSession creates a session that shares a tab with its parent. The
// child rides the same server and gets its own shell and coordinator.
func (m *Manager) SplitSession(parentID string) (state.Session, error) {
	parent, ok := m.store.GetSession(parentID)
	if !ok {
		return state.Session{}, fmt.Errorf("unknown session: %s", parentID)
	}
	sess, err := m.OpenSession(parent.ServerID, parent.Title)
	if err != nil {
		return state.Session{}, err
	}
	sess.ParentSessionID = parentID
	if err := m.store.UpdateSession(sess); err != nil {
		return state.Session{}, err
	}
	return sess, nil
}

// Attach binds a rendering surface to a session and starts (or reuses) its
// shell. Safe to call repeatedly; the registry's start claim makes extra
// calls no-ops while a start is in flight.
func (m *Manager) Attach(sessionID string, surf surface.Surface) error {
	sess, ok := m.store.GetSession(sessionID)
	if !ok {
		return fmt.Errorf("unknown session: %s", sessionID)
	}
	server, ok := m.cfg.FindServer(sess.ServerID)
	if !ok {
		return fmt.Errorf("session %s references unknown server %s", sessionID, sess.ServerID)
	}

	coord := m.coordinatorFor(sessionID, server)
	coord.StartConnection(surf)
	return nil
}

// coordinatorFor returns the session's coordinator, creating one on first
// attach. Coordinators are rebuilt after Close, so stale entries are fine
// to replace.
func (m *Manager) coordinatorFor(sessionID string, server config.Server) *Coordinator {
	m.mu.Lock()
	defer m.mu.Unlock()
	if coord, ok := m.coordinators[sessionID]; ok {
		return coord
	}
	coord := NewCoordinator(sessionID, server, m.registry, m.store, m.planner, m.clientFor, m.hooks)
	m.coordinators[sessionID] = coord
	return coord
}

// Detach drops a surface from a session without touching the shell. Output
// keeps flowing into the registry route until suspend or close.
func (m *Manager) Detach(sessionID string, surf surface.Surface) {
	m.registry.UnregisterSurface(sessionID, surf)
}

// SuspendSession stops the session's shell channel but keeps the session
// record, so a later Attach starts fresh — reattaching to the same tmux
// session when one backs it.
func (m *Manager) SuspendSession(sessionID string) error {
	if _, ok := m.store.GetSession(sessionID); !ok {
		return fmt.Errorf("unknown session: %s", sessionID)
	}
	m.registry.Suspend(sessionID)
	if err := m.store.Save(); err != nil {
		fmt.Printf("[manager] failed to save state: %v\n", err)
	}
	return nil
}

// CloseSession cancels the session's shell and removes it entirely.
func (m *Manager) CloseSession(sessionID string) error {
	if _, ok := m.store.GetSession(sessionID); !ok {
		return fmt.Errorf("unknown session: %s", sessionID)
	}
	m.registry.Cancel(sessionID)
	m.registry.Remove(sessionID)
	m.store.RemoveSession(sessionID)

	m.mu.Lock()
	delete(m.coordinators, sessionID)
	m.mu.Unlock()

	if err := m.store.Save(); err != nil {
		fmt.Printf("[manager] failed to save state: %v\n", err)
	}
	fmt.Printf("[manager] closed session %s\n", sessionID)
	return nil
}

// List returns all sessions, including suspended ones.
func (m *Manager) List() []state.Session {
	return m.store.GetSessions()
}

// ReadoptSessions scans persisted sessions after a daemon restart and marks
// the ones whose tmux session still exists on the remote, so the UI can
// offer reattachment. Sessions without a tmux backing are left disconnected.
func (m *Manager) ReadoptSessions(ctx context.Context) {
	for _, sess := range m.store.GetSessions() {
		if sess.TmuxSessionName == "" {
			continue
		}
		server, ok := m.cfg.FindServer(sess.ServerID)
		if !ok {
			continue
		}

		client := m.factory(serverConfig(server))
		if err := client.Connect(ctx); err != nil {
			fmt.Printf("[manager] readopt probe for %s failed: %v\n", sess.ID, err)
			continue
		}
		alive := tmux.SessionExists(ctx, client, sess.TmuxSessionName)
		_ = client.Disconnect()

		if alive {
			sess.TmuxStatus = state.TmuxBackground
		} else {
			sess.TmuxStatus = state.TmuxUnknown
			sess.TmuxSessionName = ""
		}
		if err := m.store.UpdateSession(sess); err != nil {
			fmt.Printf("[manager] readopt update for %s failed: %v\n", sess.ID, err)
		}
	}
	if err := m.store.Save(); err != nil {
		fmt.Printf("[manager] failed to save state: %v\n", err)
	}
}

// Shutdown suspends every live session. Shells backed by tmux keep running
// detached on the remote; plain shells end with their channels.
func (m *Manager) Shutdown() {
	for _, id := range m.registry.SessionIDs() {
		m.registry.Suspend(id)
	}
	if err := m.store.Save(); err != nil {
		fmt.Printf("[manager] failed to save state: %v\n", err)
	}
}
