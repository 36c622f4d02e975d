package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shellmux/shellmux/internal/config"
	"github.com/shellmux/shellmux/internal/state"
	"github.com/shellmux/shellmux/internal/surface"
	"github.com/shellmux/shellmux/internal/tmux"
	"github.com/shellmux/shellmux/internal/transport"
)

// maxConnectAttempts is the automatic retry budget per StartConnection.
const maxConnectAttempts = 3

// Coordinator drives one session's connection lifecycle:
// idle → connecting → read-loop → exited/disconnected, with
// reconnecting(n) between failed attempts and a terminal failed state once
// the retry budget is gone. All registry consultation keeps at most one
// shell-start sequence in flight per session no matter how many times the
// UI asks.
type Coordinator struct {
	sessionID string
	server    config.Server
	registry  *Registry
	store     state.Store
	planner   tmux.Planner
	factory   transport.Factory
	policy    transport.FallbackPolicy
	hooks     Hooks

	mu       sync.Mutex
	client   transport.Client
	cancel   context.CancelFunc
	lastCols int
	lastRows int

	// backoffBase is scaled down in tests.
	backoffBase time.Duration
}

// NewCoordinator creates a coordinator for one session.
func NewCoordinator(sessionID string, server config.Server, reg *Registry, store state.Store, planner tmux.Planner, factory transport.Factory, hooks Hooks) *Coordinator {
	if hooks == nil {
		hooks = NopHooks{}
	}
	return &Coordinator{
		sessionID:   sessionID,
		server:      server,
		registry:    reg,
		store:       store,
		planner:     planner,
		factory:     factory,
		hooks:       hooks,
		backoffBase: time.Second,
	}
}

// SessionID returns the session this coordinator drives.
func (c *Coordinator) SessionID() string { return c.sessionID }

// StartConnection begins the connect/retry loop for the given rendering
// surface. A no-op when a start is already in flight or a live shell exists
// — the registry claim guarantees at most one live shell per session.
func (c *Coordinator) StartConnection(surf surface.Surface) {
	c.registry.RegisterSurface(c.sessionID, surf)
	c.registry.RegisterCancelHandler(c.sessionID, c.CancelShell)
	c.registry.RegisterSuspendHandler(c.sessionID, c.SuspendShell)

	// Input and resize always resolve the current route via the registry,
	// not this coordinator instance.
	surf.OnKeyboardInput(func(data []byte) {
		if err := c.SendInput(data); err != nil {
			fmt.Printf("[coordinator %s] dropped input: %v\n", c.sessionID, err)
		}
	})
	surf.OnGridResize(func(cols, rows int) {
		c.ReportGridResize(cols, rows)
	})

	client := c.currentClient()

	if !c.registry.TryBeginShellStart(c.sessionID, client) {
		// Shell already exists or another start owns the claim: reuse.
		if c.registry.HasShell(c.sessionID) {
			surf.NotifyReady()
		}
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()

	go c.connectLoop(ctx)
}

// currentSurface resolves the live rendering surface at call time. Surfaces
// are torn down and recreated by the UI while a shell keeps running, so a
// reference captured at start can go stale; only the registry knows the
// current one.
func (c *Coordinator) currentSurface() (surface.Surface, bool) {
	return c.registry.Surface(c.sessionID)
}

// currentClient returns the registry's client for this session if one is
// already associated, otherwise builds a fresh one.
func (c *Coordinator) currentClient() transport.Client {
	if client, ok := c.registry.TransportClient(c.sessionID); ok {
		c.mu.Lock()
		c.client = client
		c.mu.Unlock()
		return client
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == nil {
		c.client = c.factory(serverConfig(c.server))
	}
	return c.client
}

func serverConfig(s config.Server) transport.ServerConfig {
	return transport.ServerConfig{
		ID:             s.ID,
		Host:           s.Host,
		Port:           s.Port,
		User:           s.User,
		KeyPath:        s.KeyPath,
		PasswordEnv:    s.PasswordEnv,
		KnownHostsPath: s.KnownHostsPath,
		PreferMosh:     s.Transport == config.TransportPreferMosh,
	}
}

// connectLoop runs the retry loop and, on success, the read loop. It owns
// the start claim and releases it on every exit path.
func (c *Coordinator) connectLoop(ctx context.Context) {
	defer c.registry.FinishShellStart(c.sessionID)

	var lastErr error
	for attempt := 1; attempt <= maxConnectAttempts; attempt++ {
		if ctx.Err() != nil {
			c.setState(state.Disconnected())
			return
		}

		if attempt == 1 {
			c.setState(state.Connecting())
		} else {
			c.setState(state.Reconnecting(attempt))
		}

		res, skipTmux, err := c.startShellOnce(ctx)
		if err == nil {
			c.registry.RegisterShell(c.sessionID, res.ID, c.clientRef(), res.Transport, res.FallbackReason, skipTmux)
			c.registry.FinishShellStart(c.sessionID)
			c.recordShellStarted(res)
			c.hooks.AfterShellStarted(ctx, c.sessionID)
			if s, ok := c.currentSurface(); ok {
				s.NotifyReady()
			}
			c.setState(state.Connected())
			c.readLoop(ctx, res.ID)
			return
		}
		lastErr = err
		fmt.Printf("[coordinator %s] attempt %d/%d failed: %v\n", c.sessionID, attempt, maxConnectAttempts, err)

		shared := c.registry.SharedClientCount(c.clientRef(), c.sessionID)
		decision := c.policy.Decide(err, shared)
		if !decision.Retry {
			break
		}
		if decision.ResetClient {
			c.resetClient()
		}
		if attempt < maxConnectAttempts {
			if !c.sleep(ctx, c.backoffFor(attempt+1)) {
				c.setState(state.Disconnected())
				return
			}
		}
	}

	msg := "connection failed"
	if lastErr != nil {
		msg = lastErr.Error()
	}
	c.setState(state.Failed(msg))
	// Make the failure visible in the terminal itself, not only the state.
	if s, ok := c.currentSurface(); ok {
		s.FeedInboundBytes([]byte("\r\n[shellmux] " + msg + "\r\n"))
	}
}

// backoffFor returns the delay preceding retry attempt n: 2^(n-1) seconds.
func (c *Coordinator) backoffFor(attempt int) time.Duration {
	return c.backoffBase * time.Duration(1<<(attempt-1))
}

// sleep waits for d or until ctx is cancelled; reports false on cancel.
func (c *Coordinator) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// startShellOnce performs one complete attempt: connect, size, plan, start.
func (c *Coordinator) startShellOnce(ctx context.Context) (transport.ShellResult, bool, error) {
	client := c.clientRef()

	if err := client.Connect(ctx); err != nil {
		return transport.ShellResult{}, false, err
	}

	// Initial size is captured before the first shell-start request so the
	// remote PTY is sized correctly from creation.
	cols, rows := config.DefaultTerminalCols, config.DefaultTerminalRows
	if s, ok := c.currentSurface(); ok {
		if sc, sr, sized := s.CurrentGridSize(); sized {
			cols, rows = sc, sr
		}
	}
	c.mu.Lock()
	c.lastCols, c.lastRows = cols, rows
	c.mu.Unlock()

	plan, tmuxStatus := c.planner.Plan(ctx, client, c.server.Tmux, c.tmuxSessionName())
	c.recordTmux(tmuxStatus, plan.SessionName)

	if err := c.hooks.BeforeShellStart(ctx, c.sessionID); err != nil {
		return transport.ShellResult{}, false, err
	}

	res, err := client.StartShell(ctx, cols, rows, plan.Command)
	if err != nil {
		return transport.ShellResult{}, false, err
	}
	return res, plan.SkipLifecycle, nil
}

// readLoop forwards inbound chunks to the rendering surface until the
// stream ends or the session disappears from the registry. The existence
// check runs per chunk so closing the tab elsewhere stops the loop within
// one message; the surface is re-resolved per chunk so a recreated UI
// surface picks up the stream the moment it registers.
func (c *Coordinator) readLoop(ctx context.Context, shellID transport.ShellID) {
	out := c.clientRef().Output(shellID)
	for {
		select {
		case chunk, ok := <-out:
			if !ok {
				if ctx.Err() != nil {
					// Cancel or suspend already tore things down.
					return
				}
				// Normal stream end: remote shell exited.
				c.finishReadLoop(true)
				return
			}
			if !c.registry.Exists(c.sessionID) {
				return
			}
			if s, sok := c.currentSurface(); sok {
				s.FeedInboundBytes(chunk)
			}
			c.store.TouchActivity(c.sessionID, time.Now())
		case <-ctx.Done():
			return
		}
	}
}

// finishReadLoop handles a clean remote exit.
func (c *Coordinator) finishReadLoop(notify bool) {
	c.registry.ClearShell(c.sessionID)
	c.setState(state.Disconnected())
	if notify {
		if s, ok := c.currentSurface(); ok {
			s.NotifyProcessExit()
		}
	}
	fmt.Printf("[coordinator %s] shell exited\n", c.sessionID)
}

// resetClient tears the current transport client down and builds a fresh
// one for the next attempt. The old client is disconnected first so a
// pooled factory sees it dead and hands out a replacement.
func (c *Coordinator) resetClient() {
	c.mu.Lock()
	old := c.client
	c.client = nil
	c.mu.Unlock()
	if old != nil {
		_ = old.Disconnect()
	}
	c.mu.Lock()
	c.client = c.factory(serverConfig(c.server))
	c.mu.Unlock()
}

func (c *Coordinator) clientRef() transport.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.client
}

// SendInput routes keystrokes to the session's current shell. The route is
// looked up in the registry at call time, so a coordinator recreated for an
// existing session sends to the right place, in submission order.
func (c *Coordinator) SendInput(data []byte) error {
	return c.registry.SendToShell(c.sessionID, data)
}

// ReportGridResize forwards a layout size change to the remote PTY,
// debounced by comparing against the last forwarded size so redundant
// window-change requests never reach the transport.
func (c *Coordinator) ReportGridResize(cols, rows int) {
	c.mu.Lock()
	if cols == c.lastCols && rows == c.lastRows {
		c.mu.Unlock()
		return
	}
	c.lastCols, c.lastRows = cols, rows
	c.mu.Unlock()

	shellID, ok := c.registry.ShellHandle(c.sessionID)
	if !ok {
		return
	}
	client, ok := c.registry.TransportClient(c.sessionID)
	if !ok {
		return
	}
	if err := client.Resize(shellID, cols, rows); err != nil {
		fmt.Printf("[coordinator %s] resize failed: %v\n", c.sessionID, err)
	}
}

// CancelShell is the full teardown: stop any in-flight work, close the
// remote shell, clear the registry entry and release the surface. The
// session is gone afterwards.
func (c *Coordinator) CancelShell() {
	c.stopTask()
	c.closeRemoteShell()
	c.registry.Remove(c.sessionID)
	c.setState(state.Disconnected())
	fmt.Printf("[coordinator %s] cancelled\n", c.sessionID)
}

// SuspendShell stops the in-flight task and closes the remote shell but
// preserves the surface registration for reuse — the tab still exists, the
// UI just navigated away. A later StartConnection starts a fresh shell.
func (c *Coordinator) SuspendShell() {
	c.stopTask()
	c.closeRemoteShell()
	c.registry.ClearShell(c.sessionID)
	c.registry.FinishShellStart(c.sessionID)
	c.setState(state.Disconnected())
	c.recordSuspendedTmux()
	fmt.Printf("[coordinator %s] suspended\n", c.sessionID)
}

func (c *Coordinator) stopTask() {
	c.mu.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (c *Coordinator) closeRemoteShell() {
	shellID, ok := c.registry.ShellHandle(c.sessionID)
	if !ok {
		return
	}
	if client, found := c.registry.TransportClient(c.sessionID); found {
		if err := client.CloseShell(shellID); err != nil {
			fmt.Printf("[coordinator %s] close shell failed: %v\n", c.sessionID, err)
		}
	}
}

// tmuxSessionName derives the multiplexer session name: stable per session
// so a suspended or restarted daemon can reattach.
func (c *Coordinator) tmuxSessionName() string {
	if sess, ok := c.store.GetSession(c.sessionID); ok && sess.TmuxSessionName != "" {
		return sess.TmuxSessionName
	}
	short := c.sessionID
	if len(short) > 8 {
		short = short[:8]
	}
	return fmt.Sprintf("%s-%s", c.server.TmuxSessionPrefix, short)
}

func (c *Coordinator) setState(cs state.ConnectionState) {
	c.store.SetConnectionState(c.sessionID, cs)
}

func (c *Coordinator) recordTmux(status state.TmuxStatus, sessionName string) {
	sess, ok := c.store.GetSession(c.sessionID)
	if !ok {
		return
	}
	sess.TmuxStatus = status
	if sessionName != "" {
		sess.TmuxSessionName = sessionName
	}
	_ = c.store.UpdateSession(sess)
}

func (c *Coordinator) recordShellStarted(res transport.ShellResult) {
	sess, ok := c.store.GetSession(c.sessionID)
	if !ok {
		return
	}
	sess.ActiveTransport = res.Transport
	sess.FallbackReason = res.FallbackReason
	sess.LastActivity = time.Now()
	_ = c.store.UpdateSession(sess)
}

// recordSuspendedTmux flips a foreground tmux session to background: the
// multiplexer keeps running detached after the shell channel closes.
func (c *Coordinator) recordSuspendedTmux() {
	sess, ok := c.store.GetSession(c.sessionID)
	if !ok {
		return
	}
	if sess.TmuxStatus == state.TmuxForeground {
		sess.TmuxStatus = state.TmuxBackground
		_ = c.store.UpdateSession(sess)
	}
}
