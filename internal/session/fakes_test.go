package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shellmux/shellmux/internal/config"
	"github.com/shellmux/shellmux/internal/state"
	"github.com/shellmux/shellmux/internal/tmux"
	"github.com/shellmux/shellmux/internal/transport"
)

// fakeStore is an in-memory state.Store that records every connection state
// transition for assertions.
type fakeStore struct {
	mu       sync.Mutex
	sessions map[string]state.Session
	phases   []state.ConnectionState
}

func newFakeStore(sessions ...state.Session) *fakeStore {
	s := &fakeStore{sessions: make(map[string]state.Session)}
	for _, sess := range sessions {
		s.sessions[sess.ID] = sess
	}
	return s
}

func (s *fakeStore) GetSessions() []state.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]state.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	return out
}

func (s *fakeStore) GetSession(id string) (state.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

func (s *fakeStore) AddSession(sess state.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = sess
}

func (s *fakeStore) UpdateSession(sess state.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sess.ID]; !ok {
		return fmt.Errorf("session not found: %s", sess.ID)
	}
	s.sessions[sess.ID] = sess
	return nil
}

func (s *fakeStore) RemoveSession(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
}

func (s *fakeStore) SetConnectionState(id string, cs state.ConnectionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[id]; ok {
		sess.ConnectionState = cs
		s.sessions[id] = sess
	}
	s.phases = append(s.phases, cs)
}

func (s *fakeStore) TouchActivity(id string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[id]; ok {
		sess.LastActivity = at
		s.sessions[id] = sess
	}
}

func (s *fakeStore) Save() error { return nil }

// recordedPhases returns a copy of all SetConnectionState calls so far.
func (s *fakeStore) recordedPhases() []state.ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]state.ConnectionState, len(s.phases))
	copy(out, s.phases)
	return out
}

// currentPhase returns the live connection state of a session.
func (s *fakeStore) currentPhase(id string) state.Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[id].ConnectionState.Phase
}

// waitForPhase polls until the session reaches the phase or times out.
func (s *fakeStore) waitForPhase(id string, phase state.Phase, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if s.currentPhase(id) == phase {
			return true
		}
		time.Sleep(time.Millisecond)
	}
	return false
}

// fakeShellClient is a scriptable transport.Client. Connect and StartShell
// consume per-call error scripts; everything else records its arguments.
type fakeShellClient struct {
	mu sync.Mutex

	connectErrs []error // consumed one per Connect call
	startErrs   []error // consumed one per StartShell call
	result      transport.ShellResult

	connected   bool
	connects    int
	starts      int
	writes      [][]byte
	resizes     [][2]int
	closed      []transport.ShellID
	disconnects int

	out chan []byte
}

func newFakeShellClient() *fakeShellClient {
	return &fakeShellClient{
		result: transport.ShellResult{ID: "fake/shell-1", Transport: state.TransportSSH},
		out:    make(chan []byte, 64),
	}
}

func (c *fakeShellClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connects++
	if len(c.connectErrs) > 0 {
		err := c.connectErrs[0]
		c.connectErrs = c.connectErrs[1:]
		if err != nil {
			return err
		}
	}
	c.connected = true
	return nil
}

func (c *fakeShellClient) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeShellClient) Exec(ctx context.Context, command string) (string, error) {
	return "", nil
}

func (c *fakeShellClient) StartShell(ctx context.Context, cols, rows int, startupCommand string) (transport.ShellResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.starts++
	if len(c.startErrs) > 0 {
		err := c.startErrs[0]
		c.startErrs = c.startErrs[1:]
		if err != nil {
			return transport.ShellResult{}, err
		}
	}
	return c.result, nil
}

func (c *fakeShellClient) Output(id transport.ShellID) <-chan []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.out
}

func (c *fakeShellClient) Write(id transport.ShellID, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	chunk := make([]byte, len(data))
	copy(chunk, data)
	c.writes = append(c.writes, chunk)
	return nil
}

func (c *fakeShellClient) Resize(id transport.ShellID, cols, rows int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resizes = append(c.resizes, [2]int{cols, rows})
	return nil
}

func (c *fakeShellClient) CloseShell(id transport.ShellID) error {
	c.mu.Lock()
	c.closed = append(c.closed, id)
	c.mu.Unlock()
	c.closeOutput()
	return nil
}

func (c *fakeShellClient) Disconnect() error {
	c.mu.Lock()
	c.disconnects++
	c.connected = false
	c.mu.Unlock()
	c.closeOutput()
	return nil
}

// closeOutput ends the current shell's stream and readies a fresh channel
// so the client can back a replacement shell, like a real connection that
// outlives one shell.
func (c *fakeShellClient) closeOutput() {
	c.mu.Lock()
	old := c.out
	c.out = make(chan []byte, 64)
	c.mu.Unlock()
	close(old)
}

// feed pushes a chunk through the output channel as the remote would.
func (c *fakeShellClient) feed(data []byte) {
	c.mu.Lock()
	out := c.out
	c.mu.Unlock()
	out <- data
}

func (c *fakeShellClient) writesSnapshot() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.writes))
	copy(out, c.writes)
	return out
}

func (c *fakeShellClient) resizeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.resizes)
}

func (c *fakeShellClient) connectCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connects
}

func (c *fakeShellClient) startCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.starts
}

func (c *fakeShellClient) disconnectCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnects
}

var _ transport.Client = (*fakeShellClient)(nil)

// queueFactory hands out the given clients in order, then keeps returning
// the last one. It counts invocations.
type queueFactory struct {
	mu      sync.Mutex
	clients []*fakeShellClient
	calls   int
}

func (f *queueFactory) factory(server transport.ServerConfig) transport.Client {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := f.calls
	if idx >= len(f.clients) {
		idx = len(f.clients) - 1
	}
	f.calls++
	return f.clients[idx]
}

func (f *queueFactory) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakePlanner returns a fixed plan without probing.
type fakePlanner struct {
	plan   tmux.Plan
	status state.TmuxStatus
}

func (p *fakePlanner) Plan(ctx context.Context, probe tmux.Prober, mode config.TmuxMode, sessionName string) (tmux.Plan, state.TmuxStatus) {
	return p.plan, p.status
}

var _ tmux.Planner = (*fakePlanner)(nil)

func plainShellPlanner() *fakePlanner {
	return &fakePlanner{plan: tmux.Plan{SkipLifecycle: true}, status: state.TmuxOff}
}

func tmuxPlanner(name string) *fakePlanner {
	return &fakePlanner{
		plan:   tmux.Plan{Command: "tmux new-session -A -s " + name, SessionName: name},
		status: state.TmuxForeground,
	}
}

func testServer() config.Server {
	return config.Server{
		ID:                "srv1",
		Name:              "Test Server",
		Host:              "test.example.com",
		Port:              22,
		User:              "dev",
		Transport:         config.TransportPreferSSH,
		Tmux:              config.TmuxModeAuto,
		TmuxSessionPrefix: "sx",
	}
}

func testSession(id string) state.Session {
	return state.Session{
		ID:              id,
		ServerID:        "srv1",
		Title:           "test",
		TmuxStatus:      state.TmuxUnknown,
		CreatedAt:       time.Now(),
		LastActivity:    time.Now(),
		ConnectionState: state.Disconnected(),
	}
}
