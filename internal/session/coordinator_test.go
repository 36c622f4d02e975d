package session

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shellmux/shellmux/internal/state"
	"github.com/shellmux/shellmux/internal/surface"
	"github.com/shellmux/shellmux/internal/transport"
)

const testTimeout = 5 * time.Second

func newTestCoordinator(t *testing.T, store *fakeStore, clients ...*fakeShellClient) (*Coordinator, *queueFactory, *Registry) {
	t.Helper()
	reg := NewRegistry()
	qf := &queueFactory{clients: clients}
	coord := NewCoordinator("s1", testServer(), reg, store, plainShellPlanner(), qf.factory, nil)
	coord.backoffBase = time.Millisecond
	return coord, qf, reg
}

func waitReady(t *testing.T, surf *surface.Buffered) {
	t.Helper()
	select {
	case <-surf.Ready():
	case <-time.After(testTimeout):
		t.Fatal("shell never became ready")
	}
}

func transportErr(op string) error {
	return &transport.TransportError{Op: op, Err: errors.New("connection refused")}
}

func TestConnectFirstAttemptSucceeds(t *testing.T) {
	store := newFakeStore(testSession("s1"))
	client := newFakeShellClient()
	coord, qf, reg := newTestCoordinator(t, store, client)

	surf := surface.NewBuffered(8)
	coord.StartConnection(surf)
	waitReady(t, surf)

	require.True(t, store.waitForPhase("s1", state.PhaseConnected, testTimeout))
	assert.True(t, reg.HasShell("s1"))
	assert.Equal(t, 1, qf.callCount())

	phases := store.recordedPhases()
	require.NotEmpty(t, phases)
	assert.Equal(t, state.PhaseConnecting, phases[0].Phase)
}

func TestConnectRetriesThenSucceeds(t *testing.T) {
	// Two unreachable attempts, then success: the UI must see
	// reconnecting(2) and reconnecting(3) before connected.
	store := newFakeStore(testSession("s1"))
	bad1 := newFakeShellClient()
	bad1.connectErrs = []error{transportErr("dial")}
	bad2 := newFakeShellClient()
	bad2.connectErrs = []error{transportErr("dial")}
	good := newFakeShellClient()
	coord, qf, _ := newTestCoordinator(t, store, bad1, bad2, good)

	surf := surface.NewBuffered(8)
	coord.StartConnection(surf)
	waitReady(t, surf)

	require.True(t, store.waitForPhase("s1", state.PhaseConnected, testTimeout))

	var attempts []int
	for _, cs := range store.recordedPhases() {
		if cs.Phase == state.PhaseReconnecting {
			attempts = append(attempts, cs.Attempt)
		}
	}
	assert.Equal(t, []int{2, 3}, attempts)

	// Transport failures reset the client, so the factory was consulted
	// once per attempt.
	assert.Equal(t, 3, qf.callCount())
	assert.Equal(t, 1, bad1.disconnectCount())
	assert.Equal(t, 1, bad2.disconnectCount())
}

func TestConnectFailsAfterRetryBudget(t *testing.T) {
	store := newFakeStore(testSession("s1"))
	clients := make([]*fakeShellClient, 3)
	for i := range clients {
		clients[i] = newFakeShellClient()
		clients[i].connectErrs = []error{transportErr("dial")}
	}
	coord, _, reg := newTestCoordinator(t, store, clients...)

	surf := surface.NewBuffered(8)
	coord.StartConnection(surf)

	require.True(t, store.waitForPhase("s1", state.PhaseFailed, testTimeout))

	sess, ok := store.GetSession("s1")
	require.True(t, ok)
	assert.NotEmpty(t, sess.ConnectionState.Message)
	assert.False(t, reg.HasShell("s1"))

	// The failure is also made visible in the terminal output.
	select {
	case chunk := <-surf.Output():
		assert.Contains(t, string(chunk), "connection refused")
	case <-time.After(testTimeout):
		t.Fatal("no failure text reached the surface")
	}

	// The claim is released, so a manual retry is possible.
	assert.True(t, reg.TryBeginShellStart("s1", newFakeShellClient()))
}

func TestBackoffDoublesBetweenAttempts(t *testing.T) {
	store := newFakeStore(testSession("s1"))
	clients := make([]*fakeShellClient, 3)
	for i := range clients {
		clients[i] = newFakeShellClient()
		clients[i].connectErrs = []error{transportErr("dial")}
	}
	coord, _, _ := newTestCoordinator(t, store, clients...)
	coord.backoffBase = 20 * time.Millisecond

	start := time.Now()
	surf := surface.NewBuffered(8)
	coord.StartConnection(surf)
	require.True(t, store.waitForPhase("s1", state.PhaseFailed, testTimeout))

	// Delays are base*2 before attempt 2 and base*4 before attempt 3.
	assert.GreaterOrEqual(t, time.Since(start), 6*coord.backoffBase)
}

func TestAuthErrorNeverRetries(t *testing.T) {
	store := newFakeStore(testSession("s1"))
	client := newFakeShellClient()
	client.connectErrs = []error{&transport.AuthError{Op: "authenticate", Err: errors.New("permission denied")}}
	coord, qf, _ := newTestCoordinator(t, store, client)

	surf := surface.NewBuffered(8)
	coord.StartConnection(surf)
	require.True(t, store.waitForPhase("s1", state.PhaseFailed, testTimeout))

	for _, cs := range store.recordedPhases() {
		assert.NotEqual(t, state.PhaseReconnecting, cs.Phase, "auth failure must not trigger retries")
	}
	assert.Equal(t, 1, qf.callCount())
	assert.Equal(t, 1, client.connectCount())
}

func TestChannelErrorKeepsSharedClient(t *testing.T) {
	// A channel-level failure on a client another session still uses must
	// retry on the same client instead of resetting it.
	store := newFakeStore(testSession("s1"))
	shared := newFakeShellClient()
	shared.startErrs = []error{&transport.ChannelError{Op: "channel-open", Err: errors.New("open failed")}}

	reg := NewRegistry()
	reg.RegisterShell("sibling", "fake/shell-9", shared, state.TransportSSH, state.FallbackNone, false)

	qf := &queueFactory{clients: []*fakeShellClient{shared}}
	coord := NewCoordinator("s1", testServer(), reg, store, plainShellPlanner(), qf.factory, nil)
	coord.backoffBase = time.Millisecond

	surf := surface.NewBuffered(8)
	coord.StartConnection(surf)
	waitReady(t, surf)

	require.True(t, store.waitForPhase("s1", state.PhaseConnected, testTimeout))
	assert.Equal(t, 0, shared.disconnectCount(), "shared client must not be reset")
	assert.Equal(t, 1, qf.callCount(), "no replacement client built")
	assert.Equal(t, 2, shared.startCount())
}

func TestStartConnectionIsIdempotent(t *testing.T) {
	store := newFakeStore(testSession("s1"))
	client := newFakeShellClient()
	coord, _, _ := newTestCoordinator(t, store, client)

	surf := surface.NewBuffered(8)
	coord.StartConnection(surf)
	waitReady(t, surf)
	require.True(t, store.waitForPhase("s1", state.PhaseConnected, testTimeout))

	// A second call with a live shell reuses it.
	coord.StartConnection(surf)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 1, client.startCount())
}

func TestCancelStopsReadLoopAndRemovesSession(t *testing.T) {
	store := newFakeStore(testSession("s1"))
	client := newFakeShellClient()
	coord, _, reg := newTestCoordinator(t, store, client)

	surf := surface.NewBuffered(64)
	coord.StartConnection(surf)
	waitReady(t, surf)

	client.feed([]byte("before"))
	select {
	case chunk := <-surf.Output():
		assert.Equal(t, "before", string(chunk))
	case <-time.After(testTimeout):
		t.Fatal("chunk never reached surface")
	}

	coord.CancelShell()

	assert.False(t, reg.Exists("s1"))
	assert.Equal(t, []transport.ShellID{"fake/shell-1"}, client.closed)
	assert.Equal(t, state.PhaseDisconnected, store.currentPhase("s1"))
}

func TestSuspendKeepsSurfaceAndAllowsRestart(t *testing.T) {
	sess := testSession("s1")
	sess.TmuxStatus = state.TmuxForeground
	store := newFakeStore(sess)
	client := newFakeShellClient()

	reg := NewRegistry()
	qf := &queueFactory{clients: []*fakeShellClient{client, newFakeShellClient()}}
	coord := NewCoordinator("s1", testServer(), reg, store, tmuxPlanner("sx-s1"), qf.factory, nil)
	coord.backoffBase = time.Millisecond

	surf := surface.NewBuffered(8)
	coord.StartConnection(surf)
	waitReady(t, surf)
	require.True(t, store.waitForPhase("s1", state.PhaseConnected, testTimeout))

	coord.SuspendShell()

	assert.True(t, reg.Exists("s1"), "suspend keeps the session entry")
	assert.False(t, reg.HasShell("s1"))
	_, hasSurf := reg.Surface("s1")
	assert.True(t, hasSurf, "suspend keeps the surface")

	got, ok := store.GetSession("s1")
	require.True(t, ok)
	assert.Equal(t, state.TmuxBackground, got.TmuxStatus, "tmux session keeps running detached")

	// Restart produces a fresh shell through a fresh coordinator run.
	surf2 := surface.NewBuffered(8)
	coord2 := NewCoordinator("s1", testServer(), reg, store, tmuxPlanner("sx-s1"), qf.factory, nil)
	coord2.backoffBase = time.Millisecond
	coord2.StartConnection(surf2)
	waitReady(t, surf2)
	assert.True(t, reg.HasShell("s1"))
}

func TestResizeDebounce(t *testing.T) {
	store := newFakeStore(testSession("s1"))
	client := newFakeShellClient()
	coord, _, _ := newTestCoordinator(t, store, client)

	surf := surface.NewBuffered(8)
	surf.SetGridSize(80, 24)
	coord.StartConnection(surf)
	waitReady(t, surf)

	// Same as the size the shell started with: nothing to forward.
	coord.ReportGridResize(80, 24)
	assert.Equal(t, 0, client.resizeCount())

	coord.ReportGridResize(120, 40)
	coord.ReportGridResize(120, 40)
	assert.Equal(t, 1, client.resizeCount(), "identical size must not be re-sent")

	coord.ReportGridResize(81, 24)
	assert.Equal(t, 2, client.resizeCount())
}

func TestFallbackMetadataRecorded(t *testing.T) {
	// A mosh-configured server without mosh-server comes up over SSH; the
	// session record carries the transport and the reason.
	store := newFakeStore(testSession("s1"))
	client := newFakeShellClient()
	client.result = transport.ShellResult{
		ID:             "fake/shell-1",
		Transport:      state.TransportSSHFallback,
		FallbackReason: state.FallbackServerMissing,
	}
	coord, _, reg := newTestCoordinator(t, store, client)

	surf := surface.NewBuffered(8)
	coord.StartConnection(surf)
	waitReady(t, surf)

	sess, ok := store.GetSession("s1")
	require.True(t, ok)
	assert.Equal(t, state.TransportSSHFallback, sess.ActiveTransport)
	assert.Equal(t, state.FallbackServerMissing, sess.FallbackReason)

	tr, reason, ok := reg.TransportInfo("s1")
	require.True(t, ok)
	assert.Equal(t, state.TransportSSHFallback, tr)
	assert.Equal(t, state.FallbackServerMissing, reason)
}

func TestSurfaceRecreationReroutesOutput(t *testing.T) {
	// The UI destroys and recreates its surface while the shell keeps
	// running (rapid tab switching, websocket reconnect). Output must
	// follow the registered surface, not the one captured at start.
	store := newFakeStore(testSession("s1"))
	client := newFakeShellClient()
	coord, _, _ := newTestCoordinator(t, store, client)

	first := surface.NewBuffered(8)
	coord.StartConnection(first)
	waitReady(t, first)

	replacement := surface.NewBuffered(8)
	coord.StartConnection(replacement)
	waitReady(t, replacement)

	client.feed([]byte("hello"))

	select {
	case chunk := <-replacement.Output():
		assert.Equal(t, "hello", string(chunk))
	case <-time.After(testTimeout):
		t.Fatal("output never reached the replacement surface")
	}
	select {
	case chunk := <-first.Output():
		t.Fatalf("torn-down surface still received %q", chunk)
	default:
	}

	// Remote exit is reported to the replacement too.
	client.closeOutput()
	select {
	case <-replacement.Exited():
	case <-time.After(testTimeout):
		t.Fatal("replacement surface never notified of process exit")
	}
}

func TestRemoteExitNotifiesSurface(t *testing.T) {
	store := newFakeStore(testSession("s1"))
	client := newFakeShellClient()
	coord, _, reg := newTestCoordinator(t, store, client)

	surf := surface.NewBuffered(8)
	coord.StartConnection(surf)
	waitReady(t, surf)

	// Remote shell exits: output channel closes.
	client.closeOutput()

	select {
	case <-surf.Exited():
	case <-time.After(testTimeout):
		t.Fatal("surface never notified of process exit")
	}
	require.True(t, store.waitForPhase("s1", state.PhaseDisconnected, testTimeout))
	assert.False(t, reg.HasShell("s1"))
}

func TestInputRoutesThroughRegistry(t *testing.T) {
	store := newFakeStore(testSession("s1"))
	client := newFakeShellClient()
	coord, _, _ := newTestCoordinator(t, store, client)

	surf := surface.NewBuffered(8)
	coord.StartConnection(surf)
	waitReady(t, surf)

	surf.SubmitInput([]byte("ls\r"))

	deadline := time.Now().Add(testTimeout)
	for time.Now().Before(deadline) {
		if len(client.writesSnapshot()) == 1 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	writes := client.writesSnapshot()
	require.Len(t, writes, 1)
	assert.Equal(t, "ls\r", string(writes[0]))
}
