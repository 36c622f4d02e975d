package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shellmux/shellmux/internal/config"
	"github.com/shellmux/shellmux/internal/state"
	"github.com/shellmux/shellmux/internal/surface"
)

func newTestManager(clients ...*fakeShellClient) (*Manager, *fakeStore, *Registry) {
	cfg := &config.Config{Servers: []config.Server{testServer()}}
	store := newFakeStore()
	reg := NewRegistry()
	qf := &queueFactory{clients: clients}
	m := NewManager(cfg, store, reg, plainShellPlanner(), qf.factory, nil)
	return m, store, reg
}

func TestOpenSession(t *testing.T) {
	m, store, _ := newTestManager(newFakeShellClient())

	sess, err := m.OpenSession("srv1", "my shell")
	require.NoError(t, err)
	assert.NotEmpty(t, sess.ID)
	assert.Equal(t, "srv1", sess.ServerID)
	assert.Equal(t, "my shell", sess.Title)
	assert.Equal(t, state.PhaseDisconnected, sess.ConnectionState.Phase)

	stored, ok := store.GetSession(sess.ID)
	require.True(t, ok)
	assert.Equal(t, sess.ID, stored.ID)
}

func TestOpenSessionDefaultsTitle(t *testing.T) {
	m, _, _ := newTestManager(newFakeShellClient())

	sess, err := m.OpenSession("srv1", "")
	require.NoError(t, err)
	assert.Equal(t, "Test Server", sess.Title)
}

func TestOpenSessionUnknownServer(t *testing.T) {
	m, _, _ := newTestManager(newFakeShellClient())

	_, err := m.OpenSession("nope", "")
	assert.Error(t, err)
}

func TestSplitSessionInheritsServer(t *testing.T) {
	m, store, _ := newTestManager(newFakeShellClient())

	parent, err := m.OpenSession("srv1", "parent")
	require.NoError(t, err)

	child, err := m.SplitSession(parent.ID)
	require.NoError(t, err)
	assert.Equal(t, parent.ServerID, child.ServerID)
	assert.Equal(t, parent.ID, child.ParentSessionID)

	stored, ok := store.GetSession(child.ID)
	require.True(t, ok)
	assert.Equal(t, parent.ID, stored.ParentSessionID)
}

func TestAttachStartsShell(t *testing.T) {
	client := newFakeShellClient()
	m, store, reg := newTestManager(client)

	sess, err := m.OpenSession("srv1", "")
	require.NoError(t, err)

	surf := surface.NewBuffered(8)
	require.NoError(t, m.Attach(sess.ID, surf))

	select {
	case <-surf.Ready():
	case <-time.After(testTimeout):
		t.Fatal("shell never became ready")
	}
	assert.True(t, reg.HasShell(sess.ID))
	require.True(t, store.waitForPhase(sess.ID, state.PhaseConnected, testTimeout))
}

func TestSessionsOnSameServerShareClient(t *testing.T) {
	// Two sessions on one server ride one pooled connection, so the
	// shared-client check protects a real sibling.
	cfg := &config.Config{Servers: []config.Server{testServer()}}
	store := newFakeStore()
	reg := NewRegistry()
	qf := &queueFactory{clients: []*fakeShellClient{newFakeShellClient()}}
	m := NewManager(cfg, store, reg, plainShellPlanner(), qf.factory, nil)

	a, err := m.OpenSession("srv1", "")
	require.NoError(t, err)
	b, err := m.OpenSession("srv1", "")
	require.NoError(t, err)

	surfA := surface.NewBuffered(8)
	require.NoError(t, m.Attach(a.ID, surfA))
	waitReady(t, surfA)

	surfB := surface.NewBuffered(8)
	require.NoError(t, m.Attach(b.ID, surfB))
	waitReady(t, surfB)

	assert.Equal(t, 1, qf.callCount(), "one connection per server")
	client, ok := reg.TransportClient(a.ID)
	require.True(t, ok)
	assert.Equal(t, 1, reg.SharedClientCount(client, a.ID), "sibling session shares the client")
}

func TestAttachUnknownSession(t *testing.T) {
	m, _, _ := newTestManager(newFakeShellClient())
	err := m.Attach("missing", surface.NewBuffered(8))
	assert.Error(t, err)
}

func TestCloseSessionTearsDownEverything(t *testing.T) {
	client := newFakeShellClient()
	m, store, reg := newTestManager(client)

	sess, err := m.OpenSession("srv1", "")
	require.NoError(t, err)
	surf := surface.NewBuffered(8)
	require.NoError(t, m.Attach(sess.ID, surf))
	select {
	case <-surf.Ready():
	case <-time.After(testTimeout):
		t.Fatal("shell never became ready")
	}

	require.NoError(t, m.CloseSession(sess.ID))

	assert.False(t, reg.Exists(sess.ID))
	_, ok := store.GetSession(sess.ID)
	assert.False(t, ok)
	assert.NotEmpty(t, client.closed, "remote shell must be closed")
}

func TestSuspendSessionKeepsRecord(t *testing.T) {
	client := newFakeShellClient()
	m, store, reg := newTestManager(client)

	sess, err := m.OpenSession("srv1", "")
	require.NoError(t, err)
	surf := surface.NewBuffered(8)
	require.NoError(t, m.Attach(sess.ID, surf))
	select {
	case <-surf.Ready():
	case <-time.After(testTimeout):
		t.Fatal("shell never became ready")
	}

	require.NoError(t, m.SuspendSession(sess.ID))

	assert.False(t, reg.HasShell(sess.ID))
	assert.True(t, reg.Exists(sess.ID), "suspend keeps the registry entry")
	_, ok := store.GetSession(sess.ID)
	assert.True(t, ok, "suspend keeps the session record")
}

func TestListReturnsAllSessions(t *testing.T) {
	m, _, _ := newTestManager(newFakeShellClient())

	_, err := m.OpenSession("srv1", "one")
	require.NoError(t, err)
	_, err = m.OpenSession("srv1", "two")
	require.NoError(t, err)

	assert.Len(t, m.List(), 2)
}
