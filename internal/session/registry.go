// Package session coordinates remote shell lifecycles: the process-wide
// registry mapping sessions to transport clients and shells, and the
// per-session coordinator driving connect, retry, read-loop and teardown.
package session

import (
	"fmt"
	"sync"

	"github.com/shellmux/shellmux/internal/state"
	"github.com/shellmux/shellmux/internal/surface"
	"github.com/shellmux/shellmux/internal/transport"
)

const writeQueueDepth = 256

// Registry is the single source of truth for "does a shell already exist
// for this session". It owns the transport clients and write routes; UI
// wrappers hold only session IDs and resolve live objects through lookups,
// so tearing down and recreating a UI surface never orphans a live shell.
//
// All mutations are serialized behind one mutex; no locks are exposed to
// callers.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	sessionID string
	client    transport.Client

	shellID  transport.ShellID
	hasShell bool

	startInFlight bool

	surface surface.Surface

	// Ordered write route: one queue and one writer goroutine per live
	// shell, so concurrent SendToShell calls for a session never reorder.
	writeQ    chan []byte
	writeStop chan struct{}

	cancelHandler  func()
	suspendHandler func()

	activeTransport   state.Transport
	fallbackReason    state.FallbackReason
	skipTmuxLifecycle bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// TryBeginShellStart atomically claims the right to start a shell for the
// session. Returns false when a start is already in flight or a shell
// already exists — the caller must then reuse instead of recreate.
func (r *Registry) TryBeginShellStart(sessionID string, client transport.Client) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e := r.entries[sessionID]
	if e == nil {
		e = &entry{sessionID: sessionID}
		r.entries[sessionID] = e
	}
	if e.startInFlight || e.hasShell {
		return false
	}
	e.startInFlight = true
	e.client = client
	return true
}

// FinishShellStart releases the start claim regardless of outcome.
// Idempotent.
func (r *Registry) FinishShellStart(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e := r.entries[sessionID]; e != nil {
		e.startInFlight = false
	}
}

// RegisterShell records a successfully started shell and starts its ordered
// write route.
func (r *Registry) RegisterShell(sessionID string, shellID transport.ShellID, client transport.Client, tr state.Transport, reason state.FallbackReason, skipTmuxLifecycle bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e := r.entries[sessionID]
	if e == nil {
		e = &entry{sessionID: sessionID}
		r.entries[sessionID] = e
	}
	if e.writeQ != nil {
		r.stopWriterLocked(e)
	}
	e.client = client
	e.shellID = shellID
	e.hasShell = true
	e.activeTransport = tr
	e.fallbackReason = reason
	e.skipTmuxLifecycle = skipTmuxLifecycle

	e.writeQ = make(chan []byte, writeQueueDepth)
	e.writeStop = make(chan struct{})
	go runWriter(client, shellID, e.writeQ, e.writeStop)
}

// runWriter drains one session's write queue in submission order until the
// route is stopped.
func runWriter(client transport.Client, shellID transport.ShellID, q chan []byte, stop chan struct{}) {
	for {
		select {
		case data := <-q:
			if err := client.Write(shellID, data); err != nil {
				fmt.Printf("[registry] write to shell %s failed: %v\n", shellID, err)
			}
		case <-stop:
			return
		}
	}
}

// stopWriterLocked signals the writer to exit and detaches the route. The
// queue itself is never closed: a SendToShell racing a teardown may still
// hold it, and sending on a closed channel would panic. Parked senders
// observe the stop channel and fail their send instead.
func (r *Registry) stopWriterLocked(e *entry) {
	close(e.writeStop)
	e.writeQ = nil
	e.writeStop = nil
}

// ShellHandle returns the shell for a session. Absence is a normal state,
// not an error.
func (r *Registry) ShellHandle(sessionID string) (transport.ShellID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e := r.entries[sessionID]; e != nil && e.hasShell {
		return e.shellID, true
	}
	return "", false
}

// TransportClient returns the client currently backing a session, if any.
func (r *Registry) TransportClient(sessionID string) (transport.Client, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e := r.entries[sessionID]; e != nil && e.client != nil {
		return e.client, true
	}
	return nil, false
}

// TransportInfo returns the transport kind and fallback reason recorded at
// shell start, for display.
func (r *Registry) TransportInfo(sessionID string) (state.Transport, state.FallbackReason, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e := r.entries[sessionID]; e != nil && e.hasShell {
		return e.activeTransport, e.fallbackReason, true
	}
	return "", state.FallbackNone, false
}

// SendToShell routes input bytes through the session's current write route.
// The route is resolved at call time, never captured, so input keeps
// flowing after the coordinator instance that created the shell is gone.
func (r *Registry) SendToShell(sessionID string, data []byte) error {
	r.mu.Lock()
	e := r.entries[sessionID]
	if e == nil || !e.hasShell || e.writeQ == nil {
		r.mu.Unlock()
		return fmt.Errorf("no shell for session %s", sessionID)
	}
	q, stop := e.writeQ, e.writeStop
	chunk := make([]byte, len(data))
	copy(chunk, data)
	r.mu.Unlock()

	// The queue is the per-session ordered execution context. Enqueueing
	// under the caller's goroutine preserves submission order; the single
	// writer prevents interleaving. A teardown racing the send stops the
	// route rather than closing the queue under us.
	select {
	case q <- chunk:
		return nil
	case <-stop:
		return fmt.Errorf("no shell for session %s", sessionID)
	}
}

// RegisterSurface associates the current rendering surface with a session.
// At most one live surface per session; a newer surface replaces the old.
func (r *Registry) RegisterSurface(sessionID string, s surface.Surface) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.entries[sessionID]
	if e == nil {
		e = &entry{sessionID: sessionID}
		r.entries[sessionID] = e
	}
	e.surface = s
}

// UnregisterSurface clears the surface if it is still the registered one.
func (r *Registry) UnregisterSurface(sessionID string, s surface.Surface) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e := r.entries[sessionID]; e != nil && e.surface == s {
		e.surface = nil
	}
}

// Surface returns the live rendering surface for a session, if any.
func (r *Registry) Surface(sessionID string) (surface.Surface, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e := r.entries[sessionID]; e != nil && e.surface != nil {
		return e.surface, true
	}
	return nil, false
}

// RegisterCancelHandler stores the closure invoked when the session is
// closed externally (user closes the tab). Keeps the registry free of UI
// types.
func (r *Registry) RegisterCancelHandler(sessionID string, fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.entries[sessionID]
	if e == nil {
		e = &entry{sessionID: sessionID}
		r.entries[sessionID] = e
	}
	e.cancelHandler = fn
}

// RegisterSuspendHandler stores the closure invoked when the session is
// paused (UI navigated away, tab kept).
func (r *Registry) RegisterSuspendHandler(sessionID string, fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.entries[sessionID]
	if e == nil {
		e = &entry{sessionID: sessionID}
		r.entries[sessionID] = e
	}
	e.suspendHandler = fn
}

// Cancel invokes the session's registered cancel handler, if any.
func (r *Registry) Cancel(sessionID string) {
	r.mu.Lock()
	fn := (func())(nil)
	if e := r.entries[sessionID]; e != nil {
		fn = e.cancelHandler
	}
	r.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// Suspend invokes the session's registered suspend handler, if any.
func (r *Registry) Suspend(sessionID string) {
	r.mu.Lock()
	fn := (func())(nil)
	if e := r.entries[sessionID]; e != nil {
		fn = e.suspendHandler
	}
	r.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// ClearShell drops the shell handle and stops the write route but keeps the
// entry (and its surface) for reuse. The suspend path.
func (r *Registry) ClearShell(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.entries[sessionID]
	if e == nil {
		return
	}
	if e.writeQ != nil {
		r.stopWriterLocked(e)
	}
	e.hasShell = false
	e.shellID = ""
}

// Remove deletes the session entry entirely. The cancel path.
func (r *Registry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.entries[sessionID]
	if e == nil {
		return
	}
	if e.writeQ != nil {
		r.stopWriterLocked(e)
	}
	delete(r.entries, sessionID)
}

// Exists reports whether the session is still registered. The read loop
// checks this on every chunk so external closure stops it promptly.
func (r *Registry) Exists(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[sessionID]
	return ok
}

// HasShell reports whether a live shell is registered for the session.
func (r *Registry) HasShell(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.entries[sessionID]
	return e != nil && e.hasShell
}

// SharedClientCount returns how many OTHER sessions currently use the given
// client. The fallback policy consults this before resetting a client so
// one session's failure doesn't kill a sibling's connection.
func (r *Registry) SharedClientCount(client transport.Client, excludeSessionID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, e := range r.entries {
		if id == excludeSessionID {
			continue
		}
		if e.client == client && (e.hasShell || e.startInFlight) {
			n++
		}
	}
	return n
}

// SessionIDs returns the IDs of all registered sessions.
func (r *Registry) SessionIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	return ids
}
