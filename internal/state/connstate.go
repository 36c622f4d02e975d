package state

import "fmt"

// Phase is the coarse connection lifecycle phase of a session.
type Phase string

const (
	PhaseDisconnected Phase = "disconnected"
	PhaseConnecting   Phase = "connecting"
	PhaseConnected    Phase = "connected"
	PhaseReconnecting Phase = "reconnecting"
	PhaseFailed       Phase = "failed"
)

// ConnectionState is a small state machine value shared between the UI and
// the coordinator. Attempt is meaningful only for PhaseReconnecting, Message
// only for PhaseFailed.
type ConnectionState struct {
	Phase   Phase  `json:"phase"`
	Attempt int    `json:"attempt,omitempty"`
	Message string `json:"message,omitempty"`
}

func Disconnected() ConnectionState { return ConnectionState{Phase: PhaseDisconnected} }
func Connecting() ConnectionState   { return ConnectionState{Phase: PhaseConnecting} }
func Connected() ConnectionState    { return ConnectionState{Phase: PhaseConnected} }

// Reconnecting reports attempt n of the retry budget (n > 1).
func Reconnecting(attempt int) ConnectionState {
	return ConnectionState{Phase: PhaseReconnecting, Attempt: attempt}
}

// Failed is the terminal state after the retry budget is exhausted.
func Failed(message string) ConnectionState {
	return ConnectionState{Phase: PhaseFailed, Message: message}
}

// AllowsShellStart reports whether a shell-start attempt may be in flight in
// this state. Only connecting and reconnecting permit one.
func (c ConnectionState) AllowsShellStart() bool {
	return c.Phase == PhaseConnecting || c.Phase == PhaseReconnecting
}

func (c ConnectionState) String() string {
	switch c.Phase {
	case PhaseReconnecting:
		return fmt.Sprintf("reconnecting (attempt %d)", c.Attempt)
	case PhaseFailed:
		return fmt.Sprintf("failed: %s", c.Message)
	default:
		return string(c.Phase)
	}
}
