package state

import "time"

// Store defines the interface for session state access and persistence.
type Store interface {
	GetSessions() []Session
	GetSession(id string) (Session, bool)
	AddSession(sess Session)
	UpdateSession(sess Session) error
	RemoveSession(id string)
	SetConnectionState(id string, cs ConnectionState)
	TouchActivity(id string, at time.Time)

	Save() error
}

// Ensure State implements Store at compile time.
var _ Store = (*State)(nil)
