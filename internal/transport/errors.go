package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrorClass groups connection failures by how the retry loop must react.
type ErrorClass int

const (
	// ClassUnknown is anything this package did not produce. Treated like
	// a transport failure for retry purposes.
	ClassUnknown ErrorClass = iota

	// ClassTransport covers socket, timeout and not-connected failures.
	// The client is reset before the next attempt.
	ClassTransport

	// ClassChannel covers channel-open and shell-request failures. The
	// connection itself may still be healthy, so the client is reset only
	// when no other session shares it.
	ClassChannel

	// ClassAuth covers authentication, host-key verification and tunnel
	// configuration failures. Never retried automatically; these need
	// user action.
	ClassAuth
)

// TransportError is a socket-level failure (connect, timeout, broken pipe).
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string { return fmt.Sprintf("transport: %s: %v", e.Op, e.Err) }
func (e *TransportError) Unwrap() error { return e.Err }

// ChannelError is a failure opening a channel or requesting a shell on an
// otherwise live connection.
type ChannelError struct {
	Op  string
	Err error
}

func (e *ChannelError) Error() string { return fmt.Sprintf("channel: %s: %v", e.Op, e.Err) }
func (e *ChannelError) Unwrap() error { return e.Err }

// AuthError is an authentication or host-verification failure.
type AuthError struct {
	Op  string
	Err error
}

func (e *AuthError) Error() string { return fmt.Sprintf("auth: %s: %v", e.Op, e.Err) }
func (e *AuthError) Unwrap() error { return e.Err }

// ErrNotConnected is returned for operations on a disconnected client.
var ErrNotConnected = errors.New("not connected")

// Classify maps an error to its class for the retry/reset decision.
func Classify(err error) ErrorClass {
	if err == nil {
		return ClassUnknown
	}

	var ae *AuthError
	if errors.As(err, &ae) {
		return ClassAuth
	}
	var ce *ChannelError
	if errors.As(err, &ce) {
		return ClassChannel
	}
	var te *TransportError
	if errors.As(err, &te) {
		return ClassTransport
	}

	if errors.Is(err, ErrNotConnected) || errors.Is(err, context.DeadlineExceeded) {
		return ClassTransport
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return ClassTransport
	}

	return ClassUnknown
}
