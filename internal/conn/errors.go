package conn

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidTransition is returned when an event is not allowed in the current state.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrNotConnected is returned by Call when the channel is not usable.
	ErrNotConnected = errors.New("not connected")

	// ErrConnectionLost fails calls still waiting when the channel drops.
	ErrConnectionLost = errors.New("connection lost")

	// ErrClosed is returned once the supervisor has been closed.
	ErrClosed = errors.New("supervisor closed")

	// ErrSuperseded is returned by an attempt that a concurrent Retry or Close replaced.
	ErrSuperseded = errors.New("connect attempt superseded")
)

// AuthError means the one-shot token could not be fetched.
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("token fetch failed: %v", e.Err)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// ConnectError means the websocket could not be opened.
type ConnectError struct {
	URL    string // token redacted
	Status int    // HTTP status of a rejected handshake, 0 otherwise
	Err    error
}

func (e *ConnectError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("connect %s: handshake status %d: %v", e.URL, e.Status, e.Err)
	}
	return fmt.Sprintf("connect %s: %v", e.URL, e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}
