package client

import (
	"errors"
	"fmt"
)

var (
	// ErrStopped is returned by calls made after Stop.
	ErrStopped = errors.New("client stopped")
	// ErrNotConnected is returned when a socket frame is sent without a live connection.
	ErrNotConnected = errors.New("websocket not connected")
	// ErrNotLoggedIn is returned by calls that need the authenticated user.
	ErrNotLoggedIn = errors.New("not logged in")
)

// AuthenticationError is published as an "error" event once the server has
// rejected the credentials MaxAuthFailures times in a row. The client stops
// reconnecting after emitting it.
type AuthenticationError struct {
	Err      error
	Failures int
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("authentication rejected %d times: %v", e.Failures, e.Err)
}

func (e *AuthenticationError) Unwrap() error {
	return e.Err
}

// LoadError is published as an "error" event when a directory load fails.
type LoadError struct {
	Err error
	Msg string
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("%s: %v", e.Msg, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}
