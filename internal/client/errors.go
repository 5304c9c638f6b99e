package client

import "errors"

var (
	// ErrConnection wraps dial and write failures.
	ErrConnection = errors.New("connection error")
	// ErrConnectionClosed is returned to waiters when the receive loop
	// exits.
	ErrConnectionClosed = errors.New("connection closed")
	// ErrNotConnected is returned when sending before Connect or after
	// the connection dropped.
	ErrNotConnected = errors.New("not connected")
	// ErrTimeout is returned when no matching response arrives in time.
	ErrTimeout = errors.New("timed out waiting for response")
)

// ServerError is an error message the server sent in reply to a request.
type ServerError struct {
	Message string
}

func (e *ServerError) Error() string {
	return "server error: " + e.Message
}
