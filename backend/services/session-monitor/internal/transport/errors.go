package transport

import (
	"errors"
	"fmt"
)

var (
	// ErrRequestTimeout is returned when no response arrived in time.
	ErrRequestTimeout = errors.New("transport: request timed out")
	// ErrAuthenticationRequired means the channel cannot be authenticated
	// with the current token. Callers fall back to polling.
	ErrAuthenticationRequired = errors.New("transport: authentication required")
	// ErrNotConnected is returned while no authenticated channel exists.
	ErrNotConnected = errors.New("transport: not connected")
	// ErrClosed is returned after Disconnect.
	ErrClosed = errors.New("transport: closed")
)

// CodeRejected marks a command the backend answered without success.
const CodeRejected = "Rejected"

// RemoteError is an error-shaped response from the peer.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}
