package ws

import (
	"errors"
	"fmt"
)

var (
	// ErrConnectionRejected matches every RejectionError.
	ErrConnectionRejected = errors.New("ws: connection rejected")
	// ErrUnknownConnection is returned for ids not (or no longer) registered.
	ErrUnknownConnection = errors.New("ws: unknown connection")
	// ErrSendBufferFull is returned when a peer's outbound queue is full.
	ErrSendBufferFull = errors.New("ws: send buffer full")
	// ErrPeerClosed is returned when writing to a closed peer.
	ErrPeerClosed = errors.New("ws: peer closed")
)

// RejectionError explains why a handshake never reached CONNECTED.
type RejectionError struct {
	Reason string
	Err    error
}

func (e *RejectionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("ws: connection rejected: %s: %v", e.Reason, e.Err)
	}
	return "ws: connection rejected: " + e.Reason
}

func (e *RejectionError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrConnectionRejected) hold.
func (e *RejectionError) Is(target error) bool { return target == ErrConnectionRejected }

func reject(reason string, err error) error {
	return &RejectionError{Reason: reason, Err: err}
}
