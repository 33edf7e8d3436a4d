package ocpp

import (
	"errors"
	"fmt"
)

var (
	// ErrParse marks a frame that could not be decoded. The message is
	// dropped; the connection survives.
	ErrParse = errors.New("ocpp: malformed frame")
	// ErrUnsupportedVersion is returned by Dispatch for a version with no
	// registered strategy.
	ErrUnsupportedVersion = errors.New("ocpp: unsupported protocol version")
	// ErrUnhandledAction is returned by a strategy for actions it has no
	// handler for. The router turns it into the declared no-op reply.
	ErrUnhandledAction = errors.New("ocpp: unhandled action")
)

// CallError lets a handler choose the error code sent back to the station.
type CallError struct {
	Code        string
	Description string
}

func (e *CallError) Error() string {
	return fmt.Sprintf("ocpp: %s: %s", e.Code, e.Description)
}
