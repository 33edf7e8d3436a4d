package ocpp

import (
	"bytes"
	"fmt"

	"github.com/goccy/go-json"

	"chargelink/backend/services/ws-gateway/internal/ocpp/protocol"
)

var emptyObject = json.RawMessage(`{}`)

// Frame is one decoded protocol message. Which fields are meaningful depends
// on Type: Call uses Action and Payload, CallResult uses Payload, CallError
// uses the Error fields.
type Frame struct {
	Type             protocol.MessageType
	ID               string
	Action           string
	Payload          json.RawMessage
	ErrorCode        string
	ErrorDescription string
	ErrorDetails     json.RawMessage
}

// Parse decodes a raw frame. Any shape violation is reported as ErrParse.
func Parse(raw []byte) (*Frame, error) {
	var parts []json.RawMessage
	if err := json.Unmarshal(raw, &parts); err != nil {
		return nil, fmt.Errorf("%w: not a json array: %v", ErrParse, err)
	}
	if len(parts) < 3 {
		return nil, fmt.Errorf("%w: %d elements", ErrParse, len(parts))
	}

	var kind int
	if err := json.Unmarshal(parts[0], &kind); err != nil {
		return nil, fmt.Errorf("%w: message type: %v", ErrParse, err)
	}

	f := &Frame{Type: protocol.MessageType(kind)}
	if err := decodeString(parts[1], &f.ID); err != nil || f.ID == "" {
		return nil, fmt.Errorf("%w: message id", ErrParse)
	}

	switch f.Type {
	case protocol.MessageTypeCall:
		if len(parts) != 4 {
			return nil, fmt.Errorf("%w: call with %d elements", ErrParse, len(parts))
		}
		if err := decodeString(parts[2], &f.Action); err != nil || f.Action == "" {
			return nil, fmt.Errorf("%w: action", ErrParse)
		}
		f.Payload = parts[3]
	case protocol.MessageTypeCallResult:
		if len(parts) != 3 {
			return nil, fmt.Errorf("%w: call result with %d elements", ErrParse, len(parts))
		}
		f.Payload = parts[2]
	case protocol.MessageTypeCallError:
		if len(parts) != 5 {
			return nil, fmt.Errorf("%w: call error with %d elements", ErrParse, len(parts))
		}
		if err := decodeString(parts[2], &f.ErrorCode); err != nil {
			return nil, fmt.Errorf("%w: error code", ErrParse)
		}
		if err := decodeString(parts[3], &f.ErrorDescription); err != nil {
			return nil, fmt.Errorf("%w: error description", ErrParse)
		}
		f.ErrorDetails = parts[4]
	default:
		return nil, fmt.Errorf("%w: unknown message type %d", ErrParse, kind)
	}

	return f, nil
}

func decodeString(raw json.RawMessage, target *string) error {
	if len(raw) == 0 || raw[0] != '"' {
		return fmt.Errorf("expected string, got %s", raw)
	}
	return json.Unmarshal(raw, target)
}

// Serialize encodes f in the positional wire form. It is the inverse of Parse.
func Serialize(f *Frame) ([]byte, error) {
	var elems []interface{}
	switch f.Type {
	case protocol.MessageTypeCall:
		elems = []interface{}{int(f.Type), f.ID, f.Action, orEmpty(f.Payload)}
	case protocol.MessageTypeCallResult:
		elems = []interface{}{int(f.Type), f.ID, orEmpty(f.Payload)}
	case protocol.MessageTypeCallError:
		elems = []interface{}{int(f.Type), f.ID, f.ErrorCode, f.ErrorDescription, orEmpty(f.ErrorDetails)}
	default:
		return nil, fmt.Errorf("ocpp: cannot serialize message type %d", int(f.Type))
	}
	return json.Marshal(elems)
}

func orEmpty(raw json.RawMessage) json.RawMessage {
	if len(bytes.TrimSpace(raw)) == 0 {
		return emptyObject
	}
	return raw
}

// NewCall builds a Call frame with payload encoded as JSON.
func NewCall(id, action string, payload interface{}) (*Frame, error) {
	body, err := encodePayload(payload)
	if err != nil {
		return nil, fmt.Errorf("ocpp: encode %s payload: %w", action, err)
	}
	return &Frame{Type: protocol.MessageTypeCall, ID: id, Action: action, Payload: body}, nil
}

// NewCallResult builds the reply to the Call identified by id.
func NewCallResult(id string, payload interface{}) (*Frame, error) {
	body, err := encodePayload(payload)
	if err != nil {
		return nil, fmt.Errorf("ocpp: encode result payload: %w", err)
	}
	return &Frame{Type: protocol.MessageTypeCallResult, ID: id, Payload: body}, nil
}

// NewCallError builds an error reply with empty details.
func NewCallError(id, code, description string) *Frame {
	return &Frame{
		Type:             protocol.MessageTypeCallError,
		ID:               id,
		ErrorCode:        code,
		ErrorDescription: description,
		ErrorDetails:     emptyObject,
	}
}

func encodePayload(payload interface{}) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return emptyObject, nil
	case json.RawMessage:
		return orEmpty(p), nil
	}
	return json.Marshal(payload)
}

// Decode unmarshals a frame payload into T.
func Decode[T any](payload json.RawMessage) (T, error) {
	var target T
	if err := json.Unmarshal(payload, &target); err != nil {
		var zero T
		return zero, err
	}
	return target, nil
}
