// Package ocpp implements the per-connection protocol message engine: the
// wire frame codec, typed payloads, the action dispatch table and the
// outbound command sender.
package ocpp

import (
	"encoding/json"
	"fmt"
)

// MessageType is the first element of a wire frame.
type MessageType int

const (
	MessageCall       MessageType = 2
	MessageCallResult MessageType = 3
	MessageCallError  MessageType = 4
)

// Error codes carried in call-error frames.
const (
	ErrCodeInternal           = "InternalError"
	ErrCodeFormationViolation = "FormationViolation"
)

// Frame is one decoded protocol message. Frames travel as 3- or 4-element
// ordered JSON lists: calls are [2, id, action, payload], call-results
// [3, id, payload] and call-errors [4, id, code, description, details?].
type Frame struct {
	Type    MessageType
	ID      string
	Action  string
	Payload json.RawMessage

	ErrorCode        string
	ErrorDescription string
	ErrorDetails     json.RawMessage
}

// Decode parses a raw wire frame.
func Decode(raw []byte) (Frame, error) {
	var parts []json.RawMessage
	if err := json.Unmarshal(raw, &parts); err != nil {
		return Frame{}, fmt.Errorf("frame is not a JSON array: %w", err)
	}
	if len(parts) < 3 {
		return Frame{}, fmt.Errorf("frame has %d elements, need at least 3", len(parts))
	}
	var f Frame
	var typeID int
	if err := json.Unmarshal(parts[0], &typeID); err != nil {
		return Frame{}, fmt.Errorf("invalid type id: %w", err)
	}
	f.Type = MessageType(typeID)
	if err := json.Unmarshal(parts[1], &f.ID); err != nil {
		return Frame{}, fmt.Errorf("invalid message id: %w", err)
	}
	switch f.Type {
	case MessageCall:
		if len(parts) != 4 {
			return Frame{}, fmt.Errorf("call frame has %d elements, need 4", len(parts))
		}
		if err := json.Unmarshal(parts[2], &f.Action); err != nil {
			return Frame{}, fmt.Errorf("invalid action: %w", err)
		}
		f.Payload = parts[3]
	case MessageCallResult:
		f.Payload = parts[2]
	case MessageCallError:
		if len(parts) < 4 {
			return Frame{}, fmt.Errorf("call-error frame has %d elements, need at least 4", len(parts))
		}
		if err := json.Unmarshal(parts[2], &f.ErrorCode); err != nil {
			return Frame{}, fmt.Errorf("invalid error code: %w", err)
		}
		if err := json.Unmarshal(parts[3], &f.ErrorDescription); err != nil {
			return Frame{}, fmt.Errorf("invalid error description: %w", err)
		}
		if len(parts) > 4 {
			f.ErrorDetails = parts[4]
		}
	default:
		return Frame{}, fmt.Errorf("unknown frame type %d", typeID)
	}
	return f, nil
}

// Encode serializes the frame back to its wire shape.
func (f Frame) Encode() ([]byte, error) {
	switch f.Type {
	case MessageCall:
		payload := f.Payload
		if payload == nil {
			payload = json.RawMessage(`{}`)
		}
		return json.Marshal([]any{int(f.Type), f.ID, f.Action, payload})
	case MessageCallResult:
		payload := f.Payload
		if payload == nil {
			payload = json.RawMessage(`{}`)
		}
		return json.Marshal([]any{int(f.Type), f.ID, payload})
	case MessageCallError:
		details := f.ErrorDetails
		if details == nil {
			details = json.RawMessage(`{}`)
		}
		return json.Marshal([]any{int(f.Type), f.ID, f.ErrorCode, f.ErrorDescription, details})
	}
	return nil, fmt.Errorf("unknown frame type %d", f.Type)
}

// NewCall builds a call frame with a marshaled payload.
func NewCall(id, action string, payload any) (Frame, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("marshal %s payload: %w", action, err)
	}
	return Frame{Type: MessageCall, ID: id, Action: action, Payload: raw}, nil
}

// NewResult builds a call-result frame answering the given message id.
func NewResult(id string, payload any) (Frame, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("marshal result payload: %w", err)
	}
	return Frame{Type: MessageCallResult, ID: id, Payload: raw}, nil
}

// NewError builds a call-error frame answering the given message id.
func NewError(id, code, description string) Frame {
	return Frame{Type: MessageCallError, ID: id, ErrorCode: code, ErrorDescription: description}
}
