package protocol

import (
	"encoding/json"
	"fmt"
)

// FrameType is the "type" tag of a realtime frame.
type FrameType string

const (
	FrameMessageReceived FrameType = "message_received"
	FrameTypingStart     FrameType = "typing_start"
	FrameTypingStop      FrameType = "typing_stop"
	FrameError           FrameType = "error"
)

// Known reports whether t is one of the frame types this client
// understands. Unknown types are still decodable; callers ignore them.
func (t FrameType) Known() bool {
	switch t {
	case FrameMessageReceived, FrameTypingStart, FrameTypingStop, FrameError:
		return true
	default:
		return false
	}
}

// String returns the string representation of FrameType
func (t FrameType) String() string {
	return string(t)
}

// Frame is an inbound realtime frame: a JSON object whose "type" field
// selects the payload shape. The payload fields sit next to "type" rather
// than under a nested key.
type Frame struct {
	Type FrameType
	raw  json.RawMessage
}

// DecodeFrame parses a realtime frame. It fails for anything that is not
// a JSON object with a non-empty "type".
func DecodeFrame(data []byte) (Frame, error) {
	var head struct {
		Type FrameType `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return Frame{}, fmt.Errorf("failed to decode frame: %w", err)
	}
	if head.Type == "" {
		return Frame{}, fmt.Errorf("failed to decode frame: missing type")
	}

	raw := make(json.RawMessage, len(data))
	copy(raw, data)
	return Frame{Type: head.Type, raw: raw}, nil
}

// Payload decodes the frame's fields into v.
func (f Frame) Payload(v any) error {
	if err := json.Unmarshal(f.raw, v); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", f.Type, err)
	}
	return nil
}

// Raw returns the frame exactly as received.
func (f Frame) Raw() json.RawMessage {
	return f.raw
}

// EncodeFrame builds a frame of type t whose fields are those of payload.
// payload must encode as a JSON object, or be nil.
func EncodeFrame(t FrameType, payload any) ([]byte, error) {
	fields := map[string]json.RawMessage{}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s payload: %w", t, err)
		}
		if err := json.Unmarshal(data, &fields); err != nil {
			return nil, fmt.Errorf("failed to encode %s payload: not a JSON object", t)
		}
	}

	typ, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("failed to encode frame type: %w", err)
	}
	fields["type"] = typ

	return json.Marshal(fields)
}

// MessageReceived is the payload of a message_received frame.
type MessageReceived struct {
	ChatID  string  `json:"chat_id"`
	Message Message `json:"message"`
}

// Typing is the payload of typing_start and typing_stop frames.
type Typing struct {
	ChatID string `json:"chat_id,omitempty"`
	UserID string `json:"user_id,omitempty"`
}

// ErrorPayload is the payload of an error frame.
type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}
