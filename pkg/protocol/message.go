// Package protocol defines the JSON envelope exchanged over relay connections.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrInvalidJSON is returned by Decode when a frame is not valid JSON.
var ErrInvalidJSON = errors.New("invalid JSON")

// MessageType represents the routing kind of an inbound envelope
type MessageType int

const (
	MessageTypeUnknown MessageType = iota
	MessageTypeJoin
	MessageTypeRelay
	MessageTypeDirect
)

// Wire values of the "type" discriminant.
const (
	TypeJoin    = "join"
	TypeMessage = "message"
	TypeSystem  = "system"
	TypeError   = "error"
)

// String returns the string representation of MessageType
func (mt MessageType) String() string {
	switch mt {
	case MessageTypeJoin:
		return "JOIN"
	case MessageTypeRelay:
		return "MESSAGE"
	case MessageTypeDirect:
		return "DIRECT"
	default:
		return "UNKNOWN"
	}
}

// Envelope is a decoded inbound frame.
//
// Only the routing fields are extracted; the remaining payload is kept in Raw
// and forwarded untouched.
type Envelope struct {
	Type MessageType
	// Kind is the raw "type" field when it is a string, empty otherwise.
	Kind    string
	Channel string
	// ID is the correlation id exactly as sent, nil when the frame carried none.
	ID  json.RawMessage
	Raw []byte

	channel json.RawMessage
}

// routing holds the fields Decode looks at. A repeated key keeps its last
// value.
type routing struct {
	Type    json.RawMessage `json:"type"`
	Channel json.RawMessage `json:"channel"`
	ID      json.RawMessage `json:"id"`
	Message json.RawMessage `json:"message"`
}

// Decode parses a frame into an Envelope.
// Valid JSON that is not an object decodes to MessageTypeUnknown.
func Decode(data []byte) (*Envelope, error) {
	var raw json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidJSON, err)
	}

	env := &Envelope{Raw: data}
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return env, nil
	}

	var r routing
	if err := json.Unmarshal(trimmed, &r); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidJSON, err)
	}

	env.Kind = stringValue(r.Type)
	env.Channel = stringValue(r.Channel)
	env.channel = r.Channel
	env.ID = r.ID

	switch env.Kind {
	case TypeJoin:
		env.Type = MessageTypeJoin
	case TypeMessage:
		env.Type = MessageTypeRelay
	default:
		if r.ID != nil && r.Message != nil {
			env.Type = MessageTypeDirect
		}
	}
	return env, nil
}

// ChannelLabel renders the channel field for error texts: the name itself,
// "None" when absent or null, and the raw JSON for any other value.
func (e *Envelope) ChannelLabel() string {
	switch {
	case e.channel == nil, string(e.channel) == "null":
		return "None"
	case e.channel[0] == '"':
		return e.Channel
	default:
		return string(e.channel)
	}
}

func stringValue(raw json.RawMessage) string {
	var s string
	if len(raw) == 0 || raw[0] != '"' || json.Unmarshal(raw, &s) != nil {
		return ""
	}
	return s
}
