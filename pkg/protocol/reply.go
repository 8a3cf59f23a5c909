package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Fixed reply texts.
const (
	InvalidJSONText     = "Invalid JSON format"
	ChannelRequiredText = "Channel name is required"
	StatusHealthy       = "healthy"
	StatusJoined        = "joined"
)

type errorReply struct {
	Error string `json:"error"`
}

type correlatedErrorReply struct {
	ID    json.RawMessage `json:"id"`
	Error string          `json:"error"`
}

type typedErrorReply struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// JoinResult is the result carried by a join confirmation.
type JoinResult struct {
	Status  string `json:"status"`
	Channel string `json:"channel"`
}

type joinedReply struct {
	Type    string `json:"type"`
	Channel string `json:"channel"`
	Message struct {
		Result JoinResult `json:"result"`
	} `json:"message"`
}

// Status is the liveness probe reply.
type Status struct {
	Status   string         `json:"status"`
	Clients  int            `json:"clients"`
	Channels map[string]int `json:"channels"`
}

// EncodeInvalidJSON encodes the reply sent for a frame that failed to parse.
func EncodeInvalidJSON() ([]byte, error) {
	return marshal(errorReply{Error: InvalidJSONText})
}

// EncodeChannelRequired encodes the reply to a join without a channel name.
func EncodeChannelRequired() ([]byte, error) {
	return marshal(typedErrorReply{Type: TypeError, Message: ChannelRequiredText})
}

// EncodeChannelNotFound encodes the reply to a message addressed to a channel
// that does not exist. id is echoed back byte for byte; nil encodes as null.
func EncodeChannelNotFound(id json.RawMessage, channel string) ([]byte, error) {
	return marshal(correlatedErrorReply{
		ID:    id,
		Error: fmt.Sprintf("Channel '%s' not found or not joined", channel),
	})
}

// EncodeJoined encodes the join confirmation for channel.
func EncodeJoined(channel string) ([]byte, error) {
	r := joinedReply{Type: TypeSystem, Channel: channel}
	r.Message.Result = JoinResult{Status: StatusJoined, Channel: channel}
	return marshal(r)
}

// EncodeStatus encodes a probe reply.
func EncodeStatus(clients int, channels map[string]int) ([]byte, error) {
	if channels == nil {
		channels = map[string]int{}
	}
	return marshal(Status{Status: StatusHealthy, Clients: clients, Channels: channels})
}

// marshal encodes v without HTML escaping and without the trailing newline
// json.Encoder appends.
func marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("failed to encode reply: %w", err)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}
