package relay

import "errors"

var (
	ErrAlreadyRegistered = errors.New("client already registered")
	ErrNotRegistered     = errors.New("client not registered")
	ErrChannelRequired   = errors.New("channel name is required")
	ErrChannelNotFound   = errors.New("channel not found")
	ErrTransportClosed   = errors.New("transport closed")
)
