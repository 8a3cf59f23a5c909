// Package relay provides the channel registry, broadcast engine and
// per-connection session protocol shared by all transports.
package relay

import (
	"context"

	"github.com/google/uuid"
)

// Conn abstracts a bidirectional connection.
// This interface isolates transport details from relay logic.
type Conn interface {
	// Read reads a single message frame.
	// Returns io.EOF when the peer closed the connection.
	Read(ctx context.Context) ([]byte, error)

	// Write sends a single message frame. It must be safe for concurrent use:
	// broadcasts issued by other sessions write to the same handle.
	// Returns an error wrapping ErrTransportClosed once the connection is gone.
	Write(ctx context.Context, data []byte) error

	// Close closes the connection. Calling it more than once is a no-op.
	Close() error

	// RemoteAddr returns the remote address for logging.
	RemoteAddr() string
}

// Client is one live connection known to the relay.
// Clients are compared by pointer identity.
type Client struct {
	ID   string
	Conn Conn
}

// NewClient wraps conn with a fresh session ID.
func NewClient(conn Conn) *Client {
	return &Client{
		ID:   uuid.NewString(),
		Conn: conn,
	}
}
