// Package ws serves relay sessions over WebSocket using gobwas/ws.
package ws

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/omochice/channel-relay/internal/relay"
)

// Conn adapts an upgraded net.Conn to relay.Conn.
//
// Reads and writes may run concurrently. Writes are serialized with a mutex,
// including the pong and close replies produced while reading.
type Conn struct {
	conn         net.Conn
	readTimeout  time.Duration
	writeTimeout time.Duration

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

// NewConn wraps an upgraded connection. A positive readTimeout fails a Read
// when no frame at all arrives in time; a positive writeTimeout bounds each
// write.
func NewConn(conn net.Conn, readTimeout, writeTimeout time.Duration) *Conn {
	return &Conn{
		conn:         conn,
		readTimeout:  readTimeout,
		writeTimeout: writeTimeout,
	}
}

// Read implements relay.Conn.
// It returns the payload of the next text or binary message, answering
// control frames on the way. A close frame from the peer yields io.EOF.
func (c *Conn) Read(ctx context.Context) ([]byte, error) {
	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	rd := wsutil.Reader{
		Source:         c.conn,
		State:          ws.StateServerSide,
		CheckUTF8:      true,
		OnIntermediate: c.handleControl,
	}
	for {
		if c.readTimeout > 0 {
			_ = c.conn.SetReadDeadline(time.Now().Add(c.readTimeout))
		}
		hdr, err := rd.NextFrame()
		if err != nil {
			return nil, c.readError(ctx, err)
		}
		if hdr.OpCode.IsControl() {
			if err := c.handleControl(hdr, &rd); err != nil {
				return nil, c.readError(ctx, err)
			}
			continue
		}
		if hdr.OpCode&(ws.OpText|ws.OpBinary) == 0 {
			if err := rd.Discard(); err != nil {
				return nil, c.readError(ctx, err)
			}
			continue
		}

		data, err := io.ReadAll(&rd)
		if err != nil {
			return nil, c.readError(ctx, err)
		}
		return data, nil
	}
}

// handleControl answers a control frame. The reply is built in memory first
// so it goes out as one locked write.
func (c *Conn) handleControl(hdr ws.Header, r io.Reader) error {
	var buf bytes.Buffer
	err := wsutil.ControlFrameHandler(&buf, ws.StateServerSide)(hdr, r)
	if buf.Len() > 0 {
		if werr := c.writeRaw(context.Background(), buf.Bytes()); werr != nil && err == nil {
			err = werr
		}
	}
	return err
}

func (c *Conn) readError(ctx context.Context, err error) error {
	var closed wsutil.ClosedError
	switch {
	case errors.As(err, &closed), errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, net.ErrClosed):
		return io.EOF
	case ctx.Err() != nil:
		return ctx.Err()
	}
	return fmt.Errorf("read %s: %w", c.RemoteAddr(), err)
}

// Write implements relay.Conn.
// Writes a single text message.
func (c *Conn) Write(ctx context.Context, data []byte) error {
	return c.write(ctx, ws.OpText, data)
}

// Ping sends a ping frame. The peer's pong, like any other frame, keeps the
// read side alive.
func (c *Conn) Ping(ctx context.Context) error {
	return c.write(ctx, ws.OpPing, nil)
}

func (c *Conn) write(ctx context.Context, op ws.OpCode, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.setWriteDeadline(ctx); err != nil {
		return err
	}
	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetWriteDeadline(time.Now())
	})
	defer stop()

	if err := wsutil.WriteServerMessage(c.conn, op, data); err != nil {
		return c.writeError(ctx, err)
	}
	return nil
}

// writeRaw writes an already framed message.
func (c *Conn) writeRaw(ctx context.Context, frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.setWriteDeadline(ctx); err != nil {
		return err
	}
	if _, err := c.conn.Write(frame); err != nil {
		return c.writeError(ctx, err)
	}
	return nil
}

func (c *Conn) setWriteDeadline(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var deadline time.Time
	if c.writeTimeout > 0 {
		deadline = time.Now().Add(c.writeTimeout)
	}
	if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
		deadline = d
	}
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return c.writeError(ctx, err)
	}
	return nil
}

func (c *Conn) writeError(ctx context.Context, err error) error {
	if errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("write %s: %w", c.RemoteAddr(), relay.ErrTransportClosed)
	}
	if ctx.Err() != nil {
		return fmt.Errorf("write %s: %w", c.RemoteAddr(), ctx.Err())
	}
	return fmt.Errorf("write %s: %w", c.RemoteAddr(), err)
}

// Close implements relay.Conn.
// It sends a normal closure frame unless a write is in flight, then closes
// the socket. Subsequent calls return the first result.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		if c.writeMu.TryLock() {
			_ = c.conn.SetWriteDeadline(time.Now().Add(time.Second))
			body := ws.NewCloseFrameBody(ws.StatusNormalClosure, "")
			_ = wsutil.WriteServerMessage(c.conn, ws.OpClose, body)
			c.writeMu.Unlock()
		}
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

// RemoteAddr implements relay.Conn.
func (c *Conn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

// Compile-time check that Conn implements relay.Conn
var _ relay.Conn = (*Conn)(nil)
