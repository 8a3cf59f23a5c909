package relay_test

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/omochice/channel-relay/internal/relay"
)

// mockConn is a mock implementation of relay.Conn for testing.
type mockConn struct {
	readCh     chan []byte
	done       chan struct{}
	closeOnce  sync.Once
	remoteAddr string

	mu         sync.Mutex
	written    [][]byte
	writeErr   error
	readErr    error
	blockWrite bool
	panicWrite bool
	closed     bool
}

func newMockConn(addr string) *mockConn {
	return &mockConn{
		readCh:     make(chan []byte, 10),
		done:       make(chan struct{}),
		remoteAddr: addr,
	}
}

func (m *mockConn) Read(ctx context.Context) ([]byte, error) {
	m.mu.Lock()
	readErr := m.readErr
	m.mu.Unlock()
	if readErr != nil {
		return nil, readErr
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-m.done:
		return nil, io.EOF
	case data, ok := <-m.readCh:
		if !ok {
			return nil, io.EOF
		}
		return data, nil
	}
}

func (m *mockConn) Write(ctx context.Context, data []byte) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return fmt.Errorf("write %s: %w", m.remoteAddr, relay.ErrTransportClosed)
	}
	if m.writeErr != nil {
		err := m.writeErr
		m.mu.Unlock()
		return err
	}
	if m.panicWrite {
		m.mu.Unlock()
		panic("write to " + m.remoteAddr)
	}
	if m.blockWrite {
		m.mu.Unlock()
		<-ctx.Done()
		return ctx.Err()
	}
	defer m.mu.Unlock()

	copied := make([]byte, len(data))
	copy(copied, data)
	m.written = append(m.written, copied)
	return nil
}

func (m *mockConn) Close() error {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		m.closed = true
		m.mu.Unlock()
		close(m.done)
	})
	return nil
}

func (m *mockConn) RemoteAddr() string {
	return m.remoteAddr
}

// send queues an inbound frame.
func (m *mockConn) send(frame string) {
	m.readCh <- []byte(frame)
}

func (m *mockConn) failWrites(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeErr = err
}

func (m *mockConn) failReads(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readErr = err
}

func (m *mockConn) blockWrites() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blockWrite = true
}

func (m *mockConn) panicWrites() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.panicWrite = true
}

func (m *mockConn) GetWritten() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.written))
	for i, w := range m.written {
		out[i] = string(w)
	}
	return out
}

func (m *mockConn) IsClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// newTestClient returns a client over a fresh mockConn.
func newTestClient(addr string) (*relay.Client, *mockConn) {
	conn := newMockConn(addr)
	return relay.NewClient(conn), conn
}

// Compile-time check that mockConn implements relay.Conn
var _ relay.Conn = (*mockConn)(nil)
