package ws

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/omochice/channel-relay/internal/relay"
)

// Options tunes the connection lifecycle. Zero values disable the
// corresponding timeout.
type Options struct {
	HandshakeTimeout time.Duration
	PingInterval     time.Duration
	PingTimeout      time.Duration
	WriteTimeout     time.Duration
}

// Server accepts WebSocket connections and runs a relay session on each.
type Server struct {
	address string
	hub     *relay.Hub
	log     *slog.Logger
	opts    Options

	listener net.Listener
	ctx      context.Context
	cancel   context.CancelFunc
	quit     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

// New creates a WebSocket server that uses the provided Hub.
func New(address string, hub *relay.Hub, log *slog.Logger, opts Options) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		address: address,
		hub:     hub,
		log:     log,
		opts:    opts,
		ctx:     ctx,
		cancel:  cancel,
		quit:    make(chan struct{}),
		conns:   make(map[net.Conn]struct{}),
	}
}

// Listen binds the listening socket.
func (s *Server) Listen() error {
	listener, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}
	s.listener = listener
	s.log.Info("WebSocket server started", "address", listener.Addr().String())
	return nil
}

// Start binds the listener and serves until Stop is called.
func (s *Server) Start() error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve()
}

// Serve accepts connections on the bound listener until Stop is called.
func (s *Server) Serve() error {
	if s.listener == nil {
		return errors.New("server is not listening")
	}
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.quit:
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.log.Warn("Failed to accept connection", "error", err)
			continue
		}
		if !s.track(conn) {
			_ = conn.Close()
			return nil
		}
		go s.handleConn(conn)
	}
}

// Stop stops accepting, closes every connection and waits for all sessions
// to finish.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		close(s.quit)
		s.mu.Unlock()

		if s.listener != nil {
			_ = s.listener.Close()
		}
		if err := s.hub.CloseAll(); err != nil {
			s.log.Warn("Failed to close clients", "error", err)
		}

		s.mu.Lock()
		for conn := range s.conns {
			_ = conn.Close()
		}
		s.mu.Unlock()

		s.cancel()
		s.wg.Wait()
		s.log.Info("WebSocket server stopped")
	})
}

// Addr returns the listening address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

// track records conn as live. It refuses once Stop has begun.
func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.quit:
		return false
	default:
	}
	s.conns[conn] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	s.wg.Done()
}

func (s *Server) handleConn(raw net.Conn) {
	defer s.untrack(raw)
	defer raw.Close()

	path, err := s.handshake(raw)
	if err != nil {
		s.log.Debug("WebSocket handshake failed", "remote", raw.RemoteAddr().String(), "error", err)
		return
	}

	var readTimeout time.Duration
	if s.opts.PingInterval > 0 {
		readTimeout = s.opts.PingInterval + s.opts.PingTimeout
	}
	conn := NewConn(raw, readTimeout, s.opts.WriteTimeout)
	client := relay.NewClient(conn)

	if path != relay.HealthPath && s.opts.PingInterval > 0 {
		done := make(chan struct{})
		defer close(done)
		go s.keepalive(conn, done)
	}
	s.hub.Serve(s.ctx, client, path)
}

// handshake upgrades raw and returns the request path.
func (s *Server) handshake(raw net.Conn) (string, error) {
	if s.opts.HandshakeTimeout > 0 {
		_ = raw.SetDeadline(time.Now().Add(s.opts.HandshakeTimeout))
	}

	var path string
	upgrader := ws.Upgrader{
		OnRequest: func(uri []byte) error {
			path, _, _ = strings.Cut(string(uri), "?")
			return nil
		},
	}
	if _, err := upgrader.Upgrade(raw); err != nil {
		return "", err
	}

	if err := raw.SetDeadline(time.Time{}); err != nil {
		return "", err
	}
	return path, nil
}

// keepalive pings conn every PingInterval until done is closed or a ping
// fails.
func (s *Server) keepalive(conn *Conn, done <-chan struct{}) {
	ticker := time.NewTicker(s.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(s.ctx, s.pingTimeout())
			err := conn.Ping(ctx)
			cancel()
			if err != nil {
				s.log.Debug("Ping failed", "remote", conn.RemoteAddr(), "error", err)
				return
			}
		}
	}
}

func (s *Server) pingTimeout() time.Duration {
	if s.opts.PingTimeout > 0 {
		return s.opts.PingTimeout
	}
	return s.opts.PingInterval
}
