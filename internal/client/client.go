// Package client is a relay client: it joins a channel, sends messages and
// correlates command replies with their requests.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"github.com/omochice/channel-relay/internal/logging"
	"github.com/omochice/channel-relay/pkg/protocol"
)

// DefaultPort is used when an address carries no port.
const DefaultPort = "3055"

var (
	ErrNotConnected  = errors.New("not connected to server")
	ErrNotJoined     = errors.New("must join a channel before sending commands")
	ErrJoinTimeout   = errors.New("join not confirmed in time")
	ErrCommandFailed = errors.New("command failed")
	ErrClosed        = errors.New("connection closed")
)

// Client is a connection to a relay server.
type Client struct {
	url            string
	log            *slog.Logger
	joinTimeout    time.Duration
	requestTimeout time.Duration
	pingInterval   time.Duration

	mu          sync.RWMutex
	conn        net.Conn
	lost        chan struct{}
	stale       bool
	channel     string
	joinWaiters map[string]chan struct{}
	pending     map[string]chan result
	isShutdown  bool

	writeMu  sync.Mutex
	messages chan []byte
	done     chan struct{}
	doneOnce sync.Once
	wg       sync.WaitGroup
}

type result struct {
	data json.RawMessage
	err  error
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger. The default discards everything.
func WithLogger(log *slog.Logger) Option {
	return func(c *Client) { c.log = log }
}

// WithJoinTimeout bounds how long Join waits for the confirmation.
func WithJoinTimeout(d time.Duration) Option {
	return func(c *Client) { c.joinTimeout = d }
}

// WithRequestTimeout bounds how long Request waits for the reply.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Client) { c.requestTimeout = d }
}

// WithPingInterval sets the keepalive interval; zero disables pings.
func WithPingInterval(d time.Duration) Option {
	return func(c *Client) { c.pingInterval = d }
}

// New creates a Client for address, which is host, host:port or a ws:// URL.
func New(address string, opts ...Option) *Client {
	c := &Client{
		url:            URL(address, "/"),
		log:            logging.Discard(),
		joinTimeout:    10 * time.Second,
		requestTimeout: 30 * time.Second,
		pingInterval:   20 * time.Second,
		joinWaiters:    make(map[string]chan struct{}),
		pending:        make(map[string]chan result),
		messages:       make(chan []byte, 64),
		done:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// URL builds a WebSocket URL for address and path.
func URL(address, path string) string {
	if strings.HasPrefix(address, "ws://") || strings.HasPrefix(address, "wss://") {
		return strings.TrimSuffix(address, "/") + path
	}
	if _, _, err := net.SplitHostPort(address); err != nil {
		address = net.JoinHostPort(address, DefaultPort)
	}
	return "ws://" + address + path
}

// Connect establishes the WebSocket connection and starts receiving.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.isShutdown {
		return ErrClosed
	}
	if c.conn != nil {
		return nil
	}

	conn, br, _, err := ws.Dial(ctx, c.url)
	if err != nil {
		return fmt.Errorf("failed to connect to server: %w", err)
	}
	var src io.Reader = conn
	if br != nil {
		// the server may have sent frames right behind the handshake
		src = br
	}
	if c.stale {
		c.messages = make(chan []byte, cap(c.messages))
		c.stale = false
	}
	c.conn = conn
	c.lost = make(chan struct{})
	c.log.Info("Connected to relay", "url", c.url)

	c.wg.Add(1)
	go c.receiveMessages(conn, src, c.messages, c.lost)
	if c.pingInterval > 0 {
		c.wg.Add(1)
		go c.keepalive(c.lost)
	}
	return nil
}

// Disconnect closes the connection and waits for the receiver to stop.
func (c *Client) Disconnect() {
	c.mu.Lock()
	if c.isShutdown {
		c.mu.Unlock()
		return
	}
	c.isShutdown = true
	conn := c.conn
	c.mu.Unlock()

	c.doneOnce.Do(func() {
		close(c.done)
	})
	if conn != nil {
		c.writeMu.Lock()
		_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
		_ = wsutil.WriteClientMessage(conn, ws.OpClose, ws.NewCloseFrameBody(ws.StatusNormalClosure, ""))
		c.writeMu.Unlock()
		_ = conn.Close()
	}
	c.wg.Wait()
}

// IsConnected returns whether the client is connected
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn != nil && !c.isShutdown
}

// Channel returns the joined channel, empty before the first confirmed join.
func (c *Client) Channel() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.channel
}

// Messages returns frames not consumed by Join or Request. It is closed when
// the connection ends; a later Connect starts a new channel.
func (c *Client) Messages() <-chan []byte {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.messages
}

// Join joins channel, connecting first if needed, and waits for the
// server's confirmation.
func (c *Client) Join(ctx context.Context, channel string) error {
	if err := c.Connect(ctx); err != nil {
		return err
	}

	confirmed := make(chan struct{})
	c.mu.Lock()
	c.joinWaiters[channel] = confirmed
	lost := c.lost
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		if c.joinWaiters[channel] == confirmed {
			delete(c.joinWaiters, channel)
		}
		c.mu.Unlock()
	}()

	if err := c.writeJSON(ctx, map[string]string{"type": protocol.TypeJoin, "channel": channel}); err != nil {
		return err
	}
	c.log.Info("Sent join request", "channel", channel)

	timer := time.NewTimer(c.joinTimeout)
	defer timer.Stop()
	select {
	case <-confirmed:
		c.log.Info("Joined channel", "channel", channel)
		return nil
	case <-timer.C:
		return fmt.Errorf("channel %s: %w", channel, ErrJoinTimeout)
	case <-lost:
		return ErrNotConnected
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Send broadcasts message to the other members of channel.
func (c *Client) Send(ctx context.Context, channel string, message any) error {
	return c.writeJSON(ctx, map[string]any{
		"type":    protocol.TypeMessage,
		"channel": channel,
		"message": message,
	})
}

// Request sends command to the joined channel and waits for the reply
// carrying the same id. It returns the reply's result.
func (c *Client) Request(ctx context.Context, command string, params map[string]any) (json.RawMessage, error) {
	channel := c.Channel()
	if channel == "" {
		return nil, ErrNotJoined
	}

	id := uuid.NewString()
	merged := make(map[string]any, len(params)+1)
	for k, v := range params {
		merged[k] = v
	}
	merged["commandId"] = id

	reply := make(chan result, 1)
	c.mu.Lock()
	c.pending[id] = reply
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	frame := map[string]any{
		"id":      id,
		"type":    protocol.TypeMessage,
		"channel": channel,
		"message": map[string]any{
			"id":      id,
			"command": command,
			"params":  merged,
		},
	}
	if err := c.writeJSON(ctx, frame); err != nil {
		return nil, err
	}
	c.log.Info("Sending command", "command", command, "id", id)

	timer := time.NewTimer(c.requestTimeout)
	defer timer.Stop()
	select {
	case r := <-reply:
		return r.data, r.err
	case <-timer.C:
		c.log.Error("Command timed out", "command", command, "timeout", c.requestTimeout)
		return nil, fmt.Errorf("command %s: %w", command, context.DeadlineExceeded)
	case <-c.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Client) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}
	return c.write(ctx, ws.OpText, data)
}

func (c *Client) write(ctx context.Context, op ws.OpCode, data []byte) error {
	c.mu.RLock()
	conn, shut := c.conn, c.isShutdown
	c.mu.RUnlock()
	if conn == nil || shut {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	deadline, _ := ctx.Deadline()
	if err := conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	if err := wsutil.WriteClientMessage(conn, op, data); err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	return nil
}

// receiveMessages reads conn until it fails, then forgets the connection so
// that the next Connect or Join dials again.
func (c *Client) receiveMessages(conn net.Conn, src io.Reader, messages chan []byte, lost chan struct{}) {
	defer c.wg.Done()

	handle := func(hdr ws.Header, r io.Reader) error {
		return c.handleControl(conn, hdr, r)
	}
	rd := wsutil.Reader{
		Source:         src,
		State:          ws.StateClientSide,
		CheckUTF8:      true,
		OnIntermediate: handle,
	}
	for {
		data, err := readMessage(&rd, handle)
		if err != nil {
			select {
			case <-c.done:
			default:
				c.log.Info("Relay connection closed", "error", err)
			}
			break
		}
		c.dispatch(data, messages)
	}

	_ = conn.Close()
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
		c.channel = ""
		c.stale = true
	}
	c.mu.Unlock()
	close(lost)
	c.failPending()
	close(messages)
}

// readMessage returns the next data message from rd, passing control frames
// to handle.
func readMessage(rd *wsutil.Reader, handle wsutil.FrameHandlerFunc) ([]byte, error) {
	for {
		hdr, err := rd.NextFrame()
		if err != nil {
			return nil, err
		}
		if hdr.OpCode.IsControl() {
			if err := handle(hdr, rd); err != nil {
				return nil, err
			}
			continue
		}
		if hdr.OpCode&(ws.OpText|ws.OpBinary) == 0 {
			if err := rd.Discard(); err != nil {
				return nil, err
			}
			continue
		}
		return io.ReadAll(rd)
	}
}

func (c *Client) handleControl(conn net.Conn, hdr ws.Header, r io.Reader) error {
	var buf bytes.Buffer
	err := wsutil.ControlFrameHandler(&buf, ws.StateClientSide)(hdr, r)
	if buf.Len() > 0 {
		c.writeMu.Lock()
		_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		_, werr := conn.Write(buf.Bytes())
		c.writeMu.Unlock()
		if werr != nil && err == nil {
			err = werr
		}
	}
	return err
}

func (c *Client) keepalive(lost <-chan struct{}) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-lost:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), c.pingInterval)
			err := c.write(ctx, ws.OpPing, nil)
			cancel()
			if err != nil {
				c.log.Debug("Ping failed", "error", err)
				return
			}
		}
	}
}

// inbound holds the fields the client routes on.
type inbound struct {
	Type    string          `json:"type"`
	Channel string          `json:"channel"`
	ID      json.RawMessage `json:"id"`
	Error   json.RawMessage `json:"error"`
	Message json.RawMessage `json:"message"`
}

type inboundMessage struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  json.RawMessage `json:"error"`
}

func (c *Client) dispatch(data []byte, messages chan<- []byte) {
	var in inbound
	if err := json.Unmarshal(data, &in); err != nil {
		c.log.Error("Failed to parse message", "error", err)
		return
	}

	switch in.Type {
	case protocol.TypeSystem:
		var msg inboundMessage
		if json.Unmarshal(in.Message, &msg) == nil && in.Channel != "" && len(msg.Result) > 0 {
			c.confirmJoin(in.Channel)
			return
		}
	case protocol.TypeError:
		c.log.Error("Received error", "message", string(in.Message))
	case protocol.TypeMessage:
		var msg inboundMessage
		if json.Unmarshal(in.Message, &msg) == nil && msg.ID != "" {
			r := result{data: msg.Result}
			if hasValue(msg.Error) {
				r = result{err: fmt.Errorf("%w: %s", ErrCommandFailed, errorText(msg.Error))}
			}
			if c.resolve(msg.ID, r) {
				return
			}
		}
	case "":
		// relay error replies carry the id of the failed request
		var id string
		if hasValue(in.Error) && json.Unmarshal(in.ID, &id) == nil {
			err := fmt.Errorf("%w: %s", ErrCommandFailed, errorText(in.Error))
			if c.resolve(id, result{err: err}) {
				return
			}
		}
	}

	select {
	case messages <- data:
	default:
		c.log.Warn("Dropping message, consumer is too slow")
	}
}

func (c *Client) confirmJoin(channel string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.channel = channel
	if ch, ok := c.joinWaiters[channel]; ok {
		close(ch)
		delete(c.joinWaiters, channel)
	}
}

func (c *Client) resolve(id string, r result) bool {
	c.mu.Lock()
	reply, ok := c.pending[id]
	delete(c.pending, id)
	c.mu.Unlock()
	if ok {
		reply <- r
	}
	return ok
}

func (c *Client) failPending() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, reply := range c.pending {
		reply <- result{err: ErrClosed}
		delete(c.pending, id)
	}
}

func hasValue(raw json.RawMessage) bool {
	return len(raw) > 0 && string(raw) != "null"
}

func errorText(raw json.RawMessage) string {
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	return string(raw)
}

// Health connects to the probe endpoint of address and returns the status.
func Health(ctx context.Context, address string) (*protocol.Status, error) {
	conn, br, _, err := ws.Dial(ctx, URL(address, "/health"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to server: %w", err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	var src io.Reader = conn
	if br != nil {
		src = br
		defer ws.PutReader(br)
	}
	rw := struct {
		io.Reader
		io.Writer
	}{src, conn}

	data, _, err := wsutil.ReadServerData(rw)
	if err != nil {
		return nil, fmt.Errorf("failed to read status: %w", err)
	}
	var status protocol.Status
	if err := json.Unmarshal(data, &status); err != nil {
		return nil, fmt.Errorf("failed to decode status: %w", err)
	}
	return &status, nil
}
