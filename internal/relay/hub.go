package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/omochice/channel-relay/internal/metrics"
	"github.com/omochice/channel-relay/pkg/protocol"
)

// HealthPath is the request path that turns a connection into a liveness probe.
const HealthPath = "/health"

// Hub runs the session protocol for every connection.
// All transports share a single Hub instance.
type Hub struct {
	registry     *Registry
	broadcaster  *Broadcaster
	log          *slog.Logger
	writeTimeout time.Duration
}

// NewHub creates a Hub with an empty Registry. A positive writeTimeout bounds
// every reply and delivery.
func NewHub(log *slog.Logger, writeTimeout time.Duration) *Hub {
	registry := NewRegistry()
	return &Hub{
		registry:     registry,
		broadcaster:  NewBroadcaster(registry, log, writeTimeout),
		log:          log,
		writeTimeout: writeTimeout,
	}
}

// Registry returns the membership registry.
func (h *Hub) Registry() *Registry {
	return h.registry
}

// Serve runs the session for client until it ends. path is the request path
// of the handshake; HealthPath short-circuits into a probe that never
// registers the client.
func (h *Hub) Serve(ctx context.Context, client *Client, path string) {
	if path == HealthPath {
		h.HandleProbe(ctx, client)
		return
	}
	h.HandleClient(ctx, client)
}

// HandleProbe replies with the current status and closes the connection.
func (h *Hub) HandleProbe(ctx context.Context, client *Client) {
	defer client.Conn.Close()

	metrics.ProbesTotal.Inc()
	h.reply(ctx, client, func() ([]byte, error) {
		status := h.Status()
		return protocol.EncodeStatus(status.Clients, status.Channels)
	})
	h.log.Debug("Served health probe", "remote", client.Conn.RemoteAddr())
}

// HandleClient registers client and processes its frames until the connection
// ends. Whatever ends the session, the client is unregistered exactly once.
func (h *Hub) HandleClient(ctx context.Context, client *Client) {
	log := h.log.With("session", client.ID, "remote", client.Conn.RemoteAddr())

	if err := h.registry.Register(client); err != nil {
		log.Error("Failed to register client", "error", err)
		return
	}
	observeRegistry(h.registry)
	log.Info("Client connected", "clients", h.registry.ClientCount())

	defer h.cleanup(client, log)
	defer func() {
		if r := recover(); r != nil {
			log.Error("Error in client handler", "panic", r)
		}
	}()

	for {
		data, err := client.Conn.Read(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				log.Info("Client connection closed")
			} else {
				log.Info("Client connection failed", "error", err)
			}
			return
		}
		h.handleFrame(ctx, client, log, data)
	}
}

func (h *Hub) cleanup(client *Client, log *slog.Logger) {
	removed, emptied := h.registry.Unregister(client)
	_ = client.Conn.Close()
	for _, name := range emptied {
		log.Info("Removed empty channel", "channel", name)
	}
	if removed {
		observeRegistry(h.registry)
		log.Info("Client disconnected", "clients", h.registry.ClientCount())
	}
}

func (h *Hub) handleFrame(ctx context.Context, client *Client, log *slog.Logger, data []byte) {
	env, err := protocol.Decode(data)
	if err != nil {
		log.Warn("Invalid JSON from client", "error", err)
		metrics.ProtocolErrorsTotal.WithLabelValues("invalid_json").Inc()
		h.reply(ctx, client, protocol.EncodeInvalidJSON)
		return
	}
	log.Debug("Received frame", "type", env.Type, "channel", env.Channel)

	switch env.Type {
	case protocol.MessageTypeJoin:
		h.handleJoin(ctx, client, log, env)
	case protocol.MessageTypeRelay:
		h.handleRelay(ctx, client, log, env)
	case protocol.MessageTypeDirect:
		log.Debug("Received direct message", "id", string(env.ID))
	default:
		kind := env.Kind
		if kind == "" {
			kind = "no-type"
		}
		log.Warn("Unknown message type", "type", kind)
	}
}

func (h *Hub) handleJoin(ctx context.Context, client *Client, log *slog.Logger, env *protocol.Envelope) {
	size, err := h.registry.Join(client, env.Channel)
	switch {
	case errors.Is(err, ErrChannelRequired):
		metrics.ProtocolErrorsTotal.WithLabelValues("channel_required").Inc()
		h.reply(ctx, client, protocol.EncodeChannelRequired)
		return
	case err != nil:
		log.Error("Failed to join channel", "channel", env.Channel, "error", err)
		return
	}
	observeRegistry(h.registry)
	log.Info("Client joined channel", "channel", env.Channel, "size", size)

	h.reply(ctx, client, func() ([]byte, error) { return protocol.EncodeJoined(env.Channel) })
}

func (h *Hub) handleRelay(ctx context.Context, client *Client, log *slog.Logger, env *protocol.Envelope) {
	if env.Channel != "" {
		_, err := h.broadcaster.Broadcast(ctx, env.Channel, env.Raw, client)
		if err == nil {
			return
		}
		if !errors.Is(err, ErrChannelNotFound) {
			log.Error("Broadcast failed", "channel", env.Channel, "error", err)
			return
		}
	}
	metrics.ProtocolErrorsTotal.WithLabelValues("channel_not_found").Inc()
	h.reply(ctx, client, func() ([]byte, error) {
		return protocol.EncodeChannelNotFound(env.ID, env.ChannelLabel())
	})
}

// reply encodes and writes a reply to client. Send failures are only logged;
// the read loop notices a dead connection on its own.
func (h *Hub) reply(ctx context.Context, client *Client, encode func() ([]byte, error)) {
	data, err := encode()
	if err != nil {
		h.log.Error("Failed to encode reply", "session", client.ID, "error", err)
		return
	}
	if h.writeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.writeTimeout)
		defer cancel()
	}
	if err := client.Conn.Write(ctx, data); err != nil {
		h.log.Debug("Failed to send reply", "session", client.ID, "error", err)
	}
}

// Status returns the probe view of the registry.
func (h *Hub) Status() protocol.Status {
	return protocol.Status{
		Status:   protocol.StatusHealthy,
		Clients:  h.registry.ClientCount(),
		Channels: h.registry.Channels(),
	}
}

// CloseAll closes every registered connection. Each session then takes its
// normal termination path.
func (h *Hub) CloseAll() error {
	var errs []error
	for _, c := range h.registry.Clients() {
		if err := c.Conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", c.ID, err))
		}
	}
	return errors.Join(errs...)
}

func observeRegistry(r *Registry) {
	metrics.ConnectedClients.Set(float64(r.ClientCount()))
	metrics.ActiveChannels.Set(float64(r.ChannelCount()))
}
