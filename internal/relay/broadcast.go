package relay

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/omochice/channel-relay/internal/metrics"
)

// Broadcaster fans a frame out to the members of a channel.
//
// Delivery is best effort: each recipient is written independently, failures
// never reach the caller, and every recipient whose write failed is evicted
// from the Registry once the sweep is over.
type Broadcaster struct {
	registry     *Registry
	log          *slog.Logger
	writeTimeout time.Duration
}

// NewBroadcaster creates a Broadcaster over registry. A positive
// writeTimeout bounds each delivery.
func NewBroadcaster(registry *Registry, log *slog.Logger, writeTimeout time.Duration) *Broadcaster {
	return &Broadcaster{
		registry:     registry,
		log:          log,
		writeTimeout: writeTimeout,
	}
}

type failedDelivery struct {
	client *Client
	err    error
}

// Broadcast delivers payload to every member of channel except sender and
// returns the number of successful deliveries. It returns ErrChannelNotFound,
// and does nothing else, when the channel does not exist.
//
// Deliveries run concurrently; Broadcast returns once all of them finished,
// so successive broadcasts from one caller reach each recipient in order.
func (b *Broadcaster) Broadcast(ctx context.Context, channel string, payload []byte, sender *Client) (int, error) {
	if !b.registry.Exists(channel) {
		b.log.Warn("Attempted to broadcast to non-existent channel", "channel", channel)
		return 0, ErrChannelNotFound
	}
	metrics.BroadcastsTotal.Inc()

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		delivered int
		failed    []failedDelivery
	)
	for _, member := range b.registry.Members(channel) {
		if member == sender {
			continue
		}
		wg.Add(1)
		go func(member *Client) {
			defer wg.Done()
			err := b.deliver(ctx, member, payload)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed = append(failed, failedDelivery{client: member, err: err})
				return
			}
			delivered++
		}(member)
	}
	wg.Wait()

	metrics.DeliveriesTotal.WithLabelValues("ok").Add(float64(delivered))
	metrics.DeliveriesTotal.WithLabelValues("failed").Add(float64(len(failed)))

	for _, f := range failed {
		b.evict(f.client, channel, f.err)
	}

	if delivered > 0 {
		b.log.Debug("Broadcasted message", "channel", channel, "delivered", delivered)
	}
	return delivered, nil
}

// deliver writes payload to c. A panicking Conn counts as a failed delivery.
func (b *Broadcaster) deliver(ctx context.Context, c *Client, payload []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("delivery to %s panicked: %v", c.ID, r)
		}
	}()
	if b.writeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.writeTimeout)
		defer cancel()
	}
	return c.Conn.Write(ctx, payload)
}

// evict drops c from every channel and the global set, then closes it so its
// session notices and finishes.
func (b *Broadcaster) evict(c *Client, channel string, cause error) {
	removed, emptied := b.registry.Unregister(c)
	_ = c.Conn.Close()
	if !removed {
		return
	}
	metrics.EvictionsTotal.Inc()
	observeRegistry(b.registry)

	b.log.Warn("Evicted client after failed delivery",
		"session", c.ID,
		"remote", c.Conn.RemoteAddr(),
		"channel", channel,
		"error", cause,
	)
	for _, name := range emptied {
		b.log.Info("Removed empty channel", "channel", name)
	}
}
