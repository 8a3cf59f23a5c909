package relay

import (
	"sync"

	"github.com/samber/lo"
)

type memberSet map[*Client]struct{}

// Registry owns the set of live clients and the channel membership.
//
// Invariants, holding after every call:
//   - every channel member is also a registered client;
//   - no channel has an empty member set;
//   - the maps never leave the Registry; accessors return copies.
//
// All methods are safe for concurrent use and never block on I/O.
type Registry struct {
	mu       sync.RWMutex
	clients  memberSet
	channels map[string]memberSet
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		clients:  make(memberSet),
		channels: make(map[string]memberSet),
	}
}

// Register adds a client to the global set.
func (r *Registry) Register(c *Client) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.clients[c]; ok {
		return ErrAlreadyRegistered
	}
	r.clients[c] = struct{}{}
	return nil
}

// Unregister removes c from the global set and from every channel, deleting
// channels it leaves empty. It reports whether c was registered and which
// channels were deleted. Unregistering an unknown client is a no-op.
func (r *Registry) Unregister(c *Client) (removed bool, emptied []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.clients[c]; !ok {
		return false, nil
	}
	delete(r.clients, c)

	for name, members := range r.channels {
		if _, ok := members[c]; !ok {
			continue
		}
		delete(members, c)
		if len(members) == 0 {
			delete(r.channels, name)
			emptied = append(emptied, name)
		}
	}
	return true, emptied
}

// Join adds c to channel, creating the channel if needed, and returns the
// resulting member count. Joining twice has no further effect.
func (r *Registry) Join(c *Client, channel string) (int, error) {
	if channel == "" {
		return 0, ErrChannelRequired
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.clients[c]; !ok {
		return 0, ErrNotRegistered
	}

	members, ok := r.channels[channel]
	if !ok {
		members = make(memberSet)
		r.channels[channel] = members
	}
	members[c] = struct{}{}
	return len(members), nil
}

// Members returns a snapshot of channel's members, empty if the channel
// does not exist.
func (r *Registry) Members(channel string) []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members, ok := r.channels[channel]
	if !ok {
		return nil
	}
	return lo.Keys(members)
}

// Exists reports whether channel currently has members.
func (r *Registry) Exists(channel string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.channels[channel]
	return ok
}

// IsMember reports whether c belongs to channel.
func (r *Registry) IsMember(c *Client, channel string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.channels[channel][c]
	return ok
}

// IsRegistered reports whether c is in the global set.
func (r *Registry) IsRegistered(c *Client) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.clients[c]
	return ok
}

// Clients returns a snapshot of all registered clients.
func (r *Registry) Clients() []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return lo.Keys(r.clients)
}

// Channels returns the member count of every channel.
func (r *Registry) Channels() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return lo.MapValues(r.channels, func(members memberSet, _ string) int {
		return len(members)
	})
}

// ClientCount returns number of registered clients.
func (r *Registry) ClientCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// ChannelCount returns number of channels.
func (r *Registry) ChannelCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.channels)
}
