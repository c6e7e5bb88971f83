package signaling

import (
	"sync"

	"github.com/gorilla/websocket"

	"github.com/BioHazard786/warpmesh/internal/dns"
)

// Registry guarantees at most one live Channel per signaling URL.
type Registry struct {
	cfg ChannelConfig

	mu       sync.Mutex
	channels map[string]*Channel
}

// NewRegistry returns an empty registry that creates channels with cfg.
func NewRegistry(cfg ChannelConfig) *Registry {
	return &Registry{
		cfg:      cfg.withDefaults(),
		channels: make(map[string]*Channel),
	}
}

// NewDialer returns a websocket dialer resolving hosts through resolver.
func NewDialer(resolver *dns.Resolver) *websocket.Dialer {
	return &websocket.Dialer{
		Proxy:            websocket.DefaultDialer.Proxy,
		HandshakeTimeout: writeWait,
		NetDialContext:   resolver.DialContext,
	}
}

// Acquire returns the channel for url, creating it if needed, with owner
// holding a reference on it.
func (r *Registry) Acquire(url string, owner Owner) *Channel {
	for {
		r.mu.Lock()
		ch, ok := r.channels[url]
		if !ok {
			ch = newChannel(url, r.cfg)
			r.channels[url] = ch
		}
		r.mu.Unlock()

		// The channel may have been retired between the lookup and here.
		if ch.acquire(owner) {
			return ch
		}

		r.mu.Lock()
		if r.channels[url] == ch {
			delete(r.channels, url)
		}
		r.mu.Unlock()
	}
}

// Release drops owner's reference on url. The channel is closed once no
// owners remain.
func (r *Registry) Release(url string, owner Owner) {
	r.mu.Lock()
	ch, ok := r.channels[url]
	if !ok {
		r.mu.Unlock()
		return
	}
	empty := ch.release(owner)
	if empty {
		delete(r.channels, url)
	}
	r.mu.Unlock()

	if empty {
		ch.Close()
	}
}

// Get returns the live channel for url, if any.
func (r *Registry) Get(url string) (*Channel, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.channels[url]
	return ch, ok
}

// Len returns the number of live channels.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.channels)
}

// Close closes every channel.
func (r *Registry) Close() {
	r.mu.Lock()
	channels := r.channels
	r.channels = make(map[string]*Channel)
	r.mu.Unlock()

	for _, ch := range channels {
		ch.Close()
	}
}
