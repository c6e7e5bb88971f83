package mesh

import (
	"log/slog"
	"sync"

	"github.com/BioHazard786/warpmesh/internal/room"
)

// Coordinator is the handle for one joined room.
type Coordinator struct {
	hub    *Hub
	name   string
	urls   []string
	room   *room.Room
	logger *slog.Logger

	mu       sync.Mutex
	acquired bool

	status   listeners[StatusEvent]
	peers    listeners[PeersEvent]
	messages listeners[MessageEvent]
	synced   listeners[SyncedEvent]

	destroyOnce sync.Once
}

func (c *Coordinator) Name() string      { return c.name }
func (c *Coordinator) URLs() []string    { return c.urls }
func (c *Coordinator) PeerID() string    { return c.room.PeerID() }
func (c *Coordinator) IsLeader() bool    { return c.room.IsLeader() }
func (c *Coordinator) Peers() []string   { return c.room.Peers() }
func (c *Coordinator) BCPeers() []string { return c.room.BCPeers() }
func (c *Coordinator) Synced() bool      { return c.room.Synced() }

// Send delivers payload to every peer in the room.
func (c *Coordinator) Send(payload []byte) error {
	return c.room.Send(payload)
}

// OnStatus registers fn and returns a function that unregisters it.
func (c *Coordinator) OnStatus(fn func(StatusEvent)) func() { return c.status.on(fn) }

func (c *Coordinator) OnPeers(fn func(PeersEvent)) func() { return c.peers.on(fn) }

func (c *Coordinator) OnMessage(fn func(MessageEvent)) func() { return c.messages.on(fn) }

func (c *Coordinator) OnSynced(fn func(SyncedEvent)) func() { return c.synced.on(fn) }

func (c *Coordinator) StatusChanged(ev StatusEvent)    { c.status.emit(ev) }
func (c *Coordinator) PeersChanged(ev PeersEvent)      { c.peers.emit(ev) }
func (c *Coordinator) MessageReceived(ev MessageEvent) { c.messages.emit(ev) }
func (c *Coordinator) SyncedChanged(ev SyncedEvent)    { c.synced.emit(ev) }

// acquireSignaling runs each time this context wins leadership of the room.
func (c *Coordinator) acquireSignaling(r *room.Room) {
	c.mu.Lock()
	if c.acquired {
		c.mu.Unlock()
		return
	}
	c.acquired = true
	c.mu.Unlock()

	for _, url := range c.urls {
		c.hub.registry.Acquire(url, r)
	}
	c.logger.Debug("signaling acquired", "urls", c.urls)

	// Destroy may have run while the channels were being acquired.
	if r.Destroyed() {
		for _, url := range c.urls {
			c.hub.registry.Release(url, r)
		}
	}
}

// stepDown hands the channels back when a leadership term ends, so a
// room that is no longer leader holds no subscription.
func (c *Coordinator) stepDown(*room.Room) {
	c.releaseSignaling()
	c.logger.Debug("signaling released after losing leadership")
}

func (c *Coordinator) releaseSignaling() {
	c.mu.Lock()
	acquired := c.acquired
	c.acquired = false
	c.mu.Unlock()
	if !acquired {
		return
	}
	for _, url := range c.urls {
		c.hub.registry.Release(url, c.room)
	}
}

// Destroy leaves the room. Listeners receive a final disconnected status.
func (c *Coordinator) Destroy() {
	c.destroyOnce.Do(func() {
		c.room.Destroy()
		c.releaseSignaling()
		c.hub.remove(c.name, c)
		c.status.clear()
		c.peers.clear()
		c.messages.clear()
		c.synced.clear()
	})
}
