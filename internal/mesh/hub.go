// Package mesh is the public facade: a Hub owns the signaling channels of
// one execution context and hands out a Coordinator per room.
package mesh

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/BioHazard786/warpmesh/internal/bus"
	"github.com/BioHazard786/warpmesh/internal/cryptoutil"
	"github.com/BioHazard786/warpmesh/internal/leader"
	"github.com/BioHazard786/warpmesh/internal/peer"
	"github.com/BioHazard786/warpmesh/internal/room"
	"github.com/BioHazard786/warpmesh/internal/signaling"
)

var (
	ErrRoomExists  = errors.New("mesh: room already exists")
	ErrNoBroadcast = errors.New("mesh: broadcast bus and leader election are required")
	ErrClosed      = errors.New("mesh: hub closed")
)

// HubConfig configures a Hub.
type HubConfig struct {
	// Bus and Election connect this context to its siblings.
	Bus      bus.Bus
	Election leader.Election

	// NewTransport creates peer transports. Defaults to pion with no ICE
	// servers.
	NewTransport peer.TransportFactory

	Dialer        *websocket.Dialer
	ReconnectBase time.Duration
	ReconnectMax  time.Duration

	HandshakeTimeout time.Duration
	Logger           *slog.Logger
}

// Options are per-room settings.
type Options struct {
	// Password seals signaling and bus traffic. Empty means plaintext.
	Password string
}

// Hub owns the rooms and signaling channels of one execution context.
type Hub struct {
	cfg      HubConfig
	registry *signaling.Registry
	logger   *slog.Logger

	mu     sync.Mutex
	rooms  map[string]*Coordinator
	closed bool
}

func NewHub(cfg HubConfig) (*Hub, error) {
	if cfg.Bus == nil || cfg.Election == nil {
		return nil, ErrNoBroadcast
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.NewTransport == nil {
		cfg.NewTransport = peer.NewPionFactory(peer.PionOptions{Logger: cfg.Logger})
	}

	return &Hub{
		cfg: cfg,
		registry: signaling.NewRegistry(signaling.ChannelConfig{
			Dialer:        cfg.Dialer,
			ReconnectBase: cfg.ReconnectBase,
			ReconnectMax:  cfg.ReconnectMax,
			Logger:        cfg.Logger,
		}),
		logger: cfg.Logger,
		rooms:  make(map[string]*Coordinator),
	}, nil
}

// Create joins room name through the given signaling URLs.
func (h *Hub) Create(name string, urls []string, opts Options) (*Coordinator, error) {
	if name == "" {
		return nil, errors.New("mesh: empty room name")
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrClosed
	}
	if _, ok := h.rooms[name]; ok {
		h.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrRoomExists, name)
	}
	// Reserve the name while the room is built.
	h.rooms[name] = nil
	h.mu.Unlock()

	c, err := h.newCoordinator(name, urls, opts)

	h.mu.Lock()
	if err != nil || h.closed {
		delete(h.rooms, name)
		closed := h.closed
		h.mu.Unlock()
		if err != nil {
			return nil, err
		}
		if closed {
			c.room.Destroy()
		}
		return nil, ErrClosed
	}
	h.rooms[name] = c
	h.mu.Unlock()

	c.room.Start()
	return c, nil
}

func (h *Hub) newCoordinator(name string, urls []string, opts Options) (*Coordinator, error) {
	var key *cryptoutil.Key
	if opts.Password != "" {
		k, err := cryptoutil.DeriveKey(opts.Password, name)
		if err != nil {
			return nil, err
		}
		key = k
	}

	el, err := h.cfg.Election.Elector(name)
	if err != nil {
		return nil, fmt.Errorf("elector for %s: %w", name, err)
	}

	c := &Coordinator{
		hub:    h,
		name:   name,
		urls:   dedupe(urls),
		logger: h.logger.With("room", name),
	}
	r, err := room.New(room.Config{
		Name:             name,
		Key:              key,
		Bus:              h.cfg.Bus,
		Elector:          el,
		NewTransport:     h.cfg.NewTransport,
		Observer:         c,
		OnLeader:         c.acquireSignaling,
		OnStepDown:       c.stepDown,
		HandshakeTimeout: h.cfg.HandshakeTimeout,
		Logger:           h.logger,
	})
	if err != nil {
		el.Die()
		return nil, err
	}
	c.room = r
	return c, nil
}

func (h *Hub) remove(name string, c *Coordinator) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[name] == c {
		delete(h.rooms, name)
	}
}

// Room returns the coordinator for name, if any.
func (h *Hub) Room(name string) (*Coordinator, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.rooms[name]
	return c, ok && c != nil
}

// Channels returns the number of open signaling channels.
func (h *Hub) Channels() int {
	return h.registry.Len()
}

// Close destroys every room and closes every signaling channel.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	rooms := make([]*Coordinator, 0, len(h.rooms))
	for _, c := range h.rooms {
		if c != nil {
			rooms = append(rooms, c)
		}
	}
	h.mu.Unlock()

	for _, c := range rooms {
		c.Destroy()
	}
	h.registry.Close()
}

func dedupe(urls []string) []string {
	out := make([]string, 0, len(urls))
	for _, u := range urls {
		if u != "" && !slices.Contains(out, u) {
			out = append(out, u)
		}
	}
	return out
}
