// Package relay is a topic pub/sub signaling server: clients subscribe to
// topics and every publish is forwarded to all subscribers of its topic,
// the publisher included.
package relay

import (
	"log/slog"
	"sync/atomic"

	"github.com/BioHazard786/warpmesh/internal/signaling"
)

// inbound is a frame read from a client, tagged with its sender.
type inbound struct {
	client *Client
	msg    *signaling.Message
}

// Hub is the central brain of the relay.
// It manages all topics and the clients subscribed to them.
type Hub struct {
	// topics maps a topic to its subscribers.
	topics map[string]map[*Client]struct{}

	// Register is a channel for registering new clients.
	Register chan *Client

	// Unregister is a channel for unregistering clients.
	Unregister chan *Client

	// inbound carries frames read by client read pumps.
	inbound chan inbound

	quit chan struct{}
	done chan struct{}

	accepted  atomic.Int64
	connected atomic.Int64

	logger *slog.Logger
}

// NewHub creates a new Hub instance.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		topics:     make(map[string]map[*Client]struct{}),
		Register:   make(chan *Client),
		Unregister: make(chan *Client),
		inbound:    make(chan inbound),
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
		logger:     logger.With("component", "relay"),
	}
}

// Accepted returns the number of WebSocket connections accepted so far.
func (h *Hub) Accepted() int64 { return h.accepted.Load() }

// Connected returns the number of currently connected clients.
func (h *Hub) Connected() int64 { return h.connected.Load() }

// Stop ends Run.
func (h *Hub) Stop() {
	select {
	case <-h.quit:
	default:
		close(h.quit)
	}
	<-h.done
}

// Run starts the hub's main processing loop.
// This is the single goroutine that owns the topic table.
func (h *Hub) Run() {
	defer close(h.done)

	for {
		select {
		case client := <-h.Register:
			h.connected.Add(1)
			h.logger.Debug("client registered", "remote", client.remote)

		case client := <-h.Unregister:
			h.connected.Add(-1)
			h.unsubscribeAll(client)
			close(client.Send)
			h.logger.Debug("client unregistered", "remote", client.remote)

		case in := <-h.inbound:
			h.handle(in)

		case <-h.quit:
			return
		}
	}
}

func (h *Hub) handle(in inbound) {
	switch in.msg.Type {
	case signaling.MessageTypeSubscribe:
		for _, topic := range in.msg.Topics {
			subs, ok := h.topics[topic]
			if !ok {
				subs = make(map[*Client]struct{})
				h.topics[topic] = subs
			}
			subs[in.client] = struct{}{}
			in.client.topics[topic] = struct{}{}
		}

	case signaling.MessageTypeUnsubscribe:
		for _, topic := range in.msg.Topics {
			h.unsubscribe(in.client, topic)
		}

	case signaling.MessageTypePublish:
		for sub := range h.topics[in.msg.Topic] {
			h.deliver(sub, in.msg)
		}

	case signaling.MessageTypePing:
		h.deliver(in.client, &signaling.Message{Type: signaling.MessageTypePong})
	}
}

// deliver queues msg for client without blocking the hub. A client that
// cannot keep up loses the frame.
func (h *Hub) deliver(client *Client, msg *signaling.Message) {
	select {
	case client.Send <- msg:
	default:
		h.logger.Warn("client send buffer full, dropping frame", "remote", client.remote, "type", msg.Type)
	}
}

func (h *Hub) unsubscribe(client *Client, topic string) {
	delete(client.topics, topic)
	subs, ok := h.topics[topic]
	if !ok {
		return
	}
	delete(subs, client)
	if len(subs) == 0 {
		delete(h.topics, topic)
	}
}

func (h *Hub) unsubscribeAll(client *Client) {
	for topic := range client.topics {
		h.unsubscribe(client, topic)
	}
}
