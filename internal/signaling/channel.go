package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	outgoingSize   = 256

	DefaultReconnectBase = 100 * time.Millisecond
	DefaultReconnectMax  = 2500 * time.Millisecond
)

var (
	// ErrClosed is returned by Send once the channel has been torn down.
	ErrClosed = errors.New("signaling: channel closed")

	// ErrQueueFull is returned by Send when the outgoing queue has no room,
	// typically after a long disconnect. The frame is dropped.
	ErrQueueFull = errors.New("signaling: outgoing queue full")
)

// State is the connection state of a Channel.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Owner is a room holding a reference on a Channel.
type Owner interface {
	// Topic is the topic the owner subscribes to.
	Topic() string

	// ChannelOpened is called after the socket opens and the owner's topic
	// has been subscribed, and immediately on acquire of an open channel.
	ChannelOpened(ch *Channel)

	// ChannelClosed is called when the socket drops.
	ChannelClosed(ch *Channel)

	// HandlePublish receives the data of every publish on the owner's topic.
	HandlePublish(ch *Channel, data json.RawMessage)
}

// ChannelConfig configures dialing and reconnection.
type ChannelConfig struct {
	Dialer        *websocket.Dialer
	ReconnectBase time.Duration
	ReconnectMax  time.Duration
	Logger        *slog.Logger
}

func (c ChannelConfig) withDefaults() ChannelConfig {
	if c.Dialer == nil {
		c.Dialer = websocket.DefaultDialer
	}
	if c.ReconnectBase <= 0 {
		c.ReconnectBase = DefaultReconnectBase
	}
	if c.ReconnectMax <= 0 {
		c.ReconnectMax = DefaultReconnectMax
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Channel is a single reconnecting WebSocket to one signaling URL, shared
// by every room of a hub that uses that URL.
type Channel struct {
	url    string
	cfg    ChannelConfig
	logger *slog.Logger

	outgoing chan *Message
	ctx      context.Context
	cancel   context.CancelFunc

	mu      sync.Mutex
	owners  map[Owner]struct{}
	state   State
	retired bool
	done    chan struct{}
}

func newChannel(url string, cfg ChannelConfig) *Channel {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Channel{
		url:      url,
		cfg:      cfg,
		logger:   cfg.Logger.With("url", url),
		outgoing: make(chan *Message, outgoingSize),
		ctx:      ctx,
		cancel:   cancel,
		owners:   make(map[Owner]struct{}),
		done:     make(chan struct{}),
	}
	go c.run()
	return c
}

// URL returns the signaling URL this channel dials.
func (c *Channel) URL() string { return c.url }

// State returns the current connection state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connected reports whether the socket is open.
func (c *Channel) Connected() bool {
	return c.State() == StateOpen
}

// Send queues msg for the write pump without blocking. Messages queued
// while disconnected are written once the socket opens.
func (c *Channel) Send(msg *Message) error {
	select {
	case <-c.ctx.Done():
		return ErrClosed
	default:
	}

	select {
	case c.outgoing <- msg:
		return nil
	default:
		c.logger.Debug("outgoing queue full, dropping frame", "type", msg.Type, "topic", msg.Topic)
		return ErrQueueFull
	}
}

// Done is closed once the channel has fully shut down.
func (c *Channel) Done() <-chan struct{} { return c.done }

// acquire adds owner. It returns false if the channel is already retired,
// in which case the caller must create a new one. An owner added before
// serve marks the channel open is subscribed and notified by serve;
// later owners are handled here.
func (c *Channel) acquire(owner Owner) bool {
	c.mu.Lock()
	if c.retired {
		c.mu.Unlock()
		return false
	}
	_, had := c.owners[owner]
	c.owners[owner] = struct{}{}
	open := c.state == StateOpen
	c.mu.Unlock()

	if open && !had {
		if err := c.Send(Subscribe(owner.Topic())); err != nil {
			c.logger.Debug("subscribe on acquire failed", "topic", owner.Topic(), "error", err)
		}
		owner.ChannelOpened(c)
	}
	return true
}

// release removes owner and reports whether the channel is now unowned
// (and retired).
func (c *Channel) release(owner Owner) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.owners, owner)
	if len(c.owners) == 0 {
		c.retired = true
	}
	return c.retired
}

// Owners returns the number of owners holding this channel.
func (c *Channel) Owners() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.owners)
}

// Close tears the channel down regardless of owners. Frames already
// queued are flushed before the socket closes.
func (c *Channel) Close() {
	c.mu.Lock()
	c.retired = true
	c.mu.Unlock()
	c.cancel()
}

func (c *Channel) snapshot() ([]Owner, []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Channel) snapshotLocked() ([]Owner, []string) {
	owners := make([]Owner, 0, len(c.owners))
	topics := make([]string, 0, len(c.owners))
	seen := make(map[string]bool, len(c.owners))
	for o := range c.owners {
		owners = append(owners, o)
		if t := o.Topic(); !seen[t] {
			seen[t] = true
			topics = append(topics, t)
		}
	}
	return owners, topics
}

func (c *Channel) setState(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = s
}

func (c *Channel) backoff(attempt int) time.Duration {
	d := c.cfg.ReconnectBase
	for i := 0; i < attempt && d < c.cfg.ReconnectMax; i++ {
		d *= 2
	}
	return min(d, c.cfg.ReconnectMax)
}

// run dials, serves and redials until the channel is closed.
func (c *Channel) run() {
	defer func() {
		c.setState(StateClosed)
		close(c.done)
	}()

	attempt := 0
	for c.ctx.Err() == nil {
		c.setState(StateConnecting)

		conn, _, err := c.cfg.Dialer.DialContext(c.ctx, c.url, nil)
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			c.logger.Debug("dial failed", "attempt", attempt, "error", err)
			c.setState(StateDisconnected)
		} else {
			attempt = 0
			c.serve(conn)
			c.setState(StateDisconnected)
			if c.ctx.Err() != nil {
				return
			}
			c.logger.Info("signaling connection lost, reconnecting")
			owners, _ := c.snapshot()
			for _, o := range owners {
				o.ChannelClosed(c)
			}
		}

		select {
		case <-c.ctx.Done():
			return
		case <-time.After(c.backoff(attempt)):
		}
		attempt++
	}
}

// serve runs one socket until it fails.
func (c *Channel) serve(conn *websocket.Conn) {
	defer conn.Close()

	if c.ctx.Err() != nil {
		return
	}

	conn.SetReadLimit(maxMessageSize)
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	// Opening and taking the owner snapshot happen together, so every owner
	// is either subscribed below or sees the channel open in acquire.
	c.mu.Lock()
	c.state = StateOpen
	owners, topics := c.snapshotLocked()
	c.mu.Unlock()

	if len(topics) > 0 {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(Subscribe(topics...)); err != nil {
			c.logger.Debug("subscribe failed", "error", err)
			return
		}
	}

	stop := make(chan struct{})
	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		c.writePump(conn, stop)
	}()

	c.logger.Debug("signaling connection open", "topics", len(topics))
	for _, o := range owners {
		o.ChannelOpened(c)
	}

	c.readPump(conn)
	close(stop)
	<-pumpDone
}

// readPump reads frames and dispatches publishes to the owners of the topic.
func (c *Channel) readPump(conn *websocket.Conn) {
	conn.SetReadDeadline(time.Now().Add(pongWait))

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) && c.ctx.Err() == nil {
				c.logger.Debug("read failed", "error", err)
			}
			return
		}

		msg, err := DecodeMessage(raw)
		if err != nil {
			c.logger.Debug("dropping malformed frame", "error", err)
			continue
		}
		if msg.Type != MessageTypePublish {
			continue
		}

		owners, _ := c.snapshot()
		for _, o := range owners {
			if o.Topic() == msg.Topic {
				o.HandlePublish(c, msg.Data)
			}
		}
	}
}

// writePump writes queued frames to the socket and sends periodic pings.
func (c *Channel) writePump(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg := <-c.outgoing:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(msg); err != nil {
				c.logger.Debug("write failed", "type", msg.Type, "error", err)
				conn.Close()
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				conn.Close()
				return
			}

		case <-stop:
			return

		case <-c.ctx.Done():
			c.drain(conn)
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			conn.Close()
			return
		}
	}
}

// drain flushes frames already queued when the channel is closed, so a
// final unsubscribe still reaches the server.
func (c *Channel) drain(conn *websocket.Conn) {
	for {
		select {
		case msg := <-c.outgoing:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		default:
			return
		}
	}
}
