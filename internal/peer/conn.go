// Package peer manages one WebRTC session per remote identity, including
// glare resolution when both sides offer at once.
package peer

import (
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/BioHazard786/warpmesh/internal/protocol"
	"github.com/BioHazard786/warpmesh/internal/signaling"
)

const (
	DefaultHandshakeTimeout = 30 * time.Second

	// maxBufferedCandidates bounds the remote candidates kept for replay.
	maxBufferedCandidates = 64
)

// Handlers receive a connection's events. Any of them may be nil.
type Handlers struct {
	OnSignal  func(c *Conn, sig *signaling.SignalPayload, token float64)
	OnConnect func(c *Conn)
	OnData    func(c *Conn, data []byte)
	OnSynced  func(c *Conn)
	OnClose   func(c *Conn)
}

// Options tunes a Conn.
type Options struct {
	// LocalID is sent in the sync handshake.
	LocalID string

	// HandshakeTimeout destroys a connection that has not connected in
	// time. Zero means DefaultHandshakeTimeout; negative disables it.
	HandshakeTimeout time.Duration

	// Token generates glare tokens. Defaults to NewToken.
	Token func() float64

	Logger *slog.Logger
}

// NewToken returns a glare token: the current time in milliseconds plus a
// random fraction.
func NewToken() float64 {
	return float64(time.Now().UnixMilli()) + rand.Float64()
}

// Conn is the session with one remote peer.
type Conn struct {
	remoteID string
	factory  TransportFactory
	h        Handlers
	opts     Options
	logger   *slog.Logger

	// sigMu keeps remote signals in arrival order.
	sigMu sync.Mutex

	mu         sync.Mutex
	transport  Transport
	gen        uint64
	initiator  bool
	started    bool
	connected  bool
	synced     bool
	destroyed  bool
	glareToken float64
	candidates []*signaling.SignalPayload
	replay     []*signaling.SignalPayload
	reap       *time.Timer
}

// New returns an unstarted connection to remoteID.
func New(remoteID string, initiator bool, factory TransportFactory, h Handlers, opts Options) *Conn {
	if opts.HandshakeTimeout == 0 {
		opts.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if opts.Token == nil {
		opts.Token = NewToken
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Conn{
		remoteID:  remoteID,
		factory:   factory,
		h:         h,
		opts:      opts,
		logger:    opts.Logger.With("peer", remoteID),
		initiator: initiator,
	}
}

func (c *Conn) RemoteID() string { return c.remoteID }

func (c *Conn) Initiator() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.initiator
}

func (c *Conn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *Conn) Synced() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.synced
}

func (c *Conn) Destroyed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.destroyed
}

// GlareToken returns the local glare token, or 0 if none is set.
func (c *Conn) GlareToken() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.glareToken
}

// Start creates the transport and begins negotiation.
func (c *Conn) Start() error {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return newError("start", c.remoteID, ErrClosed)
	}
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = true
	t, err := c.newTransportLocked()
	if err != nil {
		c.mu.Unlock()
		return newError("start", c.remoteID, err)
	}
	if c.opts.HandshakeTimeout > 0 {
		c.reap = time.AfterFunc(c.opts.HandshakeTimeout, c.reapIfPending)
	}
	c.mu.Unlock()

	if err := t.Start(); err != nil {
		return newError("start", c.remoteID, err)
	}
	return nil
}

// newTransportLocked replaces the transport. Events from earlier
// transports are ignored from then on.
func (c *Conn) newTransportLocked() (Transport, error) {
	c.gen++
	gen := c.gen
	t, err := c.factory(c.initiator, TransportEvents{
		OnSignal:  func(sig *signaling.SignalPayload) { c.emitSignal(gen, sig) },
		OnConnect: func() { c.handleConnect(gen) },
		OnData:    func(data []byte) { c.handleData(gen, data) },
		OnClose:   func() { c.handleClose(gen) },
	})
	if err != nil {
		return nil, err
	}
	c.transport = t
	return t, nil
}

func (c *Conn) current(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.destroyed && gen == c.gen
}

// AcceptOffer resolves glare for an incoming offer carrying remoteToken.
// It returns false if the local side wins and the offer must be dropped.
// Otherwise the local token is cleared and, if this side was still
// negotiating its own offer, it switches to answering.
func (c *Conn) AcceptOffer(remoteToken float64) bool {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return false
	}
	if c.glareToken != 0 && c.glareToken > remoteToken {
		c.mu.Unlock()
		c.logger.Debug("glare: keeping local offer", "local", c.glareToken, "remote", remoteToken)
		return false
	}
	c.glareToken = 0

	if !c.started || !c.initiator || c.connected {
		c.mu.Unlock()
		return true
	}

	old := c.transport
	c.initiator = false
	t, err := c.newTransportLocked()
	if err != nil {
		c.mu.Unlock()
		c.logger.Warn("glare: cannot create answering transport", "error", err)
		c.Destroy()
		return false
	}
	c.replay = c.candidates
	c.candidates = nil
	c.mu.Unlock()

	c.logger.Debug("glare: yielding to remote offer", "remote", remoteToken)
	if old != nil {
		old.Close()
	}
	if err := t.Start(); err != nil {
		c.logger.Warn("glare: starting answering transport failed", "error", err)
		c.Destroy()
		return false
	}
	return true
}

// ResetGlareToken clears the local token once the remote has answered.
func (c *Conn) ResetGlareToken() {
	c.mu.Lock()
	c.glareToken = 0
	c.mu.Unlock()
}

// Signal feeds a remote signal to the transport.
func (c *Conn) Signal(sig *signaling.SignalPayload) error {
	c.sigMu.Lock()
	defer c.sigMu.Unlock()

	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return newError("signal", c.remoteID, ErrClosed)
	}
	t := c.transport
	if t == nil {
		c.mu.Unlock()
		return newError("signal", c.remoteID, ErrNotConnected)
	}
	if sig.Type == signaling.SignalTypeCandidate && !c.connected && len(c.candidates) < maxBufferedCandidates {
		c.candidates = append(c.candidates, sig)
	}
	var replay []*signaling.SignalPayload
	if sig.Type == signaling.SignalTypeOffer {
		replay, c.replay = c.replay, nil
	}
	c.mu.Unlock()

	if err := t.Signal(sig); err != nil {
		return wrapError("signal", c.remoteID, err, sig.Type)
	}
	for _, cand := range replay {
		if err := t.Signal(cand); err != nil {
			c.logger.Debug("replaying candidate failed", "error", err)
		}
	}
	return nil
}

// Send writes payload to the remote peer.
func (c *Conn) Send(payload []byte) error {
	c.mu.Lock()
	t, connected, destroyed := c.transport, c.connected, c.destroyed
	c.mu.Unlock()

	if destroyed {
		return newError("send", c.remoteID, ErrClosed)
	}
	if !connected {
		return newError("send", c.remoteID, ErrNotConnected)
	}

	b, err := protocol.Encode(protocol.TypeData, payload)
	if err != nil {
		return newError("send", c.remoteID, err)
	}
	if err := t.Send(b); err != nil {
		return newError("send", c.remoteID, err)
	}
	return nil
}

// Destroy closes the transport and reports close once.
func (c *Conn) Destroy() {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	c.destroyed = true
	t := c.transport
	if c.reap != nil {
		c.reap.Stop()
	}
	c.mu.Unlock()

	if t != nil {
		t.Close()
	}
	if c.h.OnClose != nil {
		c.h.OnClose(c)
	}
}

func (c *Conn) emitSignal(gen uint64, sig *signaling.SignalPayload) {
	c.mu.Lock()
	if c.destroyed || gen != c.gen {
		c.mu.Unlock()
		return
	}
	if c.glareToken == 0 {
		c.glareToken = c.opts.Token()
	}
	token := c.glareToken
	c.mu.Unlock()

	if c.h.OnSignal != nil {
		c.h.OnSignal(c, sig, token)
	}
}

func (c *Conn) handleConnect(gen uint64) {
	c.mu.Lock()
	if c.destroyed || gen != c.gen || c.connected {
		c.mu.Unlock()
		return
	}
	c.connected = true
	c.candidates = nil
	c.replay = nil
	if c.reap != nil {
		c.reap.Stop()
	}
	t := c.transport
	c.mu.Unlock()

	c.logger.Info("peer connected")
	c.sendControl(t, protocol.TypeSyncStep1)
	if c.h.OnConnect != nil {
		c.h.OnConnect(c)
	}
}

func (c *Conn) handleData(gen uint64, raw []byte) {
	if !c.current(gen) {
		return
	}

	msg, err := protocol.Decode(raw)
	if err != nil {
		c.logger.Debug("dropping undecodable message", "error", err)
		return
	}

	switch msg.Type {
	case protocol.TypeData:
		var payload []byte
		if err := msg.DecodePayload(&payload); err != nil {
			c.logger.Debug("dropping undecodable data", "error", err)
			return
		}
		if c.h.OnData != nil {
			c.h.OnData(c, payload)
		}

	case protocol.TypeSyncStep1:
		c.mu.Lock()
		t := c.transport
		c.mu.Unlock()
		c.sendControl(t, protocol.TypeSyncStep2)

	case protocol.TypeSyncStep2:
		c.mu.Lock()
		was := c.synced
		c.synced = true
		c.mu.Unlock()
		if !was && c.h.OnSynced != nil {
			c.h.OnSynced(c)
		}

	default:
		c.logger.Debug("dropping unknown message", "type", msg.Type)
	}
}

func (c *Conn) handleClose(gen uint64) {
	if !c.current(gen) {
		return
	}
	c.Destroy()
}

func (c *Conn) reapIfPending() {
	c.mu.Lock()
	pending := !c.connected && !c.destroyed
	c.mu.Unlock()
	if !pending {
		return
	}
	c.logger.Warn("destroying half-open connection", "error", ErrHandshakeTimeout)
	c.Destroy()
}

func (c *Conn) sendControl(t Transport, typ string) {
	b, err := protocol.Encode(typ, protocol.SyncPayload{PeerID: c.opts.LocalID})
	if err != nil {
		return
	}
	if err := t.Send(b); err != nil {
		c.logger.Debug("sending control message failed", "type", typ, "error", err)
	}
}
