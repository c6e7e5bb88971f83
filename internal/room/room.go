// Package room runs one mesh room inside one execution context: leader
// election among sibling contexts, peer discovery over signaling, and
// relaying of application data.
package room

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/BioHazard786/warpmesh/internal/bus"
	"github.com/BioHazard786/warpmesh/internal/cryptoutil"
	"github.com/BioHazard786/warpmesh/internal/leader"
	"github.com/BioHazard786/warpmesh/internal/peer"
	"github.com/BioHazard786/warpmesh/internal/signaling"
)

const busPostTimeout = 5 * time.Second

var ErrDestroyed = errors.New("room: destroyed")

// State is the lifecycle state of a Room.
type State int

const (
	StateInitializing State = iota
	StateAwaitingLeadership
	StateLeader
	StateFollower
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateAwaitingLeadership:
		return "awaiting-leadership"
	case StateLeader:
		return "leader"
	case StateFollower:
		return "follower"
	case StateDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// Signaler is a signaling channel the room publishes on.
type Signaler interface {
	URL() string
	Connected() bool
	Send(msg *signaling.Message) error
}

// Config holds a room's dependencies.
type Config struct {
	Name string

	// Key seals signaling payloads and bus frames. Nil means plaintext.
	Key *cryptoutil.Key

	Bus          bus.Bus
	Elector      leader.Elector
	NewTransport peer.TransportFactory
	Observer     Observer

	// OnLeader runs each time this context wins leadership, before the
	// room announces itself. The hub attaches signaling channels here.
	OnLeader func(r *Room)

	// OnStepDown runs when a leadership term ends while the room is still
	// alive, after its peer connections are torn down.
	OnStepDown func(r *Room)

	HandshakeTimeout time.Duration
	Logger           *slog.Logger
}

// Room is one context's membership in a mesh room.
type Room struct {
	name       string
	peerID     string
	key        *cryptoutil.Key
	elector    leader.Elector
	factory    peer.TransportFactory
	observer   Observer
	onLeader   func(*Room)
	onStepDown func(*Room)
	timeout    time.Duration
	logger     *slog.Logger

	sub    bus.Subscription
	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	state      State
	conns      map[string]*peer.Conn
	bcPeers    map[string]struct{}
	signalers  map[Signaler]struct{}
	synced     bool
	lastStatus StatusEvent
}

// New creates a room and joins its bus topic. Call Start to begin
// campaigning for leadership.
func New(cfg Config) (*Room, error) {
	if cfg.Name == "" {
		return nil, errors.New("room: empty name")
	}
	if cfg.Bus == nil || cfg.Elector == nil {
		return nil, errors.New("room: bus and elector are required")
	}
	if cfg.NewTransport == nil {
		return nil, errors.New("room: transport factory is required")
	}
	if cfg.Observer == nil {
		cfg.Observer = nopObserver{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Room{
		name:       cfg.Name,
		peerID:     uuid.NewString(),
		key:        cfg.Key,
		elector:    cfg.Elector,
		factory:    cfg.NewTransport,
		observer:   cfg.Observer,
		onLeader:   cfg.OnLeader,
		onStepDown: cfg.OnStepDown,
		timeout:    cfg.HandshakeTimeout,
		ctx:        ctx,
		cancel:     cancel,
		state:      StateInitializing,
		conns:      make(map[string]*peer.Conn),
		bcPeers:    make(map[string]struct{}),
		signalers:  make(map[Signaler]struct{}),
	}
	r.logger = cfg.Logger.With("room", r.name, "self", r.peerID)

	sub, err := cfg.Bus.Subscribe(r.name, r.handleBus)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("subscribe room %s: %w", r.name, err)
	}
	r.sub = sub
	r.state = StateAwaitingLeadership
	return r, nil
}

// Start campaigns for leadership and advertises this context on the bus.
func (r *Room) Start() {
	go r.watchLeadership()
	r.postBCPeer(true)
}

func (r *Room) Name() string   { return r.name }
func (r *Room) PeerID() string { return r.peerID }

// Topic implements signaling.Owner.
func (r *Room) Topic() string { return r.name }

func (r *Room) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Room) IsLeader() bool {
	return r.State() == StateLeader
}

func (r *Room) Destroyed() bool {
	return r.State() == StateDestroyed
}

func (r *Room) Synced() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.synced
}

// Peers returns the identities with a peer connection.
func (r *Room) Peers() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return sortedKeys(r.conns)
}

// BCPeers returns the identities of sibling contexts.
func (r *Room) BCPeers() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return sortedKeys(r.bcPeers)
}

// Conn returns the connection to remote, if any.
func (r *Room) Conn(remote string) *peer.Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conns[remote]
}

// watchLeadership campaigns for leadership until the room is destroyed,
// stepping down whenever a term ends.
func (r *Room) watchLeadership() {
	for {
		go r.watchFollower()

		lost, err := r.elector.AwaitLeadership(r.ctx)
		if err != nil {
			return
		}
		if !r.lead() {
			return
		}

		select {
		case <-lost:
		case <-r.ctx.Done():
			return
		}
		if !r.stepDown() {
			return
		}
	}
}

// watchFollower moves an awaiting room to follower once a sibling leads.
func (r *Room) watchFollower() {
	if err := r.elector.HasLeader(r.ctx); err != nil {
		return
	}
	r.mu.Lock()
	if r.state != StateAwaitingLeadership || r.elector.IsLeader() {
		r.mu.Unlock()
		return
	}
	r.state = StateFollower
	r.mu.Unlock()
	r.logger.Debug("following existing leader")
	r.emitStatus()
}

func (r *Room) lead() bool {
	r.mu.Lock()
	if r.state == StateDestroyed {
		r.mu.Unlock()
		return false
	}
	r.state = StateLeader
	r.mu.Unlock()

	r.logger.Info("became leader")
	if r.onLeader != nil {
		r.onLeader(r)
	}
	r.Announce()
	r.emitStatus()
	return true
}

// stepDown gives up the signaling role after a lost term: channels are
// unsubscribed and detached, and every peer connection is closed so the
// next leader can rebuild the mesh. It reports false if the room was
// destroyed instead.
func (r *Room) stepDown() bool {
	r.mu.Lock()
	if r.state == StateDestroyed {
		r.mu.Unlock()
		return false
	}
	r.state = StateAwaitingLeadership
	conns := make([]*peer.Conn, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	removed := sortedKeys(r.conns)
	r.conns = make(map[string]*peer.Conn)
	signalers := make([]Signaler, 0, len(r.signalers))
	for s := range r.signalers {
		signalers = append(signalers, s)
	}
	r.signalers = make(map[Signaler]struct{})
	ev := r.peersEventLocked(nil, removed)
	r.mu.Unlock()

	r.logger.Warn("leadership lost, stepping down", "peers", len(conns))
	for _, s := range signalers {
		if s.Connected() {
			s.Send(signaling.Unsubscribe(r.name))
		}
	}
	for _, c := range conns {
		c.Destroy()
	}
	if r.onStepDown != nil {
		r.onStepDown(r)
	}

	if len(removed) > 0 {
		r.observer.PeersChanged(ev)
	}
	r.checkSynced()
	r.emitStatus()
	return true
}

// AttachSignaler adds s to the channels the room publishes on. Only a
// leader publishes, so other states ignore it.
func (r *Room) AttachSignaler(s Signaler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == StateLeader {
		r.signalers[s] = struct{}{}
	}
}

func (r *Room) connectedSignalers() []Signaler {
	r.mu.Lock()
	all := make([]Signaler, 0, len(r.signalers))
	for s := range r.signalers {
		all = append(all, s)
	}
	r.mu.Unlock()

	out := all[:0]
	for _, s := range all {
		if s.Connected() {
			out = append(out, s)
		}
	}
	return out
}

// ChannelOpened implements signaling.Owner.
func (r *Room) ChannelOpened(ch *signaling.Channel) {
	r.AttachSignaler(ch)
	if !r.IsLeader() {
		return
	}
	r.announceOn(ch)
	r.emitStatus()
}

// ChannelClosed implements signaling.Owner.
func (r *Room) ChannelClosed(*signaling.Channel) {
	r.emitStatus()
}

// HandlePublish implements signaling.Owner.
func (r *Room) HandlePublish(_ *signaling.Channel, data json.RawMessage) {
	r.HandleMessage(data)
}

// Announce advertises this room to remote peers. A follower asks the
// leader to do it.
func (r *Room) Announce() {
	switch r.State() {
	case StateLeader:
		for _, s := range r.connectedSignalers() {
			r.announceOn(s)
		}
	case StateFollower, StateAwaitingLeadership:
		r.postBus(protocolAnnounce())
	}
}

func (r *Room) announceOn(s Signaler) {
	r.publish(s, signaling.Announce(r.peerID))
}

// readvertise re-subscribes and re-announces on every connected channel.
func (r *Room) readvertise() {
	if !r.IsLeader() {
		return
	}
	for _, s := range r.connectedSignalers() {
		if err := s.Send(signaling.Subscribe(r.name)); err != nil {
			r.logger.Debug("resubscribe failed", "url", s.URL(), "error", err)
			continue
		}
		r.announceOn(s)
	}
}

func (r *Room) publish(s Signaler, p *signaling.Payload) {
	data, err := r.encodePayload(p)
	if err != nil {
		r.logger.Warn("encoding payload failed", "type", p.Type, "error", err)
		return
	}
	if err := s.Send(signaling.Publish(r.name, data)); err != nil {
		r.logger.Debug("publish failed", "url", s.URL(), "type", p.Type, "error", err)
	}
}

func (r *Room) publishAll(p *signaling.Payload) {
	for _, s := range r.connectedSignalers() {
		r.publish(s, p)
	}
}

func (r *Room) encodePayload(p *signaling.Payload) (json.RawMessage, error) {
	if r.key == nil {
		return json.Marshal(p)
	}
	sealed, err := r.key.SealJSON(p)
	if err != nil {
		return nil, err
	}
	return json.Marshal(sealed)
}

func (r *Room) decodePayload(data json.RawMessage) (*signaling.Payload, error) {
	sealed := signaling.IsSealed(data)
	switch {
	case sealed && r.key == nil:
		return nil, fmt.Errorf("%w: sealed payload in an open room", signaling.ErrMalformed)
	case !sealed && r.key != nil:
		return nil, fmt.Errorf("%w: plaintext payload in a sealed room", signaling.ErrMalformed)
	case !sealed:
		return signaling.DecodePayload(data)
	}

	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("%w: %v", signaling.ErrMalformed, err)
	}
	var plain json.RawMessage
	if err := r.key.OpenJSON(s, &plain); err != nil {
		return nil, err
	}
	return signaling.DecodePayload(plain)
}

// HandleMessage processes the data of one publish on the room topic. Only
// the leader acts on signaling.
func (r *Room) HandleMessage(data json.RawMessage) {
	p, err := r.decodePayload(data)
	if err != nil {
		r.logger.Debug("dropping signaling payload", "error", err)
		return
	}
	if p.From == r.peerID {
		return
	}
	if p.To != "" && p.To != r.peerID {
		return
	}

	r.mu.Lock()
	_, sibling := r.bcPeers[p.From]
	leading := r.state == StateLeader
	r.mu.Unlock()
	if sibling || !leading {
		return
	}

	switch p.Type {
	case signaling.PayloadTypeAnnounce:
		r.connect(p.From, true)
	case signaling.PayloadTypeSignal:
		r.handleSignal(p)
	}
}

func (r *Room) handleSignal(p *signaling.Payload) {
	switch p.Signal.Type {
	case signaling.SignalTypeOffer:
		if c := r.Conn(p.From); c != nil && !c.AcceptOffer(p.Token) {
			return
		}
	case signaling.SignalTypeAnswer:
		if c := r.Conn(p.From); c != nil {
			c.ResetGlareToken()
		}
	}

	if p.To != r.peerID {
		return
	}
	c := r.connect(p.From, false)
	if c == nil {
		return
	}
	if err := c.Signal(p.Signal); err != nil {
		r.logger.Debug("applying signal failed", "peer", p.From, "error", err)
	}
}

// connect returns the connection to remote, creating and starting it if
// there is none.
func (r *Room) connect(remote string, initiator bool) *peer.Conn {
	r.mu.Lock()
	if r.state != StateLeader {
		r.mu.Unlock()
		return nil
	}
	if c, ok := r.conns[remote]; ok {
		r.mu.Unlock()
		return c
	}

	c := peer.New(remote, initiator, r.factory, r.connHandlers(), peer.Options{
		LocalID:          r.peerID,
		HandshakeTimeout: r.timeout,
		Logger:           r.logger,
	})
	r.conns[remote] = c
	ev := r.peersEventLocked([]string{remote}, nil)
	r.mu.Unlock()

	r.logger.Debug("peer connection created", "peer", remote, "initiator", initiator)
	r.observer.PeersChanged(ev)
	if err := c.Start(); err != nil {
		r.logger.Warn("starting peer connection failed", "peer", remote, "error", err)
		c.Destroy()
		return nil
	}
	r.checkSynced()
	return c
}

func (r *Room) connHandlers() peer.Handlers {
	return peer.Handlers{
		OnSignal: func(c *peer.Conn, sig *signaling.SignalPayload, token float64) {
			r.publishAll(signaling.Signal(r.peerID, c.RemoteID(), token, sig))
		},
		OnConnect: func(c *peer.Conn) {
			r.checkSynced()
		},
		OnData: func(c *peer.Conn, data []byte) {
			r.observer.MessageReceived(MessageEvent{PeerID: c.RemoteID(), Data: data})
			r.postBus(protocolData(c.RemoteID(), data, false))
		},
		OnSynced: func(*peer.Conn) {
			r.checkSynced()
		},
		OnClose: r.removeConn,
	}
}

func (r *Room) removeConn(c *peer.Conn) {
	r.mu.Lock()
	if r.conns[c.RemoteID()] != c {
		r.mu.Unlock()
		return
	}
	delete(r.conns, c.RemoteID())
	ev := r.peersEventLocked(nil, []string{c.RemoteID()})
	destroyed := r.state == StateDestroyed
	r.mu.Unlock()

	r.logger.Debug("peer connection closed", "peer", c.RemoteID())
	if destroyed {
		return
	}
	r.observer.PeersChanged(ev)
	r.checkSynced()
	r.readvertise()
}

func (r *Room) peersEventLocked(added, removed []string) PeersEvent {
	return PeersEvent{
		Added:       added,
		Removed:     removed,
		WebRTCPeers: sortedKeys(r.conns),
		BCPeers:     sortedKeys(r.bcPeers),
	}
}

func (r *Room) checkSynced() {
	r.mu.Lock()
	synced := true
	for _, c := range r.conns {
		if !c.Synced() {
			synced = false
			break
		}
	}
	changed := synced != r.synced && r.state != StateDestroyed
	r.synced = synced
	r.mu.Unlock()

	if changed {
		r.observer.SyncedChanged(SyncedEvent{Synced: synced})
	}
}

func (r *Room) emitStatus() {
	state := r.State()
	if state == StateDestroyed {
		return
	}

	ev := StatusEvent{Leader: state == StateLeader}
	switch state {
	case StateLeader:
		ev.Connected = len(r.connectedSignalers()) > 0
	case StateFollower:
		ev.Connected = true
	}

	r.mu.Lock()
	if r.lastStatus == ev || r.state == StateDestroyed {
		r.mu.Unlock()
		return
	}
	r.lastStatus = ev
	r.mu.Unlock()
	r.observer.StatusChanged(ev)
}

// Send delivers payload to every remote peer. The leader sends directly;
// a follower hands the payload to the leader over the bus. Per-peer
// failures are joined into the returned error.
func (r *Room) Send(payload []byte) error {
	switch r.State() {
	case StateDestroyed:
		return ErrDestroyed
	case StateLeader:
		err := r.fanOut(payload)
		r.postBus(protocolData(r.peerID, payload, false))
		return err
	default:
		return r.postBus(protocolData(r.peerID, payload, true))
	}
}

func (r *Room) fanOut(payload []byte) error {
	r.mu.Lock()
	conns := make([]*peer.Conn, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.Unlock()

	var errs []error
	for _, c := range conns {
		if err := c.Send(payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Destroy leaves the room. It is safe to call more than once.
func (r *Room) Destroy() {
	r.mu.Lock()
	if r.state == StateDestroyed {
		r.mu.Unlock()
		return
	}
	r.state = StateDestroyed
	conns := make([]*peer.Conn, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.conns = make(map[string]*peer.Conn)
	signalers := make([]Signaler, 0, len(r.signalers))
	for s := range r.signalers {
		signalers = append(signalers, s)
	}
	r.signalers = make(map[Signaler]struct{})
	r.mu.Unlock()

	r.postBCPeer(false)
	for _, s := range signalers {
		if s.Connected() {
			s.Send(signaling.Unsubscribe(r.name))
		}
	}
	for _, c := range conns {
		c.Destroy()
	}

	r.cancel()
	r.sub.Close()
	if err := r.elector.Die(); err != nil {
		r.logger.Warn("releasing leadership failed", "error", err)
	}
	r.logger.Debug("room destroyed")
	r.observer.StatusChanged(StatusEvent{})
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}
