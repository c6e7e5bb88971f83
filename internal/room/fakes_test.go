package room

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/BioHazard786/warpmesh/internal/bus"
	"github.com/BioHazard786/warpmesh/internal/cryptoutil"
	"github.com/BioHazard786/warpmesh/internal/leader"
	"github.com/BioHazard786/warpmesh/internal/peer/peertest"
	"github.com/BioHazard786/warpmesh/internal/signaling"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// switchboard is an in-process stand-in for a signaling relay: a publish
// reaches every signaler on the topic, the sender included.
type switchboard struct {
	mu     sync.Mutex
	subs   map[string][]*fakeSignaler
	held   bool
	queued []heldPublish
}

type heldPublish struct {
	topic string
	data  json.RawMessage
}

func newSwitchboard() *switchboard {
	return &switchboard{subs: make(map[string][]*fakeSignaler)}
}

// hold queues publishes until release.
func (b *switchboard) hold() {
	b.mu.Lock()
	b.held = true
	b.mu.Unlock()
}

func (b *switchboard) release() {
	b.mu.Lock()
	b.held = false
	queued := b.queued
	b.queued = nil
	b.mu.Unlock()
	for _, p := range queued {
		b.publish(p.topic, p.data)
	}
}

func (b *switchboard) publish(topic string, data json.RawMessage) {
	b.mu.Lock()
	if b.held {
		b.queued = append(b.queued, heldPublish{topic, data})
		b.mu.Unlock()
		return
	}
	subs := slices.Clone(b.subs[topic])
	b.mu.Unlock()
	for _, s := range subs {
		s.deliver(data)
	}
}

type fakeSignaler struct {
	board *switchboard
	inbox chan json.RawMessage
	done  chan struct{}

	mu        sync.Mutex
	sent      []*signaling.Message
	connected bool
}

func (b *switchboard) signaler(t *testing.T, topic string, r *Room) *fakeSignaler {
	s := &fakeSignaler{
		board:     b,
		inbox:     make(chan json.RawMessage, 256),
		done:      make(chan struct{}),
		connected: true,
	}
	b.mu.Lock()
	b.subs[topic] = append(b.subs[topic], s)
	b.mu.Unlock()

	go func() {
		for {
			select {
			case data := <-s.inbox:
				r.HandleMessage(data)
			case <-s.done:
				return
			}
		}
	}()
	t.Cleanup(func() { close(s.done) })
	return s
}

func (s *fakeSignaler) deliver(data json.RawMessage) {
	select {
	case s.inbox <- data:
	case <-s.done:
	}
}

func (s *fakeSignaler) URL() string { return "ws://switchboard/ws" }

func (s *fakeSignaler) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *fakeSignaler) Send(msg *signaling.Message) error {
	s.mu.Lock()
	s.sent = append(s.sent, msg)
	s.mu.Unlock()
	if msg.Type == signaling.MessageTypePublish {
		s.board.publish(msg.Topic, msg.Data)
	}
	return nil
}

func (s *fakeSignaler) sentTypes() []signaling.MessageType {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]signaling.MessageType, len(s.sent))
	for i, m := range s.sent {
		out[i] = m.Type
	}
	return out
}

// observer records room events.
type observer struct {
	mu       sync.Mutex
	statuses []StatusEvent
	peers    []PeersEvent
	messages []MessageEvent
	synced   []SyncedEvent
}

func (o *observer) StatusChanged(ev StatusEvent) {
	o.mu.Lock()
	o.statuses = append(o.statuses, ev)
	o.mu.Unlock()
}

func (o *observer) PeersChanged(ev PeersEvent) {
	o.mu.Lock()
	o.peers = append(o.peers, ev)
	o.mu.Unlock()
}

func (o *observer) MessageReceived(ev MessageEvent) {
	o.mu.Lock()
	o.messages = append(o.messages, ev)
	o.mu.Unlock()
}

func (o *observer) SyncedChanged(ev SyncedEvent) {
	o.mu.Lock()
	o.synced = append(o.synced, ev)
	o.mu.Unlock()
}

func (o *observer) messagesFrom(id string) []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []string
	for _, m := range o.messages {
		if m.PeerID == id {
			out = append(out, string(m.Data))
		}
	}
	return out
}

func (o *observer) lastStatus() (StatusEvent, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.statuses) == 0 {
		return StatusEvent{}, false
	}
	return o.statuses[len(o.statuses)-1], true
}

// origin groups the contexts that share a bus and an election.
type origin struct {
	bus      *bus.Memory
	election leader.Election
}

func newOrigin() origin {
	return origin{bus: bus.NewMemory(), election: leader.NewMemory()}
}

// newLeaseOrigin elects through Redis leases with a short TTL, so tests can
// take a lease away from its holder.
func newLeaseOrigin(t *testing.T) (origin, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	election, err := leader.NewRedis(context.Background(), client, leader.RedisOptions{
		LeaseTTL:      300 * time.Millisecond,
		RetryInterval: 10 * time.Millisecond,
		Logger:        testLogger(),
	})
	if err != nil {
		t.Fatalf("NewRedis: %v", err)
	}
	return origin{bus: bus.NewMemory(), election: election}, mr
}

type node struct {
	room *Room
	obs  *observer
	sig  *fakeSignaler

	stepDowns atomic.Int32
}

type harness struct {
	t     *testing.T
	board *switchboard
	net   *peertest.Network
	key   *cryptoutil.Key
}

func newHarness(t *testing.T) *harness {
	return &harness{t: t, board: newSwitchboard(), net: peertest.NewNetwork()}
}

// join creates a started room in o whose leader publishes on the
// switchboard.
func (h *harness) join(o origin, name string) *node {
	h.t.Helper()
	n := h.newNode(o, name)
	n.room.Start()
	return n
}

func (h *harness) newNode(o origin, name string) *node {
	h.t.Helper()
	el, err := o.election.Elector(name)
	if err != nil {
		h.t.Fatalf("Elector: %v", err)
	}
	n := &node{obs: &observer{}}
	r, err := New(Config{
		Name:             name,
		Key:              h.key,
		Bus:              o.bus,
		Elector:          el,
		NewTransport:     h.net.Factory,
		Observer:         n.obs,
		OnLeader:         func(r *Room) { r.AttachSignaler(n.sig) },
		OnStepDown:       func(*Room) { n.stepDowns.Add(1) },
		HandshakeTimeout: -1,
		Logger:           testLogger(),
	})
	if err != nil {
		h.t.Fatalf("New: %v", err)
	}
	n.room = r
	n.sig = h.board.signaler(h.t, name, r)
	h.t.Cleanup(r.Destroy)
	return n
}
