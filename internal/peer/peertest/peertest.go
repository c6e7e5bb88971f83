// Package peertest provides an in-memory peer.Transport. Transports find
// each other by the ids they exchange in place of SDP, and data is handed
// straight to the remote side.
package peertest

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/BioHazard786/warpmesh/internal/peer"
	"github.com/BioHazard786/warpmesh/internal/signaling"
)

var (
	ErrUnknownSession = errors.New("peertest: unknown session")
	ErrNotOpen        = errors.New("peertest: transport not open")
)

// Network pairs the transports it creates.
type Network struct {
	mu    sync.Mutex
	seq   int
	byID  map[string]*Transport
	roles []bool
}

func NewNetwork() *Network {
	return &Network{byID: make(map[string]*Transport)}
}

// Factory implements peer.TransportFactory.
func (n *Network) Factory(initiator bool, ev peer.TransportEvents) (peer.Transport, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.seq++
	t := &Transport{net: n, id: fmt.Sprintf("t%d", n.seq), initiator: initiator, ev: ev}
	n.byID[t.id] = t
	n.roles = append(n.roles, initiator)
	return t, nil
}

// Created returns the initiator flag of every transport created so far.
func (n *Network) Created() []bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return slices.Clone(n.roles)
}

func (n *Network) lookup(id string) *Transport {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.byID[id]
}

// Transport is one side of an in-memory session.
type Transport struct {
	net       *Network
	id        string
	initiator bool
	ev        peer.TransportEvents

	mu     sync.Mutex
	remote *Transport
	closed bool
}

func (t *Transport) Start() error {
	if t.initiator {
		t.ev.OnSignal(&signaling.SignalPayload{Type: signaling.SignalTypeOffer, SDP: t.id})
	}
	return nil
}

func (t *Transport) Signal(sig *signaling.SignalPayload) error {
	switch sig.Type {
	case signaling.SignalTypeOffer:
		remote := t.net.lookup(sig.SDP)
		if remote == nil {
			return fmt.Errorf("%w: %s", ErrUnknownSession, sig.SDP)
		}
		t.link(remote)
		t.ev.OnSignal(&signaling.SignalPayload{Type: signaling.SignalTypeAnswer, SDP: t.id})
	case signaling.SignalTypeAnswer:
		remote := t.net.lookup(sig.SDP)
		if remote == nil {
			return fmt.Errorf("%w: %s", ErrUnknownSession, sig.SDP)
		}
		t.link(remote)
		go t.ev.OnConnect()
		go remote.ev.OnConnect()
	}
	return nil
}

func (t *Transport) link(remote *Transport) {
	t.mu.Lock()
	t.remote = remote
	t.mu.Unlock()
}

func (t *Transport) Send(data []byte) error {
	t.mu.Lock()
	remote, closed := t.remote, t.closed
	t.mu.Unlock()
	if closed || remote == nil {
		return ErrNotOpen
	}

	remote.mu.Lock()
	gone := remote.closed
	remote.mu.Unlock()
	if gone {
		return ErrNotOpen
	}
	remote.ev.OnData(data)
	return nil
}

// Close closes both sides of the session.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	remote := t.remote
	t.mu.Unlock()

	t.ev.OnClose()
	if remote != nil {
		go remote.Close()
	}
	return nil
}
