package peer

import "github.com/BioHazard786/warpmesh/internal/signaling"

// Transport is one WebRTC session with a remote peer.
type Transport interface {
	// Start begins negotiation. An initiator emits its offer from here.
	Start() error

	// Signal feeds a remote offer, answer or candidate.
	Signal(sig *signaling.SignalPayload) error

	// Send writes one message on the data channel.
	Send(data []byte) error

	Close() error
}

// TransportEvents are the callbacks a Transport reports through. They may
// be invoked from any goroutine.
type TransportEvents struct {
	OnSignal  func(sig *signaling.SignalPayload)
	OnConnect func()
	OnData    func(data []byte)
	OnClose   func()
}

// TransportFactory creates a transport for one side of a session.
type TransportFactory func(initiator bool, events TransportEvents) (Transport, error)
