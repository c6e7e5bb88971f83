package room

// StatusEvent reports whether the room can reach the mesh and whether this
// context leads it.
type StatusEvent struct {
	Connected bool
	Leader    bool
}

// PeersEvent reports membership changes. WebRTCPeers and BCPeers are the
// full sets after the change.
type PeersEvent struct {
	Added       []string
	Removed     []string
	WebRTCPeers []string
	BCPeers     []string
}

// MessageEvent carries application data from a remote peer or a sibling
// context.
type MessageEvent struct {
	PeerID string
	Data   []byte
}

// SyncedEvent reports whether every peer connection has completed the
// sync handshake.
type SyncedEvent struct {
	Synced bool
}

// Observer receives room events. Calls are made without room locks held.
type Observer interface {
	StatusChanged(StatusEvent)
	PeersChanged(PeersEvent)
	MessageReceived(MessageEvent)
	SyncedChanged(SyncedEvent)
}

type nopObserver struct{}

func (nopObserver) StatusChanged(StatusEvent)    {}
func (nopObserver) PeersChanged(PeersEvent)      {}
func (nopObserver) MessageReceived(MessageEvent) {}
func (nopObserver) SyncedChanged(SyncedEvent)    {}
