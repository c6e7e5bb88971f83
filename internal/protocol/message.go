// Package protocol defines the msgpack envelope shared by peer data
// channels and the local broadcast bus.
package protocol

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Message types carried on a peer data channel.
const (
	TypeData      = "data"
	TypeSyncStep1 = "sync_step1"
	TypeSyncStep2 = "sync_step2"
)

// Message types carried on the local broadcast bus.
const (
	TypeBCPeer   = "bc_peer"
	TypeBCData   = "bc_data"
	TypeAnnounce = "announce"
)

// Message represents every framed message on a data channel or bus.
type Message struct {
	Type    string             `msgpack:"type"`
	Payload msgpack.RawMessage `msgpack:"payload"`
}

// SyncPayload is exchanged on connect; the responder echoes the step.
type SyncPayload struct {
	PeerID string `msgpack:"peerId"`
}

// BCPeerPayload announces a context joining or leaving a room on the bus.
type BCPeerPayload struct {
	Add    bool   `msgpack:"add"`
	PeerID string `msgpack:"peerId"`
}

// BCDataPayload carries application data between contexts. Forward asks
// the leader to send Data to every remote peer.
type BCDataPayload struct {
	From    string `msgpack:"from"`
	Data    []byte `msgpack:"data"`
	Forward bool   `msgpack:"forward"`
}

// DecodePayload decodes the message payload into the provided struct
func (m Message) DecodePayload(v any) error {
	return msgpack.Unmarshal(m.Payload, v)
}

// NewMessage creates a new Message with the given type and payload
func NewMessage(t string, payload any) (Message, error) {
	b, err := msgpack.Marshal(payload)
	if err != nil {
		return Message{}, err
	}

	return Message{
		Type:    t,
		Payload: b,
	}, nil
}

// Encode builds a message and marshals it in one step.
func Encode(t string, payload any) ([]byte, error) {
	m, err := NewMessage(t, payload)
	if err != nil {
		return nil, err
	}
	return msgpack.Marshal(&m)
}

// Decode unmarshals a framed message.
func Decode(raw []byte) (Message, error) {
	var m Message
	if err := msgpack.Unmarshal(raw, &m); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	if m.Type == "" {
		return Message{}, fmt.Errorf("decode message: missing type")
	}
	return m, nil
}
