package signaling

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"
)

// ErrMalformed is returned for frames that do not match the wire protocol.
var ErrMalformed = errors.New("signaling: malformed message")

// MessageType tags a frame exchanged with the signaling server.
type MessageType string

// Message type constants.
const (
	MessageTypeSubscribe   MessageType = "subscribe"
	MessageTypeUnsubscribe MessageType = "unsubscribe"
	MessageTypePublish     MessageType = "publish"
	MessageTypePing        MessageType = "ping"
	MessageTypePong        MessageType = "pong"
)

// Message represents all WebSocket frames between a client and the server.
type Message struct {
	Type   MessageType     `json:"type"`
	Topics []string        `json:"topics,omitempty"`
	Topic  string          `json:"topic,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// Subscribe builds a subscribe frame.
func Subscribe(topics ...string) *Message {
	return &Message{Type: MessageTypeSubscribe, Topics: topics}
}

// Unsubscribe builds an unsubscribe frame.
func Unsubscribe(topics ...string) *Message {
	return &Message{Type: MessageTypeUnsubscribe, Topics: topics}
}

// Publish builds a publish frame carrying data on topic.
func Publish(topic string, data json.RawMessage) *Message {
	return &Message{Type: MessageTypePublish, Topic: topic, Data: data}
}

// Ping builds a keepalive frame.
func Ping() *Message {
	return &Message{Type: MessageTypePing}
}

// DecodeMessage parses and validates a frame read from the socket.
func DecodeMessage(raw []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	switch msg.Type {
	case MessageTypeSubscribe, MessageTypeUnsubscribe:
		if len(msg.Topics) == 0 {
			return nil, fmt.Errorf("%w: %s without topics", ErrMalformed, msg.Type)
		}
	case MessageTypePublish:
		if msg.Topic == "" {
			return nil, fmt.Errorf("%w: publish without topic", ErrMalformed)
		}
		if len(bytes.TrimSpace(msg.Data)) == 0 {
			return nil, fmt.Errorf("%w: publish without data", ErrMalformed)
		}
	case MessageTypePing, MessageTypePong:
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrMalformed, msg.Type)
	}
	return &msg, nil
}

// PayloadType tags the room-level payload carried inside a publish.
type PayloadType string

// Payload type constants.
const (
	PayloadTypeAnnounce PayloadType = "announce"
	PayloadTypeSignal   PayloadType = "signal"
)

// Payload is the room-level message published on a room topic.
type Payload struct {
	Type   PayloadType    `json:"type"`
	From   string         `json:"from"`
	To     string         `json:"to,omitempty"`
	Token  float64        `json:"token,omitempty"`
	Signal *SignalPayload `json:"signal,omitempty"`
}

// Signal payload type constants.
const (
	SignalTypeOffer              = "offer"
	SignalTypeAnswer             = "answer"
	SignalTypeCandidate          = "candidate"
	SignalTypeRenegotiate        = "renegotiate"
	SignalTypeTransceiverRequest = "transceiverRequest"
)

// SignalPayload represents the WebRTC signaling data (SDP offer/answer or ICE candidate).
type SignalPayload struct {
	Type      string                   `json:"type"`
	SDP       string                   `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit `json:"candidate,omitempty"`
}

// Announce builds an announce payload.
func Announce(from string) *Payload {
	return &Payload{Type: PayloadTypeAnnounce, From: from}
}

// Signal builds a signal payload addressed to to.
func Signal(from, to string, token float64, sig *SignalPayload) *Payload {
	return &Payload{Type: PayloadTypeSignal, From: from, To: to, Token: token, Signal: sig}
}

// DecodePayload parses and validates a room-level payload.
func DecodePayload(raw []byte) (*Payload, error) {
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if p.From == "" {
		return nil, fmt.Errorf("%w: payload without from", ErrMalformed)
	}

	switch p.Type {
	case PayloadTypeAnnounce:
	case PayloadTypeSignal:
		if p.Signal == nil || p.Signal.Type == "" {
			return nil, fmt.Errorf("%w: signal without body", ErrMalformed)
		}
	default:
		return nil, fmt.Errorf("%w: unknown payload type %q", ErrMalformed, p.Type)
	}
	return &p, nil
}

// IsSealed reports whether publish data is a sealed string rather than a
// plain JSON payload.
func IsSealed(data json.RawMessage) bool {
	trimmed := bytes.TrimSpace(data)
	return len(trimmed) > 0 && trimmed[0] == '"'
}
