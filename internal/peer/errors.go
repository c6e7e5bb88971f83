package peer

import (
	"errors"
	"fmt"
)

var (
	ErrNotConnected     = errors.New("peer not connected")
	ErrClosed           = errors.New("peer connection closed")
	ErrUnexpectedSignal = errors.New("unexpected signal type")
	ErrHandshakeTimeout = errors.New("handshake timed out")
)

// DeliveryError reports a failed operation against one remote peer.
type DeliveryError struct {
	Op      string
	Peer    string
	Err     error
	Details string
}

func (e *DeliveryError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s %s: %v (%s)", e.Op, e.Peer, e.Err, e.Details)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Peer, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

func newError(op, peer string, err error) *DeliveryError {
	return &DeliveryError{Op: op, Peer: peer, Err: err}
}

func wrapError(op, peer string, err error, details string) *DeliveryError {
	return &DeliveryError{Op: op, Peer: peer, Err: err, Details: details}
}
