// Package bus carries room traffic between the execution contexts of one
// origin. A context never receives the frames it posted itself.
package bus

import (
	"context"
	"errors"
)

var (
	// ErrClosed is returned by Post on a closed subscription.
	ErrClosed = errors.New("bus: subscription closed")

	// ErrUnavailable is returned when the backing broker cannot be reached.
	ErrUnavailable = errors.New("bus: broker unavailable")
)

// Bus hands out per-topic subscriptions.
type Bus interface {
	// Subscribe registers fn for every frame posted on topic by other
	// subscriptions. Frames are delivered in order on a single goroutine.
	Subscribe(topic string, fn func(data []byte)) (Subscription, error)
}

// Subscription is one context's membership in a topic.
type Subscription interface {
	// Post delivers data to every other subscription of the same topic.
	Post(ctx context.Context, data []byte) error
	Close() error
}
