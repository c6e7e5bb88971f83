// Package leader elects one execution context per room name to own the
// room's signaling connections.
package leader

import (
	"context"
	"errors"
)

var (
	// ErrDead is returned by AwaitLeadership once the elector has died.
	ErrDead = errors.New("leader: elector is dead")

	// ErrUnavailable is returned when the election backend cannot be reached.
	ErrUnavailable = errors.New("leader: election backend unavailable")
)

// Elector campaigns for leadership of a single name.
type Elector interface {
	// AwaitLeadership blocks until this elector holds leadership and
	// returns a channel that is closed when that term ends, either because
	// the lease was lost or the elector died. After a lost term it may be
	// called again to campaign for the next one.
	AwaitLeadership(ctx context.Context) (<-chan struct{}, error)

	// IsLeader reports whether this elector currently holds leadership.
	IsLeader() bool

	// HasLeader blocks until some elector of the same name holds leadership.
	HasLeader(ctx context.Context) error

	// Die relinquishes leadership (if held) and leaves the election.
	Die() error
}

// Election creates electors that compete with each other per name.
type Election interface {
	Elector(name string) (Elector, error)
}
