package leader

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Memory runs elections inside one process. Leadership is granted in the
// order electors started campaigning and only ends when the holder dies.
type Memory struct {
	mu     sync.Mutex
	claims map[string]*claim
}

type claim struct {
	holder  *memoryElector
	waiters []*memoryElector
	// watchers counts HasLeader calls blocked on elected.
	watchers int
	// elected is closed while someone holds the claim.
	elected chan struct{}
}

// NewMemory returns an empty in-process election.
func NewMemory() *Memory {
	return &Memory{claims: make(map[string]*claim)}
}

func (m *Memory) Elector(name string) (Elector, error) {
	return &memoryElector{
		id:      uuid.NewString(),
		name:    name,
		m:       m,
		granted: make(chan struct{}),
		dead:    make(chan struct{}),
	}, nil
}

// Holder returns the id of the elector currently leading name, if any.
func (m *Memory) Holder(name string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.claims[name]
	if !ok || c.holder == nil {
		return "", false
	}
	return c.holder.id, true
}

// claimLocked returns the claim for name, creating it if needed.
func (m *Memory) claimLocked(name string) *claim {
	c, ok := m.claims[name]
	if !ok {
		c = &claim{elected: make(chan struct{})}
		m.claims[name] = c
	}
	return c
}

// dropIdleLocked forgets the claim for name once nobody holds, awaits or
// watches it.
func (m *Memory) dropIdleLocked(name string) {
	c, ok := m.claims[name]
	if ok && c.holder == nil && len(c.waiters) == 0 && c.watchers == 0 {
		delete(m.claims, name)
	}
}

type memoryElector struct {
	id   string
	name string
	m    *Memory

	// guarded by m.mu
	campaigning bool
	died        bool

	granted chan struct{}
	dead    chan struct{}
}

func (e *memoryElector) AwaitLeadership(ctx context.Context) (<-chan struct{}, error) {
	e.m.mu.Lock()
	if e.died {
		e.m.mu.Unlock()
		return nil, ErrDead
	}
	if !e.campaigning {
		e.campaigning = true
		c := e.m.claimLocked(e.name)
		if c.holder == nil {
			e.promoteLocked(c)
		} else {
			c.waiters = append(c.waiters, e)
		}
	}
	e.m.mu.Unlock()

	select {
	case <-e.granted:
		return e.dead, nil
	case <-e.dead:
		return nil, ErrDead
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// promoteLocked makes e the holder of c.
func (e *memoryElector) promoteLocked(c *claim) {
	c.holder = e
	close(e.granted)
	select {
	case <-c.elected:
	default:
		close(c.elected)
	}
}

func (e *memoryElector) IsLeader() bool {
	e.m.mu.Lock()
	defer e.m.mu.Unlock()
	c, ok := e.m.claims[e.name]
	return ok && c.holder == e
}

func (e *memoryElector) HasLeader(ctx context.Context) error {
	e.m.mu.Lock()
	c := e.m.claimLocked(e.name)
	c.watchers++
	elected := c.elected
	e.m.mu.Unlock()

	defer func() {
		e.m.mu.Lock()
		c.watchers--
		if e.m.claims[e.name] == c {
			e.m.dropIdleLocked(e.name)
		}
		e.m.mu.Unlock()
	}()

	select {
	case <-elected:
		return nil
	case <-e.dead:
		return ErrDead
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *memoryElector) Die() error {
	e.m.mu.Lock()
	defer e.m.mu.Unlock()
	if e.died {
		return nil
	}
	e.died = true
	close(e.dead)

	c, ok := e.m.claims[e.name]
	if !ok {
		return nil
	}
	if c.holder != e {
		for i, w := range c.waiters {
			if w == e {
				c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
				break
			}
		}
		e.m.dropIdleLocked(e.name)
		return nil
	}

	c.holder = nil
	if len(c.waiters) > 0 {
		next := c.waiters[0]
		c.waiters = c.waiters[1:]
		next.promoteLocked(c)
		return nil
	}
	delete(e.m.claims, e.name)
	return nil
}
