package bus

import (
	"context"
	"sync"
)

const memoryQueueSize = 256

// Memory is an in-process Bus. Every Hub in the process that shares a
// Memory behaves like a tab of the same origin.
type Memory struct {
	mu     sync.Mutex
	topics map[string]map[*memorySub]struct{}
}

// NewMemory returns an empty in-process bus.
func NewMemory() *Memory {
	return &Memory{topics: make(map[string]map[*memorySub]struct{})}
}

func (m *Memory) Subscribe(topic string, fn func([]byte)) (Subscription, error) {
	s := &memorySub{
		bus:   m,
		topic: topic,
		fn:    fn,
		queue: make(chan []byte, memoryQueueSize),
		done:  make(chan struct{}),
	}

	m.mu.Lock()
	subs, ok := m.topics[topic]
	if !ok {
		subs = make(map[*memorySub]struct{})
		m.topics[topic] = subs
	}
	subs[s] = struct{}{}
	m.mu.Unlock()

	go s.deliver()
	return s, nil
}

// Subscribers reports how many live subscriptions topic has.
func (m *Memory) Subscribers(topic string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.topics[topic])
}

func (m *Memory) peers(s *memorySub) []*memorySub {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*memorySub, 0, len(m.topics[s.topic]))
	for other := range m.topics[s.topic] {
		if other != s {
			out = append(out, other)
		}
	}
	return out
}

func (m *Memory) remove(s *memorySub) {
	m.mu.Lock()
	defer m.mu.Unlock()
	subs := m.topics[s.topic]
	delete(subs, s)
	if len(subs) == 0 {
		delete(m.topics, s.topic)
	}
}

type memorySub struct {
	bus   *Memory
	topic string
	fn    func([]byte)
	queue chan []byte

	closeOnce sync.Once
	done      chan struct{}
}

func (s *memorySub) Post(ctx context.Context, data []byte) error {
	select {
	case <-s.done:
		return ErrClosed
	default:
	}

	for _, other := range s.bus.peers(s) {
		select {
		case other.queue <- data:
		case <-other.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (s *memorySub) Close() error {
	s.closeOnce.Do(func() {
		s.bus.remove(s)
		close(s.done)
	})
	return nil
}

func (s *memorySub) deliver() {
	for {
		select {
		case data := <-s.queue:
			s.fn(data)
		case <-s.done:
			return
		}
	}
}
