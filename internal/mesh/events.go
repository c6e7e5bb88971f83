package mesh

import (
	"sync"

	"github.com/BioHazard786/warpmesh/internal/room"
)

type (
	StatusEvent  = room.StatusEvent
	PeersEvent   = room.PeersEvent
	MessageEvent = room.MessageEvent
	SyncedEvent  = room.SyncedEvent
)

// listeners is a set of callbacks for one event type.
type listeners[T any] struct {
	mu   sync.Mutex
	next int
	fns  map[int]func(T)
}

// on registers fn and returns a function that removes it.
func (l *listeners[T]) on(fn func(T)) func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fns == nil {
		l.fns = make(map[int]func(T))
	}
	id := l.next
	l.next++
	l.fns[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.fns, id)
			l.mu.Unlock()
		})
	}
}

func (l *listeners[T]) emit(v T) {
	l.mu.Lock()
	fns := make([]func(T), 0, len(l.fns))
	for i := 0; i < l.next; i++ {
		if fn, ok := l.fns[i]; ok {
			fns = append(fns, fn)
		}
	}
	l.mu.Unlock()

	for _, fn := range fns {
		fn(v)
	}
}

func (l *listeners[T]) clear() {
	l.mu.Lock()
	l.fns = nil
	l.mu.Unlock()
}
