// Package stream provides the multi-subscriber event streams exposed to
// callers of the exchange client. Every live subscriber receives every event
// published after it subscribed, in arrival order; slow subscribers drop the
// oldest unread events rather than stalling the connection read loop.
package stream

import (
	"sync"

	"orderflow/logger"
)

// Stream is a typed fan-out channel registry.
type Stream[T any] struct {
	name   string
	buffer int

	mu   sync.Mutex
	subs map[int]chan T
	next int
}

// New creates a stream. The buffer size bounds how far any subscriber may lag
// before events are dropped for it.
func New[T any](name string, buffer int) *Stream[T] {
	if buffer <= 0 {
		buffer = 1
	}
	return &Stream[T]{
		name:   name,
		buffer: buffer,
		subs:   make(map[int]chan T),
	}
}

// Subscribe registers a new consumer. The returned cancel function removes the
// subscription and closes the channel; it is safe to call more than once.
func (s *Stream[T]) Subscribe() (<-chan T, func()) {
	ch := make(chan T, s.buffer)

	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = ch
	s.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// Publish delivers an event to all current subscribers without blocking.
func (s *Stream[T]) Publish(v T) {
	s.mu.Lock()
	defer s.mu.Unlock()

	logger.RecordStreamMessage(s.name, 1)
	for _, ch := range s.subs {
		select {
		case ch <- v:
		default:
			// Subscriber is full: drop its oldest event to keep the
			// newest ones flowing.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- v:
			default:
			}
			logger.RecordStreamDrop(s.name)
		}
	}
}

// Subscribers returns the number of live subscriptions.
func (s *Stream[T]) Subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}
