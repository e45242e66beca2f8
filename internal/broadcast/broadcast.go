// Package broadcast fans a stream of values out to many subscribers.
//
// Publishing never blocks: a subscriber whose buffer is full misses the
// value and the drop is counted.
package broadcast

import (
	"sync"
	"sync/atomic"
)

type BroadcastServer[T any] struct {
	mu        sync.RWMutex
	listeners map[chan T]struct{}
	closed    bool

	dropped atomic.Uint64
}

func NewBroadcastServer[T any]() *BroadcastServer[T] {
	return &BroadcastServer[T]{
		listeners: make(map[chan T]struct{}),
	}
}

// ListenersCount returns the number of listeners
func (s *BroadcastServer[T]) ListenersCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.listeners)
}

// Dropped returns how many deliveries were skipped because a listener was full.
func (s *BroadcastServer[T]) Dropped() uint64 {
	return s.dropped.Load()
}

// Broadcast delivers val to every listener with room in its buffer.
func (s *BroadcastServer[T]) Broadcast(val T) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return
	}

	for listener := range s.listeners {
		select {
		case listener <- val:
		default:
			s.dropped.Add(1)
		}
	}
}

// Subscribe returns a new channel that will receive all broadcasts.
// A closed server returns an already closed channel.
func (s *BroadcastServer[T]) Subscribe(buffer int) <-chan T {
	listener := make(chan T, buffer)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		close(listener)

		return listener
	}

	s.listeners[listener] = struct{}{}

	return listener
}

// CancelSubscription removes and closes a channel returned by Subscribe.
//
// All channels returned by Subscribe() should be cancelled eventually
func (s *BroadcastServer[T]) CancelSubscription(channel <-chan T) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for listener := range s.listeners {
		if listener == channel {
			delete(s.listeners, listener)
			close(listener)

			return
		}
	}
}

// Close closes every listener. Later broadcasts are ignored.
func (s *BroadcastServer[T]) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	s.closed = true

	for listener := range s.listeners {
		close(listener)
	}

	s.listeners = nil
}
