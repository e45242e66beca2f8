package broadcast

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBroadcastDeliversToAllListeners(t *testing.T) {
	s := NewBroadcastServer[int]()

	a := s.Subscribe(4)
	b := s.Subscribe(4)

	s.Broadcast(1)
	s.Broadcast(2)

	assert.Equal(t, 1, <-a)
	assert.Equal(t, 2, <-a)
	assert.Equal(t, 1, <-b)
	assert.Equal(t, 2, <-b)
	assert.Equal(t, 2, s.ListenersCount())
}

func TestBroadcastDropsWhenFull(t *testing.T) {
	s := NewBroadcastServer[int]()

	a := s.Subscribe(1)

	s.Broadcast(1)
	s.Broadcast(2)

	assert.Equal(t, 1, <-a)
	assert.Equal(t, uint64(1), s.Dropped())
}

func TestCancelSubscriptionClosesChannel(t *testing.T) {
	s := NewBroadcastServer[string]()

	a := s.Subscribe(1)
	s.CancelSubscription(a)

	_, ok := <-a
	assert.False(t, ok)
	assert.Equal(t, 0, s.ListenersCount())

	// Cancelling twice is harmless.
	s.CancelSubscription(a)
}

func TestCloseClosesListenersAndIgnoresBroadcasts(t *testing.T) {
	s := NewBroadcastServer[int]()

	a := s.Subscribe(1)
	s.Close()
	s.Broadcast(1)

	_, ok := <-a
	assert.False(t, ok)

	b := s.Subscribe(1)
	_, ok = <-b
	assert.False(t, ok)
}
