package limiter

import (
	"context"
	"sync"
	"time"
)

// DurationLimiter allows an operation to run at most limit times within
// each window of duration.
type DurationLimiter struct {
	mu sync.Mutex

	name     string
	limit    int32
	duration time.Duration

	resetsAt  time.Time
	available int32

	now func() time.Time
}

// NewDurationLimiter creates a DurationLimiter. This is useful for allowing
// a specific operation to run only X amount of times in a duration of Y.
func NewDurationLimiter(name string, limit int32, duration time.Duration) *DurationLimiter {
	return &DurationLimiter{
		name:     name,
		limit:    limit,
		duration: duration,
		now:      time.Now,
	}
}

// Name returns the name the limiter was created with.
func (l *DurationLimiter) Name() string {
	return l.name
}

// reserve takes a slot if one is free, otherwise returns how long until
// the window resets.
func (l *DurationLimiter) reserve() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()

	if !now.Before(l.resetsAt) {
		l.resetsAt = now.Add(l.duration)
		l.available = l.limit
	}

	if l.available <= 0 {
		return l.resetsAt.Sub(now)
	}

	l.available--

	return 0
}

// Wait blocks until there is an available slot in the limiter or the
// context is done.
func (l *DurationLimiter) Wait(ctx context.Context) error {
	for {
		wait := l.reserve()
		if wait <= 0 {
			return nil
		}

		t := time.NewTimer(wait)

		select {
		case <-ctx.Done():
			t.Stop()

			return ctx.Err()
		case <-t.C:
		}
	}
}

// Available returns the number of slots left in the current window.
func (l *DurationLimiter) Available() int32 {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.now().Before(l.resetsAt) {
		return l.limit
	}

	return l.available
}

// Reset starts a fresh window with every slot available.
func (l *DurationLimiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.resetsAt = l.now().Add(l.duration)
	l.available = l.limit
}
