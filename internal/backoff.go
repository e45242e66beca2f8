package internal

import (
	"context"
	"math/rand"
	"time"
)

// Backoff is a capped exponential backoff with uniform jitter.
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter time.Duration
}

var (
	// restBackoff is used for transport and 5xx retries.
	restBackoff = Backoff{Base: 500 * time.Millisecond, Max: 30 * time.Second, Jitter: 400 * time.Millisecond}

	// reconnectBackoff is used between gateway reconnect attempts.
	reconnectBackoff = Backoff{Base: 2 * time.Second, Max: 30 * time.Second, Jitter: time.Second}
)

// Delay returns the backoff for attempt without jitter. It doubles per
// attempt starting from Base and never exceeds Max.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	d := b.Base

	for i := 0; i < attempt && d < b.Max; i++ {
		d *= 2
	}

	if d > b.Max {
		d = b.Max
	}

	return d
}

// Duration returns Delay plus a random jitter in [0, Jitter).
func (b Backoff) Duration(attempt int) time.Duration {
	return b.Delay(attempt) + jitter(b.Jitter)
}

func jitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}

	return time.Duration(rand.Int63n(int64(max)))
}

// sleepContext waits for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
