package internal

import (
	"context"
	"sort"
	"sync"
	"time"
)

// bucket holds the queue and rate limit state of one route.
type bucket struct {
	queue *priorityQueue

	key   string
	route string

	mu           sync.Mutex
	resetAt      time.Time
	hash         string
	limit        int
	remaining    int
	serverErrors int

	// pending counts submissions holding a reference. Guarded by the
	// dispatcher's bucket lock.
	pending int
}

// BucketState is a snapshot of a bucket.
type BucketState struct {
	ResetAt   time.Time `json:"reset_at"`
	Key       string    `json:"key"`
	Hash      string    `json:"hash,omitempty"`
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	Queued    int       `json:"queued"`
}

func newBucket(key, route string) *bucket {
	return &bucket{
		queue:     newPriorityQueue(),
		key:       key,
		route:     route,
		limit:     -1,
		remaining: 1,
	}
}

// limited returns true if the bucket must wait until resetAt.
func (b *bucket) limited(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.remaining <= 0 && now.Before(b.resetAt)
}

func (b *bucket) timeToReset(now time.Time) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.resetAt.Sub(now)
}

// inactive returns true if the bucket can be swept.
func (b *bucket) inactive(now time.Time) bool {
	return b.pending == 0 && b.queue.idle() && !b.limited(now)
}

func (b *bucket) update(rl rateLimitHeaders) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.limit = rl.limit
	b.remaining = rl.remaining
	b.resetAt = rl.resetAt

	if rl.bucket != "" {
		b.hash = rl.bucket
	}
}

// take counts the request against the local limit.
func (b *bucket) take() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.limit >= 0 {
		b.remaining--
	}
}

func (b *bucket) serverError() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.serverErrors++

	return b.serverErrors
}

func (b *bucket) serverErrorCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.serverErrors
}

func (b *bucket) resetServerErrors() {
	b.mu.Lock()
	b.serverErrors = 0
	b.mu.Unlock()
}

func (b *bucket) state() BucketState {
	b.mu.Lock()
	defer b.mu.Unlock()

	return BucketState{
		ResetAt:   b.resetAt,
		Key:       b.key,
		Hash:      b.hash,
		Limit:     b.limit,
		Remaining: b.remaining,
		Queued:    b.queue.len(),
	}
}

type waiter struct {
	ready    chan struct{}
	priority int
	seq      uint64
}

// priorityQueue admits one holder at a time. Waiters are released by
// priority, highest first, and in arrival order for equal priorities.
type priorityQueue struct {
	mu      sync.Mutex
	waiters []*waiter
	seq     uint64
	busy    bool
}

func newPriorityQueue() *priorityQueue {
	return &priorityQueue{}
}

// wait blocks until the caller holds the queue. Every successful wait must
// be followed by shift.
func (q *priorityQueue) wait(ctx context.Context, priority int) error {
	q.mu.Lock()

	if !q.busy && len(q.waiters) == 0 {
		q.busy = true
		q.mu.Unlock()

		return nil
	}

	w := &waiter{
		ready:    make(chan struct{}),
		priority: priority,
		seq:      q.seq,
	}

	q.seq++

	i := sort.Search(len(q.waiters), func(i int) bool {
		return q.waiters[i].priority < priority
	})

	q.waiters = append(q.waiters, nil)
	copy(q.waiters[i+1:], q.waiters[i:])
	q.waiters[i] = w

	q.mu.Unlock()

	select {
	case <-w.ready:
		return nil
	case <-ctx.Done():
	}

	q.mu.Lock()

	select {
	case <-w.ready:
		// Released while cancelling, hand the turn to the next waiter.
		q.mu.Unlock()
		q.shift()

		return ctx.Err()
	default:
	}

	for i, other := range q.waiters {
		if other == w {
			q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)

			break
		}
	}

	q.mu.Unlock()

	return ctx.Err()
}

// shift releases the queue to the next waiter.
func (q *priorityQueue) shift() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.waiters) == 0 {
		q.busy = false

		return
	}

	next := q.waiters[0]
	q.waiters[0] = nil
	q.waiters = q.waiters[1:]

	close(next.ready)
}

// len returns the number of waiters, not counting the holder.
func (q *priorityQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.waiters)
}

func (q *priorityQueue) idle() bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	return !q.busy && len(q.waiters) == 0
}
