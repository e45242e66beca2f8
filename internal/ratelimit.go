package internal

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"
)

const (
	// reactionResetExtra is the reset used for reaction routes that do not
	// report a reset-after.
	reactionResetExtra = 250 * time.Millisecond

	// globalWindow is the window of the global limiter.
	globalWindow = time.Second

	// invalidRequestWindow is the rolling window 401, 403 and 429
	// responses are counted in.
	invalidRequestWindow = 10 * time.Minute
)

// rateLimitHeaders is the rate limit information of one response.
type rateLimitHeaders struct {
	resetAt time.Time
	bucket  string

	// retryAfter is negative when the response carried none.
	retryAfter time.Duration

	// limit is negative when unlimited.
	limit     int
	remaining int
	global    bool
}

// retryAfterBody is the body of a 429 response.
type retryAfterBody struct {
	RetryAfter float64 `json:"retry_after"`
	Global     bool    `json:"global"`
}

// parseRateLimitHeaders reads the rate limit headers of a response.
// reset-after takes precedence over reset, and reset is corrected by the
// skew between the server date and the local clock.
func parseRateLimitHeaders(header http.Header, route string, now time.Time) rateLimitHeaders {
	rl := rateLimitHeaders{
		bucket:     header.Get(HeaderRateLimitBucket),
		limit:      -1,
		remaining:  1,
		retryAfter: -1,
		resetAt:    now,
	}

	if v, err := strconv.Atoi(header.Get(HeaderRateLimitLimit)); err == nil {
		rl.limit = v
	}

	if v, err := strconv.Atoi(header.Get(HeaderRateLimitRemaining)); err == nil {
		rl.remaining = v
	}

	resetAfter, hasResetAfter := parseSeconds(header.Get(HeaderRateLimitResetAfter))

	switch {
	case hasResetAfter:
		rl.resetAt = now.Add(resetAfter)
	default:
		if reset, ok := parseSeconds(header.Get(HeaderRateLimitReset)); ok {
			rl.resetAt = time.Unix(0, 0).Add(reset).Add(-serverOffset(header, now))
		}
	}

	if !hasResetAfter && isReactionRoute(route) {
		rl.resetAt = now.Add(reactionResetExtra)
	}

	if retryAfter, ok := parseSeconds(header.Get(HeaderRetryAfter)); ok {
		rl.retryAfter = retryAfter
	}

	if global, err := strconv.ParseBool(header.Get(HeaderRateLimitGlobal)); err == nil {
		rl.global = global
	}

	return rl
}

// mergeBody fills retry after and global from a 429 body when the headers
// did not carry them.
func (rl *rateLimitHeaders) mergeBody(body []byte) {
	if len(body) == 0 {
		return
	}

	var payload retryAfterBody
	if err := json.Unmarshal(body, &payload); err != nil {
		return
	}

	if rl.retryAfter < 0 && payload.RetryAfter > 0 {
		rl.retryAfter = secondsToDuration(payload.RetryAfter)
	}

	if payload.Global {
		rl.global = true
	}
}

// serverOffset returns how far the server clock is ahead of ours.
func serverOffset(header http.Header, now time.Time) time.Duration {
	date := header.Get("Date")
	if date == "" {
		return 0
	}

	serverTime, err := http.ParseTime(date)
	if err != nil {
		return 0
	}

	return serverTime.Sub(now)
}

func parseSeconds(value string) (time.Duration, bool) {
	if value == "" {
		return 0, false
	}

	seconds, err := strconv.ParseFloat(value, 64)
	if err != nil || math.IsNaN(seconds) || math.IsInf(seconds, 0) {
		return 0, false
	}

	return secondsToDuration(seconds), true
}

func secondsToDuration(seconds float64) time.Duration {
	return time.Duration(seconds * float64(time.Second))
}

// GlobalLimiter is the client wide request limiter shared by every bucket.
type GlobalLimiter struct {
	mu sync.Mutex

	resetAt   time.Time
	delay     chan struct{}
	limit     int
	remaining int
	delays    int
}

// GlobalState is a snapshot of the global limiter.
type GlobalState struct {
	ResetAt   time.Time `json:"reset_at"`
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
}

// NewGlobalLimiter creates a limiter allowing limit requests per second.
// A limit of zero or less is unlimited.
func NewGlobalLimiter(limit int) *GlobalLimiter {
	if limit <= 0 {
		limit = math.MaxInt32
	}

	return &GlobalLimiter{
		limit:     limit,
		remaining: limit,
	}
}

// refresh starts a new window once the previous one elapsed. Must be
// called with the lock held.
func (gl *GlobalLimiter) refresh(now time.Time) {
	if gl.resetAt.IsZero() || !now.Before(gl.resetAt) {
		gl.resetAt = now.Add(globalWindow)
		gl.remaining = gl.limit
	}
}

// acquire takes one request from the current window. When none are left
// it returns how long until the window resets.
func (gl *GlobalLimiter) acquire(now time.Time) (bool, time.Duration) {
	gl.mu.Lock()
	defer gl.mu.Unlock()

	gl.refresh(now)

	if gl.remaining <= 0 {
		return false, gl.resetAt.Sub(now)
	}

	gl.remaining--

	return true, 0
}

// Limited returns true if no request may run before the window resets.
func (gl *GlobalLimiter) Limited(now time.Time) bool {
	gl.mu.Lock()
	defer gl.mu.Unlock()

	return gl.remaining <= 0 && now.Before(gl.resetAt)
}

// hit records a global 429.
func (gl *GlobalLimiter) hit(now time.Time, retryAfter time.Duration) {
	gl.mu.Lock()
	defer gl.mu.Unlock()

	gl.remaining = 0
	gl.resetAt = now.Add(retryAfter)
}

// wait blocks for d. Concurrent callers share the timer of the first.
func (gl *GlobalLimiter) wait(ctx context.Context, d time.Duration) error {
	gl.mu.Lock()

	if gl.delay == nil {
		delay := make(chan struct{})

		gl.delay = delay
		gl.delays++

		time.AfterFunc(d, func() {
			gl.mu.Lock()
			gl.delay = nil
			gl.mu.Unlock()

			close(delay)
		})
	}

	delay := gl.delay

	gl.mu.Unlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-delay:
		return nil
	}
}

// State returns a snapshot of the limiter.
func (gl *GlobalLimiter) State() GlobalState {
	gl.mu.Lock()
	defer gl.mu.Unlock()

	return GlobalState{
		ResetAt:   gl.resetAt,
		Limit:     gl.limit,
		Remaining: gl.remaining,
	}
}

// invalidRequestCounter counts 401, 403 and 429 responses in a rolling window.
type invalidRequestCounter struct {
	mu sync.Mutex

	resetAt time.Time
	count   int
}

// hit records an invalid request and returns the count and the time left
// in the window.
func (c *invalidRequestCounter) hit(now time.Time) (int, time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.resetAt.IsZero() || !now.Before(c.resetAt) {
		c.resetAt = now.Add(invalidRequestWindow)
		c.count = 0
	}

	c.count++

	return c.count, c.resetAt.Sub(now)
}
