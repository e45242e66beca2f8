package internal

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRateLimitHeaders(t *testing.T) {
	now := time.Now()

	header := http.Header{}
	header.Set(HeaderRateLimitLimit, "5")
	header.Set(HeaderRateLimitRemaining, "3")
	header.Set(HeaderRateLimitResetAfter, "1.5")
	header.Set(HeaderRateLimitReset, "1")
	header.Set(HeaderRateLimitBucket, "abcd")

	rl := parseRateLimitHeaders(header, "/channels/1/messages", now)

	assert.Equal(t, 5, rl.limit)
	assert.Equal(t, 3, rl.remaining)
	assert.Equal(t, now.Add(1500*time.Millisecond), rl.resetAt)
	assert.Equal(t, "abcd", rl.bucket)
	assert.Equal(t, time.Duration(-1), rl.retryAfter)
	assert.False(t, rl.global)
}

func TestParseRateLimitHeadersGlobalFlag(t *testing.T) {
	testCases := []struct {
		value  string
		global bool
	}{
		{value: "true", global: true},
		{value: "True", global: true},
		{value: "1", global: true},
		{value: "false", global: false},
		{value: "0", global: false},
		{value: "", global: false},
		{value: "maybe", global: false},
	}

	for _, tc := range testCases {
		header := http.Header{}
		header.Set(HeaderRateLimitGlobal, tc.value)

		rl := parseRateLimitHeaders(header, "/gateway", time.Now())

		assert.Equal(t, tc.global, rl.global, tc.value)
	}
}

func TestParseRateLimitHeadersDefaults(t *testing.T) {
	now := time.Now()

	rl := parseRateLimitHeaders(http.Header{}, "/gateway", now)

	assert.Equal(t, -1, rl.limit)
	assert.Equal(t, 1, rl.remaining)
	assert.Equal(t, now, rl.resetAt)
}

func TestParseRateLimitHeadersResetUsesServerDate(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)

	// The server clock is ten seconds ahead of ours.
	header := http.Header{}
	header.Set("Date", now.Add(10*time.Second).UTC().Format(http.TimeFormat))
	header.Set(HeaderRateLimitReset, "1700000012")

	rl := parseRateLimitHeaders(header, "/gateway", now)

	assert.Equal(t, now.Add(2*time.Second).Unix(), rl.resetAt.Unix())
}

func TestParseRateLimitHeadersReactionGrace(t *testing.T) {
	now := time.Now()

	header := http.Header{}
	header.Set(HeaderRateLimitReset, "1")

	rl := parseRateLimitHeaders(header, "/channels/1/messages/:id/reactions", now)
	assert.Equal(t, now.Add(reactionResetExtra), rl.resetAt)

	header.Set(HeaderRateLimitResetAfter, "2")

	rl = parseRateLimitHeaders(header, "/channels/1/messages/:id/reactions", now)
	assert.Equal(t, now.Add(2*time.Second), rl.resetAt)
}

func TestRateLimitBodyFallback(t *testing.T) {
	rl := parseRateLimitHeaders(http.Header{}, "/gateway", time.Now())
	rl.mergeBody([]byte(`{"message":"You are being rate limited.","retry_after":0.25,"global":true}`))

	assert.Equal(t, 250*time.Millisecond, rl.retryAfter)
	assert.True(t, rl.global)

	header := http.Header{}
	header.Set(HeaderRetryAfter, "1")

	rl = parseRateLimitHeaders(header, "/gateway", time.Now())
	rl.mergeBody([]byte(`{"retry_after":5}`))

	assert.Equal(t, time.Second, rl.retryAfter)
}

func TestGlobalLimiterNeverNegative(t *testing.T) {
	gl := NewGlobalLimiter(10)
	now := time.Now()

	var wg sync.WaitGroup

	var mu sync.Mutex

	granted := 0

	for i := 0; i < 100; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			if ok, _ := gl.acquire(now); ok {
				mu.Lock()
				granted++
				mu.Unlock()
			}

			assert.GreaterOrEqual(t, gl.State().Remaining, 0)
		}()
	}

	wg.Wait()

	assert.Equal(t, 10, granted)
	assert.Equal(t, 0, gl.State().Remaining)
	assert.True(t, gl.Limited(now))

	ok, wait := gl.acquire(now)
	assert.False(t, ok)
	assert.Equal(t, globalWindow, wait)

	ok, _ = gl.acquire(now.Add(globalWindow))
	assert.True(t, ok)
}

func TestGlobalLimiterHit(t *testing.T) {
	gl := NewGlobalLimiter(50)
	now := time.Now()

	gl.hit(now, 3*time.Second)

	assert.True(t, gl.Limited(now.Add(2*time.Second)))
	assert.False(t, gl.Limited(now.Add(3*time.Second)))
}

func TestGlobalLimiterCoalescesDelays(t *testing.T) {
	gl := NewGlobalLimiter(1)

	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()
			assert.NoError(t, gl.wait(context.Background(), 50*time.Millisecond))
		}()
	}

	wg.Wait()

	gl.mu.Lock()
	delays := gl.delays
	gl.mu.Unlock()

	// Late arrivals may start a second timer after the first fired.
	assert.LessOrEqual(t, delays, 2)
	assert.GreaterOrEqual(t, delays, 1)
}

func TestGlobalLimiterWaitIsCancellable(t *testing.T) {
	gl := NewGlobalLimiter(1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.ErrorIs(t, gl.wait(ctx, time.Hour), context.Canceled)
}

func TestInvalidRequestCounterWindow(t *testing.T) {
	var c invalidRequestCounter

	now := time.Now()

	count, remaining := c.hit(now)
	assert.Equal(t, 1, count)
	assert.Equal(t, invalidRequestWindow, remaining)

	count, _ = c.hit(now.Add(time.Minute))
	assert.Equal(t, 2, count)

	count, _ = c.hit(now.Add(invalidRequestWindow))
	assert.Equal(t, 1, count)
}
