package limiter

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDurationLimiterAllowsLimitPerWindow(t *testing.T) {
	l := NewDurationLimiter("test", 3, time.Hour)

	for i := 0; i < 3; i++ {
		require.NoError(t, l.Wait(context.Background()))
	}

	assert.Equal(t, int32(0), l.Available())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	assert.ErrorIs(t, l.Wait(ctx), context.DeadlineExceeded)
}

func TestDurationLimiterRefillsAfterWindow(t *testing.T) {
	l := NewDurationLimiter("test", 1, 30*time.Millisecond)

	require.NoError(t, l.Wait(context.Background()))

	start := time.Now()
	require.NoError(t, l.Wait(context.Background()))

	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestDurationLimiterReset(t *testing.T) {
	l := NewDurationLimiter("test", 2, time.Hour)

	require.NoError(t, l.Wait(context.Background()))
	require.NoError(t, l.Wait(context.Background()))

	l.Reset()

	assert.Equal(t, int32(2), l.Available())
	assert.Equal(t, "test", l.Name())
}
