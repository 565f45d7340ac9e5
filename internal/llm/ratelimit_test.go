package llm

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimiterAdmitsWithinWindow(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{
		RequestsPerMinute: 10,
		TokensPerMinute:   1000,
		MaxConcurrent:     5,
	})

	for i := 0; i < 10; i++ {
		release, err := rl.Acquire(context.Background(), 50, nil)
		require.NoError(t, err)
		release()
	}
}

func TestRateLimiterRejectsOnRequestWindow(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{
		RequestsPerMinute: 2,
		TokensPerMinute:   1000,
		MaxConcurrent:     5,
		RejectOnLimit:     true,
	})

	for i := 0; i < 2; i++ {
		release, err := rl.Acquire(context.Background(), 1, nil)
		require.NoError(t, err)
		release()
	}

	_, err := rl.Acquire(context.Background(), 1, nil)
	assert.ErrorIs(t, err, ErrRateLimited)
}

func TestRateLimiterRejectsOnTokenWindow(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{
		RequestsPerMinute: 100,
		TokensPerMinute:   100,
		MaxConcurrent:     5,
		RejectOnLimit:     true,
	})

	release, err := rl.Acquire(context.Background(), 80, nil)
	require.NoError(t, err)
	release()

	_, err = rl.Acquire(context.Background(), 30, nil)
	assert.ErrorIs(t, err, ErrRateLimited)
}

func TestRateLimiterAdmitsOversizedCallOnEmptyWindow(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{
		RequestsPerMinute: 100,
		TokensPerMinute:   100,
		MaxConcurrent:     5,
		RejectOnLimit:     true,
	})

	// A single call larger than the whole budget must not wait forever.
	release, err := rl.Acquire(context.Background(), 5000, nil)
	require.NoError(t, err)
	release()
}

func TestRateLimiterWindowSlides(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{
		RequestsPerMinute: 1,
		TokensPerMinute:   1000,
		MaxConcurrent:     5,
		RejectOnLimit:     true,
	})

	clock := time.Now()
	rl.now = func() time.Time { return clock }

	release, err := rl.Acquire(context.Background(), 1, nil)
	require.NoError(t, err)
	release()

	_, err = rl.Acquire(context.Background(), 1, nil)
	require.ErrorIs(t, err, ErrRateLimited)

	// After the window passes, the entry is pruned and admission resumes.
	clock = clock.Add(61 * time.Second)
	release, err = rl.Acquire(context.Background(), 1, nil)
	require.NoError(t, err)
	release()
}

func TestRateLimiterConcurrencySlots(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{
		RequestsPerMinute: 100,
		TokensPerMinute:   1000,
		MaxConcurrent:     1,
	})

	release1, err := rl.Acquire(context.Background(), 1, nil)
	require.NoError(t, err)

	// Second acquire blocks on the semaphore until the first releases.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = rl.Acquire(ctx, 1, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	release1()
	release2, err := rl.Acquire(context.Background(), 1, nil)
	require.NoError(t, err)
	release2()
}

func TestRateLimiterCancelledContext(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{
		RequestsPerMinute: 100,
		TokensPerMinute:   1000,
		MaxConcurrent:     1,
	})

	release, err := rl.Acquire(context.Background(), 1, nil)
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = rl.Acquire(ctx, 1, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 0, EstimateTokens(nil))
	assert.Equal(t, 0, EstimateTokens([]string{""}))
	assert.Equal(t, 2, EstimateTokens([]string{"hello world"}))
	assert.Equal(t, 5, EstimateTokens([]string{"a b c", "d"}))
	assert.Equal(t, 1, EstimateTokens([]string{"  spaced  "}))
}
