// Copyright 2025 James Ross
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRateLimitDelayFloorsAdvisedInterval(t *testing.T) {
	// Provider advises 400ms; the floor wins so the rolling window recovers.
	rle := &RateLimitError{Message: "429: please try again in 400ms"}
	assert.Equal(t, 15*time.Second, rateLimitDelay(rle, 0))
}

func TestRateLimitDelayUsesAdvisedSeconds(t *testing.T) {
	rle := &RateLimitError{Message: "rate limited, try again in 30s"}
	assert.Equal(t, 30*time.Second, rateLimitDelay(rle, 0))
}

func TestRateLimitDelayCapsAdvised(t *testing.T) {
	rle := &RateLimitError{Message: "try again in 600s"}
	assert.Equal(t, 90*time.Second, rateLimitDelay(rle, 0))
}

func TestRateLimitDelayHeaderWins(t *testing.T) {
	rle := &RateLimitError{Message: "429", RetryAfter: 45 * time.Second}
	assert.Equal(t, 45*time.Second, rateLimitDelay(rle, 0))
}

func TestRateLimitDelayExponentialFallback(t *testing.T) {
	rle := &RateLimitError{Message: "429 with no advice"}
	// 2^(0+4) = 16s
	assert.Equal(t, 16*time.Second, rateLimitDelay(rle, 0))
	// 2^(1+4) = 32s
	assert.Equal(t, 32*time.Second, rateLimitDelay(rle, 1))
	// 2^(3+4) = 128s, capped at 90s
	assert.Equal(t, 90*time.Second, rateLimitDelay(rle, 3))
}

func TestWithRateLimitRetryPassesThroughOtherErrors(t *testing.T) {
	log := zap.NewNop()
	boom := errors.New("bad input")
	calls := 0
	_, err := withRateLimitRetry(context.Background(), 5, log, func() (string, error) {
		calls++
		return "", boom
	})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls, "non-rate-limit errors do not retry")
}

func TestWithRateLimitRetrySucceedsFirstTry(t *testing.T) {
	out, err := withRateLimitRetry(context.Background(), 5, zap.NewNop(), func() (string, error) {
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
}

func TestWithRateLimitRetryCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := withRateLimitRetry(ctx, 3, zap.NewNop(), func() (string, error) {
		return "", &RateLimitError{Message: "429"}
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWithRateLimitRetryExhaustion(t *testing.T) {
	// maxAttempts 1 means a single try and no sleep.
	_, err := withRateLimitRetry(context.Background(), 1, zap.NewNop(), func() (string, error) {
		return "", &RateLimitError{Message: "429"}
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limit persisted after 1 attempts")
}

func TestAsRateLimitUnwraps(t *testing.T) {
	inner := &RateLimitError{Message: "429"}
	wrapped := fmt.Errorf("call failed: %w", inner)
	rle, ok := asRateLimit(wrapped)
	require.True(t, ok)
	assert.Equal(t, inner, rle)

	_, ok = asRateLimit(errors.New("plain"))
	assert.False(t, ok)
}
