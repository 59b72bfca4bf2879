// Copyright 2025 James Ross
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/flyingrobots/lifestream/internal/obs"
)

// RateLimitError is the distinguished variant language-model providers
// surface when a call hits a rate limit. RetryAfter is zero when the
// provider advised no interval.
type RateLimitError struct {
	Message    string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited: %s", e.Message)
}

// Per-minute rolling windows recover slowly; sub-minute advised intervals
// just re-trigger the limit. The floor makes the window actually drain.
const (
	minRateLimitDelay = 15 * time.Second
	maxRateLimitDelay = 90 * time.Second
)

// Matches "try again in 446ms" or "try again in 30s" in provider messages.
var retryAfterRe = regexp.MustCompile(`(?i)try again in (\d+)(ms|s)?`)

// rateLimitDelay computes the sleep before the next attempt:
// max(15s, min(90s, advised or 2^(attempt+4) seconds)).
func rateLimitDelay(rle *RateLimitError, attempt int) time.Duration {
	advised := rle.RetryAfter
	if advised == 0 {
		if m := retryAfterRe.FindStringSubmatch(rle.Message); len(m) == 3 {
			if v, err := strconv.Atoi(m[1]); err == nil {
				if strings.EqualFold(m[2], "ms") {
					advised = time.Duration(v) * time.Millisecond
				} else {
					advised = time.Duration(v) * time.Second
				}
			}
		}
	}
	delay := advised
	if delay == 0 {
		delay = time.Duration(math.Pow(2, float64(attempt+4))) * time.Second
	}
	if delay > maxRateLimitDelay {
		delay = maxRateLimitDelay
	}
	if delay < minRateLimitDelay {
		delay = minRateLimitDelay
	}
	return delay
}

// withRateLimitRetry runs fn, sleeping and retrying on rate-limit failures
// up to maxAttempts. Non-rate-limit errors propagate immediately.
func withRateLimitRetry(ctx context.Context, maxAttempts int, log *zap.Logger, fn func() (string, error)) (string, error) {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		out, err := fn()
		if err == nil {
			return out, nil
		}
		lastErr = err
		rle, ok := asRateLimit(err)
		if !ok {
			return "", err
		}
		if attempt == maxAttempts-1 {
			break
		}
		delay := rateLimitDelay(rle, attempt)
		obs.LLMRateLimited.Inc()
		log.Warn("language model rate limited, backing off",
			obs.String("delay", delay.String()),
			obs.Int("attempt", attempt+1),
			obs.Int("max_attempts", maxAttempts),
		)
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(delay):
		}
	}
	return "", fmt.Errorf("rate limit persisted after %d attempts: %w", maxAttempts, lastErr)
}

func asRateLimit(err error) (*RateLimitError, bool) {
	var rle *RateLimitError
	if errors.As(err, &rle) {
		return rle, true
	}
	return nil, false
}
