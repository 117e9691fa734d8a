package harvest

import (
	"context"
	"crypto/rand"
	"errors"
	"math"
	"math/big"
	"time"
)

// BackoffRetryPolicy retries transient failures with jittered exponential
// backoff. Claim conflicts, cancellation, and extraction failures are never
// retried; anything else gets the benefit of the doubt up to the bound.
type BackoffRetryPolicy struct {
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
}

// NewBackoffRetryPolicy builds a policy with the given attempt bound.
func NewBackoffRetryPolicy(maxAttempts int) *BackoffRetryPolicy {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &BackoffRetryPolicy{
		maxAttempts: maxAttempts,
		baseDelay:   250 * time.Millisecond,
		maxDelay:    5 * time.Second,
	}
}

// ShouldRetry decides whether the error is retryable at this attempt.
func (p *BackoffRetryPolicy) ShouldRetry(err error, attempt int) bool {
	if err == nil || attempt >= p.maxAttempts {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, ErrClaimConflict) || errors.Is(err, ErrRendererDisabled) {
		return false
	}
	var extractErr *ExtractionError
	if errors.As(err, &extractErr) {
		return false
	}
	return true
}

// Backoff returns the wait before the next attempt: half the capped
// exponential delay plus up to that much jitter.
func (p *BackoffRetryPolicy) Backoff(attempt int) time.Duration {
	delay := float64(p.baseDelay) * math.Pow(2, float64(attempt))
	if delay > float64(p.maxDelay) {
		delay = float64(p.maxDelay)
	}
	half := time.Duration(delay / 2)
	return half + randomJitter(half)
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
