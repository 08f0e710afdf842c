package crawler

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math"
	"math/big"
	"time"
)

// DefaultMaxAttempts caps every per-page retry loop.
const DefaultMaxAttempts = 10

// FixedRetryPolicy retries with a constant delay.
type FixedRetryPolicy struct {
	maxAttempts int
	delay       time.Duration
}

// NewFixedRetryPolicy derives the delay from the fetch timeout (timeout/10).
func NewFixedRetryPolicy(maxAttempts int, timeout time.Duration) *FixedRetryPolicy {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &FixedRetryPolicy{
		maxAttempts: maxAttempts,
		delay:       timeout / 10,
	}
}

// ShouldRetry decides whether the error is retryable.
func (p *FixedRetryPolicy) ShouldRetry(err error, attempt int) bool {
	return shouldRetry(err, attempt, p.maxAttempts)
}

// Backoff returns the constant wait before the next attempt.
func (p *FixedRetryPolicy) Backoff(int) time.Duration {
	return p.delay
}

// ExponentialRetryPolicy implements RetryPolicy with jittered backoff.
type ExponentialRetryPolicy struct {
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
}

// NewExponentialRetryPolicy doubles a 250ms base delay per attempt, capped at
// the fetch timeout (5s when unset).
func NewExponentialRetryPolicy(maxAttempts int, timeout time.Duration) *ExponentialRetryPolicy {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	maxDelay := timeout
	if maxDelay <= 0 {
		maxDelay = 5 * time.Second
	}
	return &ExponentialRetryPolicy{
		maxAttempts: maxAttempts,
		baseDelay:   250 * time.Millisecond,
		maxDelay:    maxDelay,
	}
}

// ShouldRetry decides whether the error is retryable.
func (p *ExponentialRetryPolicy) ShouldRetry(err error, attempt int) bool {
	return shouldRetry(err, attempt, p.maxAttempts)
}

// Backoff returns the wait duration before the next attempt.
func (p *ExponentialRetryPolicy) Backoff(attempt int) time.Duration {
	delay := float64(p.baseDelay) * math.Pow(2, float64(attempt))
	if delay > float64(p.maxDelay) {
		delay = float64(p.maxDelay)
	}
	jitter := p.randomJitter(time.Duration(delay) / 2)
	return time.Duration(delay/2) + jitter
}

func (p *ExponentialRetryPolicy) randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	bound := big.NewInt(int64(limit))
	n, err := rand.Int(rand.Reader, bound)
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}

func shouldRetry(err error, attempt, maxAttempts int) bool {
	if err == nil {
		return false
	}
	if attempt >= maxAttempts {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		var fetchErr *FetchError
		// a per-request deadline is a timeout, a canceled sweep is not
		if !errors.As(err, &fetchErr) || fetchErr.Kind != FetchTimeout {
			return false
		}
	}
	var extractErr *ExtractionError
	if errors.As(err, &extractErr) {
		return false
	}
	var fetchErr *FetchError
	if errors.As(err, &fetchErr) {
		return fetchErr.Retryable()
	}
	return true
}

// Retry runs fn until it succeeds, the policy gives up, or ctx ends. Attempts
// are numbered from 1 and the loop never exceeds the policy's cap.
func Retry[T any](ctx context.Context, policy RetryPolicy, fn func(context.Context) (T, error)) (T, int, error) {
	var zero T
	for attempt := 1; ; attempt++ {
		val, err := fn(ctx)
		if err == nil {
			return val, attempt, nil
		}
		if policy == nil || !policy.ShouldRetry(err, attempt) || ctx.Err() != nil {
			return zero, attempt, err
		}
		timer := time.NewTimer(policy.Backoff(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, attempt, fmt.Errorf("retry canceled after %d attempts: %w", attempt, errors.Join(err, ctx.Err()))
		case <-timer.C:
		}
	}
}
