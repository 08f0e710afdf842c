package crawler

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFixedRetryPolicyClassification(t *testing.T) {
	t.Parallel()

	policy := NewFixedRetryPolicy(3, 5*time.Second)
	tests := []struct {
		name    string
		err     error
		attempt int
		want    bool
	}{
		{name: "nil", err: nil, attempt: 1, want: false},
		{name: "timeout", err: &FetchError{Kind: FetchTimeout, Err: context.DeadlineExceeded}, attempt: 1, want: true},
		{name: "transport", err: &FetchError{Kind: FetchTransport, Err: errors.New("reset")}, attempt: 2, want: true},
		{name: "cap reached", err: &FetchError{Kind: FetchTransport}, attempt: 3, want: false},
		{name: "rate limited", err: &FetchError{Kind: FetchHTTP, StatusCode: 429}, attempt: 1, want: true},
		{name: "server error", err: &FetchError{Kind: FetchHTTP, StatusCode: 503}, attempt: 1, want: true},
		{name: "not found", err: &FetchError{Kind: FetchHTTP, StatusCode: 404}, attempt: 1, want: false},
		{name: "extraction", err: NewExtractionError("title", nil), attempt: 1, want: false},
		{name: "canceled", err: fmt.Errorf("wrap: %w", context.Canceled), attempt: 1, want: false},
		{name: "other", err: errors.New("boom"), attempt: 1, want: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, policy.ShouldRetry(tt.err, tt.attempt))
		})
	}
	assert.Equal(t, 500*time.Millisecond, policy.Backoff(1))
	assert.Equal(t, 500*time.Millisecond, policy.Backoff(7))
}

func TestExponentialRetryPolicyBackoffIsBounded(t *testing.T) {
	t.Parallel()

	policy := NewExponentialRetryPolicy(0, 2*time.Second)
	require.Equal(t, DefaultMaxAttempts, policy.maxAttempts)
	for attempt := 1; attempt < 10; attempt++ {
		d := policy.Backoff(attempt)
		assert.GreaterOrEqual(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, 2*policy.maxDelay)
	}
}

func TestRetryStopsAtCap(t *testing.T) {
	t.Parallel()

	calls := 0
	_, attempts, err := Retry(context.Background(), NewFixedRetryPolicy(DefaultMaxAttempts, 0), func(context.Context) (int, error) {
		calls++
		return 0, &FetchError{Kind: FetchTransport, Err: errors.New("refused")}
	})
	require.Error(t, err)
	require.Equal(t, DefaultMaxAttempts, attempts)
	require.Equal(t, DefaultMaxAttempts, calls)
}

func TestRetryReturnsFirstSuccess(t *testing.T) {
	t.Parallel()

	calls := 0
	val, attempts, err := Retry(context.Background(), NewFixedRetryPolicy(5, 0), func(context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", &FetchError{Kind: FetchHTTP, StatusCode: 502}
		}
		return "ok", nil
	})
	require.NoError(t, err)
	require.Equal(t, "ok", val)
	require.Equal(t, 3, attempts)
}

func TestRetryHonorsCancellation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	_, _, err := Retry(ctx, NewFixedRetryPolicy(DefaultMaxAttempts, time.Hour), func(context.Context) (int, error) {
		calls++
		cancel()
		return 0, &FetchError{Kind: FetchTransport, Err: errors.New("refused")}
	})
	require.Error(t, err)
	require.Equal(t, 1, calls)
}
