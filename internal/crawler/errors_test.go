package crawler

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorType(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want string
	}{
		{name: "nil", err: nil, want: ""},
		{name: "http status", err: fmt.Errorf("fetch: %w", &FetchError{Kind: FetchHTTP, StatusCode: 404}), want: "404"},
		{name: "timeout", err: &FetchError{Kind: FetchTimeout, Err: context.DeadlineExceeded}, want: "timeout"},
		{name: "transport", err: &FetchError{Kind: FetchTransport}, want: "transport_error"},
		{name: "extraction", err: NewExtractionError("writer", nil), want: "extraction"},
		{name: "store", err: &StoreError{Op: "upsert", Err: errors.New("locked")}, want: "store"},
		{name: "other", err: errors.New("boom"), want: "other"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, ErrorType(tt.err))
		})
	}
}

func TestFetchErrorUnwrap(t *testing.T) {
	t.Parallel()

	err := fmt.Errorf("outer: %w", &FetchError{Kind: FetchTimeout, URL: "u", Err: context.DeadlineExceeded})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	var fetchErr *FetchError
	assert.ErrorAs(t, err, &fetchErr)
	assert.Contains(t, fetchErr.Error(), "u")
}
