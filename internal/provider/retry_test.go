package provider

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithRetry_SucceedsFirstTry(t *testing.T) {
	calls := 0
	err := WithRetry(context.Background(), "test", "op", func(ctx context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestWithRetry_TransientRetried(t *testing.T) {
	calls := 0
	err := WithRetry(context.Background(), "test", "op", func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return NewError("test", "op", http.StatusBadGateway, "upstream", ErrProviderError)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestWithRetry_ExhaustsAttempts(t *testing.T) {
	calls := 0
	transient := NewError("test", "op", http.StatusServiceUnavailable, "down", ErrProviderError)
	err := WithRetry(context.Background(), "test", "op", func(ctx context.Context) error {
		calls++
		return transient
	})
	require.Error(t, err)
	assert.Equal(t, MaxAttempts, calls)
	assert.True(t, errors.Is(err, ErrProviderError))
}

func TestWithRetry_InvalidRequestNotRetried(t *testing.T) {
	calls := 0
	err := WithRetry(context.Background(), "test", "op", func(ctx context.Context) error {
		calls++
		return NewError("test", "op", http.StatusUnprocessableEntity, "bad field", ErrInvalidRequest)
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.True(t, IsInvalidRequest(err))
}

func TestWithRetry_AuthNotRetried(t *testing.T) {
	calls := 0
	err := WithRetry(context.Background(), "test", "op", func(ctx context.Context) error {
		calls++
		return NewError("test", "op", http.StatusForbidden, "bad key", ErrUnauthorized)
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.True(t, IsAuthError(err))
}

func TestWithRetry_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	err := WithRetry(ctx, "test", "op", func(ctx context.Context) error {
		calls++
		return NewError("test", "op", http.StatusBadGateway, "upstream", ErrProviderError)
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestRateLimitBackoff_CapsAt60s(t *testing.T) {
	err := &Error{StatusCode: http.StatusTooManyRequests, RetryAfter: 300}
	assert.Equal(t, 60*time.Second, rateLimitBackoff(err, time.Second))

	err = &Error{StatusCode: http.StatusTooManyRequests, RetryAfter: 5}
	assert.Equal(t, 5*time.Second, rateLimitBackoff(err, time.Second))

	err = &Error{StatusCode: http.StatusTooManyRequests}
	assert.Equal(t, 2*time.Second, rateLimitBackoff(err, 2*time.Second))
}

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{http.StatusTooManyRequests, ErrRateLimited},
		{http.StatusUnauthorized, ErrUnauthorized},
		{http.StatusForbidden, ErrUnauthorized},
		{http.StatusNotFound, ErrInstanceNotFound},
		{http.StatusConflict, ErrOfferUnavailable},
		{http.StatusBadRequest, ErrInvalidRequest},
		{http.StatusUnprocessableEntity, ErrInvalidRequest},
		{http.StatusInternalServerError, ErrProviderError},
	}
	for _, tt := range tests {
		assert.ErrorIs(t, ClassifyStatus(tt.status), tt.want)
	}
}

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(NewError("p", "op", 502, "", ErrProviderError)))
	assert.True(t, IsTransient(NewError("p", "op", 429, "", ErrRateLimited)))
	assert.True(t, IsTransient(NewError("p", "op", 0, "connection reset", ErrProviderError)))
	assert.False(t, IsTransient(NewError("p", "op", 404, "", ErrInstanceNotFound)))
	assert.False(t, IsTransient(NewError("p", "op", 422, "", ErrInvalidRequest)))
	assert.False(t, IsTransient(nil))
}
