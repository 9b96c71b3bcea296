package exchange

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 4 * time.Millisecond, AttemptTimeout: 50 * time.Millisecond}
}

func TestBackoffIsCapped(t *testing.T) {
	p := RetryPolicy{BaseDelay: time.Second, MaxDelay: 60 * time.Second}

	assert.Equal(t, time.Second, p.Backoff(0))
	assert.Equal(t, 2*time.Second, p.Backoff(1))
	assert.Equal(t, 8*time.Second, p.Backoff(3))
	assert.Equal(t, 60*time.Second, p.Backoff(10))
	assert.Equal(t, 60*time.Second, p.Backoff(40))
	assert.Equal(t, time.Second, p.Backoff(-1))
}

func TestRetryRecoversFromTransient(t *testing.T) {
	calls := 0
	v, err := Retry(context.Background(), fastPolicy(), func(ctx context.Context) (int, error) {
		calls++
		if calls < 3 {
			return 0, &Error{Kind: ErrNetworkTransient}
		}
		return 42, nil
	})

	require.NoError(t, err)
	assert.Equal(t, 42, v)
	assert.Equal(t, 3, calls)
}

func TestRetryStopsOnRejection(t *testing.T) {
	calls := 0
	err := RetryDo(context.Background(), fastPolicy(), func(ctx context.Context) error {
		calls++
		return &Error{Kind: ErrOrderRejected}
	})

	assert.ErrorIs(t, err, ErrOrderRejected)
	assert.Equal(t, 1, calls)
}

func TestRetryExhausts(t *testing.T) {
	calls := 0
	err := RetryDo(context.Background(), fastPolicy(), func(ctx context.Context) error {
		calls++
		return &Error{Kind: ErrRateLimited, RetryAfter: time.Millisecond}
	})

	assert.ErrorIs(t, err, ErrRetriesExhausted)
	assert.ErrorIs(t, err, ErrRateLimited)
	assert.Equal(t, 3, calls)
}

func TestRetryTreatsAttemptTimeoutAsTransient(t *testing.T) {
	calls := 0
	err := RetryDo(context.Background(), fastPolicy(), func(ctx context.Context) error {
		calls++
		if calls == 1 {
			<-ctx.Done()
			return ctx.Err()
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestRetryHonoursParentCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := RetryDo(ctx, fastPolicy(), func(ctx context.Context) error {
		return errors.New("boom")
	})
	assert.ErrorIs(t, err, context.Canceled)
}
