package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExponentialBackoff_NoJitter(t *testing.T) {
	backoff := ExponentialBackoff(BackoffConfig{
		InitialInterval: 5 * time.Second,
		MaxInterval:     60 * time.Second,
		Multiplier:      2,
	})

	assert.Equal(t, 5*time.Second, backoff(0))
	assert.Equal(t, 5*time.Second, backoff(1))
	assert.Equal(t, 10*time.Second, backoff(2))
	assert.Equal(t, 20*time.Second, backoff(3))
	assert.Equal(t, 40*time.Second, backoff(4))
	assert.Equal(t, 60*time.Second, backoff(5), "capped at MaxInterval")
	assert.Equal(t, 60*time.Second, backoff(30))
}

func TestExponentialBackoff_JitterRange(t *testing.T) {
	backoff := ExponentialBackoff(BackoffConfig{
		InitialInterval: time.Second,
		MaxInterval:     time.Minute,
		Multiplier:      2,
		Jitter:          true,
	})

	for i := 0; i < 100; i++ {
		d := backoff(3)
		assert.GreaterOrEqual(t, d, 2*time.Second)
		assert.Less(t, d, 4*time.Second)
	}
}

func TestWithRetry_EventuallySucceeds(t *testing.T) {
	calls := 0
	err := WithRetry(context.Background(), func() error {
		calls++
		if calls < 3 {
			return errors.New("not yet")
		}
		return nil
	}, BackoffConfig{InitialInterval: time.Millisecond, MaxInterval: time.Millisecond, Multiplier: 1, MaxRetries: 5})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestWithRetry_GivesUp(t *testing.T) {
	calls := 0
	err := WithRetry(context.Background(), func() error {
		calls++
		return errors.New("refused")
	}, BackoffConfig{InitialInterval: time.Millisecond, MaxInterval: time.Millisecond, Multiplier: 1, MaxRetries: 2})

	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.Contains(t, err.Error(), "after 3 attempts")
}

func TestWithRetry_StopError(t *testing.T) {
	sentinel := errors.New("permission denied")
	calls := 0
	err := WithRetry(context.Background(), func() error {
		calls++
		return Stop(sentinel)
	}, BackoffConfig{InitialInterval: time.Millisecond, MaxRetries: 5})

	assert.ErrorIs(t, err, sentinel)
	assert.Equal(t, 1, calls)
	assert.True(t, IsStopError(Stop(sentinel)))
	assert.False(t, IsStopError(sentinel))
}

func TestWithRetry_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := WithRetry(ctx, func() error {
		return errors.New("down")
	}, BackoffConfig{InitialInterval: time.Hour, MaxRetries: 3})

	assert.ErrorIs(t, err, context.Canceled)
}
