package retry

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetry_Success(t *testing.T) {
	cfg := Config{
		MaxAttempts:  3,
		InitialDelay: 10 * time.Millisecond,
		MaxDelay:     100 * time.Millisecond,
		Multiplier:   2.0,
	}

	attempts := 0
	err := Do(context.Background(), cfg, func() error {
		attempts++
		if attempts < 3 {
			return errors.New("transient error")
		}
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetry_AllAttemptsFail(t *testing.T) {
	cfg := Config{
		MaxAttempts:  3,
		InitialDelay: 10 * time.Millisecond,
		MaxDelay:     100 * time.Millisecond,
		Multiplier:   2.0,
	}

	attempts := 0
	err := Do(context.Background(), cfg, func() error {
		attempts++
		return errors.New("persistent error")
	})

	assert.Error(t, err)
	assert.Contains(t, err.Error(), "failed after 3 attempts")
	assert.Equal(t, 3, attempts)
}

func TestRetry_NonRetryable(t *testing.T) {
	attempts := 0
	sentinel := errors.New("bad credentials")
	err := Do(context.Background(), DefaultConfig(), func() error {
		attempts++
		return NonRetryable(sentinel)
	})

	assert.Equal(t, 1, attempts)
	assert.True(t, IsNonRetryable(err))
	assert.ErrorIs(t, err, sentinel)
}

func TestRetry_ForeverUntilCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var attempts atomic.Int32
	err := Do(ctx, Fixed(5*time.Millisecond), func() error {
		if attempts.Add(1) == 20 {
			cancel()
		}
		return errors.New("hub unreachable")
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.EqualValues(t, 20, attempts.Load())
}

func TestRetry_ForeverEventuallySucceeds(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), Fixed(time.Millisecond), func() error {
		attempts++
		if attempts < 50 {
			return errors.New("not yet")
		}
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 50, attempts)
}

func TestRetry_FixedIntervalCallback(t *testing.T) {
	var waits []time.Duration
	cfg := Fixed(2 * time.Millisecond)
	cfg.OnRetry = func(_ int, _ error, wait time.Duration) {
		waits = append(waits, wait)
	}

	attempts := 0
	_ = Do(context.Background(), cfg, func() error {
		attempts++
		if attempts < 4 {
			return errors.New("retry me")
		}
		return nil
	})

	require.Len(t, waits, 3)
	for _, w := range waits {
		assert.Equal(t, 2*time.Millisecond, w)
	}
}

func TestRetry_ContextCancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	cfg := Config{MaxAttempts: 5, InitialDelay: time.Second, MaxDelay: time.Second, Multiplier: 1}
	start := time.Now()
	err := Do(ctx, cfg, func() error { return errors.New("fail") })

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestRetry_InvalidConfig(t *testing.T) {
	fn := func() error { return nil }
	assert.Error(t, Do(context.Background(), Config{InitialDelay: -1}, fn))
	assert.Error(t, Do(context.Background(), Config{MaxDelay: -1}, fn))
	assert.Error(t, Do(context.Background(), Config{Multiplier: -1}, fn))
	assert.Error(t, Do(context.Background(), Config{InitialDelay: time.Second, MaxDelay: time.Millisecond}, fn))
}

func TestRetry_ZeroAttemptsRunsOnce(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), Config{}, func() error {
		attempts++
		return errors.New("fail")
	})
	assert.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestRetry_WithResult(t *testing.T) {
	attempts := 0
	result, err := DoWithResult(context.Background(), Quick(), func() (string, error) {
		attempts++
		if attempts < 2 {
			return "", errors.New("not ready")
		}
		return "ready", nil
	})
	assert.NoError(t, err)
	assert.Equal(t, "ready", result)
}
