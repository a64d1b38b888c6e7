package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func fastConfig(attempts int) Config {
	return Config{InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, MaxAttempts: attempts}
}

func TestDo_SucceedsAfterRetries(t *testing.T) {
	calls := 0
	err := Do(context.Background(), "op", fastConfig(5), Always, func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	}, zerolog.Nop())

	assert.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_StopsAfterMaxAttempts(t *testing.T) {
	calls := 0
	boom := errors.New("still failing")
	err := Do(context.Background(), "op", fastConfig(3), Always, func(context.Context) error {
		calls++
		return boom
	}, zerolog.Nop())

	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 3, calls)
}

func TestDo_NonRetryableFailsFast(t *testing.T) {
	calls := 0
	boom := errors.New("permanent")
	err := Do(context.Background(), "op", fastConfig(5), func(error) bool { return false }, func(context.Context) error {
		calls++
		return boom
	}, zerolog.Nop())

	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
}

func TestDo_HonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	cfg := Config{InitialDelay: time.Hour, MaxDelay: time.Hour, MaxAttempts: 5}
	err := Do(ctx, "op", cfg, Always, func(context.Context) error {
		calls++
		return errors.New("transient")
	}, zerolog.Nop())

	assert.Error(t, err)
	assert.LessOrEqual(t, calls, 1)
}

func TestWithRetry_OnlyNetworkErrors(t *testing.T) {
	calls := 0
	err := WithRetry(context.Background(), "op", fastConfig(3), func() error {
		calls++
		return errors.New("dial tcp 127.0.0.1:1: connection refused")
	}, zerolog.Nop())
	assert.Error(t, err)
	assert.Equal(t, 3, calls)

	calls = 0
	err = WithRetry(context.Background(), "op", fastConfig(3), func() error {
		calls++
		return errors.New("bad config")
	}, zerolog.Nop())
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestIsNetworkError(t *testing.T) {
	assert.False(t, IsNetworkError(nil))
	assert.True(t, IsNetworkError(errors.New("lookup example.com: no such host")))
	assert.False(t, IsNetworkError(errors.New("permission denied")))
}
