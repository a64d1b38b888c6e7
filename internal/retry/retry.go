// Package retry runs operations with bounded exponential backoff.
package retry

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/rs/zerolog"
	goretry "github.com/sethvargo/go-retry"
)

// Config configures the exponential backoff retry behavior.
type Config struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	MaxAttempts  int
}

// DefaultConfig returns sensible defaults for retrying background operations.
func DefaultConfig() Config {
	return Config{
		InitialDelay: 5 * time.Second,
		MaxDelay:     5 * time.Minute,
		MaxAttempts:  5,
	}
}

// Backoff builds the go-retry backoff for cfg. The delay doubles from
// InitialDelay, is capped at MaxDelay, and stops after MaxAttempts total tries.
func (cfg Config) Backoff() goretry.Backoff {
	initial := cfg.InitialDelay
	if initial <= 0 {
		initial = time.Second
	}
	attempts := cfg.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	b := goretry.NewExponential(initial)
	if cfg.MaxDelay > 0 {
		b = goretry.WithCappedDuration(cfg.MaxDelay, b)
	}
	return goretry.WithMaxRetries(uint64(attempts-1), b)
}

// IsNetworkError checks if an error is likely due to network unavailability.
func IsNetworkError(err error) bool {
	if err == nil {
		return false
	}

	var netErr net.Error
	var dnsErr *net.DNSError
	if errors.As(err, &netErr) || errors.As(err, &dnsErr) {
		return true
	}

	errStr := strings.ToLower(err.Error())
	networkIndicators := []string{
		"connection refused",
		"no such host",
		"timeout",
		"network is unreachable",
		"no route to host",
		"host is down",
		"dial tcp",
		"i/o timeout",
		"connection reset",
		"temporary failure in name resolution",
	}
	for _, indicator := range networkIndicators {
		if strings.Contains(errStr, indicator) {
			return true
		}
	}

	return false
}

// Always treats every error as retryable.
func Always(error) bool { return true }

// Do executes fn until it succeeds, returns an error that retryable rejects,
// the attempts run out, or ctx is done. The last error is returned.
func Do(ctx context.Context, name string, cfg Config, retryable func(error) bool, fn func(ctx context.Context) error, logger zerolog.Logger) error {
	attempt := 0
	err := goretry.Do(ctx, cfg.Backoff(), func(ctx context.Context) error {
		attempt++
		err := fn(ctx)
		if err == nil {
			if attempt > 1 {
				logger.Info().Str("operation", name).Int("attempt", attempt).Msg("Operation succeeded after retry")
			}
			return nil
		}

		if !retryable(err) {
			logger.Error().Err(err).Str("operation", name).Msg("Non-retryable error, giving up")
			return err
		}

		logger.Warn().
			Err(err).
			Str("operation", name).
			Int("attempt", attempt).
			Int("maxAttempts", cfg.MaxAttempts).
			Msg("Operation failed, will retry")
		return goretry.RetryableError(err)
	})

	if err != nil && retryable(err) && ctx.Err() == nil {
		logger.Error().Err(err).Str("operation", name).Int("attempts", attempt).
			Msg("Operation failed after all retries")
	}
	return err
}

// WithRetry executes fn with exponential backoff retry for network errors only.
// Non-network errors fail immediately without retry.
func WithRetry(ctx context.Context, name string, cfg Config, fn func() error, logger zerolog.Logger) error {
	return Do(ctx, name, cfg, IsNetworkError, func(context.Context) error { return fn() }, logger)
}
