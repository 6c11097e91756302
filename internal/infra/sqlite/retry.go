package sqlite

import (
	"context"
	"math/rand"
	"time"

	"github.com/habitflow/xpengine/internal/domain"
)

// RetryConfig controls exponential backoff on transient lock errors.
type RetryConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
	JitterPct  float64 // e.g. 0.25 for 25% jitter
}

// DefaultRetryConfig returns 5 retries, 25ms base, 25% jitter.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 5,
		BaseDelay:  25 * time.Millisecond,
		JitterPct:  0.25,
	}
}

// RetryOnLock retries fn while it fails with a retryable storage error.
func RetryOnLock(ctx context.Context, cfg RetryConfig, fn func() error) error {
	return retryOnLock(ctx, cfg, fn, sleepCtx)
}

func retryOnLock(ctx context.Context, cfg RetryConfig, fn func() error, sleep func(context.Context, time.Duration) error) error {
	err := fn()
	if err == nil || !domain.IsRetryable(err) {
		return err
	}

	for attempt := 1; attempt <= cfg.MaxRetries; attempt++ {
		delay := cfg.BaseDelay * (1 << (attempt - 1))
		jitter := time.Duration(float64(delay) * rand.Float64() * cfg.JitterPct)
		if serr := sleep(ctx, delay+jitter); serr != nil {
			return err
		}

		err = fn()
		if err == nil || !domain.IsRetryable(err) {
			return err
		}
	}
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
