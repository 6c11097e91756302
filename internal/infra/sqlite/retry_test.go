package sqlite

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func noSleep(context.Context, time.Duration) error { return nil }

func TestRetryOnLock_SucceedsAfterTransient(t *testing.T) {
	calls := 0
	err := retryOnLock(context.Background(), DefaultRetryConfig(), func() error {
		calls++
		if calls < 3 {
			return errors.New("database is locked (5) (SQLITE_BUSY)")
		}
		return nil
	}, noSleep)
	assert.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryOnLock_NonRetryableReturnsImmediately(t *testing.T) {
	calls := 0
	err := retryOnLock(context.Background(), DefaultRetryConfig(), func() error {
		calls++
		return errors.New("no such table: kv_entries")
	}, noSleep)
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetryOnLock_GivesUpAfterMax(t *testing.T) {
	cfg := RetryConfig{MaxRetries: 2, BaseDelay: time.Millisecond}
	calls := 0
	err := retryOnLock(context.Background(), cfg, func() error {
		calls++
		return errors.New("database is locked")
	}, noSleep)
	assert.ErrorContains(t, err, "database is locked")
	assert.Equal(t, 3, calls)
}

func TestRetryOnLock_StopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	calls := 0
	err := RetryOnLock(ctx, DefaultRetryConfig(), func() error {
		calls++
		return errors.New("database is locked")
	})
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}
