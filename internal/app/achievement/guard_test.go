package achievement

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func always(context.Context) (bool, error) { return true, nil }
func noop(context.Context) error          { return nil }

func TestGuard_UnlocksOnce(t *testing.T) {
	g := NewGuard(zerolog.Nop())
	ctx := context.Background()

	res, err := g.SafeUnlock(ctx, "a", always, noop)
	require.NoError(t, err)
	assert.True(t, res.WasUnlocked)

	res, err = g.SafeUnlock(ctx, "a", always, noop)
	require.NoError(t, err)
	assert.True(t, res.AlreadyUnlocked)
	assert.True(t, g.IsUnlocked("a"))
}

func TestGuard_FalsePredicateStaysLocked(t *testing.T) {
	g := NewGuard(zerolog.Nop())
	res, err := g.SafeUnlock(context.Background(), "a",
		func(context.Context) (bool, error) { return false, nil }, noop)
	require.NoError(t, err)
	assert.Equal(t, UnlockResult{}, res)
	assert.False(t, g.IsUnlocked("a"))
}

func TestGuard_ErrorsReturnToLocked(t *testing.T) {
	g := NewGuard(zerolog.Nop())
	ctx := context.Background()
	boom := errors.New("boom")

	_, err := g.SafeUnlock(ctx, "a", func(context.Context) (bool, error) { return false, boom }, noop)
	assert.ErrorIs(t, err, boom)

	_, err = g.SafeUnlock(ctx, "a", always, func(context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.False(t, g.IsUnlocked("a"))

	res, err := g.SafeUnlock(ctx, "a", always, noop)
	require.NoError(t, err)
	assert.True(t, res.WasUnlocked)
}

func TestGuard_AtMostOnceUnderContention(t *testing.T) {
	g := NewGuard(zerolog.Nop())
	var rewards atomic.Int64

	const n = 50
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			res, err := g.SafeUnlock(context.Background(), "a",
				func(context.Context) (bool, error) {
					time.Sleep(2 * time.Millisecond)
					return true, nil
				}, noop)
			assert.NoError(t, err)
			if res.WasUnlocked {
				rewards.Add(100)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int64(100), rewards.Load())
	assert.True(t, g.IsUnlocked("a"))
}

func TestGuard_RaceConditionPreventedWhileEvaluating(t *testing.T) {
	g := NewGuard(zerolog.Nop())
	entered := make(chan struct{})
	release := make(chan struct{})

	done := make(chan UnlockResult)
	go func() {
		res, _ := g.SafeUnlock(context.Background(), "a", func(context.Context) (bool, error) {
			close(entered)
			<-release
			return true, nil
		}, noop)
		done <- res
	}()
	<-entered

	res, err := g.SafeUnlock(context.Background(), "a", always, noop)
	require.NoError(t, err)
	assert.True(t, res.RaceConditionPrevented)
	assert.Equal(t, uint64(1), g.RacesPrevented())

	close(release)
	assert.True(t, (<-done).WasUnlocked)
}

func TestGuard_SeedAndReset(t *testing.T) {
	g := NewGuard(zerolog.Nop())
	g.Seed([]string{"a", "b"})
	assert.True(t, g.IsUnlocked("a"))
	assert.True(t, g.IsUnlocked("b"))

	g.Reset()
	assert.False(t, g.IsUnlocked("a"))
	res, err := g.SafeUnlock(context.Background(), "a", always, noop)
	require.NoError(t, err)
	assert.True(t, res.WasUnlocked)
}
