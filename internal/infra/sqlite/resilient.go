package sqlite

import (
	"context"

	"github.com/habitflow/xpengine/internal/domain"
)

// Compile-time interface check.
var _ domain.KVStore = (*Resilient)(nil)

// Resilient wraps every KV call with RetryOnLock inside a CircuitBreaker.
type Resilient struct {
	inner *DB
	retry RetryConfig
	cb    *CircuitBreaker
}

// NewResilient wraps db with the given retry policy and breaker.
func NewResilient(db *DB, retry RetryConfig, cb *CircuitBreaker) *Resilient {
	return &Resilient{inner: db, retry: retry, cb: cb}
}

// BreakerState reports the breaker state as a string.
func (r *Resilient) BreakerState() string { return r.cb.State().String() }

func (r *Resilient) do(ctx context.Context, fn func() error) error {
	return r.cb.Execute(func() error {
		return RetryOnLock(ctx, r.retry, fn)
	})
}

func (r *Resilient) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var (
		value []byte
		found bool
	)
	err := r.do(ctx, func() error {
		var innerErr error
		value, found, innerErr = r.inner.Get(ctx, key)
		return innerErr
	})
	return value, found, err
}

func (r *Resilient) Set(ctx context.Context, key string, value []byte) error {
	return r.do(ctx, func() error { return r.inner.Set(ctx, key, value) })
}

func (r *Resilient) Delete(ctx context.Context, key string) error {
	return r.do(ctx, func() error { return r.inner.Delete(ctx, key) })
}

func (r *Resilient) Keys(ctx context.Context) ([]string, error) {
	var keys []string
	err := r.do(ctx, func() error {
		var innerErr error
		keys, innerErr = r.inner.Keys(ctx)
		return innerErr
	})
	return keys, err
}

// Close closes the wrapped database.
func (r *Resilient) Close() error { return r.inner.Close() }
