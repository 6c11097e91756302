// Package atomicstore layers per-key atomic read-modify-write on top of a
// KVStore that has no transactions of its own.
//
// Every key owns a logical mutex built by request chaining: each caller
// takes the current tail of the key's chain, installs its own completion
// channel as the new tail, and waits for the previous one to close. For a
// fixed key this yields a strictly serialized sequence of read→modify→write
// cycles, so no write is based on a stale read. Different keys never block
// each other, and there is no atomicity across keys.
package atomicstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/habitflow/xpengine/internal/domain"
)

// Modifier receives the current raw value (exists=false when the key is
// absent) and returns the value to write.
type Modifier func(current []byte, exists bool) ([]byte, error)

type chain struct {
	tail chan struct{}
	refs int
}

// Adapter serializes mutations per key.
type Adapter struct {
	store domain.KVStore

	mu     sync.Mutex
	chains map[string]*chain

	contended atomic.Uint64
	cycles    atomic.Uint64
}

// New wraps store.
func New(store domain.KVStore) *Adapter {
	return &Adapter{store: store, chains: make(map[string]*chain)}
}

// Store returns the wrapped KVStore.
func (a *Adapter) Store() domain.KVStore { return a.store }

// lock joins key's chain and blocks until every earlier caller released it.
// The returned release func is idempotent and must be called on every path.
func (a *Adapter) lock(ctx context.Context, key string) (func(), error) {
	a.mu.Lock()
	c, ok := a.chains[key]
	if !ok {
		c = &chain{}
		a.chains[key] = c
	}
	prev := c.tail
	mine := make(chan struct{})
	c.tail = mine
	c.refs++
	a.mu.Unlock()

	var once sync.Once
	release := func() { once.Do(func() { a.unlock(key, mine) }) }

	if prev == nil {
		return release, nil
	}
	a.contended.Add(1)
	select {
	case <-prev:
		return release, nil
	case <-ctx.Done():
		// Our slot is already in the chain; hand it on once our turn comes
		// so later waiters are not stranded.
		go func() {
			<-prev
			release()
		}()
		return nil, ctx.Err()
	}
}

func (a *Adapter) unlock(key string, mine chan struct{}) {
	a.mu.Lock()
	defer a.mu.Unlock()
	close(mine)
	c := a.chains[key]
	c.refs--
	if c.refs == 0 {
		delete(a.chains, key)
	}
}

// ReadModifyWrite atomically replaces the value under key with the
// modifier's result and returns the written bytes. On any error nothing is
// written and the key is released.
func (a *Adapter) ReadModifyWrite(ctx context.Context, key string, modify Modifier) ([]byte, error) {
	release, err := a.lock(ctx, key)
	if err != nil {
		return nil, err
	}
	defer release()

	current, exists, err := a.store.Get(ctx, key)
	if err != nil {
		return nil, domain.Storage("atomic.read "+key, err)
	}
	next, err := modify(current, exists)
	if err != nil {
		return nil, err
	}
	if err := a.store.Set(ctx, key, next); err != nil {
		return nil, domain.Storage("atomic.write "+key, err)
	}
	a.cycles.Add(1)
	return next, nil
}

// Read returns the committed value under key without joining its chain.
// Reads may observe any already-committed snapshot.
func (a *Adapter) Read(ctx context.Context, key string) ([]byte, bool, error) {
	v, ok, err := a.store.Get(ctx, key)
	if err != nil {
		return nil, false, domain.Storage("atomic.read "+key, err)
	}
	return v, ok, nil
}

// Delete removes key, serialized with any in-flight mutation of it.
func (a *Adapter) Delete(ctx context.Context, key string) error {
	release, err := a.lock(ctx, key)
	if err != nil {
		return err
	}
	defer release()
	return domain.Storage("atomic.delete "+key, a.store.Delete(ctx, key))
}

// Stats reports chain activity.
type Stats struct {
	ActiveKeys int    `json:"active_keys"`
	Cycles     uint64 `json:"cycles"`
	Contended  uint64 `json:"contended"`
}

// Stats returns a snapshot of adapter counters.
func (a *Adapter) Stats() Stats {
	a.mu.Lock()
	active := len(a.chains)
	a.mu.Unlock()
	return Stats{ActiveKeys: active, Cycles: a.cycles.Load(), Contended: a.contended.Load()}
}

// ─── Typed helpers ──────────────────────────────────────────────────────────

// Update is a JSON-typed ReadModifyWrite. def is used when the key is absent.
func Update[T any](ctx context.Context, a *Adapter, key string, def T, fn func(T) (T, error)) (T, error) {
	var out T
	_, err := a.ReadModifyWrite(ctx, key, func(raw []byte, exists bool) ([]byte, error) {
		cur := def
		if exists {
			if err := json.Unmarshal(raw, &cur); err != nil {
				return nil, domain.Storage("atomic.decode "+key, err)
			}
		}
		next, err := fn(cur)
		if err != nil {
			return nil, err
		}
		b, err := json.Marshal(next)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", key, err)
		}
		out = next
		return b, nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}

// Load decodes the committed JSON value under key, or returns def.
func Load[T any](ctx context.Context, a *Adapter, key string, def T) (T, error) {
	raw, ok, err := a.Read(ctx, key)
	if err != nil || !ok {
		return def, err
	}
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return def, domain.Storage("atomic.decode "+key, err)
	}
	return v, nil
}

// Increment adds delta to the integer under key and returns the new value.
func (a *Adapter) Increment(ctx context.Context, key string, delta int64) (int64, error) {
	return Update(ctx, a, key, int64(0), func(cur int64) (int64, error) {
		return cur + delta, nil
	})
}

// Append adds item to the end of the JSON list under key and returns the
// new length.
func Append[T any](ctx context.Context, a *Adapter, key string, item T) (int, error) {
	list, err := Update(ctx, a, key, []T(nil), func(cur []T) ([]T, error) {
		return append(cur, item), nil
	})
	return len(list), err
}
