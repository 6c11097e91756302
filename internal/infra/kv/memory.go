// Package kv provides the physical key-value stores behind the atomic
// storage adapter: an in-memory map for tests and ephemeral runs, and a
// BoltDB file for durable single-process persistence. The SQLite backend
// lives in package sqlite.
package kv

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/habitflow/xpengine/internal/domain"
)

var _ domain.KVStore = (*Memory)(nil)

// ErrInjected is returned by Memory when a fault was scheduled with FailNext.
var ErrInjected = errors.New("kv: injected failure")

// Memory is a map-backed KVStore. Values are copied on the way in and out.
type Memory struct {
	mu       sync.Mutex
	data     map[string][]byte
	failNext int
	delay    time.Duration
	closed   bool
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{data: make(map[string][]byte)}
}

// FailNext makes the next n Get/Set/Delete calls return ErrInjected.
func (m *Memory) FailNext(n int) {
	m.mu.Lock()
	m.failNext = n
	m.mu.Unlock()
}

// SetLatency adds an artificial delay to every call, widening the window in
// which concurrent callers interleave.
func (m *Memory) SetLatency(d time.Duration) {
	m.mu.Lock()
	m.delay = d
	m.mu.Unlock()
}

func (m *Memory) enter(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	delay := m.delay
	m.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errors.New("kv: store closed")
	}
	if m.failNext > 0 {
		m.failNext--
		return ErrInjected
	}
	return nil
}

// Get returns a copy of the stored value.
func (m *Memory) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := m.enter(ctx); err != nil {
		return nil, false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

// Set stores a copy of value.
func (m *Memory) Set(ctx context.Context, key string, value []byte) error {
	if err := m.enter(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	m.data[key] = append([]byte(nil), value...)
	m.mu.Unlock()
	return nil
}

// Delete removes key. Deleting a missing key is not an error.
func (m *Memory) Delete(ctx context.Context, key string) error {
	if err := m.enter(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.data, key)
	m.mu.Unlock()
	return nil
}

// Keys lists stored keys in lexical order.
func (m *Memory) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// Close marks the store closed. Later calls fail.
func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
