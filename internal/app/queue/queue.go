// Package queue serializes XP-mutating operations.
//
// A single worker goroutine drains a FIFO channel, so operations run one at
// a time in submission order even though each one issues several storage
// calls. A failing operation rejects its own caller only; later operations
// still run. Once an operation has started it is not cancellable: it runs
// with a context detached from the caller's cancellation.
package queue

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/habitflow/xpengine/internal/domain"
)

// Op is a unit of serialized work.
type Op func(ctx context.Context) (any, error)

// Observer is told about every finished operation.
type Observer func(name string, wait, run time.Duration, err error)

// Config controls queue behavior.
type Config struct {
	Buffer int // channel capacity (default: 256)
}

// DefaultConfig returns queue defaults.
func DefaultConfig() Config {
	return Config{Buffer: 256}
}

type result struct {
	val any
	err error
}

type job struct {
	ctx      context.Context
	name     string
	op       Op
	enqueued time.Time
	done     chan result
}

type workerKey struct{}

// Queue is a FIFO single-flight serializer.
type Queue struct {
	logger   zerolog.Logger
	observer Observer

	mu     sync.RWMutex
	closed bool
	jobs   chan *job
	wg     sync.WaitGroup

	depth     atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	seq       atomic.Uint64
}

// New creates a queue and starts its worker.
func New(cfg Config, logger zerolog.Logger) *Queue {
	if cfg.Buffer <= 0 {
		cfg.Buffer = DefaultConfig().Buffer
	}
	q := &Queue{
		logger: logger.With().Str("component", "queue").Logger(),
		jobs:   make(chan *job, cfg.Buffer),
	}
	q.wg.Add(1)
	go q.work()
	return q
}

// SetObserver installs a completion hook. Call before submitting work.
func (q *Queue) SetObserver(o Observer) { q.observer = o }

// Do submits op and blocks until it resolves or rejects. Every submitted
// operation resolves exactly once.
//
// A caller whose ctx is cancelled before op starts gets ctx.Err() and op is
// skipped. An op that calls Do on the same queue with the context it was
// given runs inline, since the worker is already held.
func (q *Queue) Do(ctx context.Context, name string, op Op) (any, error) {
	if owner, _ := ctx.Value(workerKey{}).(*Queue); owner == q {
		return q.call(ctx, name, op)
	}

	j := &job{ctx: ctx, name: name, op: op, enqueued: time.Now(), done: make(chan result, 1)}

	q.mu.RLock()
	if q.closed {
		q.mu.RUnlock()
		return nil, domain.ErrQueueClosed
	}
	q.depth.Add(1)
	select {
	case q.jobs <- j:
	case <-ctx.Done():
		q.depth.Add(-1)
		q.mu.RUnlock()
		return nil, ctx.Err()
	}
	q.mu.RUnlock()

	r := <-j.done
	return r.val, r.err
}

// Submit is a typed wrapper around Do.
func Submit[T any](ctx context.Context, q *Queue, name string, fn func(ctx context.Context) (T, error)) (T, error) {
	v, err := q.Do(ctx, name, func(ctx context.Context) (any, error) { return fn(ctx) })
	if err != nil {
		var zero T
		return zero, err
	}
	out, _ := v.(T)
	return out, nil
}

func (q *Queue) work() {
	defer q.wg.Done()
	for j := range q.jobs {
		q.run(j)
	}
}

func (q *Queue) run(j *job) {
	q.depth.Add(-1)
	wait := time.Since(j.enqueued)
	n := q.seq.Add(1)

	if err := j.ctx.Err(); err != nil {
		q.failed.Add(1)
		q.notify(j.name, wait, 0, err)
		j.done <- result{err: err}
		return
	}

	ctx := context.WithValue(context.WithoutCancel(j.ctx), workerKey{}, q)
	start := time.Now()
	val, err := q.call(ctx, j.name, j.op)
	elapsed := time.Since(start)

	if err != nil {
		q.failed.Add(1)
		q.logger.Debug().Err(err).Str("op", j.name).Uint64("seq", n).Dur("run", elapsed).Msg("operation rejected")
	} else {
		q.completed.Add(1)
		q.logger.Debug().Str("op", j.name).Uint64("seq", n).Dur("wait", wait).Dur("run", elapsed).Msg("operation resolved")
	}
	q.notify(j.name, wait, elapsed, err)
	j.done <- result{val: val, err: err}
}

// call runs op and turns a panic into an error so the worker survives.
func (q *Queue) call(ctx context.Context, name string, op Op) (val any, err error) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error().Str("op", name).Interface("panic", r).Bytes("stack", debug.Stack()).Msg("operation panicked")
			err = fmt.Errorf("operation %s panicked: %v", name, r)
		}
	}()
	return op(ctx)
}

func (q *Queue) notify(name string, wait, run time.Duration, err error) {
	if q.observer != nil {
		q.observer(name, wait, run, err)
	}
}

// Close stops accepting work, drains everything already queued and waits
// for the worker to exit.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.jobs)
	q.mu.Unlock()
	q.wg.Wait()
}

// Stats returns queue statistics.
type Stats struct {
	Depth     int64 `json:"depth"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

// Stats returns current queue statistics.
func (q *Queue) Stats() Stats {
	return Stats{
		Depth:     q.depth.Load(),
		Completed: q.completed.Load(),
		Failed:    q.failed.Load(),
	}
}
