// Package observability records what the engine is doing: per-operation
// latency and failure counters, suppressed unlock races, reconciliation
// repairs, Prometheus collectors on a private registry, and an in-memory
// ring of recent trace spans.
package observability

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ─── Trace Spans ────────────────────────────────────────────────────────────

// SpanStatus indicates success/failure.
type SpanStatus string

const (
	SpanOK    SpanStatus = "ok"
	SpanError SpanStatus = "error"
)

// Span is one timed engine operation.
type Span struct {
	TraceID   string            `json:"trace_id"`
	SpanID    string            `json:"span_id"`
	ParentID  string            `json:"parent_id,omitempty"`
	Operation string            `json:"operation"`
	StartTime time.Time         `json:"start_time"`
	EndTime   time.Time         `json:"end_time,omitempty"`
	Duration  time.Duration     `json:"duration,omitempty"`
	Status    SpanStatus        `json:"status"`
	Attrs     map[string]string `json:"attrs,omitempty"`
}

// SetAttr records a key/value on the span.
func (s *Span) SetAttr(k, v string) {
	if s.Attrs == nil {
		s.Attrs = make(map[string]string)
	}
	s.Attrs[k] = v
}

// TracerConfig configures the tracer.
type TracerConfig struct {
	Enabled  bool
	MaxSpans int // ring buffer size (default 1024)
}

// DefaultTracerConfig returns defaults.
func DefaultTracerConfig() TracerConfig {
	return TracerConfig{Enabled: true, MaxSpans: 1024}
}

// Tracer keeps the most recent spans in a fixed-size ring.
type Tracer struct {
	mu      sync.Mutex
	ring    []Span
	next    int
	full    bool
	enabled bool
}

// NewTracer creates a tracer.
func NewTracer(cfg TracerConfig) *Tracer {
	if cfg.MaxSpans <= 0 {
		cfg.MaxSpans = DefaultTracerConfig().MaxSpans
	}
	return &Tracer{ring: make([]Span, cfg.MaxSpans), enabled: cfg.Enabled}
}

// StartSpan begins a span and returns a context carrying its IDs so nested
// spans link to it.
func (t *Tracer) StartSpan(ctx context.Context, operation string) (context.Context, *Span) {
	span := &Span{Operation: operation, StartTime: time.Now(), Status: SpanOK}
	if !t.enabled {
		return ctx, span
	}
	span.SpanID = uuid.NewString()
	if parent, ok := ctx.Value(spanKey{}).(*Span); ok {
		span.TraceID = parent.TraceID
		span.ParentID = parent.SpanID
	} else {
		span.TraceID = uuid.NewString()
	}
	return context.WithValue(ctx, spanKey{}, span), span
}

// EndSpan completes span and stores it, overwriting the oldest when full.
func (t *Tracer) EndSpan(span *Span, err error) {
	if !t.enabled || span == nil {
		return
	}
	span.EndTime = time.Now()
	span.Duration = span.EndTime.Sub(span.StartTime)
	if err != nil {
		span.Status = SpanError
		span.SetAttr("error", err.Error())
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.ring[t.next] = *span
	t.next = (t.next + 1) % len(t.ring)
	if t.next == 0 {
		t.full = true
	}
}

// Spans returns up to limit of the most recent spans, oldest first.
// limit <= 0 returns everything retained.
func (t *Tracer) Spans(limit int) []Span {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := t.next
	if t.full {
		n = len(t.ring)
	}
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]Span, 0, limit)
	for i := n - limit; i < n; i++ {
		idx := i
		if t.full {
			idx = (t.next + i) % len(t.ring)
		}
		out = append(out, t.ring[idx])
	}
	return out
}

// SpanCount returns the number of retained spans.
func (t *Tracer) SpanCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.full {
		return len(t.ring)
	}
	return t.next
}

// Reset clears all recorded spans.
func (t *Tracer) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	clear(t.ring)
	t.next = 0
	t.full = false
}

type spanKey struct{}

// SpanFromContext returns the active span, if any.
func SpanFromContext(ctx context.Context) (*Span, bool) {
	s, ok := ctx.Value(spanKey{}).(*Span)
	return s, ok
}
