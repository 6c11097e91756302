package observability

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/habitflow/xpengine/internal/domain"
)

// Sources are live counters owned by other components. Any may be nil.
type Sources struct {
	QueueDepth       func() int64
	RacesPrevented   func() uint64
	EvaluationFaults func() uint64
}

// OpStats summarizes one operation kind.
type OpStats struct {
	Operation   string        `json:"operation"`
	Count       uint64        `json:"count"`
	Failures    uint64        `json:"failures"`
	FailureRate float64       `json:"failure_rate"`
	AvgLatency  time.Duration `json:"avg_latency"`
	MaxLatency  time.Duration `json:"max_latency"`
	LastError   string        `json:"last_error,omitempty"`
}

// Snapshot is a read-only view of engine health.
type Snapshot struct {
	Operations         []OpStats     `json:"operations"`
	TotalOperations    uint64        `json:"total_operations"`
	TotalFailures      uint64        `json:"total_failures"`
	FailureRate        float64       `json:"failure_rate"`
	RacesPrevented     uint64        `json:"races_prevented"`
	ConsistencyRepairs uint64        `json:"consistency_repairs"`
	EvaluationFaults   uint64        `json:"evaluation_faults"`
	QueueDepth         int64         `json:"queue_depth"`
	Uptime             time.Duration `json:"uptime"`
}

type opAccumulator struct {
	count, failures uint64
	total, max      time.Duration
	lastErr         string
}

// Diagnostics accumulates operation outcomes. Safe for concurrent use.
type Diagnostics struct {
	mu      sync.Mutex
	ops     map[string]*opAccumulator
	repairs uint64
	sources Sources
	metrics *Metrics
	started time.Time
}

// NewDiagnostics creates a recorder. m may be nil when metrics are disabled.
func NewDiagnostics(m *Metrics) *Diagnostics {
	return &Diagnostics{
		ops:     make(map[string]*opAccumulator),
		metrics: m,
		started: time.Now(),
	}
}

// Bind attaches live sources and exposes them as Prometheus collectors.
// Call once.
func (d *Diagnostics) Bind(src Sources) {
	d.mu.Lock()
	d.sources = src
	d.mu.Unlock()
	if d.metrics == nil {
		return
	}
	reg := d.metrics.Registry()
	if src.QueueDepth != nil {
		reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Operations waiting in the mutation queue.",
		}, func() float64 { return float64(src.QueueDepth()) }))
	}
	if src.RacesPrevented != nil {
		reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "races_prevented_total",
			Help:      "Concurrent achievement unlock attempts that were suppressed.",
		}, func() float64 { return float64(src.RacesPrevented()) }))
	}
	if src.EvaluationFaults != nil {
		reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evaluation_faults_total",
			Help:      "Achievement conditions that failed to evaluate.",
		}, func() float64 { return float64(src.EvaluationFaults()) }))
	}
}

// Record notes one finished operation.
func (d *Diagnostics) Record(op string, dur time.Duration, err error) {
	d.mu.Lock()
	acc, ok := d.ops[op]
	if !ok {
		acc = &opAccumulator{}
		d.ops[op] = acc
	}
	acc.count++
	acc.total += dur
	if dur > acc.max {
		acc.max = dur
	}
	if err != nil {
		acc.failures++
		acc.lastErr = err.Error()
	}
	d.mu.Unlock()

	if d.metrics != nil {
		d.metrics.OperationDuration.WithLabelValues(op).Observe(dur.Seconds())
		d.metrics.OperationsTotal.WithLabelValues(op, Status(err)).Inc()
	}
}

// ConsistencyRepaired counts a reconciliation that rewrote state.
func (d *Diagnostics) ConsistencyRepaired() {
	d.mu.Lock()
	d.repairs++
	d.mu.Unlock()
	if d.metrics != nil {
		d.metrics.ConsistencyRepairs.Inc()
	}
}

// SetTotalXP updates the XP gauge.
func (d *Diagnostics) SetTotalXP(xp int64) {
	if d.metrics != nil {
		d.metrics.TotalXP.Set(float64(xp))
	}
}

// Snapshot returns current figures. Operations are sorted by name.
func (d *Diagnostics) Snapshot() Snapshot {
	d.mu.Lock()
	snap := Snapshot{
		Operations:         make([]OpStats, 0, len(d.ops)),
		ConsistencyRepairs: d.repairs,
		Uptime:             time.Since(d.started),
	}
	for name, acc := range d.ops {
		st := OpStats{
			Operation:  name,
			Count:      acc.count,
			Failures:   acc.failures,
			MaxLatency: acc.max,
			LastError:  acc.lastErr,
		}
		if acc.count > 0 {
			st.AvgLatency = acc.total / time.Duration(acc.count)
			st.FailureRate = float64(acc.failures) / float64(acc.count)
		}
		snap.TotalOperations += acc.count
		snap.TotalFailures += acc.failures
		snap.Operations = append(snap.Operations, st)
	}
	src := d.sources
	d.mu.Unlock()

	sort.Slice(snap.Operations, func(i, j int) bool { return snap.Operations[i].Operation < snap.Operations[j].Operation })
	if snap.TotalOperations > 0 {
		snap.FailureRate = float64(snap.TotalFailures) / float64(snap.TotalOperations)
	}
	if src.QueueDepth != nil {
		snap.QueueDepth = src.QueueDepth()
	}
	if src.RacesPrevented != nil {
		snap.RacesPrevented = src.RacesPrevented()
	}
	if src.EvaluationFaults != nil {
		snap.EvaluationFaults = src.EvaluationFaults()
	}
	return snap
}

// Status maps an error to a metric label.
func Status(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, domain.ErrValidation):
		return "validation"
	case errors.Is(err, domain.ErrStorage):
		return "storage"
	case errors.Is(err, domain.ErrNotFound):
		return "not_found"
	case errors.Is(err, domain.ErrConsistency):
		return "consistency"
	case errors.Is(err, domain.ErrQueueClosed):
		return "closed"
	}
	return "error"
}
