package monitor

import (
	"sync"
	"time"
)

type Collector interface {
	Record(metrics OpMetrics)
	Snapshot() ServiceMetrics
}

// NewCollector returns a no-op collector when metrics are disabled, a
// Prometheus-backed one when cfg.Prometheus is set and an in-memory one
// otherwise.
func NewCollector(cfg ObserveConfig) Collector {
	switch {
	case !cfg.EnableMetrics:
		return NewNoOpCollector()
	case cfg.Prometheus:
		return NewPrometheusCollector()
	}
	return NewInMemoryCollector()
}

type InMemoryCollector struct {
	mu        sync.RWMutex
	ops       map[string]OpSummary
	startTime time.Time
}

func NewInMemoryCollector() *InMemoryCollector {
	return &InMemoryCollector{
		ops:       make(map[string]OpSummary),
		startTime: time.Now(),
	}
}

func (c *InMemoryCollector) Record(metrics OpMetrics) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.ops[metrics.Op]
	s.Op = metrics.Op
	s.Calls++
	s.Results += metrics.Results
	s.TotalDuration += metrics.Duration
	s.MaxDuration = max(s.MaxDuration, metrics.Duration)
	if !metrics.Success {
		s.Errors++
		s.LastError = metrics.Error
	}
	c.ops[metrics.Op] = s
}

func (c *InMemoryCollector) Snapshot() ServiceMetrics {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ops := make(map[string]OpSummary, len(c.ops))
	for k, v := range c.ops {
		ops[k] = v
	}

	return ServiceMetrics{
		Ops:       ops,
		StartTime: c.startTime,
		EndTime:   time.Now(),
	}
}

func (c *InMemoryCollector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ops = make(map[string]OpSummary)
	c.startTime = time.Now()
}

type NoOpCollector struct{}

func NewNoOpCollector() *NoOpCollector {
	return &NoOpCollector{}
}

func (c *NoOpCollector) Record(metrics OpMetrics) {}

func (c *NoOpCollector) Snapshot() ServiceMetrics {
	return ServiceMetrics{Ops: map[string]OpSummary{}}
}

// Timer measures one operation and records it on Done.
type Timer struct {
	c     Collector
	op    string
	start time.Time
}

func Start(c Collector, op string) *Timer {
	return &Timer{c: c, op: op, start: time.Now()}
}

// Done records the operation with the given result count and error.
func (t *Timer) Done(results int, err error) time.Duration {
	elapsed := time.Since(t.start)
	if t.c == nil {
		return elapsed
	}
	m := OpMetrics{Op: t.op, Duration: elapsed, Success: err == nil, Results: results}
	if err != nil {
		m.Error = err.Error()
	}
	t.c.Record(m)
	return elapsed
}
