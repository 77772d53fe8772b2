package provider

import (
	"sync"
	"time"
)

// CallMetric is emitted for every successful provider call.
type CallMetric struct {
	Provider  string        `json:"provider"`
	Task      string        `json:"task"`
	TokensIn  int           `json:"tokens_in"`
	TokensOut int           `json:"tokens_out"`
	CostUSD   float64       `json:"cost_usd"`
	Duration  time.Duration `json:"duration"`
}

// MetricsSink receives call metrics. Implementations must be safe for
// concurrent use.
type MetricsSink interface {
	Record(m CallMetric)
}

// NopSink discards metrics.
type NopSink struct{}

func (NopSink) Record(CallMetric) {}

// Aggregate accumulates totals per provider and per task.
type Aggregate struct {
	Calls     int64   `json:"calls"`
	TokensIn  int64   `json:"tokens_in"`
	TokensOut int64   `json:"tokens_out"`
	CostUSD   float64 `json:"cost_usd"`
}

// UsageTracker is an in-memory MetricsSink that aggregates per provider
// and per task. The orchestrator drains a tracker per chapter run for the
// chapter's total cost.
type UsageTracker struct {
	mu         sync.Mutex
	byProvider map[string]*Aggregate
	byTask     map[string]*Aggregate
	total      Aggregate
}

// NewUsageTracker creates an empty tracker.
func NewUsageTracker() *UsageTracker {
	return &UsageTracker{
		byProvider: map[string]*Aggregate{},
		byTask:     map[string]*Aggregate{},
	}
}

// Record accumulates one call.
func (t *UsageTracker) Record(m CallMetric) {
	t.mu.Lock()
	defer t.mu.Unlock()

	add(t.byProvider, m.Provider, m)
	add(t.byTask, m.Task, m)
	t.total.Calls++
	t.total.TokensIn += int64(m.TokensIn)
	t.total.TokensOut += int64(m.TokensOut)
	t.total.CostUSD += m.CostUSD
}

func add(bucket map[string]*Aggregate, key string, m CallMetric) {
	agg, ok := bucket[key]
	if !ok {
		agg = &Aggregate{}
		bucket[key] = agg
	}
	agg.Calls++
	agg.TokensIn += int64(m.TokensIn)
	agg.TokensOut += int64(m.TokensOut)
	agg.CostUSD += m.CostUSD
}

// Total returns the accumulated totals.
func (t *UsageTracker) Total() Aggregate {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.total
}

// ByTask returns a copy of the per-task aggregates.
func (t *UsageTracker) ByTask() map[string]Aggregate {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]Aggregate, len(t.byTask))
	for k, v := range t.byTask {
		out[k] = *v
	}
	return out
}

// ByProvider returns a copy of the per-provider aggregates.
func (t *UsageTracker) ByProvider() map[string]Aggregate {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]Aggregate, len(t.byProvider))
	for k, v := range t.byProvider {
		out[k] = *v
	}
	return out
}
