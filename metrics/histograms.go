package metricskit

import (
	"sort"
	"sync"
	"time"
)

// HistogramBucket stores the cumulative count at a latency upper bound.
type HistogramBucket struct {
	Le    float64 `json:"le"` // upper bound in seconds
	Count int64   `json:"count"`
}

// Histogram tracks a latency distribution with P50/P95/P99 estimates.
type Histogram struct {
	mu      sync.Mutex
	name    string
	buckets []HistogramBucket
	sum     float64
	count   int64
}

// Bounds chosen for a sub-millisecond-to-low-millisecond pipeline budget.
var defaultBuckets = []float64{
	0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.5, 1.0,
}

func NewHistogram(name string) *Histogram {
	buckets := make([]HistogramBucket, len(defaultBuckets))
	for i, le := range defaultBuckets {
		buckets[i] = HistogramBucket{Le: le}
	}
	return &Histogram{name: name, buckets: buckets}
}

// Observe records one latency observation.
func (h *Histogram) Observe(d time.Duration) {
	sec := d.Seconds()
	h.mu.Lock()
	h.sum += sec
	h.count++
	for i := range h.buckets {
		if sec <= h.buckets[i].Le {
			h.buckets[i].Count++
		}
	}
	h.mu.Unlock()
}

// Percentile estimates the given percentile (0.0-1.0) from the buckets.
func (h *Histogram) Percentile(p float64) float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.count == 0 {
		return 0
	}
	target := int64(p * float64(h.count))
	if target < 1 {
		target = 1
	}
	for _, b := range h.buckets {
		if b.Count >= target {
			return b.Le
		}
	}
	return h.buckets[len(h.buckets)-1].Le
}

// HistogramSnapshot is the exported view of one histogram.
type HistogramSnapshot struct {
	Name    string            `json:"name"`
	Count   int64             `json:"count"`
	SumSec  float64           `json:"sum_seconds"`
	P50     float64           `json:"p50"`
	P95     float64           `json:"p95"`
	P99     float64           `json:"p99"`
	Buckets []HistogramBucket `json:"buckets"`
}

func (h *Histogram) snapshot() HistogramSnapshot {
	p50 := h.Percentile(0.50)
	p95 := h.Percentile(0.95)
	p99 := h.Percentile(0.99)
	h.mu.Lock()
	defer h.mu.Unlock()
	buckets := make([]HistogramBucket, len(h.buckets))
	copy(buckets, h.buckets)
	return HistogramSnapshot{
		Name:    h.name,
		Count:   h.count,
		SumSec:  h.sum,
		P50:     p50,
		P95:     p95,
		P99:     p99,
		Buckets: buckets,
	}
}

// HistogramRegistry holds one histogram per component name.
type HistogramRegistry struct {
	mu    sync.RWMutex
	hists map[string]*Histogram
}

func NewHistogramRegistry() *HistogramRegistry {
	return &HistogramRegistry{hists: map[string]*Histogram{}}
}

func (r *HistogramRegistry) get(name string) *Histogram {
	r.mu.RLock()
	h, ok := r.hists[name]
	r.mu.RUnlock()
	if ok {
		return h
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok = r.hists[name]; ok {
		return h
	}
	h = NewHistogram(name)
	r.hists[name] = h
	return h
}

// ObserveDuration records one observation for the named component.
func (r *HistogramRegistry) ObserveDuration(name string, d time.Duration) {
	r.get(name).Observe(d)
}

// Snapshot returns all histograms sorted by name.
func (r *HistogramRegistry) Snapshot() []HistogramSnapshot {
	r.mu.RLock()
	names := make([]string, 0, len(r.hists))
	for name := range r.hists {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	out := make([]HistogramSnapshot, 0, len(names))
	for _, name := range names {
		out = append(out, r.get(name).snapshot())
	}
	return out
}
