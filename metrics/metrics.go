// Package metricskit is the in-process observability registry for the
// decision pipeline: per-component latency histograms, cache hit ratios,
// replay blocks, and fail-open/fail-closed event counts.
package metricskit

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

type Registry struct {
	mu             sync.RWMutex
	cacheHits      map[string]int64
	cacheMisses    map[string]int64
	effects        map[string]int64
	denyReasons    map[string]int64
	failOpen       map[string]int64
	failClosed     map[string]int64
	replayBlocks   int64
	policyDrift    int64
	auditDropped   int64
	lastPolicyVers string
	histograms     *HistogramRegistry
}

type Snapshot struct {
	GeneratedAt  string              `json:"generated_at"`
	CacheHits    map[string]int64    `json:"cache_hits"`
	CacheMisses  map[string]int64    `json:"cache_misses"`
	Effects      map[string]int64    `json:"effects"`
	DenyReasons  map[string]int64    `json:"deny_reasons"`
	FailOpen     map[string]int64    `json:"fail_open"`
	FailClosed   map[string]int64    `json:"fail_closed"`
	ReplayBlocks int64               `json:"replay_blocks"`
	PolicyDrift  int64               `json:"policy_version_drift"`
	AuditDropped int64               `json:"audit_dropped"`
	Histograms   []HistogramSnapshot `json:"histograms,omitempty"`
}

func NewRegistry() *Registry {
	return &Registry{
		cacheHits:   map[string]int64{},
		cacheMisses: map[string]int64{},
		effects:     map[string]int64{},
		denyReasons: map[string]int64{},
		failOpen:    map[string]int64{},
		failClosed:  map[string]int64{},
		histograms:  NewHistogramRegistry(),
	}
}

// ObserveLatency records one latency sample for a pipeline component.
func (r *Registry) ObserveLatency(component string, d time.Duration) {
	if r == nil {
		return
	}
	r.histograms.ObserveDuration(component, d)
}

func (r *Registry) CacheHit(cache string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.cacheHits[cache]++
	r.mu.Unlock()
}

func (r *Registry) CacheMiss(cache string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.cacheMisses[cache]++
	r.mu.Unlock()
}

func (r *Registry) IncEffect(effect string) {
	if r == nil || effect == "" {
		return
	}
	r.mu.Lock()
	r.effects[effect]++
	r.mu.Unlock()
}

func (r *Registry) IncDenyReason(reason string) {
	if r == nil || reason == "" {
		return
	}
	r.mu.Lock()
	r.denyReasons[reason]++
	r.mu.Unlock()
}

// IncReplayBlock counts a ReplayDetected deny, which audits separately
// from ordinary denies.
func (r *Registry) IncReplayBlock() {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.replayBlocks++
	r.mu.Unlock()
}

// IncFailOpen counts a degradation decision that allowed despite an
// unhealthy dependency, keyed by condition.
func (r *Registry) IncFailOpen(condition string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.failOpen[condition]++
	r.mu.Unlock()
}

// IncFailClosed counts a degradation decision that denied, keyed by
// condition.
func (r *Registry) IncFailClosed(condition string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.failClosed[condition]++
	r.mu.Unlock()
}

// ObservePolicyVersion tracks evaluator policy-version changes between
// consecutive decisions.
func (r *Registry) ObservePolicyVersion(version string) {
	if r == nil || version == "" {
		return
	}
	r.mu.Lock()
	if r.lastPolicyVers != "" && r.lastPolicyVers != version {
		r.policyDrift++
	}
	r.lastPolicyVers = version
	r.mu.Unlock()
}

func (r *Registry) IncAuditDropped() {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.auditDropped++
	r.mu.Unlock()
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	snap := Snapshot{
		GeneratedAt:  time.Now().UTC().Format(time.RFC3339),
		CacheHits:    copyCounts(r.cacheHits),
		CacheMisses:  copyCounts(r.cacheMisses),
		Effects:      copyCounts(r.effects),
		DenyReasons:  copyCounts(r.denyReasons),
		FailOpen:     copyCounts(r.failOpen),
		FailClosed:   copyCounts(r.failClosed),
		ReplayBlocks: r.replayBlocks,
		PolicyDrift:  r.policyDrift,
		AuditDropped: r.auditDropped,
	}
	r.mu.RUnlock()
	snap.Histograms = r.histograms.Snapshot()
	return snap
}

// Handler serves the registry snapshot as JSON.
func (r *Registry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(r.Snapshot())
	})
}

func copyCounts(in map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
