package metricskit

import (
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRegistryCounters(t *testing.T) {
	r := NewRegistry()

	r.CacheHit("permit")
	r.CacheHit("permit")
	r.CacheMiss("permit")
	r.IncEffect("allow")
	r.IncDenyReason("ReplayDetected")
	r.IncReplayBlock()
	r.IncFailOpen("evaluator_down")
	r.IncFailClosed("evaluator_down")
	r.IncAuditDropped()

	snap := r.Snapshot()
	require.Equal(t, int64(2), snap.CacheHits["permit"])
	require.Equal(t, int64(1), snap.CacheMisses["permit"])
	require.Equal(t, int64(1), snap.Effects["allow"])
	require.Equal(t, int64(1), snap.DenyReasons["ReplayDetected"])
	require.Equal(t, int64(1), snap.ReplayBlocks)
	require.Equal(t, int64(1), snap.FailOpen["evaluator_down"])
	require.Equal(t, int64(1), snap.FailClosed["evaluator_down"])
	require.Equal(t, int64(1), snap.AuditDropped)
}

func TestNilRegistryIsSafe(t *testing.T) {
	var r *Registry
	require.NotPanics(t, func() {
		r.CacheHit("permit")
		r.CacheMiss("permit")
		r.IncEffect("allow")
		r.IncDenyReason("x")
		r.IncReplayBlock()
		r.IncFailOpen("a")
		r.IncFailClosed("b")
		r.IncAuditDropped()
		r.ObserveLatency("pipeline", time.Millisecond)
		r.ObservePolicyVersion("v1")
	})
}

func TestPolicyDriftCounting(t *testing.T) {
	r := NewRegistry()
	r.ObservePolicyVersion("v1")
	r.ObservePolicyVersion("v1")
	require.Equal(t, int64(0), r.Snapshot().PolicyDrift)

	r.ObservePolicyVersion("v2")
	require.Equal(t, int64(1), r.Snapshot().PolicyDrift)

	// Empty versions are ignored, not counted as drift.
	r.ObservePolicyVersion("")
	r.ObservePolicyVersion("v2")
	require.Equal(t, int64(1), r.Snapshot().PolicyDrift)
}

func TestHistogramPercentiles(t *testing.T) {
	h := NewHistogram("decision")
	for i := 0; i < 95; i++ {
		h.Observe(200 * time.Microsecond)
	}
	for i := 0; i < 5; i++ {
		h.Observe(40 * time.Millisecond)
	}

	require.InDelta(t, 0.00025, h.Percentile(0.50), 1e-9)
	require.InDelta(t, 0.00025, h.Percentile(0.95), 1e-9)
	require.InDelta(t, 0.05, h.Percentile(0.99), 1e-9)
}

func TestHistogramEmptyPercentileIsZero(t *testing.T) {
	h := NewHistogram("decision")
	require.Zero(t, h.Percentile(0.99))
}

func TestLatencySnapshotSortedByName(t *testing.T) {
	r := NewRegistry()
	r.ObserveLatency("replay", 50*time.Microsecond)
	r.ObserveLatency("credential", 150*time.Microsecond)
	r.ObserveLatency("decision", 800*time.Microsecond)

	snap := r.Snapshot()
	require.Len(t, snap.Histograms, 3)
	require.Equal(t, "credential", snap.Histograms[0].Name)
	require.Equal(t, "decision", snap.Histograms[1].Name)
	require.Equal(t, "replay", snap.Histograms[2].Name)
	require.Equal(t, int64(1), snap.Histograms[0].Count)
}

func TestHandlerServesJSON(t *testing.T) {
	r := NewRegistry()
	r.IncEffect("deny")

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	require.Equal(t, 200, rec.Code)
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var snap Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	require.Equal(t, int64(1), snap.Effects["deny"])
}
