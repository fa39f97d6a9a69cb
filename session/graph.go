// Package sessionkit maintains the session graph: the concurrently
// mutable mapping from the four correlated session identifiers to risk
// state. Creation is idempotent under concurrent first-contact and reads
// hand out immutable snapshots.
package sessionkit

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/open-rails/gatekit/core"
	metricskit "github.com/open-rails/gatekit/metrics"
)

const shardCount = 64

// Snapshot is an immutable read view of one session record.
type Snapshot struct {
	RecordID          string               `json:"record_id"`
	ID                core.SessionID       `json:"id"`
	CreatedAt         time.Time            `json:"created_at"`
	LastSeen          time.Time            `json:"last_seen"`
	RiskScore         float64              `json:"risk_score"`
	DistinctResources int                  `json:"distinct_resources"`
	AnomalyFlags      []string             `json:"anomaly_flags,omitempty"`
	// Freshness carries the per-attribute-source watermark: the last
	// instant the source's data was known fresh.
	Freshness map[string]time.Time `json:"freshness,omitempty"`
}

// Stale reports whether the given attribute source is older than maxAge.
func (s Snapshot) Stale(source string, maxAge time.Duration) bool {
	at, ok := s.Freshness[source]
	if !ok {
		return false
	}
	return time.Since(at) > maxAge
}

type session struct {
	mu        sync.Mutex
	recordID  string
	id        core.SessionID
	createdAt time.Time
	lastSeen  time.Time
	risk      float64
	resources map[string]struct{}
	flags     map[string]struct{}
	freshness map[string]time.Time
	dirty     bool
}

func (s *session) snapshotLocked() Snapshot {
	snap := Snapshot{
		RecordID:          s.recordID,
		ID:                s.id,
		CreatedAt:         s.createdAt,
		LastSeen:          s.lastSeen,
		RiskScore:         s.risk,
		DistinctResources: len(s.resources),
	}
	for f := range s.flags {
		snap.AnomalyFlags = append(snap.AnomalyFlags, f)
	}
	if len(s.freshness) > 0 {
		snap.Freshness = make(map[string]time.Time, len(s.freshness))
		for k, v := range s.freshness {
			snap.Freshness[k] = v
		}
	}
	return snap
}

type shard struct {
	mu       sync.RWMutex
	sessions map[string]*session
}

// FlushSink receives periodic session snapshots for durable audit. Flush
// failures are logged and never block request processing.
type FlushSink interface {
	FlushSessions(ctx context.Context, snaps []Snapshot) error
}

// Graph is the process-wide session graph, sharded by the composite key
// so unrelated sessions never contend.
type Graph struct {
	shards  [shardCount]*shard
	idleTTL time.Duration
	// fanoutThreshold is the distinct-resource count past which the
	// session is flagged anomalous.
	fanoutThreshold int
	sink            FlushSink
	log             *logrus.Logger
	metrics         *metricskit.Registry
}

// GraphOption configures a Graph.
type GraphOption func(*Graph)

// WithIdleTTL sets the idle eviction timeout.
func WithIdleTTL(d time.Duration) GraphOption {
	return func(g *Graph) { g.idleTTL = d }
}

// WithFanoutThreshold sets the distinct-resource anomaly threshold.
func WithFanoutThreshold(n int) GraphOption {
	return func(g *Graph) { g.fanoutThreshold = n }
}

// WithFlushSink sets the durable snapshot sink.
func WithFlushSink(sink FlushSink) GraphOption {
	return func(g *Graph) { g.sink = sink }
}

// WithGraphLogger sets the structured logger.
func WithGraphLogger(log *logrus.Logger) GraphOption {
	return func(g *Graph) { g.log = log }
}

// WithGraphMetrics sets the metrics registry.
func WithGraphMetrics(m *metricskit.Registry) GraphOption {
	return func(g *Graph) { g.metrics = m }
}

// NewGraph builds an empty session graph.
func NewGraph(opts ...GraphOption) *Graph {
	g := &Graph{
		idleTTL:         30 * time.Minute,
		fanoutThreshold: 25,
		log:             logrus.StandardLogger(),
	}
	for i := range g.shards {
		g.shards[i] = &shard{sessions: map[string]*session{}}
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *Graph) shardFor(key string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return g.shards[h.Sum32()%shardCount]
}

// locate returns the session for ids, creating it if absent. Two
// concurrent first-contact calls for the same tuple observe the same
// record: the shard write lock makes creation single-winner.
func (g *Graph) locate(ids core.SessionID) *session {
	key := ids.Key()
	sh := g.shardFor(key)

	sh.mu.RLock()
	s, ok := sh.sessions[key]
	sh.mu.RUnlock()
	if ok {
		g.metrics.CacheHit("session")
		return s
	}

	sh.mu.Lock()
	defer sh.mu.Unlock()
	if s, ok = sh.sessions[key]; ok {
		g.metrics.CacheHit("session")
		return s
	}
	now := time.Now()
	s = &session{
		recordID:  uuid.NewString(),
		id:        ids,
		createdAt: now,
		lastSeen:  now,
		resources: map[string]struct{}{},
		flags:     map[string]struct{}{},
		freshness: map[string]time.Time{},
		dirty:     true,
	}
	sh.sessions[key] = s
	g.metrics.CacheMiss("session")
	return s
}

// Touch locates or creates the session, updates last-seen and the
// risk-relevant counters for the requested resource, and returns a read
// snapshot.
func (g *Graph) Touch(ids core.SessionID, resource core.Resource) Snapshot {
	start := time.Now()
	defer func() { g.metrics.ObserveLatency("session_touch", time.Since(start)) }()

	s := g.locate(ids)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSeen = time.Now()
	if resource.ID != "" {
		if _, seen := s.resources[resource.ID]; !seen {
			s.resources[resource.ID] = struct{}{}
			if len(s.resources) > g.fanoutThreshold {
				if _, flagged := s.flags["resource_fanout"]; !flagged {
					s.flags["resource_fanout"] = struct{}{}
					s.risk += 0.3
				}
			}
		}
	}
	s.dirty = true
	return s.snapshotLocked()
}

// MarkStale records that the given attribute source served stale data for
// this session, moving its freshness watermark into the past and raising
// the risk score. Downstream steps honor the watermark, not the error.
func (g *Graph) MarkStale(ids core.SessionID, source string, lastFresh time.Time) Snapshot {
	s := g.locate(ids)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.freshness[source] = lastFresh
	if _, flagged := s.flags["stale_"+source]; !flagged {
		s.flags["stale_"+source] = struct{}{}
		s.risk += 0.2
	}
	s.dirty = true
	return s.snapshotLocked()
}

// Flag raises an anomaly flag on the session, adding delta to its risk
// score on first occurrence.
func (g *Graph) Flag(ids core.SessionID, flag string, delta float64) Snapshot {
	s := g.locate(ids)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.flags[flag]; !ok {
		s.flags[flag] = struct{}{}
		s.risk += delta
	}
	s.dirty = true
	return s.snapshotLocked()
}

// Peek returns the snapshot for ids without creating or touching, for
// lightweight stream checks.
func (g *Graph) Peek(ids core.SessionID) (Snapshot, bool) {
	key := ids.Key()
	sh := g.shardFor(key)
	sh.mu.RLock()
	s, ok := sh.sessions[key]
	sh.mu.RUnlock()
	if !ok {
		return Snapshot{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked(), true
}

// Flush sends all dirty session snapshots to the sink. Errors are logged
// and retried implicitly at the next interval; records stay dirty on
// failure.
func (g *Graph) Flush(ctx context.Context) {
	if g.sink == nil {
		return
	}
	var snaps []Snapshot
	var flushed []*session
	for _, sh := range g.shards {
		sh.mu.RLock()
		for _, s := range sh.sessions {
			s.mu.Lock()
			if s.dirty {
				snaps = append(snaps, s.snapshotLocked())
				flushed = append(flushed, s)
			}
			s.mu.Unlock()
		}
		sh.mu.RUnlock()
	}
	if len(snaps) == 0 {
		return
	}
	if err := g.sink.FlushSessions(ctx, snaps); err != nil {
		g.log.WithFields(logrus.Fields{"count": len(snaps), "error": err}).Warn("session flush failed")
		return
	}
	for _, s := range flushed {
		s.mu.Lock()
		s.dirty = false
		s.mu.Unlock()
	}
}

// Sweep evicts sessions idle past the TTL.
func (g *Graph) Sweep() {
	cutoff := time.Now().Add(-g.idleTTL)
	for _, sh := range g.shards {
		sh.mu.Lock()
		for key, s := range sh.sessions {
			s.mu.Lock()
			idle := s.lastSeen.Before(cutoff)
			s.mu.Unlock()
			if idle {
				delete(sh.sessions, key)
			}
		}
		sh.mu.Unlock()
	}
}

// Schedule registers the periodic flush and idle sweep.
func (g *Graph) Schedule(sched *cron.Cron) error {
	if _, err := sched.AddFunc("@every 15s", func() { g.Flush(context.Background()) }); err != nil {
		return err
	}
	_, err := sched.AddFunc("@every 1m", g.Sweep)
	return err
}

// Close performs the final flush at shutdown.
func (g *Graph) Close(ctx context.Context) {
	g.Flush(ctx)
}
