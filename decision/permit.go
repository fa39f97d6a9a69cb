package decisionkit

import (
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/open-rails/gatekit/core"
	metricskit "github.com/open-rails/gatekit/metrics"
)

// PermitEntry is a cached decision, usable only as the degradation
// fallback. It is never consulted on the healthy path.
type PermitEntry struct {
	Decision      core.Decision
	Fingerprint   string
	PolicyVersion string
	StoredAt      time.Time
	ExpiresAt     time.Time
}

// PermitCache holds recent decisions keyed by fingerprint, sharded so
// unrelated fingerprints never contend. Every entry carries an explicit
// expiry.
type PermitCache struct {
	ttl     time.Duration
	metrics *metricskit.Registry
	shards  [16]*permitShard
}

type permitShard struct {
	mu      sync.RWMutex
	entries map[string]PermitEntry
}

// NewPermitCache builds a cache whose entries expire after ttl.
func NewPermitCache(ttl time.Duration, metrics *metricskit.Registry) *PermitCache {
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	c := &PermitCache{ttl: ttl, metrics: metrics}
	for i := range c.shards {
		c.shards[i] = &permitShard{entries: map[string]PermitEntry{}}
	}
	return c
}

func (c *PermitCache) shardFor(fp string) *permitShard {
	if fp == "" {
		return c.shards[0]
	}
	return c.shards[fp[0]%16]
}

// Put stores a decision stamped with the policy version in effect.
func (c *PermitCache) Put(fp string, d core.Decision) {
	now := time.Now()
	sh := c.shardFor(fp)
	sh.mu.Lock()
	sh.entries[fp] = PermitEntry{
		Decision:      d,
		Fingerprint:   fp,
		PolicyVersion: d.PolicyVersion,
		StoredAt:      now,
		ExpiresAt:     now.Add(c.ttl),
	}
	sh.mu.Unlock()
}

// Get returns the non-expired entry for the fingerprint.
func (c *PermitCache) Get(fp string) (PermitEntry, bool) {
	sh := c.shardFor(fp)
	sh.mu.RLock()
	e, ok := sh.entries[fp]
	sh.mu.RUnlock()
	if !ok || time.Now().After(e.ExpiresAt) {
		c.metrics.CacheMiss("permit")
		return PermitEntry{}, false
	}
	c.metrics.CacheHit("permit")
	return e, true
}

// Sweep drops expired entries.
func (c *PermitCache) Sweep() {
	now := time.Now()
	for _, sh := range c.shards {
		sh.mu.Lock()
		for fp, e := range sh.entries {
			if now.After(e.ExpiresAt) {
				delete(sh.entries, fp)
			}
		}
		sh.mu.Unlock()
	}
}

// Schedule registers the periodic sweep.
func (c *PermitCache) Schedule(sched *cron.Cron) error {
	_, err := sched.AddFunc("@every 30s", c.Sweep)
	return err
}
