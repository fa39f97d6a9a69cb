// Package jwkskit caches issuer JWKS documents so that signature
// verification never fetches keys on the request path. A kid miss or TTL
// expiry triggers a background refresh; requests observing an issuer with
// no cached set at all fail closed at the caller.
package jwkskit

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	metricskit "github.com/open-rails/gatekit/metrics"
)

// Fetcher retrieves the JWKS document for an issuer. Implementations are
// only ever called from background refresh, never from the request path.
type Fetcher interface {
	Fetch(ctx context.Context, issuer string) (jwk.Set, error)
}

// HTTPFetcher resolves issuers to JWKS URLs and fetches over HTTP.
type HTTPFetcher struct {
	// URLs maps issuer → JWKS endpoint. Issuers without an entry fall
	// back to issuer + "/.well-known/jwks.json".
	URLs   map[string]string
	Client *http.Client
}

func (f *HTTPFetcher) Fetch(ctx context.Context, issuer string) (jwk.Set, error) {
	url, ok := f.URLs[issuer]
	if !ok {
		url = issuer + "/.well-known/jwks.json"
	}
	opts := []jwk.FetchOption{}
	if f.Client != nil {
		opts = append(opts, jwk.WithHTTPClient(f.Client))
	}
	set, err := jwk.Fetch(ctx, url, opts...)
	if err != nil {
		return nil, fmt.Errorf("jwks fetch %s: %w", issuer, err)
	}
	return set, nil
}

type entry struct {
	set       jwk.Set
	fetchedAt time.Time
}

// Cache is the per-issuer JWKS cache.
type Cache struct {
	fetcher      Fetcher
	ttl          time.Duration
	fetchTimeout time.Duration
	log          *logrus.Logger
	metrics      *metricskit.Registry

	mu      sync.RWMutex
	entries map[string]*entry

	sf singleflight.Group
}

// Option configures a Cache.
type Option func(*Cache)

// WithTTL sets how long a fetched set is considered fresh.
func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) { c.ttl = ttl }
}

// WithLogger sets the structured logger.
func WithLogger(log *logrus.Logger) Option {
	return func(c *Cache) { c.log = log }
}

// WithMetrics sets the metrics registry.
func WithMetrics(m *metricskit.Registry) Option {
	return func(c *Cache) { c.metrics = m }
}

// NewCache builds a cache around the given fetcher. Default TTL is 5
// minutes with a 5 second fetch timeout.
func NewCache(fetcher Fetcher, opts ...Option) *Cache {
	c := &Cache{
		fetcher:      fetcher,
		ttl:          5 * time.Minute,
		fetchTimeout: 5 * time.Second,
		log:          logrus.StandardLogger(),
		entries:      map[string]*entry{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Keys returns the cached set for the issuer without any network I/O.
// stale is true when the set is past TTL; callers may still verify against
// it while a background refresh runs. ok is false when the issuer has
// never been fetched, which callers must treat as fail-closed.
func (c *Cache) Keys(issuer string) (set jwk.Set, stale, ok bool) {
	c.mu.RLock()
	e, found := c.entries[issuer]
	c.mu.RUnlock()
	if !found {
		c.metrics.CacheMiss("jwks")
		return nil, false, false
	}
	c.metrics.CacheHit("jwks")
	return e.set, time.Since(e.fetchedAt) > c.ttl, true
}

// Refresh synchronously fetches and publishes the issuer's set. Used for
// startup warm-up and by the background paths; never called per request.
// Concurrent refreshes of the same issuer are deduplicated.
func (c *Cache) Refresh(ctx context.Context, issuer string) error {
	_, err, _ := c.sf.Do(issuer, func() (any, error) {
		fctx, cancel := context.WithTimeout(ctx, c.fetchTimeout)
		defer cancel()
		set, err := c.fetcher.Fetch(fctx, issuer)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.entries[issuer] = &entry{set: set, fetchedAt: time.Now()}
		c.mu.Unlock()
		return nil, nil
	})
	return err
}

// RefreshSoon schedules an asynchronous refresh of the issuer. Failures
// are logged; the previous set stays published.
func (c *Cache) RefreshSoon(issuer string) {
	go func() {
		if err := c.Refresh(context.Background(), issuer); err != nil {
			c.log.WithFields(logrus.Fields{
				"issuer": issuer,
				"error":  err,
			}).Warn("jwks background refresh failed")
		}
	}()
}

// Issuers lists the issuers with a published set.
func (c *Cache) Issuers() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.entries))
	for issuer := range c.entries {
		out = append(out, issuer)
	}
	return out
}

// Schedule registers a timer refresh of all known issuers at half the TTL.
func (c *Cache) Schedule(sched *cron.Cron) error {
	spec := fmt.Sprintf("@every %s", c.ttl/2)
	_, err := sched.AddFunc(spec, func() {
		for _, issuer := range c.Issuers() {
			c.RefreshSoon(issuer)
		}
	})
	return err
}
