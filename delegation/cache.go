package delegkit

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/open-rails/gatekit/core"
	degradekit "github.com/open-rails/gatekit/degrade"
	metricskit "github.com/open-rails/gatekit/metrics"
)

// refreshFraction is the point in a token's lifetime past which a served
// token also triggers a proactive background refresh.
const refreshFraction = 0.8

type entry struct {
	tok       *oauth2.Token
	fetchedAt time.Time
}

// lifetimeElapsed returns the fraction of the token lifetime consumed.
func (e *entry) lifetimeElapsed(now time.Time) float64 {
	total := e.tok.Expiry.Sub(e.fetchedAt)
	if total <= 0 {
		return 1
	}
	return float64(now.Sub(e.fetchedAt)) / float64(total)
}

// Cache holds exchanged downstream tokens keyed by
// {subject, actor chain, audience, scope}.
type Cache struct {
	exchanger       Exchanger
	degrade         *degradekit.Controller
	exchangeTimeout time.Duration
	log             *logrus.Logger
	metrics         *metricskit.Registry

	mu      sync.RWMutex
	entries map[string]*entry

	sf singleflight.Group
}

// CacheOption configures a Cache.
type CacheOption func(*Cache)

// WithExchangeTimeout bounds the synchronous exchange call.
func WithExchangeTimeout(d time.Duration) CacheOption {
	return func(c *Cache) { c.exchangeTimeout = d }
}

// WithCacheLogger sets the structured logger.
func WithCacheLogger(log *logrus.Logger) CacheOption {
	return func(c *Cache) { c.log = log }
}

// WithCacheMetrics sets the metrics registry.
func WithCacheMetrics(m *metricskit.Registry) CacheOption {
	return func(c *Cache) { c.metrics = m }
}

// NewCache builds an actor-token cache over the given exchanger.
func NewCache(exchanger Exchanger, degrade *degradekit.Controller, opts ...CacheOption) *Cache {
	c := &Cache{
		exchanger:       exchanger,
		degrade:         degrade,
		exchangeTimeout: 2 * time.Second,
		log:             logrus.StandardLogger(),
		entries:         map[string]*entry{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Token returns a downstream token for the request. A cached token inside
// its proactive-refresh window is served directly; past the window it is
// still served while a background refresh replaces it before expiry.
// Expired or absent entries trigger the synchronous exchange. When the
// exchange is unreachable and no usable cached token remains, the caller
// gets DelegationUnavailable.
func (c *Cache) Token(ctx context.Context, req ExchangeRequest) (*oauth2.Token, error) {
	start := time.Now()
	defer func() { c.metrics.ObserveLatency("delegation", time.Since(start)) }()

	key := req.key()
	now := time.Now()

	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()

	if ok && now.Before(e.tok.Expiry) {
		c.metrics.CacheHit("actor_token")
		if e.lifetimeElapsed(now) >= refreshFraction {
			c.refreshSoon(key, req)
		}
		return e.tok, nil
	}
	c.metrics.CacheMiss("actor_token")

	ectx, cancel := context.WithTimeout(ctx, c.exchangeTimeout)
	tok, err := c.exchanger.Exchange(ectx, req)
	cancel()
	if err != nil {
		// A dead caller is not an STS outage; the health tracker only
		// sees the per-call timeout and genuine exchange errors.
		if ctx.Err() != nil {
			return nil, core.DenyWrap(core.CodeDelegationUnavailable, err)
		}
		c.degrade.ReportFailure(degradekit.DepExchanger)
		// A not-yet-expired cached token may have appeared via a
		// concurrent refresh; re-read before giving up.
		c.mu.RLock()
		e, ok = c.entries[key]
		c.mu.RUnlock()
		var expiry time.Time
		if ok {
			expiry = e.tok.Expiry
		}
		if c.degrade.ExchangeDown(req.Audience, expiry, ok) {
			return e.tok, nil
		}
		return nil, core.DenyWrap(core.CodeDelegationUnavailable, err)
	}
	c.degrade.ReportSuccess(degradekit.DepExchanger)
	c.publish(key, tok)
	return tok, nil
}

// refreshSoon kicks off a deduplicated background refresh that replaces
// the entry before expiry. The in-flight request keeps the current token;
// refresh failure leaves it published.
func (c *Cache) refreshSoon(key string, req ExchangeRequest) {
	go func() {
		_, _, _ = c.sf.Do(key, func() (any, error) {
			ctx, cancel := context.WithTimeout(context.Background(), c.exchangeTimeout)
			defer cancel()
			tok, err := c.exchanger.Exchange(ctx, req)
			if err != nil {
				c.degrade.ReportFailure(degradekit.DepExchanger)
				c.log.WithFields(logrus.Fields{
					"audience": req.Audience,
					"error":    err,
				}).Warn("proactive token refresh failed, keeping current token")
				return nil, nil
			}
			c.degrade.ReportSuccess(degradekit.DepExchanger)
			c.publish(key, tok)
			return nil, nil
		})
	}()
}

// publish atomically swaps in the refreshed entry without blocking readers
// beyond the map write.
func (c *Cache) publish(key string, tok *oauth2.Token) {
	c.mu.Lock()
	c.entries[key] = &entry{tok: tok, fetchedAt: time.Now()}
	c.mu.Unlock()
}

// Sweep drops expired entries that no request is going to renew.
func (c *Cache) Sweep() {
	now := time.Now()
	c.mu.Lock()
	for key, e := range c.entries {
		if now.After(e.tok.Expiry) {
			delete(c.entries, key)
		}
	}
	c.mu.Unlock()
}
