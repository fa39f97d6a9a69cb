// Package degradekit is the single place fail-open exceptions live. Every
// dependency-unavailable condition routes through the decision table here,
// and every fail-open answer is logged with condition, fingerprint, and
// staleness window so the security posture stays reviewable.
package degradekit

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/open-rails/gatekit/core"
	metricskit "github.com/open-rails/gatekit/metrics"
)

// Dependency identifies an external collaborator tracked for health.
type Dependency string

const (
	DepEvaluator       Dependency = "policy_evaluator"
	DepAttributeSource Dependency = "attribute_source"
	DepExchanger       Dependency = "token_exchange"
)

// Controller tracks dependency health and applies the degradation table.
type Controller struct {
	// permitStaleness bounds how old a permit-cache entry may be and
	// still be served under evaluator unavailability.
	permitStaleness time.Duration
	// cooldown is how long a dependency stays unhealthy after its last
	// observed failure before traffic probes it again.
	cooldown time.Duration
	log      *logrus.Logger
	metrics  *metricskit.Registry

	mu          sync.RWMutex
	lastFailure map[Dependency]time.Time
}

// ControllerOption configures a Controller.
type ControllerOption func(*Controller)

// WithPermitStaleness bounds the fail-open permit-cache window.
func WithPermitStaleness(d time.Duration) ControllerOption {
	return func(c *Controller) { c.permitStaleness = d }
}

// WithCooldown sets the unhealthy hold-down after a failure.
func WithCooldown(d time.Duration) ControllerOption {
	return func(c *Controller) { c.cooldown = d }
}

// WithLogger sets the structured logger.
func WithLogger(log *logrus.Logger) ControllerOption {
	return func(c *Controller) { c.log = log }
}

// WithMetrics sets the metrics registry.
func WithMetrics(m *metricskit.Registry) ControllerOption {
	return func(c *Controller) { c.metrics = m }
}

// NewController builds a controller with a 60s permit staleness bound and
// a 10s probe cooldown.
func NewController(opts ...ControllerOption) *Controller {
	c := &Controller{
		permitStaleness: 60 * time.Second,
		cooldown:        10 * time.Second,
		log:             logrus.StandardLogger(),
		lastFailure:     map[Dependency]time.Time{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ReportFailure marks the dependency unhealthy for the cooldown window.
func (c *Controller) ReportFailure(dep Dependency) {
	c.mu.Lock()
	c.lastFailure[dep] = time.Now()
	c.mu.Unlock()
}

// ReportSuccess clears the dependency's unhealthy state.
func (c *Controller) ReportSuccess(dep Dependency) {
	c.mu.Lock()
	delete(c.lastFailure, dep)
	c.mu.Unlock()
}

// Unhealthy reports whether the dependency failed within the cooldown.
func (c *Controller) Unhealthy(dep Dependency) bool {
	c.mu.RLock()
	at, ok := c.lastFailure[dep]
	c.mu.RUnlock()
	return ok && time.Since(at) < c.cooldown
}

// PermitStaleness exposes the fail-open staleness bound.
func (c *Controller) PermitStaleness() time.Duration { return c.permitStaleness }

// EvaluatorDown applies the evaluator-unreachable row: a read-only,
// low-risk action with a permit-cache hit younger than the staleness bound
// may be served from cache; everything else denies PolicyUnavailable.
func (c *Controller) EvaluatorDown(action core.Action, fingerprint string, cachedAt time.Time, haveCached bool) bool {
	age := time.Duration(0)
	if haveCached {
		age = time.Since(cachedAt)
	}
	if action.ReadOnlyLowRisk() && haveCached && age <= c.permitStaleness {
		c.metrics.IncFailOpen(string(DepEvaluator))
		c.log.WithFields(logrus.Fields{
			"condition":   string(DepEvaluator),
			"fingerprint": fingerprint,
			"staleness":   age.String(),
			"bound":       c.permitStaleness.String(),
		}).Warn("fail-open: serving cached permit while evaluator unreachable")
		return true
	}
	c.metrics.IncFailClosed(string(DepEvaluator))
	c.log.WithFields(logrus.Fields{
		"condition":   string(DepEvaluator),
		"fingerprint": fingerprint,
		"have_cached": haveCached,
		"staleness":   age.String(),
	}).Warn("fail-closed: denying while evaluator unreachable")
	return false
}

// AttributeTimeout applies the attribute-source row: the cached attribute
// is used with its freshness watermark marked stale and the risk score
// raised; high-risk or write actions additionally force step-up.
func (c *Controller) AttributeTimeout(source string, action core.Action) (forceStepUp bool) {
	forceStepUp = !action.ReadOnlyLowRisk()
	c.metrics.IncFailOpen(string(DepAttributeSource))
	c.log.WithFields(logrus.Fields{
		"condition":     string(DepAttributeSource),
		"source":        source,
		"force_step_up": forceStepUp,
	}).Warn("fail-open: using cached attribute with stale watermark")
	return forceStepUp
}

// ExchangeDown applies the token-exchange row: a cached token still inside
// its lifetime keeps being used; with none, the action blocks.
func (c *Controller) ExchangeDown(audience string, expiry time.Time, haveCached bool) bool {
	if haveCached && time.Now().Before(expiry) {
		c.metrics.IncFailOpen(string(DepExchanger))
		c.log.WithFields(logrus.Fields{
			"condition": string(DepExchanger),
			"audience":  audience,
			"expires":   time.Until(expiry).String(),
		}).Warn("fail-open: serving near-expiry cached token while exchange unreachable")
		return true
	}
	c.metrics.IncFailClosed(string(DepExchanger))
	c.log.WithFields(logrus.Fields{
		"condition": string(DepExchanger),
		"audience":  audience,
	}).Warn("fail-closed: blocking delegated action while exchange unreachable")
	return false
}
