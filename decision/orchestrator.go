// Package decisionkit invokes the external policy-evaluation capability
// and applies its result. Freshness wins over speed on the healthy path:
// the evaluator is always called, and the permit cache exists solely as
// the degradation fallback.
package decisionkit

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/open-rails/gatekit/core"
	degradekit "github.com/open-rails/gatekit/degrade"
	metricskit "github.com/open-rails/gatekit/metrics"
	sessionkit "github.com/open-rails/gatekit/session"
)

// Input is the full decision request handed to the evaluator.
type Input struct {
	Principal  core.Principal
	ActorChain []string
	Session    sessionkit.Snapshot
	Resource   core.Resource
	Action     core.Action
	// Attributes is the static policy-relevant attribute snapshot (tool
	// schema hash, allow-list membership), populated by the orchestrator
	// from the attribute source.
	Attributes map[string]string
}

// Evaluator is the opaque policy-evaluation capability. It must answer
// synchronously with bounded latency; unavailability is handled by the
// degradation controller, never surfaced to callers.
type Evaluator interface {
	Evaluate(ctx context.Context, in Input) (core.Decision, error)
}

// AttributeSource is the policy information point for static resource
// attributes. Timeouts route through the degradation table; the last
// known-good snapshot keeps serving with a stale watermark.
type AttributeSource interface {
	Attributes(ctx context.Context, resource core.Resource) (map[string]string, error)
}

// Result is the orchestrator output: always a definitive decision, plus
// the fingerprint and the attribute sources that served stale.
type Result struct {
	Decision    core.Decision
	Fingerprint string
	// StaleAttributes is true when the attribute snapshot came from the
	// local cache after a source timeout; the session's freshness
	// watermark must be moved accordingly.
	StaleAttributes bool
	// AttributesAsOf is the fetch time of the attribute snapshot used.
	AttributesAsOf time.Time
}

type attrEntry struct {
	attrs     map[string]string
	fetchedAt time.Time
}

// Orchestrator coordinates evaluator calls, the permit cache, and the
// degradation controller.
type Orchestrator struct {
	evaluator   Evaluator
	attrs       AttributeSource
	permits     *PermitCache
	degrade     *degradekit.Controller
	evalTimeout time.Duration
	attrTimeout time.Duration
	log         *logrus.Logger
	metrics     *metricskit.Registry

	attrMu    sync.RWMutex
	attrCache map[string]attrEntry
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithAttributeSource sets the policy information point.
func WithAttributeSource(src AttributeSource) OrchestratorOption {
	return func(o *Orchestrator) { o.attrs = src }
}

// WithEvalTimeout bounds the synchronous evaluator call.
func WithEvalTimeout(d time.Duration) OrchestratorOption {
	return func(o *Orchestrator) { o.evalTimeout = d }
}

// WithAttrTimeout bounds the attribute-source call.
func WithAttrTimeout(d time.Duration) OrchestratorOption {
	return func(o *Orchestrator) { o.attrTimeout = d }
}

// WithOrchestratorLogger sets the structured logger.
func WithOrchestratorLogger(log *logrus.Logger) OrchestratorOption {
	return func(o *Orchestrator) { o.log = log }
}

// WithOrchestratorMetrics sets the metrics registry.
func WithOrchestratorMetrics(m *metricskit.Registry) OrchestratorOption {
	return func(o *Orchestrator) { o.metrics = m }
}

// NewOrchestrator wires the evaluator, permit cache, and degradation
// controller together.
func NewOrchestrator(evaluator Evaluator, permits *PermitCache, degrade *degradekit.Controller, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		evaluator:   evaluator,
		permits:     permits,
		degrade:     degrade,
		evalTimeout: 50 * time.Millisecond,
		attrTimeout: 20 * time.Millisecond,
		log:         logrus.StandardLogger(),
		attrCache:   map[string]attrEntry{},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Decide produces a definitive decision for the input. The caller never
// receives an ambiguous dependency error: evaluator unavailability is
// resolved through the degradation table into allow, deny, or step-up.
func (o *Orchestrator) Decide(ctx context.Context, in Input) Result {
	start := time.Now()
	defer func() { o.metrics.ObserveLatency("decision", time.Since(start)) }()

	res := Result{}
	var forceStepUp bool
	in.Attributes, res.AttributesAsOf, res.StaleAttributes, forceStepUp = o.resolveAttributes(ctx, in.Resource, in.Action)
	res.Fingerprint = Fingerprint(in.Principal, in.ActorChain, in.Resource, in.Action, in.Attributes)

	if o.degrade.Unhealthy(degradekit.DepEvaluator) {
		res.Decision = o.fallback(in, res.Fingerprint)
		return res
	}

	ectx, cancel := context.WithTimeout(ctx, o.evalTimeout)
	decision, err := o.evaluator.Evaluate(ectx, in)
	cancel()
	if err != nil {
		// A dead caller is not an evaluator outage: only the per-call
		// timeout and genuine evaluator errors may trip the health
		// tracker.
		if ctx.Err() != nil {
			res.Decision = core.Deny(core.CodeInternalError, "caller canceled during policy evaluation")
			return res
		}
		o.degrade.ReportFailure(degradekit.DepEvaluator)
		o.log.WithFields(logrus.Fields{
			"fingerprint": res.Fingerprint,
			"attributes":  attrDigest(in.Attributes),
			"error":       err,
		}).Warn("policy evaluator unreachable")
		res.Decision = o.fallback(in, res.Fingerprint)
		return res
	}
	o.degrade.ReportSuccess(degradekit.DepEvaluator)
	o.metrics.ObservePolicyVersion(decision.PolicyVersion)

	// Every definitive effect is cached for the degradation fallback,
	// stamped with the policy version in effect. Step-up and deny are
	// never served from cache as a shortcut; the fallback rechecks the
	// effect before serving.
	switch decision.Effect {
	case core.EffectAllow, core.EffectAllowWithObligations, core.EffectDeny, core.EffectStepUp:
		o.permits.Put(res.Fingerprint, decision)
	}

	if forceStepUp && decision.Allowed() {
		decision.Effect = core.EffectStepUp
		decision.Rationale = "step-up forced: attribute source degraded"
	}
	res.Decision = decision
	return res
}

// fallback applies the evaluator-unreachable degradation row. Served
// cache hits have their effect forced to read-only semantics.
func (o *Orchestrator) fallback(in Input, fp string) core.Decision {
	entry, ok := o.permits.Get(fp)
	serveable := ok && entry.Decision.Allowed()
	if !o.degrade.EvaluatorDown(in.Action, fp, entry.StoredAt, serveable) {
		return core.Deny(core.CodePolicyUnavailable, "policy evaluator unreachable and no serveable cached permit")
	}
	d := entry.Decision
	d.Effect = core.EffectAllowWithObligations
	d.Obligations = append(append([]core.Obligation{}, d.Obligations...), core.Obligation{Type: core.ObligationReadOnly})
	d.Degraded = true
	return d
}

// resolveAttributes fetches the static attribute snapshot, falling back
// to the last known-good copy on source timeout.
func (o *Orchestrator) resolveAttributes(ctx context.Context, resource core.Resource, action core.Action) (attrs map[string]string, asOf time.Time, stale, forceStepUp bool) {
	if o.attrs == nil {
		return nil, time.Now(), false, false
	}
	actx, cancel := context.WithTimeout(ctx, o.attrTimeout)
	fetched, err := o.attrs.Attributes(actx, resource)
	cancel()
	if err == nil {
		o.degrade.ReportSuccess(degradekit.DepAttributeSource)
		now := time.Now()
		o.attrMu.Lock()
		o.attrCache[resource.ID] = attrEntry{attrs: fetched, fetchedAt: now}
		o.attrMu.Unlock()
		return fetched, now, false, false
	}
	if ctx.Err() == nil {
		o.degrade.ReportFailure(degradekit.DepAttributeSource)
		forceStepUp = o.degrade.AttributeTimeout(resource.ID, action)
	}

	o.attrMu.RLock()
	cached, ok := o.attrCache[resource.ID]
	o.attrMu.RUnlock()
	if !ok {
		// Nothing cached: evaluate with an empty snapshot, still marked
		// stale so the risk path reflects it.
		return nil, time.Time{}, true, forceStepUp
	}
	return cached.attrs, cached.fetchedAt, true, forceStepUp
}
