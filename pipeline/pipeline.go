// Package pipeline runs the inline decision sequence for one request:
// credential validation, replay check, session correlation, delegation,
// policy decision, and audit. The caller always receives a definitive
// decision; dependency failures resolve through the degradation table and
// internal faults deny only the affected request.
package pipeline

import (
	"context"
	"runtime/debug"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"

	auditkit "github.com/open-rails/gatekit/audit"
	"github.com/open-rails/gatekit/core"
	credkit "github.com/open-rails/gatekit/credential"
	decisionkit "github.com/open-rails/gatekit/decision"
	delegkit "github.com/open-rails/gatekit/delegation"
	metricskit "github.com/open-rails/gatekit/metrics"
	replaykit "github.com/open-rails/gatekit/replay"
	sessionkit "github.com/open-rails/gatekit/session"
)

// Request is one already-parsed inbound request or frame.
type Request struct {
	Bundle   credkit.Bundle
	Session  core.SessionID
	Resource core.Resource
	Action   core.Action
}

// Response is the pipeline outcome. Decision is always set.
type Response struct {
	Decision    core.Decision
	Credential  *credkit.ValidatedCredential
	Session     sessionkit.Snapshot
	Fingerprint string
	// DownstreamToken is populated when the resource required a
	// delegated call.
	DownstreamToken *oauth2.Token
	Latency         time.Duration
}

// Decider is the surface the stream controller wraps.
type Decider interface {
	Decide(ctx context.Context, req Request) Response
}

// Pipeline wires the components into the per-request sequence.
type Pipeline struct {
	validator    *credkit.Validator
	replay       *replaykit.Guard
	graph        *sessionkit.Graph
	orchestrator *decisionkit.Orchestrator
	delegation   *delegkit.Cache
	recorder     *auditkit.Recorder
	log          *logrus.Logger
	metrics      *metricskit.Registry
	// replayTTLCap bounds the replay window when the token exp would
	// imply something larger.
	replayTTLCap time.Duration
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithReplayTTLCap bounds the per-jti replay window.
func WithReplayTTLCap(d time.Duration) Option {
	return func(p *Pipeline) { p.replayTTLCap = d }
}

// WithLogger sets the structured logger.
func WithLogger(log *logrus.Logger) Option {
	return func(p *Pipeline) { p.log = log }
}

// WithMetrics sets the metrics registry.
func WithMetrics(m *metricskit.Registry) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// New assembles a pipeline. delegation may be nil when no route requires
// downstream calls; recorder may be nil to disable audit.
func New(
	validator *credkit.Validator,
	replay *replaykit.Guard,
	graph *sessionkit.Graph,
	orchestrator *decisionkit.Orchestrator,
	delegation *delegkit.Cache,
	recorder *auditkit.Recorder,
	opts ...Option,
) *Pipeline {
	p := &Pipeline{
		validator:    validator,
		replay:       replay,
		graph:        graph,
		orchestrator: orchestrator,
		delegation:   delegation,
		recorder:     recorder,
		log:          logrus.StandardLogger(),
		// Matches the guard's default rotation interval so capped
		// windows stay inside the bloom retention horizon.
		replayTTLCap: 5 * time.Minute,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Decide runs the full pipeline for one request.
func (p *Pipeline) Decide(ctx context.Context, req Request) (resp Response) {
	start := time.Now()
	defer func() {
		resp.Latency = time.Since(start)
		p.metrics.ObserveLatency("pipeline", resp.Latency)
		p.metrics.IncEffect(string(resp.Decision.Effect))
		if resp.Decision.Reason != "" {
			p.metrics.IncDenyReason(string(resp.Decision.Reason))
		}
	}()
	// An invariant violation inside any component is fatal to this
	// request only, never to the shared pipeline.
	defer func() {
		if r := recover(); r != nil {
			p.log.WithFields(logrus.Fields{
				"panic": r,
				"stack": string(debug.Stack()),
			}).Error("pipeline invariant violation")
			resp.Decision = core.Deny(core.CodeInternalError, "internal pipeline fault")
			p.audit(req, resp, nil, start)
		}
	}()

	cred, err := p.validator.Validate(req.Bundle)
	if err != nil {
		resp.Decision = core.Deny(core.CodeOf(err), err.Error())
		p.audit(req, resp, nil, start)
		return resp
	}
	resp.Credential = cred

	if cred.Proof.JTI != "" {
		if err := p.replay.Check(ctx, cred.Proof.JTI, p.replayTTL(cred.Claims)); err != nil {
			resp.Decision = core.Deny(core.CodeOf(err), err.Error())
			p.audit(req, resp, cred, start)
			return resp
		}
	}

	resp.Session = p.graph.Touch(req.Session, req.Resource)

	if req.Resource.Audience != "" && p.delegation != nil {
		tok, err := p.delegation.Token(ctx, delegkit.ExchangeRequest{
			Subject:      cred.Claims.Subject,
			ActorChain:   cred.Claims.ActorChain,
			Audience:     req.Resource.Audience,
			Scope:        cred.Claims.ScopeString(),
			SubjectToken: req.Bundle.AccessToken,
		})
		if err != nil {
			resp.Decision = core.Deny(core.CodeOf(err), err.Error())
			p.audit(req, resp, cred, start)
			return resp
		}
		resp.DownstreamToken = tok
	}

	result := p.orchestrator.Decide(ctx, decisionkit.Input{
		Principal:  cred.Principal,
		ActorChain: cred.Claims.ActorChain,
		Session:    resp.Session,
		Resource:   req.Resource,
		Action:     req.Action,
	})
	resp.Fingerprint = result.Fingerprint
	resp.Decision = result.Decision
	if result.StaleAttributes {
		resp.Session = p.graph.MarkStale(req.Session, "pip:"+req.Resource.ID, result.AttributesAsOf)
	}

	p.audit(req, resp, cred, start)
	return resp
}

// replayTTL derives the dedup window from the access-token lifetime,
// bounded by the configured cap.
func (p *Pipeline) replayTTL(claims core.TokenClaims) time.Duration {
	ttl := time.Until(claims.Expiry)
	if ttl <= 0 || ttl > p.replayTTLCap {
		ttl = p.replayTTLCap
	}
	return ttl
}

// audit enqueues the decision record. The recorder is non-blocking and
// detached from the request context, so cancellation cannot drop a
// security-relevant record.
func (p *Pipeline) audit(req Request, resp Response, cred *credkit.ValidatedCredential, start time.Time) {
	if p.recorder == nil {
		return
	}
	rec := auditkit.Record{
		Session:       req.Session,
		Resource:      req.Resource.ID,
		Action:        req.Action.Name,
		Audience:      req.Resource.Audience,
		Effect:        resp.Decision.Effect,
		Reason:        resp.Decision.Reason,
		Rationale:     resp.Decision.Rationale,
		PolicyVersion: resp.Decision.PolicyVersion,
		Degraded:      resp.Decision.Degraded,
		Replay:        resp.Decision.Reason == core.CodeReplayDetected,
		LatencyMicros: time.Since(start).Microseconds(),
	}
	if cred != nil {
		rec.Subject = cred.Claims.Subject
		rec.ActorChain = cred.Claims.ActorChain
		rec.Proof = cred.Proof
	}
	p.recorder.Record(rec)
}
