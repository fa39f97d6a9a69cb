// Package streamkit wraps the decision pipeline for long-lived streaming
// sessions. The first frame on a stream runs the full pipeline; later
// frames take a lightweight path unless a state-change trigger forces a
// full re-evaluation, and irreversible actions hold the stream until an
// explicit consent event or a timeout closes it.
package streamkit

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/open-rails/gatekit/core"
	metricskit "github.com/open-rails/gatekit/metrics"
	"github.com/open-rails/gatekit/pipeline"
)

// RateLimiter is the per-frame limiter surface; both the in-memory and
// Redis sliding-window limiters satisfy it.
type RateLimiter interface {
	AllowNamed(bucket, key string) (bool, error)
}

// State of one stream.
type State string

const (
	StateUnestablished  State = "unestablished"
	StateEstablished    State = "established"
	StatePendingConsent State = "pending_consent"
	StateClosed         State = "closed"
)

const frameBucket = "stream_frames"

type stream struct {
	mu          sync.Mutex
	state       State
	tools       map[string]struct{}
	audience    string
	last        pipeline.Response
	tokenExpiry time.Time
	framesLeft  int
	// consent is closed when the pending state resolves either way;
	// waiters re-examine state afterwards.
	consent     chan struct{}
	closeReason core.Code
	timer       *time.Timer
	// lastFrame is guarded by Controller.mu, not stream.mu.
	lastFrame time.Time
}

// Controller tracks per-msid stream state over a Decider.
type Controller struct {
	decider        pipeline.Decider
	limiter        RateLimiter
	consentTimeout time.Duration
	frameBudget    int
	idleTTL        time.Duration
	log            *logrus.Logger
	metrics        *metricskit.Registry

	mu      sync.Mutex
	streams map[string]*stream
}

// ControllerOption configures a Controller.
type ControllerOption func(*Controller)

// WithConsentTimeout bounds how long a stream waits for human
// confirmation of an irreversible action.
func WithConsentTimeout(d time.Duration) ControllerOption {
	return func(c *Controller) { c.consentTimeout = d }
}

// WithFrameBudget sets the content-filter budget granted per full
// evaluation; exhausting it forces a full re-run.
func WithFrameBudget(n int) ControllerOption {
	return func(c *Controller) { c.frameBudget = n }
}

// WithStreamIdleTTL sets the idle eviction timeout for streams whose
// transport disconnected without a close event.
func WithStreamIdleTTL(d time.Duration) ControllerOption {
	return func(c *Controller) { c.idleTTL = d }
}

// WithRateLimiter sets the per-frame limiter.
func WithRateLimiter(l RateLimiter) ControllerOption {
	return func(c *Controller) { c.limiter = l }
}

// WithLogger sets the structured logger.
func WithLogger(log *logrus.Logger) ControllerOption {
	return func(c *Controller) { c.log = log }
}

// WithMetrics sets the metrics registry.
func WithMetrics(m *metricskit.Registry) ControllerOption {
	return func(c *Controller) { c.metrics = m }
}

// NewController wraps the decider.
func NewController(decider pipeline.Decider, opts ...ControllerOption) *Controller {
	c := &Controller{
		decider:        decider,
		consentTimeout: 2 * time.Minute,
		frameBudget:    1000,
		idleTTL:        30 * time.Minute,
		log:            logrus.StandardLogger(),
		streams:        map[string]*stream{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Controller) get(msid string) *stream {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.streams[msid]
	if !ok {
		st = &stream{state: StateUnestablished, tools: map[string]struct{}{}}
		c.streams[msid] = st
	}
	st.lastFrame = time.Now()
	return st
}

// Sweep evicts streams idle past the TTL; transports that disconnect
// without a close event would otherwise pin their entries forever.
// Pending-consent streams are left to their consent timer.
func (c *Controller) Sweep() {
	cutoff := time.Now().Add(-c.idleTTL)
	c.mu.Lock()
	defer c.mu.Unlock()
	for msid, st := range c.streams {
		if st.lastFrame.After(cutoff) {
			continue
		}
		st.mu.Lock()
		pending := st.state == StatePendingConsent
		if !pending {
			st.state = StateClosed
		}
		st.mu.Unlock()
		if !pending {
			delete(c.streams, msid)
		}
	}
}

// Schedule registers the periodic idle sweep.
func (c *Controller) Schedule(sched *cron.Cron) error {
	_, err := sched.AddFunc("@every 1m", c.Sweep)
	return err
}

// OnFrame decides one frame. Requests without an msid bypass stream
// tracking and always run the full pipeline.
func (c *Controller) OnFrame(ctx context.Context, req pipeline.Request) pipeline.Response {
	msid := req.Session.MSID
	if msid == "" {
		return c.decider.Decide(ctx, req)
	}
	st := c.get(msid)

	for {
		st.mu.Lock()
		switch st.state {
		case StateClosed:
			reason := st.closeReason
			st.mu.Unlock()
			if reason == "" {
				reason = core.CodeInternalError
			}
			return pipeline.Response{Decision: core.Deny(reason, "stream closed")}

		case StateUnestablished:
			st.mu.Unlock()
			return c.fullRun(ctx, st, msid, req)

		case StatePendingConsent:
			ch := st.consent
			st.mu.Unlock()
			select {
			case <-ch:
				// Resolved either way; loop and re-examine state.
			case <-ctx.Done():
				return pipeline.Response{Decision: core.Deny(core.CodeInternalError, "caller cancelled while awaiting consent")}
			}

		case StateEstablished:
			if c.trigger(st, req) {
				st.mu.Unlock()
				return c.fullRun(ctx, st, msid, req)
			}
			resp := c.lightweight(st, msid)
			st.mu.Unlock()
			return resp
		}
	}
}

// trigger reports whether the frame requires full re-evaluation. Called
// with st.mu held.
func (c *Controller) trigger(st *stream, req pipeline.Request) bool {
	if _, known := st.tools[req.Resource.ID]; !known {
		return true
	}
	if req.Resource.Audience != st.audience {
		return true
	}
	if !st.tokenExpiry.IsZero() && time.Now().After(st.tokenExpiry) {
		return true
	}
	if st.framesLeft <= 0 {
		return true
	}
	return false
}

// lightweight runs the established-path checks: rate limit and budget.
// Called with st.mu held.
func (c *Controller) lightweight(st *stream, msid string) pipeline.Response {
	start := time.Now()
	defer func() { c.metrics.ObserveLatency("stream_lightweight", time.Since(start)) }()

	if c.limiter != nil {
		ok, err := c.limiter.AllowNamed(frameBucket, msid)
		if err != nil {
			c.log.WithFields(logrus.Fields{"msid": msid, "error": err}).Warn("frame limiter error, allowing")
		} else if !ok {
			return pipeline.Response{Decision: core.Decision{
				Effect:    core.EffectDeny,
				Rationale: "stream frame rate limit exceeded",
			}}
		}
	}
	st.framesLeft--
	return pipeline.Response{
		Decision:    st.last.Decision,
		Credential:  st.last.Credential,
		Session:     st.last.Session,
		Fingerprint: st.last.Fingerprint,
	}
}

// fullRun executes the complete pipeline for the frame and updates the
// stream state machine from the result.
func (c *Controller) fullRun(ctx context.Context, st *stream, msid string, req pipeline.Request) pipeline.Response {
	resp := c.decider.Decide(ctx, req)
	if !resp.Decision.Allowed() {
		return resp
	}

	st.mu.Lock()
	st.tools[req.Resource.ID] = struct{}{}
	st.audience = req.Resource.Audience
	st.last = resp
	st.framesLeft = c.frameBudget
	if resp.Credential != nil {
		st.tokenExpiry = resp.Credential.Claims.Expiry
	}

	if resp.Decision.HasObligation(core.ObligationIrreversible) {
		// Hold the stream until a human confirms or the timeout closes it.
		st.state = StatePendingConsent
		st.consent = make(chan struct{})
		st.timer = time.AfterFunc(c.consentTimeout, func() { c.expireConsent(msid) })
		ch := st.consent
		st.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return pipeline.Response{Decision: core.Deny(core.CodeInternalError, "caller cancelled while awaiting consent")}
		}
		st.mu.Lock()
		defer st.mu.Unlock()
		if st.state != StateEstablished {
			return pipeline.Response{Decision: core.Deny(core.CodeConsentTimeout, "consent not granted before timeout")}
		}
		return resp
	}

	st.state = StateEstablished
	st.mu.Unlock()
	return resp
}

// Confirm delivers the human confirmation event for a pending stream.
// approved=false closes the stream.
func (c *Controller) Confirm(msid string, approved bool) {
	c.mu.Lock()
	st, ok := c.streams[msid]
	c.mu.Unlock()
	if !ok {
		return
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.state != StatePendingConsent {
		return
	}
	if st.timer != nil {
		st.timer.Stop()
	}
	if approved {
		st.state = StateEstablished
	} else {
		st.state = StateClosed
		st.closeReason = core.CodeConsentTimeout
	}
	close(st.consent)
}

func (c *Controller) expireConsent(msid string) {
	c.mu.Lock()
	st, ok := c.streams[msid]
	c.mu.Unlock()
	if !ok {
		return
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.state != StatePendingConsent {
		return
	}
	st.state = StateClosed
	st.closeReason = core.CodeConsentTimeout
	close(st.consent)
	c.log.WithField("msid", msid).Warn("stream closed: consent timeout")
}

// Close ends a stream, e.g. on transport disconnect.
func (c *Controller) Close(msid string) {
	c.mu.Lock()
	st, ok := c.streams[msid]
	delete(c.streams, msid)
	c.mu.Unlock()
	if !ok {
		return
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.state == StatePendingConsent {
		if st.timer != nil {
			st.timer.Stop()
		}
		close(st.consent)
	}
	st.state = StateClosed
}

// StateOf reports the current state of a stream.
func (c *Controller) StateOf(msid string) State {
	c.mu.Lock()
	st, ok := c.streams[msid]
	c.mu.Unlock()
	if !ok {
		return StateUnestablished
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.state
}
