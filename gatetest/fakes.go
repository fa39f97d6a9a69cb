package gatetest

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/oauth2"

	"github.com/google/uuid"

	"github.com/open-rails/gatekit/core"
	decisionkit "github.com/open-rails/gatekit/decision"
	delegkit "github.com/open-rails/gatekit/delegation"
)

// Evaluator is a scripted policy evaluator. Decisions are keyed by
// resource ID; unscripted resources get a plain permit. Set Err or
// Hang to inject evaluator outages.
type Evaluator struct {
	mu        sync.Mutex
	decisions map[string]core.Decision
	calls     atomic.Int64

	// Err is returned from every Evaluate call when set.
	Err error
	// Hang blocks Evaluate until the context is done when true.
	Hang bool
	// PolicyVersion stamps every scripted and default decision.
	PolicyVersion string
}

func NewEvaluator() *Evaluator {
	return &Evaluator{decisions: map[string]core.Decision{}, PolicyVersion: "v1"}
}

// Script sets the decision returned for a resource ID.
func (e *Evaluator) Script(resourceID string, d core.Decision) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.decisions[resourceID] = d
}

// Calls reports how many times Evaluate ran.
func (e *Evaluator) Calls() int64 { return e.calls.Load() }

func (e *Evaluator) Evaluate(ctx context.Context, in decisionkit.Input) (core.Decision, error) {
	e.calls.Add(1)
	if e.Hang {
		<-ctx.Done()
		return core.Decision{}, ctx.Err()
	}
	if e.Err != nil {
		return core.Decision{}, e.Err
	}
	e.mu.Lock()
	d, ok := e.decisions[in.Resource.ID]
	e.mu.Unlock()
	if !ok {
		d = core.Decision{Effect: core.EffectAllow}
	}
	if d.PolicyVersion == "" {
		d.PolicyVersion = e.PolicyVersion
	}
	return d, nil
}

// AttributeSource serves static attributes per resource ID. Set Err to
// simulate an attribute-source timeout.
type AttributeSource struct {
	mu    sync.Mutex
	attrs map[string]map[string]string

	Err error
}

func NewAttributeSource() *AttributeSource {
	return &AttributeSource{attrs: map[string]map[string]string{}}
}

func (s *AttributeSource) Set(resourceID string, attrs map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attrs[resourceID] = attrs
}

func (s *AttributeSource) Attributes(_ context.Context, resource core.Resource) (map[string]string, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attrs[resource.ID], nil
}

// Exchanger is a fake STS. Each successful exchange returns a fresh
// opaque token with the configured lifetime.
type Exchanger struct {
	// TTL is the lifetime of minted tokens. Defaults to one hour.
	TTL time.Duration
	// Err fails every exchange when set.
	Err error

	calls atomic.Int64
}

// Calls reports how many exchanges ran, including failed ones.
func (x *Exchanger) Calls() int64 { return x.calls.Load() }

func (x *Exchanger) Exchange(_ context.Context, req delegkit.ExchangeRequest) (*oauth2.Token, error) {
	x.calls.Add(1)
	if x.Err != nil {
		return nil, x.Err
	}
	ttl := x.TTL
	if ttl == 0 {
		ttl = time.Hour
	}
	return &oauth2.Token{
		AccessToken: "delegated-" + req.Audience + "-" + uuid.NewString(),
		TokenType:   "Bearer",
		Expiry:      time.Now().Add(ttl),
	}, nil
}
