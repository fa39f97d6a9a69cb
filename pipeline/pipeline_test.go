package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	auditkit "github.com/open-rails/gatekit/audit"
	"github.com/open-rails/gatekit/core"
	credkit "github.com/open-rails/gatekit/credential"
	decisionkit "github.com/open-rails/gatekit/decision"
	degradekit "github.com/open-rails/gatekit/degrade"
	delegkit "github.com/open-rails/gatekit/delegation"
	"github.com/open-rails/gatekit/gatetest"
	jwkskit "github.com/open-rails/gatekit/jwks"
	replaykit "github.com/open-rails/gatekit/replay"
	sessionkit "github.com/open-rails/gatekit/session"
)

type testRig struct {
	pipeline  *Pipeline
	issuer    *gatetest.Issuer
	evaluator *gatetest.Evaluator
	exchanger *gatetest.Exchanger
	sink      *auditkit.MemorySink
	recorder  *auditkit.Recorder
	guard     *replaykit.Guard
	degrade   *degradekit.Controller
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()

	issuer := gatetest.NewIssuer()
	t.Cleanup(issuer.Close)

	cache := jwkskit.NewCache(issuer.Fetcher())
	require.NoError(t, cache.Refresh(context.Background(), issuer.URL()))

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	evaluator := gatetest.NewEvaluator()
	exchanger := &gatetest.Exchanger{TTL: time.Hour}
	degrade := degradekit.NewController(degradekit.WithCooldown(time.Hour), degradekit.WithLogger(log))
	guard := replaykit.NewGuard(nil, replaykit.WithGuardLogger(log))
	t.Cleanup(func() { guard.Close() })
	sink := auditkit.NewMemorySink()
	recorder := auditkit.NewRecorder(sink, 64, log, nil)

	p := New(
		credkit.NewValidator(cache, "gateway", credkit.WithLogger(log)),
		guard,
		sessionkit.NewGraph(sessionkit.WithGraphLogger(log)),
		decisionkit.NewOrchestrator(evaluator, decisionkit.NewPermitCache(time.Minute, nil), degrade,
			decisionkit.WithOrchestratorLogger(log)),
		delegkit.NewCache(exchanger, degrade, delegkit.WithCacheLogger(log)),
		recorder,
		WithLogger(log),
	)
	return &testRig{
		pipeline:  p,
		issuer:    issuer,
		evaluator: evaluator,
		exchanger: exchanger,
		sink:      sink,
		recorder:  recorder,
		degrade:   degrade,
		guard:     guard,
	}
}

func (r *testRig) boundRequest(t *testing.T, tool string) (Request, *gatetest.ProofKey) {
	t.Helper()
	key := gatetest.NewProofKey()
	token := r.issuer.MintToken("user-1",
		gatetest.WithJKTBinding(key.JKT()),
		gatetest.WithActorChain("agent-1"),
		gatetest.WithScope("tools:call"))
	req := Request{
		Bundle: credkit.Bundle{
			AccessToken: token,
			DPoPProof:   key.Proof("POST", "https://gw.example/mcp", token),
			Method:      "POST",
			URL:         "https://gw.example/mcp",
		},
		Session:  core.SessionID{USID: "u1", ASID: "a1", MSID: "m1"},
		Resource: core.Resource{ID: tool, Kind: "tool"},
		Action:   core.Action{Name: "tools/call"},
	}
	return req, key
}

func (r *testRig) drainAudit(t *testing.T) []auditkit.Record {
	t.Helper()
	require.NoError(t, r.recorder.Close())
	return r.sink.Records()
}

func TestPipelinePermitEndToEnd(t *testing.T) {
	rig := newTestRig(t)
	req, _ := rig.boundRequest(t, "tool:search")

	resp := rig.pipeline.Decide(context.Background(), req)

	require.True(t, resp.Decision.Allowed())
	require.NotNil(t, resp.Credential)
	require.Equal(t, "user-1", resp.Credential.Claims.Subject)
	require.Equal(t, []string{"agent-1"}, resp.Credential.Claims.ActorChain)
	require.NotEmpty(t, resp.Fingerprint)
	require.NotEmpty(t, resp.Session.RecordID)
	require.Equal(t, int64(1), rig.evaluator.Calls())

	recs := rig.drainAudit(t)
	require.Len(t, recs, 1)
	require.Equal(t, core.EffectAllow, recs[0].Effect)
	require.Equal(t, "user-1", recs[0].Subject)
	require.Equal(t, "tool:search", recs[0].Resource)
	require.Equal(t, "dpop", recs[0].Proof.Kind)
	require.NotEmpty(t, recs[0].ID)
}

func TestPipelineReplayedProofDenies(t *testing.T) {
	rig := newTestRig(t)
	req, _ := rig.boundRequest(t, "tool:search")
	ctx := context.Background()

	require.True(t, rig.pipeline.Decide(ctx, req).Decision.Allowed())

	// Same bundle, same proof jti: the replay guard blocks it before the
	// evaluator runs again.
	resp := rig.pipeline.Decide(ctx, req)
	require.Equal(t, core.EffectDeny, resp.Decision.Effect)
	require.Equal(t, core.CodeReplayDetected, resp.Decision.Reason)
	require.Equal(t, int64(1), rig.evaluator.Calls())

	recs := rig.drainAudit(t)
	require.Len(t, recs, 2)
	require.True(t, recs[1].Replay)
}

func TestPipelineFreshProofPerFramePasses(t *testing.T) {
	rig := newTestRig(t)
	req, key := rig.boundRequest(t, "tool:search")
	ctx := context.Background()

	require.True(t, rig.pipeline.Decide(ctx, req).Decision.Allowed())

	req.Bundle.DPoPProof = key.Proof("POST", "https://gw.example/mcp", req.Bundle.AccessToken)
	require.True(t, rig.pipeline.Decide(ctx, req).Decision.Allowed())
}

func TestPipelineInvalidCredentialSkipsEvaluator(t *testing.T) {
	rig := newTestRig(t)
	req, _ := rig.boundRequest(t, "tool:search")
	req.Bundle.DPoPProof = ""

	resp := rig.pipeline.Decide(context.Background(), req)
	require.Equal(t, core.EffectDeny, resp.Decision.Effect)
	require.Equal(t, core.CodeProofMismatch, resp.Decision.Reason)
	require.Equal(t, int64(0), rig.evaluator.Calls())

	recs := rig.drainAudit(t)
	require.Len(t, recs, 1)
	require.Equal(t, core.CodeProofMismatch, recs[0].Reason)
	require.Empty(t, recs[0].Subject, "credential failures carry no validated subject")
}

func TestPipelineDelegatedResource(t *testing.T) {
	rig := newTestRig(t)
	req, _ := rig.boundRequest(t, "tool:billing")
	req.Resource.Audience = "billing"

	resp := rig.pipeline.Decide(context.Background(), req)
	require.True(t, resp.Decision.Allowed())
	require.NotNil(t, resp.DownstreamToken)
	require.Contains(t, resp.DownstreamToken.AccessToken, "billing")
	require.Equal(t, int64(1), rig.exchanger.Calls())
}

func TestPipelineDelegationUnavailableDenies(t *testing.T) {
	rig := newTestRig(t)
	rig.exchanger.Err = errors.New("sts down")
	req, _ := rig.boundRequest(t, "tool:billing")
	req.Resource.Audience = "billing"

	resp := rig.pipeline.Decide(context.Background(), req)
	require.Equal(t, core.EffectDeny, resp.Decision.Effect)
	require.Equal(t, core.CodeDelegationUnavailable, resp.Decision.Reason)
	require.Equal(t, int64(0), rig.evaluator.Calls(), "no decision without a downstream token")
}

func TestPipelineEvaluatorOutageServesCachedPermit(t *testing.T) {
	rig := newTestRig(t)
	req, key := rig.boundRequest(t, "tool:search")
	ctx := context.Background()

	require.True(t, rig.pipeline.Decide(ctx, req).Decision.Allowed())

	rig.evaluator.Err = errors.New("evaluator unreachable")
	req.Bundle.DPoPProof = key.Proof("POST", "https://gw.example/mcp", req.Bundle.AccessToken)

	resp := rig.pipeline.Decide(ctx, req)
	require.Equal(t, core.EffectAllowWithObligations, resp.Decision.Effect)
	require.True(t, resp.Decision.Degraded)
	require.True(t, resp.Decision.HasObligation(core.ObligationReadOnly))

	recs := rig.drainAudit(t)
	require.True(t, recs[len(recs)-1].Degraded)
}

func TestPipelineDeniedEvaluation(t *testing.T) {
	rig := newTestRig(t)
	rig.evaluator.Script("tool:forbidden", core.Decision{
		Effect:    core.EffectDeny,
		Rationale: "not on the allow list",
	})
	req, _ := rig.boundRequest(t, "tool:forbidden")

	resp := rig.pipeline.Decide(context.Background(), req)
	require.Equal(t, core.EffectDeny, resp.Decision.Effect)
	require.Equal(t, "not on the allow list", resp.Decision.Rationale)
}

func TestPipelineSessionAccumulatesAcrossRequests(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	reqA, _ := rig.boundRequest(t, "tool:search")
	respA := rig.pipeline.Decide(ctx, reqA)

	reqB, _ := rig.boundRequest(t, "tool:files")
	respB := rig.pipeline.Decide(ctx, reqB)

	require.Equal(t, respA.Session.RecordID, respB.Session.RecordID, "same tuple, same session record")
	require.Equal(t, 2, respB.Session.DistinctResources)
}

func TestPipelineBearerOnlyTokenSkipsReplayGuard(t *testing.T) {
	rig := newTestRig(t)
	token := rig.issuer.MintToken("user-2")
	req := Request{
		Bundle:   credkit.Bundle{AccessToken: token, Method: "POST", URL: "https://gw.example/mcp"},
		Session:  core.SessionID{USID: "u2"},
		Resource: core.Resource{ID: "tool:search"},
		Action:   core.Action{Name: "tools/call"},
	}
	ctx := context.Background()

	// Unbound bearer tokens carry no proof jti; repeat requests are not
	// replays.
	require.True(t, rig.pipeline.Decide(ctx, req).Decision.Allowed())
	require.True(t, rig.pipeline.Decide(ctx, req).Decision.Allowed())
}
