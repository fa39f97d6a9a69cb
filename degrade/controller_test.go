package degradekit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/open-rails/gatekit/core"
)

var (
	readAction  = core.Action{Name: "tools/list"}
	writeAction = core.Action{Name: "files/write", Write: true}
	riskyAction = core.Action{Name: "payments/send", Write: true, HighRisk: true}
)

func TestHealthTracking(t *testing.T) {
	c := NewController(WithCooldown(20 * time.Millisecond))

	require.False(t, c.Unhealthy(DepEvaluator))
	c.ReportFailure(DepEvaluator)
	require.True(t, c.Unhealthy(DepEvaluator))

	c.ReportSuccess(DepEvaluator)
	require.False(t, c.Unhealthy(DepEvaluator))

	// Cooldown lapses without an explicit success.
	c.ReportFailure(DepEvaluator)
	time.Sleep(30 * time.Millisecond)
	require.False(t, c.Unhealthy(DepEvaluator))
}

func TestEvaluatorDownReadOnlyCachedFresh(t *testing.T) {
	c := NewController()

	serve := c.EvaluatorDown(readAction, "fp-1", time.Now().Add(-10*time.Second), true)
	require.True(t, serve, "read-only with a fresh cached permit serves from cache")
}

func TestEvaluatorDownWriteDenies(t *testing.T) {
	c := NewController()

	serve := c.EvaluatorDown(writeAction, "fp-2", time.Now(), true)
	require.False(t, serve, "writes never fail open")

	serve = c.EvaluatorDown(riskyAction, "fp-3", time.Now(), true)
	require.False(t, serve)
}

func TestEvaluatorDownStalePermitDenies(t *testing.T) {
	c := NewController(WithPermitStaleness(30 * time.Second))

	serve := c.EvaluatorDown(readAction, "fp-4", time.Now().Add(-time.Minute), true)
	require.False(t, serve, "permits past the staleness bound do not serve")
}

func TestEvaluatorDownNoCacheDenies(t *testing.T) {
	c := NewController()

	serve := c.EvaluatorDown(readAction, "fp-5", time.Time{}, false)
	require.False(t, serve)
}

func TestAttributeTimeoutStepUp(t *testing.T) {
	c := NewController()

	require.False(t, c.AttributeTimeout("pip:tool:search", readAction))
	require.True(t, c.AttributeTimeout("pip:tool:search", writeAction))
	require.True(t, c.AttributeTimeout("pip:tool:search", riskyAction))
}

func TestExchangeDown(t *testing.T) {
	c := NewController()

	require.True(t, c.ExchangeDown("billing", time.Now().Add(time.Minute), true))
	require.False(t, c.ExchangeDown("billing", time.Now().Add(-time.Second), true), "expired cached token blocks")
	require.False(t, c.ExchangeDown("billing", time.Time{}, false))
}
