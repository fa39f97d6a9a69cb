package core

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSessionIDKey(t *testing.T) {
	a := SessionID{USID: "u", WSID: "w", ASID: "a", MSID: "m"}
	b := SessionID{USID: "u", WSID: "w", ASID: "a", MSID: "m"}
	require.Equal(t, a.Key(), b.Key())

	// Partial tuples never collide with fuller ones.
	c := SessionID{USID: "u"}
	require.NotEqual(t, a.Key(), c.Key())

	require.True(t, SessionID{}.IsZero())
	require.False(t, c.IsZero())
}

func TestActionReadOnlyLowRisk(t *testing.T) {
	require.True(t, Action{Name: "tools/list"}.ReadOnlyLowRisk())
	require.False(t, Action{Name: "files/write", Write: true}.ReadOnlyLowRisk())
	require.False(t, Action{Name: "export", HighRisk: true}.ReadOnlyLowRisk())
}

func TestDecisionAllowed(t *testing.T) {
	require.True(t, Decision{Effect: EffectAllow}.Allowed())
	require.True(t, Decision{Effect: EffectAllowWithObligations}.Allowed())
	require.False(t, Decision{Effect: EffectDeny}.Allowed())
	require.False(t, Decision{Effect: EffectStepUp}.Allowed())
}

func TestDecisionHasObligation(t *testing.T) {
	d := Decision{
		Effect:      EffectAllowWithObligations,
		Obligations: []Obligation{{Type: ObligationReadOnly}},
	}
	require.True(t, d.HasObligation(ObligationReadOnly))
	require.False(t, d.HasObligation(ObligationIrreversible))
}

func TestTokenClaimsHasAudience(t *testing.T) {
	c := TokenClaims{Audience: []string{"gateway", "mcp"}}
	require.True(t, c.HasAudience("gateway"))
	require.False(t, c.HasAudience("other"))
}
