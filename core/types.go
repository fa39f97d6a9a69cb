// Package core defines the shared data model of the gateway decision
// pipeline: principals, session identifiers, resource descriptors, and
// policy decisions. Everything here is plain data; behavior lives in the
// component packages.
package core

import (
	"strings"
	"time"
)

// PrincipalKind distinguishes human subjects from workload identities.
type PrincipalKind string

const (
	KindHuman PrincipalKind = "human"
	KindAgent PrincipalKind = "agent"
	KindTool  PrincipalKind = "tool"
)

// Principal is the authenticated subject of a request.
type Principal struct {
	SubjectID   string        `json:"subject_id"`
	Kind        PrincipalKind `json:"kind"`
	TrustDomain string        `json:"trust_domain"`
}

// SessionID is the correlated four-identifier tuple for one interaction.
// Any subset of the four fields may be empty; two tuples correlate to the
// same session only when they are exactly equal.
type SessionID struct {
	USID string `json:"usid"` // user session
	WSID string `json:"wsid"` // workflow session
	ASID string `json:"asid"` // agent session
	MSID string `json:"msid"` // protocol/stream session
}

// Key returns the composite map key for the tuple.
func (s SessionID) Key() string {
	return s.USID + "|" + s.WSID + "|" + s.ASID + "|" + s.MSID
}

// IsZero reports whether no identifier is present.
func (s SessionID) IsZero() bool {
	return s.USID == "" && s.WSID == "" && s.ASID == "" && s.MSID == ""
}

// Resource describes the target of a request.
type Resource struct {
	// ID is the resource or tool identifier, e.g. "tool:search" or
	// "mcp://files/read".
	ID string `json:"id"`
	// Kind is a coarse resource class used for risk tiering.
	Kind string `json:"kind,omitempty"`
	// Audience is the downstream audience required to reach the resource,
	// empty when no delegated call is involved.
	Audience string `json:"audience,omitempty"`
}

// Action describes the operation on a Resource.
type Action struct {
	Name string `json:"name"`
	// Write marks the action as state-changing. Write actions never
	// qualify for fail-open treatment.
	Write bool `json:"write"`
	// HighRisk marks the action as high risk regardless of Write.
	HighRisk bool `json:"high_risk,omitempty"`
}

// ReadOnlyLowRisk reports whether the action qualifies for the read-only
// degradation row of the fail-open table.
func (a Action) ReadOnlyLowRisk() bool {
	return !a.Write && !a.HighRisk
}

// Effect is the outcome of a policy evaluation.
type Effect string

const (
	EffectAllow                Effect = "allow"
	EffectAllowWithObligations Effect = "allow_with_obligations"
	EffectDeny                 Effect = "deny"
	EffectStepUp               Effect = "step_up"
)

// Obligation is a constraint attached to an allow decision, e.g. a field
// redaction or a rate cap.
type Obligation struct {
	Type   string         `json:"type"`
	Params map[string]any `json:"params,omitempty"`
}

// ObligationReadOnly is attached when a cached decision is served under
// degradation; enforcement points must strip write capability.
const ObligationReadOnly = "read_only"

// ObligationIrreversible marks an action that cannot be undone; the stream
// controller requires explicit consent before forwarding it.
const ObligationIrreversible = "irreversible"

// Decision is the result of one policy evaluation. Immutable once produced.
type Decision struct {
	Effect        Effect       `json:"effect"`
	Obligations   []Obligation `json:"obligations,omitempty"`
	PolicyVersion string       `json:"policy_version"`
	Rationale     string       `json:"rationale,omitempty"`
	// Reason carries the taxonomy code for denies produced by the
	// pipeline itself rather than the evaluator.
	Reason Code `json:"reason,omitempty"`
	// Degraded marks decisions served through a fail-open exception.
	Degraded bool `json:"degraded,omitempty"`
}

// Allowed reports whether the decision permits the action in some form.
func (d Decision) Allowed() bool {
	return d.Effect == EffectAllow || d.Effect == EffectAllowWithObligations
}

// HasObligation reports whether an obligation of the given type is present.
func (d Decision) HasObligation(typ string) bool {
	for _, o := range d.Obligations {
		if o.Type == typ {
			return true
		}
	}
	return false
}

// Deny builds a pipeline-originated deny decision carrying a taxonomy code.
func Deny(code Code, rationale string) Decision {
	return Decision{Effect: EffectDeny, Reason: code, Rationale: rationale}
}

// TokenClaims is the parsed, immutable view of the presented access token.
type TokenClaims struct {
	Issuer    string
	Subject   string
	Audience  []string
	Expiry    time.Time
	NotBefore time.Time
	IssuedAt  time.Time
	JTI       string
	// ActorChain is the flattened act claim, outermost actor first.
	ActorChain []string
	// ConfirmationJKT is cnf.jkt, the JWK SHA-256 thumbprint the token is
	// bound to (DPoP), base64url without padding.
	ConfirmationJKT string
	// ConfirmationX5T is cnf["x5t#S256"], the bound client certificate
	// thumbprint (mTLS), base64url without padding.
	ConfirmationX5T string
	// Scope is the space-separated scope claim, split.
	Scope []string
}

// HasAudience reports whether aud contains the given audience.
func (c TokenClaims) HasAudience(aud string) bool {
	for _, a := range c.Audience {
		if a == aud {
			return true
		}
	}
	return false
}

// ScopeString joins the scope back into its wire form.
func (c TokenClaims) ScopeString() string { return strings.Join(c.Scope, " ") }

// ProofMeta is the proof-of-possession evidence attached to a validated
// credential, recorded in audit.
type ProofMeta struct {
	// Kind is "dpop", "mtls", or "" when the token was bearer-only.
	Kind string `json:"kind,omitempty"`
	JTI  string `json:"jti,omitempty"`
	HTM  string `json:"htm,omitempty"`
	HTU  string `json:"htu,omitempty"`
	ATH  string `json:"ath,omitempty"`
	// CertThumbprint is set for mTLS-bound credentials.
	CertThumbprint string `json:"cert_thumbprint,omitempty"`
}
