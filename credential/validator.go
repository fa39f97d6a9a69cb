// Package credkit validates the credential bundle presented with a
// request: bearer access token signature and claims, plus the
// proof-of-possession binding (DPoP proof or mTLS certificate thumbprint).
// Every failure here is request-fatal and produces a deny without touching
// the policy evaluator.
package credkit

import (
	"net/url"
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/sirupsen/logrus"

	"github.com/open-rails/gatekit/core"
	jwkskit "github.com/open-rails/gatekit/jwks"
	metricskit "github.com/open-rails/gatekit/metrics"
)

// Bundle is the raw credential material for one request, immutable once
// parsed. Lifetime is a single request.
type Bundle struct {
	// AccessToken is the compact bearer JWT.
	AccessToken string
	// DPoPProof is the raw DPoP proof JWT from the DPoP header, if any.
	DPoPProof string
	// ClientCertThumbprint is the base64url SHA-256 thumbprint of the
	// client certificate for mTLS-bound tokens, if any.
	ClientCertThumbprint string
	// Method and URL describe the inbound request for htm/htu matching.
	Method string
	URL    string
}

// ValidatedCredential is the output of a successful validation.
type ValidatedCredential struct {
	Principal core.Principal
	Claims    core.TokenClaims
	Proof     core.ProofMeta
}

// Validator checks credential bundles against cached issuer keys.
type Validator struct {
	jwks        *jwkskit.Cache
	audience    string
	clockSkew   time.Duration
	proofMaxAge time.Duration
	log         *logrus.Logger
	metrics     *metricskit.Registry
}

// Algorithms accepted for access tokens and DPoP proofs. The header alg is
// checked against this list before any key is used; "none" and symmetric
// algorithms are rejected outright.
var allowedAlgs = map[jwa.SignatureAlgorithm]bool{
	jwa.RS256: true,
	jwa.ES256: true,
	jwa.EdDSA: true,
}

// Option configures a Validator.
type Option func(*Validator)

// WithClockSkew sets the tolerated clock skew for exp/nbf/iat checks.
func WithClockSkew(d time.Duration) Option {
	return func(v *Validator) { v.clockSkew = d }
}

// WithProofMaxAge sets the maximum accepted age of a DPoP proof.
func WithProofMaxAge(d time.Duration) Option {
	return func(v *Validator) { v.proofMaxAge = d }
}

// WithLogger sets the structured logger.
func WithLogger(log *logrus.Logger) Option {
	return func(v *Validator) { v.log = log }
}

// WithMetrics sets the metrics registry.
func WithMetrics(m *metricskit.Registry) Option {
	return func(v *Validator) { v.metrics = m }
}

// NewValidator builds a validator that accepts tokens addressed to the
// given audience, verifying signatures against the JWKS cache.
func NewValidator(jwks *jwkskit.Cache, audience string, opts ...Option) *Validator {
	v := &Validator{
		jwks:        jwks,
		audience:    audience,
		clockSkew:   30 * time.Second,
		proofMaxAge: 60 * time.Second,
		log:         logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Validate verifies the bundle and returns the validated credential, or a
// *core.DenyError with one of the credential taxonomy codes. It performs
// no network I/O: a kid miss schedules a background JWKS refresh and fails
// closed for this request only.
func (v *Validator) Validate(bundle Bundle) (*ValidatedCredential, error) {
	start := time.Now()
	defer func() { v.metrics.ObserveLatency("credential_validate", time.Since(start)) }()

	raw := []byte(bundle.AccessToken)
	if len(raw) == 0 {
		return nil, core.Denyf(core.CodeSignatureInvalid, "missing access token")
	}

	// Unverified parse to learn the issuer; nothing from this pass is
	// trusted until the signature check below.
	unverified, err := jwt.Parse(raw, jwt.WithVerify(false), jwt.WithValidate(false))
	if err != nil {
		return nil, core.DenyWrap(core.CodeSignatureInvalid, err)
	}
	issuer := unverified.Issuer()
	if issuer == "" {
		return nil, core.Denyf(core.CodeSignatureInvalid, "token missing iss")
	}

	set, stale, ok := v.jwks.Keys(issuer)
	if !ok {
		// No cached key material at all for this issuer: fail closed for
		// this request while a refresh runs in the background.
		v.jwks.RefreshSoon(issuer)
		return nil, core.Denyf(core.CodeSignatureInvalid, "no cached keys for issuer %s", issuer)
	}
	if stale {
		v.jwks.RefreshSoon(issuer)
	}

	msg, err := jws.Parse(raw)
	if err != nil || len(msg.Signatures()) == 0 {
		return nil, core.Denyf(core.CodeSignatureInvalid, "malformed JWS")
	}
	hdr := msg.Signatures()[0].ProtectedHeaders()
	alg := hdr.Algorithm()
	if !allowedAlgs[alg] {
		return nil, core.Denyf(core.CodeSignatureInvalid, "alg %q not accepted", alg)
	}
	key, found := set.LookupKeyID(hdr.KeyID())
	if !found {
		v.jwks.RefreshSoon(issuer)
		return nil, core.Denyf(core.CodeSignatureInvalid, "unknown kid %q for issuer %s", hdr.KeyID(), issuer)
	}

	tok, err := jwt.Parse(raw, jwt.WithKey(alg, key), jwt.WithValidate(false))
	if err != nil {
		return nil, core.DenyWrap(core.CodeSignatureInvalid, err)
	}

	claims, derr := v.checkClaims(tok)
	if derr != nil {
		return nil, derr
	}

	proof, derr := v.checkProof(bundle, claims)
	if derr != nil {
		return nil, derr
	}

	return &ValidatedCredential{
		Principal: principalOf(tok, claims),
		Claims:    claims,
		Proof:     proof,
	}, nil
}

func (v *Validator) checkClaims(tok jwt.Token) (core.TokenClaims, *core.DenyError) {
	now := time.Now()
	claims := core.TokenClaims{
		Issuer:    tok.Issuer(),
		Subject:   tok.Subject(),
		Audience:  tok.Audience(),
		Expiry:    tok.Expiration(),
		NotBefore: tok.NotBefore(),
		IssuedAt:  tok.IssuedAt(),
		JTI:       tok.JwtID(),
	}

	if claims.Expiry.IsZero() {
		return claims, core.Denyf(core.CodeExpired, "token missing exp")
	}
	if now.After(claims.Expiry.Add(v.clockSkew)) {
		return claims, core.Denyf(core.CodeExpired, "token expired at %s", claims.Expiry.Format(time.RFC3339))
	}
	if !claims.NotBefore.IsZero() && claims.NotBefore.After(now.Add(v.clockSkew)) {
		return claims, core.Denyf(core.CodeClockSkew, "token not valid before %s", claims.NotBefore.Format(time.RFC3339))
	}
	if v.audience != "" && !claims.HasAudience(v.audience) {
		return claims, core.Denyf(core.CodeAudienceMismatch, "token not addressed to %s", v.audience)
	}

	if raw, ok := tok.Get("act"); ok {
		claims.ActorChain = flattenActorChain(raw)
	}
	if raw, ok := tok.Get("cnf"); ok {
		if cnf, ok := raw.(map[string]any); ok {
			if jkt, ok := cnf["jkt"].(string); ok {
				claims.ConfirmationJKT = jkt
			}
			if x5t, ok := cnf["x5t#S256"].(string); ok {
				claims.ConfirmationX5T = x5t
			}
		}
	}
	if raw, ok := tok.Get("scope"); ok {
		if s, ok := raw.(string); ok && s != "" {
			claims.Scope = strings.Fields(s)
		}
	}
	return claims, nil
}

// checkProof dispatches on the token's cnf binding. A bound token with no
// matching proof evidence is a ProofMismatch; an unbound token with a
// DPoP header still gets its proof verified so the replay guard sees the
// proof jti.
func (v *Validator) checkProof(bundle Bundle, claims core.TokenClaims) (core.ProofMeta, *core.DenyError) {
	switch {
	case claims.ConfirmationJKT != "":
		if bundle.DPoPProof == "" {
			return core.ProofMeta{}, core.Denyf(core.CodeProofMismatch, "token is DPoP-bound but no proof presented")
		}
		return v.verifyDPoP(bundle, claims.ConfirmationJKT)
	case claims.ConfirmationX5T != "":
		if bundle.ClientCertThumbprint == "" {
			return core.ProofMeta{}, core.Denyf(core.CodeProofMismatch, "token is mTLS-bound but no client certificate presented")
		}
		if bundle.ClientCertThumbprint != claims.ConfirmationX5T {
			return core.ProofMeta{}, core.Denyf(core.CodeProofMismatch, "certificate thumbprint does not match cnf")
		}
		return core.ProofMeta{Kind: "mtls", CertThumbprint: bundle.ClientCertThumbprint}, nil
	case bundle.DPoPProof != "":
		return v.verifyDPoP(bundle, "")
	default:
		return core.ProofMeta{}, nil
	}
}

func principalOf(tok jwt.Token, claims core.TokenClaims) core.Principal {
	p := core.Principal{
		SubjectID:   claims.Subject,
		Kind:        core.KindHuman,
		TrustDomain: claims.Issuer,
	}
	if len(claims.ActorChain) > 0 {
		p.Kind = core.KindAgent
	}
	if raw, ok := tok.Get("principal_kind"); ok {
		if s, ok := raw.(string); ok {
			switch core.PrincipalKind(s) {
			case core.KindHuman, core.KindAgent, core.KindTool:
				p.Kind = core.PrincipalKind(s)
			}
		}
	}
	if raw, ok := tok.Get("trust_domain"); ok {
		if s, ok := raw.(string); ok && s != "" {
			p.TrustDomain = s
		}
	}
	return p
}

// flattenActorChain walks the nested act claim outermost-first.
func flattenActorChain(raw any) []string {
	var chain []string
	for {
		m, ok := raw.(map[string]any)
		if !ok {
			return chain
		}
		if sub, ok := m["sub"].(string); ok && sub != "" {
			chain = append(chain, sub)
		}
		next, ok := m["act"]
		if !ok {
			return chain
		}
		raw = next
	}
}

// normalizeURI canonicalizes a URI for htu comparison: lowercased scheme
// and host, default ports dropped, query and fragment stripped.
func normalizeURI(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	u.Scheme = strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Host)
	switch {
	case u.Scheme == "https" && strings.HasSuffix(host, ":443"):
		host = strings.TrimSuffix(host, ":443")
	case u.Scheme == "http" && strings.HasSuffix(host, ":80"):
		host = strings.TrimSuffix(host, ":80")
	}
	u.Host = host
	u.RawQuery = ""
	u.Fragment = ""
	return u.String(), nil
}
