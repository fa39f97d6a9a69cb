// Package gatetest provides test doubles for exercising the decision
// pipeline without a real identity provider, policy evaluator, or STS.
//
// Example usage:
//
//	issuer := gatetest.NewIssuer()
//	defer issuer.Close()
//
//	cache := jwkskit.NewCache(issuer.Fetcher())
//	token := issuer.MintToken("user-1", gatetest.WithAudience("gateway"))
package gatetest

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jws"

	jwkskit "github.com/open-rails/gatekit/jwks"
	jwtkit "github.com/open-rails/gatekit/jwt"
)

// Issuer is a mock token issuer. It runs an HTTP server that serves
// JWKS at /.well-known/jwks.json and mints access tokens that verify
// against those keys.
type Issuer struct {
	server   *httptest.Server
	signer   *jwtkit.RSASigner
	audience string
}

// NewIssuer creates a mock issuer with a fresh RSA key pair.
// Call Close when done to shut down the test server.
func NewIssuer() *Issuer {
	signer, err := jwtkit.NewRSASigner(2048, "test-key-1")
	if err != nil {
		panic("generate RSA signer: " + err.Error())
	}
	iss := &Issuer{signer: signer, audience: "gateway"}

	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/jwks.json", iss.handleJWKS)
	iss.server = httptest.NewServer(mux)
	return iss
}

// URL returns the issuer identifier, which doubles as the base URL of
// the JWKS server.
func (i *Issuer) URL() string { return i.server.URL }

// Close shuts down the JWKS server.
func (i *Issuer) Close() { i.server.Close() }

// Fetcher returns a JWKS fetcher wired to this issuer, suitable for
// seeding a jwkskit.Cache.
func (i *Issuer) Fetcher() *jwkskit.HTTPFetcher {
	return &jwkskit.HTTPFetcher{URLs: map[string]string{
		i.URL(): i.URL() + "/.well-known/jwks.json",
	}}
}

func (i *Issuer) handleJWKS(w http.ResponseWriter, r *http.Request) {
	k := jwtkit.RSAPublicToJWK(i.signer.PublicKey(), i.signer.KID(), i.signer.Algorithm())
	jwtkit.ServeJWKS(w, r, jwtkit.JWKS{Keys: []jwtkit.JWK{k}})
}

// TokenOpt customizes a minted token.
type TokenOpt func(gojwt.MapClaims)

// WithAudience overrides the aud claim.
func WithAudience(aud string) TokenOpt {
	return func(c gojwt.MapClaims) { c["aud"] = aud }
}

// WithExpiry overrides the exp claim.
func WithExpiry(t time.Time) TokenOpt {
	return func(c gojwt.MapClaims) { c["exp"] = t.Unix() }
}

// WithNotBefore sets the nbf claim.
func WithNotBefore(t time.Time) TokenOpt {
	return func(c gojwt.MapClaims) { c["nbf"] = t.Unix() }
}

// WithScope sets the scope claim.
func WithScope(scope string) TokenOpt {
	return func(c gojwt.MapClaims) { c["scope"] = scope }
}

// WithActorChain nests the given actors into an RFC 8693 act claim,
// outermost actor first.
func WithActorChain(actors ...string) TokenOpt {
	return func(c gojwt.MapClaims) {
		var act map[string]any
		for i := len(actors) - 1; i >= 0; i-- {
			inner := map[string]any{"sub": actors[i]}
			if act != nil {
				inner["act"] = act
			}
			act = inner
		}
		if act != nil {
			c["act"] = act
		}
	}
}

// WithJKTBinding sets cnf.jkt so the token requires a DPoP proof from
// the matching key.
func WithJKTBinding(jkt string) TokenOpt {
	return func(c gojwt.MapClaims) { c["cnf"] = map[string]any{"jkt": jkt} }
}

// WithCertBinding sets cnf["x5t#S256"] for mTLS-bound tokens.
func WithCertBinding(thumbprint string) TokenOpt {
	return func(c gojwt.MapClaims) { c["cnf"] = map[string]any{"x5t#S256": thumbprint} }
}

// WithClaim sets an arbitrary claim.
func WithClaim(name string, value any) TokenOpt {
	return func(c gojwt.MapClaims) { c[name] = value }
}

// MintToken signs an access token for the given subject. Defaults: aud
// "gateway", one hour lifetime, random jti.
func (i *Issuer) MintToken(subject string, opts ...TokenOpt) string {
	now := time.Now()
	claims := gojwt.MapClaims{
		"iss": i.URL(),
		"sub": subject,
		"aud": i.audience,
		"exp": now.Add(time.Hour).Unix(),
		"iat": now.Unix(),
		"jti": uuid.NewString(),
	}
	for _, o := range opts {
		o(claims)
	}
	token, err := i.signer.Sign(context.Background(), claims)
	if err != nil {
		panic("sign token: " + err.Error())
	}
	return token
}

// ProofKey is an ECDSA key pair for building DPoP proofs.
type ProofKey struct {
	key jwk.Key
	pub jwk.Key
}

// NewProofKey generates a P-256 key pair.
func NewProofKey() *ProofKey {
	raw, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		panic("generate proof key: " + err.Error())
	}
	key, err := jwk.FromRaw(raw)
	if err != nil {
		panic("wrap proof key: " + err.Error())
	}
	pub, err := key.PublicKey()
	if err != nil {
		panic("derive public proof key: " + err.Error())
	}
	return &ProofKey{key: key, pub: pub}
}

// JKT returns the base64url SHA-256 thumbprint of the public key, the
// value an issuer would place in cnf.jkt.
func (p *ProofKey) JKT() string {
	tp, err := p.pub.Thumbprint(crypto.SHA256)
	if err != nil {
		panic("thumbprint: " + err.Error())
	}
	return base64.RawURLEncoding.EncodeToString(tp)
}

// ProofOpt customizes a DPoP proof.
type ProofOpt func(map[string]any)

// ProofIssuedAt overrides the proof iat.
func ProofIssuedAt(t time.Time) ProofOpt {
	return func(c map[string]any) { c["iat"] = t.Unix() }
}

// ProofJTI overrides the proof jti.
func ProofJTI(jti string) ProofOpt {
	return func(c map[string]any) { c["jti"] = jti }
}

// ProofClaim sets an arbitrary proof claim.
func ProofClaim(name string, value any) ProofOpt {
	return func(c map[string]any) { c[name] = value }
}

// Proof builds a DPoP proof for the given request, bound to the access
// token via ath.
func (p *ProofKey) Proof(method, url, accessToken string, opts ...ProofOpt) string {
	sum := sha256.Sum256([]byte(accessToken))
	claims := map[string]any{
		"jti": uuid.NewString(),
		"htm": method,
		"htu": url,
		"iat": time.Now().Unix(),
		"ath": base64.RawURLEncoding.EncodeToString(sum[:]),
	}
	for _, o := range opts {
		o(claims)
	}
	payload, err := json.Marshal(claims)
	if err != nil {
		panic("marshal proof: " + err.Error())
	}

	hdrs := jws.NewHeaders()
	_ = hdrs.Set("typ", "dpop+jwt")
	_ = hdrs.Set("jwk", p.pub)
	signed, err := jws.Sign(payload, jws.WithKey(jwa.ES256, p.key, jws.WithProtectedHeaders(hdrs)))
	if err != nil {
		panic("sign proof: " + err.Error())
	}
	return string(signed)
}
