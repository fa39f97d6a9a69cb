package credkit

import (
	"crypto"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"time"

	"github.com/lestrrat-go/jwx/v2/jws"

	"github.com/open-rails/gatekit/core"
)

// maxProofSize caps the accepted DPoP proof size. Oversized proofs are
// rejected before any parsing.
const maxProofSize = 8 * 1024

const maxJTILength = 1024

// proofClaims is the payload of a DPoP proof JWT.
type proofClaims struct {
	JTI string `json:"jti"`
	HTM string `json:"htm"`
	HTU string `json:"htu"`
	IAT int64  `json:"iat"`
	ATH string `json:"ath"`
}

// verifyDPoP checks a DPoP proof against the inbound request and, when
// expectedJKT is non-empty, against the access token's cnf.jkt binding.
// The proof signature is verified with the key embedded in the proof
// header; the header alg must be on the allowlist and is never used to
// select anything other than that same embedded key.
func (v *Validator) verifyDPoP(bundle Bundle, expectedJKT string) (core.ProofMeta, *core.DenyError) {
	proof := bundle.DPoPProof
	if len(proof) > maxProofSize {
		return core.ProofMeta{}, core.Denyf(core.CodeProofMismatch, "proof exceeds %d bytes", maxProofSize)
	}

	msg, err := jws.Parse([]byte(proof))
	if err != nil || len(msg.Signatures()) == 0 {
		return core.ProofMeta{}, core.Denyf(core.CodeProofMismatch, "malformed proof")
	}
	hdr := msg.Signatures()[0].ProtectedHeaders()

	if hdr.Type() != "dpop+jwt" {
		return core.ProofMeta{}, core.Denyf(core.CodeProofMismatch, "proof typ must be dpop+jwt")
	}
	alg := hdr.Algorithm()
	if !allowedAlgs[alg] {
		return core.ProofMeta{}, core.Denyf(core.CodeProofMismatch, "proof alg %q not accepted", alg)
	}
	key := hdr.JWK()
	if key == nil {
		return core.ProofMeta{}, core.Denyf(core.CodeProofMismatch, "proof missing embedded jwk")
	}

	payload, err := jws.Verify([]byte(proof), jws.WithKey(alg, key))
	if err != nil {
		return core.ProofMeta{}, core.Denyf(core.CodeProofMismatch, "proof signature invalid")
	}

	var claims proofClaims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return core.ProofMeta{}, core.Denyf(core.CodeProofMismatch, "proof payload is not valid JSON")
	}
	if claims.JTI == "" || len(claims.JTI) > maxJTILength {
		return core.ProofMeta{}, core.Denyf(core.CodeProofMismatch, "proof jti missing or oversized")
	}

	if claims.HTM != bundle.Method {
		return core.ProofMeta{}, core.Denyf(core.CodeProofMismatch, "proof htm %q does not match request method %q", claims.HTM, bundle.Method)
	}
	proofURI, err := normalizeURI(claims.HTU)
	if err != nil {
		return core.ProofMeta{}, core.Denyf(core.CodeProofMismatch, "proof htu is not a valid URI")
	}
	requestURI, err := normalizeURI(bundle.URL)
	if err != nil {
		return core.ProofMeta{}, core.Denyf(core.CodeProofMismatch, "request URI is not valid")
	}
	if proofURI != requestURI {
		return core.ProofMeta{}, core.Denyf(core.CodeProofMismatch, "proof htu %q does not match request %q", proofURI, requestURI)
	}

	now := time.Now().Unix()
	if claims.IAT <= 0 {
		return core.ProofMeta{}, core.Denyf(core.CodeClockSkew, "proof iat missing")
	}
	if now-claims.IAT > int64(v.proofMaxAge.Seconds()) {
		return core.ProofMeta{}, core.Denyf(core.CodeClockSkew, "proof is %ds old, max %s", now-claims.IAT, v.proofMaxAge)
	}
	if claims.IAT > now+int64(v.clockSkew.Seconds()) {
		return core.ProofMeta{}, core.Denyf(core.CodeClockSkew, "proof iat is %ds in the future", claims.IAT-now)
	}

	wantATH := accessTokenHash(bundle.AccessToken)
	if claims.ATH != wantATH {
		return core.ProofMeta{}, core.Denyf(core.CodeProofMismatch, "proof ath does not match access token")
	}

	if expectedJKT != "" {
		tp, err := key.Thumbprint(crypto.SHA256)
		if err != nil {
			return core.ProofMeta{}, core.Denyf(core.CodeProofMismatch, "proof key thumbprint: %v", err)
		}
		if base64.RawURLEncoding.EncodeToString(tp) != expectedJKT {
			return core.ProofMeta{}, core.Denyf(core.CodeProofMismatch, "proof key does not match cnf.jkt")
		}
	}

	return core.ProofMeta{
		Kind: "dpop",
		JTI:  claims.JTI,
		HTM:  claims.HTM,
		HTU:  claims.HTU,
		ATH:  claims.ATH,
	}, nil
}

// accessTokenHash computes the ath value: base64url(SHA-256(token)).
func accessTokenHash(token string) string {
	sum := sha256.Sum256([]byte(token))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
