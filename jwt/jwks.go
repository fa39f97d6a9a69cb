package jwtkit

import (
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
)

// JWK carries the public members a verifier needs for the key types the
// gateway accepts: RSA access-token keys and P-256 DPoP proof keys.
type JWK struct {
	Kty string `json:"kty"`
	Use string `json:"use,omitempty"`
	Kid string `json:"kid,omitempty"`
	Alg string `json:"alg,omitempty"`

	// RSA members.
	N string `json:"n,omitempty"`
	E string `json:"e,omitempty"`

	// EC members.
	Crv string `json:"crv,omitempty"`
	X   string `json:"x,omitempty"`
	Y   string `json:"y,omitempty"`
}

// JWKS is the key set served at the issuer's well-known endpoint.
type JWKS struct {
	Keys []JWK `json:"keys"`
}

// RSAPublicToJWK converts an RSA public key for the published set.
func RSAPublicToJWK(pub *rsa.PublicKey, kid, alg string) JWK {
	return JWK{
		Kty: "RSA",
		Use: "sig",
		Kid: kid,
		Alg: alg,
		N:   encodeBigInt(pub.N),
		E:   encodeBigInt(big.NewInt(int64(pub.E))),
	}
}

// ECPublicToJWK converts an EC public key. Coordinates are zero-padded
// to the curve byte size as RFC 7518 requires.
func ECPublicToJWK(pub *ecdsa.PublicKey, kid, alg string) JWK {
	size := (pub.Curve.Params().BitSize + 7) / 8
	return JWK{
		Kty: "EC",
		Use: "sig",
		Kid: kid,
		Alg: alg,
		Crv: pub.Curve.Params().Name,
		X:   encodePadded(pub.X, size),
		Y:   encodePadded(pub.Y, size),
	}
}

// ServeJWKS writes the set with a content-derived ETag so verifiers can
// revalidate cheaply between key rotations.
func ServeJWKS(w http.ResponseWriter, r *http.Request, ks JWKS) {
	body, _ := json.Marshal(ks)
	sum := sha256.Sum256(body)
	etag := fmt.Sprintf("%q", base64.RawURLEncoding.EncodeToString(sum[:16]))

	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "public, max-age=300, must-revalidate")
	w.Header().Set("ETag", etag)
	_, _ = w.Write(body)
}

func encodeBigInt(i *big.Int) string {
	b := i.Bytes()
	for len(b) > 0 && b[0] == 0 {
		b = b[1:]
	}
	return base64.RawURLEncoding.EncodeToString(b)
}

func encodePadded(i *big.Int, size int) string {
	b := i.Bytes()
	if len(b) < size {
		b = append(make([]byte, size-len(b)), b...)
	}
	return base64.RawURLEncoding.EncodeToString(b)
}
