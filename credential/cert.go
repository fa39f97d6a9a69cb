package credkit

import (
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
)

// CertThumbprint computes the x5t#S256 confirmation value for a client
// certificate: the base64url-encoded SHA-256 digest of its DER encoding.
func CertThumbprint(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.Raw)
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
