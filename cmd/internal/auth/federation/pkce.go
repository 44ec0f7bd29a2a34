package federation

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
)

// NewCodeVerifier generates a PKCE code verifier (RFC 7636 §4.1).
func NewCodeVerifier() (string, error) {
	return randomToken(48)
}

// ComputeS256Challenge derives the S256 code challenge for a verifier
// (RFC 7636 §4.2).
func ComputeS256Challenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

func randomToken(nBytes int) (string, error) {
	b := make([]byte, nBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
