package ids

import (
	"crypto/rand"
	"encoding/base64"
)

// DefaultTokenBytes is the entropy used for opaque tokens when the caller passes <= 0.
const DefaultTokenBytes = 32

// NewOpaqueToken returns a cryptographically random, URL-safe token.
// The token carries no principal data; it is only a lookup handle.
func NewOpaqueToken(nBytes int) (string, error) {
	if nBytes <= 0 {
		nBytes = DefaultTokenBytes
	}

	b := make([]byte, nBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}

	// URL-safe, no padding.
	return base64.RawURLEncoding.EncodeToString(b), nil
}
