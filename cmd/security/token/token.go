package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

const (
	// KeyEnv is the env var name for the session hash key.
	// #nosec G101 -- not a credential; it's an environment variable name.
	KeyEnv = "TRUSTCORE_SESSION_HASH_KEY"

	// MinKeyBytes is the shortest key accepted in HMAC mode.
	MinKeyBytes = 32
)

// Hasher maps a token to a stable 64-char hex digest. The zero value hashes
// with plain SHA-256.
type Hasher struct {
	key []byte
}

// NewHasher returns a Hasher for key. A blank key selects SHA-256 mode.
func NewHasher(key string) (Hasher, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return Hasher{}, nil
	}
	if len(key) < MinKeyBytes {
		return Hasher{}, ErrKeyTooShort
	}
	return Hasher{key: []byte(key)}, nil
}

// NewRequiredHasher is NewHasher with SHA-256 mode refused: a blank key
// returns ErrKeyMissing.
func NewRequiredHasher(key string) (Hasher, error) {
	if strings.TrimSpace(key) == "" {
		return Hasher{}, ErrKeyMissing
	}
	return NewHasher(key)
}

// Keyed reports whether the hasher runs in HMAC mode.
func (h Hasher) Keyed() bool { return len(h.key) > 0 }

// Hash returns the hex digest of s.
func (h Hasher) Hash(s string) string {
	if len(h.key) == 0 {
		return HashSHA256Hex(s)
	}
	return HashHMACSHA256Hex(s, h.key)
}

// HashSHA256Hex returns a SHA-256 hex digest of s.
func HashSHA256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// HashHMACSHA256Hex returns an HMAC-SHA256 hex digest of s using key.
func HashHMACSHA256Hex(s string, key []byte) string {
	m := hmac.New(sha256.New, key)
	_, _ = m.Write([]byte(s))
	return hex.EncodeToString(m.Sum(nil))
}
