package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"
)

// Size is the length in bytes of an HMAC-SHA256 digest.
const Size = sha256.Size

// HMACSHA256 returns HMAC-SHA256(key, msg).
// It panics if key or msg is empty.
func HMACSHA256(key, msg []byte) [Size]byte {
	if len(key) == 0 {
		panic("signature: empty HMAC key")
	}
	if len(msg) == 0 {
		panic("signature: empty HMAC message")
	}

	m := hmac.New(sha256.New, key)
	_, _ = m.Write(msg)

	var out [Size]byte
	copy(out[:], m.Sum(nil))
	return out
}

// HMACSHA256Hex returns the lowercase hex encoding of HMACSHA256(key, msg).
func HMACSHA256Hex(key, msg []byte) string {
	sum := HMACSHA256(key, msg)
	return hex.EncodeToString(sum[:])
}

// Equal reports whether a and b are identical.
//
// The running time depends only on the longer of the two lengths: the
// contents are compared over that full length and the length check is folded
// in at the end, so neither the first differing byte nor a length mismatch
// ends the comparison early.
func Equal(a, b []byte) bool {
	n := len(a)
	if len(b) > n {
		n = len(b)
	}

	var diff byte
	for i := 0; i < n; i++ {
		var x, y byte
		if i < len(a) {
			x = a[i]
		}
		if i < len(b) {
			y = b[i]
		}
		diff |= x ^ y
	}

	sameLen := subtle.ConstantTimeEq(int32(len(a)), int32(len(b)))
	sameBytes := subtle.ConstantTimeByteEq(diff, 0)
	return sameLen&sameBytes == 1
}

// EqualString is Equal for strings.
func EqualString(a, b string) bool {
	return Equal([]byte(a), []byte(b))
}

// KeyFromString trims raw and enforces a minimum byte length.
// A blank value yields ErrKeyMissing; a short one ErrKeyTooShort.
func KeyFromString(raw string, minBytes int) ([]byte, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrKeyMissing
	}
	b := []byte(raw)
	if minBytes > 0 && len(b) < minBytes {
		return nil, ErrKeyTooShort
	}
	return b, nil
}
