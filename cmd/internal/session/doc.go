// Package session issues, validates and expires opaque session tokens
// against a TTL-backed key/value store.
//
// Tokens are 32 random bytes, base64url encoded, and are never stored in
// clear: the store key is "<namespace>:session:<digest>", where digest is
// SHA-256(token), or HMAC-SHA256 when a hash key is configured. Every
// successful validation slides the expiry forward by the configured TTL.
//
// Expired and unknown sessions are indistinguishable to callers; both
// surface as ErrNotFound. A store that cannot be reached surfaces as
// ErrStoreUnavailable after bounded retries and is never reported as
// ErrNotFound.
package session
