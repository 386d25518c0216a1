// Package signature provides the HMAC-SHA256 and constant-time comparison
// primitives that every payload verifier builds on.
//
// Functions here are pure and never block. An empty key or message passed to
// HMACSHA256 is a programming error and panics; input validation belongs to
// the caller.
package signature
