// Package token derives the store keys for opaque session tokens.
//
// Tokens are never written to a store. Without a key the digest is
// SHA-256(token); with a key it is HMAC-SHA256(token, key).
//
// Environment:
//   - TRUSTCORE_SESSION_HASH_KEY: when set, enables HMAC mode. It must be at
//     least MinKeyBytes long.
package token
