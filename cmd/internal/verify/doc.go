// Package verify authenticates inbound signed payloads.
//
// Two credential families share the Verifier contract:
//   - launch data: a URL-encoded field set signed with a key derived from the
//     bot token (LaunchDataVerifier);
//   - provider callbacks: HMAC over canonical fields (WebhookVerifier) or a
//     static shared token in a header (TokenVerifier).
//
// Callers choose the implementation when wiring routes. Every failure is a
// *Error whose Kind is one of the sentinel errors below; no error message
// ever contains signature material.
package verify
