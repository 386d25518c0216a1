// Package ingress is the HTTP entry pipeline: request correlation, drain
// admission, credential verification and session resolution, in that order.
//
// The drain state machine lives in Gate. Once draining, the listener stays
// open: probes keep answering (liveness "alive", readiness "not ready") and
// every other request is refused with 503 and Retry-After while admitted
// requests run to completion.
package ingress
