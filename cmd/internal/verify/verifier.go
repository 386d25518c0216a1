package verify

import (
	"maps"
	"net/http"
	"time"
)

// Kind tells which credential family produced an Identity.
type Kind string

const (
	// KindLaunchData marks identities derived from mini-app launch data.
	KindLaunchData Kind = "launch_data"
	// KindWebhookEvent marks identities derived from provider callbacks.
	KindWebhookEvent Kind = "webhook_event"
)

// Identity is the result of a successful verification.
// It lives for a single request and is never persisted.
type Identity struct {
	PrincipalID string
	Kind        Kind
	Claims      map[string]string
	VerifiedAt  time.Time
}

// Claim returns the named claim, or "" when absent.
func (id Identity) Claim(name string) string {
	return id.Claims[name]
}

// Input is a credential as received from the transport.
// Raw is the launch-data string or the webhook body; Header carries
// transport-located signatures.
type Input struct {
	Raw    string
	Header http.Header
}

// Verifier authenticates one credential family.
type Verifier interface {
	Verify(in Input) (Identity, error)
}

func newIdentity(principalID string, kind Kind, claims map[string]string, now time.Time) Identity {
	return Identity{
		PrincipalID: principalID,
		Kind:        kind,
		Claims:      maps.Clone(claims),
		VerifiedAt:  now.UTC(),
	}
}

var (
	_ Verifier = (*LaunchDataVerifier)(nil)
	_ Verifier = (*WebhookVerifier)(nil)
	_ Verifier = (*TokenVerifier)(nil)
)
