package ingress

import (
	"context"

	"trustcore/cmd/internal/session"
	"trustcore/cmd/internal/verify"
)

type sessionKey struct{}
type identityKey struct{}

func withSession(ctx context.Context, d session.Data) context.Context {
	return context.WithValue(ctx, sessionKey{}, d)
}

// SessionFrom returns the session resolved by RequireIdentity.
func SessionFrom(ctx context.Context) (session.Data, bool) {
	if ctx == nil {
		return session.Data{}, false
	}
	d, ok := ctx.Value(sessionKey{}).(session.Data)
	return d, ok
}

func withIdentity(ctx context.Context, id verify.Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFrom returns the identity verified by RequireIdentity (launch data)
// or RequireWebhook.
func IdentityFrom(ctx context.Context) (verify.Identity, bool) {
	if ctx == nil {
		return verify.Identity{}, false
	}
	id, ok := ctx.Value(identityKey{}).(verify.Identity)
	return id, ok
}
