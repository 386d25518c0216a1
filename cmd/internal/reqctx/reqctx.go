// Package reqctx carries per-request state (correlation id, route and the
// authenticated principal) through context.Context.
//
// A RequestContext is allocated once per inbound request and is never shared
// between requests. The principal is recorded after authentication, so it is
// guarded; outer middleware such as request logging observes it after the
// handler returns.
package reqctx

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"trustcore/cmd/identity/ids"
)

// MaxIDLength is the longest inbound request id that is accepted as-is.
const MaxIDLength = 128

type contextKey struct{}

// RequestContext is the per-request state.
type RequestContext struct {
	RequestID string
	Method    string
	Path      string

	mu          sync.RWMutex
	principalID string
}

// New attaches a fresh RequestContext to ctx.
// An empty or unacceptable requestID is replaced by a generated one.
func New(ctx context.Context, requestID, method, path string) (context.Context, *RequestContext) {
	if ctx == nil {
		ctx = context.Background()
	}
	id, ok := NormalizeID(requestID)
	if !ok {
		id = GenerateID()
	}
	rc := &RequestContext{
		RequestID: id,
		Method:    method,
		Path:      path,
	}
	return context.WithValue(ctx, contextKey{}, rc), rc
}

// From returns the RequestContext carried by ctx.
func From(ctx context.Context) (*RequestContext, bool) {
	if ctx == nil {
		return nil, false
	}
	rc, ok := ctx.Value(contextKey{}).(*RequestContext)
	return rc, ok && rc != nil
}

// WithPrincipal records the authenticated principal. If ctx carries no
// RequestContext, one is attached with a generated request id.
func WithPrincipal(ctx context.Context, principalID string) context.Context {
	rc, ok := From(ctx)
	if !ok {
		ctx, rc = New(ctx, "", "", "")
	}
	rc.SetPrincipal(principalID)
	return ctx
}

// SetPrincipal records the authenticated principal.
func (rc *RequestContext) SetPrincipal(principalID string) {
	rc.mu.Lock()
	rc.principalID = strings.TrimSpace(principalID)
	rc.mu.Unlock()
}

// PrincipalID returns the authenticated principal, or "" before authentication.
func (rc *RequestContext) PrincipalID() string {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return rc.principalID
}

// RequestID returns the request id carried by ctx, or "".
func RequestID(ctx context.Context) string {
	if rc, ok := From(ctx); ok {
		return rc.RequestID
	}
	return ""
}

// PrincipalID returns the principal carried by ctx, or "".
func PrincipalID(ctx context.Context) string {
	if rc, ok := From(ctx); ok {
		return rc.PrincipalID()
	}
	return ""
}

// Logger returns base annotated with the request id and, once known, the principal.
func Logger(ctx context.Context, base *slog.Logger) *slog.Logger {
	if base == nil {
		base = slog.Default()
	}
	rc, ok := From(ctx)
	if !ok {
		return base
	}
	l := base.With(slog.String("request_id", rc.RequestID))
	if p := rc.PrincipalID(); p != "" {
		l = l.With(slog.String("principal_id", p))
	}
	return l
}

// NormalizeID validates an inbound request id: printable ASCII, at most
// MaxIDLength bytes after trimming.
func NormalizeID(id string) (string, bool) {
	id = strings.TrimSpace(id)
	if id == "" || len(id) > MaxIDLength {
		return "", false
	}
	for i := 0; i < len(id); i++ {
		if c := id[i]; c < 0x20 || c > 0x7e {
			return "", false
		}
	}
	return id, true
}

// GenerateID returns a new ULID request id.
func GenerateID() string {
	return ids.MustULID()
}
