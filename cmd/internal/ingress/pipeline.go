package ingress

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"trustcore/cmd/internal/reqctx"
	"trustcore/cmd/internal/session"
	"trustcore/cmd/internal/telemetry"
	"trustcore/cmd/internal/verify"
)

const (
	// HeaderRequestID carries the correlation id in both directions.
	HeaderRequestID = "X-Request-Id"
	// HeaderLaunchData carries raw mini-app launch data.
	HeaderLaunchData = "X-Launch-Data"

	// DefaultMaxBody bounds webhook bodies read by RequireWebhook.
	DefaultMaxBody int64 = 64 << 10
)

// ErrLaunchDisabled is returned when no launch-data verifier is configured.
var ErrLaunchDisabled = errors.New("launch data sign-in is not configured")

// Pipeline builds the middleware chain around application handlers.
type Pipeline struct {
	gate       *Gate
	logger     *slog.Logger
	metrics    *telemetry.Metrics
	sessions   *session.Manager
	launch     verify.Verifier
	cookie     SessionCookie
	retryAfter time.Duration
	maxBody    int64
	route      func(*http.Request) string
	ready      func(context.Context) error
	throttle   *FailureThrottle
	trustProxy bool
}

// Option configures a Pipeline.
type Option func(*Pipeline)

func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.logger = l
		}
	}
}

func WithMetrics(m *telemetry.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithSessions enables RequireIdentity. launch may be nil, in which case
// only existing sessions are accepted.
func WithSessions(m *session.Manager, launch verify.Verifier) Option {
	return func(p *Pipeline) {
		p.sessions = m
		p.launch = launch
	}
}

func WithCookie(c SessionCookie) Option {
	return func(p *Pipeline) { p.cookie = c }
}

// WithRetryAfter sets the Retry-After hint sent while draining.
func WithRetryAfter(d time.Duration) Option {
	return func(p *Pipeline) {
		if d > 0 {
			p.retryAfter = d
		}
	}
}

func WithMaxBody(n int64) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.maxBody = n
		}
	}
}

// WithRouteResolver sets how requests are labelled in metrics. Without it
// every request is labelled "unmatched".
func WithRouteResolver(fn func(*http.Request) string) Option {
	return func(p *Pipeline) { p.route = fn }
}

// WithReadiness adds a dependency check to /readyz.
func WithReadiness(fn func(context.Context) error) Option {
	return func(p *Pipeline) { p.ready = fn }
}

// WithFailureThrottle blocks clients that keep presenting rejected launch
// data or webhook signatures. trustProxy takes the client address from
// X-Forwarded-For / X-Real-IP.
func WithFailureThrottle(t *FailureThrottle, trustProxy bool) Option {
	return func(p *Pipeline) {
		p.throttle = t
		p.trustProxy = trustProxy
	}
}

// NewPipeline returns a Pipeline admitting requests through gate.
func NewPipeline(gate *Gate, opts ...Option) *Pipeline {
	p := &Pipeline{
		gate:       gate,
		logger:     slog.Default(),
		retryAfter: 5 * time.Second,
		maxBody:    DefaultMaxBody,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.gate == nil {
		p.gate = NewGate()
	}
	return p
}

// Cookie returns the session cookie configuration.
func (p *Pipeline) Cookie() SessionCookie { return p.cookie }

// Wrap is the outermost middleware: correlation id, probes, drain admission,
// request logging and metrics.
func (p *Pipeline) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ctx, rc := reqctx.New(r.Context(), r.Header.Get(HeaderRequestID), r.Method, r.URL.Path)
		w.Header().Set(HeaderRequestID, rc.RequestID)
		r = r.WithContext(ctx)

		switch r.URL.Path {
		case "/healthz":
			writeText(w, http.StatusOK, "alive")
			return
		case "/readyz":
			p.serveReady(w, r)
			return
		}

		rec := newStatusRecorder(w)
		route := ""
		if p.route != nil {
			route = p.route(r)
		}

		if release, ok := p.gate.Admit(); ok {
			p.metrics.RequestStarted()
			func() {
				defer release()
				defer p.metrics.RequestFinished()
				next.ServeHTTP(rec, r)
			}()
		} else {
			p.metrics.DrainRejected()
			writeDraining(rec, p.retryAfter)
		}

		elapsed := time.Since(start)
		p.metrics.ObserveRequest(r.Method, route, rec.status, elapsed)
		logRequest(p.logger, r, rec, elapsed)
	})
}

func (p *Pipeline) serveReady(w http.ResponseWriter, r *http.Request) {
	if p.gate.State() != Accepting {
		writeText(w, http.StatusServiceUnavailable, "not ready")
		return
	}
	if p.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := p.ready(ctx); err != nil {
			reqctx.Logger(r.Context(), p.logger).Info("readyz.not_ready", "err", err)
			writeText(w, http.StatusServiceUnavailable, "not ready")
			return
		}
	}
	writeText(w, http.StatusOK, "ready")
}

// RequireIdentity resolves the caller from the session cookie, or from
// launch data when no valid session exists, in which case a session is
// created and its cookie set.
func (p *Pipeline) RequireIdentity(next http.Handler) http.Handler {
	if p.sessions == nil {
		panic("ingress: RequireIdentity without a session manager")
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		hadCookie := false
		if token := p.cookie.Token(r); token != "" {
			hadCookie = true
			d, err := p.sessions.Validate(ctx, token)
			switch {
			case err == nil:
				p.metrics.SessionEvent("validated")
				p.serveAuthenticated(w, r, next, d)
				return
			case errors.Is(err, session.ErrNotFound):
				p.metrics.SessionEvent("not_found")
			default:
				p.metrics.SessionEvent("store_unavailable")
				WriteError(w, r, p.logger, err)
				return
			}
		}

		raw := r.Header.Get(HeaderLaunchData)
		if p.launch == nil || strings.TrimSpace(raw) == "" {
			if hadCookie {
				p.cookie.Clear(w)
			}
			WriteError(w, r, p.logger, session.ErrNotFound)
			return
		}

		id, err := p.VerifyLaunch(r, raw)
		if err != nil {
			WriteError(w, r, p.logger, err)
			return
		}
		d, err := p.StartSession(w, r, id)
		if err != nil {
			WriteError(w, r, p.logger, err)
			return
		}

		p.serveAuthenticated(w, r.WithContext(withIdentity(ctx, id)), next, d)
	})
}

// VerifyLaunch checks raw launch data, counting rejections.
func (p *Pipeline) VerifyLaunch(r *http.Request, raw string) (verify.Identity, error) {
	if p.launch == nil {
		return verify.Identity{}, ErrLaunchDisabled
	}
	if err := p.throttled(r, "launch_data"); err != nil {
		return verify.Identity{}, err
	}
	id, err := p.launch.Verify(verify.Input{Raw: raw, Header: r.Header})
	if err != nil {
		p.rejected(r, "launch_data", err)
		return verify.Identity{}, err
	}
	return id, nil
}

// StartSession issues a session for a verified launch identity and sets the
// session cookie on w.
func (p *Pipeline) StartSession(w http.ResponseWriter, r *http.Request, id verify.Identity) (session.Data, error) {
	if p.sessions == nil {
		return session.Data{}, ErrLaunchDisabled
	}
	d, err := p.sessions.Issue(r.Context(), id.PrincipalID, "user", launchMetadata(id))
	if err != nil {
		if errors.Is(err, session.ErrStoreUnavailable) {
			p.metrics.SessionEvent("store_unavailable")
		}
		return session.Data{}, err
	}
	p.metrics.SessionEvent("created")
	p.cookie.Set(w, d.SessionID, p.sessions.TTL())
	if rc, ok := reqctx.From(r.Context()); ok {
		rc.SetPrincipal(d.PrincipalID)
	}
	return d, nil
}

// EndSession destroys the caller's session and clears the cookie. A missing
// or already expired session is not an error.
func (p *Pipeline) EndSession(w http.ResponseWriter, r *http.Request) error {
	token := p.cookie.Token(r)
	if d, ok := SessionFrom(r.Context()); ok {
		token = d.SessionID
	}
	if token != "" && p.sessions != nil {
		removed, err := p.sessions.Destroy(r.Context(), token)
		if err != nil {
			return err
		}
		if removed {
			p.metrics.SessionEvent("destroyed")
		}
	}
	p.cookie.Clear(w)
	return nil
}

func (p *Pipeline) serveAuthenticated(w http.ResponseWriter, r *http.Request, next http.Handler, d session.Data) {
	ctx := withSession(r.Context(), d)
	ctx = reqctx.WithPrincipal(ctx, d.PrincipalID)
	next.ServeHTTP(w, r.WithContext(ctx))
}

// RequireWebhook reads the (bounded) body, verifies it with v and passes the
// request on with the body restored and the provider identity attached.
func (p *Pipeline) RequireWebhook(name string, v verify.Verifier, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := p.throttled(r, name); err != nil {
			WriteError(w, r, p.logger, err)
			return
		}

		var body []byte
		if r.Body != nil {
			b, err := io.ReadAll(http.MaxBytesReader(w, r.Body, p.maxBody))
			_ = r.Body.Close()
			if err != nil {
				var tooLarge *http.MaxBytesError
				if errors.As(err, &tooLarge) {
					WriteErrorCode(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body too large")
					return
				}
				WriteErrorCode(w, http.StatusBadRequest, "invalid_request", "unable to read body")
				return
			}
			body = b
		}

		id, err := v.Verify(verify.Input{Raw: string(body), Header: r.Header})
		if err != nil {
			p.rejected(r, name, err)
			WriteError(w, r, p.logger, err)
			return
		}

		r.Body = io.NopCloser(bytes.NewReader(body))
		ctx := withIdentity(r.Context(), id)
		ctx = reqctx.WithPrincipal(ctx, id.PrincipalID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (p *Pipeline) throttled(r *http.Request, verifier string) error {
	if p.throttle == nil {
		return nil
	}
	blocked, wait := p.throttle.Check(clientKey(r, p.trustProxy))
	if !blocked {
		return nil
	}
	p.metrics.VerificationFailed(verifier, "rate_limited")
	return &RateLimitError{RetryAfter: wait}
}

func (p *Pipeline) rejected(r *http.Request, verifier string, err error) {
	_, code, _ := StatusOf(err)
	p.metrics.VerificationFailed(verifier, code)
	p.throttle.Record(clientKey(r, p.trustProxy))
	reqctx.Logger(r.Context(), p.logger).LogAttrs(r.Context(), slog.LevelWarn, "verify.rejected",
		slog.String("verifier", verifier),
		slog.String("kind", code),
	)
}

func launchMetadata(id verify.Identity) map[string]json.RawMessage {
	meta := make(map[string]json.RawMessage, 2)
	if user := id.Claim("user"); user != "" && json.Valid([]byte(user)) {
		meta["user"] = json.RawMessage(user)
	}
	if authDate := id.Claim("auth_date"); authDate != "" {
		if b, err := json.Marshal(authDate); err == nil {
			meta["auth_date"] = b
		}
	}
	return meta
}
