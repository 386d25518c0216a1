package ingress

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"trustcore/cmd/internal/reqctx"
	"trustcore/cmd/internal/session"
	"trustcore/cmd/internal/telemetry"
	"trustcore/cmd/internal/verify"
)

const testBotToken = "123456:TEST-bot-token"

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]string{
			"principal_id": reqctx.PrincipalID(r.Context()),
			"request_id":   reqctx.RequestID(r.Context()),
		})
	})
}

func decodeErrorCode(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var resp errorResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode error body %q: %v", rr.Body.String(), err)
	}
	return resp.Error.Code
}

func newSessionManager(t *testing.T) (*session.Manager, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis start: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	store := session.NewRedisStore(rdb)
	t.Cleanup(func() {
		_ = store.Close()
		mr.Close()
	})

	cfg := session.DefaultConfig()
	cfg.Namespace = "ingress-test"
	cfg.RetryInitial = time.Millisecond
	cfg.RetryMax = 2 * time.Millisecond
	m, err := session.NewManager(store, cfg, session.WithLogger(discardLogger()))
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m, mr
}

func signedLaunchData(userID string) string {
	return verify.SignLaunchData(testBotToken, url.Values{
		"auth_date": {"1767225600"},
		"query_id":  {"AAHdF6IQAAAAAN0XohDhrOrc"},
		"user":      {`{"id":` + userID + `,"first_name":"Ada","language_code":"en"}`},
	})
}

func newIdentityPipeline(t *testing.T) (*Pipeline, *miniredis.Miniredis) {
	t.Helper()

	sessions, mr := newSessionManager(t)
	launch, err := verify.NewLaunchDataVerifier(testBotToken)
	if err != nil {
		t.Fatalf("NewLaunchDataVerifier: %v", err)
	}
	p := NewPipeline(NewGate(), WithLogger(discardLogger()), WithSessions(sessions, launch))
	return p, mr
}

func sessionCookieFrom(t *testing.T, rr *httptest.ResponseRecorder) *http.Cookie {
	t.Helper()
	for _, c := range rr.Result().Cookies() {
		if c.Name == DefaultCookieName {
			return c
		}
	}
	t.Fatalf("no %s cookie in response; headers=%v", DefaultCookieName, rr.Header())
	return nil
}

func TestPipeline_RequestIDCorrelation(t *testing.T) {
	t.Parallel()

	p := NewPipeline(NewGate(), WithLogger(discardLogger()))
	h := p.Wrap(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/v1/anything", nil)
	req.Header.Set(HeaderRequestID, "req-abc-123")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if got := rr.Header().Get(HeaderRequestID); got != "req-abc-123" {
		t.Fatalf("echoed id=%q want=%q", got, "req-abc-123")
	}
	var body map[string]string
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["request_id"] != "req-abc-123" {
		t.Fatalf("handler saw id=%q", body["request_id"])
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/anything", nil)
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if got := rr.Header().Get(HeaderRequestID); len(got) != 26 {
		t.Fatalf("generated id=%q want 26-char ULID", got)
	}

	// Probes are correlated too.
	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Header().Get(HeaderRequestID) == "" {
		t.Fatalf("healthz missing %s", HeaderRequestID)
	}
}

func TestPipeline_Probes(t *testing.T) {
	t.Parallel()

	var failReady bool
	var mu sync.Mutex
	p := NewPipeline(NewGate(),
		WithLogger(discardLogger()),
		WithReadiness(func(context.Context) error {
			mu.Lock()
			defer mu.Unlock()
			if failReady {
				return errors.New("redis down")
			}
			return nil
		}),
	)
	h := p.Wrap(http.NotFoundHandler())

	cases := []struct {
		name   string
		path   string
		fail   bool
		status int
		body   string
	}{
		{"healthz", "/healthz", false, http.StatusOK, "alive"},
		{"readyz ok", "/readyz", false, http.StatusOK, "ready"},
		{"readyz dependency down", "/readyz", true, http.StatusServiceUnavailable, "not ready"},
		{"healthz ignores dependencies", "/healthz", true, http.StatusOK, "alive"},
	}
	for _, tc := range cases {
		mu.Lock()
		failReady = tc.fail
		mu.Unlock()

		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, tc.path, nil))
		if rr.Code != tc.status || strings.TrimSpace(rr.Body.String()) != tc.body {
			t.Fatalf("%s: status=%d body=%q want=%d %q", tc.name, rr.Code, rr.Body.String(), tc.status, tc.body)
		}
	}
}

func TestPipeline_DrainLetsInflightFinish(t *testing.T) {
	t.Parallel()

	metrics := telemetry.New()
	gate := NewGate()
	p := NewPipeline(gate,
		WithLogger(discardLogger()),
		WithMetrics(metrics),
		WithRetryAfter(7*time.Second),
	)

	entered := make(chan struct{})
	unblock := make(chan struct{})
	slow := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(entered)
		<-unblock
		writeText(w, http.StatusOK, "done")
	})

	mux := http.NewServeMux()
	mux.Handle("/slow", slow)
	mux.Handle("/fast", okHandler())
	h := p.Wrap(mux)

	inflight := httptest.NewRecorder()
	served := make(chan struct{})
	go func() {
		h.ServeHTTP(inflight, httptest.NewRequest(http.MethodGet, "/slow", nil))
		close(served)
	}()
	<-entered

	drained := make(chan error, 1)
	go func() { drained <- gate.Drain(context.Background(), 5*time.Second) }()

	deadline := time.Now().Add(2 * time.Second)
	for gate.State() != Draining {
		if time.Now().After(deadline) {
			t.Fatalf("gate never entered draining")
		}
		time.Sleep(time.Millisecond)
	}

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/fast", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("new request status=%d want=503", rr.Code)
	}
	if got := rr.Header().Get("Retry-After"); got != "7" {
		t.Fatalf("Retry-After=%q want=7", got)
	}
	if code := decodeErrorCode(t, rr); code != "draining" {
		t.Fatalf("code=%q want=draining", code)
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rr.Code != http.StatusServiceUnavailable || strings.TrimSpace(rr.Body.String()) != "not ready" {
		t.Fatalf("readyz while draining: status=%d body=%q", rr.Code, rr.Body.String())
	}
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rr.Code != http.StatusOK || strings.TrimSpace(rr.Body.String()) != "alive" {
		t.Fatalf("healthz while draining: status=%d body=%q", rr.Code, rr.Body.String())
	}

	select {
	case err := <-drained:
		t.Fatalf("Drain returned with a request in flight: %v", err)
	default:
	}

	close(unblock)
	<-served
	if inflight.Code != http.StatusOK || strings.TrimSpace(inflight.Body.String()) != "done" {
		t.Fatalf("in-flight: status=%d body=%q", inflight.Code, inflight.Body.String())
	}

	select {
	case err := <-drained:
		if err != nil {
			t.Fatalf("Drain: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Drain did not return")
	}

	scrape := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(scrape, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(scrape.Body.String(), "trustcore_drain_rejected_total 1") {
		t.Fatalf("drain rejection not counted:\n%s", scrape.Body.String())
	}
}

func TestPipeline_DrainTimesOutOnStuckRequest(t *testing.T) {
	t.Parallel()

	gate := NewGate()
	p := NewPipeline(gate, WithLogger(discardLogger()))

	entered := make(chan struct{})
	unblock := make(chan struct{})
	h := p.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(entered)
		<-unblock
	}))

	served := make(chan struct{})
	go func() {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/stuck", nil))
		close(served)
	}()
	<-entered

	err := gate.Drain(context.Background(), 30*time.Millisecond)
	if !errors.Is(err, ErrDrainTimeout) {
		t.Fatalf("err=%v want=%v", err, ErrDrainTimeout)
	}
	close(unblock)
	<-served
	if got := gate.Active(); got != 0 {
		t.Fatalf("active=%d want=0", got)
	}
}

func TestPipeline_RouteLabel(t *testing.T) {
	t.Parallel()

	metrics := telemetry.New()
	mux := http.NewServeMux()
	mux.Handle("GET /v1/items/{id}", okHandler())
	p := NewPipeline(NewGate(),
		WithLogger(discardLogger()),
		WithMetrics(metrics),
		WithRouteResolver(func(r *http.Request) string {
			_, pattern := mux.Handler(r)
			return pattern
		}),
	)
	h := p.Wrap(mux)

	for _, id := range []string{"a", "b", "c"} {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/items/"+id, nil))
	}

	scrape := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(scrape, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	want := `trustcore_http_requests_total{method="GET",route="GET /v1/items/{id}",status="200"} 3`
	if !strings.Contains(scrape.Body.String(), want) {
		t.Fatalf("missing %s in:\n%s", want, scrape.Body.String())
	}
}

func TestRequireIdentity_LaunchDataCreatesSession(t *testing.T) {
	t.Parallel()

	p, _ := newIdentityPipeline(t)

	var seen session.Data
	var seenID verify.Identity
	h := p.Wrap(p.RequireIdentity(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = SessionFrom(r.Context())
		seenID, _ = IdentityFrom(r.Context())
		okHandler().ServeHTTP(w, r)
	})))

	req := httptest.NewRequest(http.MethodGet, "/v1/session", nil)
	req.Header.Set(HeaderLaunchData, signedLaunchData("279058397"))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rr.Code, rr.Body.String())
	}
	ck := sessionCookieFrom(t, rr)
	if !ck.HttpOnly || ck.Value == "" || ck.MaxAge <= 0 {
		t.Fatalf("cookie=%+v", ck)
	}
	if seen.PrincipalID != "279058397" || seen.PrincipalType != "user" || seen.SessionID != ck.Value {
		t.Fatalf("session=%+v", seen)
	}
	if !bytes.Contains(seen.Metadata["user"], []byte(`"first_name":"Ada"`)) {
		t.Fatalf("metadata=%s", seen.Metadata["user"])
	}
	if seenID.Kind != verify.KindLaunchData || seenID.Claim("user.language_code") != "en" {
		t.Fatalf("identity=%+v", seenID)
	}

	var body map[string]string
	_ = json.Unmarshal(rr.Body.Bytes(), &body)
	if body["principal_id"] != "279058397" {
		t.Fatalf("principal in request context=%q", body["principal_id"])
	}

	// The cookie alone authenticates the next request.
	req = httptest.NewRequest(http.MethodGet, "/v1/session", nil)
	req.AddCookie(&http.Cookie{Name: DefaultCookieName, Value: ck.Value})
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("cookie request status=%d body=%s", rr.Code, rr.Body.String())
	}
	if len(rr.Result().Cookies()) != 0 {
		t.Fatalf("cookie request reissued cookies: %v", rr.Result().Cookies())
	}
	if seen.SessionID != ck.Value {
		t.Fatalf("session id=%q want=%q", seen.SessionID, ck.Value)
	}
}

func TestRequireIdentity_Rejections(t *testing.T) {
	t.Parallel()

	p, _ := newIdentityPipeline(t)
	h := p.Wrap(p.RequireIdentity(okHandler()))

	valid := signedLaunchData("42")
	tampered := strings.Replace(valid, "Ada", "Eve", 1)

	cases := []struct {
		name   string
		launch string
		cookie string
		status int
		code   string
	}{
		{"no credentials", "", "", http.StatusUnauthorized, "unauthorized"},
		{"unknown cookie", "", "not-a-real-session", http.StatusUnauthorized, "unauthorized"},
		{"tampered launch data", tampered, "", http.StatusUnauthorized, "signature_mismatch"},
		{"unsigned launch data", "user=%7B%22id%22%3A1%7D", "", http.StatusUnauthorized, "missing_signature"},
		{"malformed launch data", "user=%zz&hash=00", "", http.StatusBadRequest, "malformed_payload"},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, "/v1/session", nil)
		if tc.launch != "" {
			req.Header.Set(HeaderLaunchData, tc.launch)
		}
		if tc.cookie != "" {
			req.AddCookie(&http.Cookie{Name: DefaultCookieName, Value: tc.cookie})
		}
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)

		if rr.Code != tc.status {
			t.Fatalf("%s: status=%d want=%d body=%s", tc.name, rr.Code, tc.status, rr.Body.String())
		}
		if code := decodeErrorCode(t, rr); code != tc.code {
			t.Fatalf("%s: code=%q want=%q", tc.name, code, tc.code)
		}
		if strings.Contains(rr.Body.String(), "hash") {
			t.Fatalf("%s: body echoes credential material: %s", tc.name, rr.Body.String())
		}
	}
}

func TestRequireIdentity_StaleCookieFallsBackToLaunchData(t *testing.T) {
	t.Parallel()

	p, _ := newIdentityPipeline(t)
	h := p.Wrap(p.RequireIdentity(okHandler()))

	req := httptest.NewRequest(http.MethodGet, "/v1/session", nil)
	req.AddCookie(&http.Cookie{Name: DefaultCookieName, Value: "expired-token"})
	req.Header.Set(HeaderLaunchData, signedLaunchData("7"))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rr.Code, rr.Body.String())
	}
	if ck := sessionCookieFrom(t, rr); ck.Value == "expired-token" {
		t.Fatalf("stale token was reissued")
	}
}

func TestRequireIdentity_StoreUnavailable(t *testing.T) {
	t.Parallel()

	p, mr := newIdentityPipeline(t)
	h := p.Wrap(p.RequireIdentity(okHandler()))

	req := httptest.NewRequest(http.MethodGet, "/v1/session", nil)
	req.Header.Set(HeaderLaunchData, signedLaunchData("9"))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	ck := sessionCookieFrom(t, rr)

	mr.Close()

	req = httptest.NewRequest(http.MethodGet, "/v1/session", nil)
	req.AddCookie(&http.Cookie{Name: DefaultCookieName, Value: ck.Value})
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status=%d want=503 body=%s", rr.Code, rr.Body.String())
	}
	if code := decodeErrorCode(t, rr); code != "store_unavailable" {
		t.Fatalf("code=%q want=store_unavailable", code)
	}
}

func TestRequireIdentity_PanicsWithoutSessions(t *testing.T) {
	t.Parallel()

	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic")
		}
	}()
	NewPipeline(NewGate()).RequireIdentity(okHandler())
}

func TestRequireWebhook(t *testing.T) {
	t.Parallel()

	const secret = "whsec_ingress_test"
	v, err := verify.NewWebhookVerifier("payments", secret)
	if err != nil {
		t.Fatalf("NewWebhookVerifier: %v", err)
	}
	body := `{"type":"payment","id":"evt_1","status":"succeeded","account_id":"acct-1","credits":5}`
	sig, err := v.Sign(body)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	metrics := telemetry.New()
	p := NewPipeline(NewGate(), WithLogger(discardLogger()), WithMetrics(metrics), WithMaxBody(256))

	var gotBody string
	var gotID verify.Identity
	h := p.Wrap(p.RequireWebhook("payments", v, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		gotID, _ = IdentityFrom(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})))

	cases := []struct {
		name   string
		body   string
		auth   string
		status int
		code   string
	}{
		{"signed", body, "Bearer " + sig, http.StatusNoContent, ""},
		{"bad signature", body, "Bearer " + strings.Repeat("0", len(sig)), http.StatusUnauthorized, "signature_mismatch"},
		{"missing signature", body, "", http.StatusUnauthorized, "missing_signature"},
		{"empty body", "", "Bearer " + sig, http.StatusBadRequest, "missing_payload"},
		{"too large", `{"pad":"` + strings.Repeat("x", 512) + `"}`, "Bearer " + sig, http.StatusRequestEntityTooLarge, "payload_too_large"},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/payments", strings.NewReader(tc.body))
		if tc.auth != "" {
			req.Header.Set("Authorization", tc.auth)
		}
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)

		if rr.Code != tc.status {
			t.Fatalf("%s: status=%d want=%d body=%s", tc.name, rr.Code, tc.status, rr.Body.String())
		}
		if tc.code != "" {
			if code := decodeErrorCode(t, rr); code != tc.code {
				t.Fatalf("%s: code=%q want=%q", tc.name, code, tc.code)
			}
		}
	}

	if gotBody != body {
		t.Fatalf("handler body=%q want=%q", gotBody, body)
	}
	if gotID.PrincipalID != "payments" || gotID.Claim("account_id") != "acct-1" {
		t.Fatalf("identity=%+v", gotID)
	}

	scrape := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(scrape, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	want := `trustcore_verification_failures_total{kind="signature_mismatch",verifier="payments"} 1`
	if !strings.Contains(scrape.Body.String(), want) {
		t.Fatalf("missing %s in:\n%s", want, scrape.Body.String())
	}
}
