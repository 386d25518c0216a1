package ingress

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"trustcore/cmd/internal/telemetry"
	"trustcore/cmd/internal/verify"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestFailureThrottle_Window(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	th := NewFailureThrottle(3, time.Minute)
	th.now = clock.Now

	for i := 0; i < 3; i++ {
		if blocked, _ := th.Check("10.0.0.1"); blocked {
			t.Fatalf("blocked after %d failures", i)
		}
		th.Record("10.0.0.1")
		clock.Advance(10 * time.Second)
	}

	blocked, wait := th.Check("10.0.0.1")
	if !blocked {
		t.Fatalf("blocked=false want=true")
	}
	// First failure at t=0, now t=30s.
	if wait != 30*time.Second {
		t.Fatalf("wait=%v want=30s", wait)
	}
	if blocked, _ := th.Check("10.0.0.2"); blocked {
		t.Fatalf("other client blocked")
	}

	clock.Advance(31 * time.Second)
	if blocked, _ := th.Check("10.0.0.1"); blocked {
		t.Fatalf("still blocked after oldest failure left the window")
	}

	th.Record("10.0.0.1")
	th.Reset("10.0.0.1")
	if blocked, _ := th.Check("10.0.0.1"); blocked {
		t.Fatalf("blocked after reset")
	}
}

func TestFailureThrottle_DisabledAndNil(t *testing.T) {
	t.Parallel()

	th := NewFailureThrottle(0, time.Minute)
	for i := 0; i < 10; i++ {
		th.Record("k")
	}
	if blocked, _ := th.Check("k"); blocked {
		t.Fatalf("disabled throttle blocked")
	}

	var nilThrottle *FailureThrottle
	nilThrottle.Record("k")
	nilThrottle.Reset("k")
	if blocked, _ := nilThrottle.Check("k"); blocked {
		t.Fatalf("nil throttle blocked")
	}

	th = NewFailureThrottle(1, time.Minute)
	th.Record("")
	if blocked, _ := th.Check(""); blocked {
		t.Fatalf("empty key blocked")
	}
}

func TestRateLimitError(t *testing.T) {
	t.Parallel()

	var err error = &RateLimitError{RetryAfter: 1500 * time.Millisecond}
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("errors.Is(ErrRateLimited)=false")
	}
	status, code, _ := StatusOf(err)
	if status != http.StatusTooManyRequests || code != "rate_limited" {
		t.Fatalf("StatusOf=%d,%q", status, code)
	}

	rr := httptest.NewRecorder()
	WriteError(rr, httptest.NewRequest(http.MethodGet, "/", nil), discardLogger(), err)
	if got := rr.Header().Get("Retry-After"); got != "2" {
		t.Fatalf("Retry-After=%q want=2", got)
	}
}

func TestClientKey(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name       string
		remote     string
		xff        string
		realIP     string
		trustProxy bool
		want       string
	}{
		{"remote addr", "192.0.2.7:5555", "", "", false, "192.0.2.7"},
		{"forwarded ignored", "192.0.2.7:5555", "203.0.113.9", "", false, "192.0.2.7"},
		{"forwarded trusted", "192.0.2.7:5555", "bogus, 203.0.113.9, 10.0.0.1", "", true, "203.0.113.9"},
		{"real ip trusted", "192.0.2.7:5555", "", "198.51.100.4", true, "198.51.100.4"},
		{"unparseable", "pipe", "", "", false, ""},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = tc.remote
		if tc.xff != "" {
			req.Header.Set("X-Forwarded-For", tc.xff)
		}
		if tc.realIP != "" {
			req.Header.Set("X-Real-IP", tc.realIP)
		}
		if got := clientKey(req, tc.trustProxy); got != tc.want {
			t.Fatalf("%s: clientKey=%q want=%q", tc.name, got, tc.want)
		}
	}
}

func TestRequireWebhook_ThrottlesRepeatedRejections(t *testing.T) {
	t.Parallel()

	const secret = "whsec_throttle_test"
	v, err := verify.NewWebhookVerifier("payments", secret)
	if err != nil {
		t.Fatalf("NewWebhookVerifier: %v", err)
	}
	body := `{"type":"payment","id":"evt_9","status":"succeeded","account_id":"acct-9","credits":1}`
	sig, err := v.Sign(body)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	metrics := telemetry.New()
	p := NewPipeline(NewGate(),
		WithLogger(discardLogger()),
		WithMetrics(metrics),
		WithFailureThrottle(NewFailureThrottle(2, time.Minute), false),
	)
	h := p.Wrap(p.RequireWebhook("payments", v, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})))

	send := func(remote, auth string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/payments", strings.NewReader(body))
		req.RemoteAddr = remote
		req.Header.Set("Authorization", auth)
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		return rr
	}

	bad := "Bearer " + strings.Repeat("0", len(sig))
	for i := 0; i < 2; i++ {
		if rr := send("192.0.2.10:1000", bad); rr.Code != http.StatusUnauthorized {
			t.Fatalf("attempt %d: status=%d want=401", i, rr.Code)
		}
	}

	// A correct signature is still refused while the client is blocked.
	rr := send("192.0.2.10:1000", "Bearer "+sig)
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("status=%d want=429 body=%s", rr.Code, rr.Body.String())
	}
	if code := decodeErrorCode(t, rr); code != "rate_limited" {
		t.Fatalf("code=%q want=rate_limited", code)
	}
	if rr.Header().Get("Retry-After") == "" {
		t.Fatalf("missing Retry-After")
	}

	if rr := send("192.0.2.11:1000", "Bearer "+sig); rr.Code != http.StatusNoContent {
		t.Fatalf("other client status=%d want=204", rr.Code)
	}

	scrape := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(scrape, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	want := `trustcore_verification_failures_total{kind="rate_limited",verifier="payments"} 1`
	if !strings.Contains(scrape.Body.String(), want) {
		t.Fatalf("missing %s in:\n%s", want, scrape.Body.String())
	}
}

func TestRequireIdentity_ThrottlesLaunchData(t *testing.T) {
	t.Parallel()

	p, _ := newIdentityPipeline(t)
	WithFailureThrottle(NewFailureThrottle(1, time.Minute), false)(p)
	h := p.Wrap(p.RequireIdentity(okHandler()))

	req := httptest.NewRequest(http.MethodGet, "/v1/session", nil)
	req.Header.Set(HeaderLaunchData, "user=%7B%22id%22%3A1%7D&hash="+strings.Repeat("a", 64))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized && rr.Code != http.StatusBadRequest {
		t.Fatalf("status=%d want=4xx rejection body=%s", rr.Code, rr.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/session", nil)
	req.Header.Set(HeaderLaunchData, signedLaunchData("42"))
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("status=%d want=429 body=%s", rr.Code, rr.Body.String())
	}
}
