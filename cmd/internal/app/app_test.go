package app

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"trustcore/cmd/internal/ingress"
	"trustcore/cmd/internal/lock"
	"trustcore/cmd/internal/realtime"
	"trustcore/cmd/internal/session"
	"trustcore/cmd/internal/verify"
)

const (
	appBotToken      = "987654:APP-test-token"
	appWebhookSecret = "whsec_app_test"
)

func testAppConfig() Config {
	sess := session.DefaultConfig()
	sess.RetryInitial = time.Millisecond
	sess.RetryMax = 2 * time.Millisecond

	return Config{
		HTTPAddr:         "127.0.0.1:0",
		LogLevel:         "debug",
		LogFormat:        "json",
		Env:              "development",
		DBSchema:         "trustcore",
		DBMaxConns:       4,
		DBAcquireTimeout: 2 * time.Second,
		LockTxTimeout:    10 * time.Second,
		LockTimeout:      time.Second,
		MemoryLockConns:  8,
		Session:          sess,
		SessionCookie:    ingress.DefaultCookieName,
		BotToken:         appBotToken,
		LaunchMaxAge:     time.Hour,
		WebhookSecret:    appWebhookSecret,
		WebhookFields:    verify.DefaultWebhookFields,
		BotWebhookToken:  "bot-token",
		PaymentEventTTL:  time.Hour,
		DrainTimeout:     2 * time.Second,
		ShutdownTimeout:  2 * time.Second,
		RetryAfter:       time.Second,
	}
}

func newTestApp(t *testing.T, cfg Config) *App {
	t.Helper()
	a, err := New(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = a.closeAll() })
	return a
}

func serve(h http.Handler, method, path, body string, mutate func(*http.Request)) *httptest.ResponseRecorder {
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	if mutate != nil {
		mutate(req)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestApp_EndToEndInMemory(t *testing.T) {
	t.Parallel()

	a := newTestApp(t, testAppConfig())
	h := a.Handler()

	if rr := serve(h, http.MethodGet, "/healthz", "", nil); rr.Code != http.StatusOK {
		t.Fatalf("healthz=%d", rr.Code)
	}
	if rr := serve(h, http.MethodGet, "/readyz", "", nil); rr.Code != http.StatusOK {
		t.Fatalf("readyz=%d body=%s", rr.Code, rr.Body.String())
	}

	launch := verify.SignLaunchData(appBotToken, url.Values{
		"auth_date": {strconv.FormatInt(time.Now().Unix(), 10)},
		"user":      {`{"id":555,"first_name":"Grace"}`},
	})
	rr := serve(h, http.MethodPost, "/v1/auth/launch", "", func(r *http.Request) {
		r.Header.Set(ingress.HeaderLaunchData, launch)
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("launch=%d body=%s", rr.Code, rr.Body.String())
	}
	var token string
	for _, c := range rr.Result().Cookies() {
		if c.Name == ingress.DefaultCookieName {
			token = c.Value
		}
	}
	if token == "" {
		t.Fatalf("no session cookie")
	}
	withCookie := func(r *http.Request) {
		r.AddCookie(&http.Cookie{Name: ingress.DefaultCookieName, Value: token})
	}

	payVerifier, err := verify.NewWebhookVerifier("payments", appWebhookSecret)
	if err != nil {
		t.Fatalf("NewWebhookVerifier: %v", err)
	}
	body := `{"type":"payment","id":"evt_app_1","status":"succeeded","account_id":"555","credits":20}`
	sig, _ := payVerifier.Sign(body)
	rr = serve(h, http.MethodPost, "/v1/webhooks/payments", body, func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer "+sig)
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("payment=%d body=%s", rr.Code, rr.Body.String())
	}

	rr = serve(h, http.MethodPost, "/v1/balance/deduct", `{"amount":8}`, withCookie)
	if rr.Code != http.StatusOK {
		t.Fatalf("deduct=%d body=%s", rr.Code, rr.Body.String())
	}
	var bal struct {
		AccountID string `json:"account_id"`
		Credits   int64  `json:"credits"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &bal); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if bal.AccountID != "555" || bal.Credits != 12 {
		t.Fatalf("balance=%+v", bal)
	}

	rr = serve(h, http.MethodPost, "/v1/webhooks/bot", `{"update_id":1}`, func(r *http.Request) {
		r.Header.Set(verify.BotSecretHeader, "bot-token")
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("bot=%d body=%s", rr.Code, rr.Body.String())
	}

	rr = serve(h, http.MethodGet, "/metrics", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("metrics=%d", rr.Code)
	}
	for _, want := range []string{
		`trustcore_http_requests_total{method="POST",route="POST /v1/balance/deduct",status="200"} 1`,
		`trustcore_session_events_total{event="created"} 1`,
		`trustcore_lock_attempts_total{op="deduct",outcome="acquired"} 1`,
	} {
		if !strings.Contains(rr.Body.String(), want) {
			t.Fatalf("metrics missing %s", want)
		}
	}
}

func TestApp_RoutesDisabledWithoutSecrets(t *testing.T) {
	t.Parallel()

	cfg := testAppConfig()
	cfg.BotToken = ""
	cfg.WebhookSecret = ""
	cfg.BotWebhookToken = ""
	a := newTestApp(t, cfg)

	rr := serve(a.Handler(), http.MethodPost, "/v1/auth/launch", `{"init_data":"a=b"}`, nil)
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("launch=%d body=%s", rr.Code, rr.Body.String())
	}
	rr = serve(a.Handler(), http.MethodPost, "/v1/webhooks/payments", `{}`, nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("payments=%d want=404", rr.Code)
	}
}

func TestApp_ReadinessRequiresDB(t *testing.T) {
	t.Parallel()

	cfg := testAppConfig()
	cfg.ReadinessRequireDB = true
	a := newTestApp(t, cfg)

	rr := serve(a.Handler(), http.MethodGet, "/readyz", "", nil)
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("readyz=%d want=503", rr.Code)
	}
}

func TestApp_ServeDrainsOnCancel(t *testing.T) {
	t.Parallel()

	a := newTestApp(t, testAppConfig())

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Serve(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz=%d", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Serve: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Serve did not return after cancel")
	}

	if got := a.Gate().State(); got != ingress.Stopped {
		t.Fatalf("gate=%v want=%v", got, ingress.Stopped)
	}
	if err := a.sessions.Ping(context.Background()); err == nil {
		t.Fatalf("session store still open after shutdown")
	}
}

// parkingStore holds the first exclusive lock callback until release is
// closed.
type parkingStore struct {
	lock.TxStore

	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (s *parkingStore) Lock(ctx context.Context, id string, mode lock.Mode, wait lock.WaitPolicy, fn func(*lock.Balance) error) (lock.Outcome, error) {
	if mode != lock.Exclusive {
		return s.TxStore.Lock(ctx, id, mode, wait, fn)
	}
	return s.TxStore.Lock(ctx, id, mode, wait, func(b *lock.Balance) error {
		s.once.Do(func() {
			close(s.entered)
			<-s.release
		})
		return fn(b)
	})
}

func launchCookie(t *testing.T, base, userID string) *http.Cookie {
	t.Helper()
	launch := verify.SignLaunchData(appBotToken, url.Values{
		"auth_date": {strconv.FormatInt(time.Now().Unix(), 10)},
		"user":      {`{"id":` + userID + `,"first_name":"Edsger"}`},
	})
	req, _ := http.NewRequest(http.MethodPost, base+"/v1/auth/launch", nil)
	req.Header.Set(ingress.HeaderLaunchData, launch)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	_ = resp.Body.Close()
	for _, c := range resp.Cookies() {
		if c.Name == ingress.DefaultCookieName && resp.StatusCode == http.StatusCreated {
			return c
		}
	}
	t.Fatalf("launch=%d set no session cookie", resp.StatusCode)
	return nil
}

func TestApp_DrainLetsLockHolderFinish(t *testing.T) {
	t.Parallel()

	park := &parkingStore{entered: make(chan struct{}), release: make(chan struct{})}
	var releaseOnce sync.Once
	unpark := func() { releaseOnce.Do(func() { close(park.release) }) }
	t.Cleanup(unpark)

	cfg := testAppConfig()
	cfg.DrainTimeout = 5 * time.Second
	a, err := newApp(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)),
		withLockStore(func(s lock.TxStore) lock.TxStore {
			park.TxStore = s
			return park
		}),
	)
	if err != nil {
		t.Fatalf("newApp: %v", err)
	}
	t.Cleanup(func() { _ = a.closeAll() })

	if _, err := a.balances.Open(context.Background(), "321", 10); err != nil {
		t.Fatalf("Open: %v", err)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	base := "http://" + ln.Addr().String()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- a.Serve(ctx, ln) }()

	cookie := launchCookie(t, base, "321")

	type result struct {
		status int
		body   []byte
		err    error
	}
	deducted := make(chan result, 1)
	go func() {
		req, _ := http.NewRequest(http.MethodPost, base+"/v1/balance/deduct", strings.NewReader(`{"amount":4}`))
		req.AddCookie(cookie)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			deducted <- result{err: err}
			return
		}
		defer func() { _ = resp.Body.Close() }()
		body, err := io.ReadAll(resp.Body)
		deducted <- result{status: resp.StatusCode, body: body, err: err}
	}()

	select {
	case <-park.entered:
	case <-time.After(5 * time.Second):
		t.Fatalf("deduct never reached the lock callback")
	}

	cancel()
	deadline := time.Now().Add(2 * time.Second)
	for a.Gate().State() == ingress.Accepting {
		if time.Now().After(deadline) {
			t.Fatalf("gate never left accepting")
		}
		time.Sleep(5 * time.Millisecond)
	}

	req, _ := http.NewRequest(http.MethodGet, base+"/v1/session", nil)
	req.AddCookie(cookie)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /v1/session while draining: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable || resp.Header.Get("Retry-After") == "" {
		t.Fatalf("draining status=%d retry-after=%q want=503 with Retry-After", resp.StatusCode, resp.Header.Get("Retry-After"))
	}

	unpark()

	var res result
	select {
	case res = <-deducted:
	case <-time.After(5 * time.Second):
		t.Fatalf("in-flight deduct never completed")
	}
	if res.err != nil {
		t.Fatalf("deduct: %v", res.err)
	}
	var b struct {
		Credits int64 `json:"credits"`
		Version int64 `json:"version"`
	}
	if err := json.Unmarshal(res.body, &b); err != nil {
		t.Fatalf("decode %q: %v", res.body, err)
	}
	if res.status != http.StatusOK || b.Credits != 6 || b.Version != 2 {
		t.Fatalf("deduct=%d body=%s want=200 credits=6 version=2", res.status, res.body)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Serve: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Serve did not return after the lock holder finished")
	}
	if got := a.Gate().State(); got != ingress.Stopped {
		t.Fatalf("gate=%v want=%v", got, ingress.Stopped)
	}
}

func TestApp_BalanceFeedClosesOnDrain(t *testing.T) {
	t.Parallel()

	cfg := testAppConfig()
	// A feed connection must not hold the drain open until this expires.
	cfg.DrainTimeout = 30 * time.Second
	a := newTestApp(t, cfg)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	base := "http://" + ln.Addr().String()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- a.Serve(ctx, ln) }()

	launch := verify.SignLaunchData(appBotToken, url.Values{
		"auth_date": {strconv.FormatInt(time.Now().Unix(), 10)},
		"user":      {`{"id":777,"first_name":"Alan"}`},
	})
	req, _ := http.NewRequest(http.MethodPost, base+"/v1/auth/launch", nil)
	req.Header.Set(ingress.HeaderLaunchData, launch)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	_ = resp.Body.Close()
	var cookie *http.Cookie
	for _, c := range resp.Cookies() {
		if c.Name == ingress.DefaultCookieName {
			cookie = c
		}
	}
	if resp.StatusCode != http.StatusCreated || cookie == nil {
		t.Fatalf("launch=%d cookie=%v", resp.StatusCode, cookie)
	}

	payVerifier, err := verify.NewWebhookVerifier("payments", appWebhookSecret)
	if err != nil {
		t.Fatalf("NewWebhookVerifier: %v", err)
	}
	body := `{"type":"payment","id":"evt_feed_1","status":"succeeded","account_id":"777","credits":20}`
	sig, _ := payVerifier.Sign(body)
	req, _ = http.NewRequest(http.MethodPost, base+"/v1/webhooks/payments", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+sig)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("payment: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("payment=%d", resp.StatusCode)
	}

	wsCtx, wsCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer wsCancel()
	hdr := http.Header{}
	hdr.Set("Cookie", cookie.Name+"="+cookie.Value)
	conn, _, err := websocket.Dial(wsCtx, "ws://"+ln.Addr().String()+"/v1/balance/stream", &websocket.DialOptions{
		Subprotocols: []string{realtime.Subprotocol},
		HTTPHeader:   hdr,
	})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer func() { _ = conn.CloseNow() }()

	readEnv := func() (realtime.Envelope, map[string]any) {
		t.Helper()
		_, data, err := conn.Read(wsCtx)
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
		var env realtime.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			t.Fatalf("decode: %v", err)
		}
		var payload map[string]any
		_ = json.Unmarshal(env.Payload, &payload)
		return env, payload
	}

	env, payload := readEnv()
	snap, _ := payload["snapshot"].(map[string]any)
	if env.Type != realtime.TypeHello || payload["account_id"] != "777" || snap["credits"] != float64(20) {
		t.Fatalf("hello=%+v payload=%v", env, payload)
	}

	req, _ = http.NewRequest(http.MethodPost, base+"/v1/balance/deduct", strings.NewReader(`{"amount":5}`))
	req.AddCookie(cookie)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("deduct: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("deduct=%d", resp.StatusCode)
	}

	env, payload = readEnv()
	if env.Type != realtime.TypeBalanceUpdated || payload["credits"] != float64(15) {
		t.Fatalf("update=%+v payload=%v", env, payload)
	}

	start := time.Now()
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Serve: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatalf("Serve did not return after cancel")
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("drain took %v; feed connection held it open", elapsed)
	}

	_, _, err = conn.Read(wsCtx)
	if got := websocket.CloseStatus(err); got != websocket.StatusGoingAway {
		t.Fatalf("close status=%v err=%v want=%v", got, err, websocket.StatusGoingAway)
	}
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	t.Parallel()

	cfg := testAppConfig()
	cfg.LogFormat = "xml"
	if _, err := New(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil))); err == nil {
		t.Fatalf("expected error")
	}
}

func TestNewVerifiers_Optional(t *testing.T) {
	t.Parallel()

	cfg := testAppConfig()
	cfg.BotToken, cfg.WebhookSecret, cfg.BotWebhookToken = "", "", ""
	launch, payments, bot, err := newVerifiers(cfg)
	if err != nil {
		t.Fatalf("newVerifiers: %v", err)
	}
	if launch != nil || payments != nil || bot != nil {
		t.Fatalf("verifiers=%v %v %v want all nil", launch, payments, bot)
	}
}
