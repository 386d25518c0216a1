// Package app wires the trustcore runtime: config, logging, stores, HTTP
// routes and the drain lifecycle.
package app

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"trustcore/cmd/internal/api"
	"trustcore/cmd/internal/ingress"
	"trustcore/cmd/internal/lock"
	"trustcore/cmd/internal/realtime"
	"trustcore/cmd/internal/session"
	"trustcore/cmd/internal/telemetry"
	"trustcore/cmd/internal/verify"
)

// App owns the server wiring and the lifecycle of every store it opened.
type App struct {
	cfg Config
	log Logger

	metrics  *telemetry.Metrics
	gate     *ingress.Gate
	sessions *session.Manager
	balances *lock.Gateway
	feed     *realtime.Hub
	handler  http.Handler

	dbEnabled bool
	closers   []func() error

	wrapLockStore func(lock.TxStore) lock.TxStore
}

type option func(*App)

// withLockStore decorates the balance store before the gateway is built.
func withLockStore(wrap func(lock.TxStore) lock.TxStore) option {
	return func(a *App) { a.wrapLockStore = wrap }
}

// New constructs a fully wired App. Without TRUSTCORE_REDIS_URL or
// TRUSTCORE_DATABASE_URL the corresponding in-memory store is used.
func New(ctx context.Context, cfg Config, log Logger) (*App, error) {
	return newApp(ctx, cfg, log)
}

func newApp(ctx context.Context, cfg Config, log Logger, opts ...option) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	a := &App{cfg: cfg, log: log, metrics: telemetry.New(), feed: realtime.NewHub(log)}
	for _, opt := range opts {
		opt(a)
	}
	a.gate = ingress.NewGate(ingress.WithStateHook(func(s ingress.State) {
		a.metrics.SetDraining(s != ingress.Accepting)
		log.Info("ingress.state", "state", s.String())
		if s == ingress.Draining {
			// Feed connections never finish on their own.
			a.feed.Shutdown()
		}
	}))

	ok := false
	defer func() {
		if !ok {
			_ = a.closeAll()
		}
	}()

	sessStore, err := a.openSessionStore(ctx)
	if err != nil {
		return nil, err
	}
	hasher, err := cfg.SessionHasher()
	if err != nil {
		return nil, err
	}
	log.Info("session.key_hash", "hmac", hasher.Keyed())
	a.sessions, err = session.NewManager(sessStore, cfg.Session,
		session.WithLogger(log),
		session.WithTokenHasher(hasher),
	)
	if err != nil {
		return nil, err
	}

	if err := a.openBalances(ctx); err != nil {
		return nil, err
	}

	launch, payments, bot, err := newVerifiers(cfg)
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	pipeline := ingress.NewPipeline(a.gate,
		ingress.WithLogger(log),
		ingress.WithMetrics(a.metrics),
		ingress.WithSessions(a.sessions, launch),
		ingress.WithCookie(ingress.SessionCookie{Name: cfg.SessionCookie, Secure: cfg.SessionCookieSecure}),
		ingress.WithRetryAfter(cfg.RetryAfter),
		ingress.WithFailureThrottle(ingress.NewFailureThrottle(cfg.VerifyFailureMax, cfg.VerifyFailureWindow), cfg.TrustProxy),
		ingress.WithRouteResolver(func(r *http.Request) string {
			_, pattern := mux.Handler(r)
			return pattern
		}),
		ingress.WithReadiness(a.ready),
	)

	handler, err := api.NewHandler(log, pipeline, a.balances,
		api.WithPaymentsVerifier(payments),
		api.WithBotVerifier(bot),
		api.WithEventStore(sessStore, cfg.Session.Namespace, cfg.PaymentEventTTL),
		api.WithFeed(realtime.NewGateway(log, a.feed, realtime.GatewayConfig{
			AllowedOrigins: cfg.WSAllowedOrigins,
			Heartbeat:      cfg.WSHeartbeat,
		})),
	)
	if err != nil {
		return nil, err
	}

	registerHTTP(mux, a.metrics, handler)
	a.handler = pipeline.Wrap(mux)

	log.Info("app.ready",
		"db_enabled", a.dbEnabled,
		"redis_enabled", cfg.RedisURL != "",
		"launch_enabled", launch != nil,
		"payments_enabled", payments != nil,
		"bot_webhook_enabled", bot != nil,
	)
	ok = true
	return a, nil
}

func (a *App) openSessionStore(ctx context.Context) (session.Store, error) {
	if a.cfg.RedisURL == "" {
		a.log.Warn("session.store.memory", "reason", "TRUSTCORE_REDIS_URL not set")
		st := session.NewMemoryStore(nil)
		a.closers = append(a.closers, st.Close)
		return st, nil
	}

	rdb, err := NewRedisClient(ctx, a.cfg)
	if err != nil {
		return nil, err
	}
	st := session.NewRedisStore(rdb)
	a.closers = append(a.closers, st.Close)
	a.log.Info("session.store.redis")
	return st, nil
}

func (a *App) openBalances(ctx context.Context) error {
	lockCfg := a.cfg.LockConfig()

	var store lock.TxStore
	if a.cfg.DatabaseURL == "" {
		a.log.Warn("lock.store.memory", "reason", "TRUSTCORE_DATABASE_URL not set")
		mem, err := lock.NewMemoryStore(a.cfg.MemoryLockConns, lockCfg)
		if err != nil {
			return err
		}
		store = mem
	} else {
		pool, err := NewDBPool(ctx, a.cfg)
		if err != nil {
			return err
		}
		pg, err := lock.NewPostgresStore(pool, lockCfg, lock.WithSchema(a.cfg.DBSchema))
		if err != nil {
			pool.Close()
			return err
		}
		if a.cfg.DBAutoMigrate {
			if err := pg.Migrate(ctx); err != nil {
				pool.Close()
				return err
			}
			a.log.Info("db.migrated", "schema", a.cfg.DBSchema)
		}
		store = pg
		a.dbEnabled = true
		a.log.Info("lock.store.postgres")
	}

	if a.wrapLockStore != nil {
		store = a.wrapLockStore(store)
	}
	gw, err := lock.NewGateway(store, lockCfg,
		lock.WithLogger(a.log),
		lock.WithObserver(func(op string, outcome lock.Outcome, elapsed time.Duration) {
			a.metrics.ObserveLock(op, outcome.String(), elapsed)
		}),
	)
	if err != nil {
		store.Close()
		return err
	}
	a.balances = gw
	a.closers = append(a.closers, func() error {
		gw.Close()
		return nil
	})
	return nil
}

// newVerifiers builds the configured credential verifiers. A verifier whose
// secret is unset is returned as nil and its route stays disabled.
func newVerifiers(cfg Config) (launch, payments, bot verify.Verifier, err error) {
	if cfg.BotToken != "" {
		v, err := verify.NewLaunchDataVerifier(cfg.BotToken, verify.WithMaxAge(cfg.LaunchMaxAge))
		if err != nil {
			return nil, nil, nil, err
		}
		launch = v
	}
	if cfg.WebhookSecret != "" {
		v, err := verify.NewWebhookVerifier("payments", cfg.WebhookSecret,
			verify.WithFields(cfg.WebhookFields...),
			verify.WithSignatureHeader(cfg.WebhookHeader),
		)
		if err != nil {
			return nil, nil, nil, err
		}
		payments = v
	}
	if cfg.BotWebhookToken != "" {
		v, err := verify.NewTokenVerifier("bot", "", cfg.BotWebhookToken)
		if err != nil {
			return nil, nil, nil, err
		}
		bot = v
	}
	return launch, payments, bot, nil
}

// Handler returns the fully wrapped HTTP handler.
func (a *App) Handler() http.Handler { return a.handler }

// Gate returns the admission gate.
func (a *App) Gate() *ingress.Gate { return a.gate }

func (a *App) ready(ctx context.Context) error {
	if a.cfg.ReadinessRequireDB && !a.dbEnabled {
		return errors.New("db not configured")
	}
	return errors.Join(a.sessions.Ping(ctx), a.balances.Ping(ctx))
}

// Run listens on cfg.HTTPAddr and serves until ctx is done.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.HTTPAddr)
	if err != nil {
		_ = a.closeAll()
		return err
	}
	return a.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done, then drains: new requests get 503,
// in-flight requests get up to DrainTimeout, the server shuts down and the
// stores are closed.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	a.log.Info("server.start", "addr", ln.Addr().String(), "db_enabled", a.dbEnabled)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case serveErr = <-errCh:
		a.log.Error("server.fail", "err", serveErr)
	}

	if err := a.gate.Drain(context.Background(), a.cfg.DrainTimeout); err != nil {
		a.log.Warn("server.drain.incomplete", "err", err, "active", a.gate.Active())
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), nonZeroDuration(a.cfg.ShutdownTimeout, 10*time.Second))
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		serveErr = errors.Join(serveErr, err)
	}

	if err := a.closeAll(); err != nil {
		a.log.Error("store.close.fail", "err", err)
	}

	a.log.Info("server.stopped")
	return serveErr
}

// closeAll stops the gate and closes stores in reverse open order.
func (a *App) closeAll() error {
	closers := make([]func() error, 0, len(a.closers))
	for i := len(a.closers) - 1; i >= 0; i-- {
		closers = append(closers, a.closers[i])
	}
	return a.gate.Stop(closers...)
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
