package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"trustcore/cmd/internal/ingress"
	"trustcore/cmd/internal/lock"
	"trustcore/cmd/internal/session"
	"trustcore/cmd/internal/verify"
	"trustcore/cmd/security/token"
)

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string
	// Env is "development" or "production". Production refuses in-memory stores.
	Env string

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	DatabaseURL      string
	DBSchema         string
	DBMaxConns       int32
	DBMinConns       int32
	DBAcquireTimeout time.Duration
	DBAutoMigrate    bool

	LockTxTimeout time.Duration
	LockTimeout   time.Duration
	// MemoryLockConns sizes the in-memory lock store used without a database.
	MemoryLockConns int64

	RedisURL string

	Session             session.Config
	SessionCookie       string
	SessionCookieSecure bool
	// SessionHashKey switches session store keys to HMAC-SHA256.
	SessionHashKey string
	// RequireSessionHashKey refuses to start without SessionHashKey.
	RequireSessionHashKey bool

	BotToken        string
	LaunchMaxAge    time.Duration
	WebhookSecret   string
	WebhookFields   []string
	WebhookHeader   string
	BotWebhookToken string
	PaymentEventTTL time.Duration

	// Rejected credentials per client before it is blocked. 0 disables.
	VerifyFailureMax    int
	VerifyFailureWindow time.Duration
	TrustProxy          bool

	// WSAllowedOrigins lists cross-origin pages allowed to open the balance feed.
	WSAllowedOrigins []string
	WSHeartbeat      time.Duration

	DrainTimeout    time.Duration
	ShutdownTimeout time.Duration
	RetryAfter      time.Duration

	// If true, /readyz returns 503 unless the database is configured.
	ReadinessRequireDB bool
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() (Config, error) {
	sess, err := session.LoadConfigFromEnv()
	if err != nil {
		return Config{}, fmt.Errorf("session config: %w", err)
	}

	return Config{
		HTTPAddr:  EnvString("TRUSTCORE_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel:  EnvString("TRUSTCORE_LOG_LEVEL", "info"),
		LogFormat: EnvString("TRUSTCORE_LOG_FORMAT", "json"),
		Env:       EnvString("TRUSTCORE_ENV", "development"),

		ReadHeaderTimeout: EnvDuration("TRUSTCORE_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("TRUSTCORE_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("TRUSTCORE_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("TRUSTCORE_HTTP_IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    EnvInt("TRUSTCORE_HTTP_MAX_HEADER_BYTES", 1<<20),

		DatabaseURL:      EnvString("TRUSTCORE_DATABASE_URL", ""),
		DBSchema:         EnvString("TRUSTCORE_DB_SCHEMA", "trustcore"),
		DBMaxConns:       EnvInt32("TRUSTCORE_DB_MAX_CONNS", 10),
		DBMinConns:       EnvInt32("TRUSTCORE_DB_MIN_CONNS", 0),
		DBAcquireTimeout: EnvDuration("TRUSTCORE_DB_ACQUIRE_TIMEOUT", 2*time.Second),
		DBAutoMigrate:    EnvBool("TRUSTCORE_DB_AUTO_MIGRATE", false),

		LockTxTimeout:   EnvDuration("TRUSTCORE_LOCK_TX_TIMEOUT", 10*time.Second),
		LockTimeout:     EnvDuration("TRUSTCORE_LOCK_TIMEOUT", 5*time.Second),
		MemoryLockConns: EnvInt64("TRUSTCORE_MEMORY_LOCK_CONNS", 32),

		RedisURL: EnvString("TRUSTCORE_REDIS_URL", ""),

		Session:             sess,
		SessionCookie:       EnvString("TRUSTCORE_SESSION_COOKIE", ingress.DefaultCookieName),
		SessionCookieSecure: EnvBool("TRUSTCORE_SESSION_COOKIE_SECURE", false),
		SessionHashKey:      EnvString(token.KeyEnv, ""),

		RequireSessionHashKey: EnvBool("TRUSTCORE_REQUIRE_SESSION_HASH_KEY", false),

		BotToken:        EnvString("TRUSTCORE_BOT_TOKEN", ""),
		LaunchMaxAge:    EnvDuration("TRUSTCORE_LAUNCH_MAX_AGE", 24*time.Hour),
		WebhookSecret:   EnvString("TRUSTCORE_WEBHOOK_SECRET", ""),
		WebhookFields:   EnvList("TRUSTCORE_WEBHOOK_FIELDS", verify.DefaultWebhookFields),
		WebhookHeader:   EnvString("TRUSTCORE_WEBHOOK_HEADER", ""),
		BotWebhookToken: EnvString("TRUSTCORE_BOT_WEBHOOK_TOKEN", ""),
		PaymentEventTTL: EnvDuration("TRUSTCORE_PAYMENT_EVENT_TTL", 72*time.Hour),

		VerifyFailureMax:    EnvInt("TRUSTCORE_VERIFY_FAILURE_MAX", 20),
		VerifyFailureWindow: EnvDuration("TRUSTCORE_VERIFY_FAILURE_WINDOW", 5*time.Minute),
		TrustProxy:          EnvBool("TRUSTCORE_TRUST_PROXY", false),

		WSAllowedOrigins: EnvList("TRUSTCORE_WS_ALLOWED_ORIGINS", nil),
		WSHeartbeat:      EnvDuration("TRUSTCORE_WS_HEARTBEAT", 25*time.Second),

		DrainTimeout:    EnvDuration("TRUSTCORE_DRAIN_TIMEOUT", 20*time.Second),
		ShutdownTimeout: EnvDuration("TRUSTCORE_SHUTDOWN_TIMEOUT", 10*time.Second),
		RetryAfter:      EnvDuration("TRUSTCORE_RETRY_AFTER", 5*time.Second),

		ReadinessRequireDB: EnvBool("TRUSTCORE_READINESS_REQUIRE_DB", false),
	}, nil
}

// LockConfig returns the lock gateway timeouts.
func (c Config) LockConfig() lock.Config {
	return lock.Config{
		TxTimeout:      c.LockTxTimeout,
		AcquireTimeout: c.DBAcquireTimeout,
		LockTimeout:    c.LockTimeout,
	}
}

// SessionHasher builds the session key hasher under the configured policy.
func (c Config) SessionHasher() (token.Hasher, error) {
	if c.RequireSessionHashKey {
		return token.NewRequiredHasher(c.SessionHashKey)
	}
	return token.NewHasher(c.SessionHashKey)
}

// Production reports whether the service runs with production policy.
func (c Config) Production() bool {
	return strings.EqualFold(strings.TrimSpace(c.Env), "production")
}

// Validate fails fast on configuration the service cannot run with.
func (c Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.HTTPAddr) == "" {
		errs = append(errs, errors.New("TRUSTCORE_HTTP_ADDR is empty"))
	}
	switch strings.ToLower(strings.TrimSpace(c.LogFormat)) {
	case "json", "text", "pretty":
	default:
		errs = append(errs, fmt.Errorf("TRUSTCORE_LOG_FORMAT %q: want json, text or pretty", c.LogFormat))
	}
	if err := c.Session.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.LockTxTimeout <= 0 || c.LockTimeout <= 0 || c.DBAcquireTimeout <= 0 {
		errs = append(errs, errors.New("lock timeouts must be positive"))
	}
	if c.LockTimeout >= c.LockTxTimeout {
		errs = append(errs, errors.New("TRUSTCORE_LOCK_TIMEOUT must be shorter than TRUSTCORE_LOCK_TX_TIMEOUT"))
	}
	if c.DBMinConns > c.DBMaxConns {
		errs = append(errs, errors.New("TRUSTCORE_DB_MIN_CONNS exceeds TRUSTCORE_DB_MAX_CONNS"))
	}
	if _, err := c.SessionHasher(); err != nil {
		errs = append(errs, fmt.Errorf("%s: %w", token.KeyEnv, err))
	}
	if c.WebhookSecret != "" && len(c.WebhookFields) == 0 {
		errs = append(errs, errors.New("TRUSTCORE_WEBHOOK_FIELDS is empty"))
	}

	if c.Production() {
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("production requires TRUSTCORE_DATABASE_URL"))
		}
		if c.RedisURL == "" {
			errs = append(errs, errors.New("production requires TRUSTCORE_REDIS_URL"))
		}
		if !c.SessionCookieSecure {
			errs = append(errs, errors.New("production requires TRUSTCORE_SESSION_COOKIE_SECURE=true"))
		}
	}

	return errors.Join(errs...)
}
