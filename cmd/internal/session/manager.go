package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"trustcore/cmd/identity/ids"
	"trustcore/cmd/security/token"
)

// Data is the server-side record behind a session token.
type Data struct {
	// SessionID is the opaque token. It is never written to the store.
	SessionID      string                     `json:"-"`
	PrincipalID    string                     `json:"principal_id"`
	PrincipalType  string                     `json:"principal_type,omitempty"`
	Metadata       map[string]json.RawMessage `json:"metadata,omitempty"`
	CreatedAt      time.Time                  `json:"created_at"`
	LastAccessedAt time.Time                  `json:"last_accessed_at"`
	ExpiresAt      time.Time                  `json:"expires_at"`
}

// Manager implements the session lifecycle on top of a Store.
type Manager struct {
	store  Store
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
	hasher token.Hasher
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger used for corruption and retry warnings.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithTokenHasher sets how tokens are turned into store keys. The default
// is plain SHA-256.
func WithTokenHasher(h token.Hasher) Option {
	return func(m *Manager) { m.hasher = h }
}

// NewManager returns a Manager. It returns ErrConfig for an invalid cfg.
func NewManager(store Store, cfg Config, opts ...Option) (*Manager, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: nil store", ErrConfig)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	m := &Manager{
		store:  store,
		cfg:    cfg,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m, nil
}

// TTL returns the configured sliding lifetime.
func (m *Manager) TTL() time.Duration { return m.cfg.TTL }

// Create stores a new session for principalID and returns its token.
func (m *Manager) Create(ctx context.Context, principalID, principalType string, metadata map[string]json.RawMessage) (string, error) {
	d, err := m.Issue(ctx, principalID, principalType, metadata)
	if err != nil {
		return "", err
	}
	return d.SessionID, nil
}

// Issue is Create returning the stored record, with SessionID set to the token.
func (m *Manager) Issue(ctx context.Context, principalID, principalType string, metadata map[string]json.RawMessage) (Data, error) {
	principalID = strings.TrimSpace(principalID)
	if principalID == "" {
		return Data{}, errors.New("session: principal id required")
	}

	now := m.now().UTC()
	d := Data{
		PrincipalID:    principalID,
		PrincipalType:  principalType,
		Metadata:       metadata,
		CreatedAt:      now,
		LastAccessedAt: now,
		ExpiresAt:      now.Add(m.cfg.TTL),
	}
	val, err := json.Marshal(d)
	if err != nil {
		return Data{}, fmt.Errorf("session: encode: %w", err)
	}

	// A false Insert means the key already exists; with 256-bit tokens that
	// only happens when a retried write landed twice. Pick a fresh token.
	for range 3 {
		sid, err := ids.NewOpaqueToken(ids.DefaultTokenBytes)
		if err != nil {
			return Data{}, err
		}
		ok, err := retry(ctx, m, "insert", func() (bool, error) {
			return m.store.Insert(ctx, m.key(sid), val, m.cfg.TTL)
		})
		if err != nil {
			return Data{}, err
		}
		if ok {
			d.SessionID = sid
			return d, nil
		}
	}
	return Data{}, errTokenCollision
}

// Validate returns the session behind sessionID and extends its expiry.
func (m *Manager) Validate(ctx context.Context, sessionID string) (Data, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return Data{}, ErrNotFound
	}
	key := m.key(sessionID)

	raw, err := retry(ctx, m, "get", func() ([]byte, error) {
		return m.store.Get(ctx, key)
	})
	if err != nil {
		return Data{}, err
	}

	var d Data
	if err := json.Unmarshal(raw, &d); err != nil || d.PrincipalID == "" {
		m.logger.LogAttrs(ctx, slog.LevelWarn, "session.corrupt",
			slog.String("key", key),
			slog.Int("bytes", len(raw)),
		)
		return Data{}, ErrNotFound
	}

	now := m.now().UTC()
	d.LastAccessedAt = now
	d.ExpiresAt = now.Add(m.cfg.TTL)

	val, err := json.Marshal(d)
	if err != nil {
		return Data{}, fmt.Errorf("session: encode: %w", err)
	}

	// SET XX: a Destroy that raced us must not be undone.
	ok, err := retry(ctx, m, "replace", func() (bool, error) {
		return m.store.Replace(ctx, key, val, m.cfg.TTL)
	})
	if err != nil {
		return Data{}, err
	}
	if !ok {
		return Data{}, ErrNotFound
	}

	d.SessionID = sessionID
	return d, nil
}

// Destroy removes the session and reports whether it existed.
func (m *Manager) Destroy(ctx context.Context, sessionID string) (bool, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return false, nil
	}
	return retry(ctx, m, "delete", func() (bool, error) {
		return m.store.Delete(ctx, m.key(sessionID))
	})
}

// Ping checks the store once, without retries.
func (m *Manager) Ping(ctx context.Context) error {
	return m.store.Ping(ctx)
}

func (m *Manager) key(sessionID string) string {
	return m.cfg.Namespace + ":session:" + m.hasher.Hash(sessionID)
}

// retry runs fn until it succeeds, returns a non-transport error, or the
// attempt budget is spent. Anything that is not ErrNotFound comes back as
// ErrStoreUnavailable.
func retry[T any](ctx context.Context, m *Manager, op string, fn func() (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.cfg.RetryInitial
	b.MaxInterval = m.cfg.RetryMax

	res, err := backoff.Retry(ctx, func() (T, error) {
		v, err := fn()
		if err != nil && !errors.Is(err, ErrStoreUnavailable) {
			return v, backoff.Permanent(err)
		}
		return v, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(m.cfg.Retries)),
		backoff.WithNotify(func(err error, next time.Duration) {
			m.logger.LogAttrs(ctx, slog.LevelWarn, "session.retry",
				slog.String("op", op),
				slog.Duration("next", next),
				slog.String("err", err.Error()),
			)
		}),
	)
	if err == nil || errors.Is(err, ErrNotFound) || errors.Is(err, ErrStoreUnavailable) {
		return res, err
	}
	return res, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
}
