package lock

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"strings"
	"time"
)

// Observer receives the outcome and duration of every lock attempt.
type Observer func(op string, outcome Outcome, elapsed time.Duration)

// Gateway is the entry point for contended balance mutations.
type Gateway struct {
	store    TxStore
	cfg      Config
	logger   *slog.Logger
	observer Observer
}

// GatewayOption configures a Gateway.
type GatewayOption func(*Gateway)

// WithLogger sets the logger used for busy and pool-exhaustion events.
func WithLogger(l *slog.Logger) GatewayOption {
	return func(g *Gateway) {
		if l != nil {
			g.logger = l
		}
	}
}

// WithObserver sets a callback invoked after every lock attempt.
func WithObserver(o Observer) GatewayOption {
	return func(g *Gateway) {
		g.observer = o
	}
}

// NewGateway returns a Gateway over store.
func NewGateway(store TxStore, cfg Config, opts ...GatewayOption) (*Gateway, error) {
	if store == nil {
		return nil, ErrInvalidInput
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	g := &Gateway{
		store:  store,
		cfg:    cfg,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return g, nil
}

// WithLock runs fn with row id locked. Busy and NotFound are reported through
// the Outcome with a nil error; the error is reserved for fn failures, pool
// exhaustion and store faults.
func (g *Gateway) WithLock(ctx context.Context, id string, mode Mode, wait WaitPolicy, fn func(*Balance) error) (Outcome, error) {
	return g.withLock(ctx, "with_lock", id, mode, wait, fn)
}

// Locked is WithLock for callbacks that produce a value.
func Locked[T any](ctx context.Context, g *Gateway, id string, mode Mode, wait WaitPolicy, fn func(*Balance) (T, error)) (T, Outcome, error) {
	var out T
	outcome, err := g.withLock(ctx, "locked", id, mode, wait, func(b *Balance) error {
		v, err := fn(b)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	if err != nil || outcome != Acquired {
		var zero T
		return zero, outcome, err
	}
	return out, outcome, nil
}

// LockBatch claims the unheld rows among ids and runs fn over them.
// Contended and missing rows are silently omitted; the processed ids are returned.
func (g *Gateway) LockBatch(ctx context.Context, ids []string, mode Mode, fn func([]*Balance) error) ([]string, error) {
	clean := make([]string, 0, len(ids))
	for _, id := range ids {
		if id = strings.TrimSpace(id); id != "" {
			clean = append(clean, id)
		}
	}
	if len(clean) == 0 {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	txCtx, cancel := g.txContext(ctx)
	defer cancel()

	start := time.Now()
	processed, err := g.store.LockMany(txCtx, clean, mode, func(rows []*Balance) error {
		if err := fn(rows); err != nil {
			return err
		}
		return checkCredits(rows...)
	})
	g.observe(ctx, "lock_batch", Acquired, start, err)
	if err != nil {
		return nil, err
	}
	return processed, nil
}

// Deduct removes amount credits from id under an exclusive lock.
func (g *Gateway) Deduct(ctx context.Context, id string, amount int64, wait WaitPolicy) (Balance, error) {
	if amount <= 0 {
		return Balance{}, ErrInvalidInput
	}

	var locked *Balance
	outcome, err := g.withLock(ctx, "deduct", id, Exclusive, wait, func(b *Balance) error {
		if b.Credits < amount {
			return ErrInsufficientFunds
		}
		b.Credits -= amount
		locked = b
		return nil
	})
	return settle(outcome, err, locked)
}

// Credit adds amount credits to id, waiting for the lock.
func (g *Gateway) Credit(ctx context.Context, id string, amount int64) (Balance, error) {
	if amount <= 0 {
		return Balance{}, ErrInvalidInput
	}

	var locked *Balance
	outcome, err := g.withLock(ctx, "credit", id, Exclusive, Block, func(b *Balance) error {
		if amount > math.MaxInt64-b.Credits {
			return ErrInvalidInput
		}
		b.Credits += amount
		locked = b
		return nil
	})
	return settle(outcome, err, locked)
}

// Open creates a balance for id.
func (g *Gateway) Open(ctx context.Context, id string, credits int64) (Balance, error) {
	id = strings.TrimSpace(id)
	if id == "" || credits < 0 {
		return Balance{}, ErrInvalidInput
	}
	return g.store.Open(ctx, id, credits)
}

// Balance reads id under a shared lock. A writer holding the row past
// Config.LockTimeout makes it return ErrBusy.
func (g *Gateway) Balance(ctx context.Context, id string) (Balance, error) {
	var locked *Balance
	outcome, err := g.withLock(ctx, "balance", id, Shared, Block, func(b *Balance) error {
		locked = b
		return nil
	})
	return settle(outcome, err, locked)
}

// Ping checks the underlying store.
func (g *Gateway) Ping(ctx context.Context) error {
	return g.store.Ping(ctx)
}

// Close releases the underlying store. Postgres waits for in-flight
// transactions to return their connections.
func (g *Gateway) Close() {
	g.store.Close()
}

func (g *Gateway) withLock(ctx context.Context, op, id string, mode Mode, wait WaitPolicy, fn func(*Balance) error) (Outcome, error) {
	id = strings.TrimSpace(id)
	if id == "" || fn == nil {
		return NotFound, ErrInvalidInput
	}
	// Checked once up front; after this point the caller can no longer abort.
	if err := ctx.Err(); err != nil {
		return NotFound, err
	}

	txCtx, cancel := g.txContext(ctx)
	defer cancel()

	start := time.Now()
	outcome, err := g.store.Lock(txCtx, id, mode, wait, func(b *Balance) error {
		if err := fn(b); err != nil {
			return err
		}
		return checkCredits(b)
	})
	g.observe(ctx, op, outcome, start, err,
		slog.String("id", id),
		slog.String("mode", mode.String()),
		slog.String("wait", wait.String()),
	)
	return outcome, err
}

func (g *Gateway) txContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), g.cfg.TxTimeout)
}

func (g *Gateway) observe(ctx context.Context, op string, outcome Outcome, start time.Time, err error, attrs ...slog.Attr) {
	elapsed := time.Since(start)
	if g.observer != nil {
		g.observer(op, outcome, elapsed)
	}

	attrs = append(attrs, slog.String("op", op), slog.Duration("elapsed", elapsed))
	switch {
	case errors.Is(err, ErrPoolExhausted):
		g.logger.LogAttrs(ctx, slog.LevelError, "lock.pool_exhausted", attrs...)
	case err == nil && outcome == Busy:
		g.logger.LogAttrs(ctx, slog.LevelInfo, "lock.busy", attrs...)
	}
}

func settle(outcome Outcome, err error, locked *Balance) (Balance, error) {
	if err != nil {
		return Balance{}, err
	}
	switch outcome {
	case Busy:
		return Balance{}, ErrBusy
	case NotFound:
		return Balance{}, ErrNotFound
	}
	if locked == nil {
		return Balance{}, ErrNotFound
	}
	return *locked, nil
}

func checkCredits(rows ...*Balance) error {
	for _, b := range rows {
		if b.Credits < 0 {
			return ErrInsufficientFunds
		}
	}
	return nil
}
