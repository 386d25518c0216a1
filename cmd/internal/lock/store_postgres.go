package lock

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// pgLockNotAvailable is SQLSTATE lock_not_available, raised by NOWAIT and
// by an expired lock_timeout.
const pgLockNotAvailable = "55P03"

// PostgresStore locks balance rows in PostgreSQL.
type PostgresStore struct {
	pool   *pgxpool.Pool
	cfg    Config
	schema string
}

// StoreOption configures PostgresStore.
type StoreOption func(*PostgresStore) error

// WithSchema sets the DB schema used by the store (default: "trustcore").
func WithSchema(schema string) StoreOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return ErrInvalidInput
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool, cfg Config, opts ...StoreOption) (*PostgresStore, error) {
	st := &PostgresStore{pool: pool, cfg: cfg, schema: "trustcore"}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, ErrInvalidInput
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return st, nil
}

// Migrate creates the schema and balances table if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, Schema(s.schema))
	return err
}

func (s *PostgresStore) Lock(ctx context.Context, id string, mode Mode, wait WaitPolicy, fn func(*Balance) error) (Outcome, error) {
	conn, err := s.acquire(ctx)
	if err != nil {
		return NotFound, err
	}
	defer conn.Release()

	tx, err := conn.Begin(ctx)
	if err != nil {
		return NotFound, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if wait == Block {
		if err := s.setLockTimeout(ctx, tx); err != nil {
			return NotFound, err
		}
	}

	balances := pgIdent(s.schema, "balances")
	var b Balance
	err = tx.QueryRow(ctx,
		`SELECT id, credits, version FROM `+balances+` WHERE id = $1 `+lockClause(mode, wait),
		id,
	).Scan(&b.ID, &b.Credits, &b.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		if wait != SkipLocked {
			return NotFound, nil
		}
		// SKIP LOCKED hides held rows; tell busy apart from missing.
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM `+balances+` WHERE id = $1)`, id).Scan(&exists); err != nil {
			return NotFound, err
		}
		if exists {
			return Busy, nil
		}
		return NotFound, nil
	}
	if isLockNotAvailable(err) {
		return Busy, nil
	}
	if err != nil {
		return NotFound, err
	}

	before := b.Credits
	if err := fn(&b); err != nil {
		return Acquired, err
	}
	if mode == Exclusive && b.Credits != before {
		if err := s.write(ctx, tx, &b); err != nil {
			return Acquired, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Acquired, err
	}
	return Acquired, nil
}

func (s *PostgresStore) LockMany(ctx context.Context, ids []string, mode Mode, fn func([]*Balance) error) ([]string, error) {
	conn, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Release()

	tx, err := conn.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	balances := pgIdent(s.schema, "balances")
	rows, err := tx.Query(ctx,
		`SELECT id, credits, version FROM `+balances+` WHERE id = ANY($1) ORDER BY id `+lockClause(mode, SkipLocked),
		ids,
	)
	if err != nil {
		return nil, err
	}
	locked, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*Balance, error) {
		var b Balance
		err := row.Scan(&b.ID, &b.Credits, &b.Version)
		return &b, err
	})
	if err != nil {
		return nil, err
	}
	if len(locked) == 0 {
		return nil, nil
	}

	before := make([]int64, len(locked))
	for i, b := range locked {
		before[i] = b.Credits
	}

	if err := fn(locked); err != nil {
		return nil, err
	}
	if mode == Exclusive {
		for i, b := range locked {
			if b.Credits == before[i] {
				continue
			}
			if err := s.write(ctx, tx, b); err != nil {
				return nil, err
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	claimed := make([]string, len(locked))
	for i, b := range locked {
		claimed[i] = b.ID
	}
	return claimed, nil
}

func (s *PostgresStore) Open(ctx context.Context, id string, credits int64) (Balance, error) {
	balances := pgIdent(s.schema, "balances")
	b := Balance{ID: id}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO `+balances+` (id, credits, version) VALUES ($1, $2, 1)
		 ON CONFLICT (id) DO NOTHING
		 RETURNING credits, version`,
		id, credits,
	).Scan(&b.Credits, &b.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		return Balance{}, ErrExists
	}
	if err != nil {
		return Balance{}, err
	}
	return b, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close blocks until every acquired connection has been released.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

func (s *PostgresStore) acquire(ctx context.Context) (*pgxpool.Conn, error) {
	acqCtx, cancel := context.WithTimeout(ctx, s.cfg.AcquireTimeout)
	defer cancel()

	conn, err := s.pool.Acquire(acqCtx)
	if err != nil {
		if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			return nil, ErrPoolExhausted
		}
		return nil, fmt.Errorf("lock: acquire: %w", err)
	}
	return conn, nil
}

func (s *PostgresStore) setLockTimeout(ctx context.Context, tx pgx.Tx) error {
	ms := strconv.FormatInt(s.cfg.LockTimeout.Milliseconds(), 10) + "ms"
	_, err := tx.Exec(ctx, `SELECT set_config('lock_timeout', $1, true)`, ms)
	return err
}

func (s *PostgresStore) write(ctx context.Context, tx pgx.Tx, b *Balance) error {
	balances := pgIdent(s.schema, "balances")
	return tx.QueryRow(ctx,
		`UPDATE `+balances+` SET credits = $2, version = version + 1, updated_at = now()
		 WHERE id = $1
		 RETURNING version`,
		b.ID, b.Credits,
	).Scan(&b.Version)
}

func lockClause(mode Mode, wait WaitPolicy) string {
	clause := "FOR UPDATE"
	if mode == Shared {
		clause = "FOR SHARE"
	}
	switch wait {
	case NoWait:
		clause += " NOWAIT"
	case SkipLocked:
		clause += " SKIP LOCKED"
	}
	return clause
}

func isLockNotAvailable(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgLockNotAvailable
}

func pgIdent(schema, table string) string {
	return pgx.Identifier{schema, table}.Sanitize()
}

var _ TxStore = (*PostgresStore)(nil)
