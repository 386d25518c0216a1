package app

import (
	"context"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	dbApplicationName   = "trustcore"
	dbHealthCheckPeriod = 30 * time.Second
	dbMaxConnIdleTime   = 5 * time.Minute
)

// NewDBPool builds the pool backing the lock gateway and checks that a
// connection can be acquired within DBAcquireTimeout.
// Schema bootstrap is opt-in through TRUSTCORE_DB_AUTO_MIGRATE.
func NewDBPool(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	pcfg, err := poolConfig(cfg)
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, err
	}

	if err := pingDB(ctx, pool, cfg.DBAcquireTimeout); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

// poolConfig sizes the pool for short locking transactions. The server
// aborts a session left idle inside a transaction for twice LockTxTimeout,
// so a stuck client cannot keep row locks past the gateway's own bound.
func poolConfig(cfg Config) (*pgxpool.Config, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}

	if cfg.DBMaxConns > 0 {
		pcfg.MaxConns = cfg.DBMaxConns
	}
	if cfg.DBMinConns >= 0 {
		pcfg.MinConns = cfg.DBMinConns
	}
	pcfg.MaxConnIdleTime = dbMaxConnIdleTime
	pcfg.HealthCheckPeriod = dbHealthCheckPeriod

	params := pcfg.ConnConfig.RuntimeParams
	params["application_name"] = dbApplicationName
	if cfg.LockTxTimeout > 0 {
		params["idle_in_transaction_session_timeout"] = strconv.FormatInt((2 * cfg.LockTxTimeout).Milliseconds(), 10)
	}
	return pcfg, nil
}

func pingDB(parent context.Context, pool *pgxpool.Pool, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return err
	}
	conn.Release()
	return nil
}
