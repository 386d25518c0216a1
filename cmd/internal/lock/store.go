package lock

import "context"

// TxStore runs callbacks against locked balance rows inside a transaction.
//
// Lock and LockMany commit when fn returns nil and roll back otherwise.
// Changes fn makes to a Balance are written only under Exclusive mode; the
// store then bumps Version on the same Balance value before commit.
type TxStore interface {
	Lock(ctx context.Context, id string, mode Mode, wait WaitPolicy, fn func(*Balance) error) (Outcome, error)
	// LockMany locks the existing, unheld rows among ids (SKIP LOCKED) and
	// returns the ids passed to fn.
	LockMany(ctx context.Context, ids []string, mode Mode, fn func([]*Balance) error) ([]string, error)
	Open(ctx context.Context, id string, credits int64) (Balance, error)
	Ping(ctx context.Context) error
	Close()
}
