package lock

import (
	"errors"
	"time"
)

// Mode selects the row lock strength.
type Mode int

const (
	// Exclusive blocks other writers and shared readers (FOR UPDATE).
	Exclusive Mode = iota
	// Shared admits other shared holders (FOR SHARE). Writes made by the
	// callback are discarded.
	Shared
)

func (m Mode) String() string {
	switch m {
	case Exclusive:
		return "exclusive"
	case Shared:
		return "shared"
	default:
		return "unknown"
	}
}

// WaitPolicy selects what happens when the row is already locked.
type WaitPolicy int

const (
	// Block waits up to Config.LockTimeout for the lock.
	Block WaitPolicy = iota
	// NoWait reports Busy immediately.
	NoWait
	// SkipLocked skips held rows. On a single row it reports Busy.
	SkipLocked
)

func (w WaitPolicy) String() string {
	switch w {
	case Block:
		return "block"
	case NoWait:
		return "nowait"
	case SkipLocked:
		return "skip_locked"
	default:
		return "unknown"
	}
}

// Outcome is the result of a lock attempt.
type Outcome int

const (
	Acquired Outcome = iota
	Busy
	NotFound
)

func (o Outcome) String() string {
	switch o {
	case Acquired:
		return "acquired"
	case Busy:
		return "busy"
	case NotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

// Balance is a lockable credit balance. Credits never go below zero.
type Balance struct {
	ID      string `json:"id"`
	Credits int64  `json:"credits"`
	Version int64  `json:"version"`
}

var (
	// ErrBusy is returned when the row is held and the wait policy does not wait.
	ErrBusy = errors.New("resource busy")

	// ErrNotFound is returned when the row does not exist.
	ErrNotFound = errors.New("resource not found")

	// ErrInsufficientFunds is returned when a deduction would make credits negative.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrPoolExhausted is returned when no connection could be acquired in time.
	// It indicates a sizing problem and is not retried.
	ErrPoolExhausted = errors.New("connection pool exhausted")

	// ErrExists is returned by Open for an id that already has a balance.
	ErrExists = errors.New("resource already exists")

	// ErrInvalidInput is returned for blank ids and non-positive amounts.
	ErrInvalidInput = errors.New("invalid input")
)

// Config bounds the time spent in each phase of a lock attempt.
type Config struct {
	// TxTimeout bounds a whole lock-holding transaction.
	TxTimeout time.Duration
	// AcquireTimeout bounds the wait for a pooled connection.
	AcquireTimeout time.Duration
	// LockTimeout bounds a Block wait before the attempt reports Busy.
	LockTimeout time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		TxTimeout:      10 * time.Second,
		AcquireTimeout: 2 * time.Second,
		LockTimeout:    5 * time.Second,
	}
}

func (c Config) validate() error {
	if c.TxTimeout <= 0 || c.AcquireTimeout <= 0 || c.LockTimeout <= 0 {
		return ErrInvalidInput
	}
	return nil
}
