package lock

import (
	"context"
	"errors"
	"slices"
	"sync"

	"golang.org/x/sync/semaphore"
)

// sharedSlots is the weight of one row lock. Exclusive holders take all of
// it, shared holders take one slot.
const sharedSlots = 1 << 16

// MemoryStore is an in-process TxStore. Rows are guarded by weighted
// semaphores and a second semaphore models the connection pool.
type MemoryStore struct {
	cfg  Config
	pool *semaphore.Weighted

	mu     sync.Mutex
	rows   map[string]*memoryRow
	closed bool
}

type memoryRow struct {
	sem *semaphore.Weighted
	bal Balance
}

// NewMemoryStore returns an empty store admitting at most maxConns
// concurrent transactions.
func NewMemoryStore(maxConns int64, cfg Config) (*MemoryStore, error) {
	if maxConns <= 0 {
		return nil, ErrInvalidInput
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &MemoryStore{
		cfg:  cfg,
		pool: semaphore.NewWeighted(maxConns),
		rows: make(map[string]*memoryRow),
	}, nil
}

var errStoreClosed = errors.New("lock: store closed")

func (s *MemoryStore) Lock(ctx context.Context, id string, mode Mode, wait WaitPolicy, fn func(*Balance) error) (Outcome, error) {
	release, err := s.conn(ctx)
	if err != nil {
		return NotFound, err
	}
	defer release()

	row, ok := s.row(id)
	if !ok {
		return NotFound, nil
	}

	w := weight(mode)
	switch wait {
	case NoWait, SkipLocked:
		if !row.sem.TryAcquire(w) {
			return Busy, nil
		}
	default:
		waitCtx, cancel := context.WithTimeout(ctx, s.cfg.LockTimeout)
		err := row.sem.Acquire(waitCtx, w)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return NotFound, ctx.Err()
			}
			return Busy, nil
		}
	}
	defer row.sem.Release(w)

	b := row.bal
	if err := fn(&b); err != nil {
		return Acquired, err
	}
	if mode == Exclusive && b.Credits != row.bal.Credits {
		b.Version = row.bal.Version + 1
		row.bal = b
	}
	return Acquired, nil
}

func (s *MemoryStore) LockMany(ctx context.Context, ids []string, mode Mode, fn func([]*Balance) error) ([]string, error) {
	release, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	sorted := slices.Clone(ids)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)

	w := weight(mode)
	var (
		held    []*memoryRow
		locked  []*Balance
		claimed []string
	)
	defer func() {
		for _, row := range held {
			row.sem.Release(w)
		}
	}()

	for _, id := range sorted {
		row, ok := s.row(id)
		if !ok || !row.sem.TryAcquire(w) {
			continue
		}
		held = append(held, row)
		b := row.bal
		locked = append(locked, &b)
		claimed = append(claimed, id)
	}
	if len(held) == 0 {
		return nil, nil
	}

	if err := fn(locked); err != nil {
		return nil, err
	}
	if mode == Exclusive {
		for i, row := range held {
			b := locked[i]
			if b.Credits != row.bal.Credits {
				b.Version = row.bal.Version + 1
				row.bal = *b
			}
		}
	}
	return claimed, nil
}

func (s *MemoryStore) Open(_ context.Context, id string, credits int64) (Balance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return Balance{}, errStoreClosed
	}
	if _, ok := s.rows[id]; ok {
		return Balance{}, ErrExists
	}
	b := Balance{ID: id, Credits: credits, Version: 1}
	s.rows[id] = &memoryRow{sem: semaphore.NewWeighted(sharedSlots), bal: b}
	return b, nil
}

func (s *MemoryStore) Ping(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errStoreClosed
	}
	return nil
}

func (s *MemoryStore) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

func (s *MemoryStore) conn(ctx context.Context) (func(), error) {
	if err := s.Ping(ctx); err != nil {
		return nil, err
	}
	acqCtx, cancel := context.WithTimeout(ctx, s.cfg.AcquireTimeout)
	defer cancel()
	if err := s.pool.Acquire(acqCtx, 1); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, ErrPoolExhausted
	}
	return func() { s.pool.Release(1) }, nil
}

func (s *MemoryStore) row(id string) (*memoryRow, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[id]
	return row, ok
}

func weight(mode Mode) int64 {
	if mode == Shared {
		return 1
	}
	return sharedSlots
}

var _ TxStore = (*MemoryStore)(nil)
