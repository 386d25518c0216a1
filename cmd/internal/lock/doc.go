// Package lock serializes concurrent mutations of contended balances with
// pessimistic row locks.
//
// Every lock attempt runs in its own short transaction: the transaction
// begins immediately before the locking read and commits right after the
// write. Transactions are detached from the caller's cancellation and bounded
// by Config.TxTimeout, so a client that disconnects cannot abort a
// transaction that already holds a lock.
//
// Two TxStore implementations exist: PostgresStore (SELECT ... FOR UPDATE /
// FOR SHARE with NOWAIT or SKIP LOCKED) and MemoryStore (per-row weighted
// semaphores) for local development and tests.
package lock
