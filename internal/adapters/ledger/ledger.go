// Package ledger defines the durable-store capability the engine depends on:
// pool rows, the append-only transaction log and the locked-commit protocol
// every balance mutation goes through. PostgreSQL is the production
// implementation; an in-memory one serves single-process use and tests.
package ledger

import (
	"context"
	"time"

	"github.com/agrofin/capital-engine/pkg/pmodel"
)

// LockedPool is the handle passed to a WithLock callback. The pool row is
// exclusively locked for the duration of the callback; ApplyDelta mutates
// balances and appends the ledger entry atomically within the same
// transaction, failing with constant.ErrInvariantViolation if any resulting
// field would go negative or the conservation identity would break.
type LockedPool interface {
	// Pool returns the row as read under the lock. ApplyDelta refreshes it.
	Pool() *pmodel.Pool

	// ApplyDelta applies signed balance and counter deltas and writes the
	// transaction record in the same store transaction.
	ApplyDelta(ctx context.Context, delta pmodel.BalanceDelta, txn *pmodel.PoolTransaction) (*pmodel.Pool, error)
}

// PoolRepository persists pool rows.
type PoolRepository interface {
	// Create inserts the pool and its initial CAPITAL_DEPOSIT entry in one
	// transaction.
	Create(ctx context.Context, pool *pmodel.Pool, initial *pmodel.PoolTransaction) (*pmodel.Pool, error)

	Find(ctx context.Context, id string) (*pmodel.Pool, error)
	FindAll(ctx context.Context, filter pmodel.PoolFilter) ([]*pmodel.Pool, error)

	// Update mutates configuration fields only; capital fields are never
	// written by updates.
	Update(ctx context.Context, id string, input *pmodel.UpdatePoolInput) (*pmodel.Pool, error)

	// WithLock runs fn inside a serializable transaction holding a row-level
	// exclusive lock on the pool. Serialization conflicts surface as
	// constant.ErrConcurrentMutation.
	WithLock(ctx context.Context, poolID string, fn func(ctx context.Context, locked LockedPool) error) error

	// WithLockMany locks several pools in ascending pool-id order inside a
	// single transaction, for atomic batch updates.
	WithLockMany(ctx context.Context, poolIDs []string, fn func(ctx context.Context, locked map[string]LockedPool) error) error
}

// TransactionRepository reads the append-only transaction log. Writes happen
// exclusively through LockedPool.ApplyDelta and PoolRepository.Create.
type TransactionRepository interface {
	ListByPool(ctx context.Context, poolID string, filter pmodel.TransactionFilter) ([]*pmodel.PoolTransaction, error)
	Summary(ctx context.Context, poolID string, from, to time.Time) (*pmodel.TransactionSummary, error)

	// FarmerExposures returns outstanding per-farmer exposure for a pool,
	// largest first.
	FarmerExposures(ctx context.Context, poolID string, limit int) ([]pmodel.FarmerExposure, error)

	// ReservationHold locates the RESERVE_ALLOCATION hold written by the
	// cache-unavailable fallback, reporting whether it was already committed
	// or released.
	ReservationHold(ctx context.Context, reservationID string) (hold *pmodel.PoolTransaction, closed bool, err error)
}
