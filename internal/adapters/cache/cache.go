// Package cache defines the accelerator capability the engine depends on:
// snapshot caching, per-pool distributed locks, the reservation registry and
// cross-process event fan-out. Two implementations exist — Redis for
// multi-process deployments and an in-memory one for single-process use and
// tests. The allocation algorithm is identical over both.
package cache

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/agrofin/capital-engine/pkg/pmodel"
)

// Repository is the accelerator capability interface.
//
// Implementations signal infrastructure failure with
// constant.ErrCacheUnavailable; the services degrade to store-only behavior
// when they see it. A cache miss is (nil, nil), never an error.
type Repository interface {
	// Snapshot cache. Snapshots expire after the configured TTL.
	GetSnapshot(ctx context.Context, poolID string) (*pmodel.BalanceSnapshot, error)
	GetSnapshots(ctx context.Context, poolIDs []string) (map[string]*pmodel.BalanceSnapshot, error)
	SetSnapshot(ctx context.Context, snapshot *pmodel.BalanceSnapshot) error
	DelSnapshot(ctx context.Context, poolID string) error

	// Summary cache for the cross-pool aggregate.
	GetSummary(ctx context.Context) (*pmodel.PoolSummary, error)
	SetSummary(ctx context.Context, summary *pmodel.PoolSummary) error

	// Per-pool mutex with a bounded lease. AcquireLock blocks up to the
	// configured acquire timeout and returns constant.ErrLockUnavailable on
	// expiry. ReleaseLock releases only when token matches the holder's.
	AcquireLock(ctx context.Context, poolID string) (token string, err error)
	ReleaseLock(ctx context.Context, poolID, token string) error

	// Reservation registry. Records are owned by the accelerator and carry
	// their own expiry; they are never persisted in the primary store.
	PutReservation(ctx context.Context, reservation *pmodel.Reservation) error
	GetReservation(ctx context.Context, reservationID string) (*pmodel.Reservation, error)
	RemoveReservation(ctx context.Context, reservationID string, status pmodel.ReservationStatus) (*pmodel.Reservation, error)
	WasCommitted(ctx context.Context, reservationID string) (bool, error)
	ActiveReservationSum(ctx context.Context, poolID string) (decimal.Decimal, error)
	SweepExpired(ctx context.Context, now time.Time) ([]*pmodel.Reservation, error)

	// Cross-process balance-event channel. Publish is best effort.
	Publish(ctx context.Context, event pmodel.BalanceChangeEvent) error
	Subscribe(ctx context.Context) (<-chan pmodel.BalanceChangeEvent, func(), error)
}

// Config tunes an accelerator implementation.
type Config struct {
	SnapshotTTL        time.Duration
	SummaryTTL         time.Duration
	LockLease          time.Duration
	LockAcquireTimeout time.Duration
	ReservationTTL     time.Duration
}
