// Package command implements the write side of the capital engine: pool
// creation, capital allocation and release, default handling, reservations
// and batch balance updates. Every balance mutation goes through the same
// critical section: distributed per-pool lock first, then the store-level row
// lock, with validation repeated under the lock.
package command

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/agrofin/capital-engine/internal/adapters/cache"
	"github.com/agrofin/capital-engine/internal/adapters/ledger"
	"github.com/agrofin/capital-engine/internal/adapters/mongodb"
	"github.com/agrofin/capital-engine/internal/adapters/rabbitmq"
	"github.com/agrofin/capital-engine/pkg"
	"github.com/agrofin/capital-engine/pkg/constant"
	"github.com/agrofin/capital-engine/pkg/events"
	"github.com/agrofin/capital-engine/pkg/pmodel"
)

var hundred = decimal.NewFromInt(100)

// FeeRates is one risk tier's row of the fee table, in percent.
type FeeRates struct {
	FarmerPct decimal.Decimal
	BuyerPct  decimal.Decimal
}

// SelectionWeights tunes the WEIGHTED allocation priority.
type SelectionWeights struct {
	Risk      float64
	Available float64
	Return    float64
}

// Config carries the engine's tunables. Zero values fall back to the package
// defaults in DefaultConfig.
type Config struct {
	FeeTable              map[pmodel.RiskTier]FeeRates
	MaxSingleAdvanceRatio decimal.Decimal
	RetryAttempts         int
	RetryBackoff          time.Duration
	ReservationTTL        time.Duration
	Weights               SelectionWeights
}

// DefaultConfig returns the stock fee table and concurrency tunables.
func DefaultConfig() Config {
	return Config{
		FeeTable: map[pmodel.RiskTier]FeeRates{
			pmodel.RiskTierA: {FarmerPct: decimal.NewFromFloat(2.0), BuyerPct: decimal.NewFromFloat(1.0)},
			pmodel.RiskTierB: {FarmerPct: decimal.NewFromFloat(2.5), BuyerPct: decimal.NewFromFloat(1.25)},
			pmodel.RiskTierC: {FarmerPct: decimal.NewFromFloat(3.5), BuyerPct: decimal.NewFromFloat(1.75)},
		},
		MaxSingleAdvanceRatio: decimal.NewFromInt(constant.MaxSingleAdvanceRatio),
		RetryAttempts:         constant.ConflictRetryAttempts,
		RetryBackoff:          constant.ConflictRetryBackoff,
		ReservationTTL:        constant.ReservationTTL,
		Weights: SelectionWeights{
			Risk:      constant.DefaultWeightRisk,
			Available: constant.DefaultWeightAvailable,
			Return:    constant.DefaultWeightReturn,
		},
	}
}

// UseCase aggregates the repositories the write operations depend on.
// Producer and MetadataRepo are optional; a nil value disables the concern.
type UseCase struct {
	PoolRepo        ledger.PoolRepository
	TransactionRepo ledger.TransactionRepository
	CacheRepo       cache.Repository
	Producer        rabbitmq.ProducerRepository
	MetadataRepo    mongodb.Repository
	Bus             *events.Bus
	Logger          *zap.SugaredLogger
	Tracer          trace.Tracer
	Config          Config
}

// withPoolLock composes the critical section for one pool: the distributed
// lock bounds cross-process contention, the store row lock serializes the
// actual commit. The distributed lock is always taken first.
func (uc *UseCase) withPoolLock(ctx context.Context, poolID string, fn func(ctx context.Context, locked ledger.LockedPool) error) error {
	token, err := uc.CacheRepo.AcquireLock(ctx, poolID)
	if err != nil {
		if errors.Is(err, constant.ErrCacheUnavailable) {
			// Degraded mode: the row lock alone still serializes commits.
			uc.Logger.Warnw("accelerator unavailable, relying on store lock only", "pool_id", poolID)

			return uc.PoolRepo.WithLock(ctx, poolID, fn)
		}

		return err
	}

	defer func() {
		if err := uc.CacheRepo.ReleaseLock(context.WithoutCancel(ctx), poolID, token); err != nil {
			uc.Logger.Warnw("failed to release pool lock", "pool_id", poolID, "error", err)
		}
	}()

	return uc.PoolRepo.WithLock(ctx, poolID, fn)
}

// retryConflict runs op up to the configured attempts, backing off with
// jitter on retryable failures. Invariant violations abort immediately.
func (uc *UseCase) retryConflict(ctx context.Context, op func(ctx context.Context) error) error {
	attempts := uc.Config.RetryAttempts
	if attempts < 1 {
		attempts = 1
	}

	var err error

	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			backoff := uc.Config.RetryBackoff << (attempt - 1)
			backoff += time.Duration(rand.Int63n(int64(uc.Config.RetryBackoff)))

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}

		err = op(ctx)
		if err == nil {
			return nil
		}

		if pkg.IsFatal(err) || !pkg.IsRetryable(err) {
			return err
		}

		uc.Logger.Infow("retrying after transient conflict", "attempt", attempt+1, "error", err)
	}

	return err
}

// activeReservations returns the accelerator-held reservation sum for a pool,
// treating an unavailable accelerator as zero. Ledger-held fallback holds are
// already counted inside reservedCapital.
func (uc *UseCase) activeReservations(ctx context.Context, poolID string) decimal.Decimal {
	sum, err := uc.CacheRepo.ActiveReservationSum(ctx, poolID)
	if err != nil {
		uc.Logger.Warnw("reservation sum unavailable", "pool_id", poolID, "error", err)

		return decimal.Zero
	}

	return sum
}

// effectiveAvailable is the capital an allocation may actually consume:
// available minus active holds minus the required reserve floor.
func (uc *UseCase) effectiveAvailable(ctx context.Context, pool *pmodel.Pool) decimal.Decimal {
	effective := pool.AvailableCapital.
		Sub(uc.activeReservations(ctx, pool.ID)).
		Sub(pool.RequiredReserve())

	if effective.IsNegative() {
		return decimal.Zero
	}

	return effective
}

// feesFor computes the fee split for an amount under the tier's fee table
// row, rounding each component to cents with banker's rounding.
func (uc *UseCase) feesFor(tier pmodel.RiskTier, amount decimal.Decimal) pmodel.FeeBreakdown {
	rates, ok := uc.Config.FeeTable[tier]
	if !ok {
		rates = uc.Config.FeeTable[pmodel.RiskTierC]
	}

	farmer := amount.Mul(rates.FarmerPct).Div(hundred).RoundBank(2)
	buyer := amount.Mul(rates.BuyerPct).Div(hundred).RoundBank(2)

	return pmodel.FeeBreakdown{
		FarmerFee: farmer,
		BuyerFee:  buyer,
		TotalFee:  farmer.Add(buyer).RoundBank(2),
	}
}
