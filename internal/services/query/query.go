// Package query implements the read side of the capital engine: balance
// snapshots, pool listings, ledger history, performance metrics, health
// assessment and allocation eligibility checks. Reads prefer the accelerator
// and fall back to the store, never the other way around.
package query

import (
	"context"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/agrofin/capital-engine/internal/adapters/cache"
	"github.com/agrofin/capital-engine/internal/adapters/ledger"
	"github.com/agrofin/capital-engine/internal/adapters/mongodb"
	"github.com/agrofin/capital-engine/pkg/constant"
)

// Config carries the read-side tunables.
type Config struct {
	MaxSingleAdvanceRatio decimal.Decimal
}

// DefaultConfig returns the stock read-side tunables.
func DefaultConfig() Config {
	return Config{
		MaxSingleAdvanceRatio: decimal.NewFromInt(constant.MaxSingleAdvanceRatio),
	}
}

// UseCase aggregates the repositories the read operations depend on.
// MetadataRepo is optional.
type UseCase struct {
	PoolRepo        ledger.PoolRepository
	TransactionRepo ledger.TransactionRepository
	CacheRepo       cache.Repository
	MetadataRepo    mongodb.Repository
	Logger          *zap.SugaredLogger
	Tracer          trace.Tracer
	Config          Config
}

// activeReservations mirrors the write side: accelerator unavailability
// degrades to zero, ledger-held fallback holds already sit in
// reservedCapital.
func (uc *UseCase) activeReservations(ctx context.Context, poolID string) decimal.Decimal {
	sum, err := uc.CacheRepo.ActiveReservationSum(ctx, poolID)
	if err != nil {
		uc.Logger.Warnw("reservation sum unavailable", "pool_id", poolID, "error", err)

		return decimal.Zero
	}

	return sum
}

var hundred = decimal.NewFromInt(100)
