package command

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/agrofin/capital-engine/internal/adapters/cache"
	"github.com/agrofin/capital-engine/internal/adapters/memory"
	"github.com/agrofin/capital-engine/pkg/events"
	"github.com/agrofin/capital-engine/pkg/pmodel"
)

type testEngine struct {
	uc     *UseCase
	ledger *memory.LedgerRepository
	cache  *memory.CacheRepository
}

func newTestEngine(t *testing.T) *testEngine {
	t.Helper()

	cacheRepo := memory.NewCacheRepository(cache.Config{
		SnapshotTTL:        time.Minute,
		SummaryTTL:         time.Minute,
		LockLease:          time.Second,
		LockAcquireTimeout: time.Second,
		ReservationTTL:     time.Minute,
	})

	ledgerRepo := memory.NewLedgerRepository()

	bus := events.NewBus()
	t.Cleanup(bus.Close)

	return &testEngine{
		uc: &UseCase{
			PoolRepo:        ledgerRepo,
			TransactionRepo: ledgerRepo,
			CacheRepo:       cacheRepo,
			Bus:             bus,
			Logger:          zap.NewNop().Sugar(),
			Tracer:          noop.NewTracerProvider().Tracer("test"),
			Config:          DefaultConfig(),
		},
		ledger: ledgerRepo,
		cache:  cacheRepo,
	}
}

func (e *testEngine) createPool(t *testing.T, name string, tier pmodel.RiskTier, capital int64) *pmodel.Pool {
	t.Helper()

	pool, err := e.uc.CreatePool(context.Background(), &pmodel.CreatePoolInput{
		Name:             name,
		RiskTier:         tier,
		Currency:         "MXN",
		InitialCapital:   decimal.NewFromInt(capital),
		MinAdvanceAmount: decimal.NewFromInt(5_000),
		MaxAdvanceAmount: decimal.NewFromInt(500_000),
		MaxExposureLimit: decimal.NewFromInt(200_000),
	})
	require.NoError(t, err)

	return pool
}

// seedPool writes a pool straight into the ledger, bypassing CreatePool, so
// tests can shape history-derived fields like the default rate and realized
// fees.
func (e *testEngine) seedPool(t *testing.T, pool *pmodel.Pool) *pmodel.Pool {
	t.Helper()

	now := time.Now().UTC()

	if pool.Status == "" {
		pool.Status = pmodel.PoolStatusActive
	}

	if pool.Currency == "" {
		pool.Currency = "MXN"
	}

	if pool.MinAdvanceAmount.IsZero() {
		pool.MinAdvanceAmount = decimal.NewFromInt(5_000)
	}

	if pool.MaxAdvanceAmount.IsZero() {
		pool.MaxAdvanceAmount = decimal.NewFromInt(500_000)
	}

	pool.CreatedAt, pool.UpdatedAt = now, now

	created, err := e.ledger.Create(context.Background(), pool, nil)
	require.NoError(t, err)

	return created
}

func allocationRequest(amount int64, tier pmodel.RiskTier) *pmodel.AllocationRequest {
	return &pmodel.AllocationRequest{
		AdvanceID:       "adv-1",
		FarmerID:        "farmer-1",
		RequestedAmount: decimal.NewFromInt(amount),
		Currency:        "MXN",
		RiskTier:        tier,
	}
}
