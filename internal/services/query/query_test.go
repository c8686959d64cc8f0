package query

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
	"github.com/agrofin/capital-engine/internal/services/command"
	"github.com/agrofin/capital-engine/pkg/events"
	"github.com/agrofin/capital-engine/pkg/pmodel"
)

// testEngine pairs the read side under test with a write side over the same
// in-memory adapters, so pools reach realistic states through the real
// commands.
type testEngine struct {
	uc       *UseCase
	commands *command.UseCase
	ledger   *memory.LedgerRepository
	cache    *memory.CacheRepository
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

	logger := zap.NewNop().Sugar()
	tracer := noop.NewTracerProvider().Tracer("test")

	return &testEngine{
		uc: &UseCase{
			PoolRepo:        ledgerRepo,
			TransactionRepo: ledgerRepo,
			CacheRepo:       cacheRepo,
			Logger:          logger,
			Tracer:          tracer,
			Config:          DefaultConfig(),
		},
		commands: &command.UseCase{
			PoolRepo:        ledgerRepo,
			TransactionRepo: ledgerRepo,
			CacheRepo:       cacheRepo,
			Bus:             bus,
			Logger:          logger,
			Tracer:          tracer,
			Config:          command.DefaultConfig(),
		},
		ledger: ledgerRepo,
		cache:  cacheRepo,
	}
}

func (e *testEngine) createPool(t *testing.T, name string, tier pmodel.RiskTier, capital int64) *pmodel.Pool {
	t.Helper()

	pool, err := e.commands.CreatePool(context.Background(), &pmodel.CreatePoolInput{
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

func (e *testEngine) allocate(t *testing.T, poolID, advanceID, farmerID string, amount int64) {
	t.Helper()

	_, err := e.commands.AllocateCapital(context.Background(), &pmodel.AllocationRequest{
		AdvanceID:       advanceID,
		FarmerID:        farmerID,
		RequestedAmount: decimal.NewFromInt(amount),
		Currency:        "MXN",
		RiskTier:        pmodel.RiskTierB,
		PreferredPoolID: poolID,
	})
	require.NoError(t, err)
}
