package command

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/agrofin/capital-engine/internal/adapters/rabbitmq"
	"github.com/agrofin/capital-engine/pkg/constant"
	"github.com/agrofin/capital-engine/pkg/pmodel"
)

func TestCreatePoolAppliesDefaults(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine(t)

	pool, err := engine.uc.CreatePool(ctx, &pmodel.CreatePoolInput{
		Name:           "defaults-pool",
		RiskTier:       pmodel.RiskTierA,
		Currency:       "MXN",
		InitialCapital: decimal.NewFromInt(2_000_000),
	})
	require.NoError(t, err)

	assert.Equal(t, pmodel.PoolStatusActive, pool.Status)
	assert.True(t, pool.MinReserveRatio.Equal(decimal.NewFromInt(15)))
	assert.True(t, pool.MinAdvanceAmount.Equal(decimal.NewFromInt(5_000)))
	assert.True(t, pool.MaxAdvanceAmount.Equal(decimal.NewFromInt(500_000)))
	assert.True(t, pool.MaxExposureLimit.Equal(decimal.NewFromInt(200_000)), "exposure limit defaults to the single-advance ceiling")
	assert.True(t, pool.AvailableCapital.Equal(pool.TotalCapital))
	require.NoError(t, pool.CheckInvariants())

	entries, err := engine.ledger.ListByPool(ctx, pool.ID, pmodel.TransactionFilter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, pmodel.TransactionCapitalDeposit, entries[0].Type)
	assert.True(t, entries[0].Amount.Equal(decimal.NewFromInt(2_000_000)))
}

func TestCreatePoolRejectsBadInput(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine(t)

	_, err := engine.uc.CreatePool(ctx, &pmodel.CreatePoolInput{
		Name:           "no-capital",
		RiskTier:       pmodel.RiskTierA,
		Currency:       "MXN",
		InitialCapital: decimal.NewFromInt(-5),
	})
	assert.ErrorIs(t, err, constant.ErrValidationError)

	_, err = engine.uc.CreatePool(ctx, &pmodel.CreatePoolInput{
		Name:           "bad-tier",
		RiskTier:       pmodel.RiskTier("Z"),
		Currency:       "MXN",
		InitialCapital: decimal.NewFromInt(100),
	})
	assert.ErrorIs(t, err, constant.ErrValidationError)
}

func TestCreatePoolRejectsMinAdvanceAboveMax(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine(t)

	_, err := engine.uc.CreatePool(ctx, &pmodel.CreatePoolInput{
		Name:             "inverted-bounds",
		RiskTier:         pmodel.RiskTierB,
		Currency:         "MXN",
		InitialCapital:   decimal.NewFromInt(1_000_000),
		MinAdvanceAmount: decimal.NewFromInt(600_000),
		MaxAdvanceAmount: decimal.NewFromInt(500_000),
	})
	assert.ErrorIs(t, err, constant.ErrValidationError)

	// An explicit minimum above the defaulted maximum is just as invalid.
	_, err = engine.uc.CreatePool(ctx, &pmodel.CreatePoolInput{
		Name:             "min-over-default-max",
		RiskTier:         pmodel.RiskTierB,
		Currency:         "MXN",
		InitialCapital:   decimal.NewFromInt(1_000_000),
		MinAdvanceAmount: decimal.NewFromInt(600_000),
	})
	assert.ErrorIs(t, err, constant.ErrValidationError)
}

func TestUpdatePoolRejectsMinAdvanceAboveMax(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine(t)
	pool := engine.createPool(t, "pool-b", pmodel.RiskTierB, 1_000_000)

	// Raising the minimum past the stored 500k maximum must fail.
	badMin := decimal.NewFromInt(600_000)
	_, err := engine.uc.UpdatePool(ctx, pool.ID, &pmodel.UpdatePoolInput{MinAdvanceAmount: &badMin})
	assert.ErrorIs(t, err, constant.ErrValidationError)

	// Lowering the maximum under the stored 5k minimum must fail too.
	badMax := decimal.NewFromInt(1_000)
	_, err = engine.uc.UpdatePool(ctx, pool.ID, &pmodel.UpdatePoolInput{MaxAdvanceAmount: &badMax})
	assert.ErrorIs(t, err, constant.ErrValidationError)

	// Moving both bounds together stays valid when they remain ordered.
	newMin := decimal.NewFromInt(600_000)
	newMax := decimal.NewFromInt(700_000)
	updated, err := engine.uc.UpdatePool(ctx, pool.ID, &pmodel.UpdatePoolInput{
		MinAdvanceAmount: &newMin,
		MaxAdvanceAmount: &newMax,
	})
	require.NoError(t, err)
	assert.True(t, updated.MinAdvanceAmount.Equal(newMin))
	assert.True(t, updated.MaxAdvanceAmount.Equal(newMax))
}

func TestUpdatePoolRejectsBadReserveRatio(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine(t)
	pool := engine.createPool(t, "pool-b", pmodel.RiskTierB, 1_000_000)

	bad := decimal.NewFromInt(150)

	_, err := engine.uc.UpdatePool(ctx, pool.ID, &pmodel.UpdatePoolInput{MinReserveRatio: &bad})
	assert.ErrorIs(t, err, constant.ErrValidationError)
}

func TestAllocationPublishesToBroker(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine(t)

	ctrl := gomock.NewController(t)
	producer := rabbitmq.NewMockProducerRepository(ctrl)
	engine.uc.Producer = producer

	// Pool creation publishes once, the allocation once more.
	producer.EXPECT().PublishBalanceEvent(gomock.Any(), gomock.Any()).Return(nil).Times(2)

	pool := engine.createPool(t, "pool-b", pmodel.RiskTierB, 1_000_000)

	req := allocationRequest(50_000, pmodel.RiskTierB)
	req.PreferredPoolID = pool.ID

	_, err := engine.uc.AllocateCapital(ctx, req)
	require.NoError(t, err)
}

func TestBalanceEventsReachBusSubscribers(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine(t)
	pool := engine.createPool(t, "pool-b", pmodel.RiskTierB, 1_000_000)

	sub := engine.uc.Bus.Subscribe(pool.ID)
	defer sub.Unsubscribe()

	req := allocationRequest(50_000, pmodel.RiskTierB)
	req.PreferredPoolID = pool.ID

	_, err := engine.uc.AllocateCapital(ctx, req)
	require.NoError(t, err)

	select {
	case event := <-sub.Events():
		assert.Equal(t, pmodel.EventBalanceChanged, event.ChangeType)
		assert.True(t, event.BalanceAfter.AvailableCapital.Equal(decimal.NewFromInt(950_000)))
	default:
		t.Fatal("no balance event delivered")
	}
}
