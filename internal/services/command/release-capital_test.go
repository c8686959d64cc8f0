package command

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agrofin/capital-engine/pkg/constant"
	"github.com/agrofin/capital-engine/pkg/pmodel"
)

func (e *testEngine) allocate(t *testing.T, poolID string, amount int64) {
	t.Helper()

	req := allocationRequest(amount, pmodel.RiskTierB)
	req.PreferredPoolID = poolID

	_, err := e.uc.AllocateCapital(context.Background(), req)
	require.NoError(t, err)
}

func TestReleaseCapitalFullRepaymentWithFees(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine(t)
	pool := engine.createPool(t, "pool-b", pmodel.RiskTierB, 1_000_000)
	engine.allocate(t, pool.ID, 100_000)

	result, err := engine.uc.ReleaseCapital(ctx, &pmodel.ReleaseRequest{
		PoolID:      pool.ID,
		AdvanceID:   "adv-1",
		ReleaseType: pmodel.ReleaseFullRepayment,
		Source:      pmodel.SourceBuyerPayment,
		Principal:   decimal.NewFromInt(100_000),
		Fees:        decimal.NewFromInt(1_875),
	})
	require.NoError(t, err)
	assert.NotEmpty(t, result.TransactionID)

	after, err := engine.ledger.Find(ctx, pool.ID)
	require.NoError(t, err)
	require.NoError(t, after.CheckInvariants())

	// Principal returns, fees are new money on top.
	assert.True(t, after.TotalCapital.Equal(decimal.NewFromInt(1_001_875)))
	assert.True(t, after.AvailableCapital.Equal(decimal.NewFromInt(1_001_875)))
	assert.True(t, after.DeployedCapital.IsZero())
	assert.True(t, after.TotalFeesEarned.Equal(decimal.NewFromInt(1_875)))
	assert.EqualValues(t, 1, after.TotalAdvancesCompleted)
	assert.EqualValues(t, 0, after.TotalAdvancesActive)

	entries, err := engine.ledger.ListByPool(ctx, pool.ID, pmodel.TransactionFilter{AdvanceID: "adv-1"})
	require.NoError(t, err)

	types := make(map[pmodel.TransactionType]int)
	for _, entry := range entries {
		types[entry.Type]++
	}

	assert.Equal(t, 1, types[pmodel.TransactionAdvanceRepayment])
	assert.Equal(t, 1, types[pmodel.TransactionFeeCollection])
}

func TestReleaseCapitalPartialKeepsAdvanceActive(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine(t)
	pool := engine.createPool(t, "pool-b", pmodel.RiskTierB, 1_000_000)
	engine.allocate(t, pool.ID, 100_000)

	_, err := engine.uc.ReleaseCapital(ctx, &pmodel.ReleaseRequest{
		PoolID:      pool.ID,
		AdvanceID:   "adv-1",
		ReleaseType: pmodel.ReleasePartialRepayment,
		Source:      pmodel.SourceFarmerPayment,
		Principal:   decimal.NewFromInt(40_000),
	})
	require.NoError(t, err)

	after, err := engine.ledger.Find(ctx, pool.ID)
	require.NoError(t, err)
	assert.True(t, after.DeployedCapital.Equal(decimal.NewFromInt(60_000)))
	assert.EqualValues(t, 1, after.TotalAdvancesActive, "partial repayment keeps the advance active")
	assert.EqualValues(t, 0, after.TotalAdvancesCompleted)
}

func TestReleaseCapitalRejectsOverRepayment(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine(t)
	pool := engine.createPool(t, "pool-b", pmodel.RiskTierB, 1_000_000)
	engine.allocate(t, pool.ID, 100_000)

	_, err := engine.uc.ReleaseCapital(ctx, &pmodel.ReleaseRequest{
		PoolID:      pool.ID,
		AdvanceID:   "adv-1",
		ReleaseType: pmodel.ReleaseFullRepayment,
		Source:      pmodel.SourceBuyerPayment,
		Principal:   decimal.NewFromInt(150_000),
	})
	assert.ErrorIs(t, err, constant.ErrAmountAboveMaximum)
}

func TestHandleDefaultAbsorbsLoss(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine(t)
	pool := engine.createPool(t, "pool-b", pmodel.RiskTierB, 1_000_000)
	engine.allocate(t, pool.ID, 100_000)

	result, err := engine.uc.HandleDefault(ctx, &DefaultInput{
		PoolID:          pool.ID,
		AdvanceID:       "adv-1",
		FarmerID:        "farmer-1",
		DefaultedAmount: decimal.NewFromInt(100_000),
		RecoveredAmount: decimal.NewFromInt(30_000),
	})
	require.NoError(t, err)
	require.NotNil(t, result)

	after, err := engine.ledger.Find(ctx, pool.ID)
	require.NoError(t, err)
	require.NoError(t, after.CheckInvariants())

	// 70k of unrecovered loss leaves the pool entirely.
	assert.True(t, after.TotalCapital.Equal(decimal.NewFromInt(930_000)))
	assert.True(t, after.AvailableCapital.Equal(decimal.NewFromInt(930_000)))
	assert.True(t, after.DeployedCapital.IsZero())
	assert.EqualValues(t, 1, after.TotalAdvancesDefaulted)
	assert.EqualValues(t, 0, after.TotalAdvancesActive)

	// 1 default out of 1 issued.
	assert.True(t, after.DefaultRate.Equal(decimal.NewFromInt(100)))

	entries, err := engine.ledger.ListByPool(ctx, pool.ID, pmodel.TransactionFilter{
		Type: pmodel.TransactionAdjustment,
	})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, entries[0].Amount.Equal(decimal.NewFromInt(-70_000)), "adjustment carries the signed loss")
}

func TestHandleDefaultWithNoRecovery(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine(t)

	pool, err := engine.uc.CreatePool(ctx, &pmodel.CreatePoolInput{
		Name:             "thin-pool",
		RiskTier:         pmodel.RiskTierB,
		Currency:         "MXN",
		InitialCapital:   decimal.NewFromInt(1_000_000),
		MinAdvanceAmount: decimal.NewFromInt(5_000),
		MaxAdvanceAmount: decimal.NewFromInt(500_000),
		MaxExposureLimit: decimal.NewFromInt(500_000),
		MinReserveRatio:  decimal.NewFromInt(80),
	})
	require.NoError(t, err)

	engine.allocate(t, pool.ID, 100_000)

	// Total recovery failure. The loss commits even against a thin pool.
	_, err = engine.uc.HandleDefault(ctx, &DefaultInput{
		PoolID:          pool.ID,
		AdvanceID:       "adv-1",
		DefaultedAmount: decimal.NewFromInt(100_000),
	})
	require.NoError(t, err)

	after, err := engine.ledger.Find(ctx, pool.ID)
	require.NoError(t, err)
	require.NoError(t, after.CheckInvariants())
	assert.True(t, after.TotalCapital.Equal(decimal.NewFromInt(900_000)))
	assert.True(t, after.ReserveRatio().Equal(decimal.NewFromInt(100)), "all remaining capital is liquid")
}

func TestHandleDefaultWarnsWhenHealthBandDegrades(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine(t)

	// A seasoned pool one loss away from slipping out of the healthy band,
	// while staying under the hard default-rate threshold and above the
	// reserve floor.
	pool := engine.seedPool(t, &pmodel.Pool{
		ID:                     "seasoned",
		Name:                   "seasoned",
		RiskTier:               pmodel.RiskTierB,
		TotalCapital:           decimal.NewFromInt(1_000_000),
		AvailableCapital:       decimal.NewFromInt(200_000),
		DeployedCapital:        decimal.NewFromInt(800_000),
		MinReserveRatio:        decimal.NewFromInt(15),
		TotalAdvancesIssued:    41,
		TotalAdvancesDefaulted: 1,
		TotalAdvancesActive:    2,
		DefaultRate:            decimal.NewFromInt(100).Div(decimal.NewFromInt(41)),
	})

	sub := engine.uc.Bus.Subscribe(pool.ID)
	defer sub.Unsubscribe()

	_, err := engine.uc.HandleDefault(ctx, &DefaultInput{
		PoolID:          pool.ID,
		AdvanceID:       "adv-1",
		DefaultedAmount: decimal.NewFromInt(100_000),
	})
	require.NoError(t, err)

	after, err := engine.ledger.Find(ctx, pool.ID)
	require.NoError(t, err)
	require.True(t, after.DefaultRate.LessThan(decimal.NewFromInt(5)), "stays under the hard threshold")
	require.True(t, after.ReserveRatio().GreaterThan(after.MinReserveRatio), "stays above the reserve floor")

	var warned bool

	for drained := false; !drained; {
		select {
		case event := <-sub.Events():
			if event.ChangeType == pmodel.EventHealthWarning {
				warned = true
			}
		default:
			drained = true
		}
	}

	assert.True(t, warned, "dropping from healthy to warning raises the alert")
}

func TestHandleDefaultRejectsBadRecovery(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine(t)
	pool := engine.createPool(t, "pool-b", pmodel.RiskTierB, 1_000_000)
	engine.allocate(t, pool.ID, 100_000)

	_, err := engine.uc.HandleDefault(ctx, &DefaultInput{
		PoolID:          pool.ID,
		AdvanceID:       "adv-1",
		DefaultedAmount: decimal.NewFromInt(50_000),
		RecoveredAmount: decimal.NewFromInt(60_000),
	})
	assert.ErrorIs(t, err, constant.ErrValidationError)
}
