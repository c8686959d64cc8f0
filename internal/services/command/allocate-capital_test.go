package command

import (
	"context"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agrofin/capital-engine/internal/adapters/ledger"
	"github.com/agrofin/capital-engine/internal/adapters/memory"
	"github.com/agrofin/capital-engine/pkg"
	"github.com/agrofin/capital-engine/pkg/constant"
	"github.com/agrofin/capital-engine/pkg/pmodel"
)

func TestAllocateCapitalMovesAvailableToDeployed(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine(t)
	pool := engine.createPool(t, "pool-b", pmodel.RiskTierB, 1_000_000)

	req := allocationRequest(50_000, pmodel.RiskTierB)
	req.PreferredPoolID = pool.ID

	result, err := engine.uc.AllocateCapital(ctx, req)
	require.NoError(t, err)

	assert.Equal(t, pool.ID, result.PoolID)
	assert.True(t, result.BalanceBefore.Equal(decimal.NewFromInt(1_000_000)))
	assert.True(t, result.BalanceAfter.Equal(decimal.NewFromInt(950_000)))

	after, err := engine.ledger.Find(ctx, pool.ID)
	require.NoError(t, err)
	assert.True(t, after.AvailableCapital.Equal(decimal.NewFromInt(950_000)))
	assert.True(t, after.DeployedCapital.Equal(decimal.NewFromInt(50_000)))
	assert.True(t, after.TotalCapital.Equal(decimal.NewFromInt(1_000_000)), "allocation conserves total capital")
	assert.EqualValues(t, 1, after.TotalAdvancesIssued)
	assert.EqualValues(t, 1, after.TotalAdvancesActive)
	assert.NotNil(t, after.LastAllocatedAt)

	entries, err := engine.ledger.ListByPool(ctx, pool.ID, pmodel.TransactionFilter{
		Type: pmodel.TransactionAdvanceDisbursement,
	})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "adv-1", entries[0].RelatedAdvanceID)
}

func TestAllocateCapitalComputesTierFees(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine(t)
	pool := engine.createPool(t, "pool-b", pmodel.RiskTierB, 1_000_000)

	req := allocationRequest(50_000, pmodel.RiskTierB)
	req.PreferredPoolID = pool.ID

	result, err := engine.uc.AllocateCapital(ctx, req)
	require.NoError(t, err)

	// Tier B: 2.5% farmer, 1.25% buyer.
	assert.True(t, result.Fees.FarmerFee.Equal(decimal.NewFromInt(1_250)), "got %s", result.Fees.FarmerFee)
	assert.True(t, result.Fees.BuyerFee.Equal(decimal.NewFromFloat(625)), "got %s", result.Fees.BuyerFee)
	assert.True(t, result.Fees.TotalFee.Equal(decimal.NewFromInt(1_875)))
}

func TestAllocateCapitalAtSingleAdvanceCeiling(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine(t)
	pool := engine.createPool(t, "pool-b", pmodel.RiskTierB, 1_000_000)

	// Exactly 10% of total capital is allowed.
	atLimit := allocationRequest(100_000, pmodel.RiskTierB)
	atLimit.PreferredPoolID = pool.ID

	_, err := engine.uc.AllocateCapital(ctx, atLimit)
	require.NoError(t, err)

	over := allocationRequest(100_001, pmodel.RiskTierB)
	over.PreferredPoolID = pool.ID
	over.AdvanceID = "adv-2"
	over.FarmerID = "farmer-2"

	_, err = engine.uc.AllocateCapital(ctx, over)
	assert.ErrorIs(t, err, constant.ErrExposureLimitExceeded)
}

func TestAllocateCapitalRespectsReserveFloor(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine(t)

	pool, err := engine.uc.CreatePool(ctx, &pmodel.CreatePoolInput{
		Name:             "tight-pool",
		RiskTier:         pmodel.RiskTierB,
		Currency:         "MXN",
		InitialCapital:   decimal.NewFromInt(1_000_000),
		MinAdvanceAmount: decimal.NewFromInt(5_000),
		MaxAdvanceAmount: decimal.NewFromInt(500_000),
		MaxExposureLimit: decimal.NewFromInt(200_000),
		MinReserveRatio:  decimal.NewFromInt(95),
	})
	require.NoError(t, err)

	req := allocationRequest(60_000, pmodel.RiskTierB)
	req.PreferredPoolID = pool.ID

	_, err = engine.uc.AllocateCapital(ctx, req)
	assert.ErrorIs(t, err, constant.ErrReserveRatioViolation)

	after, ferr := engine.ledger.Find(ctx, pool.ID)
	require.NoError(t, ferr)
	assert.True(t, after.AvailableCapital.Equal(decimal.NewFromInt(1_000_000)), "failed allocation mutates nothing")
}

func TestConcurrentAllocationsAdmitExactlyOne(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine(t)

	// Headroom above the reserve floor fits one 60k allocation, not two.
	pool, err := engine.uc.CreatePool(ctx, &pmodel.CreatePoolInput{
		Name:             "contended-pool",
		RiskTier:         pmodel.RiskTierB,
		Currency:         "MXN",
		InitialCapital:   decimal.NewFromInt(1_000_000),
		MinAdvanceAmount: decimal.NewFromInt(5_000),
		MaxAdvanceAmount: decimal.NewFromInt(500_000),
		MaxExposureLimit: decimal.NewFromInt(500_000),
		MinReserveRatio:  decimal.NewFromInt(89),
	})
	require.NoError(t, err)

	var wg sync.WaitGroup

	outcomes := make([]error, 2)

	for i := 0; i < 2; i++ {
		wg.Add(1)

		go func(i int) {
			defer wg.Done()

			req := allocationRequest(60_000, pmodel.RiskTierB)
			req.PreferredPoolID = pool.ID
			req.AdvanceID = "adv-" + string(rune('a'+i))
			req.FarmerID = "farmer-" + string(rune('a'+i))

			_, outcomes[i] = engine.uc.AllocateCapital(ctx, req)
		}(i)
	}

	wg.Wait()

	succeeded := 0
	for _, err := range outcomes {
		if err == nil {
			succeeded++
		} else {
			assert.ErrorIs(t, err, constant.ErrReserveRatioViolation)
		}
	}

	require.Equal(t, 1, succeeded)

	after, err := engine.ledger.Find(ctx, pool.ID)
	require.NoError(t, err)
	assert.True(t, after.AvailableCapital.Equal(decimal.NewFromInt(940_000)))
	require.NoError(t, after.CheckInvariants())
}

// commitConflictLedger fails the first locked mutation at commit time, after
// the callback has run, the way a serialization failure surfaces.
type commitConflictLedger struct {
	*memory.LedgerRepository
	conflicted bool
}

func (c *commitConflictLedger) WithLock(ctx context.Context, poolID string, fn func(context.Context, ledger.LockedPool) error) error {
	return c.LedgerRepository.WithLock(ctx, poolID, func(ctx context.Context, locked ledger.LockedPool) error {
		if err := fn(ctx, locked); err != nil {
			return err
		}

		if !c.conflicted {
			c.conflicted = true
			return constant.ErrConcurrentMutation
		}

		return nil
	})
}

func TestAllocationConflictRetryPublishesOnce(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine(t)
	pool := engine.createPool(t, "pool-b", pmodel.RiskTierB, 1_000_000)

	engine.uc.PoolRepo = &commitConflictLedger{LedgerRepository: engine.ledger}

	sub := engine.uc.Bus.Subscribe(pool.ID)
	defer sub.Unsubscribe()

	req := allocationRequest(50_000, pmodel.RiskTierB)
	req.PreferredPoolID = pool.ID

	_, err := engine.uc.AllocateCapital(ctx, req)
	require.NoError(t, err)

	var received []pmodel.BalanceChangeEvent

	for drained := false; !drained; {
		select {
		case event := <-sub.Events():
			received = append(received, event)
		default:
			drained = true
		}
	}

	require.Len(t, received, 1, "the rolled-back attempt must not publish")
	assert.True(t, received[0].BalanceAfter.AvailableCapital.Equal(decimal.NewFromInt(950_000)))

	after, err := engine.ledger.Find(ctx, pool.ID)
	require.NoError(t, err)
	assert.True(t, after.AvailableCapital.Equal(decimal.NewFromInt(950_000)), "exactly one disbursement committed")
	assert.EqualValues(t, 1, after.TotalAdvancesIssued)
}

func TestAllocateCapitalEnforcesFarmerLimit(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine(t)
	pool := engine.createPool(t, "pool-b", pmodel.RiskTierB, 1_000_000)

	for i, advance := range []string{"adv-1", "adv-2"} {
		req := allocationRequest(100_000, pmodel.RiskTierB)
		req.PreferredPoolID = pool.ID
		req.AdvanceID = advance

		_, err := engine.uc.AllocateCapital(ctx, req)
		require.NoError(t, err, "allocation %d", i)
	}

	// farmer-1 now sits at the 200k exposure limit.
	third := allocationRequest(10_000, pmodel.RiskTierB)
	third.PreferredPoolID = pool.ID
	third.AdvanceID = "adv-3"

	_, err := engine.uc.AllocateCapital(ctx, third)
	assert.ErrorIs(t, err, constant.ErrFarmerLimitExceeded)
}

func TestAllocateCapitalReportsAlternatives(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine(t)

	paused := engine.createPool(t, "paused-pool", pmodel.RiskTierB, 1_000_000)
	engine.createPool(t, "open-pool", pmodel.RiskTierB, 1_000_000)

	status := pmodel.PoolStatusPaused
	_, err := engine.uc.UpdatePool(ctx, paused.ID, &pmodel.UpdatePoolInput{Status: &status})
	require.NoError(t, err)

	req := allocationRequest(50_000, pmodel.RiskTierB)
	req.PreferredPoolID = paused.ID

	_, err = engine.uc.AllocateCapital(ctx, req)
	require.ErrorIs(t, err, constant.ErrPoolPaused)

	var be pkg.BusinessError
	require.ErrorAs(t, err, &be)
	require.NotEmpty(t, be.Alternatives)
	assert.Equal(t, "ELIGIBLE", be.Alternatives[0].FailingConstraint)
}

func TestSelectPoolFailsWhenNoTierMatches(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine(t)
	engine.createPool(t, "pool-b", pmodel.RiskTierB, 1_000_000)

	_, alts, err := engine.uc.SelectPool(ctx, allocationRequest(50_000, pmodel.RiskTierA))
	require.ErrorIs(t, err, constant.ErrPoolNotFound)
	require.Len(t, alts, 1)
	assert.Equal(t, "RISK_TIER_MISMATCH", alts[0].FailingConstraint)
}

func TestSelectPoolHighestAvailable(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine(t)

	engine.createPool(t, "small", pmodel.RiskTierB, 800_000)
	big := engine.createPool(t, "big", pmodel.RiskTierB, 2_000_000)

	req := allocationRequest(50_000, pmodel.RiskTierB)
	req.Priority = pmodel.PriorityHighestAvailable

	selected, _, err := engine.uc.SelectPool(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, big.ID, selected.ID)
}

func TestSelectPoolLowestRiskPrefersLowDefaultRate(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine(t)

	// The bigger pool carries the worse loss history; size must not outrank it.
	engine.seedPool(t, &pmodel.Pool{
		ID:               "a-risky",
		Name:             "a-risky",
		RiskTier:         pmodel.RiskTierB,
		TotalCapital:     decimal.NewFromInt(900_000),
		AvailableCapital: decimal.NewFromInt(900_000),
		DefaultRate:      decimal.NewFromFloat(9.0),
	})
	engine.seedPool(t, &pmodel.Pool{
		ID:               "z-safe",
		Name:             "z-safe",
		RiskTier:         pmodel.RiskTierB,
		TotalCapital:     decimal.NewFromInt(600_000),
		AvailableCapital: decimal.NewFromInt(600_000),
		DefaultRate:      decimal.NewFromFloat(0.5),
	})

	req := allocationRequest(50_000, pmodel.RiskTierB)
	req.Priority = pmodel.PriorityLowestRisk

	selected, _, err := engine.uc.SelectPool(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "z-safe", selected.ID, "lowest default rate wins")
}

func TestSelectPoolLowestRiskTieBreaksOnAvailable(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine(t)

	engine.seedPool(t, &pmodel.Pool{
		ID:               "thin",
		Name:             "thin",
		RiskTier:         pmodel.RiskTierB,
		TotalCapital:     decimal.NewFromInt(600_000),
		AvailableCapital: decimal.NewFromInt(600_000),
		DefaultRate:      decimal.NewFromInt(2),
	})
	engine.seedPool(t, &pmodel.Pool{
		ID:               "wide",
		Name:             "wide",
		RiskTier:         pmodel.RiskTierB,
		TotalCapital:     decimal.NewFromInt(900_000),
		AvailableCapital: decimal.NewFromInt(900_000),
		DefaultRate:      decimal.NewFromInt(2),
	})

	req := allocationRequest(50_000, pmodel.RiskTierB)
	req.Priority = pmodel.PriorityLowestRisk

	selected, _, err := engine.uc.SelectPool(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "wide", selected.ID, "equal risk falls back to deeper capital")
}

func TestSelectPoolBestReturnUsesRealizedYield(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine(t)

	// "flash" promises 30% but has earned 2% of what it disbursed; "steady"
	// promises 10% and has earned 8%.
	engine.seedPool(t, &pmodel.Pool{
		ID:               "flash",
		Name:             "flash",
		RiskTier:         pmodel.RiskTierB,
		TotalCapital:     decimal.NewFromInt(800_000),
		AvailableCapital: decimal.NewFromInt(800_000),
		TargetReturnRate: decimal.NewFromInt(30),
		TotalDisbursed:   decimal.NewFromInt(1_000_000),
		TotalFeesEarned:  decimal.NewFromInt(20_000),
	})
	engine.seedPool(t, &pmodel.Pool{
		ID:               "steady",
		Name:             "steady",
		RiskTier:         pmodel.RiskTierB,
		TotalCapital:     decimal.NewFromInt(800_000),
		AvailableCapital: decimal.NewFromInt(800_000),
		TargetReturnRate: decimal.NewFromInt(10),
		TotalDisbursed:   decimal.NewFromInt(500_000),
		TotalFeesEarned:  decimal.NewFromInt(40_000),
	})

	req := allocationRequest(50_000, pmodel.RiskTierB)
	req.Priority = pmodel.PriorityBestReturn

	selected, _, err := engine.uc.SelectPool(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "steady", selected.ID, "realized yield outranks the target rate")
}

func TestSelectPoolWeightedFavorsSaferPool(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine(t)

	// Identical size and returns; only the loss history differs.
	engine.seedPool(t, &pmodel.Pool{
		ID:               "lossy",
		Name:             "lossy",
		RiskTier:         pmodel.RiskTierB,
		TotalCapital:     decimal.NewFromInt(800_000),
		AvailableCapital: decimal.NewFromInt(800_000),
		TargetReturnRate: decimal.NewFromInt(12),
		DefaultRate:      decimal.NewFromInt(8),
	})
	engine.seedPool(t, &pmodel.Pool{
		ID:               "clean",
		Name:             "clean",
		RiskTier:         pmodel.RiskTierB,
		TotalCapital:     decimal.NewFromInt(800_000),
		AvailableCapital: decimal.NewFromInt(800_000),
		TargetReturnRate: decimal.NewFromInt(12),
	})

	req := allocationRequest(50_000, pmodel.RiskTierB)
	req.Priority = pmodel.PriorityWeighted

	selected, _, err := engine.uc.SelectPool(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "clean", selected.ID)
}

func TestSelectPoolRoundRobinPrefersLeastRecentlyUsed(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine(t)

	first := engine.createPool(t, "first", pmodel.RiskTierB, 1_000_000)
	second := engine.createPool(t, "second", pmodel.RiskTierB, 1_000_000)

	req := allocationRequest(50_000, pmodel.RiskTierB)
	req.PreferredPoolID = first.ID

	_, err := engine.uc.AllocateCapital(ctx, req)
	require.NoError(t, err)

	rrReq := allocationRequest(50_000, pmodel.RiskTierB)
	rrReq.Priority = pmodel.PriorityRoundRobin
	rrReq.AdvanceID = "adv-2"

	selected, _, err := engine.uc.SelectPool(ctx, rrReq)
	require.NoError(t, err)
	assert.Equal(t, second.ID, selected.ID, "never-allocated pool wins round robin")
}
