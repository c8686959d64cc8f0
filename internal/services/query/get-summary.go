package query

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/agrofin/capital-engine/pkg"
	"github.com/agrofin/capital-engine/pkg/pmodel"
)

// GetPoolSummary aggregates balances and counters across every pool. The
// aggregate is cached with its own TTL since it touches all rows.
func (uc *UseCase) GetPoolSummary(ctx context.Context) (*pmodel.PoolSummary, error) {
	ctx, span := uc.Tracer.Start(ctx, "query.get_pool_summary")
	defer span.End()

	cached, err := uc.CacheRepo.GetSummary(ctx)
	if err != nil {
		uc.Logger.Warnw("summary read failed, falling back to store", "error", err)
	}

	if cached != nil {
		return cached, nil
	}

	pools, err := uc.PoolRepo.FindAll(ctx, pmodel.PoolFilter{})
	if err != nil {
		return nil, pkg.ValidateBusinessError(err, "failed to list pools for summary")
	}

	summary := &pmodel.PoolSummary{
		TotalPools:    len(pools),
		PoolsByStatus: make(map[pmodel.PoolStatus]int),
		PoolsByTier:   make(map[pmodel.RiskTier]int),
		GeneratedAt:   time.Now().UTC(),
	}

	utilizationSum := decimal.Zero
	defaultRateSum := decimal.Zero

	for _, pool := range pools {
		summary.PoolsByStatus[pool.Status]++
		summary.PoolsByTier[pool.RiskTier]++

		summary.TotalCapital = summary.TotalCapital.Add(pool.TotalCapital)
		summary.TotalAvailable = summary.TotalAvailable.Add(pool.AvailableCapital)
		summary.TotalDeployed = summary.TotalDeployed.Add(pool.DeployedCapital)
		summary.TotalReserved = summary.TotalReserved.Add(pool.ReservedCapital)
		summary.TotalFeesEarned = summary.TotalFeesEarned.Add(pool.TotalFeesEarned)
		summary.ActiveAdvances += pool.TotalAdvancesActive

		utilizationSum = utilizationSum.Add(pool.UtilizationRate())
		defaultRateSum = defaultRateSum.Add(pool.DefaultRate)
	}

	if len(pools) > 0 {
		count := decimal.NewFromInt(int64(len(pools)))
		summary.AverageUtilization = utilizationSum.Div(count)
		summary.AverageDefaultRate = defaultRateSum.Div(count)
	}

	if err := uc.CacheRepo.SetSummary(ctx, summary); err != nil {
		uc.Logger.Warnw("summary write-back failed", "error", err)
	}

	return summary, nil
}
