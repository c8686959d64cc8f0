package query

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/agrofin/capital-engine/pkg"
	"github.com/agrofin/capital-engine/pkg/pmodel"
)

// GetPoolPerformance computes return metrics for a pool over a date range
// from its ledger history, with farmer concentration over the five largest
// exposures.
func (uc *UseCase) GetPoolPerformance(ctx context.Context, poolID string, from, to time.Time) (*pmodel.PoolPerformance, error) {
	ctx, span := uc.Tracer.Start(ctx, "query.get_pool_performance")
	defer span.End()

	pool, err := uc.PoolRepo.Find(ctx, poolID)
	if err != nil {
		return nil, pkg.ValidateBusinessError(err, "pool %s not found", poolID)
	}

	if to.IsZero() {
		to = time.Now().UTC()
	}

	if from.IsZero() {
		from = pool.CreatedAt
	}

	entries, err := uc.TransactionRepo.ListByPool(ctx, poolID, pmodel.TransactionFilter{From: from, To: to})
	if err != nil {
		return nil, pkg.ValidateBusinessError(err, "failed to read ledger for pool %s", poolID)
	}

	perf := &pmodel.PoolPerformance{PoolID: poolID, From: from, To: to}

	for _, entry := range entries {
		switch entry.Type {
		case pmodel.TransactionAdvanceDisbursement:
			perf.AdvancesIssued++
			perf.TotalDisbursed = perf.TotalDisbursed.Add(entry.Amount)

		case pmodel.TransactionReserveAllocation:
			// Only committed holds represent deployments.
			if phase, _ := entry.Metadata["phase"].(string); phase == "committed" {
				perf.AdvancesIssued++
				perf.TotalDisbursed = perf.TotalDisbursed.Add(entry.Amount)
			}

		case pmodel.TransactionAdvanceRepayment:
			perf.TotalRepaid = perf.TotalRepaid.Add(entry.Amount)

			if releaseType, _ := entry.Metadata["releaseType"].(string); releaseType == string(pmodel.ReleaseFullRepayment) {
				perf.AdvancesCompleted++
			}

		case pmodel.TransactionFeeCollection, pmodel.TransactionPenaltyFee:
			perf.TotalFees = perf.TotalFees.Add(entry.Amount)

		case pmodel.TransactionAdjustment:
			if reason, _ := entry.Metadata["reason"].(string); reason == "advance_default" {
				perf.AdvancesDefaulted++
				perf.TotalLosses = perf.TotalLosses.Add(entry.Amount.Neg())
			}
		}
	}

	if perf.AdvancesIssued > 0 {
		issued := decimal.NewFromInt(perf.AdvancesIssued)
		perf.CompletionRate = decimal.NewFromInt(perf.AdvancesCompleted).Mul(hundred).Div(issued)
		perf.DefaultRate = decimal.NewFromInt(perf.AdvancesDefaulted).Mul(hundred).Div(issued)
		perf.AverageAdvance = perf.TotalDisbursed.Div(issued)
	}

	perf.GrossProfit = perf.TotalFees.Sub(perf.TotalLosses)

	if perf.TotalDisbursed.IsPositive() {
		perf.ProfitMargin = perf.GrossProfit.Mul(hundred).Div(perf.TotalDisbursed)
	}

	// ROI annualizes gross profit over the pool's committed capital, not over
	// the period's disbursements.
	days := decimal.NewFromFloat(to.Sub(from).Hours() / 24)
	if days.IsPositive() && pool.TotalCapital.IsPositive() {
		perf.AnnualizedROI = perf.GrossProfit.Div(pool.TotalCapital).
			Mul(decimal.NewFromInt(365)).Div(days).Mul(hundred)
	}

	uc.fillConcentration(ctx, pool, perf)

	return perf, nil
}

// fillConcentration computes the share of deployed capital held by the five
// largest farmer exposures.
func (uc *UseCase) fillConcentration(ctx context.Context, pool *pmodel.Pool, perf *pmodel.PoolPerformance) {
	exposures, err := uc.TransactionRepo.FarmerExposures(ctx, pool.ID, 5)
	if err != nil {
		uc.Logger.Warnw("farmer exposures unavailable", "pool_id", pool.ID, "error", err)
		return
	}

	perf.TopExposures = exposures

	if !pool.DeployedCapital.IsPositive() {
		return
	}

	topSum := decimal.Zero
	for _, exposure := range exposures {
		topSum = topSum.Add(exposure.Exposure)
	}

	perf.TopFarmerExposurePct = topSum.Mul(hundred).Div(pool.DeployedCapital)
}
