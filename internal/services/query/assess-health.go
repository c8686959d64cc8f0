package query

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/agrofin/capital-engine/pkg"
	"github.com/agrofin/capital-engine/pkg/pmodel"
)

// AssessHealth scores a pool 0-100 from four weighted components: liquidity,
// default performance, farmer concentration and advance activity.
func (uc *UseCase) AssessHealth(ctx context.Context, poolID string) (*pmodel.PoolHealth, error) {
	ctx, span := uc.Tracer.Start(ctx, "query.assess_health")
	defer span.End()

	pool, err := uc.PoolRepo.Find(ctx, poolID)
	if err != nil {
		return nil, pkg.ValidateBusinessError(err, "pool %s not found", poolID)
	}

	return pmodel.ScoreHealth(pool, uc.topExposurePct(ctx, pool), time.Now().UTC()), nil
}

// topExposurePct is the largest single farmer exposure as a percentage of
// deployed capital.
func (uc *UseCase) topExposurePct(ctx context.Context, pool *pmodel.Pool) decimal.Decimal {
	if !pool.DeployedCapital.IsPositive() {
		return decimal.Zero
	}

	exposures, err := uc.TransactionRepo.FarmerExposures(ctx, pool.ID, 1)
	if err != nil || len(exposures) == 0 {
		return decimal.Zero
	}

	return exposures[0].Exposure.Mul(hundred).Div(pool.DeployedCapital)
}
