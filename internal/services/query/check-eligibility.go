package query

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/agrofin/capital-engine/pkg"
	"github.com/agrofin/capital-engine/pkg/constant"
	"github.com/agrofin/capital-engine/pkg/pmodel"
)

// EligibilityInput asks whether a pool could fund an amount without
// committing to anything.
type EligibilityInput struct {
	PoolID   string          `json:"poolId" validate:"required"`
	Amount   decimal.Decimal `json:"amount" validate:"required"`
	RiskTier pmodel.RiskTier `json:"riskTier,omitempty"`
	FarmerID string          `json:"farmerId,omitempty"`
}

// CheckEligibility reports every allocation constraint the amount would
// violate and the largest amount the pool could currently fund, naming the
// constraint that binds it. The check is advisory; allocation revalidates
// under the pool lock.
func (uc *UseCase) CheckEligibility(ctx context.Context, input *EligibilityInput) (*pmodel.EligibilityResult, error) {
	ctx, span := uc.Tracer.Start(ctx, "query.check_eligibility")
	defer span.End()

	pool, err := uc.PoolRepo.Find(ctx, input.PoolID)
	if err != nil {
		return nil, pkg.ValidateBusinessError(err, "pool %s not found", input.PoolID)
	}

	result := &pmodel.EligibilityResult{PoolID: pool.ID}

	if pool.Status != pmodel.PoolStatusActive {
		result.FailingConstraints = append(result.FailingConstraints, "POOL_NOT_ACTIVE")
	}

	if input.RiskTier != "" && pool.RiskTier != input.RiskTier {
		result.FailingConstraints = append(result.FailingConstraints, "RISK_TIER_MISMATCH")
	}

	if input.Amount.LessThan(pool.MinAdvanceAmount) {
		result.FailingConstraints = append(result.FailingConstraints, "AMOUNT_BELOW_MINIMUM")
	}

	if input.Amount.GreaterThan(pool.MaxAdvanceAmount) {
		result.FailingConstraints = append(result.FailingConstraints, "AMOUNT_ABOVE_MAXIMUM")
	}

	maxSingle := pool.MaxSingleAdvance(uc.Config.MaxSingleAdvanceRatio)
	if input.Amount.GreaterThan(maxSingle) {
		result.FailingConstraints = append(result.FailingConstraints, "MAX_SINGLE_ADVANCE_EXCEEDED")
	}

	effective := pool.AvailableCapital.
		Sub(uc.activeReservations(ctx, pool.ID)).
		Sub(pool.RequiredReserve())
	if effective.IsNegative() {
		effective = decimal.Zero
	}

	if input.Amount.GreaterThan(effective) {
		result.FailingConstraints = append(result.FailingConstraints, "INSUFFICIENT_EFFECTIVE_AVAILABLE")
	}

	if pool.UtilizationRate().GreaterThan(decimal.NewFromInt(constant.MaxUtilizationThreshold)) {
		result.FailingConstraints = append(result.FailingConstraints, "UTILIZATION_TOO_HIGH")
	}

	farmerHeadroom := decimal.Decimal{}
	hasFarmerLimit := false

	if input.FarmerID != "" && pool.MaxExposureLimit.IsPositive() {
		hasFarmerLimit = true
		farmerHeadroom = pool.MaxExposureLimit.Sub(uc.farmerExposure(ctx, pool.ID, input.FarmerID))

		if farmerHeadroom.IsNegative() {
			farmerHeadroom = decimal.Zero
		}

		if input.Amount.GreaterThan(farmerHeadroom) {
			result.FailingConstraints = append(result.FailingConstraints, "FARMER_LIMIT_EXCEEDED")
		}
	}

	// The binding constraint is whichever ceiling is lowest.
	result.MaxAllowedAmount = pool.MaxAdvanceAmount
	result.GoverningConstraint = "AMOUNT_ABOVE_MAXIMUM"

	if maxSingle.LessThan(result.MaxAllowedAmount) {
		result.MaxAllowedAmount = maxSingle
		result.GoverningConstraint = "MAX_SINGLE_ADVANCE_EXCEEDED"
	}

	if effective.LessThan(result.MaxAllowedAmount) {
		result.MaxAllowedAmount = effective
		result.GoverningConstraint = "INSUFFICIENT_EFFECTIVE_AVAILABLE"
	}

	if hasFarmerLimit && farmerHeadroom.LessThan(result.MaxAllowedAmount) {
		result.MaxAllowedAmount = farmerHeadroom
		result.GoverningConstraint = "FARMER_LIMIT_EXCEEDED"
	}

	result.Eligible = len(result.FailingConstraints) == 0

	return result, nil
}

func (uc *UseCase) farmerExposure(ctx context.Context, poolID, farmerID string) decimal.Decimal {
	exposures, err := uc.TransactionRepo.FarmerExposures(ctx, poolID, 0)
	if err != nil {
		uc.Logger.Warnw("farmer exposures unavailable", "pool_id", poolID, "error", err)
		return decimal.Zero
	}

	for _, exposure := range exposures {
		if exposure.FarmerID == farmerID {
			return exposure.Exposure
		}
	}

	return decimal.Zero
}
