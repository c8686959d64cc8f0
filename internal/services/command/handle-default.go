package command

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/agrofin/capital-engine/internal/adapters/ledger"
	"github.com/agrofin/capital-engine/pkg"
	"github.com/agrofin/capital-engine/pkg/constant"
	"github.com/agrofin/capital-engine/pkg/pmodel"
)

// DefaultInput describes a defaulted advance and whatever was recovered.
type DefaultInput struct {
	PoolID          string          `json:"poolId" validate:"required"`
	AdvanceID       string          `json:"advanceId" validate:"required"`
	FarmerID        string          `json:"farmerId,omitempty"`
	DefaultedAmount decimal.Decimal `json:"defaultedAmount" validate:"required"`
	RecoveredAmount decimal.Decimal `json:"recoveredAmount"`
	Description     string          `json:"description,omitempty"`
}

// HandleDefault absorbs the loss on a defaulted advance. The recovered
// portion returns to available capital; the unrecovered loss leaves the pool
// entirely, shrinking total capital. This is the one mutation allowed to
// push the reserve ratio below its configured floor.
func (uc *UseCase) HandleDefault(ctx context.Context, input *DefaultInput) (*pmodel.ReleaseResult, error) {
	ctx, span := uc.Tracer.Start(ctx, "command.handle_default")
	defer span.End()

	if err := pmodel.Validate(input); err != nil {
		return nil, pkg.ValidateBusinessError(constant.ErrValidationError, "invalid default input: %v", err)
	}

	if !input.DefaultedAmount.IsPositive() {
		return nil, pkg.ValidateBusinessError(constant.ErrValidationError, "defaulted amount must be positive")
	}

	if input.RecoveredAmount.IsNegative() || input.RecoveredAmount.GreaterThan(input.DefaultedAmount) {
		return nil, pkg.ValidateBusinessError(constant.ErrValidationError,
			"recovered amount must be between 0 and the defaulted amount")
	}

	loss := input.DefaultedAmount.Sub(input.RecoveredAmount)

	var (
		result        *pmodel.ReleaseResult
		before, final *pmodel.Pool
	)

	err := uc.retryConflict(ctx, func(ctx context.Context) error {
		return uc.withPoolLock(ctx, input.PoolID, func(ctx context.Context, locked ledger.LockedPool) error {
			pool := locked.Pool()

			if input.DefaultedAmount.GreaterThan(pool.DeployedCapital) {
				return pkg.ValidateBusinessError(constant.ErrAmountAboveMaximum,
					"defaulted amount %s exceeds deployed capital %s", input.DefaultedAmount, pool.DeployedCapital)
			}

			now := time.Now().UTC()
			txnID := uuid.NewString()

			delta := pmodel.BalanceDelta{
				Total:                loss.Neg(),
				Available:            input.RecoveredAmount,
				Deployed:             input.DefaultedAmount.Neg(),
				DefaultedDelta:       1,
				ActiveDelta:          -1,
				RecomputeDefaultRate: true,
			}

			after, err := locked.ApplyDelta(ctx, delta, &pmodel.PoolTransaction{
				ID:            txnID,
				PoolID:        pool.ID,
				Type:          pmodel.TransactionAdjustment,
				Amount:        loss.Neg(),
				BalanceBefore: pool.AvailableCapital,
				BalanceAfter:  pool.AvailableCapital.Add(input.RecoveredAmount),
				Description:   input.Description,
				Metadata: map[string]any{
					"reason":          "advance_default",
					"farmerId":        input.FarmerID,
					"defaultedAmount": input.DefaultedAmount.String(),
					"recoveredAmount": input.RecoveredAmount.String(),
				},
				RelatedAdvanceID: input.AdvanceID,
				CreatedAt:        now,
			})
			if err != nil {
				return err
			}

			result = &pmodel.ReleaseResult{
				PoolID:        pool.ID,
				BalanceBefore: pool.AvailableCapital,
				BalanceAfter:  after.AvailableCapital,
				TransactionID: txnID,
				ReleasedAt:    now,
			}

			before, final = pool, after

			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	uc.Logger.Warnw("default absorbed",
		"pool_id", final.ID,
		"advance_id", input.AdvanceID,
		"loss", loss,
		"default_rate", final.DefaultRate,
	)

	holds := uc.activeReservations(ctx, final.ID)
	change := balanceChange{
		Before:      before,
		After:       final,
		HoldsBefore: holds,
		HoldsAfter:  holds,
		ChangeType:  pmodel.EventBalanceChanged,
		Amount:      loss.Neg(),
		EntityID:    input.AdvanceID,
		EntityType:  pmodel.RelatedEntityAdjustment,
	}
	uc.publishBalanceChange(ctx, change)

	if uc.healthDegraded(ctx, before, final) {
		change.ChangeType = pmodel.EventHealthWarning
		uc.publishBalanceChange(ctx, change)
	}

	return result, nil
}

// healthDegraded reports whether a default pushed the pool past a hard
// threshold or into a worse health band than it held before the loss.
func (uc *UseCase) healthDegraded(ctx context.Context, before, after *pmodel.Pool) bool {
	if after.DefaultRate.GreaterThanOrEqual(decimal.NewFromInt(constant.WarningDefaultRateThreshold)) ||
		after.ReserveRatio().LessThan(after.MinReserveRatio) {
		return true
	}

	exposurePct := uc.topExposurePct(ctx, after)
	now := time.Now().UTC()

	was := pmodel.ScoreHealth(before, exposurePct, now).Status
	became := pmodel.ScoreHealth(after, exposurePct, now).Status

	return healthBandRank(became) < healthBandRank(was)
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

func healthBandRank(status pmodel.HealthStatus) int {
	switch status {
	case pmodel.HealthHealthy:
		return 2
	case pmodel.HealthWarning:
		return 1
	default:
		return 0
	}
}
