package command

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/agrofin/capital-engine/internal/adapters/ledger"
	"github.com/agrofin/capital-engine/pkg"
	"github.com/agrofin/capital-engine/pkg/constant"
	"github.com/agrofin/capital-engine/pkg/pmodel"
)

// AllocateCapital deploys capital from a pool against an advance. The pool is
// either the caller's preferred one, the one backing an existing reservation,
// or the best candidate under the requested selection priority. Validation
// runs twice: once lock-free during selection and again under the composite
// pool lock, against the row as it exists at commit time.
func (uc *UseCase) AllocateCapital(ctx context.Context, req *pmodel.AllocationRequest) (*pmodel.AllocationResult, error) {
	ctx, span := uc.Tracer.Start(ctx, "command.allocate_capital")
	defer span.End()

	if err := pmodel.Validate(req); err != nil {
		return nil, pkg.ValidateBusinessError(constant.ErrValidationError, "invalid allocation request: %v", err)
	}

	if !req.RiskTier.Valid() {
		return nil, pkg.ValidateBusinessError(constant.ErrValidationError, "unknown risk tier %s", req.RiskTier)
	}

	if !req.RequestedAmount.IsPositive() {
		return nil, pkg.ValidateBusinessError(constant.ErrValidationError, "requested amount must be positive")
	}

	if req.ReservationID != "" {
		return uc.allocateFromReservation(ctx, req)
	}

	poolID := req.PreferredPoolID
	if poolID == "" {
		selected, _, err := uc.SelectPool(ctx, req)
		if err != nil {
			return nil, err
		}

		poolID = selected.ID
	}

	result, err := uc.allocateInPool(ctx, poolID, req, decimal.Zero)
	if err != nil {
		return nil, uc.withSelectionAlternatives(ctx, req, poolID, err)
	}

	return result, nil
}

// allocateInPool runs the locked allocation commit against one pool,
// retrying transient conflicts. excludedHold is subtracted from the active
// reservation sum when the allocation consumes its own hold.
func (uc *UseCase) allocateInPool(ctx context.Context, poolID string, req *pmodel.AllocationRequest, excludedHold decimal.Decimal) (*pmodel.AllocationResult, error) {
	var (
		result        *pmodel.AllocationResult
		before, after *pmodel.Pool
		holdsBefore   decimal.Decimal
	)

	err := uc.retryConflict(ctx, func(ctx context.Context) error {
		return uc.withPoolLock(ctx, poolID, func(ctx context.Context, locked ledger.LockedPool) error {
			pool := locked.Pool()

			holdsBefore = uc.activeReservations(ctx, pool.ID)

			holds := holdsBefore.Sub(excludedHold)
			if holds.IsNegative() {
				holds = decimal.Zero
			}

			if err := uc.validateAllocation(ctx, pool, req, holds); err != nil {
				return err
			}

			fees := uc.feesFor(pool.RiskTier, req.RequestedAmount)
			amount := req.RequestedAmount
			now := time.Now().UTC()

			txn := &pmodel.PoolTransaction{
				ID:            uuid.NewString(),
				PoolID:        pool.ID,
				Type:          pmodel.TransactionAdvanceDisbursement,
				Amount:        amount,
				BalanceBefore: pool.AvailableCapital,
				BalanceAfter:  pool.AvailableCapital.Sub(amount),
				Description:   "advance disbursement",
				Metadata: map[string]any{
					"farmerId":  req.FarmerID,
					"orderId":   req.OrderID,
					"farmerFee": fees.FarmerFee.String(),
					"buyerFee":  fees.BuyerFee.String(),
					"totalFee":  fees.TotalFee.String(),
				},
				RelatedAdvanceID: req.AdvanceID,
				CreatedAt:        now,
			}

			delta := pmodel.BalanceDelta{
				Available:          amount.Neg(),
				Deployed:           amount,
				Disbursed:          amount,
				IssuedDelta:        1,
				ActiveDelta:        1,
				TouchLastAllocated: true,
			}

			committed, err := locked.ApplyDelta(ctx, delta, txn)
			if err != nil {
				return err
			}

			result = &pmodel.AllocationResult{
				PoolID:        pool.ID,
				AdvanceID:     req.AdvanceID,
				Amount:        amount,
				BalanceBefore: txn.BalanceBefore,
				BalanceAfter:  committed.AvailableCapital,
				TransactionID: txn.ID,
				Fees:          fees,
				AllocatedAt:   now,
			}

			before, after = pool, committed

			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	uc.afterAllocation(ctx, before, after, holdsBefore, excludedHold, req, result.Amount)

	return result, nil
}

// afterAllocation publishes the balance change once the commit is durable.
// A consumed reservation hold leaves the active sum on commit, so the after
// view excludes it.
func (uc *UseCase) afterAllocation(ctx context.Context, before, after *pmodel.Pool, holdsBefore, excludedHold decimal.Decimal, req *pmodel.AllocationRequest, amount decimal.Decimal) {
	uc.Logger.Infow("capital allocated",
		"pool_id", after.ID,
		"advance_id", req.AdvanceID,
		"farmer_id", req.FarmerID,
		"amount", amount,
	)

	holdsAfter := holdsBefore.Sub(excludedHold)
	if holdsAfter.IsNegative() {
		holdsAfter = decimal.Zero
	}

	uc.publishBalanceChange(ctx, balanceChange{
		Before:      before,
		After:       after,
		HoldsBefore: holdsBefore,
		HoldsAfter:  holdsAfter,
		ChangeType:  pmodel.EventBalanceChanged,
		Amount:      amount.Neg(),
		EntityID:    req.AdvanceID,
		EntityType:  pmodel.RelatedEntityAdvance,
	})
}

// validateAllocation re-checks every allocation constraint against the locked
// row. Constraint order matches the lock-free screen so callers see stable
// failure modes. holds is the active reservation sum the allocation may not
// touch, net of any hold the allocation itself consumes.
func (uc *UseCase) validateAllocation(ctx context.Context, pool *pmodel.Pool, req *pmodel.AllocationRequest, holds decimal.Decimal) error {
	amount := req.RequestedAmount

	if pool.Status != pmodel.PoolStatusActive {
		return pkg.ValidateBusinessError(constant.ErrPoolPaused, "pool %s is %s", pool.ID, pool.Status)
	}

	if pool.RiskTier != req.RiskTier {
		return pkg.ValidateBusinessError(constant.ErrRiskTierMismatch,
			"pool %s is tier %s, request is tier %s", pool.ID, pool.RiskTier, req.RiskTier)
	}

	if amount.LessThan(pool.MinAdvanceAmount) {
		return pkg.ValidateBusinessError(constant.ErrAmountBelowMinimum,
			"amount %s is below the pool minimum %s", amount, pool.MinAdvanceAmount)
	}

	if amount.GreaterThan(pool.MaxAdvanceAmount) {
		return pkg.ValidateBusinessError(constant.ErrAmountAboveMaximum,
			"amount %s exceeds the pool maximum %s", amount, pool.MaxAdvanceAmount)
	}

	maxSingle := pool.MaxSingleAdvance(uc.Config.MaxSingleAdvanceRatio)
	if amount.GreaterThan(maxSingle) {
		return pkg.ValidateBusinessError(constant.ErrExposureLimitExceeded,
			"amount %s exceeds the single-advance ceiling %s", amount, maxSingle)
	}

	uncommitted := pool.AvailableCapital.Sub(holds)
	if amount.GreaterThan(uncommitted) {
		return pkg.ValidateBusinessError(constant.ErrInsufficientEffectiveAvailable,
			"amount %s exceeds unreserved available capital %s", amount, uncommitted)
	}

	if uncommitted.Sub(amount).LessThan(pool.RequiredReserve()) {
		return pkg.ValidateBusinessError(constant.ErrReserveRatioViolation,
			"allocation would drop available capital below the required reserve %s", pool.RequiredReserve())
	}

	if err := uc.checkFarmerLimit(ctx, pool, req.FarmerID, amount); err != nil {
		return err
	}

	return nil
}

// checkFarmerLimit enforces the per-farmer concentration cap from the pool's
// ledger history.
func (uc *UseCase) checkFarmerLimit(ctx context.Context, pool *pmodel.Pool, farmerID string, amount decimal.Decimal) error {
	if !pool.MaxExposureLimit.IsPositive() {
		return nil
	}

	exposures, err := uc.TransactionRepo.FarmerExposures(ctx, pool.ID, 0)
	if err != nil {
		return pkg.ValidateBusinessError(err, "failed to read farmer exposures for pool %s", pool.ID)
	}

	current := decimal.Zero

	for _, exposure := range exposures {
		if exposure.FarmerID == farmerID {
			current = exposure.Exposure
			break
		}
	}

	if current.Add(amount).GreaterThan(pool.MaxExposureLimit) {
		return pkg.ValidateBusinessError(constant.ErrFarmerLimitExceeded,
			"farmer %s exposure %s plus %s exceeds the limit %s", farmerID, current, amount, pool.MaxExposureLimit)
	}

	return nil
}

// withSelectionAlternatives annotates a failed allocation with up to three
// other candidate pools and the constraint each one fails.
func (uc *UseCase) withSelectionAlternatives(ctx context.Context, req *pmodel.AllocationRequest, failedPoolID string, cause error) error {
	var be pkg.BusinessError
	if !errors.As(cause, &be) {
		return cause
	}

	pools, err := uc.PoolRepo.FindAll(ctx, pmodel.PoolFilter{Status: pmodel.PoolStatusActive, Currency: req.Currency})
	if err != nil {
		return cause
	}

	var alts []pmodel.PoolAlternative

	for _, pool := range pools {
		if pool.ID == failedPoolID {
			continue
		}

		effective := uc.effectiveAvailable(ctx, pool)

		reason := uc.screen(pool, req, effective)
		if reason == "" {
			reason = "ELIGIBLE"
		}

		alts = append(alts, pmodel.PoolAlternative{
			PoolID:             pool.ID,
			Name:               pool.Name,
			FailingConstraint:  reason,
			EffectiveAvailable: effective,
		})
	}

	return pkg.WithAlternatives(cause, alts)
}
