package command

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/agrofin/capital-engine/internal/adapters/ledger"
	"github.com/agrofin/capital-engine/pkg"
	"github.com/agrofin/capital-engine/pkg/constant"
	"github.com/agrofin/capital-engine/pkg/pmodel"
)

// ReleaseCapital returns deployed capital to a pool after a repayment.
// Principal moves back from deployed to available; fees and penalties are new
// money and grow total capital. All ledger entries for one release commit in
// a single transaction.
func (uc *UseCase) ReleaseCapital(ctx context.Context, req *pmodel.ReleaseRequest) (*pmodel.ReleaseResult, error) {
	ctx, span := uc.Tracer.Start(ctx, "command.release_capital")
	defer span.End()

	if err := pmodel.Validate(req); err != nil {
		return nil, pkg.ValidateBusinessError(constant.ErrValidationError, "invalid release request: %v", err)
	}

	if req.Principal.IsNegative() || req.Fees.IsNegative() || req.Penalties.IsNegative() {
		return nil, pkg.ValidateBusinessError(constant.ErrValidationError, "release amounts must not be negative")
	}

	if !req.Principal.Add(req.Fees).Add(req.Penalties).IsPositive() {
		return nil, pkg.ValidateBusinessError(constant.ErrValidationError, "release must carry a positive amount")
	}

	var (
		result        *pmodel.ReleaseResult
		before, final *pmodel.Pool
	)

	err := uc.retryConflict(ctx, func(ctx context.Context) error {
		return uc.withPoolLock(ctx, req.PoolID, func(ctx context.Context, locked ledger.LockedPool) error {
			pool := locked.Pool()
			now := time.Now().UTC()
			balanceBefore := pool.AvailableCapital

			after := pool

			var txnID string

			if req.Principal.IsPositive() {
				if req.Principal.GreaterThan(pool.DeployedCapital) {
					return pkg.ValidateBusinessError(constant.ErrAmountAboveMaximum,
						"principal %s exceeds deployed capital %s", req.Principal, pool.DeployedCapital)
				}

				delta := pmodel.BalanceDelta{
					Available: req.Principal,
					Deployed:  req.Principal.Neg(),
					Repaid:    req.Principal,
				}

				if req.ReleaseType == pmodel.ReleaseFullRepayment {
					delta.CompletedDelta = 1
					delta.ActiveDelta = -1
				}

				txnID = uuid.NewString()

				metadata := map[string]any{"releaseType": string(req.ReleaseType), "source": string(req.Source)}
				if req.FarmerID != "" {
					metadata["farmerId"] = req.FarmerID
				}

				next, err := locked.ApplyDelta(ctx, delta, &pmodel.PoolTransaction{
					ID:               txnID,
					PoolID:           pool.ID,
					Type:             pmodel.TransactionAdvanceRepayment,
					Amount:           req.Principal,
					BalanceBefore:    after.AvailableCapital,
					BalanceAfter:     after.AvailableCapital.Add(req.Principal),
					Description:      req.Description,
					Metadata:         metadata,
					RelatedAdvanceID: req.AdvanceID,
					CreatedAt:        now,
				})
				if err != nil {
					return err
				}

				after = next
			}

			if req.Fees.IsPositive() {
				feeID := uuid.NewString()
				if txnID == "" {
					txnID = feeID
				}

				next, err := locked.ApplyDelta(ctx, pmodel.BalanceDelta{
					Total:      req.Fees,
					Available:  req.Fees,
					FeesEarned: req.Fees,
				}, &pmodel.PoolTransaction{
					ID:               feeID,
					PoolID:           pool.ID,
					Type:             pmodel.TransactionFeeCollection,
					Amount:           req.Fees,
					BalanceBefore:    after.AvailableCapital,
					BalanceAfter:     after.AvailableCapital.Add(req.Fees),
					Metadata:         map[string]any{"source": string(req.Source)},
					RelatedAdvanceID: req.AdvanceID,
					CreatedAt:        now,
				})
				if err != nil {
					return err
				}

				after = next
			}

			if req.Penalties.IsPositive() {
				penaltyID := uuid.NewString()
				if txnID == "" {
					txnID = penaltyID
				}

				next, err := locked.ApplyDelta(ctx, pmodel.BalanceDelta{
					Total:      req.Penalties,
					Available:  req.Penalties,
					FeesEarned: req.Penalties,
				}, &pmodel.PoolTransaction{
					ID:               penaltyID,
					PoolID:           pool.ID,
					Type:             pmodel.TransactionPenaltyFee,
					Amount:           req.Penalties,
					BalanceBefore:    after.AvailableCapital,
					BalanceAfter:     after.AvailableCapital.Add(req.Penalties),
					Metadata:         map[string]any{"source": string(req.Source)},
					RelatedAdvanceID: req.AdvanceID,
					CreatedAt:        now,
				})
				if err != nil {
					return err
				}

				after = next
			}

			result = &pmodel.ReleaseResult{
				PoolID:        pool.ID,
				BalanceBefore: balanceBefore,
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

	total := req.Principal.Add(req.Fees).Add(req.Penalties)

	uc.Logger.Infow("capital released",
		"pool_id", final.ID,
		"advance_id", req.AdvanceID,
		"release_type", req.ReleaseType,
		"amount", total,
	)

	holds := uc.activeReservations(ctx, final.ID)
	uc.publishBalanceChange(ctx, balanceChange{
		Before:      before,
		After:       final,
		HoldsBefore: holds,
		HoldsAfter:  holds,
		ChangeType:  pmodel.EventBalanceChanged,
		Amount:      total,
		EntityID:    req.AdvanceID,
		EntityType:  pmodel.RelatedEntityAdvance,
	})

	return result, nil
}
