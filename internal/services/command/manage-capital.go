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

// DepositCapital adds investor capital to a pool.
func (uc *UseCase) DepositCapital(ctx context.Context, poolID string, amount decimal.Decimal, investorID, description string) (*pmodel.ReleaseResult, error) {
	ctx, span := uc.Tracer.Start(ctx, "command.deposit_capital")
	defer span.End()

	if !amount.IsPositive() {
		return nil, pkg.ValidateBusinessError(constant.ErrValidationError, "deposit amount must be positive")
	}

	return uc.applyCapitalChange(ctx, poolID, capitalChange{
		txnType:     pmodel.TransactionCapitalDeposit,
		amount:      amount,
		total:       amount,
		available:   amount,
		investorID:  investorID,
		description: description,
	})
}

// WithdrawCapital removes investor capital from a pool. Withdrawals draw on
// available capital only and may never breach the reserve floor.
func (uc *UseCase) WithdrawCapital(ctx context.Context, poolID string, amount decimal.Decimal, investorID, description string) (*pmodel.ReleaseResult, error) {
	ctx, span := uc.Tracer.Start(ctx, "command.withdraw_capital")
	defer span.End()

	if !amount.IsPositive() {
		return nil, pkg.ValidateBusinessError(constant.ErrValidationError, "withdrawal amount must be positive")
	}

	return uc.applyCapitalChange(ctx, poolID, capitalChange{
		txnType:      pmodel.TransactionCapitalWithdrawal,
		amount:       amount,
		total:        amount.Neg(),
		available:    amount.Neg(),
		investorID:   investorID,
		description:  description,
		checkReserve: true,
	})
}

// DistributeInterest pays earned returns out to investors. Like withdrawals
// it draws on available capital and honors the reserve floor.
func (uc *UseCase) DistributeInterest(ctx context.Context, poolID string, amount decimal.Decimal, description string) (*pmodel.ReleaseResult, error) {
	ctx, span := uc.Tracer.Start(ctx, "command.distribute_interest")
	defer span.End()

	if !amount.IsPositive() {
		return nil, pkg.ValidateBusinessError(constant.ErrValidationError, "distribution amount must be positive")
	}

	return uc.applyCapitalChange(ctx, poolID, capitalChange{
		txnType:      pmodel.TransactionInterestDistribution,
		amount:       amount,
		total:        amount.Neg(),
		available:    amount.Neg(),
		description:  description,
		checkReserve: true,
	})
}

type capitalChange struct {
	txnType      pmodel.TransactionType
	amount       decimal.Decimal
	total        decimal.Decimal
	available    decimal.Decimal
	investorID   string
	description  string
	checkReserve bool
}

func (uc *UseCase) applyCapitalChange(ctx context.Context, poolID string, change capitalChange) (*pmodel.ReleaseResult, error) {
	var (
		result        *pmodel.ReleaseResult
		before, final *pmodel.Pool
	)

	err := uc.retryConflict(ctx, func(ctx context.Context) error {
		return uc.withPoolLock(ctx, poolID, func(ctx context.Context, locked ledger.LockedPool) error {
			pool := locked.Pool()

			if change.available.IsNegative() {
				outgoing := change.available.Neg()

				if outgoing.GreaterThan(pool.AvailableCapital) {
					return pkg.ValidateBusinessError(constant.ErrInsufficientEffectiveAvailable,
						"amount %s exceeds available capital %s", outgoing, pool.AvailableCapital)
				}

				if change.checkReserve {
					// The reserve floor is computed against the post-change total.
					nextTotal := pool.TotalCapital.Add(change.total)
					floor := nextTotal.Mul(pool.MinReserveRatio).Div(hundred)

					if pool.AvailableCapital.Sub(outgoing).LessThan(floor) {
						return pkg.ValidateBusinessError(constant.ErrReserveRatioViolation,
							"withdrawal would drop available capital below the required reserve %s", floor)
					}
				}
			}

			now := time.Now().UTC()
			txnID := uuid.NewString()

			after, err := locked.ApplyDelta(ctx, pmodel.BalanceDelta{
				Total:     change.total,
				Available: change.available,
			}, &pmodel.PoolTransaction{
				ID:                txnID,
				PoolID:            pool.ID,
				Type:              change.txnType,
				Amount:            change.amount,
				BalanceBefore:     pool.AvailableCapital,
				BalanceAfter:      pool.AvailableCapital.Add(change.available),
				Description:       change.description,
				RelatedInvestorID: change.investorID,
				CreatedAt:         now,
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

	uc.Logger.Infow("capital adjusted",
		"pool_id", final.ID,
		"type", change.txnType,
		"amount", change.amount,
	)

	entityType := pmodel.RelatedEntityType("")
	if change.investorID != "" {
		entityType = pmodel.RelatedEntityInvestor
	}

	holds := uc.activeReservations(ctx, final.ID)
	uc.publishBalanceChange(ctx, balanceChange{
		Before:      before,
		After:       final,
		HoldsBefore: holds,
		HoldsAfter:  holds,
		ChangeType:  pmodel.EventBalanceChanged,
		Amount:      change.available,
		EntityID:    change.investorID,
		EntityType:  entityType,
	})

	return result, nil
}
