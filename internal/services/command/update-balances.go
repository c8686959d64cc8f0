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

// BatchUpdateBalances applies one balance delta per pool. In atomic mode all
// deltas commit in a single transaction with row locks taken in ascending
// pool-id order; otherwise pools are updated independently and the returned
// map reports the per-pool outcome.
func (uc *UseCase) BatchUpdateBalances(ctx context.Context, batch pmodel.BatchBalanceUpdate) (map[string]error, error) {
	ctx, span := uc.Tracer.Start(ctx, "command.batch_update_balances")
	defer span.End()

	if len(batch.Updates) == 0 {
		return nil, pkg.ValidateBusinessError(constant.ErrValidationError, "batch carries no updates")
	}

	if batch.Atomic {
		return nil, uc.batchAtomic(ctx, batch.Updates)
	}

	outcomes := make(map[string]error, len(batch.Updates))

	for poolID, delta := range batch.Updates {
		var change balanceChange

		outcomes[poolID] = uc.retryConflict(ctx, func(ctx context.Context) error {
			return uc.withPoolLock(ctx, poolID, func(ctx context.Context, locked ledger.LockedPool) error {
				var err error
				change, err = uc.applyBatchDelta(ctx, locked, poolID, delta)

				return err
			})
		})

		if outcomes[poolID] == nil {
			uc.publishBatchChange(ctx, change)
		}
	}

	return outcomes, nil
}

func (uc *UseCase) batchAtomic(ctx context.Context, updates map[string]pmodel.BalanceDelta) error {
	poolIDs := make([]string, 0, len(updates))
	for poolID := range updates {
		poolIDs = append(poolIDs, poolID)
	}

	var changes []balanceChange

	err := uc.retryConflict(ctx, func(ctx context.Context) error {
		changes = changes[:0]

		return uc.PoolRepo.WithLockMany(ctx, poolIDs, func(ctx context.Context, locked map[string]ledger.LockedPool) error {
			for poolID, delta := range updates {
				change, err := uc.applyBatchDelta(ctx, locked[poolID], poolID, delta)
				if err != nil {
					return err
				}

				changes = append(changes, change)
			}

			return nil
		})
	})
	if err != nil {
		return err
	}

	for _, change := range changes {
		uc.publishBatchChange(ctx, change)
	}

	return nil
}

// applyBatchDelta mutates one locked pool and hands back the pending change
// notification. Publication waits for the whole batch to commit.
func (uc *UseCase) applyBatchDelta(ctx context.Context, locked ledger.LockedPool, poolID string, delta pmodel.BalanceDelta) (balanceChange, error) {
	pool := locked.Pool()

	after, err := locked.ApplyDelta(ctx, delta, &pmodel.PoolTransaction{
		ID:            uuid.NewString(),
		PoolID:        poolID,
		Type:          pmodel.TransactionAdjustment,
		Amount:        delta.Available,
		BalanceBefore: pool.AvailableCapital,
		BalanceAfter:  pool.AvailableCapital.Add(delta.Available),
		Description:   "batch balance update",
		Metadata:      map[string]any{"reason": "batch_update"},
		CreatedAt:     time.Now().UTC(),
	})
	if err != nil {
		return balanceChange{}, err
	}

	return balanceChange{
		Before:     pool,
		After:      after,
		ChangeType: pmodel.EventBalanceChanged,
		Amount:     delta.Available,
		EntityType: pmodel.RelatedEntityAdjustment,
	}, nil
}

func (uc *UseCase) publishBatchChange(ctx context.Context, change balanceChange) {
	holds := uc.activeReservations(ctx, change.After.ID)
	change.HoldsBefore, change.HoldsAfter = holds, holds
	uc.publishBalanceChange(ctx, change)
}
