package command

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/agrofin/capital-engine/pkg/pmodel"
)

// balanceChange carries one committed mutation to the publication fan-out.
// HoldsBefore and HoldsAfter are the active reservation sums on either side
// of the change; the pair keeps the two effective-available views honest when
// the change itself creates or releases a hold.
type balanceChange struct {
	Before      *pmodel.Pool
	After       *pmodel.Pool
	HoldsBefore decimal.Decimal
	HoldsAfter  decimal.Decimal
	ChangeType  pmodel.BalanceChangeType
	Amount      decimal.Decimal
	EntityID    string
	EntityType  pmodel.RelatedEntityType
}

// publishBalanceChange refreshes the pool's cached snapshot and fans the
// event out to every configured channel. Callers invoke it only after the
// ledger mutation has committed: a subscriber must never observe a balance
// that a rolled-back transaction could take away.
func (uc *UseCase) publishBalanceChange(ctx context.Context, change balanceChange) {
	now := time.Now().UTC()

	beforeView := pmodel.ViewOf(pmodel.NewBalanceSnapshot(change.Before, change.HoldsBefore, now))
	afterSnapshot := pmodel.NewBalanceSnapshot(change.After, change.HoldsAfter, now)

	if err := uc.CacheRepo.SetSnapshot(ctx, afterSnapshot); err != nil {
		uc.Logger.Warnw("snapshot refresh failed", "pool_id", change.After.ID, "error", err)
	}

	event := pmodel.BalanceChangeEvent{
		PoolID:            change.After.ID,
		ChangeType:        change.ChangeType,
		Amount:            change.Amount,
		BalanceBefore:     beforeView,
		BalanceAfter:      pmodel.ViewOf(afterSnapshot),
		RelatedEntityID:   change.EntityID,
		RelatedEntityType: change.EntityType,
		Timestamp:         now,
	}

	uc.Bus.Publish(event)

	if err := uc.CacheRepo.Publish(ctx, event); err != nil {
		uc.Logger.Warnw("cross-process event publish failed", "pool_id", change.After.ID, "error", err)
	}

	if uc.Producer != nil {
		if err := uc.Producer.PublishBalanceEvent(ctx, event); err != nil {
			uc.Logger.Warnw("broker event publish failed", "pool_id", change.After.ID, "error", err)
		}
	}
}
