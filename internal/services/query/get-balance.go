package query

import (
	"context"
	"time"

	"github.com/agrofin/capital-engine/pkg"
	"github.com/agrofin/capital-engine/pkg/constant"
	"github.com/agrofin/capital-engine/pkg/pmodel"
)

// GetBalance returns the pool's balance snapshot, cache first. On a miss the
// snapshot is computed from the store plus the live reservation sum and
// written back with its TTL.
func (uc *UseCase) GetBalance(ctx context.Context, poolID string) (*pmodel.BalanceSnapshot, error) {
	ctx, span := uc.Tracer.Start(ctx, "query.get_balance")
	defer span.End()

	cached, err := uc.CacheRepo.GetSnapshot(ctx, poolID)
	if err != nil {
		uc.Logger.Warnw("snapshot read failed, falling back to store", "pool_id", poolID, "error", err)
	}

	if cached != nil {
		return cached, nil
	}

	return uc.snapshotFromStore(ctx, poolID)
}

// GetBalances returns snapshots for several pools with one accelerator
// round trip. Misses are satisfied with a single store read covering all of
// them, never one read per pool.
func (uc *UseCase) GetBalances(ctx context.Context, poolIDs []string) (map[string]*pmodel.BalanceSnapshot, error) {
	ctx, span := uc.Tracer.Start(ctx, "query.get_balances")
	defer span.End()

	found, err := uc.CacheRepo.GetSnapshots(ctx, poolIDs)
	if err != nil {
		uc.Logger.Warnw("snapshot batch read failed, falling back to store", "error", err)
		found = make(map[string]*pmodel.BalanceSnapshot, len(poolIDs))
	}

	var misses []string

	for _, poolID := range poolIDs {
		if _, ok := found[poolID]; !ok {
			misses = append(misses, poolID)
		}
	}

	if len(misses) == 0 {
		return found, nil
	}

	pools, err := uc.PoolRepo.FindAll(ctx, pmodel.PoolFilter{IDs: misses})
	if err != nil {
		return nil, pkg.ValidateBusinessError(err, "failed to read pools from store")
	}

	now := time.Now().UTC()

	for _, pool := range pools {
		snapshot := pmodel.NewBalanceSnapshot(pool, uc.activeReservations(ctx, pool.ID), now)

		if err := uc.CacheRepo.SetSnapshot(ctx, snapshot); err != nil {
			uc.Logger.Warnw("snapshot write-back failed", "pool_id", pool.ID, "error", err)
		}

		found[pool.ID] = snapshot
	}

	for _, poolID := range misses {
		if _, ok := found[poolID]; !ok {
			return nil, pkg.ValidateBusinessError(constant.ErrPoolNotFound, "pool %s not found", poolID)
		}
	}

	return found, nil
}

func (uc *UseCase) snapshotFromStore(ctx context.Context, poolID string) (*pmodel.BalanceSnapshot, error) {
	pool, err := uc.PoolRepo.Find(ctx, poolID)
	if err != nil {
		return nil, pkg.ValidateBusinessError(err, "pool %s not found", poolID)
	}

	snapshot := pmodel.NewBalanceSnapshot(pool, uc.activeReservations(ctx, poolID), time.Now().UTC())

	if err := uc.CacheRepo.SetSnapshot(ctx, snapshot); err != nil {
		uc.Logger.Warnw("snapshot write-back failed", "pool_id", poolID, "error", err)
	}

	return snapshot, nil
}
