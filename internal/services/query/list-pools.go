package query

import (
	"context"
	"time"

	"github.com/agrofin/capital-engine/pkg"
	"github.com/agrofin/capital-engine/pkg/pmodel"
)

// ListPools returns pools matching the filter.
func (uc *UseCase) ListPools(ctx context.Context, filter pmodel.PoolFilter) ([]*pmodel.Pool, error) {
	ctx, span := uc.Tracer.Start(ctx, "query.list_pools")
	defer span.End()

	pools, err := uc.PoolRepo.FindAll(ctx, filter)
	if err != nil {
		return nil, pkg.ValidateBusinessError(err, "failed to list pools")
	}

	return pools, nil
}

// PoolDetails couples a pool row with its balance snapshot and any metadata
// document attached to it.
type PoolDetails struct {
	Pool     *pmodel.Pool            `json:"pool"`
	Balance  *pmodel.BalanceSnapshot `json:"balance"`
	Metadata map[string]any          `json:"metadata,omitempty"`
}

// GetPoolDetails returns one pool with its computed balances.
func (uc *UseCase) GetPoolDetails(ctx context.Context, poolID string) (*PoolDetails, error) {
	ctx, span := uc.Tracer.Start(ctx, "query.get_pool_details")
	defer span.End()

	pool, err := uc.PoolRepo.Find(ctx, poolID)
	if err != nil {
		return nil, pkg.ValidateBusinessError(err, "pool %s not found", poolID)
	}

	snapshot := pmodel.NewBalanceSnapshot(pool, uc.activeReservations(ctx, poolID), time.Now().UTC())

	details := &PoolDetails{Pool: pool, Balance: snapshot}

	if uc.MetadataRepo != nil {
		meta, err := uc.MetadataRepo.FindByEntity(ctx, "pool_metadata", poolID)
		if err != nil {
			uc.Logger.Warnw("metadata read failed", "pool_id", poolID, "error", err)
		} else if meta != nil {
			details.Metadata = meta.Data
		}
	}

	return details, nil
}
