package command

import (
	"context"

	"github.com/agrofin/capital-engine/pkg"
	"github.com/agrofin/capital-engine/pkg/constant"
	"github.com/agrofin/capital-engine/pkg/pmodel"
)

// UpdatePool mutates configuration fields only. Balance fields are out of
// reach by construction; lowering limits never retroactively invalidates
// capital already deployed.
func (uc *UseCase) UpdatePool(ctx context.Context, poolID string, input *pmodel.UpdatePoolInput) (*pmodel.Pool, error) {
	ctx, span := uc.Tracer.Start(ctx, "command.update_pool")
	defer span.End()

	if err := pmodel.Validate(input); err != nil {
		return nil, pkg.ValidateBusinessError(constant.ErrValidationError, "invalid update input: %v", err)
	}

	if input.Status != nil && !input.Status.Valid() {
		return nil, pkg.ValidateBusinessError(constant.ErrValidationError, "unknown pool status %s", *input.Status)
	}

	if input.MinReserveRatio != nil &&
		(input.MinReserveRatio.IsNegative() || input.MinReserveRatio.GreaterThan(hundred)) {
		return nil, pkg.ValidateBusinessError(constant.ErrValidationError, "min reserve ratio must be between 0 and 100")
	}

	// Updating one advance bound must stay consistent with the other, so the
	// check runs against the merged configuration.
	if input.MinAdvanceAmount != nil || input.MaxAdvanceAmount != nil {
		current, err := uc.PoolRepo.Find(ctx, poolID)
		if err != nil {
			return nil, pkg.ValidateBusinessError(err, "pool %s not found", poolID)
		}

		minAdvance := current.MinAdvanceAmount
		if input.MinAdvanceAmount != nil {
			minAdvance = *input.MinAdvanceAmount
		}

		maxAdvance := current.MaxAdvanceAmount
		if input.MaxAdvanceAmount != nil {
			maxAdvance = *input.MaxAdvanceAmount
		}

		if minAdvance.GreaterThan(maxAdvance) {
			return nil, pkg.ValidateBusinessError(constant.ErrValidationError,
				"minimum advance %s exceeds maximum advance %s", minAdvance, maxAdvance)
		}
	}

	updated, err := uc.PoolRepo.Update(ctx, poolID, input)
	if err != nil {
		return nil, pkg.ValidateBusinessError(err, "failed to update pool %s", poolID)
	}

	uc.Logger.Infow("pool updated", "pool_id", poolID)

	if uc.MetadataRepo != nil && len(input.Metadata) > 0 {
		if err := uc.MetadataRepo.Update(ctx, "pool_metadata", poolID, input.Metadata); err != nil {
			uc.Logger.Warnw("pool metadata update failed", "pool_id", poolID, "error", err)
		}
	}

	// Configuration feeds the effective-available math, so the cached
	// snapshot is stale the moment the update lands.
	if err := uc.CacheRepo.DelSnapshot(ctx, poolID); err != nil {
		uc.Logger.Warnw("snapshot invalidation failed", "pool_id", poolID, "error", err)
	}

	return updated, nil
}
