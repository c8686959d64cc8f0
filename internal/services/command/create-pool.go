package command

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/agrofin/capital-engine/internal/adapters/mongodb"
	"github.com/agrofin/capital-engine/pkg"
	"github.com/agrofin/capital-engine/pkg/constant"
	"github.com/agrofin/capital-engine/pkg/pmodel"
)

// CreatePool creates a pool funded with its initial capital and writes the
// opening CAPITAL_DEPOSIT ledger entry in the same transaction.
func (uc *UseCase) CreatePool(ctx context.Context, input *pmodel.CreatePoolInput) (*pmodel.Pool, error) {
	ctx, span := uc.Tracer.Start(ctx, "command.create_pool")
	defer span.End()

	if err := pmodel.Validate(input); err != nil {
		return nil, pkg.ValidateBusinessError(constant.ErrValidationError, "invalid pool input: %v", err)
	}

	if !input.RiskTier.Valid() {
		return nil, pkg.ValidateBusinessError(constant.ErrValidationError, "unknown risk tier %s", input.RiskTier)
	}

	if !input.InitialCapital.IsPositive() {
		return nil, pkg.ValidateBusinessError(constant.ErrValidationError, "initial capital must be positive")
	}

	now := time.Now().UTC()

	pool := &pmodel.Pool{
		ID:                   uuid.NewString(),
		Name:                 input.Name,
		Description:          input.Description,
		Status:               pmodel.PoolStatusActive,
		RiskTier:             input.RiskTier,
		Currency:             input.Currency,
		TotalCapital:         input.InitialCapital,
		AvailableCapital:     input.InitialCapital,
		DeployedCapital:      decimal.Zero,
		ReservedCapital:      decimal.Zero,
		TargetReturnRate:     input.TargetReturnRate,
		MinAdvanceAmount:     input.MinAdvanceAmount,
		MaxAdvanceAmount:     input.MaxAdvanceAmount,
		MaxExposureLimit:     input.MaxExposureLimit,
		MinReserveRatio:      input.MinReserveRatio,
		AutoRebalanceEnabled: input.AutoRebalance,
		CreatedAt:            now,
		UpdatedAt:            now,
		CreatedBy:            input.CreatedBy,
	}

	if pool.MinReserveRatio.IsZero() {
		pool.MinReserveRatio = decimal.NewFromInt(constant.DefaultMinReserveRatio)
	}

	if pool.MinAdvanceAmount.IsZero() {
		pool.MinAdvanceAmount = decimal.NewFromInt(constant.DefaultMinAdvanceAmount)
	}

	if pool.MaxAdvanceAmount.IsZero() {
		pool.MaxAdvanceAmount = decimal.NewFromInt(constant.DefaultMaxAdvanceAmount)
	}

	if pool.MinAdvanceAmount.GreaterThan(pool.MaxAdvanceAmount) {
		return nil, pkg.ValidateBusinessError(constant.ErrValidationError,
			"minimum advance %s exceeds maximum advance %s", pool.MinAdvanceAmount, pool.MaxAdvanceAmount)
	}

	if pool.MaxExposureLimit.IsZero() {
		// Absent an explicit limit, one farmer may hold at most the pool's
		// single-advance ceiling.
		pool.MaxExposureLimit = pool.MaxSingleAdvance(uc.Config.MaxSingleAdvanceRatio)
	}

	initial := &pmodel.PoolTransaction{
		ID:            uuid.NewString(),
		PoolID:        pool.ID,
		Type:          pmodel.TransactionCapitalDeposit,
		Amount:        input.InitialCapital,
		BalanceBefore: decimal.Zero,
		BalanceAfter:  input.InitialCapital,
		Description:   "initial capital deposit",
		CreatedAt:     now,
	}

	created, err := uc.PoolRepo.Create(ctx, pool, initial)
	if err != nil {
		return nil, pkg.ValidateBusinessError(err, "failed to create pool %s", input.Name)
	}

	uc.Logger.Infow("pool created",
		"pool_id", created.ID,
		"risk_tier", created.RiskTier,
		"initial_capital", created.TotalCapital,
	)

	if uc.MetadataRepo != nil && len(input.Metadata) > 0 {
		meta := &mongodb.Metadata{EntityID: created.ID, EntityName: "Pool", Data: input.Metadata}
		if err := uc.MetadataRepo.Create(ctx, "pool_metadata", meta); err != nil {
			uc.Logger.Warnw("pool metadata write failed", "pool_id", created.ID, "error", err)
		}
	}

	empty := *created
	empty.TotalCapital = decimal.Zero
	empty.AvailableCapital = decimal.Zero
	uc.publishBalanceChange(ctx, balanceChange{
		Before:     &empty,
		After:      created,
		ChangeType: pmodel.EventBalanceChanged,
		Amount:     created.TotalCapital,
	})

	return created, nil
}
