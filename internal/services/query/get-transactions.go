package query

import (
	"context"
	"time"

	"github.com/agrofin/capital-engine/pkg"
	"github.com/agrofin/capital-engine/pkg/pmodel"
)

// GetTransactions lists a pool's ledger entries, newest first.
func (uc *UseCase) GetTransactions(ctx context.Context, poolID string, filter pmodel.TransactionFilter) ([]*pmodel.PoolTransaction, error) {
	ctx, span := uc.Tracer.Start(ctx, "query.get_transactions")
	defer span.End()

	if _, err := uc.PoolRepo.Find(ctx, poolID); err != nil {
		return nil, pkg.ValidateBusinessError(err, "pool %s not found", poolID)
	}

	entries, err := uc.TransactionRepo.ListByPool(ctx, poolID, filter)
	if err != nil {
		return nil, pkg.ValidateBusinessError(err, "failed to list transactions for pool %s", poolID)
	}

	return entries, nil
}

// GetTransactionSummary aggregates a pool's ledger by type over a date range.
func (uc *UseCase) GetTransactionSummary(ctx context.Context, poolID string, from, to time.Time) (*pmodel.TransactionSummary, error) {
	ctx, span := uc.Tracer.Start(ctx, "query.get_transaction_summary")
	defer span.End()

	if _, err := uc.PoolRepo.Find(ctx, poolID); err != nil {
		return nil, pkg.ValidateBusinessError(err, "pool %s not found", poolID)
	}

	summary, err := uc.TransactionRepo.Summary(ctx, poolID, from, to)
	if err != nil {
		return nil, pkg.ValidateBusinessError(err, "failed to summarize transactions for pool %s", poolID)
	}

	return summary, nil
}
