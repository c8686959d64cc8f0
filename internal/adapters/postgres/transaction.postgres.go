package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/agrofin/capital-engine/pkg/constant"
	"github.com/agrofin/capital-engine/pkg/pmodel"
)

const transactionColumns = `id, pool_id, type, amount::text, balance_before::text, balance_after::text,
	description, metadata, related_advance_id, related_investor_id, created_at`

// TransactionRepository implements ledger.TransactionRepository on pgx.
type TransactionRepository struct {
	db     *pgxpool.Pool
	logger *zap.SugaredLogger
}

// NewTransactionRepository returns the repository.
func NewTransactionRepository(db *pgxpool.Pool, logger *zap.SugaredLogger) *TransactionRepository {
	return &TransactionRepository{db: db, logger: logger}
}

func scanTransaction(row rowScanner) (*pmodel.PoolTransaction, error) {
	var (
		t                    pmodel.PoolTransaction
		amount, before, after string
		description          *string
		metadata             []byte
		advanceID, investorID *string
	)

	err := row.Scan(&t.ID, &t.PoolID, &t.Type, &amount, &before, &after,
		&description, &metadata, &advanceID, &investorID, &t.CreatedAt)
	if err != nil {
		return nil, err
	}

	if description != nil {
		t.Description = *description
	}

	if advanceID != nil {
		t.RelatedAdvanceID = *advanceID
	}

	if investorID != nil {
		t.RelatedInvestorID = *investorID
	}

	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &t.Metadata); err != nil {
			return nil, err
		}
	}

	for _, pair := range []struct {
		dst *decimal.Decimal
		src string
	}{{&t.Amount, amount}, {&t.BalanceBefore, before}, {&t.BalanceAfter, after}} {
		d, err := decimal.NewFromString(pair.src)
		if err != nil {
			return nil, err
		}

		*pair.dst = d
	}

	return &t, nil
}

// ListByPool returns ledger entries newest first.
func (r *TransactionRepository) ListByPool(ctx context.Context, poolID string, filter pmodel.TransactionFilter) ([]*pmodel.PoolTransaction, error) {
	builder := psql.Select(transactionColumns).
		From("pool_transactions").
		Where(sq.Eq{"pool_id": poolID}).
		OrderBy("created_at DESC", "id DESC")

	if filter.Type != "" {
		builder = builder.Where(sq.Eq{"type": filter.Type})
	}

	if filter.AdvanceID != "" {
		builder = builder.Where(sq.Eq{"related_advance_id": filter.AdvanceID})
	}

	if !filter.From.IsZero() {
		builder = builder.Where(sq.GtOrEq{"created_at": filter.From})
	}

	if !filter.To.IsZero() {
		builder = builder.Where(sq.LtOrEq{"created_at": filter.To})
	}

	if filter.Limit > 0 {
		builder = builder.Limit(uint64(filter.Limit))
	}

	if filter.Offset > 0 {
		builder = builder.Offset(uint64(filter.Offset))
	}

	query, args, err := builder.ToSql()
	if err != nil {
		return nil, err
	}

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, mapPgError(err)
	}
	defer rows.Close()

	var txns []*pmodel.PoolTransaction

	for rows.Next() {
		txn, err := scanTransaction(rows)
		if err != nil {
			return nil, mapPgError(err)
		}

		txns = append(txns, txn)
	}

	if err := rows.Err(); err != nil {
		return nil, mapPgError(err)
	}

	return txns, nil
}

// Summary aggregates entries by type over a date range.
func (r *TransactionRepository) Summary(ctx context.Context, poolID string, from, to time.Time) (*pmodel.TransactionSummary, error) {
	builder := psql.Select("type", "COUNT(*)", "COALESCE(SUM(amount), 0)::text").
		From("pool_transactions").
		Where(sq.Eq{"pool_id": poolID}).
		GroupBy("type").
		OrderBy("type")

	if !from.IsZero() {
		builder = builder.Where(sq.GtOrEq{"created_at": from})
	}

	if !to.IsZero() {
		builder = builder.Where(sq.LtOrEq{"created_at": to})
	}

	query, args, err := builder.ToSql()
	if err != nil {
		return nil, err
	}

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, mapPgError(err)
	}
	defer rows.Close()

	summary := &pmodel.TransactionSummary{PoolID: poolID, From: from, To: to}

	for rows.Next() {
		var (
			entry pmodel.TransactionTypeSummary
			total string
		)

		if err := rows.Scan(&entry.Type, &entry.Count, &total); err != nil {
			return nil, mapPgError(err)
		}

		entry.Total, err = decimal.NewFromString(total)
		if err != nil {
			return nil, err
		}

		summary.ByType = append(summary.ByType, entry)
		summary.Entries += entry.Count
	}

	if err := rows.Err(); err != nil {
		return nil, mapPgError(err)
	}

	return summary, nil
}

// FarmerExposures derives outstanding per-farmer exposure from disbursement,
// repayment and default-adjustment entries, largest first.
func (r *TransactionRepository) FarmerExposures(ctx context.Context, poolID string, limit int) ([]pmodel.FarmerExposure, error) {
	const query = `SELECT metadata->>'farmerId' AS farmer_id,
		SUM(CASE
			WHEN type = 'ADVANCE_DISBURSEMENT' THEN amount
			WHEN type = 'ADVANCE_REPAYMENT' THEN -amount
			WHEN type = 'ADJUSTMENT' THEN -COALESCE((metadata->>'defaultedAmount')::numeric, 0)
			ELSE 0
		END)::text AS exposure
	FROM pool_transactions
	WHERE pool_id = $1 AND metadata ? 'farmerId'
	GROUP BY metadata->>'farmerId'
	HAVING SUM(CASE
			WHEN type = 'ADVANCE_DISBURSEMENT' THEN amount
			WHEN type = 'ADVANCE_REPAYMENT' THEN -amount
			WHEN type = 'ADJUSTMENT' THEN -COALESCE((metadata->>'defaultedAmount')::numeric, 0)
			ELSE 0
		END) > 0
	ORDER BY 2 DESC
	LIMIT $2`

	rows, err := r.db.Query(ctx, query, poolID, limit)
	if err != nil {
		return nil, mapPgError(err)
	}
	defer rows.Close()

	var exposures []pmodel.FarmerExposure

	for rows.Next() {
		var (
			exposure pmodel.FarmerExposure
			amount   string
		)

		if err := rows.Scan(&exposure.FarmerID, &amount); err != nil {
			return nil, mapPgError(err)
		}

		exposure.Exposure, err = decimal.NewFromString(amount)
		if err != nil {
			return nil, err
		}

		exposures = append(exposures, exposure)
	}

	if err := rows.Err(); err != nil {
		return nil, mapPgError(err)
	}

	return exposures, nil
}

// ReservationHold locates the RESERVE_ALLOCATION hold written by the
// cache-unavailable fallback. closed reports whether a commit or release
// entry for the same reservation already exists.
func (r *TransactionRepository) ReservationHold(ctx context.Context, reservationID string) (*pmodel.PoolTransaction, bool, error) {
	const holdQuery = `SELECT ` + transactionColumns + ` FROM pool_transactions
		WHERE type = 'RESERVE_ALLOCATION'
		  AND metadata->>'reservationId' = $1
		  AND metadata->>'phase' = 'hold'
		ORDER BY created_at DESC LIMIT 1`

	row := r.db.QueryRow(ctx, holdQuery, reservationID)

	hold, err := scanTransaction(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, constant.ErrReservationNotFound
	}

	if err != nil {
		return nil, false, mapPgError(err)
	}

	const closedQuery = `SELECT EXISTS (
		SELECT 1 FROM pool_transactions
		WHERE type = 'RESERVE_ALLOCATION'
		  AND metadata->>'reservationId' = $1
		  AND metadata->>'phase' IN ('committed', 'released')
	)`

	var closed bool
	if err := r.db.QueryRow(ctx, closedQuery, reservationID).Scan(&closed); err != nil {
		return nil, false, mapPgError(err)
	}

	return hold, closed, nil
}
