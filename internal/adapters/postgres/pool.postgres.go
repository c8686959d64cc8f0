// Package postgres implements the ledger capability on PostgreSQL. Pool rows
// and the append-only transaction log live here; every balance mutation runs
// inside a serializable transaction holding a row-level exclusive lock.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/agrofin/capital-engine/internal/adapters/ledger"
	"github.com/agrofin/capital-engine/pkg/constant"
	"github.com/agrofin/capital-engine/pkg/pmodel"
)

const poolColumns = `id, name, description, status, risk_tier, currency,
	total_capital::text, available_capital::text, deployed_capital::text, reserved_capital::text,
	target_return_rate::text, actual_return_rate::text,
	min_advance_amount::text, max_advance_amount::text, max_exposure_limit::text, min_reserve_ratio::text,
	total_advances_issued, total_advances_completed, total_advances_defaulted, total_advances_active,
	total_disbursed::text, total_repaid::text, total_fees_earned::text, default_rate::text,
	auto_rebalance_enabled, last_allocated_at, created_at, updated_at, created_by`

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// PoolRepository implements ledger.PoolRepository on a pgx connection pool.
type PoolRepository struct {
	db     *pgxpool.Pool
	logger *zap.SugaredLogger
}

// NewPoolRepository returns the repository after verifying connectivity.
func NewPoolRepository(ctx context.Context, db *pgxpool.Pool, logger *zap.SugaredLogger) (*PoolRepository, error) {
	if err := db.Ping(ctx); err != nil {
		return nil, fmt.Errorf("postgres ping: %w", err)
	}

	return &PoolRepository{db: db, logger: logger}, nil
}

// mapPgError translates driver failures into the engine's error kinds.
// Serialization conflicts and lock timeouts become ConcurrentMutation so the
// services can retry; connectivity failures become StoreUnavailable.
func mapPgError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "55P03":
			return fmt.Errorf("%w: %s", constant.ErrConcurrentMutation, pgErr.Message)
		case "23514":
			return fmt.Errorf("%w: %s", constant.ErrInvariantViolation, pgErr.Message)
		}

		return err
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}

	if errors.Is(err, pgx.ErrNoRows) {
		return err
	}

	return fmt.Errorf("%w: %s", constant.ErrStoreUnavailable, err.Error())
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPool(row rowScanner) (*pmodel.Pool, error) {
	var (
		p                                     pmodel.Pool
		description, createdBy                *string
		total, available, deployed, reserved string
		targetRate, actualRate                string
		minAdv, maxAdv, maxExp, minReserve    string
		disbursed, repaid, fees, defaultRate  string
	)

	err := row.Scan(
		&p.ID, &p.Name, &description, &p.Status, &p.RiskTier, &p.Currency,
		&total, &available, &deployed, &reserved,
		&targetRate, &actualRate,
		&minAdv, &maxAdv, &maxExp, &minReserve,
		&p.TotalAdvancesIssued, &p.TotalAdvancesCompleted, &p.TotalAdvancesDefaulted, &p.TotalAdvancesActive,
		&disbursed, &repaid, &fees, &defaultRate,
		&p.AutoRebalanceEnabled, &p.LastAllocatedAt, &p.CreatedAt, &p.UpdatedAt, &createdBy,
	)
	if err != nil {
		return nil, err
	}

	if description != nil {
		p.Description = *description
	}

	if createdBy != nil {
		p.CreatedBy = *createdBy
	}

	for _, pair := range []struct {
		dst *decimal.Decimal
		src string
	}{
		{&p.TotalCapital, total}, {&p.AvailableCapital, available},
		{&p.DeployedCapital, deployed}, {&p.ReservedCapital, reserved},
		{&p.TargetReturnRate, targetRate}, {&p.ActualReturnRate, actualRate},
		{&p.MinAdvanceAmount, minAdv}, {&p.MaxAdvanceAmount, maxAdv},
		{&p.MaxExposureLimit, maxExp}, {&p.MinReserveRatio, minReserve},
		{&p.TotalDisbursed, disbursed}, {&p.TotalRepaid, repaid},
		{&p.TotalFeesEarned, fees}, {&p.DefaultRate, defaultRate},
	} {
		d, err := decimal.NewFromString(pair.src)
		if err != nil {
			return nil, fmt.Errorf("decode numeric: %w", err)
		}

		*pair.dst = d
	}

	return &p, nil
}

// Create inserts the pool row and its opening CAPITAL_DEPOSIT entry in a
// single transaction.
func (r *PoolRepository) Create(ctx context.Context, pool *pmodel.Pool, initial *pmodel.PoolTransaction) (*pmodel.Pool, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, mapPgError(err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	const insertPool = `INSERT INTO pools (
		id, name, description, status, risk_tier, currency,
		total_capital, available_capital, deployed_capital, reserved_capital,
		target_return_rate, actual_return_rate,
		min_advance_amount, max_advance_amount, max_exposure_limit, min_reserve_ratio,
		total_advances_issued, total_advances_completed, total_advances_defaulted, total_advances_active,
		total_disbursed, total_repaid, total_fees_earned, default_rate,
		auto_rebalance_enabled, created_at, updated_at, created_by
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26,$27,$28)`

	_, err = tx.Exec(ctx, insertPool,
		pool.ID, pool.Name, pool.Description, pool.Status, pool.RiskTier, pool.Currency,
		pool.TotalCapital.String(), pool.AvailableCapital.String(), pool.DeployedCapital.String(), pool.ReservedCapital.String(),
		pool.TargetReturnRate.String(), pool.ActualReturnRate.String(),
		pool.MinAdvanceAmount.String(), pool.MaxAdvanceAmount.String(), pool.MaxExposureLimit.String(), pool.MinReserveRatio.String(),
		pool.TotalAdvancesIssued, pool.TotalAdvancesCompleted, pool.TotalAdvancesDefaulted, pool.TotalAdvancesActive,
		pool.TotalDisbursed.String(), pool.TotalRepaid.String(), pool.TotalFeesEarned.String(), pool.DefaultRate.String(),
		pool.AutoRebalanceEnabled, pool.CreatedAt, pool.UpdatedAt, pool.CreatedBy,
	)
	if err != nil {
		return nil, mapPgError(err)
	}

	if err := insertTransaction(ctx, tx, initial); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, mapPgError(err)
	}

	return pool, nil
}

// Find reads a pool without locking.
func (r *PoolRepository) Find(ctx context.Context, id string) (*pmodel.Pool, error) {
	row := r.db.QueryRow(ctx, `SELECT `+poolColumns+` FROM pools WHERE id = $1`, id)

	pool, err := scanPool(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, constant.ErrPoolNotFound
	}

	if err != nil {
		return nil, mapPgError(err)
	}

	return pool, nil
}

// FindAll lists pools matching the filter, ordered by id for determinism.
func (r *PoolRepository) FindAll(ctx context.Context, filter pmodel.PoolFilter) ([]*pmodel.Pool, error) {
	builder := psql.Select(poolColumns).From("pools").OrderBy("id")

	if len(filter.IDs) > 0 {
		builder = builder.Where(sq.Eq{"id": filter.IDs})
	}

	if filter.Status != "" {
		builder = builder.Where(sq.Eq{"status": filter.Status})
	}

	if filter.RiskTier != "" {
		builder = builder.Where(sq.Eq{"risk_tier": filter.RiskTier})
	}

	if filter.Currency != "" {
		builder = builder.Where(sq.Eq{"currency": filter.Currency})
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

	var pools []*pmodel.Pool

	for rows.Next() {
		pool, err := scanPool(rows)
		if err != nil {
			return nil, mapPgError(err)
		}

		pools = append(pools, pool)
	}

	if err := rows.Err(); err != nil {
		return nil, mapPgError(err)
	}

	return pools, nil
}

// Update mutates configuration fields only.
func (r *PoolRepository) Update(ctx context.Context, id string, input *pmodel.UpdatePoolInput) (*pmodel.Pool, error) {
	builder := psql.Update("pools").Where(sq.Eq{"id": id}).Set("updated_at", time.Now().UTC())

	if input.Name != nil {
		builder = builder.Set("name", *input.Name)
	}

	if input.Description != nil {
		builder = builder.Set("description", *input.Description)
	}

	if input.Status != nil {
		builder = builder.Set("status", *input.Status)
	}

	if input.TargetReturnRate != nil {
		builder = builder.Set("target_return_rate", input.TargetReturnRate.String())
	}

	if input.MinAdvanceAmount != nil {
		builder = builder.Set("min_advance_amount", input.MinAdvanceAmount.String())
	}

	if input.MaxAdvanceAmount != nil {
		builder = builder.Set("max_advance_amount", input.MaxAdvanceAmount.String())
	}

	if input.MaxExposureLimit != nil {
		builder = builder.Set("max_exposure_limit", input.MaxExposureLimit.String())
	}

	if input.MinReserveRatio != nil {
		builder = builder.Set("min_reserve_ratio", input.MinReserveRatio.String())
	}

	if input.AutoRebalance != nil {
		builder = builder.Set("auto_rebalance_enabled", *input.AutoRebalance)
	}

	query, args, err := builder.ToSql()
	if err != nil {
		return nil, err
	}

	tag, err := r.db.Exec(ctx, query, args...)
	if err != nil {
		return nil, mapPgError(err)
	}

	if tag.RowsAffected() == 0 {
		return nil, constant.ErrPoolNotFound
	}

	return r.Find(ctx, id)
}

// lockedPool carries the open transaction and the row read under lock.
type lockedPool struct {
	tx   pgx.Tx
	pool *pmodel.Pool
}

func (l *lockedPool) Pool() *pmodel.Pool {
	return l.pool
}

// ApplyDelta applies signed deltas and appends the ledger entry. The new
// field values are computed here and re-checked against the invariants; any
// violation aborts the enclosing transaction.
func (l *lockedPool) ApplyDelta(ctx context.Context, delta pmodel.BalanceDelta, txn *pmodel.PoolTransaction) (*pmodel.Pool, error) {
	next := delta.Apply(*l.pool)

	if err := next.CheckInvariants(); err != nil {
		return nil, fmt.Errorf("%w: %s", constant.ErrInvariantViolation, err.Error())
	}

	const update = `UPDATE pools SET
		total_capital = $2, available_capital = $3, deployed_capital = $4, reserved_capital = $5,
		total_advances_issued = $6, total_advances_completed = $7, total_advances_defaulted = $8, total_advances_active = $9,
		total_disbursed = $10, total_repaid = $11, total_fees_earned = $12, default_rate = $13,
		last_allocated_at = $14, updated_at = $15
	WHERE id = $1`

	_, err := l.tx.Exec(ctx, update,
		next.ID,
		next.TotalCapital.String(), next.AvailableCapital.String(), next.DeployedCapital.String(), next.ReservedCapital.String(),
		next.TotalAdvancesIssued, next.TotalAdvancesCompleted, next.TotalAdvancesDefaulted, next.TotalAdvancesActive,
		next.TotalDisbursed.String(), next.TotalRepaid.String(), next.TotalFeesEarned.String(), next.DefaultRate.String(),
		next.LastAllocatedAt, next.UpdatedAt,
	)
	if err != nil {
		return nil, mapPgError(err)
	}

	if txn != nil {
		if err := insertTransaction(ctx, l.tx, txn); err != nil {
			return nil, err
		}
	}

	l.pool = &next

	return l.pool, nil
}

// WithLock runs fn inside a serializable transaction holding an exclusive
// row lock on the pool.
func (r *PoolRepository) WithLock(ctx context.Context, poolID string, fn func(ctx context.Context, locked ledger.LockedPool) error) error {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return mapPgError(err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	locked, err := lockPoolRow(ctx, tx, poolID)
	if err != nil {
		return err
	}

	if err := fn(ctx, locked); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return mapPgError(err)
	}

	return nil
}

// WithLockMany locks several pools in ascending pool-id order inside one
// transaction, preventing cross-pool deadlock in atomic batch mode.
func (r *PoolRepository) WithLockMany(ctx context.Context, poolIDs []string, fn func(ctx context.Context, locked map[string]ledger.LockedPool) error) error {
	ordered := make([]string, len(poolIDs))
	copy(ordered, poolIDs)
	sort.Strings(ordered)

	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return mapPgError(err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	locked := make(map[string]ledger.LockedPool, len(ordered))

	for _, id := range ordered {
		lp, err := lockPoolRow(ctx, tx, id)
		if err != nil {
			return err
		}

		locked[id] = lp
	}

	if err := fn(ctx, locked); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return mapPgError(err)
	}

	return nil
}

func lockPoolRow(ctx context.Context, tx pgx.Tx, poolID string) (*lockedPool, error) {
	row := tx.QueryRow(ctx, `SELECT `+poolColumns+` FROM pools WHERE id = $1 FOR UPDATE`, poolID)

	pool, err := scanPool(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, constant.ErrPoolNotFound
	}

	if err != nil {
		return nil, mapPgError(err)
	}

	return &lockedPool{tx: tx, pool: pool}, nil
}

func insertTransaction(ctx context.Context, tx pgx.Tx, txn *pmodel.PoolTransaction) error {
	metadata, err := json.Marshal(txn.Metadata)
	if err != nil {
		return err
	}

	const insert = `INSERT INTO pool_transactions (
		id, pool_id, type, amount, balance_before, balance_after,
		description, metadata, related_advance_id, related_investor_id, created_at
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`

	_, err = tx.Exec(ctx, insert,
		txn.ID, txn.PoolID, txn.Type,
		txn.Amount.String(), txn.BalanceBefore.String(), txn.BalanceAfter.String(),
		txn.Description, metadata, nullable(txn.RelatedAdvanceID), nullable(txn.RelatedInvestorID), txn.CreatedAt,
	)
	if err != nil {
		return mapPgError(err)
	}

	return nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}

	return &s
}
