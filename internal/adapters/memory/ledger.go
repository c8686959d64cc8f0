package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/agrofin/capital-engine/internal/adapters/ledger"
	"github.com/agrofin/capital-engine/pkg/constant"
	"github.com/agrofin/capital-engine/pkg/pmodel"
)

// LedgerRepository implements both ledger.PoolRepository and
// ledger.TransactionRepository on process memory. Pool rows and the
// append-only transaction log live in maps guarded by a single mutex;
// WithLock buffers mutations and commits them only when the callback
// returns nil, mirroring the transactional store.
type LedgerRepository struct {
	mu       sync.Mutex
	pools    map[string]*pmodel.Pool
	txns     map[string][]*pmodel.PoolTransaction
	rowLocks map[string]*sync.Mutex
}

// NewLedgerRepository returns an empty in-memory ledger.
func NewLedgerRepository() *LedgerRepository {
	return &LedgerRepository{
		pools:    make(map[string]*pmodel.Pool),
		txns:     make(map[string][]*pmodel.PoolTransaction),
		rowLocks: make(map[string]*sync.Mutex),
	}
}

func (r *LedgerRepository) Create(_ context.Context, pool *pmodel.Pool, initial *pmodel.PoolTransaction) (*pmodel.Pool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.pools[pool.ID]; exists {
		return nil, constant.ErrConcurrentMutation
	}

	copied := *pool
	r.pools[pool.ID] = &copied

	if initial != nil {
		entry := *initial
		r.txns[pool.ID] = append(r.txns[pool.ID], &entry)
	}

	result := copied

	return &result, nil
}

func (r *LedgerRepository) Find(_ context.Context, id string) (*pmodel.Pool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	pool, ok := r.pools[id]
	if !ok {
		return nil, constant.ErrPoolNotFound
	}

	copied := *pool

	return &copied, nil
}

func (r *LedgerRepository) FindAll(_ context.Context, filter pmodel.PoolFilter) ([]*pmodel.Pool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	matched := make([]*pmodel.Pool, 0, len(r.pools))

	var wanted map[string]struct{}

	if len(filter.IDs) > 0 {
		wanted = make(map[string]struct{}, len(filter.IDs))
		for _, id := range filter.IDs {
			wanted[id] = struct{}{}
		}
	}

	for _, pool := range r.pools {
		if wanted != nil {
			if _, ok := wanted[pool.ID]; !ok {
				continue
			}
		}

		if filter.Status != "" && pool.Status != filter.Status {
			continue
		}

		if filter.RiskTier != "" && pool.RiskTier != filter.RiskTier {
			continue
		}

		if filter.Currency != "" && pool.Currency != filter.Currency {
			continue
		}

		copied := *pool
		matched = append(matched, &copied)
	}

	sort.Slice(matched, func(i, j int) bool { return matched[i].ID < matched[j].ID })

	if filter.Offset > 0 {
		if filter.Offset >= len(matched) {
			return nil, nil
		}

		matched = matched[filter.Offset:]
	}

	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}

	return matched, nil
}

func (r *LedgerRepository) Update(_ context.Context, id string, input *pmodel.UpdatePoolInput) (*pmodel.Pool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	pool, ok := r.pools[id]
	if !ok {
		return nil, constant.ErrPoolNotFound
	}

	if input.Name != nil {
		pool.Name = *input.Name
	}

	if input.Description != nil {
		pool.Description = *input.Description
	}

	if input.Status != nil {
		pool.Status = *input.Status
	}

	if input.TargetReturnRate != nil {
		pool.TargetReturnRate = *input.TargetReturnRate
	}

	if input.MinAdvanceAmount != nil {
		pool.MinAdvanceAmount = *input.MinAdvanceAmount
	}

	if input.MaxAdvanceAmount != nil {
		pool.MaxAdvanceAmount = *input.MaxAdvanceAmount
	}

	if input.MaxExposureLimit != nil {
		pool.MaxExposureLimit = *input.MaxExposureLimit
	}

	if input.MinReserveRatio != nil {
		pool.MinReserveRatio = *input.MinReserveRatio
	}

	if input.AutoRebalance != nil {
		pool.AutoRebalanceEnabled = *input.AutoRebalance
	}

	pool.UpdatedAt = time.Now().UTC()

	copied := *pool

	return &copied, nil
}

// rowLock returns the per-pool mutex, creating it on first use.
func (r *LedgerRepository) rowLock(poolID string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()

	lock, ok := r.rowLocks[poolID]
	if !ok {
		lock = &sync.Mutex{}
		r.rowLocks[poolID] = lock
	}

	return lock
}

// lockedPool buffers delta applications until the WithLock callback returns.
type lockedPool struct {
	repo    *LedgerRepository
	current pmodel.Pool
	pending []*pmodel.PoolTransaction
}

func (l *lockedPool) Pool() *pmodel.Pool {
	copied := l.current
	return &copied
}

func (l *lockedPool) ApplyDelta(_ context.Context, delta pmodel.BalanceDelta, txn *pmodel.PoolTransaction) (*pmodel.Pool, error) {
	next := delta.Apply(l.current)

	if err := next.CheckInvariants(); err != nil {
		return nil, constant.ErrInvariantViolation
	}

	l.current = next

	if txn != nil {
		entry := *txn
		if entry.CreatedAt.IsZero() {
			entry.CreatedAt = time.Now().UTC()
		}

		l.pending = append(l.pending, &entry)
	}

	copied := l.current

	return &copied, nil
}

func (r *LedgerRepository) WithLock(ctx context.Context, poolID string, fn func(ctx context.Context, locked ledger.LockedPool) error) error {
	rowLock := r.rowLock(poolID)
	rowLock.Lock()
	defer rowLock.Unlock()

	r.mu.Lock()
	pool, ok := r.pools[poolID]
	if !ok {
		r.mu.Unlock()
		return constant.ErrPoolNotFound
	}

	locked := &lockedPool{repo: r, current: *pool}
	r.mu.Unlock()

	if err := fn(ctx, locked); err != nil {
		return err
	}

	r.commit(map[string]*lockedPool{poolID: locked})

	return nil
}

func (r *LedgerRepository) WithLockMany(ctx context.Context, poolIDs []string, fn func(ctx context.Context, locked map[string]ledger.LockedPool) error) error {
	ids := append([]string(nil), poolIDs...)
	sort.Strings(ids)

	// Ascending acquisition order keeps concurrent batches deadlock free.
	rowLocks := make([]*sync.Mutex, 0, len(ids))

	for _, id := range ids {
		lock := r.rowLock(id)
		lock.Lock()
		rowLocks = append(rowLocks, lock)
	}

	defer func() {
		for i := len(rowLocks) - 1; i >= 0; i-- {
			rowLocks[i].Unlock()
		}
	}()

	buffered := make(map[string]*lockedPool, len(ids))
	locked := make(map[string]ledger.LockedPool, len(ids))

	r.mu.Lock()

	for _, id := range ids {
		pool, ok := r.pools[id]
		if !ok {
			r.mu.Unlock()
			return constant.ErrPoolNotFound
		}

		lp := &lockedPool{repo: r, current: *pool}
		buffered[id] = lp
		locked[id] = lp
	}

	r.mu.Unlock()

	if err := fn(ctx, locked); err != nil {
		return err
	}

	r.commit(buffered)

	return nil
}

func (r *LedgerRepository) commit(buffered map[string]*lockedPool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, lp := range buffered {
		copied := lp.current
		r.pools[id] = &copied
		r.txns[id] = append(r.txns[id], lp.pending...)
	}
}

func (r *LedgerRepository) ListByPool(_ context.Context, poolID string, filter pmodel.TransactionFilter) ([]*pmodel.PoolTransaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entries := r.txns[poolID]
	matched := make([]*pmodel.PoolTransaction, 0, len(entries))

	for _, entry := range entries {
		if filter.Type != "" && entry.Type != filter.Type {
			continue
		}

		if filter.AdvanceID != "" && entry.RelatedAdvanceID != filter.AdvanceID {
			continue
		}

		if !filter.From.IsZero() && entry.CreatedAt.Before(filter.From) {
			continue
		}

		if !filter.To.IsZero() && entry.CreatedAt.After(filter.To) {
			continue
		}

		copied := *entry
		matched = append(matched, &copied)
	}

	// Newest first, matching the durable store's listing order.
	sort.SliceStable(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID > matched[j].ID
		}

		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(matched) {
			return nil, nil
		}

		matched = matched[filter.Offset:]
	}

	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}

	return matched, nil
}

func (r *LedgerRepository) Summary(_ context.Context, poolID string, from, to time.Time) (*pmodel.TransactionSummary, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	byType := make(map[pmodel.TransactionType]*pmodel.TransactionTypeSummary)

	var entries int64

	for _, entry := range r.txns[poolID] {
		if !from.IsZero() && entry.CreatedAt.Before(from) {
			continue
		}

		if !to.IsZero() && entry.CreatedAt.After(to) {
			continue
		}

		agg, ok := byType[entry.Type]
		if !ok {
			agg = &pmodel.TransactionTypeSummary{Type: entry.Type}
			byType[entry.Type] = agg
		}

		agg.Count++
		agg.Total = agg.Total.Add(entry.Amount)
		entries++
	}

	summary := &pmodel.TransactionSummary{PoolID: poolID, From: from, To: to, Entries: entries}

	for _, agg := range byType {
		summary.ByType = append(summary.ByType, *agg)
	}

	sort.Slice(summary.ByType, func(i, j int) bool { return summary.ByType[i].Type < summary.ByType[j].Type })

	return summary, nil
}

func (r *LedgerRepository) FarmerExposures(_ context.Context, poolID string, limit int) ([]pmodel.FarmerExposure, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	exposures := make(map[string]decimal.Decimal)

	for _, entry := range r.txns[poolID] {
		farmerID, _ := entry.Metadata["farmerId"].(string)
		if farmerID == "" {
			continue
		}

		switch entry.Type {
		case pmodel.TransactionAdvanceDisbursement:
			exposures[farmerID] = exposures[farmerID].Add(entry.Amount)
		case pmodel.TransactionAdvanceRepayment:
			exposures[farmerID] = exposures[farmerID].Sub(entry.Amount)
		case pmodel.TransactionAdjustment:
			if defaulted, ok := metadataAmount(entry.Metadata, "defaultedAmount"); ok {
				exposures[farmerID] = exposures[farmerID].Sub(defaulted)
			}
		}
	}

	result := make([]pmodel.FarmerExposure, 0, len(exposures))

	for farmerID, exposure := range exposures {
		if exposure.IsPositive() {
			result = append(result, pmodel.FarmerExposure{FarmerID: farmerID, Exposure: exposure})
		}
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].Exposure.Equal(result[j].Exposure) {
			return result[i].FarmerID < result[j].FarmerID
		}

		return result[i].Exposure.GreaterThan(result[j].Exposure)
	})

	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}

	return result, nil
}

func (r *LedgerRepository) ReservationHold(_ context.Context, reservationID string) (*pmodel.PoolTransaction, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var (
		hold   *pmodel.PoolTransaction
		closed bool
	)

	for _, entries := range r.txns {
		for _, entry := range entries {
			if entry.Type != pmodel.TransactionReserveAllocation {
				continue
			}

			id, _ := entry.Metadata["reservationId"].(string)
			if id != reservationID {
				continue
			}

			phase, _ := entry.Metadata["phase"].(string)

			switch strings.ToLower(phase) {
			case "hold":
				copied := *entry
				hold = &copied
			case "committed", "released":
				closed = true
			}
		}
	}

	if hold == nil {
		return nil, false, constant.ErrReservationNotFound
	}

	return hold, closed, nil
}

// metadataAmount reads a decimal metadata value written as string or number.
func metadataAmount(metadata map[string]any, key string) (decimal.Decimal, bool) {
	raw, ok := metadata[key]
	if !ok {
		return decimal.Zero, false
	}

	switch v := raw.(type) {
	case string:
		parsed, err := decimal.NewFromString(v)
		if err != nil {
			return decimal.Zero, false
		}

		return parsed, true
	case float64:
		return decimal.NewFromFloat(v), true
	case decimal.Decimal:
		return v, true
	}

	return decimal.Zero, false
}
