// Package memory implements the accelerator capability in process memory.
// It backs single-process deployments without Redis and doubles as the test
// accelerator. Locking degrades to in-process mutexes, which weakens
// multi-process safety; operators opt into this mode explicitly.
package memory

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/agrofin/capital-engine/internal/adapters/cache"
	"github.com/agrofin/capital-engine/pkg/constant"
	"github.com/agrofin/capital-engine/pkg/pmodel"
)

type lockState struct {
	token   string
	expires time.Time
}

type cachedSnapshot struct {
	snapshot pmodel.BalanceSnapshot
	expires  time.Time
}

// CacheRepository implements cache.Repository without external dependencies.
type CacheRepository struct {
	cfg cache.Config

	mu           sync.Mutex
	snapshots    map[string]cachedSnapshot
	summary      *pmodel.PoolSummary
	summaryUntil time.Time
	locks        map[string]lockState
	reservations map[string]*pmodel.Reservation
	committed    map[string]time.Time
	subscribers  map[uint64]chan pmodel.BalanceChangeEvent
	nextSubID    uint64
}

// NewCacheRepository returns an empty in-memory accelerator.
func NewCacheRepository(cfg cache.Config) *CacheRepository {
	return &CacheRepository{
		cfg:          cfg,
		snapshots:    make(map[string]cachedSnapshot),
		locks:        make(map[string]lockState),
		reservations: make(map[string]*pmodel.Reservation),
		committed:    make(map[string]time.Time),
		subscribers:  make(map[uint64]chan pmodel.BalanceChangeEvent),
	}
}

func (m *CacheRepository) GetSnapshot(_ context.Context, poolID string) (*pmodel.BalanceSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.snapshots[poolID]
	if !ok || time.Now().After(entry.expires) {
		delete(m.snapshots, poolID)
		return nil, nil
	}

	snapshot := entry.snapshot
	snapshot.FromCache = true

	return &snapshot, nil
}

func (m *CacheRepository) GetSnapshots(ctx context.Context, poolIDs []string) (map[string]*pmodel.BalanceSnapshot, error) {
	found := make(map[string]*pmodel.BalanceSnapshot, len(poolIDs))

	for _, id := range poolIDs {
		snapshot, _ := m.GetSnapshot(ctx, id)
		if snapshot != nil {
			found[id] = snapshot
		}
	}

	return found, nil
}

func (m *CacheRepository) SetSnapshot(_ context.Context, snapshot *pmodel.BalanceSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.snapshots[snapshot.PoolID] = cachedSnapshot{
		snapshot: *snapshot,
		expires:  time.Now().Add(m.cfg.SnapshotTTL),
	}

	return nil
}

func (m *CacheRepository) DelSnapshot(_ context.Context, poolID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.snapshots, poolID)

	return nil
}

func (m *CacheRepository) GetSummary(_ context.Context) (*pmodel.PoolSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.summary == nil || time.Now().After(m.summaryUntil) {
		m.summary = nil
		return nil, nil
	}

	summary := *m.summary
	summary.FromCache = true

	return &summary, nil
}

func (m *CacheRepository) SetSummary(_ context.Context, summary *pmodel.PoolSummary) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	copied := *summary
	m.summary = &copied
	m.summaryUntil = time.Now().Add(m.cfg.SummaryTTL)

	return nil
}

// AcquireLock takes the per-pool lock, treating an expired lease as free.
func (m *CacheRepository) AcquireLock(ctx context.Context, poolID string) (string, error) {
	deadline := time.Now().Add(m.cfg.LockAcquireTimeout)

	for {
		m.mu.Lock()

		state, held := m.locks[poolID]
		if !held || time.Now().After(state.expires) {
			token := uuid.NewString()
			m.locks[poolID] = lockState{token: token, expires: time.Now().Add(m.cfg.LockLease)}
			m.mu.Unlock()

			return token, nil
		}

		m.mu.Unlock()

		if time.Now().After(deadline) {
			return "", constant.ErrLockUnavailable
		}

		backoff := 5*time.Millisecond + time.Duration(rand.Int63n(int64(10*time.Millisecond)))

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(backoff):
		}
	}
}

// ReleaseLock releases only when the token matches the current holder.
func (m *CacheRepository) ReleaseLock(_ context.Context, poolID, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if state, held := m.locks[poolID]; held && state.token == token {
		delete(m.locks, poolID)
	}

	return nil
}

func (m *CacheRepository) PutReservation(_ context.Context, reservation *pmodel.Reservation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	copied := *reservation
	m.reservations[reservation.ID] = &copied

	return nil
}

func (m *CacheRepository) GetReservation(_ context.Context, reservationID string) (*pmodel.Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	reservation, ok := m.reservations[reservationID]
	if !ok || reservation.Expired(time.Now()) {
		return nil, constant.ErrReservationNotFound
	}

	copied := *reservation

	return &copied, nil
}

func (m *CacheRepository) RemoveReservation(_ context.Context, reservationID string, status pmodel.ReservationStatus) (*pmodel.Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	reservation, ok := m.reservations[reservationID]
	if !ok {
		return nil, constant.ErrReservationNotFound
	}

	delete(m.reservations, reservationID)

	if status == pmodel.ReservationStatusCommitted {
		m.committed[reservationID] = time.Now().Add(m.cfg.ReservationTTL)
	}

	copied := *reservation
	copied.Status = status

	return &copied, nil
}

func (m *CacheRepository) WasCommitted(_ context.Context, reservationID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	until, ok := m.committed[reservationID]
	if !ok {
		return false, nil
	}

	if time.Now().After(until) {
		delete(m.committed, reservationID)
		return false, nil
	}

	return true, nil
}

func (m *CacheRepository) ActiveReservationSum(_ context.Context, poolID string) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	sum := decimal.Zero

	for _, reservation := range m.reservations {
		if reservation.PoolID == poolID && !reservation.Expired(now) {
			sum = sum.Add(reservation.Amount)
		}
	}

	return sum, nil
}

func (m *CacheRepository) SweepExpired(_ context.Context, now time.Time) ([]*pmodel.Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var expired []*pmodel.Reservation

	for id, reservation := range m.reservations {
		if !reservation.Expired(now) {
			continue
		}

		delete(m.reservations, id)

		copied := *reservation
		copied.Status = pmodel.ReservationStatusExpired
		expired = append(expired, &copied)
	}

	return expired, nil
}

// Publish loops the event back to in-memory subscribers. There is no other
// process to reach in this mode.
func (m *CacheRepository) Publish(_ context.Context, event pmodel.BalanceChangeEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, ch := range m.subscribers {
		select {
		case ch <- event:
		default:
		}
	}

	return nil
}

func (m *CacheRepository) Subscribe(_ context.Context) (<-chan pmodel.BalanceChangeEvent, func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextSubID++
	id := m.nextSubID
	ch := make(chan pmodel.BalanceChangeEvent, 64)
	m.subscribers[id] = ch

	cancel := func() {
		m.mu.Lock()
		defer m.mu.Unlock()

		if existing, ok := m.subscribers[id]; ok {
			delete(m.subscribers, id)
			close(existing)
		}
	}

	return ch, cancel, nil
}
