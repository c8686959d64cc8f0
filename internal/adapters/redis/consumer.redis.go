// Package redis implements the accelerator capability on Redis: snapshot
// caching, SET NX EX per-pool locks with token-checked release, the
// reservation registry and balance-event pub/sub.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"

	"github.com/agrofin/capital-engine/internal/adapters/cache"
	"github.com/agrofin/capital-engine/pkg/constant"
	"github.com/agrofin/capital-engine/pkg/pmodel"
)

const (
	snapshotKeyPrefix  = "lpce:snapshot:"
	summaryKey         = "lpce:summary"
	lockKeyPrefix      = "lpce:lock:"
	reservationPrefix  = "lpce:rsv:"
	reservationIndex   = "lpce:rsv:index"
	committedKeyPrefix = "lpce:rsv:committed:"
	eventsChannel      = "lpce:balance-events"
)

// releaseScript deletes the lock only when the stored token matches the
// caller's. Without the token check a holder whose lease expired could
// release a lock re-acquired by someone else.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// reservationRecord is the msgpack shape stored in the registry hash. The
// amount travels as a string to keep decimal exactness.
type reservationRecord struct {
	ID        string `msgpack:"id"`
	PoolID    string `msgpack:"pool_id"`
	AdvanceID string `msgpack:"advance_id"`
	FarmerID  string `msgpack:"farmer_id"`
	Amount    string `msgpack:"amount"`
	CreatedAt int64  `msgpack:"created_at"`
	ExpiresAt int64  `msgpack:"expires_at"`
}

// ConsumerRepository implements cache.Repository on a Redis client.
type ConsumerRepository struct {
	client *redis.Client
	cfg    cache.Config
	logger *zap.SugaredLogger
}

// NewConsumerRepository pings the server and returns the repository.
func NewConsumerRepository(ctx context.Context, client *redis.Client, cfg cache.Config, logger *zap.SugaredLogger) (*ConsumerRepository, error) {
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &ConsumerRepository{client: client, cfg: cfg, logger: logger}, nil
}

func (r *ConsumerRepository) wrap(err error) error {
	return fmt.Errorf("%w: %s", constant.ErrCacheUnavailable, err.Error())
}

func snapshotKey(poolID string) string { return snapshotKeyPrefix + poolID }

func reservationKey(poolID string) string { return reservationPrefix + poolID }

// GetSnapshot returns the cached snapshot, or (nil, nil) on a miss.
func (r *ConsumerRepository) GetSnapshot(ctx context.Context, poolID string) (*pmodel.BalanceSnapshot, error) {
	raw, err := r.client.Get(ctx, snapshotKey(poolID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}

	if err != nil {
		return nil, r.wrap(err)
	}

	snapshot := &pmodel.BalanceSnapshot{}
	if err := json.Unmarshal([]byte(raw), snapshot); err != nil {
		r.logger.Warnw("discarding undecodable snapshot", "pool_id", poolID, "error", err)

		return nil, nil
	}

	snapshot.FromCache = true

	return snapshot, nil
}

// GetSnapshots multi-gets snapshots for the given pools. Misses are simply
// absent from the returned map.
func (r *ConsumerRepository) GetSnapshots(ctx context.Context, poolIDs []string) (map[string]*pmodel.BalanceSnapshot, error) {
	if len(poolIDs) == 0 {
		return map[string]*pmodel.BalanceSnapshot{}, nil
	}

	keys := make([]string, len(poolIDs))
	for i, id := range poolIDs {
		keys[i] = snapshotKey(id)
	}

	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, r.wrap(err)
	}

	found := make(map[string]*pmodel.BalanceSnapshot, len(poolIDs))

	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}

		snapshot := &pmodel.BalanceSnapshot{}
		if err := json.Unmarshal([]byte(raw), snapshot); err != nil {
			continue
		}

		snapshot.FromCache = true
		found[poolIDs[i]] = snapshot
	}

	return found, nil
}

// SetSnapshot caches a snapshot with the snapshot TTL.
func (r *ConsumerRepository) SetSnapshot(ctx context.Context, snapshot *pmodel.BalanceSnapshot) error {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}

	if err := r.client.Set(ctx, snapshotKey(snapshot.PoolID), data, r.cfg.SnapshotTTL).Err(); err != nil {
		return r.wrap(err)
	}

	return nil
}

// DelSnapshot invalidates a pool's cached snapshot.
func (r *ConsumerRepository) DelSnapshot(ctx context.Context, poolID string) error {
	if err := r.client.Del(ctx, snapshotKey(poolID)).Err(); err != nil {
		return r.wrap(err)
	}

	return nil
}

// GetSummary returns the cached cross-pool summary, or (nil, nil) on a miss.
func (r *ConsumerRepository) GetSummary(ctx context.Context) (*pmodel.PoolSummary, error) {
	raw, err := r.client.Get(ctx, summaryKey).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}

	if err != nil {
		return nil, r.wrap(err)
	}

	summary := &pmodel.PoolSummary{}
	if err := json.Unmarshal([]byte(raw), summary); err != nil {
		return nil, nil
	}

	summary.FromCache = true

	return summary, nil
}

// SetSummary caches the cross-pool summary with the summary TTL.
func (r *ConsumerRepository) SetSummary(ctx context.Context, summary *pmodel.PoolSummary) error {
	data, err := json.Marshal(summary)
	if err != nil {
		return err
	}

	if err := r.client.Set(ctx, summaryKey, data, r.cfg.SummaryTTL).Err(); err != nil {
		return r.wrap(err)
	}

	return nil
}

// AcquireLock takes the per-pool mutex with SET NX and a bounded lease,
// retrying until the acquire timeout. It returns the holder token.
func (r *ConsumerRepository) AcquireLock(ctx context.Context, poolID string) (string, error) {
	token := uuid.NewString()
	deadline := time.Now().Add(r.cfg.LockAcquireTimeout)

	for {
		ok, err := r.client.SetNX(ctx, lockKeyPrefix+poolID, token, r.cfg.LockLease).Result()
		if err != nil {
			return "", r.wrap(err)
		}

		if ok {
			return token, nil
		}

		if time.Now().After(deadline) {
			return "", constant.ErrLockUnavailable
		}

		backoff := 20*time.Millisecond + time.Duration(rand.Int63n(int64(30*time.Millisecond)))

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(backoff):
		}
	}
}

// ReleaseLock releases the mutex when the token still matches. A mismatch is
// not an error: the lease expired and another holder owns the lock now.
func (r *ConsumerRepository) ReleaseLock(ctx context.Context, poolID, token string) error {
	released, err := releaseScript.Run(ctx, r.client, []string{lockKeyPrefix + poolID}, token).Int()
	if err != nil {
		return r.wrap(err)
	}

	if released == 0 {
		r.logger.Warnw("lock already re-acquired on release", "pool_id", poolID)
	}

	return nil
}

// PutReservation stores a reservation in the pool's registry hash and the
// global index.
func (r *ConsumerRepository) PutReservation(ctx context.Context, reservation *pmodel.Reservation) error {
	record := reservationRecord{
		ID:        reservation.ID,
		PoolID:    reservation.PoolID,
		AdvanceID: reservation.AdvanceID,
		FarmerID:  reservation.FarmerID,
		Amount:    reservation.Amount.String(),
		CreatedAt: reservation.CreatedAt.UnixMilli(),
		ExpiresAt: reservation.ExpiresAt.UnixMilli(),
	}

	data, err := msgpack.Marshal(record)
	if err != nil {
		return err
	}

	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, reservationKey(reservation.PoolID), reservation.ID, data)
	pipe.HSet(ctx, reservationIndex, reservation.ID, reservation.PoolID)

	if _, err := pipe.Exec(ctx); err != nil {
		return r.wrap(err)
	}

	return nil
}

func (r *ConsumerRepository) loadReservation(ctx context.Context, reservationID string) (*pmodel.Reservation, error) {
	poolID, err := r.client.HGet(ctx, reservationIndex, reservationID).Result()
	if errors.Is(err, redis.Nil) {
		return nil, constant.ErrReservationNotFound
	}

	if err != nil {
		return nil, r.wrap(err)
	}

	raw, err := r.client.HGet(ctx, reservationKey(poolID), reservationID).Result()
	if errors.Is(err, redis.Nil) {
		return nil, constant.ErrReservationNotFound
	}

	if err != nil {
		return nil, r.wrap(err)
	}

	record := reservationRecord{}
	if err := msgpack.Unmarshal([]byte(raw), &record); err != nil {
		return nil, err
	}

	amount, err := decimal.NewFromString(record.Amount)
	if err != nil {
		return nil, err
	}

	return &pmodel.Reservation{
		ID:        record.ID,
		PoolID:    record.PoolID,
		AdvanceID: record.AdvanceID,
		FarmerID:  record.FarmerID,
		Amount:    amount,
		Status:    pmodel.ReservationStatusActive,
		CreatedAt: time.UnixMilli(record.CreatedAt),
		ExpiresAt: time.UnixMilli(record.ExpiresAt),
	}, nil
}

// GetReservation returns an active reservation. Expired records surface as
// not found.
func (r *ConsumerRepository) GetReservation(ctx context.Context, reservationID string) (*pmodel.Reservation, error) {
	reservation, err := r.loadReservation(ctx, reservationID)
	if err != nil {
		return nil, err
	}

	if reservation.Expired(time.Now()) {
		return nil, constant.ErrReservationNotFound
	}

	return reservation, nil
}

// RemoveReservation deletes the record and returns it with the final status.
// Committed removals leave a short-lived marker so a repeated commit stays
// idempotent.
func (r *ConsumerRepository) RemoveReservation(ctx context.Context, reservationID string, status pmodel.ReservationStatus) (*pmodel.Reservation, error) {
	reservation, err := r.loadReservation(ctx, reservationID)
	if err != nil {
		return nil, err
	}

	pipe := r.client.TxPipeline()
	pipe.HDel(ctx, reservationKey(reservation.PoolID), reservationID)
	pipe.HDel(ctx, reservationIndex, reservationID)

	if status == pmodel.ReservationStatusCommitted {
		pipe.Set(ctx, committedKeyPrefix+reservationID, reservation.PoolID, r.cfg.ReservationTTL)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return nil, r.wrap(err)
	}

	reservation.Status = status

	return reservation, nil
}

// WasCommitted reports whether a commit marker exists for the reservation.
func (r *ConsumerRepository) WasCommitted(ctx context.Context, reservationID string) (bool, error) {
	n, err := r.client.Exists(ctx, committedKeyPrefix+reservationID).Result()
	if err != nil {
		return false, r.wrap(err)
	}

	return n > 0, nil
}

// ActiveReservationSum sums the unexpired holds against a pool.
func (r *ConsumerRepository) ActiveReservationSum(ctx context.Context, poolID string) (decimal.Decimal, error) {
	entries, err := r.client.HGetAll(ctx, reservationKey(poolID)).Result()
	if err != nil {
		return decimal.Zero, r.wrap(err)
	}

	now := time.Now().UnixMilli()
	sum := decimal.Zero

	for _, raw := range entries {
		record := reservationRecord{}
		if err := msgpack.Unmarshal([]byte(raw), &record); err != nil {
			continue
		}

		if record.ExpiresAt <= now {
			continue
		}

		amount, err := decimal.NewFromString(record.Amount)
		if err != nil {
			continue
		}

		sum = sum.Add(amount)
	}

	return sum, nil
}

// SweepExpired removes every reservation past its expiry and returns them
// marked EXPIRED.
func (r *ConsumerRepository) SweepExpired(ctx context.Context, now time.Time) ([]*pmodel.Reservation, error) {
	index, err := r.client.HGetAll(ctx, reservationIndex).Result()
	if err != nil {
		return nil, r.wrap(err)
	}

	var expired []*pmodel.Reservation

	for reservationID := range index {
		reservation, err := r.loadReservation(ctx, reservationID)
		if errors.Is(err, constant.ErrReservationNotFound) {
			continue
		}

		if err != nil {
			return expired, err
		}

		if !reservation.Expired(now) {
			continue
		}

		removed, err := r.RemoveReservation(ctx, reservationID, pmodel.ReservationStatusExpired)
		if errors.Is(err, constant.ErrReservationNotFound) {
			continue
		}

		if err != nil {
			return expired, err
		}

		expired = append(expired, removed)
	}

	return expired, nil
}

// Publish fans the event out to the cross-process channel.
func (r *ConsumerRepository) Publish(ctx context.Context, event pmodel.BalanceChangeEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	if err := r.client.Publish(ctx, eventsChannel, data).Err(); err != nil {
		return r.wrap(err)
	}

	return nil
}

// Subscribe returns a channel of events published by other processes. The
// returned func closes the subscription.
func (r *ConsumerRepository) Subscribe(ctx context.Context) (<-chan pmodel.BalanceChangeEvent, func(), error) {
	sub := r.client.Subscribe(ctx, eventsChannel)

	if _, err := sub.Receive(ctx); err != nil {
		return nil, nil, r.wrap(err)
	}

	out := make(chan pmodel.BalanceChangeEvent, 64)

	go func() {
		defer close(out)

		for msg := range sub.Channel() {
			event := pmodel.BalanceChangeEvent{}
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				r.logger.Warnw("dropping undecodable balance event", "error", err)

				continue
			}

			select {
			case out <- event:
			default:
			}
		}
	}()

	return out, func() { _ = sub.Close() }, nil
}
