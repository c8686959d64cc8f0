package command

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/agrofin/capital-engine/internal/adapters/ledger"
	"github.com/agrofin/capital-engine/pkg"
	"github.com/agrofin/capital-engine/pkg/constant"
	"github.com/agrofin/capital-engine/pkg/pmodel"
)

// Reservation hold phases recorded in RESERVE_ALLOCATION ledger metadata when
// the accelerator is unavailable and holds fall back to the ledger.
const (
	holdPhaseHold      = "hold"
	holdPhaseCommitted = "committed"
	holdPhaseReleased  = "released"
)

// CreateReservation places a TTL-bound hold on pool capital while an advance
// is underwritten. Holds normally live only in the accelerator; when it is
// unavailable the hold is written to the ledger instead, moving capital into
// the reserved bucket until commit or release.
func (uc *UseCase) CreateReservation(ctx context.Context, req *pmodel.ReservationRequest) (*pmodel.Reservation, error) {
	ctx, span := uc.Tracer.Start(ctx, "command.create_reservation")
	defer span.End()

	if err := pmodel.Validate(req); err != nil {
		return nil, pkg.ValidateBusinessError(constant.ErrValidationError, "invalid reservation request: %v", err)
	}

	if !req.Amount.IsPositive() {
		return nil, pkg.ValidateBusinessError(constant.ErrValidationError, "reservation amount must be positive")
	}

	ttl := req.TTL
	if ttl <= 0 {
		ttl = uc.Config.ReservationTTL
	}

	now := time.Now().UTC()

	reservation := &pmodel.Reservation{
		ID:        uuid.NewString(),
		PoolID:    req.PoolID,
		AdvanceID: req.AdvanceID,
		FarmerID:  req.FarmerID,
		Amount:    req.Amount,
		Status:    pmodel.ReservationStatusActive,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}

	token, err := uc.CacheRepo.AcquireLock(ctx, req.PoolID)
	if err != nil {
		if errors.Is(err, constant.ErrCacheUnavailable) {
			return uc.reserveInLedger(ctx, reservation)
		}

		return nil, pkg.ValidateBusinessError(err, "could not lock pool %s for reservation", req.PoolID)
	}
	defer func() {
		if err := uc.CacheRepo.ReleaseLock(context.WithoutCancel(ctx), req.PoolID, token); err != nil {
			uc.Logger.Warnw("failed to release pool lock", "pool_id", req.PoolID, "error", err)
		}
	}()

	pool, err := uc.PoolRepo.Find(ctx, req.PoolID)
	if err != nil {
		return nil, pkg.ValidateBusinessError(err, "pool %s not found", req.PoolID)
	}

	if pool.Status != pmodel.PoolStatusActive {
		return nil, pkg.ValidateBusinessError(constant.ErrPoolPaused, "pool %s is %s", pool.ID, pool.Status)
	}

	holdsBefore := uc.activeReservations(ctx, pool.ID)

	if req.Amount.GreaterThan(pmodel.NewBalanceSnapshot(pool, holdsBefore, now).EffectiveAvailable) {
		return nil, pkg.ValidateBusinessError(constant.ErrInsufficientEffectiveAvailable,
			"reservation %s exceeds effective available capital", req.Amount)
	}

	if err := uc.CacheRepo.PutReservation(ctx, reservation); err != nil {
		if errors.Is(err, constant.ErrCacheUnavailable) {
			return uc.reserveInLedger(ctx, reservation)
		}

		return nil, pkg.ValidateBusinessError(err, "could not store reservation")
	}

	uc.Logger.Infow("reservation created",
		"reservation_id", reservation.ID,
		"pool_id", pool.ID,
		"amount", reservation.Amount,
		"expires_at", reservation.ExpiresAt,
	)

	uc.publishBalanceChange(ctx, balanceChange{
		Before:      pool,
		After:       pool,
		HoldsBefore: holdsBefore,
		HoldsAfter:  holdsBefore.Add(reservation.Amount),
		ChangeType:  pmodel.EventReservationCreated,
		Amount:      reservation.Amount,
		EntityID:    reservation.AdvanceID,
		EntityType:  pmodel.RelatedEntityAdvance,
	})

	return reservation, nil
}

// reserveInLedger is the degraded-mode hold: capital moves from available to
// reserved in the ledger with a RESERVE_ALLOCATION entry marking the hold
// phase. The hold has no TTL enforcement in this mode; it stays until
// committed or released.
func (uc *UseCase) reserveInLedger(ctx context.Context, reservation *pmodel.Reservation) (*pmodel.Reservation, error) {
	err := uc.retryConflict(ctx, func(ctx context.Context) error {
		return uc.PoolRepo.WithLock(ctx, reservation.PoolID, func(ctx context.Context, locked ledger.LockedPool) error {
			pool := locked.Pool()

			if pool.Status != pmodel.PoolStatusActive {
				return pkg.ValidateBusinessError(constant.ErrPoolPaused, "pool %s is %s", pool.ID, pool.Status)
			}

			if reservation.Amount.GreaterThan(pool.AvailableCapital.Sub(pool.RequiredReserve())) {
				return pkg.ValidateBusinessError(constant.ErrInsufficientEffectiveAvailable,
					"reservation %s exceeds effective available capital", reservation.Amount)
			}

			_, err := locked.ApplyDelta(ctx, pmodel.BalanceDelta{
				Available: reservation.Amount.Neg(),
				Reserved:  reservation.Amount,
			}, &pmodel.PoolTransaction{
				ID:            uuid.NewString(),
				PoolID:        pool.ID,
				Type:          pmodel.TransactionReserveAllocation,
				Amount:        reservation.Amount,
				BalanceBefore: pool.AvailableCapital,
				BalanceAfter:  pool.AvailableCapital.Sub(reservation.Amount),
				Description:   "capital hold (accelerator unavailable)",
				Metadata: map[string]any{
					"reservationId": reservation.ID,
					"phase":         holdPhaseHold,
					"farmerId":      reservation.FarmerID,
					"expiresAt":     reservation.ExpiresAt.Format(time.RFC3339),
				},
				RelatedAdvanceID: reservation.AdvanceID,
				CreatedAt:        time.Now().UTC(),
			})

			return err
		})
	})
	if err != nil {
		return nil, err
	}

	uc.Logger.Warnw("reservation held in ledger, accelerator unavailable",
		"reservation_id", reservation.ID, "pool_id", reservation.PoolID)

	return reservation, nil
}

// CommitReservation converts a hold into a deployment. Committing a
// reservation that was already committed fails with ErrReservationCommitted
// so callers can tell a repeat from a first commit.
func (uc *UseCase) CommitReservation(ctx context.Context, reservationID string) (*pmodel.AllocationResult, error) {
	ctx, span := uc.Tracer.Start(ctx, "command.commit_reservation")
	defer span.End()

	reservation, err := uc.CacheRepo.GetReservation(ctx, reservationID)
	if err != nil {
		if errors.Is(err, constant.ErrReservationNotFound) || errors.Is(err, constant.ErrCacheUnavailable) {
			return uc.commitHeldReservation(ctx, reservationID)
		}

		return nil, pkg.ValidateBusinessError(err, "could not read reservation %s", reservationID)
	}

	pool, err := uc.PoolRepo.Find(ctx, reservation.PoolID)
	if err != nil {
		return nil, pkg.ValidateBusinessError(err, "pool %s not found", reservation.PoolID)
	}

	req := &pmodel.AllocationRequest{
		AdvanceID:       reservation.AdvanceID,
		FarmerID:        reservation.FarmerID,
		RequestedAmount: reservation.Amount,
		Currency:        pool.Currency,
		RiskTier:        pool.RiskTier,
	}

	result, err := uc.allocateInPool(ctx, reservation.PoolID, req, reservation.Amount)
	if err != nil {
		return nil, err
	}

	if _, err := uc.CacheRepo.RemoveReservation(ctx, reservationID, pmodel.ReservationStatusCommitted); err != nil {
		uc.Logger.Warnw("reservation cleanup failed after commit", "reservation_id", reservationID, "error", err)
	}

	return result, nil
}

// allocateFromReservation is the AllocateCapital path that consumes an
// existing hold instead of fresh capital.
func (uc *UseCase) allocateFromReservation(ctx context.Context, req *pmodel.AllocationRequest) (*pmodel.AllocationResult, error) {
	reservation, err := uc.CacheRepo.GetReservation(ctx, req.ReservationID)
	if err != nil {
		if errors.Is(err, constant.ErrReservationNotFound) || errors.Is(err, constant.ErrCacheUnavailable) {
			return uc.commitHeldReservation(ctx, req.ReservationID)
		}

		return nil, pkg.ValidateBusinessError(err, "could not read reservation %s", req.ReservationID)
	}

	if !req.RequestedAmount.Equal(reservation.Amount) {
		return nil, pkg.ValidateBusinessError(constant.ErrValidationError,
			"requested amount %s does not match reservation amount %s", req.RequestedAmount, reservation.Amount)
	}

	result, err := uc.allocateInPool(ctx, reservation.PoolID, req, reservation.Amount)
	if err != nil {
		return nil, err
	}

	if _, err := uc.CacheRepo.RemoveReservation(ctx, req.ReservationID, pmodel.ReservationStatusCommitted); err != nil {
		uc.Logger.Warnw("reservation cleanup failed after commit", "reservation_id", req.ReservationID, "error", err)
	}

	return result, nil
}

// commitHeldReservation commits a ledger-held fallback hold: reserved capital
// moves to deployed. Already-closed holds fail with ErrReservationCommitted.
func (uc *UseCase) commitHeldReservation(ctx context.Context, reservationID string) (*pmodel.AllocationResult, error) {
	if committed, err := uc.CacheRepo.WasCommitted(ctx, reservationID); err == nil && committed {
		return nil, pkg.ValidateBusinessError(constant.ErrReservationCommitted,
			"reservation %s was already committed", reservationID)
	}

	hold, closed, err := uc.TransactionRepo.ReservationHold(ctx, reservationID)
	if err != nil {
		return nil, pkg.ValidateBusinessError(constant.ErrReservationNotFound,
			"reservation %s not found", reservationID)
	}

	if closed {
		return nil, pkg.ValidateBusinessError(constant.ErrReservationCommitted,
			"reservation %s hold is already closed", reservationID)
	}

	farmerID, _ := hold.Metadata["farmerId"].(string)

	var (
		result        *pmodel.AllocationResult
		before, final *pmodel.Pool
	)

	lockErr := uc.retryConflict(ctx, func(ctx context.Context) error {
		return uc.withPoolLock(ctx, hold.PoolID, func(ctx context.Context, locked ledger.LockedPool) error {
			pool := locked.Pool()
			now := time.Now().UTC()
			txnID := uuid.NewString()

			fees := uc.feesFor(pool.RiskTier, hold.Amount)

			after, err := locked.ApplyDelta(ctx, pmodel.BalanceDelta{
				Reserved:           hold.Amount.Neg(),
				Deployed:           hold.Amount,
				Disbursed:          hold.Amount,
				IssuedDelta:        1,
				ActiveDelta:        1,
				TouchLastAllocated: true,
			}, &pmodel.PoolTransaction{
				ID:            txnID,
				PoolID:        pool.ID,
				Type:          pmodel.TransactionReserveAllocation,
				Amount:        hold.Amount,
				BalanceBefore: pool.AvailableCapital,
				BalanceAfter:  pool.AvailableCapital,
				Description:   "capital hold committed",
				Metadata: map[string]any{
					"reservationId": reservationID,
					"phase":         holdPhaseCommitted,
					"farmerId":      farmerID,
					"farmerFee":     fees.FarmerFee.String(),
					"buyerFee":      fees.BuyerFee.String(),
					"totalFee":      fees.TotalFee.String(),
				},
				RelatedAdvanceID: hold.RelatedAdvanceID,
				CreatedAt:        now,
			})
			if err != nil {
				return err
			}

			result = &pmodel.AllocationResult{
				PoolID:        pool.ID,
				AdvanceID:     hold.RelatedAdvanceID,
				Amount:        hold.Amount,
				BalanceBefore: pool.AvailableCapital,
				BalanceAfter:  after.AvailableCapital,
				TransactionID: txnID,
				Fees:          fees,
				AllocatedAt:   now,
			}

			before, final = pool, after

			return nil
		})
	})
	if lockErr != nil {
		return nil, lockErr
	}

	holds := uc.activeReservations(ctx, final.ID)
	uc.publishBalanceChange(ctx, balanceChange{
		Before:      before,
		After:       final,
		HoldsBefore: holds,
		HoldsAfter:  holds,
		ChangeType:  pmodel.EventBalanceChanged,
		Amount:      hold.Amount.Neg(),
		EntityID:    hold.RelatedAdvanceID,
		EntityType:  pmodel.RelatedEntityAdvance,
	})

	return result, nil
}

// ReleaseReservation cancels a hold, returning the capital to the pool.
func (uc *UseCase) ReleaseReservation(ctx context.Context, reservationID string) (*pmodel.Reservation, error) {
	ctx, span := uc.Tracer.Start(ctx, "command.release_reservation")
	defer span.End()

	reservation, err := uc.CacheRepo.RemoveReservation(ctx, reservationID, pmodel.ReservationStatusReleased)
	if err == nil {
		uc.Logger.Infow("reservation released", "reservation_id", reservationID, "pool_id", reservation.PoolID)

		if pool, ferr := uc.PoolRepo.Find(ctx, reservation.PoolID); ferr == nil {
			holdsAfter := uc.activeReservations(ctx, reservation.PoolID)
			uc.publishBalanceChange(ctx, balanceChange{
				Before:      pool,
				After:       pool,
				HoldsBefore: holdsAfter.Add(reservation.Amount),
				HoldsAfter:  holdsAfter,
				ChangeType:  pmodel.EventReservationReleased,
				Amount:      reservation.Amount,
				EntityID:    reservation.AdvanceID,
				EntityType:  pmodel.RelatedEntityAdvance,
			})
		}

		return reservation, nil
	}

	if !errors.Is(err, constant.ErrReservationNotFound) && !errors.Is(err, constant.ErrCacheUnavailable) {
		return nil, pkg.ValidateBusinessError(err, "could not release reservation %s", reservationID)
	}

	return uc.releaseHeldReservation(ctx, reservationID)
}

// releaseHeldReservation releases a ledger-held fallback hold: reserved
// capital returns to available.
func (uc *UseCase) releaseHeldReservation(ctx context.Context, reservationID string) (*pmodel.Reservation, error) {
	hold, closed, err := uc.TransactionRepo.ReservationHold(ctx, reservationID)
	if err != nil || closed {
		return nil, pkg.ValidateBusinessError(constant.ErrReservationNotFound,
			"reservation %s not found", reservationID)
	}

	farmerID, _ := hold.Metadata["farmerId"].(string)

	var (
		released      *pmodel.Reservation
		before, final *pmodel.Pool
	)

	lockErr := uc.retryConflict(ctx, func(ctx context.Context) error {
		return uc.withPoolLock(ctx, hold.PoolID, func(ctx context.Context, locked ledger.LockedPool) error {
			pool := locked.Pool()
			now := time.Now().UTC()

			after, err := locked.ApplyDelta(ctx, pmodel.BalanceDelta{
				Available: hold.Amount,
				Reserved:  hold.Amount.Neg(),
			}, &pmodel.PoolTransaction{
				ID:            uuid.NewString(),
				PoolID:        pool.ID,
				Type:          pmodel.TransactionReserveAllocation,
				Amount:        hold.Amount,
				BalanceBefore: pool.AvailableCapital,
				BalanceAfter:  pool.AvailableCapital.Add(hold.Amount),
				Description:   "capital hold released",
				Metadata: map[string]any{
					"reservationId": reservationID,
					"phase":         holdPhaseReleased,
					"farmerId":      farmerID,
				},
				RelatedAdvanceID: hold.RelatedAdvanceID,
				CreatedAt:        now,
			})
			if err != nil {
				return err
			}

			released = &pmodel.Reservation{
				ID:        reservationID,
				PoolID:    pool.ID,
				AdvanceID: hold.RelatedAdvanceID,
				FarmerID:  farmerID,
				Amount:    hold.Amount,
				Status:    pmodel.ReservationStatusReleased,
				CreatedAt: hold.CreatedAt,
				ExpiresAt: now,
			}

			before, final = pool, after

			return nil
		})
	})
	if lockErr != nil {
		return nil, lockErr
	}

	holds := uc.activeReservations(ctx, final.ID)
	uc.publishBalanceChange(ctx, balanceChange{
		Before:      before,
		After:       final,
		HoldsBefore: holds,
		HoldsAfter:  holds,
		ChangeType:  pmodel.EventReservationReleased,
		Amount:      hold.Amount,
		EntityID:    hold.RelatedAdvanceID,
		EntityType:  pmodel.RelatedEntityAdvance,
	})

	return released, nil
}

// SweepReservations expires lapsed holds in the accelerator, making their
// capital visible to allocations again. Returns the number of holds expired.
func (uc *UseCase) SweepReservations(ctx context.Context) (int, error) {
	ctx, span := uc.Tracer.Start(ctx, "command.sweep_reservations")
	defer span.End()

	expired, err := uc.CacheRepo.SweepExpired(ctx, time.Now().UTC())
	if err != nil {
		return 0, pkg.ValidateBusinessError(err, "reservation sweep failed")
	}

	seen := make(map[string]decimal.Decimal)

	for _, reservation := range expired {
		uc.Logger.Infow("reservation expired",
			"reservation_id", reservation.ID,
			"pool_id", reservation.PoolID,
			"amount", reservation.Amount,
		)

		seen[reservation.PoolID] = seen[reservation.PoolID].Add(reservation.Amount)
	}

	for poolID := range seen {
		if err := uc.CacheRepo.DelSnapshot(ctx, poolID); err != nil {
			uc.Logger.Warnw("snapshot invalidation failed after sweep", "pool_id", poolID, "error", err)
		}

		if pool, err := uc.PoolRepo.Find(ctx, poolID); err == nil {
			holdsAfter := uc.activeReservations(ctx, poolID)
			uc.publishBalanceChange(ctx, balanceChange{
				Before:      pool,
				After:       pool,
				HoldsBefore: holdsAfter.Add(seen[poolID]),
				HoldsAfter:  holdsAfter,
				ChangeType:  pmodel.EventReservationReleased,
				Amount:      seen[poolID],
			})
		}
	}

	return len(expired), nil
}
