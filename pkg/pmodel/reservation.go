package pmodel

import (
	"time"

	"github.com/shopspring/decimal"
)

// ReservationStatus is the lifecycle state of a capital hold.
type ReservationStatus string

const (
	ReservationStatusActive    ReservationStatus = "ACTIVE"
	ReservationStatusCommitted ReservationStatus = "COMMITTED"
	ReservationStatusReleased  ReservationStatus = "RELEASED"
	ReservationStatusExpired   ReservationStatus = "EXPIRED"
)

// Reservation is a short-lived, TTL-bound hold on pool capital taken while an
// advance is being underwritten. Reservations live in the accelerator only;
// losing one on cache failure is acceptable and treated as a release.
type Reservation struct {
	ID        string            `json:"id"`
	PoolID    string            `json:"poolId"`
	AdvanceID string            `json:"advanceId"`
	FarmerID  string            `json:"farmerId"`
	Amount    decimal.Decimal   `json:"amount"`
	Status    ReservationStatus `json:"status"`
	CreatedAt time.Time         `json:"createdAt"`
	ExpiresAt time.Time         `json:"expiresAt"`
}

// Expired reports whether the reservation's TTL lapsed at the given instant.
func (r *Reservation) Expired(now time.Time) bool {
	return now.After(r.ExpiresAt)
}

// ReservationRequest creates a hold on a pool.
type ReservationRequest struct {
	PoolID    string          `json:"poolId" validate:"required"`
	AdvanceID string          `json:"advanceId" validate:"required"`
	FarmerID  string          `json:"farmerId" validate:"required"`
	Amount    decimal.Decimal `json:"amount" validate:"required"`

	// TTL overrides the configured reservation TTL when positive.
	TTL time.Duration `json:"-"`
}
