package pmodel

import (
	"time"

	"github.com/shopspring/decimal"
)

// BalanceChangeType identifies the kind of balance event published.
type BalanceChangeType string

const (
	EventBalanceChanged      BalanceChangeType = "BALANCE_CHANGED"
	EventReservationCreated  BalanceChangeType = "RESERVATION_CREATED"
	EventReservationReleased BalanceChangeType = "RESERVATION_RELEASED"
	EventHealthWarning       BalanceChangeType = "HEALTH_WARNING"
)

// RelatedEntityType classifies the entity a balance event refers to.
type RelatedEntityType string

const (
	RelatedEntityAdvance    RelatedEntityType = "ADVANCE"
	RelatedEntityInvestor   RelatedEntityType = "INVESTOR"
	RelatedEntityAdjustment RelatedEntityType = "ADJUSTMENT"
)

// BalanceView is the snapshot shape embedded in event payloads.
type BalanceView struct {
	TotalCapital       decimal.Decimal `json:"totalCapital"`
	AvailableCapital   decimal.Decimal `json:"availableCapital"`
	DeployedCapital    decimal.Decimal `json:"deployedCapital"`
	ReservedCapital    decimal.Decimal `json:"reservedCapital"`
	EffectiveAvailable decimal.Decimal `json:"effectiveAvailable"`
	UtilizationRate    decimal.Decimal `json:"utilizationRate"`
	ReserveRatio       decimal.Decimal `json:"reserveRatio"`
	Timestamp          time.Time       `json:"timestamp"`
}

// ViewOf projects a snapshot into the event payload shape.
func ViewOf(s *BalanceSnapshot) BalanceView {
	return BalanceView{
		TotalCapital:       s.TotalCapital,
		AvailableCapital:   s.AvailableCapital,
		DeployedCapital:    s.DeployedCapital,
		ReservedCapital:    s.ReservedCapital,
		EffectiveAvailable: s.EffectiveAvailable,
		UtilizationRate:    s.UtilizationRate,
		ReserveRatio:       s.ReserveRatio,
		Timestamp:          s.Timestamp,
	}
}

// BalanceChangeEvent is published after every committed balance mutation.
// Delivery is best effort; subscribers must tolerate gaps.
type BalanceChangeEvent struct {
	PoolID            string            `json:"poolId"`
	ChangeType        BalanceChangeType `json:"changeType"`
	Amount            decimal.Decimal   `json:"amount"`
	BalanceBefore     BalanceView       `json:"balanceBefore"`
	BalanceAfter      BalanceView       `json:"balanceAfter"`
	RelatedEntityID   string            `json:"relatedEntityId,omitempty"`
	RelatedEntityType RelatedEntityType `json:"relatedEntityType,omitempty"`
	Timestamp         time.Time         `json:"timestamp"`
}
