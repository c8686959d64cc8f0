// Package pmodel defines the domain model shared by the command and query
// services: pools, ledger transactions, reservations, balance snapshots and
// the event payloads published on balance changes.
package pmodel

import (
	"time"

	"github.com/shopspring/decimal"
)

// PoolStatus is the lifecycle state of a capital pool.
type PoolStatus string

const (
	PoolStatusActive      PoolStatus = "ACTIVE"
	PoolStatusPaused      PoolStatus = "PAUSED"
	PoolStatusClosed      PoolStatus = "CLOSED"
	PoolStatusLiquidating PoolStatus = "LIQUIDATING"
)

// Valid reports whether s is a known pool status.
func (s PoolStatus) Valid() bool {
	switch s {
	case PoolStatusActive, PoolStatusPaused, PoolStatusClosed, PoolStatusLiquidating:
		return true
	}

	return false
}

// RiskTier classifies a pool and selects its fee table row.
type RiskTier string

const (
	RiskTierA RiskTier = "A"
	RiskTierB RiskTier = "B"
	RiskTierC RiskTier = "C"
)

// Valid reports whether t is a known risk tier.
func (t RiskTier) Valid() bool {
	return t == RiskTierA || t == RiskTierB || t == RiskTierC
}

// Pool is the unit of committed capital. All capital fields are non-negative
// fixed-point decimals; the ledger enforces
//
//	totalCapital = availableCapital + deployedCapital + reservedCapital
//
// at every commit point.
type Pool struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	Status      PoolStatus `json:"status"`
	RiskTier    RiskTier   `json:"riskTier"`
	Currency    string     `json:"currency"`

	TotalCapital     decimal.Decimal `json:"totalCapital"`
	AvailableCapital decimal.Decimal `json:"availableCapital"`
	DeployedCapital  decimal.Decimal `json:"deployedCapital"`
	ReservedCapital  decimal.Decimal `json:"reservedCapital"`

	TargetReturnRate decimal.Decimal `json:"targetReturnRate"`
	ActualReturnRate decimal.Decimal `json:"actualReturnRate"`

	MinAdvanceAmount decimal.Decimal `json:"minAdvanceAmount"`
	MaxAdvanceAmount decimal.Decimal `json:"maxAdvanceAmount"`
	MaxExposureLimit decimal.Decimal `json:"maxExposureLimit"`
	MinReserveRatio  decimal.Decimal `json:"minReserveRatio"`

	TotalAdvancesIssued    int64 `json:"totalAdvancesIssued"`
	TotalAdvancesCompleted int64 `json:"totalAdvancesCompleted"`
	TotalAdvancesDefaulted int64 `json:"totalAdvancesDefaulted"`
	TotalAdvancesActive    int64 `json:"totalAdvancesActive"`

	TotalDisbursed  decimal.Decimal `json:"totalDisbursed"`
	TotalRepaid     decimal.Decimal `json:"totalRepaid"`
	TotalFeesEarned decimal.Decimal `json:"totalFeesEarned"`
	DefaultRate     decimal.Decimal `json:"defaultRate"`

	AutoRebalanceEnabled bool `json:"autoRebalanceEnabled"`

	// LastAllocatedAt backs the ROUND_ROBIN selection priority.
	LastAllocatedAt *time.Time `json:"lastAllocatedAt,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	CreatedBy string    `json:"createdBy,omitempty"`
}

var hundred = decimal.NewFromInt(100)

// RequiredReserve is the minimum available capital the pool must keep liquid.
func (p *Pool) RequiredReserve() decimal.Decimal {
	return p.TotalCapital.Mul(p.MinReserveRatio).Div(hundred)
}

// ReserveRatio is availableCapital / totalCapital as a percentage.
func (p *Pool) ReserveRatio() decimal.Decimal {
	if p.TotalCapital.IsZero() {
		return decimal.Zero
	}

	return p.AvailableCapital.Mul(hundred).Div(p.TotalCapital)
}

// UtilizationRate is deployedCapital / totalCapital as a percentage.
func (p *Pool) UtilizationRate() decimal.Decimal {
	if p.TotalCapital.IsZero() {
		return decimal.Zero
	}

	return p.DeployedCapital.Mul(hundred).Div(p.TotalCapital)
}

// ActualReturn is the realized fee yield over disbursed capital as a
// percentage. Pools with no disbursement history fall back to the target
// rate.
func (p *Pool) ActualReturn() decimal.Decimal {
	if !p.TotalDisbursed.IsPositive() {
		return p.TargetReturnRate
	}

	return p.TotalFeesEarned.Mul(hundred).Div(p.TotalDisbursed)
}

// MaxSingleAdvance is the per-advance ceiling given the configured ratio
// (percent of total capital).
func (p *Pool) MaxSingleAdvance(ratio decimal.Decimal) decimal.Decimal {
	return p.TotalCapital.Mul(ratio).Div(hundred)
}

// CheckInvariants verifies the conservation identity and non-negativity over
// the pool's capital fields. A non-nil result means the row must not commit.
func (p *Pool) CheckInvariants() error {
	for _, d := range []decimal.Decimal{p.TotalCapital, p.AvailableCapital, p.DeployedCapital, p.ReservedCapital} {
		if d.IsNegative() {
			return ErrNegativeCapital
		}
	}

	sum := p.AvailableCapital.Add(p.DeployedCapital).Add(p.ReservedCapital)
	if !sum.Equal(p.TotalCapital) {
		return ErrCapitalMismatch
	}

	return nil
}

// CreatePoolInput is the caller-facing input for pool creation.
type CreatePoolInput struct {
	Name             string          `json:"name" validate:"required,max=256"`
	Description      string          `json:"description,omitempty" validate:"max=1024"`
	RiskTier         RiskTier        `json:"riskTier" validate:"required"`
	Currency         string          `json:"currency" validate:"required,min=3,max=3"`
	InitialCapital   decimal.Decimal `json:"initialCapital" validate:"required"`
	TargetReturnRate decimal.Decimal `json:"targetReturnRate"`
	MinAdvanceAmount decimal.Decimal `json:"minAdvanceAmount"`
	MaxAdvanceAmount decimal.Decimal `json:"maxAdvanceAmount"`
	MaxExposureLimit decimal.Decimal `json:"maxExposureLimit"`
	MinReserveRatio  decimal.Decimal `json:"minReserveRatio"`
	AutoRebalance    bool            `json:"autoRebalanceEnabled"`
	CreatedBy        string          `json:"createdBy,omitempty"`
	Metadata         map[string]any  `json:"metadata,omitempty"`
}

// UpdatePoolInput mutates pool configuration only. Capital fields are never
// touched by updates; nil pointers leave the current value in place.
type UpdatePoolInput struct {
	Name             *string          `json:"name,omitempty" validate:"omitempty,max=256"`
	Description      *string          `json:"description,omitempty" validate:"omitempty,max=1024"`
	Status           *PoolStatus      `json:"status,omitempty"`
	TargetReturnRate *decimal.Decimal `json:"targetReturnRate,omitempty"`
	MinAdvanceAmount *decimal.Decimal `json:"minAdvanceAmount,omitempty"`
	MaxAdvanceAmount *decimal.Decimal `json:"maxAdvanceAmount,omitempty"`
	MaxExposureLimit *decimal.Decimal `json:"maxExposureLimit,omitempty"`
	MinReserveRatio  *decimal.Decimal `json:"minReserveRatio,omitempty"`
	AutoRebalance    *bool            `json:"autoRebalanceEnabled,omitempty"`
	Metadata         map[string]any   `json:"metadata,omitempty"`
}

// PoolFilter narrows pool listings. A non-empty IDs set restricts the result
// to those pools in one query.
type PoolFilter struct {
	IDs      []string
	Status   PoolStatus
	RiskTier RiskTier
	Currency string
	Limit    int
	Offset   int
}
