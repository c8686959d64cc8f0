package pmodel

import (
	"time"

	"github.com/shopspring/decimal"
)

// BalanceSnapshot is a derived, cacheable view of a pool's balances as of
// Timestamp. EffectiveAvailable already discounts the required reserve and
// the sum of active reservations.
type BalanceSnapshot struct {
	PoolID             string          `json:"poolId"`
	TotalCapital       decimal.Decimal `json:"totalCapital"`
	AvailableCapital   decimal.Decimal `json:"availableCapital"`
	DeployedCapital    decimal.Decimal `json:"deployedCapital"`
	ReservedCapital    decimal.Decimal `json:"reservedCapital"`
	EffectiveAvailable decimal.Decimal `json:"effectiveAvailable"`
	UtilizationRate    decimal.Decimal `json:"utilizationRate"`
	ReserveRatio       decimal.Decimal `json:"reserveRatio"`
	IsHealthy          bool            `json:"isHealthy"`
	Timestamp          time.Time       `json:"timestamp"`
	FromCache          bool            `json:"fromCache"`
}

// NewBalanceSnapshot computes a snapshot from a pool row plus the sum of
// in-flight reservations held in the accelerator.
func NewBalanceSnapshot(pool *Pool, activeReservations decimal.Decimal, now time.Time) *BalanceSnapshot {
	effective := pool.AvailableCapital.Sub(activeReservations).Sub(pool.RequiredReserve())
	if effective.IsNegative() {
		effective = decimal.Zero
	}

	reserveRatio := pool.ReserveRatio()

	return &BalanceSnapshot{
		PoolID:             pool.ID,
		TotalCapital:       pool.TotalCapital,
		AvailableCapital:   pool.AvailableCapital,
		DeployedCapital:    pool.DeployedCapital,
		ReservedCapital:    pool.ReservedCapital,
		EffectiveAvailable: effective,
		UtilizationRate:    pool.UtilizationRate(),
		ReserveRatio:       reserveRatio,
		IsHealthy:          reserveRatio.GreaterThanOrEqual(pool.MinReserveRatio),
		Timestamp:          now,
	}
}

// BalanceDelta carries the signed field and counter changes one locked commit
// applies to a pool row. The zero value is a no-op.
type BalanceDelta struct {
	Total     decimal.Decimal
	Available decimal.Decimal
	Deployed  decimal.Decimal
	Reserved  decimal.Decimal

	Disbursed  decimal.Decimal
	Repaid     decimal.Decimal
	FeesEarned decimal.Decimal

	IssuedDelta    int64
	CompletedDelta int64
	DefaultedDelta int64
	ActiveDelta    int64

	// RecomputeDefaultRate recalculates defaulted/issued after the counter
	// deltas are applied.
	RecomputeDefaultRate bool

	// TouchLastAllocated stamps the pool for round-robin selection.
	TouchLastAllocated bool
}

// Apply computes the post-commit pool value for this delta. Invariant
// checking is the caller's responsibility (Pool.CheckInvariants).
func (d BalanceDelta) Apply(pool Pool) Pool {
	now := time.Now().UTC()

	pool.TotalCapital = pool.TotalCapital.Add(d.Total)
	pool.AvailableCapital = pool.AvailableCapital.Add(d.Available)
	pool.DeployedCapital = pool.DeployedCapital.Add(d.Deployed)
	pool.ReservedCapital = pool.ReservedCapital.Add(d.Reserved)

	pool.TotalDisbursed = pool.TotalDisbursed.Add(d.Disbursed)
	pool.TotalRepaid = pool.TotalRepaid.Add(d.Repaid)
	pool.TotalFeesEarned = pool.TotalFeesEarned.Add(d.FeesEarned)

	pool.TotalAdvancesIssued += d.IssuedDelta
	pool.TotalAdvancesCompleted += d.CompletedDelta
	pool.TotalAdvancesDefaulted += d.DefaultedDelta
	pool.TotalAdvancesActive += d.ActiveDelta

	if d.RecomputeDefaultRate {
		issued := pool.TotalAdvancesIssued
		if issued < 1 {
			issued = 1
		}

		pool.DefaultRate = decimal.NewFromInt(pool.TotalAdvancesDefaulted).
			Mul(hundred).
			Div(decimal.NewFromInt(issued))
	}

	if d.TouchLastAllocated {
		pool.LastAllocatedAt = &now
	}

	pool.UpdatedAt = now

	return pool
}

// AllocationPriority orders candidate pools during selection.
type AllocationPriority string

const (
	PriorityLowestRisk       AllocationPriority = "LOWEST_RISK"
	PriorityHighestAvailable AllocationPriority = "HIGHEST_AVAILABLE"
	PriorityBestReturn       AllocationPriority = "BEST_RETURN"
	PriorityRoundRobin       AllocationPriority = "ROUND_ROBIN"
	PriorityWeighted         AllocationPriority = "WEIGHTED"
)

// AllocationRequest asks the engine to deploy capital against an advance.
type AllocationRequest struct {
	AdvanceID       string             `json:"advanceId" validate:"required"`
	FarmerID        string             `json:"farmerId" validate:"required"`
	OrderID         string             `json:"orderId,omitempty"`
	RequestedAmount decimal.Decimal    `json:"requestedAmount" validate:"required"`
	Currency        string             `json:"currency" validate:"required,min=3,max=3"`
	RiskTier        RiskTier           `json:"riskTier" validate:"required"`
	CreditScore     int                `json:"creditScore,omitempty"`
	PreferredPoolID string             `json:"preferredPoolId,omitempty"`
	Priority        AllocationPriority `json:"priority,omitempty"`

	// ReservationID converts an existing hold into this deployment.
	ReservationID string `json:"reservationId,omitempty"`
}

// FeeBreakdown is the fee split computed from the tier fee table.
type FeeBreakdown struct {
	FarmerFee decimal.Decimal `json:"farmerFee"`
	BuyerFee  decimal.Decimal `json:"buyerFee"`
	TotalFee  decimal.Decimal `json:"totalFee"`
}

// AllocationResult reports a committed allocation.
type AllocationResult struct {
	PoolID        string          `json:"poolId"`
	AdvanceID     string          `json:"advanceId"`
	Amount        decimal.Decimal `json:"amount"`
	BalanceBefore decimal.Decimal `json:"balanceBefore"`
	BalanceAfter  decimal.Decimal `json:"balanceAfter"`
	TransactionID string          `json:"transactionId"`
	Fees          FeeBreakdown    `json:"fees"`
	AllocatedAt   time.Time       `json:"allocatedAt"`
}

// PoolAlternative annotates a rejected candidate with the constraint that
// excluded it, returned alongside PoolNotFound and similar failures.
type PoolAlternative struct {
	PoolID             string          `json:"poolId"`
	Name               string          `json:"name"`
	FailingConstraint  string          `json:"failingConstraint"`
	EffectiveAvailable decimal.Decimal `json:"effectiveAvailable"`
}

// ReleaseType is the shape of a capital release.
type ReleaseType string

const (
	ReleasePartialRepayment ReleaseType = "PARTIAL_REPAYMENT"
	ReleaseFullRepayment    ReleaseType = "FULL_REPAYMENT"
	ReleaseDefaultRecovery  ReleaseType = "DEFAULT_RECOVERY"
	ReleaseAdjustment       ReleaseType = "ADJUSTMENT"
)

// ReleaseSource identifies who funded the release.
type ReleaseSource string

const (
	SourceBuyerPayment  ReleaseSource = "BUYER_PAYMENT"
	SourceFarmerPayment ReleaseSource = "FARMER_PAYMENT"
	SourceInsurance     ReleaseSource = "INSURANCE"
	SourceCollections   ReleaseSource = "COLLECTIONS"
	SourceOther         ReleaseSource = "OTHER"
)

// ReleaseRequest returns capital to a pool after repayment or adjustment.
type ReleaseRequest struct {
	PoolID    string `json:"poolId" validate:"required"`
	AdvanceID string `json:"advanceId" validate:"required"`

	// FarmerID attributes the repayment for exposure netting when known.
	FarmerID    string          `json:"farmerId,omitempty"`
	ReleaseType ReleaseType     `json:"releaseType" validate:"required"`
	Source      ReleaseSource   `json:"source" validate:"required"`
	Principal   decimal.Decimal `json:"principal"`
	Fees        decimal.Decimal `json:"fees"`
	Penalties   decimal.Decimal `json:"penalties"`
	Description string          `json:"description,omitempty"`
}

// ReleaseResult reports a committed release.
type ReleaseResult struct {
	PoolID        string          `json:"poolId"`
	BalanceBefore decimal.Decimal `json:"balanceBefore"`
	BalanceAfter  decimal.Decimal `json:"balanceAfter"`
	TransactionID string          `json:"transactionId"`
	ReleasedAt    time.Time       `json:"releasedAt"`
}

// BatchBalanceUpdate applies one delta per pool. In atomic mode all deltas
// commit in a single database transaction with locks taken in ascending
// pool-id order; otherwise pools are updated independently and partial
// success is possible.
type BatchBalanceUpdate struct {
	Updates map[string]BalanceDelta
	Atomic  bool
}
