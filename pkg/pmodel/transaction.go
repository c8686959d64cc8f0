package pmodel

import (
	"time"

	"github.com/shopspring/decimal"
)

// TransactionType identifies a ledger entry kind. The string values are
// wire-compatible identifiers and must not change.
type TransactionType string

const (
	TransactionCapitalDeposit       TransactionType = "CAPITAL_DEPOSIT"
	TransactionCapitalWithdrawal    TransactionType = "CAPITAL_WITHDRAWAL"
	TransactionAdvanceDisbursement  TransactionType = "ADVANCE_DISBURSEMENT"
	TransactionAdvanceRepayment     TransactionType = "ADVANCE_REPAYMENT"
	TransactionFeeCollection        TransactionType = "FEE_COLLECTION"
	TransactionInterestDistribution TransactionType = "INTEREST_DISTRIBUTION"
	TransactionPenaltyFee           TransactionType = "PENALTY_FEE"
	TransactionAdjustment           TransactionType = "ADJUSTMENT"
	TransactionReserveAllocation    TransactionType = "RESERVE_ALLOCATION"
)

// Valid reports whether t is a known transaction type.
func (t TransactionType) Valid() bool {
	switch t {
	case TransactionCapitalDeposit, TransactionCapitalWithdrawal,
		TransactionAdvanceDisbursement, TransactionAdvanceRepayment,
		TransactionFeeCollection, TransactionInterestDistribution,
		TransactionPenaltyFee, TransactionAdjustment, TransactionReserveAllocation:
		return true
	}

	return false
}

// PoolTransaction is an append-only ledger entry. Entries are never mutated
// or deleted; amounts are stored positive with the type encoding direction,
// except ADJUSTMENT which carries its sign.
type PoolTransaction struct {
	ID                string          `json:"id"`
	PoolID            string          `json:"poolId"`
	Type              TransactionType `json:"type"`
	Amount            decimal.Decimal `json:"amount"`
	BalanceBefore     decimal.Decimal `json:"balanceBefore"`
	BalanceAfter      decimal.Decimal `json:"balanceAfter"`
	Description       string          `json:"description,omitempty"`
	Metadata          map[string]any  `json:"metadata,omitempty"`
	RelatedAdvanceID  string          `json:"relatedAdvanceId,omitempty"`
	RelatedInvestorID string          `json:"relatedInvestorId,omitempty"`
	CreatedAt         time.Time       `json:"createdAt"`
}

// TransactionFilter narrows ledger listings for a pool.
type TransactionFilter struct {
	Type      TransactionType
	AdvanceID string
	From      time.Time
	To        time.Time
	Limit     int
	Offset    int
}

// TransactionTypeSummary aggregates ledger entries of one type.
type TransactionTypeSummary struct {
	Type  TransactionType `json:"type"`
	Count int64           `json:"count"`
	Total decimal.Decimal `json:"total"`
}

// TransactionSummary aggregates a pool's ledger over a date range.
type TransactionSummary struct {
	PoolID  string                   `json:"poolId"`
	From    time.Time                `json:"from"`
	To      time.Time                `json:"to"`
	ByType  []TransactionTypeSummary `json:"byType"`
	Entries int64                    `json:"entries"`
}

// FarmerExposure is the outstanding deployed amount attributable to one
// farmer inside a pool, derived from disbursement and repayment metadata.
type FarmerExposure struct {
	FarmerID string          `json:"farmerId"`
	Exposure decimal.Decimal `json:"exposure"`
}
