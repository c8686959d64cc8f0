package pmodel

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/agrofin/capital-engine/pkg/constant"
)

// PoolSummary aggregates balances and counters across all pools.
type PoolSummary struct {
	TotalPools           int                  `json:"totalPools"`
	PoolsByStatus        map[PoolStatus]int   `json:"poolsByStatus"`
	PoolsByTier          map[RiskTier]int     `json:"poolsByTier"`
	TotalCapital         decimal.Decimal      `json:"totalCapital"`
	TotalAvailable       decimal.Decimal      `json:"totalAvailable"`
	TotalDeployed        decimal.Decimal      `json:"totalDeployed"`
	TotalReserved        decimal.Decimal      `json:"totalReserved"`
	TotalFeesEarned      decimal.Decimal      `json:"totalFeesEarned"`
	AverageUtilization   decimal.Decimal      `json:"averageUtilization"`
	AverageDefaultRate   decimal.Decimal      `json:"averageDefaultRate"`
	ActiveAdvances       int64                `json:"activeAdvances"`
	GeneratedAt          time.Time            `json:"generatedAt"`
	FromCache            bool                 `json:"fromCache"`
}

// PoolPerformance is computed over a date range from the pool's ledger.
type PoolPerformance struct {
	PoolID            string          `json:"poolId"`
	From              time.Time       `json:"from"`
	To                time.Time       `json:"to"`
	AdvancesIssued    int64           `json:"advancesIssued"`
	AdvancesCompleted int64           `json:"advancesCompleted"`
	AdvancesDefaulted int64           `json:"advancesDefaulted"`
	CompletionRate    decimal.Decimal `json:"completionRate"`
	DefaultRate       decimal.Decimal `json:"defaultRate"`
	AverageAdvance    decimal.Decimal `json:"averageAdvance"`
	TotalDisbursed    decimal.Decimal `json:"totalDisbursed"`
	TotalRepaid       decimal.Decimal `json:"totalRepaid"`
	TotalFees         decimal.Decimal `json:"totalFees"`
	TotalLosses       decimal.Decimal `json:"totalLosses"`
	GrossProfit       decimal.Decimal `json:"grossProfit"`
	ProfitMargin      decimal.Decimal `json:"profitMargin"`
	AnnualizedROI     decimal.Decimal `json:"annualizedRoi"`

	// TopFarmerExposurePct is the share of deployed capital concentrated in
	// the five largest farmer exposures.
	TopFarmerExposurePct decimal.Decimal  `json:"topFarmerExposurePct"`
	TopExposures         []FarmerExposure `json:"topExposures,omitempty"`
}

// HealthStatus is the banded health verdict for a pool.
type HealthStatus string

const (
	HealthHealthy  HealthStatus = "HEALTHY"
	HealthWarning  HealthStatus = "WARNING"
	HealthCritical HealthStatus = "CRITICAL"
)

// PoolHealth is the weighted 0-100 health assessment of a pool.
type PoolHealth struct {
	PoolID             string          `json:"poolId"`
	Score              decimal.Decimal `json:"score"`
	Status             HealthStatus    `json:"status"`
	LiquidityScore     decimal.Decimal `json:"liquidityScore"`
	PerformanceScore   decimal.Decimal `json:"performanceScore"`
	ConcentrationScore decimal.Decimal `json:"concentrationScore"`
	ActivityScore      decimal.Decimal `json:"activityScore"`
	AssessedAt         time.Time       `json:"assessedAt"`
}

// ScoreHealth computes the weighted 0-100 health assessment of a pool.
// topExposurePct is the largest single farmer exposure as a percentage of
// deployed capital; callers without exposure data pass zero, which scores
// concentration at its optimistic best.
func ScoreHealth(pool *Pool, topExposurePct decimal.Decimal, now time.Time) *PoolHealth {
	liquidity := clampScore(pool.ReserveRatio().Mul(decimal.NewFromInt(5)))
	performance := clampScore(hundred.Sub(pool.DefaultRate.Mul(decimal.NewFromInt(10))))
	concentration := clampScore(hundred.Sub(topExposurePct.Mul(decimal.NewFromInt(2))))
	activity := clampScore(decimal.NewFromInt(pool.TotalAdvancesActive).Mul(decimal.NewFromInt(10)))

	score := liquidity.Mul(decimal.NewFromFloat(constant.HealthWeightLiquidity)).
		Add(performance.Mul(decimal.NewFromFloat(constant.HealthWeightPerformance))).
		Add(concentration.Mul(decimal.NewFromFloat(constant.HealthWeightConcentration))).
		Add(activity.Mul(decimal.NewFromFloat(constant.HealthWeightActivity)))

	status := HealthCritical

	switch {
	case score.GreaterThanOrEqual(decimal.NewFromInt(constant.HealthScoreHealthy)):
		status = HealthHealthy
	case score.GreaterThanOrEqual(decimal.NewFromInt(constant.HealthScoreWarning)):
		status = HealthWarning
	}

	return &PoolHealth{
		PoolID:             pool.ID,
		Score:              score.RoundBank(2),
		Status:             status,
		LiquidityScore:     liquidity.RoundBank(2),
		PerformanceScore:   performance.RoundBank(2),
		ConcentrationScore: concentration.RoundBank(2),
		ActivityScore:      activity.RoundBank(2),
		AssessedAt:         now,
	}
}

func clampScore(score decimal.Decimal) decimal.Decimal {
	if score.IsNegative() {
		return decimal.Zero
	}

	if score.GreaterThan(hundred) {
		return hundred
	}

	return score
}

// EligibilityResult reports which allocation constraints an amount would
// violate for a pool, without mutating any state.
type EligibilityResult struct {
	PoolID             string          `json:"poolId"`
	Eligible           bool            `json:"eligible"`
	FailingConstraints []string        `json:"failingConstraints,omitempty"`
	MaxAllowedAmount   decimal.Decimal `json:"maxAllowedAmount"`

	// GoverningConstraint names the constraint that currently binds
	// MaxAllowedAmount.
	GoverningConstraint string `json:"governingConstraint"`
}
