package constant

import "time"

// Engine defaults. Bootstrap may override every one of these from the
// environment; the library falls back to these values so it remains usable
// without the bootstrap layer.
const (
	// DefaultMinReserveRatio is the percentage of total capital a pool keeps
	// liquid unless its configuration says otherwise.
	DefaultMinReserveRatio = 15

	// MaxSingleAdvanceRatio caps one advance at this percentage of a pool's
	// total capital.
	MaxSingleAdvanceRatio = 10

	DefaultMinAdvanceAmount = 5_000
	DefaultMaxAdvanceAmount = 500_000

	ReservationTTL     = 300 * time.Second
	BalanceSnapshotTTL = 30 * time.Second
	PoolSummaryTTL     = 60 * time.Second

	DistributedLockLease = 10 * time.Second
	LockAcquireTimeout   = 5 * time.Second

	// Retry policy for concurrency conflicts inside the engine.
	ConflictRetryAttempts = 3
	ConflictRetryBackoff  = 50 * time.Millisecond

	CriticalDefaultRateThreshold = 10
	WarningDefaultRateThreshold  = 5
	HealthyDefaultRateThreshold  = 2
	MaxUtilizationThreshold      = 85
)

// Health score weights and bands.
const (
	HealthWeightLiquidity     = 0.30
	HealthWeightPerformance   = 0.35
	HealthWeightConcentration = 0.20
	HealthWeightActivity      = 0.15

	HealthScoreHealthy = 70
	HealthScoreWarning = 40
)

// Weighted pool selection defaults. The source never pinned these down, so
// they are configuration with the following defaults.
const (
	DefaultWeightRisk      = 0.40
	DefaultWeightAvailable = 0.35
	DefaultWeightReturn    = 0.25
)
