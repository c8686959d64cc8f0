package command

import (
	"context"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/agrofin/capital-engine/pkg"
	"github.com/agrofin/capital-engine/pkg/constant"
	"github.com/agrofin/capital-engine/pkg/pmodel"
)

// Constraint names reported on eligibility failures and pool alternatives.
const (
	constraintPoolNotActive       = "POOL_NOT_ACTIVE"
	constraintRiskTierMismatch    = "RISK_TIER_MISMATCH"
	constraintCurrencyMismatch    = "CURRENCY_MISMATCH"
	constraintBelowMinimum        = "AMOUNT_BELOW_MINIMUM"
	constraintAboveMaximum        = "AMOUNT_ABOVE_MAXIMUM"
	constraintMaxSingleAdvance    = "MAX_SINGLE_ADVANCE_EXCEEDED"
	constraintInsufficientCapital = "INSUFFICIENT_EFFECTIVE_AVAILABLE"
	constraintUtilizationTooHigh  = "UTILIZATION_TOO_HIGH"
)

type candidate struct {
	pool      *pmodel.Pool
	effective decimal.Decimal
}

// SelectPool picks the pool an allocation should draw from under the
// requested priority. It returns up to three annotated alternatives when no
// pool qualifies.
func (uc *UseCase) SelectPool(ctx context.Context, req *pmodel.AllocationRequest) (*pmodel.Pool, []pmodel.PoolAlternative, error) {
	ctx, span := uc.Tracer.Start(ctx, "command.select_pool")
	defer span.End()

	pools, err := uc.PoolRepo.FindAll(ctx, pmodel.PoolFilter{
		Status:   pmodel.PoolStatusActive,
		Currency: req.Currency,
	})
	if err != nil {
		return nil, nil, pkg.ValidateBusinessError(err, "failed to list candidate pools")
	}

	var (
		eligible []candidate
		rejected []pmodel.PoolAlternative
	)

	for _, pool := range pools {
		effective := uc.effectiveAvailable(ctx, pool)

		if reason := uc.screen(pool, req, effective); reason != "" {
			rejected = append(rejected, pmodel.PoolAlternative{
				PoolID:             pool.ID,
				Name:               pool.Name,
				FailingConstraint:  reason,
				EffectiveAvailable: effective,
			})

			continue
		}

		eligible = append(eligible, candidate{pool: pool, effective: effective})
	}

	if len(eligible) == 0 {
		err := pkg.ValidateBusinessError(constant.ErrPoolNotFound,
			"no pool can fund %s %s for tier %s", req.RequestedAmount, req.Currency, req.RiskTier)

		return nil, capAlternatives(rejected), pkg.WithAlternatives(err, rejected)
	}

	uc.rank(eligible, req.Priority)

	return eligible[0].pool, nil, nil
}

// screen applies the lock-free eligibility constraints in a fixed order and
// returns the first failing constraint name, or empty when the pool
// qualifies.
func (uc *UseCase) screen(pool *pmodel.Pool, req *pmodel.AllocationRequest, effective decimal.Decimal) string {
	if pool.Status != pmodel.PoolStatusActive {
		return constraintPoolNotActive
	}

	if pool.RiskTier != req.RiskTier {
		return constraintRiskTierMismatch
	}

	if pool.Currency != req.Currency {
		return constraintCurrencyMismatch
	}

	if req.RequestedAmount.LessThan(pool.MinAdvanceAmount) {
		return constraintBelowMinimum
	}

	if req.RequestedAmount.GreaterThan(pool.MaxAdvanceAmount) {
		return constraintAboveMaximum
	}

	if req.RequestedAmount.GreaterThan(pool.MaxSingleAdvance(uc.Config.MaxSingleAdvanceRatio)) {
		return constraintMaxSingleAdvance
	}

	if req.RequestedAmount.GreaterThan(effective) {
		return constraintInsufficientCapital
	}

	if pool.UtilizationRate().GreaterThan(decimal.NewFromInt(constant.MaxUtilizationThreshold)) {
		return constraintUtilizationTooHigh
	}

	return ""
}

// rank orders the eligible candidates best first under the given priority.
// Ties always break deterministically, ending on pool id.
func (uc *UseCase) rank(eligible []candidate, priority pmodel.AllocationPriority) {
	switch priority {
	case pmodel.PriorityHighestAvailable:
		sort.SliceStable(eligible, func(i, j int) bool {
			if !eligible[i].effective.Equal(eligible[j].effective) {
				return eligible[i].effective.GreaterThan(eligible[j].effective)
			}

			return eligible[i].pool.ID < eligible[j].pool.ID
		})

	case pmodel.PriorityBestReturn:
		sort.SliceStable(eligible, func(i, j int) bool {
			ri, rj := eligible[i].pool.ActualReturn(), eligible[j].pool.ActualReturn()
			if !ri.Equal(rj) {
				return ri.GreaterThan(rj)
			}

			return eligible[i].pool.ID < eligible[j].pool.ID
		})

	case pmodel.PriorityRoundRobin:
		// Pools never allocated from come first, then the least recently used.
		sort.SliceStable(eligible, func(i, j int) bool {
			li, lj := eligible[i].pool.LastAllocatedAt, eligible[j].pool.LastAllocatedAt

			switch {
			case li == nil && lj == nil:
				return eligible[i].pool.ID < eligible[j].pool.ID
			case li == nil:
				return true
			case lj == nil:
				return false
			case !li.Equal(*lj):
				return li.Before(*lj)
			}

			return eligible[i].pool.ID < eligible[j].pool.ID
		})

	case pmodel.PriorityWeighted:
		scores := uc.weightedScores(eligible)
		sort.SliceStable(eligible, func(i, j int) bool {
			si, sj := scores[eligible[i].pool.ID], scores[eligible[j].pool.ID]
			if si != sj {
				return si > sj
			}

			return eligible[i].pool.ID < eligible[j].pool.ID
		})

	default: // LOWEST_RISK
		sort.SliceStable(eligible, func(i, j int) bool {
			di, dj := eligible[i].pool.DefaultRate, eligible[j].pool.DefaultRate
			if !di.Equal(dj) {
				return di.LessThan(dj)
			}

			ai, aj := eligible[i].pool.AvailableCapital, eligible[j].pool.AvailableCapital
			if !ai.Equal(aj) {
				return ai.GreaterThan(aj)
			}

			return eligible[i].pool.ID < eligible[j].pool.ID
		})
	}
}

// weightedScores normalizes safety (inverse default rate), available capital
// and realized return across the candidate set and blends them under the
// configured weights.
func (uc *UseCase) weightedScores(eligible []candidate) map[string]float64 {
	maxEffective := decimal.Zero
	maxReturn := decimal.Zero

	one := decimal.NewFromInt(1)
	maxSafety := decimal.Zero
	safety := make(map[string]decimal.Decimal, len(eligible))

	for _, c := range eligible {
		if c.effective.GreaterThan(maxEffective) {
			maxEffective = c.effective
		}

		if c.pool.ActualReturn().GreaterThan(maxReturn) {
			maxReturn = c.pool.ActualReturn()
		}

		// 1/(1+defaultRate) keeps a zero default rate finite.
		s := one.Div(one.Add(c.pool.DefaultRate))
		safety[c.pool.ID] = s

		if s.GreaterThan(maxSafety) {
			maxSafety = s
		}
	}

	scores := make(map[string]float64, len(eligible))

	for _, c := range eligible {
		safetyShare := 0.0
		if maxSafety.IsPositive() {
			safetyShare, _ = safety[c.pool.ID].Div(maxSafety).Float64()
		}

		availShare := 0.0
		if maxEffective.IsPositive() {
			availShare, _ = c.effective.Div(maxEffective).Float64()
		}

		returnShare := 0.0
		if maxReturn.IsPositive() {
			returnShare, _ = c.pool.ActualReturn().Div(maxReturn).Float64()
		}

		scores[c.pool.ID] = uc.Config.Weights.Risk*safetyShare +
			uc.Config.Weights.Available*availShare +
			uc.Config.Weights.Return*returnShare
	}

	return scores
}

func capAlternatives(alts []pmodel.PoolAlternative) []pmodel.PoolAlternative {
	if len(alts) > 3 {
		return alts[:3]
	}

	return alts
}
