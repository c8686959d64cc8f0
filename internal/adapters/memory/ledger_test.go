package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agrofin/capital-engine/internal/adapters/ledger"
	"github.com/agrofin/capital-engine/pkg/constant"
	"github.com/agrofin/capital-engine/pkg/pmodel"
)

func seedPool(t *testing.T, repo *LedgerRepository, id string) *pmodel.Pool {
	t.Helper()

	created, err := repo.Create(context.Background(), &pmodel.Pool{
		ID:               id,
		Status:           pmodel.PoolStatusActive,
		RiskTier:         pmodel.RiskTierB,
		Currency:         "MXN",
		TotalCapital:     decimal.NewFromInt(1_000_000),
		AvailableCapital: decimal.NewFromInt(1_000_000),
		MinReserveRatio:  decimal.NewFromInt(15),
	}, nil)
	require.NoError(t, err)

	return created
}

func TestWithLockCommitsOnSuccess(t *testing.T) {
	ctx := context.Background()
	repo := NewLedgerRepository()
	seedPool(t, repo, "pool-1")

	amount := decimal.NewFromInt(100_000)

	err := repo.WithLock(ctx, "pool-1", func(ctx context.Context, locked ledger.LockedPool) error {
		_, err := locked.ApplyDelta(ctx, pmodel.BalanceDelta{
			Available: amount.Neg(),
			Deployed:  amount,
		}, &pmodel.PoolTransaction{
			ID:     "txn-1",
			PoolID: "pool-1",
			Type:   pmodel.TransactionAdvanceDisbursement,
			Amount: amount,
		})

		return err
	})
	require.NoError(t, err)

	pool, err := repo.Find(ctx, "pool-1")
	require.NoError(t, err)
	assert.True(t, pool.AvailableCapital.Equal(decimal.NewFromInt(900_000)))
	assert.True(t, pool.DeployedCapital.Equal(amount))

	entries, err := repo.ListByPool(ctx, "pool-1", pmodel.TransactionFilter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, pmodel.TransactionAdvanceDisbursement, entries[0].Type)
}

func TestWithLockRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	repo := NewLedgerRepository()
	seedPool(t, repo, "pool-1")

	boom := errors.New("boom")

	err := repo.WithLock(ctx, "pool-1", func(ctx context.Context, locked ledger.LockedPool) error {
		_, applyErr := locked.ApplyDelta(ctx, pmodel.BalanceDelta{
			Available: decimal.NewFromInt(-100_000),
			Deployed:  decimal.NewFromInt(100_000),
		}, &pmodel.PoolTransaction{ID: "txn-x", PoolID: "pool-1", Type: pmodel.TransactionAdvanceDisbursement})
		require.NoError(t, applyErr)

		return boom
	})
	require.ErrorIs(t, err, boom)

	pool, err := repo.Find(ctx, "pool-1")
	require.NoError(t, err)
	assert.True(t, pool.AvailableCapital.Equal(decimal.NewFromInt(1_000_000)), "failed callback leaves no trace")

	entries, err := repo.ListByPool(ctx, "pool-1", pmodel.TransactionFilter{})
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestApplyDeltaRejectsInvariantViolations(t *testing.T) {
	ctx := context.Background()
	repo := NewLedgerRepository()
	seedPool(t, repo, "pool-1")

	err := repo.WithLock(ctx, "pool-1", func(ctx context.Context, locked ledger.LockedPool) error {
		_, err := locked.ApplyDelta(ctx, pmodel.BalanceDelta{
			Available: decimal.NewFromInt(-2_000_000),
		}, nil)

		return err
	})
	assert.ErrorIs(t, err, constant.ErrInvariantViolation)
}

func TestWithLockManyIsAtomic(t *testing.T) {
	ctx := context.Background()
	repo := NewLedgerRepository()
	seedPool(t, repo, "pool-a")
	seedPool(t, repo, "pool-b")

	err := repo.WithLockMany(ctx, []string{"pool-b", "pool-a"}, func(ctx context.Context, locked map[string]ledger.LockedPool) error {
		if _, err := locked["pool-a"].ApplyDelta(ctx, pmodel.BalanceDelta{
			Available: decimal.NewFromInt(-50_000),
			Deployed:  decimal.NewFromInt(50_000),
		}, nil); err != nil {
			return err
		}

		// Second delta breaks non-negativity, so the first must not commit.
		_, err := locked["pool-b"].ApplyDelta(ctx, pmodel.BalanceDelta{
			Available: decimal.NewFromInt(-2_000_000),
		}, nil)

		return err
	})
	require.ErrorIs(t, err, constant.ErrInvariantViolation)

	poolA, err := repo.Find(ctx, "pool-a")
	require.NoError(t, err)
	assert.True(t, poolA.AvailableCapital.Equal(decimal.NewFromInt(1_000_000)))
}

func TestFarmerExposuresNetsRepayments(t *testing.T) {
	ctx := context.Background()
	repo := NewLedgerRepository()
	seedPool(t, repo, "pool-1")

	writeEntry := func(txnType pmodel.TransactionType, amount int64, metadata map[string]any) {
		err := repo.WithLock(ctx, "pool-1", func(ctx context.Context, locked ledger.LockedPool) error {
			_, err := locked.ApplyDelta(ctx, pmodel.BalanceDelta{}, &pmodel.PoolTransaction{
				ID:       time.Now().Format(time.RFC3339Nano),
				PoolID:   "pool-1",
				Type:     txnType,
				Amount:   decimal.NewFromInt(amount),
				Metadata: metadata,
			})

			return err
		})
		require.NoError(t, err)
	}

	writeEntry(pmodel.TransactionAdvanceDisbursement, 80_000, map[string]any{"farmerId": "farmer-1"})
	writeEntry(pmodel.TransactionAdvanceDisbursement, 40_000, map[string]any{"farmerId": "farmer-2"})
	writeEntry(pmodel.TransactionAdvanceRepayment, 50_000, map[string]any{"farmerId": "farmer-1"})

	exposures, err := repo.FarmerExposures(ctx, "pool-1", 5)
	require.NoError(t, err)
	require.Len(t, exposures, 2)
	assert.Equal(t, "farmer-2", exposures[0].FarmerID, "largest outstanding exposure first")
	assert.True(t, exposures[0].Exposure.Equal(decimal.NewFromInt(40_000)))
	assert.True(t, exposures[1].Exposure.Equal(decimal.NewFromInt(30_000)))
}

func TestReservationHoldPhases(t *testing.T) {
	ctx := context.Background()
	repo := NewLedgerRepository()
	seedPool(t, repo, "pool-1")

	writeHold := func(phase string) {
		err := repo.WithLock(ctx, "pool-1", func(ctx context.Context, locked ledger.LockedPool) error {
			_, err := locked.ApplyDelta(ctx, pmodel.BalanceDelta{}, &pmodel.PoolTransaction{
				ID:     "txn-" + phase,
				PoolID: "pool-1",
				Type:   pmodel.TransactionReserveAllocation,
				Amount: decimal.NewFromInt(10_000),
				Metadata: map[string]any{
					"reservationId": "rsv-1",
					"phase":         phase,
				},
			})

			return err
		})
		require.NoError(t, err)
	}

	_, _, err := repo.ReservationHold(ctx, "rsv-1")
	assert.ErrorIs(t, err, constant.ErrReservationNotFound)

	writeHold("hold")

	hold, closed, err := repo.ReservationHold(ctx, "rsv-1")
	require.NoError(t, err)
	assert.False(t, closed)
	assert.True(t, hold.Amount.Equal(decimal.NewFromInt(10_000)))

	writeHold("committed")

	_, closed, err = repo.ReservationHold(ctx, "rsv-1")
	require.NoError(t, err)
	assert.True(t, closed)
}

func TestUpdateTouchesConfigurationOnly(t *testing.T) {
	ctx := context.Background()
	repo := NewLedgerRepository()
	seedPool(t, repo, "pool-1")

	paused := pmodel.PoolStatusPaused
	name := "renamed"

	updated, err := repo.Update(ctx, "pool-1", &pmodel.UpdatePoolInput{Name: &name, Status: &paused})
	require.NoError(t, err)
	assert.Equal(t, "renamed", updated.Name)
	assert.Equal(t, pmodel.PoolStatusPaused, updated.Status)
	assert.True(t, updated.TotalCapital.Equal(decimal.NewFromInt(1_000_000)))

	_, err = repo.Update(ctx, "missing", &pmodel.UpdatePoolInput{Name: &name})
	assert.ErrorIs(t, err, constant.ErrPoolNotFound)
}
