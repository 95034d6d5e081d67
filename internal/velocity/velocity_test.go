package velocity

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/merlin/internal/domain"
	"github.com/opensource-finance/merlin/internal/history"
)

func newStore(t *testing.T, enabled bool) *history.Store {
	t.Helper()
	store, err := history.New(domain.HistoryConfig{
		Backend:   "memory",
		Enabled:   enabled,
		Lookback:  10,
		TTL:       time.Hour,
		OpTimeout: time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestVelocityService(t *testing.T) {
	ctx := context.Background()
	store := newStore(t, true)
	svc := NewService(store, time.Hour, 0)

	t.Run("EmptyHistory", func(t *testing.T) {
		agg, err := svc.Aggregate(ctx, "user-001")
		require.NoError(t, err)
		assert.Zero(t, agg.CountInWindow)
		assert.Zero(t, agg.AmountSumInWindow)
	})

	t.Run("WithTransactions", func(t *testing.T) {
		now := time.Now()
		amounts := []float64{100, 250, 1000}
		require.NoError(t, store.Append(ctx, "user-001", domain.FeatureVector{5000, 0}, now.Add(-2*time.Hour)))
		for _, a := range amounts {
			require.NoError(t, store.Append(ctx, "user-001", domain.FeatureVector{a, 0}, now))
		}

		agg, err := svc.Aggregate(ctx, "user-001")
		require.NoError(t, err)
		assert.Equal(t, int64(3), agg.CountInWindow)
		assert.InDelta(t, 1350.0, agg.AmountSumInWindow, 1e-9)
		assert.Equal(t, time.Hour, agg.Window)

		assert.Equal(t, map[string]float64{
			"txn_count_1h":  3,
			"amount_sum_1h": 1350,
		}, agg.Features())
	})

	t.Run("OtherEntityUnaffected", func(t *testing.T) {
		agg, err := svc.Aggregate(ctx, "user-002")
		require.NoError(t, err)
		assert.Zero(t, agg.CountInWindow)
	})

	t.Run("MissingEntity", func(t *testing.T) {
		_, err := svc.Aggregate(ctx, "")
		assert.ErrorIs(t, err, domain.ErrInvalidRequest)
	})
}

func TestVelocityService_WindowMonotonic(t *testing.T) {
	ctx := context.Background()
	store := newStore(t, true)

	now := time.Now()
	offsets := []time.Duration{-50 * time.Minute, -40 * time.Minute, -10 * time.Minute, -time.Minute}
	for _, off := range offsets {
		require.NoError(t, store.Append(ctx, "user-001", domain.FeatureVector{10, 0}, now.Add(off)))
	}

	var prevCount int64
	var prevSum float64
	for _, w := range []time.Duration{time.Minute, 5 * time.Minute, 15 * time.Minute, 45 * time.Minute, time.Hour} {
		agg, err := NewService(store, w, 0).Aggregate(ctx, "user-001")
		require.NoError(t, err)
		assert.GreaterOrEqual(t, agg.CountInWindow, prevCount)
		assert.GreaterOrEqual(t, agg.AmountSumInWindow, prevSum)
		prevCount, prevSum = agg.CountInWindow, agg.AmountSumInWindow
	}
	assert.Equal(t, int64(4), prevCount)
}

func TestVelocityService_StoreUnavailable(t *testing.T) {
	svc := NewService(newStore(t, false), time.Hour, 0)

	agg, err := svc.Aggregate(context.Background(), "user-001")
	assert.ErrorIs(t, err, domain.ErrStoreUnavailable)
	assert.Nil(t, agg)
}
