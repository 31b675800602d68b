package storage

import (
	"context"
	"testing"
	"time"

	"github.com/arjunmenon/tradepm/internal/domain"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLStore {
	t.Helper()
	s, err := Open(":memory:", 1)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSavePositionAndGetOpenPositions(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	p := domain.Position{
		ID: "BANK_NIFTY:Long_1:1", Instrument: "BANK_NIFTY", Slot: "Long_1",
		IsBasePosition: true, EntryPrice: 52000, InitialStop: 51650, CurrentStop: 51650,
		Lots: 3, ATRAtEntry: 350, Status: domain.PositionOpen, OpenAt: time.Now().UTC(),
	}
	require.NoError(t, s.SavePosition(ctx, p))

	open, err := s.GetOpenPositions(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	require.Equal(t, 3, open[p.ID].Lots)
	require.Equal(t, 0, open[p.ID].Version)
}

func TestUpdatePositionStaleVersionRejected(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	p := domain.Position{
		ID: "GOLD_MINI:Long_1:1", Instrument: "GOLD_MINI", Slot: "Long_1",
		IsBasePosition: true, EntryPrice: 60000, InitialStop: 59500, CurrentStop: 59500,
		Lots: 2, Status: domain.PositionOpen, OpenAt: time.Now().UTC(),
	}
	require.NoError(t, s.SavePosition(ctx, p))

	p.CurrentStop = 59700
	require.NoError(t, s.UpdatePosition(ctx, p, 0))

	// Retrying with the now-stale expected version must fail, not silently apply.
	p.CurrentStop = 59800
	err := s.UpdatePosition(ctx, p, 0)
	require.ErrorIs(t, err, ErrStaleVersion)
}

func TestGetPositionServesCacheThenFallsBackToDB(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	p := domain.Position{
		ID: "BANK_NIFTY:Long_1:1", Instrument: "BANK_NIFTY", Slot: "Long_1",
		IsBasePosition: true, EntryPrice: 52000, InitialStop: 51650, CurrentStop: 51650,
		Lots: 3, Status: domain.PositionOpen, OpenAt: time.Now().UTC(),
	}
	require.NoError(t, s.SavePosition(ctx, p))

	got, ok, err := s.GetPosition(ctx, p.ID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 3, got.Lots)

	// Evict from the process-local cache to force the DB fallback path.
	s.mu.Lock()
	delete(s.posCache, p.ID)
	s.mu.Unlock()

	got, ok, err = s.GetPosition(ctx, p.ID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 3, got.Lots)

	// The fallback re-populates the cache.
	s.mu.Lock()
	_, cached := s.posCache[p.ID]
	s.mu.Unlock()
	require.True(t, cached)

	_, ok, err = s.GetPosition(ctx, "does-not-exist")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestIsDuplicateFingerprintRespectsWindow(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	entry := domain.SignalLogEntry{
		Fingerprint: "abc123", ReceivedAt: time.Now().UTC(),
		Status: domain.LogExecuted,
	}
	require.NoError(t, s.LogSignal(ctx, entry))

	dup, err := s.IsDuplicateFingerprint(ctx, "abc123", time.Minute)
	require.NoError(t, err)
	require.True(t, dup)

	dup, err = s.IsDuplicateFingerprint(ctx, "never-seen", time.Minute)
	require.NoError(t, err)
	require.False(t, dup)
}

func TestPyramidStateLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	baseID := "BANK_NIFTY:Long_1:1"
	st := domain.PyramidState{Instrument: "BANK_NIFTY", LastPyramidPrice: 52000, BasePositionID: &baseID, PyramidCount: 0}
	require.NoError(t, s.SavePyramidState(ctx, "BANK_NIFTY", st))

	states, err := s.GetPyramidStates(ctx)
	require.NoError(t, err)
	require.Equal(t, 52000.0, states["BANK_NIFTY"].LastPyramidPrice)

	require.NoError(t, s.DeletePyramidState(ctx, "BANK_NIFTY"))
	states, err = s.GetPyramidStates(ctx)
	require.NoError(t, err)
	require.NotContains(t, states, "BANK_NIFTY")
}

func TestPortfolioAggregateOptimisticConcurrency(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	agg := domain.PortfolioAggregate{InitialCapital: 5_000_000}
	require.NoError(t, s.SavePortfolioAggregate(ctx, agg, 0))

	got, err := s.GetPortfolioAggregate(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, got.Version)

	agg.TotalRiskAmount = 12250
	require.NoError(t, s.SavePortfolioAggregate(ctx, agg, got.Version))

	err = s.SavePortfolioAggregate(ctx, agg, got.Version) // stale now
	require.ErrorIs(t, err, ErrStaleVersion)
}
