package recovery

import (
	"context"
	"testing"
	"time"

	"github.com/arjunmenon/tradepm/internal/adapters/storage"
	"github.com/arjunmenon/tradepm/internal/domain"
	"github.com/stretchr/testify/require"
)

func specOf(_ string) domain.InstrumentRiskSpec {
	return domain.InstrumentRiskSpec{PointValue: 35, MarginPerLot: 270000, ATRSpacingMul: 1}
}

func newTestStore(t *testing.T) *storage.SQLStore {
	t.Helper()
	s, err := storage.Open(":memory:", 1)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// Scenario 7: with two open positions and pyramid_count=1 persisted, a
// restart must recompute total_risk_amount within 0.01 of the stored
// aggregate and leave the portfolio ready to accept the next signal.
func TestLoadState_RecoveryEquivalence(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	base := domain.Position{
		ID: "BANK_NIFTY:Long_1:1", Instrument: "BANK_NIFTY", Slot: "Long_1",
		IsBasePosition: true, EntryPrice: 52000, InitialStop: 51650, CurrentStop: 51650,
		Lots: 3, ATRAtEntry: 350, Status: domain.PositionOpen, OpenAt: time.Now().UTC(),
	}
	pyramid := domain.Position{
		ID: "BANK_NIFTY:Long_2:1", Instrument: "BANK_NIFTY", Slot: "Long_2",
		IsBasePosition: false, EntryPrice: 52400, InitialStop: 52050, CurrentStop: 52050,
		Lots: 1, ATRAtEntry: 350, Status: domain.PositionOpen, OpenAt: time.Now().UTC(),
	}
	require.NoError(t, s.SavePosition(ctx, base))
	require.NoError(t, s.SavePosition(ctx, pyramid))

	baseID := base.ID
	require.NoError(t, s.SavePyramidState(ctx, "BANK_NIFTY", domain.PyramidState{
		Instrument: "BANK_NIFTY", LastPyramidPrice: 52400, BasePositionID: &baseID, PyramidCount: 1,
	}))

	risk, vol, margin := domain.Recompute(map[string]*domain.Position{base.ID: &base, pyramid.ID: &pyramid}, specOf)
	require.NoError(t, s.SavePortfolioAggregate(ctx, domain.PortfolioAggregate{
		InitialCapital: 5_000_000, TotalRiskAmount: risk, TotalVolAmount: vol, MarginUsed: margin,
	}, 0))

	portfolio := domain.NewPortfolioState(0)
	code, err := LoadState(ctx, portfolio, s, specOf, nil, nil)

	require.NoError(t, err)
	require.Equal(t, CodeOK, code)
	require.Len(t, portfolio.Positions, 2)
	require.Equal(t, 1, portfolio.Pyramids["BANK_NIFTY"].PyramidCount)

	recomputedRisk, recomputedVol, recomputedMargin := domain.Recompute(portfolio.Positions, specOf)
	require.True(t, portfolio.Aggregate.Reconciles(recomputedRisk, recomputedVol, recomputedMargin))
}

func TestLoadState_DataCorruptOnDuplicateBasePositions(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	p1 := domain.Position{
		ID: "BANK_NIFTY:Long_1:1", Instrument: "BANK_NIFTY", IsBasePosition: true,
		EntryPrice: 52000, InitialStop: 51650, CurrentStop: 51650, Lots: 3,
		Status: domain.PositionOpen, OpenAt: time.Now().UTC(),
	}
	p2 := domain.Position{
		ID: "BANK_NIFTY:Long_1:2", Instrument: "BANK_NIFTY", IsBasePosition: true,
		EntryPrice: 52100, InitialStop: 51750, CurrentStop: 51750, Lots: 2,
		Status: domain.PositionOpen, OpenAt: time.Now().UTC(),
	}
	require.NoError(t, s.SavePosition(ctx, p1))
	require.NoError(t, s.SavePosition(ctx, p2))
	require.NoError(t, s.SavePortfolioAggregate(ctx, domain.PortfolioAggregate{InitialCapital: 5_000_000}, 0))

	portfolio := domain.NewPortfolioState(0)
	code, err := LoadState(ctx, portfolio, s, specOf, nil, nil)

	require.Error(t, err)
	require.Equal(t, CodeDataCorrupt, code)
}

func TestLoadState_ValidationFailedOnAggregateMismatch(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	p := domain.Position{
		ID: "BANK_NIFTY:Long_1:1", Instrument: "BANK_NIFTY", IsBasePosition: true,
		EntryPrice: 52000, InitialStop: 51650, CurrentStop: 51650, Lots: 3,
		Status: domain.PositionOpen, OpenAt: time.Now().UTC(),
	}
	require.NoError(t, s.SavePosition(ctx, p))
	// Stored aggregate deliberately diverges from what Recompute will find.
	require.NoError(t, s.SavePortfolioAggregate(ctx, domain.PortfolioAggregate{
		InitialCapital: 5_000_000, TotalRiskAmount: 999999,
	}, 0))

	portfolio := domain.NewPortfolioState(0)
	code, err := LoadState(ctx, portfolio, s, specOf, nil, nil)

	require.Error(t, err)
	require.Equal(t, CodeValidationFailed, code)
}
