package live

import (
	"context"
	"testing"
	"time"

	"github.com/arjunmenon/tradepm/config"
	"github.com/arjunmenon/tradepm/internal/adapters/executor"
	"github.com/arjunmenon/tradepm/internal/adapters/storage"
	"github.com/arjunmenon/tradepm/internal/application/validator"
	"github.com/arjunmenon/tradepm/internal/domain"
	"github.com/arjunmenon/tradepm/internal/ports"
	"github.com/stretchr/testify/require"
)

// fakeClock lets tests control signal age and stop-trail timing exactly.
type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time  { return c.now }
func (c *fakeClock) Set(t time.Time) { c.now = t }

// fakeBroker answers Quote with whatever price was primed and fills
// every order immediately at that price, mirroring the Bank Nifty
// scenarios in the testable-properties table where no partial fill or
// rejection is in play.
type fakeBroker struct {
	price     float64
	quoteErr  error
	quoteHits int
	seq       int
	lots      int
}

func (b *fakeBroker) Quote(_ context.Context, _ string) (float64, error) {
	b.quoteHits++
	if b.quoteErr != nil {
		return 0, b.quoteErr
	}
	return b.price, nil
}

func (b *fakeBroker) PlaceOrder(_ context.Context, req domain.OrderRequest) (string, error) {
	b.seq++
	b.lots = req.Lots
	return "fake-order", nil
}

func (b *fakeBroker) CancelOrder(_ context.Context, _ string) error { return nil }

func (b *fakeBroker) GetOrderStatus(_ context.Context, orderID string) (domain.BrokerOrder, error) {
	return domain.BrokerOrder{OrderID: orderID, Status: domain.BrokerOrderComplete, FilledLots: b.lots, AvgFillPrice: b.price}, nil
}

type alwaysLeader struct{}

func (alwaysLeader) IsLeader() bool { return true }

type neverLeader struct{}

func (neverLeader) IsLeader() bool { return false }

// toggleLeader reports true for the first dropAfter calls to IsLeader
// and false from then on, modeling leadership lost mid-request between the
// dedup check and the persistence write.
type toggleLeader struct {
	calls int
	dropAfter int
}

func (t *toggleLeader) IsLeader() bool {
	t.calls++
	return t.calls <= t.dropAfter
}

func bankNiftySpec() domain.InstrumentRiskSpec {
	return domain.InstrumentRiskSpec{PointValue: 35, MarginPerLot: 270000, ATRSpacingMul: 1}
}

func newTestEngine(t *testing.T, broker ports.Broker, leader LeaderChecker, clock ports.Clock) (*Engine, ports.Persistence) {
	t.Helper()
	store, err := storage.Open(":memory:", 1)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cfg := &config.Config{
		Risk: config.RiskConfig{
			EquityBase: 5_000_000, RiskPct: 0.01, VolPct: 0.045,
			RiskCapPct: 0.13, VolCapPct: 0.045, MarginCapPct: 0.60,
		},
		Instrument: config.InstrumentConfig{
			Defaults: map[string]config.InstrumentSpec{
				"BANK_NIFTY": {PointValue: 35, MarginPerLot: 270000, ATRSpacingMul: 1},
			},
		},
		Storage: config.StorageConfig{DedupWindowSec: 300},
	}

	portfolio := domain.NewPortfolioState(cfg.Risk.EquityBase)
	v := validator.New(broker, clock)
	exec := executor.New(broker, executor.SimpleLimit{
		FillTimeout: time.Second, PollEvery: time.Millisecond, Partial: executor.CancelRemainder{},
	})

	return New(cfg, portfolio, store, exec, v, leader, clock, "test-instance"), store
}

func baseEntrySignal(now time.Time) domain.Signal {
	return domain.Signal{
		Kind: domain.SignalBaseEntry, Instrument: "BANK_NIFTY", Position: "Long_1",
		Price: 52000, Stop: 51650, SuggestedLots: 0, ATR: 350, ER: 0.82, Timestamp: now,
	}
}

// Scenario 1: base admit. LotR = floor(((5_000_000*0.01)/((52000-51650)*35))*0.82) = 3.
func TestProcessSignal_BaseAdmit(t *testing.T) {
	clock := &fakeClock{now: time.Now().UTC()}
	broker := &fakeBroker{price: 52000}
	eng, _ := newTestEngine(t, broker, alwaysLeader{}, clock)

	res := eng.ProcessSignal(context.Background(), baseEntrySignal(clock.Now()))

	require.Equal(t, StatusProcessed, res.Status)
	require.Equal(t, 3, res.LotsFilled)

	pyr := eng.portfolio.Pyramids["BANK_NIFTY"]
	require.NotNil(t, pyr)
	require.Equal(t, 0, pyr.PyramidCount)
	require.Equal(t, 52000.0, pyr.LastPyramidPrice)
}

// Scenario 2: pyramid blocked by the instrument-spacing gate. Distance
// 100 < max(initial_R=350, atr_spacing*atr=350) = 350.
func TestProcessSignal_PyramidBlockedByInstrumentGate(t *testing.T) {
	clock := &fakeClock{now: time.Now().UTC()}
	broker := &fakeBroker{price: 52000}
	eng, _ := newTestEngine(t, broker, alwaysLeader{}, clock)

	require.Equal(t, StatusProcessed, eng.ProcessSignal(context.Background(), baseEntrySignal(clock.Now())).Status)

	broker.price = 52100
	pyramidSig := domain.Signal{
		Kind: domain.SignalPyramid, Instrument: "BANK_NIFTY", Position: "Long_2",
		Price: 52100, Stop: 51850, ATR: 350, Timestamp: clock.Now(),
	}
	res := eng.ProcessSignal(context.Background(), pyramidSig)

	require.Equal(t, StatusRejected, res.Status)
	require.Equal(t, "instrument_gate", res.Reason)
}

// Scenario 3: pyramid clears the instrument gate (distance 400 >= 350)
// but is rejected below the size floor once LotC computes to 0.
func TestProcessSignal_PyramidBelowSizeFloor(t *testing.T) {
	clock := &fakeClock{now: time.Now().UTC()}
	broker := &fakeBroker{price: 52000}
	eng, _ := newTestEngine(t, broker, alwaysLeader{}, clock)

	require.Equal(t, StatusProcessed, eng.ProcessSignal(context.Background(), baseEntrySignal(clock.Now())).Status)

	broker.price = 52400
	pyramidSig := domain.Signal{
		Kind: domain.SignalPyramid, Instrument: "BANK_NIFTY", Position: "Long_2",
		Price: 52400, Stop: 52050, ATR: 350, Timestamp: clock.Now(),
	}
	res := eng.ProcessSignal(context.Background(), pyramidSig)

	require.Equal(t, StatusRejected, res.Status)
	require.Equal(t, domain.ErrBelowSizeFloor.Error(), res.Reason)
}

// Scenario 4: duplicate. Sending the same signal twice within the dedup
// window yields exactly one processed result and one persisted position.
func TestProcessSignal_Duplicate(t *testing.T) {
	clock := &fakeClock{now: time.Now().UTC()}
	broker := &fakeBroker{price: 52000}
	eng, store := newTestEngine(t, broker, alwaysLeader{}, clock)

	sig := baseEntrySignal(clock.Now())
	first := eng.ProcessSignal(context.Background(), sig)
	second := eng.ProcessSignal(context.Background(), sig)

	require.Equal(t, StatusProcessed, first.Status)
	require.Equal(t, 3, first.LotsFilled)
	require.Equal(t, StatusDuplicate, second.Status)

	open, err := store.GetOpenPositions(context.Background())
	require.NoError(t, err)
	require.Len(t, open, 1)
}

// Scenario 5: validation bypass. The broker's quote endpoint is
// unreachable through every retry attempt, so Stage 2 bypasses with the
// signal's own price and the engine still admits downstream.
func TestProcessSignal_ValidationBypass(t *testing.T) {
	clock := &fakeClock{now: time.Now().UTC()}
	broker := &fakeBroker{quoteErr: context.DeadlineExceeded}
	eng, _ := newTestEngine(t, broker, alwaysLeader{}, clock)

	res := eng.ProcessSignal(context.Background(), baseEntrySignal(clock.Now()))

	require.Equal(t, StatusProcessed, res.Status)
	require.True(t, res.ValidationBypassed)
	require.Equal(t, 52000.0, res.SourcePriceUsed)
}

// Scenario 6: leader loss mid-request. Leadership is re-checked once the
// per-instrument lock is held; if it has been lost by then, the signal is
// rejected before any persistence write.
func TestProcessSignal_LeaderLostMidRequest(t *testing.T) {
	clock := &fakeClock{now: time.Now().UTC()}
	broker := &fakeBroker{price: 52000}
	leader := &toggleLeader{dropAfter: 1} // passes the first check, fails the re-check
	eng, store := newTestEngine(t, broker, leader, clock)

	res := eng.ProcessSignal(context.Background(), baseEntrySignal(clock.Now()))

	require.Equal(t, StatusRejected, res.Status)
	require.Equal(t, "lost_leadership", res.Reason)

	open, err := store.GetOpenPositions(context.Background())
	require.NoError(t, err)
	require.Empty(t, open)
}

func TestProcessSignal_NotLeaderRejectsUpfront(t *testing.T) {
	clock := &fakeClock{now: time.Now().UTC()}
	broker := &fakeBroker{price: 52000}
	eng, _ := newTestEngine(t, broker, neverLeader{}, clock)

	res := eng.ProcessSignal(context.Background(), baseEntrySignal(clock.Now()))

	require.Equal(t, StatusRejected, res.Status)
	require.Equal(t, "not_leader", res.Reason)
}
