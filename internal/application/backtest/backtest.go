// Package backtest replays a recorded signal stream through the same
// LiveEngine the webhook server drives, against a ReplayBroker and a
// fake clock, and reports a per-instrument summary. Grounded on the
// teacher's cmd/backtest driver (internal/application/backtest in the
// scanner tree: lazy line-at-a-time replay over a fixture file, console
// summary at the end), generalized from scanning a fixed token list to
// replaying an arbitrary-length signal stream.
package backtest

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/arjunmenon/tradepm/internal/application/engine/live"
	"github.com/arjunmenon/tradepm/internal/application/pipeline"
	"github.com/arjunmenon/tradepm/internal/domain"
	"github.com/arjunmenon/tradepm/internal/ports"
)

// ReplayClock reports whatever timestamp was last set by the driver, so
// signal age and stop-trailing logic see the replayed time rather than
// wall-clock time.
type ReplayClock struct{ now time.Time }

func (c *ReplayClock) Now() time.Time { return c.now }
func (c *ReplayClock) Set(t time.Time) { c.now = t }

// AlwaysLeader satisfies live.LeaderChecker for a single-process replay,
// where HA coordination has no meaning.
type AlwaysLeader struct{}

func (AlwaysLeader) IsLeader() bool { return true }

type instrumentTally struct {
	admitted, rejected, opened, closed int
	realizedPnL                        float64
}

// Run reads newline-delimited webhook JSON payloads from r, feeds each
// through engine in arrival order, and returns one ports.BacktestSummary
// per instrument encountered. portfolio must be the same *PortfolioState
// engine was constructed with, so Run can observe newly closed positions
// after each signal.
func Run(ctx context.Context, r io.Reader, engine *live.Engine, broker *ReplayBroker, clock *ReplayClock, portfolio *domain.PortfolioState) ([]ports.BacktestSummary, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	tallies := make(map[string]*instrumentTally)
	closedSeen := make(map[string]bool)

	tallyFor := func(instrument string) *instrumentTally {
		t, ok := tallies[instrument]
		if !ok {
			t = &instrumentTally{}
			tallies[instrument] = t
		}
		return t
	}

	// Any position closed before replay started (never, for a fresh
	// portfolio, but defensive against a future pre-seeded replay) is
	// excluded from realized P&L so numbers stay attributable to this run.
	for id, p := range portfolio.Positions {
		if p.Status == domain.PositionClosed {
			closedSeen[id] = true
		}
	}

	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		payload := make([]byte, len(raw))
		copy(payload, raw)

		sig, err := pipeline.ParseSignal(payload)
		if err != nil {
			return nil, fmt.Errorf("backtest: line %d: %w", line, err)
		}
		if sig.Kind == domain.SignalEODMonitor {
			continue
		}

		clock.Set(sig.Timestamp)
		broker.SetQuote(sig.Instrument, sig.Price)

		res := engine.ProcessSignal(ctx, sig)
		t := tallyFor(sig.Instrument)
		if res.Status == live.StatusProcessed {
			t.admitted++
			if sig.Kind == domain.SignalBaseEntry || sig.Kind == domain.SignalPyramid {
				t.opened++
			}
		} else {
			t.rejected++
		}

		for id, p := range portfolio.Positions {
			if p.Status == domain.PositionClosed && !closedSeen[id] {
				closedSeen[id] = true
				ct := tallyFor(p.Instrument)
				ct.closed++
				ct.realizedPnL += p.RealizedPnL
			}
		}

		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("backtest: reading signal stream: %w", err)
	}

	instruments := make([]string, 0, len(tallies))
	for inst := range tallies {
		instruments = append(instruments, inst)
	}
	sort.Strings(instruments)

	summaries := make([]ports.BacktestSummary, 0, len(instruments))
	for _, inst := range instruments {
		t := tallies[inst]
		summaries = append(summaries, ports.BacktestSummary{
			Instrument:      inst,
			SignalsAdmitted: t.admitted,
			SignalsRejected: t.rejected,
			PositionsOpened: t.opened,
			PositionsClosed: t.closed,
			RealizedPnL:     t.realizedPnL,
			Aggregate:       portfolio.Aggregate,
		})
	}
	return summaries, nil
}
