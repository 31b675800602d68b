package ports

import (
	"context"

	"github.com/arjunmenon/tradepm/internal/domain"
)

// BacktestSummary is the end-of-run report the backtest driver hands to
// a Notifier. It is deliberately thin — the spec's non-goals exclude a
// full analytics/reporting subsystem, so this carries only the per-
// instrument tallies needed for an operator-facing console summary.
type BacktestSummary struct {
	Instrument      string
	SignalsAdmitted int
	SignalsRejected int
	PositionsOpened int
	PositionsClosed int
	RealizedPnL     float64
	Aggregate       domain.PortfolioAggregate
}

// Notifier presents backtest results to the operator. In the live driver
// no Notifier is wired — operational visibility there is the structured
// log stream, not console output.
type Notifier interface {
	NotifyBacktest(ctx context.Context, summaries []BacktestSummary) error
}
