// Package notify renders operator-facing console output. It is the only
// place in this repo that imports tablewriter, matching the teacher's own
// narrow use of the library for a single summary screen rather than a
// general reporting subsystem (which the spec explicitly puts out of scope).
package notify

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/arjunmenon/tradepm/internal/ports"
	"github.com/olekukonko/tablewriter"
)

// Console implements ports.Notifier by printing a single summary table
// plus a short verdict line per instrument, in the teacher's PrintBacktest
// style (header banner, tablewriter.Render, then a narrative footer).
type Console struct {
	out io.Writer
}

func NewConsole() *Console {
	return &Console{out: os.Stdout}
}

func NewConsoleWriter(w io.Writer) *Console {
	return &Console{out: w}
}

// NotifyBacktest renders one row per instrument summary.
func (c *Console) NotifyBacktest(_ context.Context, summaries []ports.BacktestSummary) error {
	if len(summaries) == 0 {
		fmt.Fprintln(c.out, "\n  No backtest results available.")
		return nil
	}

	fmt.Fprintf(c.out, "\n╔══════════════════════════════════════════════════════════════════╗\n")
	fmt.Fprintf(c.out, "║  BACKTEST — signal pipeline replay summary                       ║\n")
	fmt.Fprintf(c.out, "╚══════════════════════════════════════════════════════════════════╝\n\n")

	table := tablewriter.NewWriter(c.out)
	table.Header("Instrument", "Admitted", "Rejected", "Opened", "Closed", "RealizedPnL", "RiskAmt", "MarginUsed")

	var totalPnL float64
	for _, s := range summaries {
		table.Append(
			s.Instrument,
			fmt.Sprintf("%d", s.SignalsAdmitted),
			fmt.Sprintf("%d", s.SignalsRejected),
			fmt.Sprintf("%d", s.PositionsOpened),
			fmt.Sprintf("%d", s.PositionsClosed),
			fmt.Sprintf("%.2f", s.RealizedPnL),
			fmt.Sprintf("%.2f", s.Aggregate.TotalRiskAmount),
			fmt.Sprintf("%.2f", s.Aggregate.MarginUsed),
		)
		totalPnL += s.RealizedPnL
	}
	table.Render()

	fmt.Fprintf(c.out, "\n  TOTAL realized P&L across %d instrument(s): %.2f\n", len(summaries), totalPnL)
	if totalPnL >= 0 {
		fmt.Fprintf(c.out, "  >>> net positive over the replayed signal stream\n")
	} else {
		fmt.Fprintf(c.out, "  >>> net negative over the replayed signal stream\n")
	}
	fmt.Fprintln(c.out)
	return nil
}
