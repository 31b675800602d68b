package domain

// GateReason names which PyramidGate check failed, or "" on admission.
type GateReason string

const (
	GateNone            GateReason = ""
	GateInstrument       GateReason = "instrument_gate"
	GatePortfolioRisk    GateReason = "portfolio_risk_cap"
	GatePortfolioVol     GateReason = "portfolio_vol_cap"
	GatePortfolioMargin  GateReason = "portfolio_margin_cap"
	GateProfit           GateReason = "profit_gate"
)

// PyramidGate answers "may this pyramid admit?" via three ordered gates;
// the first failing gate wins and is returned as the reason.
type PyramidGate struct {
	RiskCapPct   float64
	VolCapPct    float64
	MarginCapPct float64
}

// Evaluate runs the instrument, portfolio, and profit gates in order.
//
// hypotheticalRiskPct/VolPct/MarginPct are the portfolio's risk, vol and
// margin totals, each as a fraction of equity, recomputed as if this
// pyramid were already admitted (the engine computes these by
// adding the candidate's own risk/vol/margin contribution before calling
// Evaluate, since the gate must reason about the post-admission state).
func (g PyramidGate) Evaluate(
	newSignalPrice, lastPyramidPrice, initialR, atr float64, spec InstrumentRiskSpec,
	hypotheticalRiskPct, hypotheticalVolPct, hypotheticalMarginPct float64,
	instrumentUnrealizedPnL float64,
) (admit bool, reason GateReason) {
	required := initialR
	if spacing := spec.ATRSpacingMul * atr; spacing > required {
		required = spacing
	}
	if (newSignalPrice - lastPyramidPrice) < required {
		return false, GateInstrument
	}

	if hypotheticalRiskPct > g.RiskCapPct {
		return false, GatePortfolioRisk
	}
	if hypotheticalVolPct > g.VolCapPct {
		return false, GatePortfolioVol
	}
	if hypotheticalMarginPct > g.MarginCapPct {
		return false, GatePortfolioMargin
	}

	if instrumentUnrealizedPnL <= 0 {
		return false, GateProfit
	}

	return true, GateNone
}
