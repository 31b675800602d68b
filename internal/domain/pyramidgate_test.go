package domain

import "testing"

func niftySpec() InstrumentRiskSpec {
	return InstrumentRiskSpec{PointValue: 35, MarginPerLot: 270000, ATRSpacingMul: 1}
}

// Scenario 2: distance 100 < max(initial_R=350, atr_spacing*atr=350)=350.
func TestPyramidGate_Evaluate_BlockedByInstrumentGate(t *testing.T) {
	g := PyramidGate{RiskCapPct: 0.13, VolCapPct: 0.045, MarginCapPct: 0.60}
	admit, reason := g.Evaluate(52100, 52000, 350, 350, niftySpec(), 0, 0, 0, 42000)
	if admit {
		t.Fatal("expected rejection at the instrument gate")
	}
	if reason != GateInstrument {
		t.Errorf("reason = %q, want %q", reason, GateInstrument)
	}
}

// Scenario 3: distance 400 >= 350 clears the instrument gate; with
// positive unrealized P&L and caps under budget, the gate admits.
func TestPyramidGate_Evaluate_ClearsInstrumentGate(t *testing.T) {
	g := PyramidGate{RiskCapPct: 0.13, VolCapPct: 0.045, MarginCapPct: 0.60}
	admit, reason := g.Evaluate(52400, 52000, 350, 350, niftySpec(), 0.05, 0.02, 0.3, 42000)
	if !admit {
		t.Fatalf("expected admission, got reason %q", reason)
	}
	if reason != GateNone {
		t.Errorf("reason = %q, want empty", reason)
	}
}

func TestPyramidGate_Evaluate_PortfolioRiskCapFirst(t *testing.T) {
	g := PyramidGate{RiskCapPct: 0.13, VolCapPct: 0.045, MarginCapPct: 0.60}
	admit, reason := g.Evaluate(52400, 52000, 350, 350, niftySpec(), 0.20, 0.02, 0.3, 42000)
	if admit {
		t.Fatal("expected rejection at the portfolio risk cap")
	}
	if reason != GatePortfolioRisk {
		t.Errorf("reason = %q, want %q", reason, GatePortfolioRisk)
	}
}

func TestPyramidGate_Evaluate_VolCapCheckedAfterRisk(t *testing.T) {
	g := PyramidGate{RiskCapPct: 0.13, VolCapPct: 0.045, MarginCapPct: 0.60}
	admit, reason := g.Evaluate(52400, 52000, 350, 350, niftySpec(), 0.05, 0.10, 0.3, 42000)
	if admit {
		t.Fatal("expected rejection at the portfolio vol cap")
	}
	if reason != GatePortfolioVol {
		t.Errorf("reason = %q, want %q", reason, GatePortfolioVol)
	}
}

func TestPyramidGate_Evaluate_MarginCapCheckedAfterVol(t *testing.T) {
	g := PyramidGate{RiskCapPct: 0.13, VolCapPct: 0.045, MarginCapPct: 0.60}
	admit, reason := g.Evaluate(52400, 52000, 350, 350, niftySpec(), 0.05, 0.02, 0.9, 42000)
	if admit {
		t.Fatal("expected rejection at the portfolio margin cap")
	}
	if reason != GatePortfolioMargin {
		t.Errorf("reason = %q, want %q", reason, GatePortfolioMargin)
	}
}

func TestPyramidGate_Evaluate_ProfitGateCheckedLast(t *testing.T) {
	g := PyramidGate{RiskCapPct: 0.13, VolCapPct: 0.045, MarginCapPct: 0.60}
	admit, reason := g.Evaluate(52400, 52000, 350, 350, niftySpec(), 0.05, 0.02, 0.3, 0)
	if admit {
		t.Fatal("expected rejection at the profit gate when unrealized P&L is zero")
	}
	if reason != GateProfit {
		t.Errorf("reason = %q, want %q", reason, GateProfit)
	}
}

func TestPyramidGate_Evaluate_InstrumentGateUsesATRSpacingWhenWider(t *testing.T) {
	g := PyramidGate{RiskCapPct: 0.13, VolCapPct: 0.045, MarginCapPct: 0.60}
	spec := InstrumentRiskSpec{PointValue: 35, MarginPerLot: 270000, ATRSpacingMul: 2}
	// initial_R=100 but atr_spacing*atr = 2*350=700 is wider, so 400 still blocks.
	admit, reason := g.Evaluate(52400, 52000, 100, 350, spec, 0.05, 0.02, 0.3, 42000)
	if admit {
		t.Fatal("expected rejection when ATR spacing exceeds initial_R")
	}
	if reason != GateInstrument {
		t.Errorf("reason = %q, want %q", reason, GateInstrument)
	}
}
