package domain

import "testing"

// Bank Nifty scenario 1 from the testable-properties table: lot_size=35,
// point_value=35, margin_per_lot=270000, equity=5,000,000, risk_pct=0.01,
// er=0.82.
func TestSizer_BaseEntryLots_ScenarioOne(t *testing.T) {
	res, err := Sizer{}.BaseEntryLots(5_000_000, 0.01, 52000, 51650, 35, 0.82, 350, 0.045, 3_000_000, 270000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.LotR != 3 {
		t.Errorf("LotR = %d, want 3", res.LotR)
	}
	if res.LotM != 11 {
		t.Errorf("LotM = %d, want 11", res.LotM)
	}
	if res.Lots != 3 {
		t.Errorf("Lots = %d, want 3", res.Lots)
	}
}

func TestSizer_BaseEntryLots_ZeroBelowMarginFloor(t *testing.T) {
	res, err := Sizer{}.BaseEntryLots(5_000_000, 0.01, 52000, 51650, 35, 0.82, 350, 0.045, 0, 270000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Lots != 0 {
		t.Errorf("Lots = %d, want 0 when available_margin < margin_per_lot", res.Lots)
	}
}

func TestSizer_BaseEntryLots_ZeroWhenRiskDenomExceedsBudget(t *testing.T) {
	// (entry-stop)*point_value >= equity*risk_pct/er forces LotR to floor to 0.
	res, err := Sizer{}.BaseEntryLots(5_000_000, 0.01, 52000, 40000, 35, 0.82, 350, 0.045, 3_000_000, 270000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.LotR != 0 {
		t.Errorf("LotR = %d, want 0", res.LotR)
	}
}

func TestSizer_BaseEntryLots_InvalidConfigWhenEntryBelowStop(t *testing.T) {
	_, err := Sizer{}.BaseEntryLots(5_000_000, 0.01, 51000, 51650, 35, 0.82, 350, 0.045, 3_000_000, 270000)
	if err == nil {
		t.Fatal("expected an error when entry <= stop")
	}
}

// Bank Nifty scenario 3: after a 3-lot base, pyramid_index=1, base
// accumulated_profit=42000, base_risk=36750 -> LotC floors to 0.
func TestSizer_PyramidLots_ScenarioThree(t *testing.T) {
	freeMargin := 5_000_000*0.60 - 3*270000
	res, err := Sizer{}.PyramidLots(freeMargin, 270000, 1, 3, 42000, 36750, 52050, 52400, 35)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.LotA != 8 {
		t.Errorf("LotA = %d, want 8", res.LotA)
	}
	if res.LotB != 1 {
		t.Errorf("LotB = %d, want 1", res.LotB)
	}
	if res.LotC != 0 {
		t.Errorf("LotC = %d, want 0", res.LotC)
	}
	if res.Lots != 0 {
		t.Errorf("Lots = %d, want 0 (min of LotA/LotB/LotC)", res.Lots)
	}
}

func TestSizer_PyramidLots_NegativeProfitAboveRiskClampsToZero(t *testing.T) {
	// accumulated_profit < base_risk: profit-above-risk must clamp to 0,
	// not go negative and flip the LotC floor the wrong way.
	res, err := Sizer{}.PyramidLots(1_000_000, 270000, 1, 3, 10000, 36750, 52050, 52400, 35)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.LotC != 0 {
		t.Errorf("LotC = %d, want 0 when profit is below base risk", res.LotC)
	}
}

func TestSizer_PeelOffLots_TakesLargerReduction(t *testing.T) {
	pos := Position{Lots: 10}
	if got := (Sizer{}).PeelOffLots(pos, 2, 5); got != 5 {
		t.Errorf("PeelOffLots = %d, want 5 (max of risk/vol reductions)", got)
	}
}

func TestSizer_PeelOffLots_ClampedToPositionLots(t *testing.T) {
	pos := Position{Lots: 3}
	if got := (Sizer{}).PeelOffLots(pos, 10, 2); got != 3 {
		t.Errorf("PeelOffLots = %d, want 3 (clamped to position size)", got)
	}
}
