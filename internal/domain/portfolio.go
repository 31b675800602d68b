package domain

import "math"

// reconcileEpsilon is the 1-paisa epsilon the spec's invariants are
// checked against.
const reconcileEpsilon = 0.01

// PortfolioAggregate is the single-row summary of the whole book.
type PortfolioAggregate struct {
	InitialCapital  float64
	ClosedEquity    float64
	TotalRiskAmount float64
	TotalVolAmount  float64
	MarginUsed      float64
	Version         int
}

// Equity is the initial capital plus all realized P&L to date.
func (a PortfolioAggregate) Equity() float64 {
	return a.InitialCapital + a.ClosedEquity
}

// Reconciles reports whether the aggregate's rollups match recomputed
// sums from the live position set within the 1-paisa epsilon — the
// invariant checked after every fully processed signal and during
// recovery.
func (a PortfolioAggregate) Reconciles(recomputedRisk, recomputedVol, recomputedMargin float64) bool {
	return math.Abs(a.TotalRiskAmount-recomputedRisk) <= reconcileEpsilon &&
		math.Abs(a.TotalVolAmount-recomputedVol) <= reconcileEpsilon &&
		math.Abs(a.MarginUsed-recomputedMargin) <= reconcileEpsilon
}

// Recompute rebuilds the rollups from the given open-position set and an
// instrument->spec lookup. Used by Recovery's validation step and by the
// engine after every admitted signal.
func Recompute(open map[string]*Position, specOf func(instrument string) InstrumentRiskSpec) (risk, vol, margin float64) {
	for _, p := range open {
		if p.Status != PositionOpen {
			continue
		}
		spec := specOf(p.Instrument)
		risk += p.RiskAmount(spec.PointValue)
		vol += p.VolAmount(spec.PointValue)
		margin += p.MarginUsed(spec.MarginPerLot)
	}
	return risk, vol, margin
}

// InstrumentRiskSpec is the minimal per-instrument constant set the
// aggregate rollups and the sizer need.
type InstrumentRiskSpec struct {
	PointValue    float64
	MarginPerLot  float64
	ATRSpacingMul float64
}

// RiskPct, VolPct, MarginPct express the aggregate's rollups as a
// fraction of current equity / available margin, for PyramidGate's
// portfolio-level caps.
func (a PortfolioAggregate) RiskPct() float64 {
	if a.Equity() <= 0 {
		return math.Inf(1)
	}
	return a.TotalRiskAmount / a.Equity()
}

func (a PortfolioAggregate) VolPct() float64 {
	if a.Equity() <= 0 {
		return math.Inf(1)
	}
	return a.TotalVolAmount / a.Equity()
}

func (a PortfolioAggregate) MarginPct(totalMargin float64) float64 {
	if totalMargin <= 0 {
		return math.Inf(1)
	}
	return a.MarginUsed / totalMargin
}

// PortfolioState is the in-memory, id-keyed arena of open/closed
// Positions plus the single PortfolioAggregate row and per-instrument
// PyramidState. It is the exclusive owner of all three; Persistence is
// a write-through mirror, never a second writer.
type PortfolioState struct {
	Positions map[string]*Position    // position id -> Position
	Pyramids  map[string]*PyramidState // instrument -> PyramidState
	Aggregate PortfolioAggregate
}

// NewPortfolioState constructs an empty state seeded with initial capital.
func NewPortfolioState(initialCapital float64) *PortfolioState {
	return &PortfolioState{
		Positions: make(map[string]*Position),
		Pyramids:  make(map[string]*PyramidState),
		Aggregate: PortfolioAggregate{InitialCapital: initialCapital},
	}
}

// OpenPositionsFor returns all open positions for an instrument.
func (s *PortfolioState) OpenPositionsFor(instrument string) []*Position {
	var out []*Position
	for _, p := range s.Positions {
		if p.Instrument == instrument && p.Status == PositionOpen {
			out = append(out, p)
		}
	}
	return out
}

// BasePositionFor returns the open base position for an instrument, if any.
func (s *PortfolioState) BasePositionFor(instrument string) *Position {
	for _, p := range s.OpenPositionsFor(instrument) {
		if p.IsBasePosition {
			return p
		}
	}
	return nil
}
