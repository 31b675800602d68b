package domain

import "math"

// Sizer is pure and stateless: every method is a plain function of its
// arguments, in the same style as the teacher's kellyFraction and
// calculateDeployedCapital helpers — no I/O, no clock, no shared state.
type Sizer struct{}

// BaseEntryResult carries the three candidate lot counts alongside the
// final admitted size so callers/tests can observe LotV without it
// gating admission (Open Question #1: preserved as specified).
type BaseEntryResult struct {
	LotR, LotV, LotM int
	Lots             int
}

// BaseEntryLots computes the admitted lot count for a new base position.
// LotV is computed for visibility only and deliberately excluded from the
// min — this mirrors the upstream strategy contract and is preserved by
// explicit design decision, not an oversight.
func (Sizer) BaseEntryLots(equity, riskPct, entry, stop, pointValue, er, atr, volPct, availableMargin, marginPerLot float64) (BaseEntryResult, error) {
	if pointValue <= 0 || marginPerLot <= 0 || atr <= 0 {
		return BaseEntryResult{}, NewError(KindContract, "invalid_config", ErrInvalidConfig)
	}
	if entry <= stop {
		return BaseEntryResult{}, NewError(KindContract, "invalid_config", ErrInvalidConfig)
	}

	riskDenom := (entry - stop) * pointValue
	lotR := int(math.Floor(((equity * riskPct) / riskDenom) * er))
	lotV := int(math.Floor((equity * volPct) / (atr * pointValue)))
	lotM := int(math.Floor(availableMargin / marginPerLot))

	lots := lotR
	if lotM < lots {
		lots = lotM
	}
	if lots < 0 {
		lots = 0
	}

	return BaseEntryResult{LotR: lotR, LotV: lotV, LotM: lotM, Lots: lots}, nil
}

// PyramidResult carries the three pyramid candidates and the admitted size.
type PyramidResult struct {
	LotA, LotB, LotC int
	Lots             int
}

// PyramidLots computes the admitted lot count for a pyramid entry.
// pyramidIndex is 1-based (first pyramid = 1).
func (Sizer) PyramidLots(freeMargin, marginPerLot float64, pyramidIndex, baseLots int, accumulatedProfit, baseRisk, newStop, entry, pointValue float64) (PyramidResult, error) {
	if marginPerLot <= 0 || pointValue <= 0 {
		return PyramidResult{}, NewError(KindContract, "invalid_config", ErrInvalidConfig)
	}
	if entry <= newStop {
		return PyramidResult{}, NewError(KindContract, "invalid_config", ErrInvalidConfig)
	}

	lotA := int(math.Floor(freeMargin / marginPerLot))
	lotB := int(math.Floor(float64(baseLots) * math.Pow(0.5, float64(pyramidIndex))))

	profitAboveRisk := accumulatedProfit - baseRisk
	if profitAboveRisk < 0 {
		profitAboveRisk = 0
	}
	lotC := int(math.Floor((profitAboveRisk * 0.5) / ((entry - newStop) * pointValue)))

	lots := lotA
	if lotB < lots {
		lots = lotB
	}
	if lotC < lots {
		lots = lotC
	}
	if lots < 0 {
		lots = 0
	}

	return PyramidResult{LotA: lotA, LotB: lotB, LotC: lotC, Lots: lots}, nil
}

// PeelOffLots computes the lots to shed when ongoing risk or volatility
// caps are breached, taking the larger of the two reductions since both
// constraints must be satisfied simultaneously.
func (Sizer) PeelOffLots(position Position, portfolioRiskOverLots, portfolioVolOverLots int) int {
	reduce := portfolioRiskOverLots
	if portfolioVolOverLots > reduce {
		reduce = portfolioVolOverLots
	}
	if reduce < 0 {
		reduce = 0
	}
	if reduce > position.Lots {
		reduce = position.Lots
	}
	return reduce
}
