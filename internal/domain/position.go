package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// PositionStatus is the lifecycle state of a Position.
type PositionStatus string

const (
	PositionOpen   PositionStatus = "open"
	PositionClosed PositionStatus = "closed"
)

// OptionLegs carries the entry prices for the option legs of a synthetic
// long position (e.g. BANK_NIFTY, traded as a long call + short put
// rather than an outright future). Nil for instruments traded outright.
type OptionLegs struct {
	PE float64
	CE float64
}

// Position is an open or closed leg owned exclusively by PortfolioState.
// It is created by the engine on admission and mutated only by the
// engine or StopManager.
type Position struct {
	ID             string
	Instrument     string
	Slot           string
	IsBasePosition bool
	EntryPrice     float64
	InitialStop    float64
	CurrentStop    float64
	HighestClose   float64
	Lots           int
	ATRAtEntry     float64
	OptionLegs     *OptionLegs
	Status         PositionStatus
	OpenAt         time.Time
	CloseAt        *time.Time
	RealizedPnL    float64
	Version        int
}

// NewPositionID derives a stable id from instrument + slot + creation
// time, disambiguated with a short uuid suffix so two positions opened
// in the same wall-clock second never collide.
func NewPositionID(instrument, slot string, at time.Time) string {
	return fmt.Sprintf("%s:%s:%d:%s", instrument, slot, at.UnixNano(), uuid.NewString()[:8])
}

// AdvanceStop ratchets CurrentStop upward only; it never lowers it. It
// also advances HighestClose when the observed close is a new high.
// Returns true if the stop actually moved (callers use this to decide
// whether a persistence write is needed).
func (p *Position) AdvanceStop(newStop, close float64) bool {
	moved := false
	if close > p.HighestClose {
		p.HighestClose = close
	}
	if newStop > p.CurrentStop {
		p.CurrentStop = newStop
		moved = true
	}
	return moved
}

// Close marks the position closed, records the exit time and realized
// P&L. point_value is the instrument's currency-per-point multiplier.
func (p *Position) Close(at time.Time, exitPrice, pointValue float64) {
	p.Status = PositionClosed
	p.CloseAt = &at
	p.RealizedPnL = (exitPrice - p.EntryPrice) * float64(p.Lots) * pointValue
}

// RiskAmount is (entry - current_stop) * lots * point_value, the
// per-position contribution to PortfolioAggregate.TotalRiskAmount.
func (p Position) RiskAmount(pointValue float64) float64 {
	return (p.EntryPrice - p.CurrentStop) * float64(p.Lots) * pointValue
}

// VolAmount is ATR * lots * point_value, the per-position contribution
// to PortfolioAggregate.TotalVolAmount.
func (p Position) VolAmount(pointValue float64) float64 {
	return p.ATRAtEntry * float64(p.Lots) * pointValue
}

// MarginUsed is lots * margin_per_lot.
func (p Position) MarginUsed(marginPerLot float64) float64 {
	return float64(p.Lots) * marginPerLot
}
