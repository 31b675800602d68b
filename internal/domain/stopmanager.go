package domain

// StopManager computes initial stops and ratchets trailing stops. It is
// stateless; all position state lives on the Position passed in.
type StopManager struct{}

// InitialStop returns the signal-provided stop unchanged — the engine is
// the source of truth for the initial protective level; StopManager's
// job begins at the first trailing update.
func (StopManager) InitialStop(signalStop float64) float64 {
	return signalStop
}

// TrailingStop computes a candidate new stop from the latest close and
// ATR using a fixed ATR multiple, matching the supertrend-style ratchet
// implied by the signal's own Supertrend level when no tighter
// instrument-specific rule applies.
func (StopManager) TrailingStop(close, atr, multiple float64) float64 {
	return close - multiple*atr
}

// Apply advances p.CurrentStop and p.HighestClose given the latest tick,
// enforcing the monotonic-nondecreasing invariant on CurrentStop. It
// returns true if the stop moved, so callers know to persist the change.
func (StopManager) Apply(p *Position, close, atr, multiple float64) bool {
	candidate := StopManager{}.TrailingStop(close, atr, multiple)
	return p.AdvanceStop(candidate, close)
}
