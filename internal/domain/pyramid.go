package domain

// PyramidState is the per-instrument pyramiding metadata: the price of
// the last admitted pyramid entry, the (nullable) id of the base
// position, and how many pyramids have been admitted so far.
type PyramidState struct {
	Instrument       string
	LastPyramidPrice float64
	BasePositionID   *string
	PyramidCount     int
}

// NewPyramidState seeds state at the first base entry.
func NewPyramidState(instrument string, basePositionID string, entryPrice float64) *PyramidState {
	id := basePositionID
	return &PyramidState{
		Instrument:       instrument,
		LastPyramidPrice: entryPrice,
		BasePositionID:   &id,
		PyramidCount:     0,
	}
}

// OnBaseClosed clears the base-position reference without discarding the
// pyramid count, per the spec: base_position_id is nulled when the base
// leg closes but any remaining pyramid legs are still open.
func (p *PyramidState) OnBaseClosed() {
	p.BasePositionID = nil
}

// OnPyramidFilled advances the ratchet only on a successful fill — the
// spec explicitly calls out that advancing it on a gate-rejected signal
// (observed in some source paths) is a bug, not intended behavior.
func (p *PyramidState) OnPyramidFilled(entryPrice float64) {
	p.PyramidCount++
	p.LastPyramidPrice = entryPrice
}
