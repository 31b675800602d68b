// Package recovery implements the one-shot startup reconstruction of
// PortfolioState from Persistence: fetch → reconstruct → validate →
// activate. Grounded on the teacher's live.Engine.RestoreCircuitBreaker
// (load persisted state into an in-memory struct at startup) and
// paper/engine.go's boot-time reconstruction of in-memory books from
// persisted rows.
package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/arjunmenon/tradepm/internal/domain"
	"github.com/arjunmenon/tradepm/internal/ports"
)

// Code classifies how LoadState concluded.
type Code string

const (
	CodeOK               Code = ""
	CodeDBUnavailable    Code = "DB_UNAVAILABLE"
	CodeDataCorrupt      Code = "DATA_CORRUPT"
	CodeValidationFailed Code = "VALIDATION_FAILED"
)

var acquireBackoff = []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second}

// LoadState reconstructs portfolio in place from store. DATA_CORRUPT and
// VALIDATION_FAILED are returned as non-nil errors — the caller must
// halt startup. DB_UNAVAILABLE is reported as a Code with a nil error:
// the caller logs a warning and continues with portfolio left untouched
// (empty, if this is a fresh process).
//
// onRecovering/onActive, if non-nil, are called at the start and
// successful end of the reconstruction so a coordinator can surface the
// instance's transitional state; either may be nil.
func LoadState(
	ctx context.Context,
	portfolio *domain.PortfolioState,
	store ports.Persistence,
	specOf func(instrument string) domain.InstrumentRiskSpec,
	onRecovering, onActive func(),
) (Code, error) {
	if onRecovering != nil {
		onRecovering()
	}

	positions, err := withBackoff(ctx, func() (map[string]domain.Position, error) { return store.GetOpenPositions(ctx) })
	if err != nil {
		slog.Warn("recovery: database unavailable, continuing with empty state", "err", err)
		return CodeDBUnavailable, nil
	}
	pyramids, err := withBackoff(ctx, func() (map[string]domain.PyramidState, error) { return store.GetPyramidStates(ctx) })
	if err != nil {
		slog.Warn("recovery: database unavailable, continuing with empty state", "err", err)
		return CodeDBUnavailable, nil
	}
	agg, err := withBackoff(ctx, func() (domain.PortfolioAggregate, error) { return store.GetPortfolioAggregate(ctx) })
	if err != nil {
		slog.Warn("recovery: database unavailable, continuing with empty state", "err", err)
		return CodeDBUnavailable, nil
	}

	newPositions := make(map[string]*domain.Position, len(positions))
	for id, p := range positions {
		p := p
		if err := validatePositionShape(p); err != nil {
			return CodeDataCorrupt, fmt.Errorf("recovery: position %s: %w", id, err)
		}
		newPositions[id] = &p
	}

	for instrument, pyr := range pyramids {
		if pyr.BasePositionID == nil {
			continue
		}
		if _, ok := newPositions[*pyr.BasePositionID]; !ok {
			return CodeDataCorrupt, fmt.Errorf("recovery: pyramid state for %s references missing base position %s", instrument, *pyr.BasePositionID)
		}
	}

	baseSeen := make(map[string]bool)
	for _, p := range newPositions {
		if !p.IsBasePosition {
			continue
		}
		if baseSeen[p.Instrument] {
			return CodeDataCorrupt, fmt.Errorf("recovery: instrument %s has more than one open base position", p.Instrument)
		}
		baseSeen[p.Instrument] = true
	}

	recomputedRisk, recomputedVol, recomputedMargin := domain.Recompute(newPositions, specOf)
	if !agg.Reconciles(recomputedRisk, recomputedVol, recomputedMargin) {
		return CodeValidationFailed, fmt.Errorf(
			"recovery: aggregate mismatch: stored risk=%.2f vol=%.2f margin=%.2f recomputed risk=%.2f vol=%.2f margin=%.2f",
			agg.TotalRiskAmount, agg.TotalVolAmount, agg.MarginUsed, recomputedRisk, recomputedVol, recomputedMargin,
		)
	}

	portfolio.Positions = newPositions
	portfolio.Pyramids = make(map[string]*domain.PyramidState, len(pyramids))
	for instrument, pyr := range pyramids {
		pyr := pyr
		portfolio.Pyramids[instrument] = &pyr
	}
	portfolio.Aggregate = agg

	if onActive != nil {
		onActive()
	}
	return CodeOK, nil
}

func validatePositionShape(p domain.Position) error {
	if p.ID == "" || p.Instrument == "" {
		return fmt.Errorf("missing id or instrument")
	}
	if p.Lots < 0 {
		return fmt.Errorf("negative lots")
	}
	if p.CurrentStop < p.InitialStop {
		return fmt.Errorf("current_stop below initial_stop")
	}
	if p.Status != domain.PositionOpen && p.Status != domain.PositionClosed {
		return fmt.Errorf("invalid status %q", p.Status)
	}
	return nil
}

// withBackoff retries fn on the 1s/2s/4s schedule the rest of the
// persistence layer uses for connection acquisition.
func withBackoff[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	var zero T
	var lastErr error
	for attempt, delay := range append([]time.Duration{0}, acquireBackoff...) {
		if attempt > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return zero, ctx.Err()
			}
		}
		v, err := fn()
		if err == nil {
			return v, nil
		}
		lastErr = err
	}
	return zero, lastErr
}
