// Package live implements LiveEngine: the signal-processing core that
// dispatches an admitted BASE_ENTRY/PYRAMID/EXIT signal through sizing,
// gating, execution, and persistence-on-fill. Renamed and repurposed
// from the teacher's real-money trading engine
// (internal/application/engine/live/engine.go's RunOnce phased structure:
// protection → discovery → verification → maintenance → placement →
// reporting) into this design's own phase order: leader-check → dedup →
// validate → size → gate → execute → persist.
package live

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/arjunmenon/tradepm/config"
	"github.com/arjunmenon/tradepm/internal/application/validator"
	"github.com/arjunmenon/tradepm/internal/domain"
	"github.com/arjunmenon/tradepm/internal/ports"
)

// LeaderChecker is the narrow view of the HA coordinator the engine
// needs — it never touches election or heartbeat mechanics directly.
type LeaderChecker interface {
	IsLeader() bool
}

// Status is the outcome ProcessSignal reports to its caller (the webhook
// handler or the backtest driver).
type Status string

const (
	StatusProcessed Status = "processed"
	StatusRejected  Status = "rejected"
	StatusDuplicate Status = "duplicate"
	StatusIgnored   Status = "ignored"
)

// Result is what ProcessSignal returns.
type Result struct {
	Status              Status
	Reason              string
	LotsFilled          int
	PositionID          string
	ValidationBypassed  bool
	SourcePriceUsed     float64
}

// Engine wires Sizer, PyramidGate, StopManager, SignalValidator,
// OrderExecutor, and Persistence around a single in-memory PortfolioState.
type Engine struct {
	cfg       *config.Config
	portfolio *domain.PortfolioState
	store     ports.Persistence
	executor  ports.OrderExecutor
	validator *validator.Validator
	leader    LeaderChecker
	clock     ports.Clock
	instanceID string

	specOf func(instrument string) domain.InstrumentRiskSpec

	locks keyedMutex
}

func New(
	cfg *config.Config,
	portfolio *domain.PortfolioState,
	store ports.Persistence,
	executor ports.OrderExecutor,
	v *validator.Validator,
	leader LeaderChecker,
	clock ports.Clock,
	instanceID string,
) *Engine {
	return &Engine{
		cfg: cfg, portfolio: portfolio, store: store, executor: executor,
		validator: v, leader: leader, clock: clock, instanceID: instanceID,
		specOf: func(instrument string) domain.InstrumentRiskSpec {
			s := cfg.Instrument.Defaults[instrument]
			return domain.InstrumentRiskSpec{PointValue: s.PointValue, MarginPerLot: s.MarginPerLot, ATRSpacingMul: s.ATRSpacingMul}
		},
		locks: newKeyedMutex(),
	}
}

// ProcessSignal implements the full admission pipeline: leader check,
// fingerprint-based dedup, a second leader check once the per-instrument
// lock is held, Stage 1 condition validation, and dispatch by signal
// kind. EOD_MONITOR signals are logged and otherwise ignored — their
// scheduling contract is out of scope (Open Question #3).
func (e *Engine) ProcessSignal(ctx context.Context, sig domain.Signal) Result {
	fp := sig.Fingerprint()

	if sig.Kind == domain.SignalEODMonitor {
		e.logSignal(ctx, fp, sig, domain.LogExecuted, "eod_monitor_logged", false)
		return Result{Status: StatusIgnored, Reason: "eod_monitor_logged"}
	}

	if !e.leader.IsLeader() {
		return Result{Status: StatusRejected, Reason: "not_leader"}
	}

	dup, err := e.store.IsDuplicateFingerprint(ctx, fp, e.cfg.DedupWindow())
	if err != nil {
		slog.Error("engine: dedup check failed", "err", err, "fingerprint", fp)
		return Result{Status: StatusRejected, Reason: "dedup_check_failed"}
	}
	if dup {
		return Result{Status: StatusDuplicate}
	}

	unlock := e.locks.Lock(sig.Instrument)
	defer unlock()

	// Leadership may have been lost while waiting for the instrument
	// lock; re-check before any persistence write.
	if !e.leader.IsLeader() {
		return Result{Status: StatusRejected, Reason: "lost_leadership"}
	}

	checkConsistency := sig.Kind != domain.SignalExit
	cond := e.validator.ValidateCondition(sig, checkConsistency)
	if !cond.Valid {
		e.logSignal(ctx, fp, sig, domain.LogRejected, cond.Reason, false)
		return Result{Status: StatusRejected, Reason: cond.Reason}
	}
	delayed := cond.AgeTier == domain.AgeDelayed

	var res Result
	switch sig.Kind {
	case domain.SignalBaseEntry:
		res = e.processBaseEntry(ctx, sig, delayed)
	case domain.SignalPyramid:
		res = e.processPyramid(ctx, sig, delayed)
	case domain.SignalExit:
		res = e.processExit(ctx, sig, delayed)
	default:
		res = Result{Status: StatusIgnored, Reason: "unknown_signal_kind"}
	}

	logStatus := domain.LogRejected
	if res.Status == StatusProcessed {
		logStatus = domain.LogExecuted
	}
	e.logSignal(ctx, fp, sig, logStatus, res.Reason, res.ValidationBypassed)
	return res
}

func (e *Engine) processBaseEntry(ctx context.Context, sig domain.Signal, delayed bool) Result {
	if e.portfolio.BasePositionFor(sig.Instrument) != nil {
		return Result{Status: StatusRejected, Reason: domain.ErrBasePositionExists.Error()}
	}

	execVal := e.validator.ValidateExecution(ctx, sig, validator.RoleBaseEntry, delayed)
	if !execVal.IsValid {
		return Result{Status: StatusRejected, Reason: execVal.Reason}
	}

	spec := e.specOf(sig.Instrument)
	availableMargin := e.availableMargin()

	sizing, err := (domain.Sizer{}).BaseEntryLots(
		e.portfolio.Aggregate.Equity(), e.cfg.Risk.RiskPct, execVal.SourcePriceUsed, sig.Stop,
		spec.PointValue, sig.ER, sig.ATR, e.cfg.Risk.VolPct, availableMargin, spec.MarginPerLot,
	)
	if err != nil {
		return Result{Status: StatusRejected, Reason: "invalid_config"}
	}
	if sizing.Lots <= 0 {
		return Result{Status: StatusRejected, Reason: domain.ErrBelowSizeFloor.Error(), ValidationBypassed: execVal.Bypassed}
	}

	execRes, err := e.executor.Execute(ctx, sig, domain.SideBuy, sizing.Lots, execVal.SourcePriceUsed)
	if err != nil {
		return Result{Status: StatusRejected, Reason: "execution_error", ValidationBypassed: execVal.Bypassed}
	}
	if execRes.Status == domain.ExecStatusRejected || execRes.Status == domain.ExecStatusTimeout || execRes.LotsFilled <= 0 {
		return Result{Status: StatusRejected, Reason: "execution_not_filled", ValidationBypassed: execVal.Bypassed}
	}

	now := e.clock.Now()
	pos := &domain.Position{
		ID: domain.NewPositionID(sig.Instrument, sig.Position, now), Instrument: sig.Instrument, Slot: sig.Position,
		IsBasePosition: true, EntryPrice: execRes.AverageFillPrice, InitialStop: (domain.StopManager{}).InitialStop(sig.Stop),
		CurrentStop: sig.Stop, HighestClose: execRes.AverageFillPrice, Lots: execRes.LotsFilled,
		ATRAtEntry: sig.ATR, Status: domain.PositionOpen, OpenAt: now,
	}

	// The fill has already happened at the broker; a persistence failure
	// here must not lose the position from memory, only log loudly.
	if err := e.store.SavePosition(ctx, *pos); err != nil {
		slog.Error("🚨 engine: persistence failed after fill", "err", err, "position_id", pos.ID)
	}
	pyr := domain.NewPyramidState(sig.Instrument, pos.ID, pos.EntryPrice)
	if err := e.store.SavePyramidState(ctx, sig.Instrument, *pyr); err != nil {
		slog.Error("engine: save pyramid state failed", "err", err, "instrument", sig.Instrument)
	}

	e.portfolio.Positions[pos.ID] = pos
	e.portfolio.Pyramids[sig.Instrument] = pyr
	e.recomputeAggregate()
	if err := e.saveAggregateWithRetry(ctx); err != nil {
		slog.Error("🚨 engine: persistence failed after fill", "err", err, "component", "portfolio_aggregate")
	}

	return Result{
		Status: StatusProcessed, LotsFilled: pos.Lots, PositionID: pos.ID,
		ValidationBypassed: execVal.Bypassed, SourcePriceUsed: execVal.SourcePriceUsed,
	}
}

func (e *Engine) processPyramid(ctx context.Context, sig domain.Signal, delayed bool) Result {
	base := e.portfolio.BasePositionFor(sig.Instrument)
	if base == nil {
		return Result{Status: StatusRejected, Reason: domain.ErrNoBasePosition.Error()}
	}
	pyr := e.portfolio.Pyramids[sig.Instrument]
	if pyr == nil {
		return Result{Status: StatusRejected, Reason: domain.ErrNoBasePosition.Error()}
	}

	spec := e.specOf(sig.Instrument)
	// initialR is a price distance (points), the same scale as the
	// instrument-spacing comparison in PyramidGate.Evaluate — never
	// scaled by lots or point value, which would make it a currency
	// amount instead.
	initialR := base.EntryPrice - base.InitialStop

	var openLots int
	for _, p := range e.portfolio.OpenPositionsFor(sig.Instrument) {
		openLots += p.Lots
	}
	unrealizedPnL := (sig.Price - base.EntryPrice) * float64(openLots) * spec.PointValue

	gate := domain.PyramidGate{RiskCapPct: e.cfg.Risk.RiskCapPct, VolCapPct: e.cfg.Risk.VolCapPct, MarginCapPct: e.cfg.Risk.MarginCapPct}

	// Cheap precheck: instrument spacing and profit gates don't depend on
	// the candidate lot count, so they run before spending a broker quote.
	// The portfolio-cap gate is evaluated a second time below once sizing
	// produces a hypothetical post-admission total; passing 0 here makes
	// it trivially pass on this first pass.
	if admit, reason := gate.Evaluate(sig.Price, pyr.LastPyramidPrice, initialR, sig.ATR, spec, 0, 0, 0, unrealizedPnL); !admit {
		return Result{Status: StatusRejected, Reason: string(reason)}
	}

	execVal := e.validator.ValidateExecution(ctx, sig, validator.RolePyramid, delayed)
	if !execVal.IsValid {
		return Result{Status: StatusRejected, Reason: execVal.Reason}
	}

	baseRisk := (base.EntryPrice - base.InitialStop) * float64(base.Lots) * spec.PointValue
	accumulatedProfit := (execVal.SourcePriceUsed - base.EntryPrice) * float64(openLots) * spec.PointValue
	freeMargin := e.availableMargin()

	sizing, err := (domain.Sizer{}).PyramidLots(
		freeMargin, spec.MarginPerLot, pyr.PyramidCount+1, base.Lots,
		accumulatedProfit, baseRisk, sig.Stop, execVal.SourcePriceUsed, spec.PointValue,
	)
	if err != nil {
		return Result{Status: StatusRejected, Reason: "invalid_config"}
	}

	hypRisk := e.portfolio.Aggregate.TotalRiskAmount + (execVal.SourcePriceUsed-sig.Stop)*float64(sizing.Lots)*spec.PointValue
	hypVol := e.portfolio.Aggregate.TotalVolAmount + sig.ATR*float64(sizing.Lots)*spec.PointValue
	hypMargin := e.portfolio.Aggregate.MarginUsed + float64(sizing.Lots)*spec.MarginPerLot
	equity := e.portfolio.Aggregate.Equity()

	hypRiskPct := 0.0
	hypVolPct := 0.0
	hypMarginPct := 0.0
	if equity > 0 {
		hypRiskPct = hypRisk / equity
		hypVolPct = hypVol / equity
		hypMarginPct = hypMargin / equity
	}

	if admit, reason := gate.Evaluate(sig.Price, pyr.LastPyramidPrice, initialR, sig.ATR, spec, hypRiskPct, hypVolPct, hypMarginPct, unrealizedPnL); !admit {
		return Result{Status: StatusRejected, Reason: string(reason), ValidationBypassed: execVal.Bypassed}
	}

	if sizing.Lots <= 0 {
		return Result{Status: StatusRejected, Reason: domain.ErrBelowSizeFloor.Error(), ValidationBypassed: execVal.Bypassed}
	}

	execRes, err := e.executor.Execute(ctx, sig, domain.SideBuy, sizing.Lots, execVal.SourcePriceUsed)
	if err != nil {
		return Result{Status: StatusRejected, Reason: "execution_error", ValidationBypassed: execVal.Bypassed}
	}
	if execRes.Status == domain.ExecStatusRejected || execRes.Status == domain.ExecStatusTimeout || execRes.LotsFilled <= 0 {
		return Result{Status: StatusRejected, Reason: "execution_not_filled", ValidationBypassed: execVal.Bypassed}
	}

	now := e.clock.Now()
	pos := &domain.Position{
		ID: domain.NewPositionID(sig.Instrument, sig.Position, now), Instrument: sig.Instrument, Slot: sig.Position,
		IsBasePosition: false, EntryPrice: execRes.AverageFillPrice, InitialStop: (domain.StopManager{}).InitialStop(sig.Stop),
		CurrentStop: sig.Stop, HighestClose: execRes.AverageFillPrice, Lots: execRes.LotsFilled,
		ATRAtEntry: sig.ATR, Status: domain.PositionOpen, OpenAt: now,
	}

	if err := e.store.SavePosition(ctx, *pos); err != nil {
		slog.Error("🚨 engine: persistence failed after fill", "err", err, "position_id", pos.ID)
	}

	e.portfolio.Positions[pos.ID] = pos
	// OnPyramidFilled must only run for an actual fill, never a
	// gate-rejected attempt — see domain.PyramidState.OnPyramidFilled.
	pyr.OnPyramidFilled(pos.EntryPrice)
	if err := e.store.SavePyramidState(ctx, sig.Instrument, *pyr); err != nil {
		slog.Error("engine: save pyramid state failed", "err", err, "instrument", sig.Instrument)
	}
	e.recomputeAggregate()
	if err := e.saveAggregateWithRetry(ctx); err != nil {
		slog.Error("🚨 engine: persistence failed after fill", "err", err, "component", "portfolio_aggregate")
	}

	return Result{
		Status: StatusProcessed, LotsFilled: pos.Lots, PositionID: pos.ID,
		ValidationBypassed: execVal.Bypassed, SourcePriceUsed: execVal.SourcePriceUsed,
	}
}

func (e *Engine) processExit(ctx context.Context, sig domain.Signal, delayed bool) Result {
	spec := e.specOf(sig.Instrument)
	targets := e.resolveExitTargets(sig.Instrument, sig.Position)
	if len(targets) == 0 {
		return Result{Status: StatusRejected, Reason: "no_matching_position"}
	}

	execVal := e.validator.ValidateExecution(ctx, sig, validator.RoleExitLong, delayed)
	if !execVal.IsValid {
		return Result{Status: StatusRejected, Reason: execVal.Reason}
	}

	var totalFilled int
	var anyClosed bool
	for _, pos := range targets {
		execRes, err := e.executor.Execute(ctx, sig, domain.SideSell, pos.Lots, execVal.SourcePriceUsed)
		if err != nil || execRes.Status == domain.ExecStatusRejected || execRes.Status == domain.ExecStatusTimeout || execRes.LotsFilled <= 0 {
			continue
		}
		pos.Close(e.clock.Now(), execRes.AverageFillPrice, spec.PointValue)
		e.portfolio.Aggregate.ClosedEquity += pos.RealizedPnL
		if err := e.updatePositionWithRetry(ctx, *pos); err != nil {
			slog.Error("🚨 engine: persistence failed after fill", "err", err, "position_id", pos.ID)
		}
		totalFilled += execRes.LotsFilled
		anyClosed = true
	}

	if !anyClosed {
		return Result{Status: StatusRejected, Reason: "execution_not_filled", ValidationBypassed: execVal.Bypassed}
	}

	e.updatePyramidStateAfterExit(ctx, sig.Instrument)
	e.recomputeAggregate()
	if err := e.saveAggregateWithRetry(ctx); err != nil {
		slog.Error("🚨 engine: persistence failed after fill", "err", err, "component", "portfolio_aggregate")
	}

	return Result{Status: StatusProcessed, LotsFilled: totalFilled, ValidationBypassed: execVal.Bypassed, SourcePriceUsed: execVal.SourcePriceUsed}
}

func (e *Engine) resolveExitTargets(instrument, slot string) []*domain.Position {
	open := e.portfolio.OpenPositionsFor(instrument)
	if slot == "ALL" || slot == "" {
		return open
	}
	var out []*domain.Position
	for _, p := range open {
		if p.Slot == slot {
			out = append(out, p)
		}
	}
	return out
}

func (e *Engine) updatePyramidStateAfterExit(ctx context.Context, instrument string) {
	remaining := e.portfolio.OpenPositionsFor(instrument)
	if len(remaining) == 0 {
		delete(e.portfolio.Pyramids, instrument)
		if err := e.store.DeletePyramidState(ctx, instrument); err != nil {
			slog.Error("engine: delete pyramid state failed", "err", err, "instrument", instrument)
		}
		return
	}

	pyr := e.portfolio.Pyramids[instrument]
	if pyr == nil {
		return
	}
	for _, p := range remaining {
		if p.IsBasePosition {
			return
		}
	}
	pyr.OnBaseClosed()
	if err := e.store.SavePyramidState(ctx, instrument, *pyr); err != nil {
		slog.Error("engine: save pyramid state failed", "err", err, "instrument", instrument)
	}
}

// UpdateTrailingStops runs StopManager over every open position for an
// instrument given a fresh close price. Each position uses its own
// entry-time ATR — there is no live market-data feed port beyond
// broker quotes, so a continuously-updated ATR is out of scope.
func (e *Engine) UpdateTrailingStops(ctx context.Context, instrument string, close float64) {
	unlock := e.locks.Lock(instrument)
	defer unlock()

	spec := e.specOf(instrument)
	multiple := spec.ATRSpacingMul
	if multiple <= 0 {
		multiple = 1
	}
	moved := false
	for _, pos := range e.portfolio.OpenPositionsFor(instrument) {
		if (domain.StopManager{}).Apply(pos, close, pos.ATRAtEntry, multiple) {
			moved = true
			if err := e.updatePositionWithRetry(ctx, *pos); err != nil {
				slog.Error("engine: persist trailing stop failed", "err", err, "position_id", pos.ID)
			}
		}
	}
	if !moved {
		return
	}
	e.recomputeAggregate()
	if err := e.saveAggregateWithRetry(ctx); err != nil {
		slog.Error("engine: persist portfolio aggregate after trailing stop failed", "err", err, "instrument", instrument)
	}
}

// availableMargin approximates the broker's free-margin figure from the
// portfolio's own capacity (equity * margin cap − margin already used),
// since ports.Broker exposes no margin-query call.
func (e *Engine) availableMargin() float64 {
	capacity := e.portfolio.Aggregate.Equity() * e.cfg.Risk.MarginCapPct
	return capacity - e.portfolio.Aggregate.MarginUsed
}

func (e *Engine) recomputeAggregate() {
	risk, vol, margin := domain.Recompute(e.portfolio.Positions, e.specOf)
	e.portfolio.Aggregate.TotalRiskAmount = risk
	e.portfolio.Aggregate.TotalVolAmount = vol
	e.portfolio.Aggregate.MarginUsed = margin
}

// updatePositionWithRetry applies an optimistic-concurrency update,
// reloading on a stale version up to three times before giving up — the
// persistence contract's retry-from-reload policy, enacted by the
// caller since only the caller knows what value to write after reload.
func (e *Engine) updatePositionWithRetry(ctx context.Context, pos domain.Position) error {
	version := pos.Version
	const maxRetries = 3
	for attempt := 0; attempt < maxRetries; attempt++ {
		err := e.store.UpdatePosition(ctx, pos, version)
		if err == nil {
			return nil
		}
		if !errors.Is(err, domain.ErrStaleVersion) {
			return err
		}
		if open, reloadErr := e.store.GetOpenPositions(ctx); reloadErr == nil {
			if reloaded, ok := open[pos.ID]; ok {
				version = reloaded.Version
				continue
			}
		}
		version++
	}
	return fmt.Errorf("engine.updatePositionWithRetry: %s: exhausted retries", pos.ID)
}

func (e *Engine) saveAggregateWithRetry(ctx context.Context) error {
	const maxRetries = 3
	version := e.portfolio.Aggregate.Version
	for attempt := 0; attempt < maxRetries; attempt++ {
		candidate := e.portfolio.Aggregate
		err := e.store.SavePortfolioAggregate(ctx, candidate, version)
		if err == nil {
			e.portfolio.Aggregate.Version = version + 1
			return nil
		}
		if !errors.Is(err, domain.ErrStaleVersion) {
			return err
		}
		reloaded, reloadErr := e.store.GetPortfolioAggregate(ctx)
		if reloadErr != nil {
			return reloadErr
		}
		version = reloaded.Version
	}
	return fmt.Errorf("engine.saveAggregateWithRetry: exhausted retries")
}

func (e *Engine) logSignal(ctx context.Context, fp string, sig domain.Signal, status domain.SignalLogStatus, reason string, bypassed bool) {
	payload, _ := json.Marshal(sig)
	entry := domain.SignalLogEntry{
		Fingerprint: fp, Payload: payload, ReceivedAt: e.clock.Now(),
		ProcessedByInstanceID: e.instanceID, Status: status, ResultSummary: reason, ValidationBypassed: bypassed,
	}
	if err := e.store.LogSignal(ctx, entry); err != nil {
		slog.Error("engine: log signal failed", "err", err, "fingerprint", fp)
	}
}

// keyedMutex lazily creates one sync.Mutex per key, guarded by a single
// striping mutex over the map itself — the per-instrument serialization
// primitive the component design calls for.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newKeyedMutex() keyedMutex {
	return keyedMutex{locks: make(map[string]*sync.Mutex)}
}

func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &sync.Mutex{}
		k.locks[key] = l
	}
	k.mu.Unlock()

	l.Lock()
	return l.Unlock
}
