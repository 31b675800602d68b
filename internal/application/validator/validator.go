// Package validator implements SignalValidator's two-stage gate: a
// synchronous local condition gate (Stage 1) and a broker-quote-backed
// execution gate (Stage 2) with bounded retry and availability-over-
// strictness bypass. Grounded on the teacher's CircuitBreaker ordered-
// check style (domain/live.go) and rotation.go's bounded-retry polling,
// adapted from order polling to broker-quote fetching.
package validator

import (
	"context"
	"math"
	"time"

	"github.com/arjunmenon/tradepm/internal/domain"
	"github.com/arjunmenon/tradepm/internal/ports"
)

const maxValidationLatency = 500 * time.Millisecond

var quoteRetryDelays = []time.Duration{0, 500 * time.Millisecond, 1 * time.Second}

const quotePerAttemptTimeout = 2 * time.Second

// Validator runs Stage 1 and Stage 2 against a clock and broker.
type Validator struct {
	broker ports.Broker
	clock  ports.Clock
}

func New(broker ports.Broker, clock ports.Clock) *Validator {
	return &Validator{broker: broker, clock: clock}
}

// ValidateCondition is Stage 1: synchronous, local, never touches the
// broker. Checked in order: age tier, required-field positivity, then
// logical consistency for a long entry.
func (v *Validator) ValidateCondition(s domain.Signal, checkConsistency bool) domain.ConditionValidationResult {
	age := s.Age(v.clock.Now())
	tier := domain.Tier(age)

	if tier == domain.AgeStale {
		return domain.ConditionValidationResult{Valid: false, Severity: domain.SeverityReject, Reason: "stale_signal", AgeTier: tier}
	}

	if s.Price <= 0 || s.Stop <= 0 || s.ATR <= 0 {
		return domain.ConditionValidationResult{Valid: false, Severity: domain.SeverityReject, Reason: "missing_or_nonpositive_fields", AgeTier: tier}
	}

	if checkConsistency && s.Stop >= s.Price {
		return domain.ConditionValidationResult{Valid: false, Severity: domain.SeverityReject, Reason: "stop_not_below_price", AgeTier: tier}
	}

	severity := domain.SeverityOK
	if tier == domain.AgeSlightlyDelayed {
		severity = domain.SeverityWarning
	} else if tier == domain.AgeDelayed {
		severity = domain.SeverityWarning
	}

	return domain.ConditionValidationResult{Valid: true, Severity: severity, Reason: "ok", AgeTier: tier}
}

// SignalRole distinguishes how Stage 2 applies divergence thresholds.
type SignalRole int

const (
	RoleBaseEntry SignalRole = iota
	RolePyramid
	RoleExitLong
)

// ValidateExecution is Stage 2: fetches a broker quote with bounded
// retry; on exhaustion, bypasses with the signal's own price. The whole
// stage runs under a maxValidationLatency deadline: once it expires, the
// remaining quote attempts are skipped and the signal is bypassed.
func (v *Validator) ValidateExecution(ctx context.Context, s domain.Signal, role SignalRole, delayed bool) domain.ExecutionValidationResult {
	ctx, cancel := context.WithTimeout(ctx, maxValidationLatency)
	defer cancel()

	price, err := v.fetchQuoteWithRetry(ctx, s.Instrument)
	if err != nil {
		return domain.ExecutionValidationResult{
			IsValid: true, Reason: "validation_bypassed", SourcePriceUsed: s.Price, Bypassed: true,
		}
	}

	divergence := (price - s.Price) / s.Price

	switch role {
	case RoleBaseEntry:
		threshold := 0.02
		if delayed {
			threshold = 0.01
		}
		if math.Abs(divergence) > threshold {
			return rejectDivergence(divergence, price)
		}
	case RolePyramid:
		threshold := 0.01
		if delayed {
			threshold = 0.005
		}
		if math.Abs(divergence) > threshold {
			return rejectDivergence(divergence, price)
		}
	case RoleExitLong:
		if divergence < 0 && -divergence > 0.01 {
			return rejectDivergence(divergence, price)
		}
	}

	riskIncrease := 0.0
	if role == RoleBaseEntry || role == RolePyramid {
		denom := s.Price - s.Stop
		if denom != 0 {
			riskIncrease = (price-s.Stop)/denom - 1
		}
		if riskIncrease > 0.5 {
			return domain.ExecutionValidationResult{
				IsValid: false, Reason: "risk_increase_exceeded", DivergencePct: divergence,
				RiskIncreasePct: riskIncrease, SourcePriceUsed: price,
			}
		}
	}

	return domain.ExecutionValidationResult{
		IsValid: true, Reason: "ok", DivergencePct: divergence,
		RiskIncreasePct: riskIncrease, SourcePriceUsed: price,
	}
}

func rejectDivergence(divergence, price float64) domain.ExecutionValidationResult {
	return domain.ExecutionValidationResult{
		IsValid: false, Reason: "price_divergence_exceeded", DivergencePct: divergence, SourcePriceUsed: price,
	}
}

func (v *Validator) fetchQuoteWithRetry(ctx context.Context, instrument string) (float64, error) {
	var lastErr error
	for attempt, delay := range quoteRetryDelays {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return 0, ctx.Err()
			case <-time.After(delay):
			}
		}
		attemptCtx, cancel := context.WithTimeout(ctx, quotePerAttemptTimeout)
		price, err := v.broker.Quote(attemptCtx, instrument)
		cancel()
		if err == nil {
			return price, nil
		}
		lastErr = err
	}
	return 0, lastErr
}
