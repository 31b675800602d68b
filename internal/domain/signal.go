package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// SignalKind is the directive a webhook payload carries.
type SignalKind string

const (
	SignalBaseEntry   SignalKind = "BASE_ENTRY"
	SignalPyramid     SignalKind = "PYRAMID"
	SignalExit        SignalKind = "EXIT"
	SignalEODMonitor  SignalKind = "EOD_MONITOR"
)

// Signal is a decoded webhook directive. It is consumed exactly once by
// the engine, which persists its Fingerprint, its JSON encoding as the
// signal-log payload, and the processing result.
type Signal struct {
	Kind          SignalKind
	Instrument    string
	Position      string // "Long_1", "Long_2", "ALL", ...
	Price         float64
	Stop          float64
	SuggestedLots int
	ATR           float64
	ER            float64
	Supertrend    float64
	ROC           *float64
	ExitReason    string // EXIT only
	Timestamp     time.Time

	// EOD_MONITOR-only fields, logged but not acted on (out of scope).
	Conditions     map[string]bool
	Indicators     map[string]float64
	PositionStatus string
	Sizing         map[string]any
}

// Fingerprint is a stable SHA-256 digest over the canonical identifying
// fields, with the timestamp truncated to the second so that retried
// deliveries of the same logical signal collide on the same fingerprint.
func (s Signal) Fingerprint() string {
	canonical := fmt.Sprintf("%s|%s|%s|%.4f|%.4f|%d|%d",
		s.Kind, s.Instrument, s.Position, s.Price, s.Stop, s.SuggestedLots,
		s.Timestamp.Truncate(time.Second).Unix(),
	)
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])
}

// IsLong reports whether this signal describes a long-side directive.
// The system trades long-only instruments (synthetic longs via options
// for BANK_NIFTY, outright longs for GOLD_MINI), so every entry signal
// is long.
func (s Signal) IsLong() bool { return true }

// Age returns how old the signal is relative to now, per the Clock port.
func (s Signal) Age(now time.Time) time.Duration {
	return now.Sub(s.Timestamp)
}

// SignalAgeTier classifies a signal's age for Stage 1 tiered handling.
type SignalAgeTier int

const (
	AgeFresh SignalAgeTier = iota
	AgeSlightlyDelayed
	AgeDelayed
	AgeStale
)

// Tier buckets an age into the Stage-1 tiers: fresh (<10s), slightly
// delayed (10-30s), delayed (30-60s), stale (>=60s).
func Tier(age time.Duration) SignalAgeTier {
	switch {
	case age < 10*time.Second:
		return AgeFresh
	case age < 30*time.Second:
		return AgeSlightlyDelayed
	case age < 60*time.Second:
		return AgeDelayed
	default:
		return AgeStale
	}
}
