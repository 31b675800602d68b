package domain

// Severity grades a condition-validation finding. ExecutionValidationResult
// deliberately has no Severity field — see the doc on
// ExecutionValidationResult for why that split exists.
type Severity string

const (
	SeverityOK      Severity = "ok"
	SeverityWarning Severity = "warning"
	SeverityReject  Severity = "reject"
)

// ConditionValidationResult is the Stage-1 (local, synchronous) outcome.
// It carries Severity because Stage 1 alerts are graded (ok / warning /
// reject) for operator visibility even when the signal is not rejected
// outright (e.g. a slightly-delayed signal passes with a warning).
type ConditionValidationResult struct {
	Valid    bool
	Severity Severity
	Reason   string
	AgeTier  SignalAgeTier
}

// ExecutionValidationResult is the Stage-2 (broker-quote-backed) outcome.
// It intentionally has no Severity field: a prior implementation let a
// metrics recorder read a "severity" off this type that was never
// actually set by Stage 2, silently under-reporting execution-gate
// rejections as informational. Keeping the two result types as separate,
// closed structs instead of a shared interface makes that class of bug
// impossible to reintroduce — a recorder that wants severity must take a
// ConditionValidationResult, never this type.
type ExecutionValidationResult struct {
	IsValid           bool
	Reason            string
	DivergencePct     float64
	RiskIncreasePct   float64
	SourcePriceUsed   float64
	Bypassed          bool
}
