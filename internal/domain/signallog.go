package domain

import "time"

// SignalLogStatus is the audit outcome recorded for a processed signal.
type SignalLogStatus string

const (
	LogExecuting SignalLogStatus = "executing"
	LogExecuted  SignalLogStatus = "executed"
	LogFailed    SignalLogStatus = "failed"
	LogRejected  SignalLogStatus = "rejected"
	LogDuplicate SignalLogStatus = "duplicate"
)

// SignalLogEntry is the audit row written for every signal, keyed by
// its fingerprint for dedup lookups.
type SignalLogEntry struct {
	Fingerprint       string
	Payload           []byte // JSON encoding of the decoded Signal
	ReceivedAt        time.Time
	ProcessedByInstanceID string
	Status            SignalLogStatus
	ResultSummary     string
	ValidationBypassed bool
}
