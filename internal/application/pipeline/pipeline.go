// Package pipeline implements the webhook ingest layer: decoding a
// signal payload into domain.Signal and per-IP rate limiting. Grounded
// on the teacher's clob.go JSON decode-and-validate style, generalized
// from Polymarket order-book payloads to webhook signal payloads.
package pipeline

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/arjunmenon/tradepm/internal/domain"
	"golang.org/x/time/rate"
)

type webhookPayload struct {
	Type           string             `json:"type"`
	Instrument     string             `json:"instrument"`
	Position       string             `json:"position"`
	Price          float64            `json:"price"`
	Stop           float64            `json:"stop"`
	Lots           int                `json:"lots"`
	SuggestedLots  int                `json:"suggested_lots"`
	ATR            float64            `json:"atr"`
	ER             float64            `json:"er"`
	Supertrend     float64            `json:"supertrend"`
	ROC            *float64           `json:"roc"`
	Reason         string             `json:"reason"`
	Timestamp      string             `json:"timestamp"`
	Conditions     map[string]bool    `json:"conditions"`
	Indicators     map[string]float64 `json:"indicators"`
	PositionStatus string             `json:"position_status"`
	Sizing         map[string]any     `json:"sizing"`
}

const futureSkewTolerance = 5 * time.Second

// ParseSignal decodes a webhook JSON body into a domain.Signal. Every
// failure is a *domain.Error tagged KindContract, never a raw decode
// error, so the HTTP layer can map it to 400 without inspecting strings.
func ParseSignal(body []byte) (domain.Signal, error) {
	var wp webhookPayload
	if err := json.Unmarshal(body, &wp); err != nil {
		return domain.Signal{}, domain.NewError(domain.KindContract, "malformed_json", err)
	}

	kind := domain.SignalKind(wp.Type)
	switch kind {
	case domain.SignalBaseEntry, domain.SignalPyramid, domain.SignalExit, domain.SignalEODMonitor:
	default:
		return domain.Signal{}, domain.NewError(domain.KindContract, "invalid_type", fmt.Errorf("type=%q", wp.Type))
	}

	if wp.Instrument == "" {
		return domain.Signal{}, domain.NewError(domain.KindContract, "missing_instrument", nil)
	}

	ts, err := time.Parse(time.RFC3339, wp.Timestamp)
	if err != nil {
		return domain.Signal{}, domain.NewError(domain.KindContract, "invalid_timestamp", err)
	}
	if ts.After(time.Now().Add(futureSkewTolerance)) {
		return domain.Signal{}, domain.NewError(domain.KindContract, "timestamp_in_future", nil)
	}

	lots := wp.Lots
	if lots == 0 {
		lots = wp.SuggestedLots
	}

	return domain.Signal{
		Kind: kind, Instrument: wp.Instrument, Position: wp.Position, Price: wp.Price,
		Stop: wp.Stop, SuggestedLots: lots, ATR: wp.ATR, ER: wp.ER, Supertrend: wp.Supertrend,
		ROC: wp.ROC, ExitReason: wp.Reason, Timestamp: ts.UTC(),
		Conditions: wp.Conditions, Indicators: wp.Indicators, PositionStatus: wp.PositionStatus, Sizing: wp.Sizing,
	}, nil
}

// RateLimiter tracks one token-bucket limiter per source IP, in the same
// rate.NewLimiter idiom golang.org/x/time/rate documents for per-client
// HTTP throttling.
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rps      rate.Limit
	burst    int
}

// NewRateLimiter builds a limiter admitting perMinute requests per IP
// per rolling minute, with a burst equal to that same count.
func NewRateLimiter(perMinute int) *RateLimiter {
	if perMinute <= 0 {
		perMinute = 100
	}
	return &RateLimiter{
		limiters: make(map[string]*rate.Limiter),
		rps:      rate.Limit(float64(perMinute) / 60.0),
		burst:    perMinute,
	}
}

func (r *RateLimiter) Allow(ip string) bool {
	r.mu.Lock()
	l, ok := r.limiters[ip]
	if !ok {
		l = rate.NewLimiter(r.rps, r.burst)
		r.limiters[ip] = l
	}
	r.mu.Unlock()
	return l.Allow()
}
