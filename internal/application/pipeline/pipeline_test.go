package pipeline

import (
	"fmt"
	"testing"
	"time"

	"github.com/arjunmenon/tradepm/internal/domain"
	"github.com/stretchr/testify/require"
)

func validPayload(ts time.Time) []byte {
	return []byte(fmt.Sprintf(`{
		"type": "BASE_ENTRY",
		"instrument": "BANK_NIFTY",
		"position": "Long_1",
		"price": 52000,
		"stop": 51650,
		"atr": 350,
		"er": 0.82,
		"timestamp": %q
	}`, ts.Format(time.RFC3339)))
}

func TestParseSignal_Valid(t *testing.T) {
	ts := time.Now().UTC().Truncate(time.Second)
	sig, err := ParseSignal(validPayload(ts))

	require.NoError(t, err)
	require.Equal(t, domain.SignalBaseEntry, sig.Kind)
	require.Equal(t, "BANK_NIFTY", sig.Instrument)
	require.Equal(t, 52000.0, sig.Price)
	require.Equal(t, ts, sig.Timestamp)
}

func TestParseSignal_FallsBackToSuggestedLots(t *testing.T) {
	ts := time.Now().UTC()
	body := []byte(fmt.Sprintf(`{"type":"BASE_ENTRY","instrument":"BANK_NIFTY","price":52000,"stop":51650,"atr":350,"suggested_lots":3,"timestamp":%q}`, ts.Format(time.RFC3339)))

	sig, err := ParseSignal(body)
	require.NoError(t, err)
	require.Equal(t, 3, sig.SuggestedLots)
}

func TestParseSignal_RejectsUnknownType(t *testing.T) {
	ts := time.Now().UTC()
	body := []byte(fmt.Sprintf(`{"type":"NONSENSE","instrument":"BANK_NIFTY","timestamp":%q}`, ts.Format(time.RFC3339)))

	_, err := ParseSignal(body)
	require.Error(t, err)

	var derr *domain.Error
	require.ErrorAs(t, err, &derr)
	require.Equal(t, domain.KindContract, derr.Kind)
}

func TestParseSignal_RejectsMissingInstrument(t *testing.T) {
	ts := time.Now().UTC()
	body := []byte(fmt.Sprintf(`{"type":"BASE_ENTRY","timestamp":%q}`, ts.Format(time.RFC3339)))

	_, err := ParseSignal(body)
	require.Error(t, err)
}

func TestParseSignal_RejectsMalformedJSON(t *testing.T) {
	_, err := ParseSignal([]byte(`not json`))
	require.Error(t, err)
}

func TestParseSignal_RejectsFutureTimestamp(t *testing.T) {
	future := time.Now().UTC().Add(time.Hour)
	_, err := ParseSignal(validPayload(future))
	require.Error(t, err)
}

func TestRateLimiter_AllowsBurstThenThrottles(t *testing.T) {
	rl := NewRateLimiter(2) // burst=2, ~2 tokens/min refill

	require.True(t, rl.Allow("1.2.3.4"))
	require.True(t, rl.Allow("1.2.3.4"))
	require.False(t, rl.Allow("1.2.3.4"))
}

func TestRateLimiter_TracksIPsIndependently(t *testing.T) {
	rl := NewRateLimiter(1)

	require.True(t, rl.Allow("1.2.3.4"))
	require.True(t, rl.Allow("5.6.7.8"))
}
