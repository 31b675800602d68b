package backtest

import (
	"context"
	"fmt"
	"sync"

	"github.com/arjunmenon/tradepm/internal/domain"
)

// ReplayBroker implements ports.Broker against the price carried on each
// replayed signal rather than a live connection. Grounded on the
// teacher's fakeCLOB test doubles (internal/application/engine/live
// tests stub the broker with a canned order book); generalized here into
// a standalone package type since the backtest driver needs it wired
// through a whole run, not just one test body.
type ReplayBroker struct {
	mu     sync.Mutex
	quotes map[string]float64
	orders map[string]domain.BrokerOrder
	seq    int
}

func NewReplayBroker() *ReplayBroker {
	return &ReplayBroker{
		quotes: make(map[string]float64),
		orders: make(map[string]domain.BrokerOrder),
	}
}

// SetQuote primes the price the next Quote/PlaceOrder call for instrument
// will see; the driver calls this once per replayed signal.
func (b *ReplayBroker) SetQuote(instrument string, price float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.quotes[instrument] = price
}

func (b *ReplayBroker) Quote(_ context.Context, instrument string) (float64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	price, ok := b.quotes[instrument]
	if !ok {
		return 0, fmt.Errorf("replaybroker: no quote primed for %s", instrument)
	}
	return price, nil
}

// PlaceOrder fills immediately: a limit order at its limit price, a
// market order (or one with no limit price) at the primed quote. Replay
// has no partial-fill or rejection scenario to model, so every order
// completes.
func (b *ReplayBroker) PlaceOrder(_ context.Context, req domain.OrderRequest) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	orderID := fmt.Sprintf("replay-%d", b.seq)
	price := req.LimitPrice
	if price == 0 || req.Type == domain.OrderTypeMarket {
		price = b.quotes[req.Instrument]
	}
	b.orders[orderID] = domain.BrokerOrder{
		OrderID: orderID, Status: domain.BrokerOrderComplete,
		FilledLots: req.Lots, AvgFillPrice: price,
	}
	return orderID, nil
}

func (b *ReplayBroker) CancelOrder(_ context.Context, orderID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.orders, orderID)
	return nil
}

func (b *ReplayBroker) GetOrderStatus(_ context.Context, orderID string) (domain.BrokerOrder, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	order, ok := b.orders[orderID]
	if !ok {
		return domain.BrokerOrder{}, fmt.Errorf("replaybroker: unknown order %s", orderID)
	}
	return order, nil
}
