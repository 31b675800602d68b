package ports

import (
	"context"

	"github.com/arjunmenon/tradepm/internal/domain"
)

// Broker is the narrow interface the executor and validator need from
// the broker gateway. Only this surface matters to this design — the
// broker's own HTTP contract is an external collaborator out of scope.
type Broker interface {
	// Quote returns the current tradable price for an instrument.
	Quote(ctx context.Context, instrument string) (price float64, err error)

	// PlaceOrder submits a limit or market order and returns the
	// broker's order id for subsequent polling.
	PlaceOrder(ctx context.Context, req domain.OrderRequest) (orderID string, err error)

	// CancelOrder cancels a previously placed order.
	CancelOrder(ctx context.Context, orderID string) error

	// GetOrderStatus polls the broker's view of an order.
	GetOrderStatus(ctx context.Context, orderID string) (domain.BrokerOrder, error)
}
