package ports

import (
	"context"

	"github.com/arjunmenon/tradepm/internal/domain"
)

// OrderExecutor is the contract LiveEngine calls against: a strategy
// (SimpleLimit, Progressive) composed with a partial-fill policy.
type OrderExecutor interface {
	Execute(ctx context.Context, signal domain.Signal, side domain.Side, targetLots int, limitPrice float64) (domain.ExecutionResult, error)
}
