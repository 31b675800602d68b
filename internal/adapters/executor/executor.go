// Package executor implements OrderExecutor: pluggable placement
// strategies (SimpleLimit, Progressive) composed with pluggable
// partial-fill policies (CancelRemainder, WaitForFill, Reattempt), per
// the capability-interface-with-tagged-variants re-architecture the
// design notes call for. Grounded on the teacher's orders.go/rotation.go
// poll-then-act loops (internal/application/engine/live), generalized
// from Polymarket CLOB order polling to a broker-agnostic poll loop.
package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/arjunmenon/tradepm/internal/domain"
	"github.com/arjunmenon/tradepm/internal/ports"
)

const (
	brokerMaxRetries = 3
)

var brokerRetryDelays = []time.Duration{0, 500 * time.Millisecond, 1 * time.Second}

// PartialFillPolicy resolves a still-open order once a strategy's own
// timeout has elapsed without a complete fill.
type PartialFillPolicy interface {
	Resolve(ctx context.Context, broker ports.Broker, orderID string, req domain.OrderRequest, order domain.BrokerOrder) (domain.ExecutionResult, error)
	Name() string
}

// CancelRemainder cancels the outstanding quantity and reports PARTIAL.
type CancelRemainder struct{}

func (CancelRemainder) Name() string { return "CancelRemainder" }

func (CancelRemainder) Resolve(ctx context.Context, broker ports.Broker, orderID string, req domain.OrderRequest, order domain.BrokerOrder) (domain.ExecutionResult, error) {
	_ = broker.CancelOrder(ctx, orderID)
	return domain.ExecutionResult{
		Status: domain.ExecStatusPartial, LotsFilled: order.FilledLots,
		LotsCancelled: req.Lots - order.FilledLots, AverageFillPrice: order.AvgFillPrice,
		PartialFillStrategyUsed: "CancelRemainder",
	}, nil
}

// WaitForFill continues polling up to Timeout; promotes to EXECUTED on a
// full fill, otherwise cancels and reports PARTIAL.
type WaitForFill struct {
	Timeout     time.Duration
	PollEvery   time.Duration
}

func (WaitForFill) Name() string { return "WaitForFill" }

func (p WaitForFill) Resolve(ctx context.Context, broker ports.Broker, orderID string, req domain.OrderRequest, order domain.BrokerOrder) (domain.ExecutionResult, error) {
	deadline := time.Now().Add(p.Timeout)
	pollEvery := p.PollEvery
	if pollEvery <= 0 {
		pollEvery = time.Second
	}
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return domain.ExecutionResult{}, ctx.Err()
		case <-time.After(pollEvery):
		}
		cur, err := broker.GetOrderStatus(ctx, orderID)
		if err != nil {
			continue
		}
		if cur.Status == domain.BrokerOrderComplete {
			return domain.ExecutionResult{
				Status: domain.ExecStatusExecuted, LotsFilled: cur.FilledLots,
				AverageFillPrice: cur.AvgFillPrice, PartialFillStrategyUsed: "WaitForFill",
			}, nil
		}
		order = cur
	}
	_ = broker.CancelOrder(ctx, orderID)
	return domain.ExecutionResult{
		Status: domain.ExecStatusPartial, LotsFilled: order.FilledLots,
		LotsCancelled: req.Lots - order.FilledLots, AverageFillPrice: order.AvgFillPrice,
		PartialFillStrategyUsed: "WaitForFill",
	}, nil
}

// Reattempt cancels the remainder and submits a fresh order for the
// unfilled lots at a modestly more aggressive price, clamped to
// MaxSlippagePct per the design notes' suggested bound (Open Question).
type Reattempt struct {
	AggressivePct  float64
	MaxSlippagePct float64
}

func (Reattempt) Name() string { return "Reattempt" }

func (p Reattempt) Resolve(ctx context.Context, broker ports.Broker, orderID string, req domain.OrderRequest, order domain.BrokerOrder) (domain.ExecutionResult, error) {
	_ = broker.CancelOrder(ctx, orderID)
	remaining := req.Lots - order.FilledLots
	if remaining <= 0 {
		return domain.ExecutionResult{Status: domain.ExecStatusExecuted, LotsFilled: order.FilledLots, AverageFillPrice: order.AvgFillPrice}, nil
	}

	pct := p.AggressivePct
	if pct > p.MaxSlippagePct && p.MaxSlippagePct > 0 {
		pct = p.MaxSlippagePct
	}
	newPrice := req.LimitPrice * (1 + pct)
	if req.Side == domain.SideSell {
		newPrice = req.LimitPrice * (1 - pct)
	}

	newReq := domain.OrderRequest{Instrument: req.Instrument, Side: req.Side, Lots: remaining, LimitPrice: newPrice, Type: domain.OrderTypeLimit}
	newOrderID, err := placeWithRetry(ctx, broker, newReq)
	if err != nil {
		return domain.ExecutionResult{
			Status: domain.ExecStatusPartial, LotsFilled: order.FilledLots,
			LotsCancelled: remaining, AverageFillPrice: order.AvgFillPrice, PartialFillStrategyUsed: "Reattempt",
		}, nil
	}

	final, err := broker.GetOrderStatus(ctx, newOrderID)
	if err != nil || final.Status != domain.BrokerOrderComplete {
		return domain.ExecutionResult{
			Status: domain.ExecStatusPartial, LotsFilled: order.FilledLots,
			LotsCancelled: remaining, AverageFillPrice: order.AvgFillPrice, PartialFillStrategyUsed: "Reattempt",
		}, nil
	}

	totalLots := order.FilledLots + final.FilledLots
	weighted := order.AvgFillPrice*float64(order.FilledLots) + final.AvgFillPrice*float64(final.FilledLots)
	avg := 0.0
	if totalLots > 0 {
		avg = weighted / float64(totalLots)
	}
	return domain.ExecutionResult{
		Status: domain.ExecStatusExecuted, LotsFilled: totalLots,
		AverageFillPrice: avg, PartialFillStrategyUsed: "Reattempt",
	}, nil
}

// Executor implements ports.OrderExecutor by delegating to a placement
// strategy.
type Executor struct {
	broker   ports.Broker
	strategy Strategy
}

// Strategy is the placement strategy's capability interface; SimpleLimit
// and Progressive are its tagged variants.
type Strategy interface {
	place(ctx context.Context, broker ports.Broker, req domain.OrderRequest) (domain.ExecutionResult, error)
}

// SimpleLimit submits once and polls up to FillTimeout.
type SimpleLimit struct {
	FillTimeout time.Duration
	PollEvery   time.Duration
	Partial     PartialFillPolicy
}

func (s SimpleLimit) place(ctx context.Context, broker ports.Broker, req domain.OrderRequest) (domain.ExecutionResult, error) {
	orderID, err := placeWithRetry(ctx, broker, req)
	if err != nil {
		return domain.ExecutionResult{Status: domain.ExecStatusRejected, Notes: err.Error()}, nil
	}

	deadline := time.Now().Add(s.FillTimeout)
	pollEvery := s.PollEvery
	if pollEvery <= 0 {
		pollEvery = time.Second
	}
	var last domain.BrokerOrder
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return domain.ExecutionResult{}, ctx.Err()
		case <-time.After(pollEvery):
		}
		cur, err := broker.GetOrderStatus(ctx, orderID)
		if err != nil {
			continue
		}
		last = cur
		if cur.Status == domain.BrokerOrderComplete {
			return domain.ExecutionResult{Status: domain.ExecStatusExecuted, LotsFilled: cur.FilledLots, AverageFillPrice: cur.AvgFillPrice}, nil
		}
	}

	if last.Status == domain.BrokerOrderPartial {
		return s.Partial.Resolve(ctx, broker, orderID, req, last)
	}
	_ = broker.CancelOrder(ctx, orderID)
	return domain.ExecutionResult{Status: domain.ExecStatusTimeout}, nil
}

// Progressive resubmits at a tightened price every TighteningInterval,
// up to MaxAttempts, converting the final attempt to a market order.
type Progressive struct {
	TighteningInterval time.Duration
	TighteningStep     float64
	MaxAttempts        int
	Partial            PartialFillPolicy
}

func (p Progressive) place(ctx context.Context, broker ports.Broker, req domain.OrderRequest) (domain.ExecutionResult, error) {
	price := req.LimitPrice
	var lastOrderID string
	var last domain.BrokerOrder

	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		attemptReq := domain.OrderRequest{Instrument: req.Instrument, Side: req.Side, Lots: req.Lots, LimitPrice: price, Type: domain.OrderTypeLimit}
		if attempt == p.MaxAttempts {
			attemptReq.Type = domain.OrderTypeMarket
		}
		orderID, err := placeWithRetry(ctx, broker, attemptReq)
		if err != nil {
			return domain.ExecutionResult{Status: domain.ExecStatusRejected, Notes: err.Error()}, nil
		}
		lastOrderID = orderID

		select {
		case <-ctx.Done():
			return domain.ExecutionResult{}, ctx.Err()
		case <-time.After(p.TighteningInterval):
		}

		cur, err := broker.GetOrderStatus(ctx, orderID)
		if err == nil {
			last = cur
			if cur.Status == domain.BrokerOrderComplete {
				return domain.ExecutionResult{Status: domain.ExecStatusExecuted, LotsFilled: cur.FilledLots, AverageFillPrice: cur.AvgFillPrice}, nil
			}
		}

		if attempt < p.MaxAttempts {
			_ = broker.CancelOrder(ctx, orderID)
			if req.Side == domain.SideBuy {
				price = price * (1 + p.TighteningStep)
			} else {
				price = price * (1 - p.TighteningStep)
			}
		}
	}

	if last.Status == domain.BrokerOrderPartial {
		return p.Partial.Resolve(ctx, broker, lastOrderID, req, last)
	}
	_ = broker.CancelOrder(ctx, lastOrderID)
	return domain.ExecutionResult{Status: domain.ExecStatusTimeout}, nil
}

func New(broker ports.Broker, s Strategy) *Executor {
	return &Executor{broker: broker, strategy: s}
}

func (e *Executor) Execute(ctx context.Context, signal domain.Signal, side domain.Side, targetLots int, limitPrice float64) (domain.ExecutionResult, error) {
	req := domain.OrderRequest{Instrument: signal.Instrument, Side: side, Lots: targetLots, LimitPrice: limitPrice, Type: domain.OrderTypeLimit}
	return e.strategy.place(ctx, e.broker, req)
}

func placeWithRetry(ctx context.Context, broker ports.Broker, req domain.OrderRequest) (string, error) {
	var lastErr error
	for attempt := 0; attempt < brokerMaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(brokerRetryDelays[attempt]):
			}
		}
		orderID, err := broker.PlaceOrder(ctx, req)
		if err == nil {
			return orderID, nil
		}
		lastErr = err
	}
	return "", fmt.Errorf("executor: place order after %d attempts: %w", brokerMaxRetries, lastErr)
}

var _ ports.OrderExecutor = (*Executor)(nil)
