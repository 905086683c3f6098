package broker

import (
	"context"
	"errors"
	"time"

	"catalyst/internal/domain"
	"catalyst/internal/loop"
)

// Compile-time interface checks.
var (
	_ Broker      = (*Bridged)(nil)
	_ PriceSource = (*Bridged)(nil)
)

// Bridged runs every call of the wrapped broker on a Loop, bounding each
// call by timeout. Loop failures are mapped onto the broker error taxonomy:
// a call that never started is transient; a mutating call whose result was
// not observed is UnknownOutcome and must be re-queried by the caller.
type Bridged struct {
	inner   Broker
	prices  PriceSource
	loop    *loop.Loop
	timeout time.Duration
}

// NewBridged wraps inner. prices may be nil if inner is not a PriceSource.
func NewBridged(inner Broker, prices PriceSource, l *loop.Loop, timeout time.Duration) *Bridged {
	if prices == nil {
		prices, _ = inner.(PriceSource)
	}
	return &Bridged{inner: inner, prices: prices, loop: l, timeout: timeout}
}

// Name returns the wrapped broker's name.
func (b *Bridged) Name() string {
	return b.inner.Name()
}

// GetAccount runs GetAccount on the loop.
func (b *Bridged) GetAccount(ctx context.Context) (domain.Account, error) {
	v, err := loop.Call(ctx, b.loop, b.timeout, b.inner.GetAccount)
	return v, mapLoopErr("get account", err, false)
}

// GetPositions runs GetPositions on the loop.
func (b *Bridged) GetPositions(ctx context.Context) ([]domain.BrokerPosition, error) {
	v, err := loop.Call(ctx, b.loop, b.timeout, b.inner.GetPositions)
	return v, mapLoopErr("get positions", err, false)
}

// SubmitBracketOrder runs SubmitBracketOrder on the loop.
func (b *Bridged) SubmitBracketOrder(ctx context.Context, req domain.BracketRequest) (domain.Order, error) {
	v, err := loop.Call(ctx, b.loop, b.timeout, func(ctx context.Context) (domain.Order, error) {
		return b.inner.SubmitBracketOrder(ctx, req)
	})
	return v, mapLoopErr("submit bracket", err, true)
}

// SubmitOrder runs SubmitOrder on the loop.
func (b *Bridged) SubmitOrder(ctx context.Context, req domain.OrderRequest) (domain.Order, error) {
	v, err := loop.Call(ctx, b.loop, b.timeout, func(ctx context.Context) (domain.Order, error) {
		return b.inner.SubmitOrder(ctx, req)
	})
	return v, mapLoopErr("submit order", err, true)
}

// GetOrder runs GetOrder on the loop.
func (b *Bridged) GetOrder(ctx context.Context, orderID string) (domain.Order, error) {
	v, err := loop.Call(ctx, b.loop, b.timeout, func(ctx context.Context) (domain.Order, error) {
		return b.inner.GetOrder(ctx, orderID)
	})
	return v, mapLoopErr("get order", err, false)
}

// GetOrderByClientID runs GetOrderByClientID on the loop.
func (b *Bridged) GetOrderByClientID(ctx context.Context, clientOrderID string) (domain.Order, error) {
	v, err := loop.Call(ctx, b.loop, b.timeout, func(ctx context.Context) (domain.Order, error) {
		return b.inner.GetOrderByClientID(ctx, clientOrderID)
	})
	return v, mapLoopErr("get order by client id", err, false)
}

// CancelOrder runs CancelOrder on the loop.
func (b *Bridged) CancelOrder(ctx context.Context, orderID string) error {
	_, err := loop.Call(ctx, b.loop, b.timeout, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, b.inner.CancelOrder(ctx, orderID)
	})
	return mapLoopErr("cancel order", err, true)
}

// LatestPrice runs the price lookup on the loop.
func (b *Bridged) LatestPrice(ctx context.Context, ticker string) (float64, error) {
	if b.prices == nil {
		return 0, Rejected("latest price", errors.New("no price source configured"))
	}
	v, err := loop.Call(ctx, b.loop, b.timeout, func(ctx context.Context) (float64, error) {
		return b.prices.LatestPrice(ctx, ticker)
	})
	return v, mapLoopErr("latest price", err, false)
}

// mapLoopErr translates loop-level failures. Errors produced by the broker
// itself pass through untouched.
func mapLoopErr(op string, err error, mutating bool) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, loop.ErrNotRunning),
		errors.Is(err, loop.ErrQueueFull),
		errors.Is(err, loop.ErrStopped):
		return Transient(op, err)
	case errors.Is(err, loop.ErrReentrant):
		return domain.Wrap(domain.KindBrokerFailed, op, err)
	case errors.Is(err, loop.ErrTimeout),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		if domain.KindOf(err) != "" {
			// The broker call itself observed cancellation and reported it.
			return err
		}
		if mutating {
			return domain.Wrap(domain.KindUnknownOutcome, op, err)
		}
		return Transient(op, err)
	}
	return err
}
