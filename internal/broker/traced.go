package broker

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"catalyst/internal/domain"
	"catalyst/internal/trace"
)

// Compile-time interface checks.
var (
	_ Broker      = (*Traced)(nil)
	_ PriceSource = (*Traced)(nil)
)

// Traced wraps a Broker with spans and structured logs around every call.
type Traced struct {
	inner  Broker
	prices PriceSource
	log    *zap.Logger
}

// NewTraced wraps inner. If inner is also a PriceSource, price lookups are
// traced too.
func NewTraced(inner Broker, logger *zap.Logger) *Traced {
	prices, _ := inner.(PriceSource)
	return &Traced{
		inner:  inner,
		prices: prices,
		log:    logger.With(zap.String("broker", inner.Name())),
	}
}

// Name returns the wrapped broker's name.
func (t *Traced) Name() string {
	return t.inner.Name()
}

// GetAccount returns the account snapshot with observability.
func (t *Traced) GetAccount(ctx context.Context) (domain.Account, error) {
	ctx, span := trace.StartSpan(ctx, "broker.GetAccount")
	defer span.End()

	acct, err := t.inner.GetAccount(ctx)
	if err != nil {
		t.fail(span, "get account failed", err)
		return acct, err
	}
	t.log.Debug("account fetched",
		zap.Float64("equity", acct.Equity),
		zap.Float64("buying_power", acct.BuyingPower),
		zap.String("status", string(acct.Status)))
	return acct, nil
}

// GetPositions returns broker positions with observability.
func (t *Traced) GetPositions(ctx context.Context) ([]domain.BrokerPosition, error) {
	ctx, span := trace.StartSpan(ctx, "broker.GetPositions")
	defer span.End()

	positions, err := t.inner.GetPositions(ctx)
	if err != nil {
		t.fail(span, "get positions failed", err)
		return nil, err
	}
	span.SetAttributes(attribute.Int("positions", len(positions)))
	t.log.Debug("positions fetched", zap.Int("count", len(positions)))
	return positions, nil
}

// SubmitBracketOrder places a bracket order with observability.
func (t *Traced) SubmitBracketOrder(ctx context.Context, req domain.BracketRequest) (domain.Order, error) {
	ctx, span := trace.StartSpan(ctx, "broker.SubmitBracketOrder")
	defer span.End()
	span.SetAttributes(
		attribute.String("ticker", req.Ticker),
		attribute.String("client_order_id", req.ClientOrderID),
		attribute.Int64("qty", req.Quantity),
	)

	t.log.Info("submitting bracket order",
		zap.String("ticker", req.Ticker),
		zap.String("client_order_id", req.ClientOrderID),
		zap.Int64("qty", req.Quantity),
		zap.Float64("stop", req.StopLossPrice),
		zap.Float64("target", req.TakeProfitPrice))

	order, err := t.inner.SubmitBracketOrder(ctx, req)
	if err != nil {
		t.fail(span, "bracket order failed", err,
			zap.String("ticker", req.Ticker),
			zap.String("client_order_id", req.ClientOrderID))
		return order, err
	}
	t.log.Info("bracket order accepted",
		zap.String("ticker", req.Ticker),
		zap.String("order_id", order.ID),
		zap.String("status", string(order.Entry().Status)))
	return order, nil
}

// SubmitOrder places a single-leg order with observability.
func (t *Traced) SubmitOrder(ctx context.Context, req domain.OrderRequest) (domain.Order, error) {
	ctx, span := trace.StartSpan(ctx, "broker.SubmitOrder")
	defer span.End()
	span.SetAttributes(
		attribute.String("ticker", req.Ticker),
		attribute.String("side", string(req.Side)),
		attribute.Int64("qty", req.Quantity),
	)

	t.log.Info("submitting order",
		zap.String("ticker", req.Ticker),
		zap.String("side", string(req.Side)),
		zap.Int64("qty", req.Quantity))

	order, err := t.inner.SubmitOrder(ctx, req)
	if err != nil {
		t.fail(span, "order failed", err, zap.String("ticker", req.Ticker))
		return order, err
	}
	t.log.Info("order accepted",
		zap.String("ticker", req.Ticker),
		zap.String("order_id", order.ID))
	return order, nil
}

// GetOrder fetches an order with observability.
func (t *Traced) GetOrder(ctx context.Context, orderID string) (domain.Order, error) {
	ctx, span := trace.StartSpan(ctx, "broker.GetOrder")
	defer span.End()
	span.SetAttributes(attribute.String("order_id", orderID))

	order, err := t.inner.GetOrder(ctx, orderID)
	if err != nil {
		t.fail(span, "get order failed", err, zap.String("order_id", orderID))
	}
	return order, err
}

// GetOrderByClientID fetches an order by client id with observability. A
// missing order is an expected answer and is not logged as an error.
func (t *Traced) GetOrderByClientID(ctx context.Context, clientOrderID string) (domain.Order, error) {
	ctx, span := trace.StartSpan(ctx, "broker.GetOrderByClientID")
	defer span.End()
	span.SetAttributes(attribute.String("client_order_id", clientOrderID))

	order, err := t.inner.GetOrderByClientID(ctx, clientOrderID)
	if err != nil && !errors.Is(err, ErrOrderNotFound) {
		t.fail(span, "get order by client id failed", err, zap.String("client_order_id", clientOrderID))
	}
	return order, err
}

// CancelOrder cancels an order with observability.
func (t *Traced) CancelOrder(ctx context.Context, orderID string) error {
	ctx, span := trace.StartSpan(ctx, "broker.CancelOrder")
	defer span.End()
	span.SetAttributes(attribute.String("order_id", orderID))

	if err := t.inner.CancelOrder(ctx, orderID); err != nil {
		t.fail(span, "cancel order failed", err, zap.String("order_id", orderID))
		return err
	}
	t.log.Info("order cancelled", zap.String("order_id", orderID))
	return nil
}

// LatestPrice returns the latest price with observability.
func (t *Traced) LatestPrice(ctx context.Context, ticker string) (float64, error) {
	if t.prices == nil {
		return 0, Rejected("latest price", errors.New("no price source configured"))
	}
	ctx, span := trace.StartSpan(ctx, "broker.LatestPrice")
	defer span.End()
	span.SetAttributes(attribute.String("ticker", ticker))

	price, err := t.prices.LatestPrice(ctx, ticker)
	if err != nil {
		t.fail(span, "latest price failed", err, zap.String("ticker", ticker))
		return 0, err
	}
	t.log.Debug("latest price", zap.String("ticker", ticker), zap.Float64("price", price))
	return price, nil
}

func (t *Traced) fail(span oteltrace.Span, msg string, err error, fields ...zap.Field) {
	trace.RecordError(span, err)
	fields = append(fields, zap.String("kind", string(domain.KindOf(err))), zap.Error(err))
	t.log.Error(msg, fields...)
}
