package broker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/shopspring/decimal"

	"catalyst/internal/domain"
	"catalyst/internal/util"
)

// Compile-time interface checks.
var (
	_ Broker      = (*AlpacaBroker)(nil)
	_ PriceSource = (*AlpacaBroker)(nil)
)

// AlpacaBroker implements the Broker interface using the Alpaca brokerage API.
// The SDK calls are synchronous and do not take a context; run them through
// Bridged to bound how long a caller waits.
type AlpacaBroker struct {
	client  *alpaca.Client
	data    *marketdata.Client
	limiter *util.RateLimiter
}

// AlpacaOptions configures NewAlpacaBroker.
type AlpacaOptions struct {
	APIKey          string
	APISecret       string
	BaseURL         string
	DataURL         string
	RateLimitPerMin int
}

// NewAlpacaBroker creates a new AlpacaBroker configured with the given
// credentials and API endpoints.
func NewAlpacaBroker(opts AlpacaOptions) *AlpacaBroker {
	dataOpts := marketdata.ClientOpts{
		APIKey:    opts.APIKey,
		APISecret: opts.APISecret,
	}
	if opts.DataURL != "" {
		dataOpts.BaseURL = opts.DataURL
	}

	return &AlpacaBroker{
		client: alpaca.NewClient(alpaca.ClientOpts{
			APIKey:    opts.APIKey,
			APISecret: opts.APISecret,
			BaseURL:   opts.BaseURL,
		}),
		data:    marketdata.NewClient(dataOpts),
		limiter: util.NewRateLimiter(opts.RateLimitPerMin),
	}
}

// Name returns "alpaca".
func (b *AlpacaBroker) Name() string {
	return "alpaca"
}

// GetAccount returns the current account information from the Alpaca API.
func (b *AlpacaBroker) GetAccount(ctx context.Context) (domain.Account, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return domain.Account{}, Transient("get account", err)
	}
	acct, err := b.client.GetAccount()
	if err != nil {
		return domain.Account{}, classify("get account", err)
	}
	return toAccount(acct), nil
}

// GetPositions returns all current positions from the Alpaca account.
func (b *AlpacaBroker) GetPositions(ctx context.Context) ([]domain.BrokerPosition, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return nil, Transient("get positions", err)
	}
	positions, err := b.client.GetPositions()
	if err != nil {
		return nil, classify("get positions", err)
	}

	out := make([]domain.BrokerPosition, 0, len(positions))
	for _, p := range positions {
		out = append(out, domain.BrokerPosition{
			Ticker:        p.Symbol,
			Quantity:      p.Qty.IntPart(),
			AvgEntryPrice: p.AvgEntryPrice.InexactFloat64(),
			MarketValue:   decimalPtr(p.MarketValue),
			UnrealizedPnL: decimalPtr(p.UnrealizedPL),
		})
	}
	return out, nil
}

// SubmitBracketOrder sends a bracket order (entry plus OCO stop/target legs)
// to the Alpaca API.
func (b *AlpacaBroker) SubmitBracketOrder(ctx context.Context, req domain.BracketRequest) (domain.Order, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return domain.Order{}, Transient("submit bracket", err)
	}

	qty := decimal.NewFromInt(req.Quantity)
	stop := decimal.NewFromFloat(req.StopLossPrice)
	target := decimal.NewFromFloat(req.TakeProfitPrice)

	place := alpaca.PlaceOrderRequest{
		Symbol:        req.Ticker,
		Qty:           &qty,
		Side:          alpaca.Side(req.Side),
		Type:          alpaca.Market,
		TimeInForce:   alpaca.GTC,
		ClientOrderID: req.ClientOrderID,
		OrderClass:    alpaca.Bracket,
		TakeProfit:    &alpaca.TakeProfit{LimitPrice: &target},
		StopLoss:      &alpaca.StopLoss{StopPrice: &stop},
	}
	if req.EntryPrice > 0 {
		limit := decimal.NewFromFloat(req.EntryPrice)
		place.Type = alpaca.Limit
		place.LimitPrice = &limit
	}

	order, err := b.client.PlaceOrder(place)
	if err != nil {
		return domain.Order{}, classify("submit bracket", err)
	}
	return toOrder(order), nil
}

// SubmitOrder sends a single-leg market order to the Alpaca API.
func (b *AlpacaBroker) SubmitOrder(ctx context.Context, req domain.OrderRequest) (domain.Order, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return domain.Order{}, Transient("submit order", err)
	}

	qty := decimal.NewFromInt(req.Quantity)
	order, err := b.client.PlaceOrder(alpaca.PlaceOrderRequest{
		Symbol:        req.Ticker,
		Qty:           &qty,
		Side:          alpaca.Side(req.Side),
		Type:          alpaca.Market,
		TimeInForce:   alpaca.Day,
		ClientOrderID: req.ClientOrderID,
	})
	if err != nil {
		return domain.Order{}, classify("submit order", err)
	}
	o := toOrder(order)
	if len(o.Legs) > 0 {
		o.Legs[0].Role = domain.LegExit
	}
	return o, nil
}

// GetOrder fetches an order (with its legs) by broker id.
func (b *AlpacaBroker) GetOrder(ctx context.Context, orderID string) (domain.Order, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return domain.Order{}, Transient("get order", err)
	}
	order, err := b.client.GetOrder(orderID)
	if err != nil {
		return domain.Order{}, classify("get order", err)
	}
	return toOrder(order), nil
}

// GetOrderByClientID fetches an order by the caller-assigned client id.
func (b *AlpacaBroker) GetOrderByClientID(ctx context.Context, clientOrderID string) (domain.Order, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return domain.Order{}, Transient("get order by client id", err)
	}
	order, err := b.client.GetOrderByClientOrderID(clientOrderID)
	if err != nil {
		return domain.Order{}, classify("get order by client id", err)
	}
	return toOrder(order), nil
}

// CancelOrder requests cancellation of an open order via the Alpaca API.
func (b *AlpacaBroker) CancelOrder(ctx context.Context, orderID string) error {
	if err := b.limiter.Wait(ctx); err != nil {
		return Transient("cancel order", err)
	}
	if err := b.client.CancelOrder(orderID); err != nil {
		return classify("cancel order", err)
	}
	return nil
}

// LatestPrice returns the last trade price from the Alpaca data API.
func (b *AlpacaBroker) LatestPrice(ctx context.Context, ticker string) (float64, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return 0, Transient("latest trade", err)
	}
	trade, err := b.data.GetLatestTrade(ticker, marketdata.GetLatestTradeRequest{})
	if err != nil {
		return 0, classify("latest trade", err)
	}
	if trade == nil || trade.Price <= 0 {
		return 0, Rejected("latest trade", fmt.Errorf("no trade for %s", ticker))
	}
	return trade.Price, nil
}

// ---------------------------------------------------------------------------
// Conversions
// ---------------------------------------------------------------------------

func toAccount(a *alpaca.Account) domain.Account {
	status := domain.AccountUnknown
	switch {
	case a.TradingBlocked || a.AccountBlocked:
		status = domain.AccountBlocked
	case strings.EqualFold(a.Status, "ACTIVE"):
		status = domain.AccountActive
	case a.Status != "":
		status = domain.AccountRestricted
	}
	return domain.Account{
		Equity:      a.Equity.InexactFloat64(),
		BuyingPower: a.BuyingPower.InexactFloat64(),
		Cash:        a.Cash.InexactFloat64(),
		Status:      status,
	}
}

func toOrder(o *alpaca.Order) domain.Order {
	out := domain.Order{
		ID:            o.ID,
		ClientOrderID: o.ClientOrderID,
		Ticker:        o.Symbol,
		Legs:          make([]domain.OrderLeg, 0, 1+len(o.Legs)),
	}
	out.Legs = append(out.Legs, toLeg(o, domain.LegEntry))
	for i := range o.Legs {
		child := &o.Legs[i]
		role := domain.LegStopLoss
		if child.Type == alpaca.Limit {
			role = domain.LegTakeProfit
		}
		out.Legs = append(out.Legs, toLeg(child, role))
	}
	return out
}

func toLeg(o *alpaca.Order, role domain.LegRole) domain.OrderLeg {
	leg := domain.OrderLeg{
		ID:             o.ID,
		Role:           role,
		Side:           domain.Side(o.Side),
		FilledQty:      o.FilledQty.IntPart(),
		FilledAvgPrice: decimalPtr(o.FilledAvgPrice),
		Status:         toStatus(o.Status),
	}
	if o.Qty != nil {
		leg.Quantity = o.Qty.IntPart()
	}
	switch {
	case o.StopPrice != nil:
		leg.Price = o.StopPrice.InexactFloat64()
	case o.LimitPrice != nil:
		leg.Price = o.LimitPrice.InexactFloat64()
	}
	return leg
}

func toStatus(s string) domain.OrderStatus {
	switch s {
	case "filled":
		return domain.OrderStatusFilled
	case "partially_filled":
		return domain.OrderStatusPartiallyFilled
	case "canceled", "expired", "replaced", "done_for_day":
		return domain.OrderStatusCanceled
	case "rejected", "suspended":
		return domain.OrderStatusRejected
	default:
		// new, accepted, pending_new, held, calculated, pending_cancel, ...
		return domain.OrderStatusNew
	}
}

func decimalPtr(d *decimal.Decimal) float64 {
	if d == nil {
		return 0
	}
	return d.InexactFloat64()
}

// classify maps an SDK error onto the broker error taxonomy: throttling and
// server errors are transient, a missing order is ErrOrderNotFound, other
// API errors are rejections, and anything else (network) is transient.
func classify(op string, err error) error {
	var apiErr *alpaca.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == http.StatusNotFound:
			return fmt.Errorf("%s: %w", op, ErrOrderNotFound)
		case apiErr.StatusCode == http.StatusTooManyRequests,
			apiErr.StatusCode >= http.StatusInternalServerError:
			return Transient(op, err)
		default:
			return Rejected(op, err)
		}
	}
	return Transient(op, err)
}
