package broker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"sync"
	"time"

	"catalyst/internal/domain"
)

// Compile-time interface checks.
var (
	_ Broker      = (*SimulatorBroker)(nil)
	_ PriceSource = (*SimulatorBroker)(nil)
)

// FillMode controls how the simulator fills entry and exit orders.
type FillMode int

const (
	// FillImmediate fills the whole quantity at the current price.
	FillImmediate FillMode = iota
	// FillPartial fills PartialFraction of the quantity and leaves the
	// remainder working.
	FillPartial
	// FillNever accepts orders but never fills them.
	FillNever
)

// SimulatorBroker implements the Broker interface for paper trading and
// tests. It tracks cash, positions and orders in memory without making
// external API calls. Protective bracket legs rest until TriggerLeg is
// called, or until a price update crosses them when AutoTrigger is set.
type SimulatorBroker struct {
	mu sync.Mutex

	cash      float64
	status    domain.AccountStatus
	prices    map[string]float64
	positions map[string]*domain.BrokerPosition
	orders    map[string]*domain.Order
	byClient  map[string]string
	seq       int

	fillMode        FillMode
	partialFraction float64
	autoTrigger     bool
	latency         time.Duration

	failures     map[string][]error
	loseResponse int
	calls        map[string]int
}

// NewSimulatorBroker creates a SimulatorBroker holding the given cash.
func NewSimulatorBroker(cash float64) *SimulatorBroker {
	return &SimulatorBroker{
		cash:            cash,
		status:          domain.AccountActive,
		prices:          make(map[string]float64),
		positions:       make(map[string]*domain.BrokerPosition),
		orders:          make(map[string]*domain.Order),
		byClient:        make(map[string]string),
		partialFraction: 0.5,
		failures:        make(map[string][]error),
		calls:           make(map[string]int),
	}
}

// Name returns "simulator".
func (b *SimulatorBroker) Name() string {
	return "simulator"
}

// ---------------------------------------------------------------------------
// Test controls
// ---------------------------------------------------------------------------

// SetPrice sets the current price for ticker.
func (b *SimulatorBroker) SetPrice(ticker string, price float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.prices[ticker] = price
	if b.autoTrigger {
		b.triggerCrossedLocked(ticker, price)
	}
}

// SetStatus overrides the account status.
func (b *SimulatorBroker) SetStatus(status domain.AccountStatus) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.status = status
}

// SetFillMode changes how subsequent orders fill. fraction is used by
// FillPartial and must be in (0,1).
func (b *SimulatorBroker) SetFillMode(mode FillMode, fraction float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fillMode = mode
	if fraction > 0 && fraction < 1 {
		b.partialFraction = fraction
	}
}

// SetAutoTrigger makes price updates fill crossed protective legs.
func (b *SimulatorBroker) SetAutoTrigger(on bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.autoTrigger = on
}

// SetLatency delays every call by d, honouring context cancellation.
func (b *SimulatorBroker) SetLatency(d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.latency = d
}

// FailNext queues errors returned by the next calls to method (for example
// "SubmitBracketOrder"). Each queued error is used once.
func (b *SimulatorBroker) FailNext(method string, errs ...error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures[method] = append(b.failures[method], errs...)
}

// LoseNextSubmitResponse makes the next bracket submission execute at the
// simulated broker but return a transient error, as if the response was lost
// on the wire.
func (b *SimulatorBroker) LoseNextSubmitResponse() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.loseResponse++
}

// Calls returns how many times method has been invoked.
func (b *SimulatorBroker) Calls(method string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[method]
}

// Orders returns a snapshot of every order group, oldest first.
func (b *SimulatorBroker) Orders() []domain.Order {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]domain.Order, 0, len(b.orders))
	for _, o := range b.orders {
		out = append(out, copyOrder(o))
	}
	sort.Slice(out, func(i, j int) bool { return orderSeq(out[i].ID) < orderSeq(out[j].ID) })
	return out
}

// TriggerLeg fills the resting protective leg with the given role on the
// newest open bracket for ticker, at the leg's price, and cancels its OCO
// sibling.
func (b *SimulatorBroker) TriggerLeg(ticker string, role domain.LegRole) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var target *domain.Order
	for _, o := range b.orders {
		if o.Ticker != ticker || len(o.Legs) < 3 {
			continue
		}
		if _, ok := restingLeg(o, role); ok && (target == nil || orderSeq(o.ID) > orderSeq(target.ID)) {
			target = o
		}
	}
	if target == nil {
		return fmt.Errorf("simulator: no resting %s leg for %s", role, ticker)
	}
	b.fillProtectiveLocked(target, role)
	return nil
}

// SeedPosition adds a broker-side position that no order created, for
// reconciliation tests.
func (b *SimulatorBroker) SeedPosition(p domain.BrokerPosition) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cp := p
	b.positions[p.Ticker] = &cp
}

// ---------------------------------------------------------------------------
// Broker
// ---------------------------------------------------------------------------

// GetAccount returns cash plus positions marked at the current price.
func (b *SimulatorBroker) GetAccount(ctx context.Context) (domain.Account, error) {
	if err := b.enter(ctx, "GetAccount"); err != nil {
		return domain.Account{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	equity := b.cash
	for t, p := range b.positions {
		equity += float64(p.Quantity) * b.markLocked(t, p)
	}
	return domain.Account{
		Equity:      equity,
		BuyingPower: b.cash,
		Cash:        b.cash,
		Status:      b.status,
	}, nil
}

// GetPositions returns all simulated positions sorted by ticker.
func (b *SimulatorBroker) GetPositions(ctx context.Context) ([]domain.BrokerPosition, error) {
	if err := b.enter(ctx, "GetPositions"); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	positions := make([]domain.BrokerPosition, 0, len(b.positions))
	for t, p := range b.positions {
		cp := *p
		mark := b.markLocked(t, p)
		cp.MarketValue = float64(cp.Quantity) * mark
		cp.UnrealizedPnL = float64(cp.Quantity) * (mark - cp.AvgEntryPrice)
		positions = append(positions, cp)
	}
	sort.Slice(positions, func(i, j int) bool { return positions[i].Ticker < positions[j].Ticker })
	return positions, nil
}

// SubmitBracketOrder fills the entry according to the fill mode and rests
// the stop-loss and take-profit legs.
func (b *SimulatorBroker) SubmitBracketOrder(ctx context.Context, req domain.BracketRequest) (domain.Order, error) {
	if err := b.enter(ctx, "SubmitBracketOrder"); err != nil {
		return domain.Order{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.checkNewOrderLocked(req.ClientOrderID, req.Ticker, req.Quantity); err != nil {
		return domain.Order{}, err
	}
	if req.StopLossPrice <= 0 || req.TakeProfitPrice <= 0 {
		return domain.Order{}, Rejected("submit bracket", errors.New("bracket legs require stop and target prices"))
	}
	price, ok := b.prices[req.Ticker]
	if !ok || price <= 0 {
		return domain.Order{}, Rejected("submit bracket", fmt.Errorf("no market for %s", req.Ticker))
	}

	o := &domain.Order{
		ID:            b.nextIDLocked(),
		ClientOrderID: req.ClientOrderID,
		Ticker:        req.Ticker,
		Legs: []domain.OrderLeg{
			{Role: domain.LegEntry, Side: req.Side, Quantity: req.Quantity, Price: req.EntryPrice, Status: domain.OrderStatusNew},
			{Role: domain.LegStopLoss, Side: opposite(req.Side), Quantity: req.Quantity, Price: req.StopLossPrice, Status: domain.OrderStatusNew},
			{Role: domain.LegTakeProfit, Side: opposite(req.Side), Quantity: req.Quantity, Price: req.TakeProfitPrice, Status: domain.OrderStatusNew},
		},
	}
	for i := range o.Legs {
		o.Legs[i].ID = o.ID + "-" + strconv.Itoa(i)
	}
	b.fillLocked(o, &o.Legs[0], price)
	b.orders[o.ID] = o
	b.byClient[req.ClientOrderID] = o.ID

	if b.loseResponse > 0 {
		b.loseResponse--
		return domain.Order{}, Transient("submit bracket", errors.New("connection reset by peer"))
	}
	return copyOrder(o), nil
}

// SubmitOrder places a single market order, used for exits.
func (b *SimulatorBroker) SubmitOrder(ctx context.Context, req domain.OrderRequest) (domain.Order, error) {
	if err := b.enter(ctx, "SubmitOrder"); err != nil {
		return domain.Order{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.checkNewOrderLocked(req.ClientOrderID, req.Ticker, req.Quantity); err != nil {
		return domain.Order{}, err
	}
	price, ok := b.prices[req.Ticker]
	if !ok || price <= 0 {
		return domain.Order{}, Rejected("submit order", fmt.Errorf("no market for %s", req.Ticker))
	}
	if req.Side == domain.SideSell {
		held := int64(0)
		if p, ok := b.positions[req.Ticker]; ok {
			held = p.Quantity
		}
		if held < req.Quantity {
			return domain.Order{}, Rejected("submit order",
				fmt.Errorf("insufficient qty available for order (requested: %d, available: %d)", req.Quantity, held))
		}
	}

	o := &domain.Order{
		ID:            b.nextIDLocked(),
		ClientOrderID: req.ClientOrderID,
		Ticker:        req.Ticker,
		Legs: []domain.OrderLeg{
			{Role: domain.LegExit, Side: req.Side, Quantity: req.Quantity, Status: domain.OrderStatusNew},
		},
	}
	o.Legs[0].ID = o.ID + "-0"
	b.fillLocked(o, &o.Legs[0], price)
	b.orders[o.ID] = o
	if req.ClientOrderID != "" {
		b.byClient[req.ClientOrderID] = o.ID
	}
	return copyOrder(o), nil
}

// GetOrder returns the order group with the given id.
func (b *SimulatorBroker) GetOrder(ctx context.Context, orderID string) (domain.Order, error) {
	if err := b.enter(ctx, "GetOrder"); err != nil {
		return domain.Order{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	o, ok := b.orders[orderID]
	if !ok {
		return domain.Order{}, fmt.Errorf("get order %s: %w", orderID, ErrOrderNotFound)
	}
	return copyOrder(o), nil
}

// GetOrderByClientID returns the order group with the given client id.
func (b *SimulatorBroker) GetOrderByClientID(ctx context.Context, clientOrderID string) (domain.Order, error) {
	if err := b.enter(ctx, "GetOrderByClientID"); err != nil {
		return domain.Order{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	id, ok := b.byClient[clientOrderID]
	if !ok {
		return domain.Order{}, fmt.Errorf("get order by client id %s: %w", clientOrderID, ErrOrderNotFound)
	}
	return copyOrder(b.orders[id]), nil
}

// CancelOrder cancels every working leg of the order group. orderID may be
// a group id or a leg id; cancelling a leg cancels only that leg.
func (b *SimulatorBroker) CancelOrder(ctx context.Context, orderID string) error {
	if err := b.enter(ctx, "CancelOrder"); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if o, ok := b.orders[orderID]; ok {
		cancelled := false
		for i := range o.Legs {
			if !o.Legs[i].Status.Final() {
				o.Legs[i].Status = domain.OrderStatusCanceled
				cancelled = true
			}
		}
		if !cancelled {
			return Rejected("cancel order", fmt.Errorf("order %s is not cancelable", orderID))
		}
		return nil
	}
	for _, o := range b.orders {
		for i := range o.Legs {
			if o.Legs[i].ID != orderID {
				continue
			}
			if o.Legs[i].Status.Final() {
				return Rejected("cancel order", fmt.Errorf("order %s is not cancelable", orderID))
			}
			o.Legs[i].Status = domain.OrderStatusCanceled
			return nil
		}
	}
	return fmt.Errorf("cancel order %s: %w", orderID, ErrOrderNotFound)
}

// LatestPrice returns the price set with SetPrice.
func (b *SimulatorBroker) LatestPrice(ctx context.Context, ticker string) (float64, error) {
	if err := b.enter(ctx, "LatestPrice"); err != nil {
		return 0, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	p, ok := b.prices[ticker]
	if !ok || p <= 0 {
		return 0, Rejected("latest price", fmt.Errorf("no price for %s", ticker))
	}
	return p, nil
}

// ---------------------------------------------------------------------------
// internals
// ---------------------------------------------------------------------------

// enter records the call, applies latency and pops an injected failure.
func (b *SimulatorBroker) enter(ctx context.Context, method string) error {
	b.mu.Lock()
	b.calls[method]++
	latency := b.latency
	var injected error
	if q := b.failures[method]; len(q) > 0 {
		injected = q[0]
		b.failures[method] = q[1:]
	}
	b.mu.Unlock()

	if latency > 0 {
		timer := time.NewTimer(latency)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return Transient(method, ctx.Err())
		case <-timer.C:
		}
	}
	return injected
}

func (b *SimulatorBroker) checkNewOrderLocked(clientOrderID, ticker string, qty int64) error {
	if b.status != domain.AccountActive {
		return Rejected("submit", fmt.Errorf("account is %s", b.status))
	}
	if qty <= 0 {
		return Rejected("submit", fmt.Errorf("qty must be > 0 for %s", ticker))
	}
	if clientOrderID != "" {
		if _, dup := b.byClient[clientOrderID]; dup {
			return Rejected("submit", errors.New("client_order_id must be unique"))
		}
	}
	return nil
}

func (b *SimulatorBroker) fillLocked(o *domain.Order, leg *domain.OrderLeg, price float64) {
	var qty int64
	switch b.fillMode {
	case FillNever:
		return
	case FillPartial:
		qty = int64(math.Floor(float64(leg.Quantity) * b.partialFraction))
		if qty <= 0 {
			return
		}
		leg.Status = domain.OrderStatusPartiallyFilled
	default:
		qty = leg.Quantity
		leg.Status = domain.OrderStatusFilled
	}
	leg.FilledQty = qty
	leg.FilledAvgPrice = price
	b.applyFillLocked(o.Ticker, leg.Side, qty, price)
}

func (b *SimulatorBroker) applyFillLocked(ticker string, side domain.Side, qty int64, price float64) {
	p, ok := b.positions[ticker]
	if !ok {
		p = &domain.BrokerPosition{Ticker: ticker}
		b.positions[ticker] = p
	}
	if side == domain.SideBuy {
		cost := p.AvgEntryPrice * float64(p.Quantity)
		p.Quantity += qty
		p.AvgEntryPrice = (cost + price*float64(qty)) / float64(p.Quantity)
		b.cash -= price * float64(qty)
	} else {
		p.Quantity -= qty
		b.cash += price * float64(qty)
	}
	if p.Quantity == 0 {
		delete(b.positions, ticker)
	}
}

func (b *SimulatorBroker) triggerCrossedLocked(ticker string, price float64) {
	for _, o := range b.orders {
		if o.Ticker != ticker || len(o.Legs) < 3 {
			continue
		}
		if leg, ok := restingLeg(o, domain.LegStopLoss); ok && price <= leg.Price {
			b.fillProtectiveLocked(o, domain.LegStopLoss)
		} else if leg, ok := restingLeg(o, domain.LegTakeProfit); ok && price >= leg.Price {
			b.fillProtectiveLocked(o, domain.LegTakeProfit)
		}
	}
}

func (b *SimulatorBroker) fillProtectiveLocked(o *domain.Order, role domain.LegRole) {
	entry := o.Legs[0]
	for i := range o.Legs {
		leg := &o.Legs[i]
		if leg.Role == domain.LegEntry || leg.Status.Final() {
			continue
		}
		if leg.Role == role {
			leg.Status = domain.OrderStatusFilled
			leg.FilledQty = entry.FilledQty
			leg.FilledAvgPrice = leg.Price
			b.applyFillLocked(o.Ticker, leg.Side, entry.FilledQty, leg.Price)
		} else {
			leg.Status = domain.OrderStatusCanceled
		}
	}
}

func restingLeg(o *domain.Order, role domain.LegRole) (domain.OrderLeg, bool) {
	if o.Legs[0].FilledQty == 0 {
		return domain.OrderLeg{}, false
	}
	leg, ok := o.Leg(role)
	if !ok || leg.Status.Final() {
		return domain.OrderLeg{}, false
	}
	return leg, true
}

func (b *SimulatorBroker) markLocked(ticker string, p *domain.BrokerPosition) float64 {
	if px, ok := b.prices[ticker]; ok && px > 0 {
		return px
	}
	return p.AvgEntryPrice
}

func (b *SimulatorBroker) nextIDLocked() string {
	b.seq++
	return "sim-" + strconv.Itoa(b.seq)
}

func orderSeq(id string) int {
	n, _ := strconv.Atoi(id[len("sim-"):])
	return n
}

func opposite(s domain.Side) domain.Side {
	if s == domain.SideBuy {
		return domain.SideSell
	}
	return domain.SideBuy
}

func copyOrder(o *domain.Order) domain.Order {
	cp := *o
	cp.Legs = append([]domain.OrderLeg(nil), o.Legs...)
	return cp
}
