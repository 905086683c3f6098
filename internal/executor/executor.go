// Package executor turns trading signals into broker orders and confirms
// their fills. Entries are bracket orders whose client order id is the
// managed position id, so a retried or re-queried submission can always be
// matched to the order it produced.
package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"catalyst/internal/broker"
	"catalyst/internal/domain"
	"catalyst/internal/util"
)

// Config tunes retries and fill confirmation.
type Config struct {
	FillTimeout    time.Duration
	FillPoll       time.Duration
	MaxRetries     int
	RetryBaseDelay time.Duration
}

// Executor submits entries and exits through a Broker.
type Executor struct {
	broker broker.Broker
	cfg    Config
	log    *zap.Logger
}

// New creates an Executor. b is normally a Bridged broker so that every call
// runs on the broker loop.
func New(b broker.Broker, cfg Config, log *zap.Logger) *Executor {
	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = 1
	}
	if cfg.FillPoll <= 0 {
		cfg.FillPoll = time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Executor{broker: b, cfg: cfg, log: log.With(zap.String("component", "executor"))}
}

// Submit places a bracket order for sig using clientOrderID and waits for
// the entry to fill. It never panics; every failure is reported in the
// result's Err.
func (e *Executor) Submit(ctx context.Context, sig domain.TradingSignal, clientOrderID string) domain.ExecutionResult {
	req := domain.BracketRequest{
		ClientOrderID:   clientOrderID,
		Ticker:          sig.Ticker,
		Side:            domain.SideBuy,
		Quantity:        sig.SuggestedQuantity,
		StopLossPrice:   sig.StopLossPrice,
		TakeProfitPrice: sig.TakeProfitPrice,
	}
	log := e.log.With(zap.String("ticker", sig.Ticker), zap.String("client_order_id", clientOrderID))

	o, err := e.submitOnce(ctx, clientOrderID, log, func(ctx context.Context) (domain.Order, error) {
		return e.broker.SubmitBracketOrder(ctx, req)
	})
	if err != nil {
		log.Warn("entry submission failed", zap.Error(err))
		return failure(clientOrderID, domain.Order{}, err)
	}

	log.Info("entry submitted", zap.String("order_id", o.ID), zap.Int64("qty", req.Quantity))
	return e.confirm(ctx, o, clientOrderID, log)
}

// Resolve determines the outcome of an entry whose submission result was
// never observed by querying the broker for clientOrderID. The result is
// still Unknown when the broker cannot be reached.
func (e *Executor) Resolve(ctx context.Context, clientOrderID string) domain.ExecutionResult {
	log := e.log.With(zap.String("client_order_id", clientOrderID))

	o, err := e.broker.GetOrderByClientID(ctx, clientOrderID)
	switch {
	case errors.Is(err, broker.ErrOrderNotFound):
		log.Info("unresolved entry never reached the broker")
		return failure(clientOrderID, domain.Order{},
			domain.Errorf(domain.KindBrokerFailed, "no order with client id %s", clientOrderID))
	case err != nil:
		log.Warn("resolving entry", zap.Error(err))
		return failure(clientOrderID, domain.Order{},
			domain.Wrap(domain.KindUnknownOutcome, "resolve "+clientOrderID, err))
	}
	return e.confirm(ctx, o, clientOrderID, log)
}

// Exit flattens pos. If a protective leg already filled at the broker, that
// fill is returned with reason BROKER_EXIT. Otherwise the exit order named
// by pos.ExitClientOrderID is looked up first and, only if the broker has
// never seen it, working legs are cancelled and a market order for the held
// quantity is submitted under that id. Repeating Exit for the same claim
// therefore never sells twice. The result may cover fewer shares than held.
func (e *Executor) Exit(ctx context.Context, pos domain.ManagedPosition, reason domain.ExitReason) domain.ExecutionResult {
	log := e.log.With(zap.String("ticker", pos.Ticker), zap.String("position_id", pos.ID), zap.String("reason", string(reason)))

	clientOrderID := pos.ExitClientOrderID
	if clientOrderID == "" {
		clientOrderID = domain.ExitClientOrderID(pos.ID, 0)
	}
	log = log.With(zap.String("client_order_id", clientOrderID))

	if res, done := e.protectiveFill(ctx, pos); done {
		log.Info("protective leg already filled at broker", zap.Float64("price", res.FilledPrice))
		return res
	}

	o, err := e.broker.GetOrderByClientID(ctx, clientOrderID)
	switch {
	case err == nil:
		log.Info("resuming exit order", zap.String("order_id", o.ID))
		return e.exitResult(e.confirm(ctx, o, clientOrderID, log), reason)
	case !errors.Is(err, broker.ErrOrderNotFound):
		log.Warn("looking up exit order", zap.Error(err))
		return failure(clientOrderID, domain.Order{},
			domain.Wrap(domain.KindUnknownOutcome, "look up exit "+clientOrderID, err))
	}

	if len(pos.BrokerOrderIDs) > 0 {
		if err := e.cancelWorking(ctx, pos.BrokerOrderIDs[0], log); err != nil {
			return failure(clientOrderID, domain.Order{}, err)
		}
		// A leg may have filled while we were cancelling.
		if res, done := e.protectiveFill(ctx, pos); done {
			log.Info("protective leg filled during exit", zap.Float64("price", res.FilledPrice))
			return res
		}
	}

	req := domain.OrderRequest{
		ClientOrderID: clientOrderID,
		Ticker:        pos.Ticker,
		Side:          opposite(pos.Side),
		Quantity:      pos.Quantity,
	}
	o, err = e.submitOnce(ctx, clientOrderID, log, func(ctx context.Context) (domain.Order, error) {
		return e.broker.SubmitOrder(ctx, req)
	})
	if err != nil {
		if domain.IsKind(err, domain.KindBrokerRejected) {
			if res, done := e.protectiveFill(ctx, pos); done {
				return res
			}
		}
		log.Warn("exit submission failed", zap.Error(err))
		return failure(clientOrderID, domain.Order{}, err)
	}
	return e.exitResult(e.confirm(ctx, o, clientOrderID, log), reason)
}

func (e *Executor) exitResult(res domain.ExecutionResult, reason domain.ExitReason) domain.ExecutionResult {
	if res.Success {
		res.ExitReason = reason
	}
	return res
}

// submitOnce submits with bounded retries of transient errors. Before every
// retry the broker is asked whether the previous attempt landed, so a lost
// response never produces a duplicate order.
func (e *Executor) submitOnce(ctx context.Context, clientOrderID string, log *zap.Logger, submit func(context.Context) (domain.Order, error)) (domain.Order, error) {
	var order domain.Order
	err := util.RetryIf(ctx, e.cfg.MaxRetries, e.cfg.RetryBaseDelay, broker.IsTransient, func(attempt int) error {
		if attempt > 0 {
			o, err := e.broker.GetOrderByClientID(ctx, clientOrderID)
			if err == nil {
				log.Info("previous attempt reached the broker", zap.Int("attempt", attempt), zap.String("order_id", o.ID))
				order = o
				return nil
			}
			if !errors.Is(err, broker.ErrOrderNotFound) {
				return err
			}
			log.Debug("retrying submission", zap.Int("attempt", attempt))
		}
		o, err := submit(ctx)
		if err != nil {
			return err
		}
		order = o
		return nil
	})
	switch {
	case err == nil:
		return order, nil
	case broker.IsTransient(err):
		return domain.Order{}, domain.Wrap(domain.KindBrokerFailed,
			fmt.Sprintf("giving up after %d attempts", e.cfg.MaxRetries), err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return domain.Order{}, domain.Wrap(domain.KindUnknownOutcome, "submission interrupted", err)
	}
	return domain.Order{}, domain.AsError(err, domain.KindBrokerFailed)
}

// confirm waits for o's first leg to fill and builds the result.
func (e *Executor) confirm(ctx context.Context, o domain.Order, clientOrderID string, log *zap.Logger) domain.ExecutionResult {
	o, err := e.awaitFill(ctx, o, log)
	if err != nil {
		log.Warn("order not filled", zap.String("order_id", o.ID), zap.Error(err))
		return failure(clientOrderID, o, err)
	}
	res := domain.ExecutionResult{
		Success:        true,
		OrderIDs:       orderIDs(o),
		ClientOrderID:  clientOrderID,
		FilledPrice:    o.Entry().FilledAvgPrice,
		FilledQuantity: o.Entry().FilledQty,
	}
	log.Info("order filled",
		zap.String("order_id", o.ID),
		zap.Int64("filled_qty", res.FilledQuantity),
		zap.Float64("filled_price", res.FilledPrice))
	return res
}

// awaitFill polls o until its first leg is filled, final, or FillTimeout
// elapses. At the deadline the remainder is cancelled and a partial fill is
// accepted.
func (e *Executor) awaitFill(ctx context.Context, o domain.Order, log *zap.Logger) (domain.Order, error) {
	deadline := time.Now().Add(e.cfg.FillTimeout)
	for {
		leg := o.Entry()
		if leg.Status == domain.OrderStatusFilled {
			return o, nil
		}
		if leg.Status.Final() {
			if leg.FilledQty > 0 {
				return o, nil
			}
			return o, domain.Errorf(domain.KindBrokerRejected, "order %s %s", o.ID, strings.ToLower(string(leg.Status)))
		}
		if !time.Now().Before(deadline) {
			return e.expire(ctx, o, log)
		}

		timer := time.NewTimer(e.cfg.FillPoll)
		select {
		case <-ctx.Done():
			timer.Stop()
			return o, domain.Wrap(domain.KindUnknownOutcome, "awaiting fill of "+o.ID, ctx.Err())
		case <-timer.C:
		}

		next, err := e.broker.GetOrder(ctx, o.ID)
		if err != nil {
			if broker.IsTransient(err) {
				log.Debug("polling order", zap.String("order_id", o.ID), zap.Error(err))
				continue
			}
			return o, domain.AsError(err, domain.KindBrokerFailed)
		}
		o = next
	}
}

// expire cancels whatever is still working on o's first leg and re-reads it.
func (e *Executor) expire(ctx context.Context, o domain.Order, log *zap.Logger) (domain.Order, error) {
	target := o.ID
	if o.Entry().FilledQty > 0 && o.Entry().ID != "" {
		// Keep the protective legs of a partially filled bracket.
		target = o.Entry().ID
	}
	cancelErr := e.broker.CancelOrder(ctx, target)
	if cancelErr != nil {
		log.Warn("cancelling unfilled order", zap.String("order_id", target), zap.Error(cancelErr))
	}
	if next, err := e.broker.GetOrder(ctx, o.ID); err == nil {
		o = next
	}
	leg := o.Entry()
	if cancelErr != nil && !leg.Status.Final() && !errors.Is(cancelErr, broker.ErrOrderNotFound) {
		// Still working at the broker; it may fill later.
		return o, domain.Wrap(domain.KindUnknownOutcome, "cancelling "+target, cancelErr)
	}
	if leg.FilledQty > 0 {
		log.Info("accepting partial fill", zap.String("order_id", o.ID),
			zap.Int64("filled_qty", leg.FilledQty), zap.Int64("qty", leg.Quantity))
		return o, nil
	}
	return o, domain.Errorf(domain.KindBrokerFailed, "order %s not filled within %s", o.ID, e.cfg.FillTimeout)
}

// protectiveFill reports a filled stop-loss or take-profit leg on the
// position's bracket.
func (e *Executor) protectiveFill(ctx context.Context, pos domain.ManagedPosition) (domain.ExecutionResult, bool) {
	// Once exit fills are booked the legs have been cancelled, and any leg
	// fill is already part of ExitedQuantity.
	if len(pos.BrokerOrderIDs) == 0 || pos.ExitedQuantity > 0 {
		return domain.ExecutionResult{}, false
	}
	o, err := e.broker.GetOrder(ctx, pos.BrokerOrderIDs[0])
	if err != nil {
		e.log.Debug("reading bracket", zap.String("order_id", pos.BrokerOrderIDs[0]), zap.Error(err))
		return domain.ExecutionResult{}, false
	}
	for _, role := range []domain.LegRole{domain.LegStopLoss, domain.LegTakeProfit} {
		leg, ok := o.Leg(role)
		if !ok || leg.FilledQty == 0 {
			continue
		}
		return domain.ExecutionResult{
			Success:        true,
			OrderIDs:       []string{leg.ID},
			ClientOrderID:  o.ClientOrderID,
			FilledPrice:    leg.FilledAvgPrice,
			FilledQuantity: leg.FilledQty,
			ExitReason:     domain.ExitBrokerLeg,
		}, true
	}
	return domain.ExecutionResult{}, false
}

// cancelWorking cancels every leg of the order group that can still fill.
func (e *Executor) cancelWorking(ctx context.Context, orderID string, log *zap.Logger) error {
	o, err := e.broker.GetOrder(ctx, orderID)
	if errors.Is(err, broker.ErrOrderNotFound) {
		return nil
	}
	if err != nil {
		return domain.AsError(err, domain.KindBrokerFailed)
	}
	for _, leg := range o.Legs {
		if leg.Status.Final() || leg.ID == "" {
			continue
		}
		err := e.broker.CancelOrder(ctx, leg.ID)
		if err == nil || errors.Is(err, broker.ErrOrderNotFound) || domain.IsKind(err, domain.KindBrokerRejected) {
			continue
		}
		log.Warn("cancelling bracket leg", zap.String("leg_id", leg.ID), zap.Error(err))
		return domain.AsError(err, domain.KindBrokerFailed)
	}
	return nil
}

func failure(clientOrderID string, o domain.Order, err error) domain.ExecutionResult {
	res := domain.ExecutionResult{
		ClientOrderID: clientOrderID,
		Err:           domain.AsError(err, domain.KindBrokerFailed),
	}
	if o.ID != "" {
		res.OrderIDs = orderIDs(o)
	}
	return res
}

func orderIDs(o domain.Order) []string {
	ids := []string{o.ID}
	for _, leg := range o.Legs {
		if leg.ID != "" && leg.ID != o.ID {
			ids = append(ids, leg.ID)
		}
	}
	return ids
}

func opposite(s domain.Side) domain.Side {
	if s == domain.SideSell {
		return domain.SideBuy
	}
	return domain.SideSell
}
