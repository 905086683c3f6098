// Package position owns managed positions after entry: it opens them with
// the confirmed fill, supervises them against their stop, target and hold
// deadline, closes them through the executor and reconciles the store
// against the broker.
package position

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"catalyst/internal/broker"
	"catalyst/internal/domain"
	"catalyst/internal/lifecycle"
	"catalyst/internal/store"
)

// Executor is the part of executor.Executor the manager needs.
type Executor interface {
	Exit(ctx context.Context, pos domain.ManagedPosition, reason domain.ExitReason) domain.ExecutionResult
	Resolve(ctx context.Context, clientOrderID string) domain.ExecutionResult
}

// ClosedRecorder archives closed positions. store.Journal satisfies it.
type ClosedRecorder interface {
	AppendClosed(cp domain.ClosedPosition) error
}

// maxExitAttempts bounds how often one pass re-submits the remainder of a
// partially filled exit.
const maxExitAttempts = 3

// Config tunes supervision.
type Config struct {
	PollInterval    time.Duration
	ClaimLease      time.Duration
	MaxHoldDuration time.Duration
}

// Deps are the collaborators of a Manager. Journal is optional.
type Deps struct {
	Store    store.PositionStore
	Executor Executor
	Broker   broker.Broker
	Prices   broker.PriceSource
	Events   lifecycle.Publisher
	Journal  ClosedRecorder
}

// Manager supervises managed positions.
type Manager struct {
	Deps
	cfg Config
	log *zap.Logger
	now func() time.Time
}

// New creates a Manager.
func New(deps Deps, cfg Config, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		Deps: deps,
		cfg:  cfg,
		log:  log.With(zap.String("component", "position")),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the wall clock.
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

// Create moves the PENDING position positionID to OPEN with the actual
// fill from res and emits an OPENED event. The row is durable on return.
func (m *Manager) Create(ctx context.Context, res domain.ExecutionResult, sig domain.TradingSignal, positionID string) (domain.ManagedPosition, error) {
	if !res.Success || res.FilledQuantity <= 0 {
		return domain.ManagedPosition{}, fmt.Errorf("create %s: execution has no fill", positionID)
	}
	now := m.now()
	p, err := m.Store.MarkOpen(ctx, positionID, store.Fill{
		Quantity:        res.FilledQuantity,
		Price:           res.FilledPrice,
		Time:            now,
		MaxHoldDeadline: now.Add(m.cfg.MaxHoldDuration),
		BrokerOrderIDs:  res.OrderIDs,
	})
	if err != nil {
		return domain.ManagedPosition{}, fmt.Errorf("create %s: %w", positionID, err)
	}

	m.log.Info("position opened",
		zap.String("ticker", p.Ticker),
		zap.String("position_id", p.ID),
		zap.String("signal_id", sig.ID),
		zap.Int64("qty", p.Quantity),
		zap.Float64("entry", p.EntryPrice),
		zap.Float64("stop", p.StopLossPrice),
		zap.Float64("target", p.TakeProfitPrice))
	m.publish(domain.LifecycleEvent{
		Ticker:     p.Ticker,
		Action:     domain.LifecycleOpened,
		Price:      p.EntryPrice,
		Timestamp:  now,
		Reason:     string(sig.Reason),
		PositionID: p.ID,
	})
	return p, nil
}

// Run calls Tick every PollInterval until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	m.log.Info("monitor started", zap.Duration("interval", m.cfg.PollInterval))
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if err := m.Tick(ctx); err != nil {
			m.log.Error("monitor tick", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			m.log.Info("monitor stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Tick makes one supervision pass over every active position. Failures on
// one position are logged and do not stop the pass.
func (m *Manager) Tick(ctx context.Context) error {
	now := m.now()
	active, err := m.Store.ListActive(ctx)
	if err != nil {
		return err
	}
	for _, p := range active {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		switch p.Status {
		case domain.PositionPending:
			m.resolvePending(ctx, p, now)
		case domain.PositionOpen:
			m.check(ctx, p, now)
		case domain.PositionClosing:
			m.resumeClosing(ctx, p, now)
		}
	}
	return nil
}

// ExitDue reports whether p must be closed at price and time now. The hold
// deadline is checked first and applies regardless of price; a price of
// zero or less only triggers the deadline.
func ExitDue(p domain.ManagedPosition, price float64, now time.Time) (domain.ExitReason, bool) {
	if !p.MaxHoldDeadline.IsZero() && !now.Before(p.MaxHoldDeadline) {
		return domain.ExitMaxHold, true
	}
	if price <= 0 {
		return "", false
	}
	if p.Side == domain.SideSell {
		switch {
		case price >= p.StopLossPrice:
			return domain.ExitStopLoss, true
		case price <= p.TakeProfitPrice:
			return domain.ExitTakeProfit, true
		}
		return "", false
	}
	switch {
	case price <= p.StopLossPrice:
		return domain.ExitStopLoss, true
	case price >= p.TakeProfitPrice:
		return domain.ExitTakeProfit, true
	}
	return "", false
}

func (m *Manager) check(ctx context.Context, p domain.ManagedPosition, now time.Time) {
	log := m.log.With(zap.String("ticker", p.Ticker), zap.String("position_id", p.ID))

	reason, due := ExitDue(p, 0, now)
	price := 0.0
	if !due {
		var err error
		price, err = m.Prices.LatestPrice(ctx, p.Ticker)
		if err != nil {
			log.Warn("price unavailable", zap.Error(err))
			return
		}
		reason, due = ExitDue(p, price, now)
	}
	if !due {
		log.Debug("holding", zap.Float64("price", price))
		return
	}

	log.Info("exit triggered", zap.String("reason", string(reason)), zap.Float64("price", price))
	if _, err := m.close(ctx, p, reason); err != nil && !errors.Is(err, store.ErrClaimLost) {
		log.Warn("exit failed, will retry", zap.Error(err))
	}
}

func (m *Manager) resolvePending(ctx context.Context, p domain.ManagedPosition, now time.Time) {
	if !p.ClaimedAt.IsZero() && now.Sub(p.ClaimedAt) < m.cfg.ClaimLease {
		// The engine may still be submitting this entry.
		return
	}
	log := m.log.With(zap.String("ticker", p.Ticker), zap.String("position_id", p.ID))

	res := m.Executor.Resolve(ctx, p.ID)
	switch {
	case res.Success:
		sig := domain.TradingSignal{ID: p.OriginatingSignalID, Ticker: p.Ticker}
		if _, err := m.Create(ctx, res, sig, p.ID); err != nil {
			log.Error("opening resolved entry", zap.Error(err))
		}
	case res.Unknown():
		log.Warn("pending entry still unresolved", zap.Error(res.Err))
	default:
		if err := m.Store.ReleasePending(ctx, p.ID); err != nil {
			log.Error("releasing pending entry", zap.Error(err))
			return
		}
		log.Info("released pending entry", zap.Error(res.Err))
	}
}

// CloseManual closes the open position for ticker with reason MANUAL.
func (m *Manager) CloseManual(ctx context.Context, ticker string) (domain.ClosedPosition, error) {
	p, err := m.Store.GetActive(ctx, ticker)
	if err != nil {
		return domain.ClosedPosition{}, err
	}
	if p.Status != domain.PositionOpen {
		return domain.ClosedPosition{}, fmt.Errorf("close %s: position is %s: %w", ticker, p.Status, store.ErrClaimLost)
	}
	return m.close(ctx, p, domain.ExitManual)
}

// close claims p and drives its exit to completion.
func (m *Manager) close(ctx context.Context, p domain.ManagedPosition, reason domain.ExitReason) (domain.ClosedPosition, error) {
	claimed, err := m.Store.ClaimClosing(ctx, p.ID, reason, m.now())
	if err != nil {
		return domain.ClosedPosition{}, fmt.Errorf("close %s: %w", p.ID, err)
	}
	// Once an exit may be in flight, cancelling the caller must not leave
	// its outcome unrecorded.
	return m.finishExit(context.WithoutCancel(ctx), claimed)
}

// resumeClosing takes over a CLOSING position whose claim outlived
// ClaimLease. The exit is re-driven under the persisted exit client order
// id, so an order that already landed is found and booked rather than sent
// again.
func (m *Manager) resumeClosing(ctx context.Context, p domain.ManagedPosition, now time.Time) {
	if now.Sub(p.ClaimedAt) < m.cfg.ClaimLease {
		return
	}
	log := m.log.With(zap.String("ticker", p.Ticker), zap.String("position_id", p.ID))
	if p.ExitClientOrderID == "" {
		log.Error("closing claim has no exit order id, leaving it for an operator")
		m.alert(p, 0, now, "stale closing claim without exit order id")
		return
	}
	ok, err := m.Store.RenewClaim(ctx, p.ID, p.ClaimedAt, now)
	if err != nil {
		log.Error("renewing closing claim", zap.Error(err))
		return
	}
	if !ok {
		return
	}
	p.ClaimedAt = now

	log.Warn("resuming stale exit", zap.String("client_order_id", p.ExitClientOrderID))
	if _, err := m.finishExit(context.WithoutCancel(ctx), p); err != nil {
		log.Warn("resumed exit incomplete", zap.Error(err))
	}
}

// finishExit exits the CLOSING position p at the broker and records the
// result. A definite failure releases the claim; an unknown outcome keeps
// it so the exit is resolved by client order id later. Partial fills are
// booked and the remainder is retried up to maxExitAttempts times.
func (m *Manager) finishExit(ctx context.Context, p domain.ManagedPosition) (domain.ClosedPosition, error) {
	log := m.log.With(zap.String("ticker", p.Ticker), zap.String("position_id", p.ID))
	for attempt := 1; ; attempt++ {
		res := m.Executor.Exit(ctx, p, p.ExitReason)
		switch {
		case res.Unknown():
			log.Warn("exit outcome unknown, keeping claim",
				zap.String("client_order_id", p.ExitClientOrderID), zap.Error(res.Err))
			return domain.ClosedPosition{}, res.Err
		case !res.Success:
			if err := m.Store.ReleaseClaim(ctx, p.ID); err != nil {
				log.Error("releasing closing claim", zap.Error(err))
			}
			return domain.ClosedPosition{}, res.Err
		}

		if res.FilledQuantity <= 0 || res.FilledQuantity >= p.Quantity {
			return m.record(ctx, p, res)
		}

		next, err := m.Store.RecordPartialExit(ctx, p.ID, p.ExitClientOrderID, res.FilledQuantity, res.FilledPrice, m.now())
		if err != nil {
			log.Error("booking partial exit", zap.Error(err))
			m.alert(p, res.FilledPrice, m.now(), "partial exit fill not recorded: "+err.Error())
			return domain.ClosedPosition{}, err
		}
		log.Warn("exit filled partially",
			zap.Int64("filled", res.FilledQuantity),
			zap.Int64("remaining", next.Quantity),
			zap.Int("attempt", attempt))
		p = next
		if attempt >= maxExitAttempts {
			return domain.ClosedPosition{}, fmt.Errorf("close %s: %d shares still held after %d exit attempts",
				p.ID, p.Quantity, attempt)
		}
	}
}

// record books the final exit fill of p.
func (m *Manager) record(ctx context.Context, p domain.ManagedPosition, res domain.ExecutionResult) (domain.ClosedPosition, error) {
	reason := p.ExitReason
	if res.ExitReason != "" {
		reason = res.ExitReason
	}
	qty := res.FilledQuantity
	if qty <= 0 {
		qty = p.Quantity
	}
	cp := p.Close(qty, res.FilledPrice, m.now(), reason)
	if err := m.Store.ClosePosition(ctx, cp); err != nil {
		// The claim stays; the next resume finds the filled exit by its
		// client order id.
		m.log.Error("recording closed position", zap.String("position_id", p.ID), zap.Error(err))
		m.alert(p, res.FilledPrice, cp.ExitTime, "exit filled but not recorded: "+err.Error())
		return domain.ClosedPosition{}, err
	}
	if m.Journal != nil {
		if err := m.Journal.AppendClosed(cp); err != nil {
			m.log.Error("journaling closed position", zap.String("position_id", p.ID), zap.Error(err))
		}
	}

	m.log.Info("position closed",
		zap.String("ticker", p.Ticker),
		zap.String("position_id", p.ID),
		zap.String("reason", string(cp.ExitReason)),
		zap.Int64("qty", cp.Position.Quantity),
		zap.Float64("exit", cp.ExitPrice),
		zap.Float64("pnl", cp.RealizedPnL),
		zap.Float64("pnl_pct", cp.RealizedPnLPct))
	m.publish(domain.LifecycleEvent{
		Ticker:     p.Ticker,
		Action:     domain.LifecycleClosed,
		Price:      cp.ExitPrice,
		Timestamp:  cp.ExitTime,
		Reason:     string(cp.ExitReason),
		PositionID: p.ID,
	})
	return cp, nil
}

func (m *Manager) alert(p domain.ManagedPosition, price float64, at time.Time, reason string) {
	m.publish(domain.LifecycleEvent{
		Ticker:     p.Ticker,
		Action:     domain.LifecycleAlert,
		Price:      price,
		Timestamp:  at,
		Reason:     reason,
		PositionID: p.ID,
	})
}

func (m *Manager) publish(e domain.LifecycleEvent) {
	if m.Events != nil {
		m.Events.Publish(e)
	}
}
