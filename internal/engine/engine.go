// Package engine coordinates the path from a scored item to an open
// position: signal adaptation and classification, duplicate and staleness
// checks, sizing, risk checks, the per-ticker claim and order execution.
package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"catalyst/internal/broker"
	"catalyst/internal/domain"
	"catalyst/internal/signal"
	"catalyst/internal/store"
	"catalyst/internal/trace"
)

// Executor places entries. executor.Executor satisfies it.
type Executor interface {
	Submit(ctx context.Context, sig domain.TradingSignal, clientOrderID string) domain.ExecutionResult
	Resolve(ctx context.Context, clientOrderID string) domain.ExecutionResult
}

// Opener records a filled entry. position.Manager satisfies it.
type Opener interface {
	Create(ctx context.Context, res domain.ExecutionResult, sig domain.TradingSignal, positionID string) (domain.ManagedPosition, error)
}

// Deps are the collaborators of an Engine.
type Deps struct {
	Adapter   signal.Adapter
	Generator *signal.Generator
	Risk      *RiskManager
	Executor  Executor
	Positions Opener
	Store     store.PositionStore
	Signals   store.SignalStore
	Broker    broker.Broker
	Prices    broker.PriceSource
}

// Engine orchestrates the trading lifecycle for incoming scored items.
type Engine struct {
	Deps
	log *zap.Logger
	now func() time.Time

	mu      sync.Mutex
	tickers map[string]*tickerLock
}

// tickerLock is a per-ticker mutex shared by refs holders and waiters.
type tickerLock struct {
	sync.Mutex
	refs int
}

// NewEngine creates a new Engine wired with the given dependencies.
func NewEngine(deps Deps, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		Deps:    deps,
		log:     log.With(zap.String("component", "engine")),
		now:     func() time.Time { return time.Now().UTC() },
		tickers: make(map[string]*tickerLock),
	}
}

// ProcessScoredItem runs item through the pipeline and reports the state it
// reached. Domain failures are reported in the Outcome, never returned or
// panicked. Calls for the same ticker are serialized in arrival order.
func (e *Engine) ProcessScoredItem(ctx context.Context, item domain.ScoredItem) domain.Outcome {
	ctx, span := trace.StartSpan(ctx, "engine.ProcessScoredItem")
	defer span.End()

	c, err := e.Adapter.Adapt(item)
	if err != nil {
		e.log.Warn("dropping malformed item", zap.String("item_id", item.ID), zap.String("ticker", item.Ticker), zap.Error(err))
		trace.RecordError(span, err)
		return domain.Outcome{
			Ticker: item.Ticker,
			State:  domain.StateRejected,
			Reason: domain.ReasonAdaptation,
			Detail: err.Error(),
		}
	}
	span.SetAttributes(attribute.String("ticker", c.Ticker), attribute.String("signal_id", c.SignalID))

	unlock := e.lockTicker(c.Ticker)
	defer unlock()

	out := e.process(ctx, c)
	span.SetAttributes(attribute.String("state", string(out.State)), attribute.String("reason", string(out.Reason)))
	e.record(ctx, out)
	return out
}

func (e *Engine) process(ctx context.Context, c signal.Candidate) domain.Outcome {
	log := e.log.With(zap.String("ticker", c.Ticker), zap.String("signal_id", c.SignalID))

	d := e.Generator.Classify(c)
	if d.Action != domain.ActionBuy {
		sig := e.Generator.Build(c, d, c.ReferencePrice, domain.Account{})
		log.Info("no entry", zap.String("action", string(d.Action)), zap.String("reason", string(d.Reason)))
		return outcome(sig, domain.StateIdle, d.Reason, "")
	}

	// Duplicate and staleness checks.
	pending := domain.TradingSignal{ID: c.SignalID, Ticker: c.Ticker, Action: d.Action, Confidence: d.Confidence, GeneratedAt: c.GeneratedAt}
	if active, err := e.Store.GetActive(ctx, c.Ticker); err == nil {
		log.Info("ticker already has a position", zap.String("position_id", active.ID), zap.String("status", string(active.Status)))
		out := outcome(pending, domain.StateRejected, domain.ReasonDuplicatePosition, "active position "+active.ID)
		out.PositionID = active.ID
		return out
	} else if !errors.Is(err, store.ErrNotFound) {
		log.Error("reading active position", zap.Error(err))
		return outcome(pending, domain.StateRejected, domain.ReasonStoreFailure, err.Error())
	}
	advanced, err := e.Signals.AdvanceWatermark(ctx, c.Ticker, c.SignalID, c.GeneratedAt)
	if err != nil {
		log.Error("advancing watermark", zap.Error(err))
		return outcome(pending, domain.StateRejected, domain.ReasonStoreFailure, err.Error())
	}
	if !advanced {
		log.Info("stale signal", zap.Time("generated_at", c.GeneratedAt))
		return outcome(pending, domain.StateRejected, domain.ReasonStaleSignal, "")
	}

	// Sizing against a fresh account snapshot.
	account, err := e.Broker.GetAccount(ctx)
	if err != nil {
		log.Warn("account unavailable", zap.Error(err))
		return outcome(pending, domain.StateRejected, domain.ReasonAccountUnavailable, err.Error())
	}
	price := c.ReferencePrice
	if price <= 0 && e.Prices != nil {
		if price, err = e.Prices.LatestPrice(ctx, c.Ticker); err != nil {
			log.Warn("price unavailable", zap.Error(err))
			price = 0
		}
	}
	sig := e.Generator.Build(c, d, price, account)
	if !sig.Actionable() {
		log.Info("signal downgraded", zap.String("reason", string(sig.Reason)), zap.Float64("price", price))
		return outcome(sig, domain.StateIdle, sig.Reason, "")
	}

	count, notional, err := e.Store.ActiveExposure(ctx)
	if err != nil {
		log.Error("reading exposure", zap.Error(err))
		return outcome(sig, domain.StateRejected, domain.ReasonStoreFailure, err.Error())
	}
	if reason, err := e.Risk.Check(sig, account, count, notional); err != nil {
		log.Info("risk rejected", zap.String("reason", string(reason)), zap.Error(err))
		return outcome(sig, domain.StateRejected, reason, err.Error())
	}

	return e.execute(ctx, sig, log)
}

// execute claims the ticker with a PENDING row and submits the entry.
func (e *Engine) execute(ctx context.Context, sig domain.TradingSignal, log *zap.Logger) domain.Outcome {
	positionID := uuid.NewString()
	log = log.With(zap.String("position_id", positionID))

	err := e.Store.InsertPending(ctx, domain.ManagedPosition{
		ID:                  positionID,
		Ticker:              sig.Ticker,
		Side:                domain.SideBuy,
		Quantity:            sig.SuggestedQuantity,
		EntryPrice:          sig.EntryPriceHint,
		StopLossPrice:       sig.StopLossPrice,
		TakeProfitPrice:     sig.TakeProfitPrice,
		OriginatingSignalID: sig.ID,
		ClaimedAt:           e.now(),
	})
	switch {
	case errors.Is(err, store.ErrActivePosition):
		log.Info("lost the ticker claim")
		return outcome(sig, domain.StateRejected, domain.ReasonDuplicatePosition, "")
	case err != nil:
		log.Error("claiming ticker", zap.Error(err))
		return outcome(sig, domain.StateRejected, domain.ReasonStoreFailure, err.Error())
	}

	res := e.Executor.Submit(ctx, sig, positionID)
	// Bookkeeping for an order that may exist at the broker must finish even
	// if the caller goes away.
	ctx = context.WithoutCancel(ctx)
	if res.Unknown() {
		log.Warn("entry outcome unknown, re-querying", zap.Error(res.Err))
		res = e.Executor.Resolve(ctx, positionID)
	}

	switch {
	case res.Success:
		p, err := e.Positions.Create(ctx, res, sig, positionID)
		if err != nil {
			log.Error("recording open position", zap.Error(err))
			out := outcome(sig, domain.StateOrderSubmitted, domain.ReasonStoreFailure, err.Error())
			out.PositionID, out.Execution = positionID, &res
			return out
		}
		out := outcome(sig, domain.StatePositionOpen, sig.Reason, "")
		out.PositionID, out.Execution = p.ID, &res
		return out

	case res.Unknown():
		log.Warn("entry still unresolved, leaving claim for the monitor", zap.Error(res.Err))
		out := outcome(sig, domain.StateOrderSubmitted, domain.ReasonUnknownOutcome, res.Err.Error())
		out.PositionID, out.Execution = positionID, &res
		return out
	}

	if err := e.Store.ReleasePending(ctx, positionID); err != nil {
		log.Error("releasing ticker claim", zap.Error(err))
	}
	reason := domain.ReasonBrokerFailed
	if res.Err != nil && res.Err.Kind == domain.KindBrokerRejected {
		reason = domain.ReasonBrokerRejected
	}
	detail := ""
	if res.Err != nil {
		detail = res.Err.Error()
	}
	log.Warn("entry failed", zap.String("reason", string(reason)), zap.String("detail", detail))
	out := outcome(sig, domain.StateRejected, reason, detail)
	out.Execution = &res
	return out
}

// record appends the outcome to the signal journal. Failures are logged.
func (e *Engine) record(ctx context.Context, out domain.Outcome) {
	if out.Signal == nil || e.Signals == nil {
		return
	}
	err := e.Signals.RecordSignal(context.WithoutCancel(ctx), store.SignalRecord{
		Signal:     *out.Signal,
		State:      out.State,
		Reason:     out.Reason,
		Detail:     out.Detail,
		PositionID: out.PositionID,
		RecordedAt: e.now(),
	})
	if err != nil {
		e.log.Error("recording signal", zap.String("signal_id", out.Signal.ID), zap.Error(err))
	}
}

// lockTicker serializes in-process calls for one ticker. The entry is
// dropped once no call holds or waits for it.
func (e *Engine) lockTicker(ticker string) func() {
	e.mu.Lock()
	l, ok := e.tickers[ticker]
	if !ok {
		l = &tickerLock{}
		e.tickers[ticker] = l
	}
	l.refs++
	e.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		e.mu.Lock()
		if l.refs--; l.refs == 0 {
			delete(e.tickers, ticker)
		}
		e.mu.Unlock()
	}
}

func outcome(sig domain.TradingSignal, state domain.TickerState, reason domain.ReasonCode, detail string) domain.Outcome {
	return domain.Outcome{
		Ticker: sig.Ticker,
		State:  state,
		Signal: &sig,
		Reason: reason,
		Detail: detail,
	}
}
