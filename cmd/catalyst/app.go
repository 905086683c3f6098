package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"catalyst/internal/broker"
	"catalyst/internal/config"
	"catalyst/internal/engine"
	"catalyst/internal/executor"
	"catalyst/internal/httpapi"
	"catalyst/internal/lifecycle"
	"catalyst/internal/loop"
	"catalyst/internal/position"
	"catalyst/internal/signal"
	"catalyst/internal/store"
)

const (
	eventHistory  = 256
	simulatorCash = 100000
)

// app holds the wired service components.
type app struct {
	cfg *config.Config
	log *zap.Logger

	store    *store.SQLiteStore
	journal  *store.Journal
	hub      *lifecycle.Hub
	loop     *loop.Loop
	broker   *broker.Bridged
	executor *executor.Executor
	manager  *position.Manager
	engine   *engine.Engine
}

// newApp opens storage, starts the broker loop and wires the pipeline.
// Callers must call close.
func newApp(ctx context.Context, cfg *config.Config, log *zap.Logger) (*app, error) {
	st, err := store.NewSQLiteStore(ctx, cfg.Storage.SQLitePath)
	if err != nil {
		return nil, fmt.Errorf("opening store %s: %w", cfg.Storage.SQLitePath, err)
	}
	a := &app{cfg: cfg, log: log, store: st}

	var rec lifecycle.Recorder
	var closed position.ClosedRecorder
	if cfg.Storage.JournalDir != "" {
		a.journal = store.NewJournal(cfg.Storage.JournalDir)
		rec, closed = a.journal, a.journal
	}
	a.hub = lifecycle.NewHub(eventHistory, rec, log)

	a.loop = loop.New(loop.Config{
		QueueSize:      cfg.Loop.QueueSize,
		StartupTimeout: cfg.Loop.StartupTimeout,
		StopTimeout:    cfg.Loop.StopTimeout,
	}, log)
	if _, err := a.loop.Start(ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("starting broker loop: %w", err)
	}

	var inner broker.Broker
	switch cfg.Broker.Kind {
	case "simulator":
		inner = broker.NewSimulatorBroker(simulatorCash)
	default:
		inner = broker.NewAlpacaBroker(broker.AlpacaOptions{
			APIKey:          cfg.Alpaca.APIKey,
			APISecret:       cfg.Alpaca.APISecret,
			BaseURL:         cfg.Alpaca.BaseURL,
			DataURL:         cfg.Alpaca.DataURL,
			RateLimitPerMin: cfg.Broker.RateLimitPerMin,
		})
	}
	a.broker = broker.NewBridged(broker.NewTraced(inner, log), nil, a.loop, cfg.Broker.CallTimeout)

	a.executor = executor.New(a.broker, executor.Config{
		FillTimeout:    cfg.Broker.FillTimeout,
		FillPoll:       cfg.Broker.FillPoll,
		MaxRetries:     cfg.Broker.MaxRetries,
		RetryBaseDelay: cfg.Broker.RetryBaseDelay,
	}, log)

	a.manager = position.New(position.Deps{
		Store:    st,
		Executor: a.executor,
		Broker:   a.broker,
		Prices:   a.broker,
		Events:   a.hub,
		Journal:  closed,
	}, position.Config{
		PollInterval:    cfg.Trading.MonitorPollInterval,
		ClaimLease:      cfg.Trading.ClaimLease,
		MaxHoldDuration: cfg.Trading.MaxHoldDuration,
	}, log)

	t := cfg.Trading
	a.engine = engine.NewEngine(engine.Deps{
		Adapter: signal.Adapter{EarningsSurprisePct: cfg.Signal.EarningsSurprisePct},
		Generator: signal.NewGenerator(signal.Config{
			BuyKeywords:            cfg.Signal.BuyKeywords,
			AvoidKeywords:          cfg.Signal.AvoidKeywords,
			NeutralBand:            cfg.Signal.NeutralBand,
			RelevanceWeight:        cfg.Signal.RelevanceWeight,
			SentimentWeight:        cfg.Signal.SentimentWeight,
			ConfidenceFloor:        t.ConfidenceFloor,
			NotionalPerTrade:       t.NotionalPerTrade,
			ScaleByConfidence:      t.ScaleByConfidence,
			MaxShares:              t.MaxShares,
			MaxPositionPctOfEquity: t.MaxPositionPctOfEquity,
			StopLossPct:            t.StopLossPct,
			TakeProfitPct:          t.TakeProfitPct,
			MinRiskRewardRatio:     t.MinRiskRewardRatio,
			TickSize:               t.TickSize,
		}),
		Risk:      engine.NewRiskManager(t.MaxConcurrentPositions, t.MaxExposurePctOfEquity),
		Executor:  a.executor,
		Positions: a.manager,
		Store:     st,
		Signals:   st,
		Broker:    a.broker,
		Prices:    a.broker,
	}, log)

	log.Info("catalyst wired",
		zap.String("broker", a.broker.Name()),
		zap.Bool("paper", t.PaperMode),
		zap.String("db", cfg.Storage.SQLitePath),
		zap.String("journal", cfg.Storage.JournalDir),
	)
	return a, nil
}

// server builds the HTTP API over the wired components.
func (a *app) server() *httpapi.Server {
	return httpapi.NewServer(httpapi.Deps{
		Engine:    a.engine,
		Closer:    a.manager,
		Positions: a.store,
		Signals:   a.store,
		Broker:    a.broker,
		Hub:       a.hub,
	}, a.log)
}

// reconcile compares stored positions with the broker and logs the result.
func (a *app) reconcile(ctx context.Context) ([]position.Mismatch, error) {
	mismatches, err := a.manager.Reconcile(ctx)
	if err != nil {
		return nil, err
	}
	if len(mismatches) == 0 {
		a.log.Info("reconcile: store and broker agree")
	}
	return mismatches, nil
}

func (a *app) close() {
	a.loop.Stop(a.cfg.Loop.StopTimeout)
	if err := a.store.Close(); err != nil {
		a.log.Warn("closing store", zap.Error(err))
	}
}
