package position

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"catalyst/internal/broker"
	"catalyst/internal/domain"
	"catalyst/internal/executor"
	"catalyst/internal/lifecycle"
	"catalyst/internal/store"
)

type fixture struct {
	sim   *broker.SimulatorBroker
	ex    *executor.Executor
	store *store.SQLiteStore
	hub   *lifecycle.Hub
	mgr   *Manager
	now   time.Time
	mu    sync.Mutex
}

func (f *fixture) clock() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fixture) advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.NewSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "catalyst.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	sim := broker.NewSimulatorBroker(100_000)
	sim.SetPrice("XYZ", 10)
	ex := executor.New(sim, executor.Config{
		FillTimeout:    50 * time.Millisecond,
		FillPoll:       5 * time.Millisecond,
		MaxRetries:     2,
		RetryBaseDelay: time.Millisecond,
	}, zaptest.NewLogger(t))

	f := &fixture{
		sim:   sim,
		ex:    ex,
		store: st,
		hub:   lifecycle.NewHub(100, nil, zaptest.NewLogger(t)),
		now:   time.Date(2024, 5, 2, 14, 0, 0, 0, time.UTC),
	}
	f.mgr = New(Deps{
		Store:    st,
		Executor: ex,
		Broker:   sim,
		Prices:   sim,
		Events:   f.hub,
	}, Config{
		PollInterval:    10 * time.Millisecond,
		ClaimLease:      5 * time.Minute,
		MaxHoldDuration: 72 * time.Hour,
	}, zaptest.NewLogger(t))
	f.mgr.SetClock(f.clock)
	return f
}

// open submits a bracket for XYZ at 10 with stop 9 and target 12 and opens
// the managed position.
func (f *fixture) open(t *testing.T) domain.ManagedPosition {
	t.Helper()
	ctx := context.Background()
	sig := domain.TradingSignal{
		ID:                "sig-1",
		Ticker:            "XYZ",
		Action:            domain.ActionBuy,
		SuggestedQuantity: 100,
		StopLossPrice:     9,
		TakeProfitPrice:   12,
		Reason:            domain.ReasonKeywordBuy,
	}
	require.NoError(t, f.store.InsertPending(ctx, domain.ManagedPosition{
		ID:                  "pos-1",
		Ticker:              "XYZ",
		Side:                domain.SideBuy,
		Quantity:            100,
		EntryPrice:          10,
		StopLossPrice:       9,
		TakeProfitPrice:     12,
		OriginatingSignalID: "sig-1",
		ClaimedAt:           f.clock(),
	}))
	res := f.ex.Submit(ctx, sig, "pos-1")
	require.True(t, res.Success, "err: %v", res.Err)
	p, err := f.mgr.Create(ctx, res, sig, "pos-1")
	require.NoError(t, err)
	return p
}

func TestCreateOpensWithActualFill(t *testing.T) {
	f := newFixture(t)
	p := f.open(t)

	assert.Equal(t, domain.PositionOpen, p.Status)
	assert.Equal(t, int64(100), p.Quantity)
	assert.Equal(t, 10.0, p.EntryPrice)
	assert.Equal(t, f.clock(), p.EntryTime)
	assert.Equal(t, f.clock().Add(72*time.Hour), p.MaxHoldDeadline)
	assert.NotEmpty(t, p.BrokerOrderIDs)

	recent := f.hub.Recent()
	require.Len(t, recent, 1)
	assert.Equal(t, domain.LifecycleOpened, recent[0].Action)
	assert.Equal(t, "pos-1", recent[0].PositionID)
}

func TestExitDue(t *testing.T) {
	now := time.Date(2024, 5, 2, 14, 0, 0, 0, time.UTC)
	p := domain.ManagedPosition{
		Side:            domain.SideBuy,
		StopLossPrice:   9,
		TakeProfitPrice: 12,
		MaxHoldDeadline: now.Add(time.Hour),
	}

	tests := []struct {
		name   string
		price  float64
		now    time.Time
		reason domain.ExitReason
		due    bool
	}{
		{"below stop", 8.99, now, domain.ExitStopLoss, true},
		{"at stop", 9, now, domain.ExitStopLoss, true},
		{"above target", 12.01, now, domain.ExitTakeProfit, true},
		{"inside band", 10.50, now, "", false},
		{"no price", 0, now, "", false},
		{"deadline beats price", 10.50, now.Add(time.Hour), domain.ExitMaxHold, true},
		{"deadline beats stop", 8.99, now.Add(2 * time.Hour), domain.ExitMaxHold, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reason, due := ExitDue(p, tt.price, tt.now)
			assert.Equal(t, tt.due, due)
			assert.Equal(t, tt.reason, reason)
		})
	}

	short := p
	short.Side = domain.SideSell
	short.StopLossPrice, short.TakeProfitPrice = 11, 8
	reason, due := ExitDue(short, 11.5, now)
	assert.True(t, due)
	assert.Equal(t, domain.ExitStopLoss, reason)
	reason, due = ExitDue(short, 7.5, now)
	assert.True(t, due)
	assert.Equal(t, domain.ExitTakeProfit, reason)
}

func TestTickClosesOnStopLoss(t *testing.T) {
	f := newFixture(t)
	f.open(t)
	ctx := context.Background()

	f.sim.SetPrice("XYZ", 8.99)
	require.NoError(t, f.mgr.Tick(ctx))

	closed, err := f.store.ListClosed(ctx, 10)
	require.NoError(t, err)
	require.Len(t, closed, 1)
	assert.Equal(t, domain.ExitStopLoss, closed[0].ExitReason)
	assert.Equal(t, 8.99, closed[0].ExitPrice)
	assert.InDelta(t, -101.0, closed[0].RealizedPnL, 1e-9)

	_, err = f.store.GetActive(ctx, "XYZ")
	assert.ErrorIs(t, err, store.ErrNotFound)

	recent := f.hub.Recent()
	require.Len(t, recent, 2)
	assert.Equal(t, domain.LifecycleClosed, recent[1].Action)
	assert.Equal(t, string(domain.ExitStopLoss), recent[1].Reason)
}

func TestTickClosesOnTakeProfit(t *testing.T) {
	f := newFixture(t)
	f.open(t)
	ctx := context.Background()

	f.sim.SetPrice("XYZ", 12.01)
	require.NoError(t, f.mgr.Tick(ctx))

	closed, err := f.store.ListClosed(ctx, 10)
	require.NoError(t, err)
	require.Len(t, closed, 1)
	assert.Equal(t, domain.ExitTakeProfit, closed[0].ExitReason)
	assert.InDelta(t, 201.0, closed[0].RealizedPnL, 1e-9)
}

func TestTickHoldsInsideBand(t *testing.T) {
	f := newFixture(t)
	f.open(t)
	ctx := context.Background()

	f.sim.SetPrice("XYZ", 10.50)
	require.NoError(t, f.mgr.Tick(ctx))

	p, err := f.store.GetActive(ctx, "XYZ")
	require.NoError(t, err)
	assert.Equal(t, domain.PositionOpen, p.Status)
	assert.Equal(t, 0, f.sim.Calls("SubmitOrder"))
}

func TestTickClosesAtMaxHold(t *testing.T) {
	f := newFixture(t)
	f.open(t)
	ctx := context.Background()

	f.sim.SetPrice("XYZ", 10.50)
	f.advance(72 * time.Hour)
	require.NoError(t, f.mgr.Tick(ctx))

	closed, err := f.store.ListClosed(ctx, 10)
	require.NoError(t, err)
	require.Len(t, closed, 1)
	assert.Equal(t, domain.ExitMaxHold, closed[0].ExitReason)
	assert.Equal(t, 10.50, closed[0].ExitPrice)
}

func TestBrokerLegFillIsRecorded(t *testing.T) {
	f := newFixture(t)
	f.open(t)
	ctx := context.Background()

	f.sim.SetAutoTrigger(true)
	f.sim.SetPrice("XYZ", 8.5)
	require.NoError(t, f.mgr.Tick(ctx))

	closed, err := f.store.ListClosed(ctx, 10)
	require.NoError(t, err)
	require.Len(t, closed, 1)
	assert.Equal(t, domain.ExitBrokerLeg, closed[0].ExitReason)
	assert.Equal(t, 9.0, closed[0].ExitPrice)
	assert.Equal(t, 0, f.sim.Calls("SubmitOrder"))
}

func TestFailedExitReleasesClaim(t *testing.T) {
	f := newFixture(t)
	f.open(t)
	ctx := context.Background()

	f.sim.FailNext("SubmitOrder", broker.Rejected("submit order", assert.AnError))
	f.sim.SetPrice("XYZ", 12.5)
	require.NoError(t, f.mgr.Tick(ctx))

	p, err := f.store.GetActive(ctx, "XYZ")
	require.NoError(t, err)
	assert.Equal(t, domain.PositionOpen, p.Status)

	// The next pass retries and succeeds.
	require.NoError(t, f.mgr.Tick(ctx))
	closed, err := f.store.ListClosed(ctx, 10)
	require.NoError(t, err)
	require.Len(t, closed, 1)
	assert.Equal(t, domain.ExitTakeProfit, closed[0].ExitReason)
}

func TestStaleClosingClaimIsCompleted(t *testing.T) {
	f := newFixture(t)
	p := f.open(t)
	ctx := context.Background()

	_, err := f.store.ClaimClosing(ctx, p.ID, domain.ExitManual, f.clock())
	require.NoError(t, err)

	f.sim.SetPrice("XYZ", 10.5)
	f.advance(time.Minute)
	require.NoError(t, f.mgr.Tick(ctx))
	got, err := f.store.GetPosition(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PositionClosing, got.Status)
	assert.Equal(t, 0, f.sim.Calls("SubmitOrder"))

	// Past the lease the exit is driven to completion, not handed back.
	f.advance(5 * time.Minute)
	require.NoError(t, f.mgr.Tick(ctx))
	closed, err := f.store.ListClosed(ctx, 10)
	require.NoError(t, err)
	require.Len(t, closed, 1)
	assert.Equal(t, domain.ExitManual, closed[0].ExitReason)
	assert.Equal(t, 10.5, closed[0].ExitPrice)
	assert.Equal(t, 1, f.sim.Calls("SubmitOrder"))
}

// lostExitResponse sells at the broker but reports the next exit as an
// unknown outcome.
type lostExitResponse struct {
	*broker.SimulatorBroker
	lose int
}

func (b *lostExitResponse) SubmitOrder(ctx context.Context, req domain.OrderRequest) (domain.Order, error) {
	o, err := b.SimulatorBroker.SubmitOrder(ctx, req)
	if err == nil && b.lose > 0 {
		b.lose--
		return domain.Order{}, domain.Errorf(domain.KindUnknownOutcome, "submit order %s: call timed out", req.ClientOrderID)
	}
	return o, err
}

func TestUnknownExitOutcomeIsNotResold(t *testing.T) {
	f := newFixture(t)
	p := f.open(t)
	ctx := context.Background()

	f.mgr.Executor = executor.New(&lostExitResponse{SimulatorBroker: f.sim, lose: 1}, executor.Config{
		FillTimeout:    50 * time.Millisecond,
		FillPoll:       5 * time.Millisecond,
		MaxRetries:     2,
		RetryBaseDelay: time.Millisecond,
	}, zaptest.NewLogger(t))

	f.sim.SetPrice("XYZ", 8.5)
	require.NoError(t, f.mgr.Tick(ctx))

	got, err := f.store.GetPosition(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PositionClosing, got.Status)
	assert.Equal(t, "exit-pos-1-1", got.ExitClientOrderID)
	assert.Equal(t, 1, f.sim.Calls("SubmitOrder"))

	// Inside the lease nothing is re-driven.
	require.NoError(t, f.mgr.Tick(ctx))
	assert.Equal(t, 1, f.sim.Calls("SubmitOrder"))

	f.advance(6 * time.Minute)
	require.NoError(t, f.mgr.Tick(ctx))

	closed, err := f.store.ListClosed(ctx, 10)
	require.NoError(t, err)
	require.Len(t, closed, 1)
	assert.Equal(t, domain.ExitStopLoss, closed[0].ExitReason)
	assert.Equal(t, 8.5, closed[0].ExitPrice)
	assert.Equal(t, int64(100), closed[0].Position.Quantity)
	assert.Equal(t, 1, f.sim.Calls("SubmitOrder"))

	positions, err := f.sim.GetPositions(ctx)
	require.NoError(t, err)
	assert.Empty(t, positions)
}

func TestPartialExitKeepsRemainderOpen(t *testing.T) {
	f := newFixture(t)
	p := f.open(t)
	ctx := context.Background()

	f.sim.SetFillMode(broker.FillPartial, 0.5)
	f.sim.SetPrice("XYZ", 12.5)
	require.NoError(t, f.mgr.Tick(ctx))

	closed, err := f.store.ListClosed(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, closed)

	got, err := f.store.GetPosition(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PositionClosing, got.Status)
	assert.Equal(t, int64(100), got.Quantity+got.ExitedQuantity)
	assert.Positive(t, got.ExitedQuantity)

	positions, err := f.sim.GetPositions(ctx)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, got.Quantity, positions[0].Quantity)

	f.sim.SetFillMode(broker.FillImmediate, 0)
	f.advance(6 * time.Minute)
	require.NoError(t, f.mgr.Tick(ctx))

	closed, err = f.store.ListClosed(ctx, 10)
	require.NoError(t, err)
	require.Len(t, closed, 1)
	assert.Equal(t, int64(100), closed[0].Position.Quantity)
	assert.InDelta(t, 12.5, closed[0].ExitPrice, 1e-9)
	assert.InDelta(t, 250.0, closed[0].RealizedPnL, 1e-9)

	positions, err = f.sim.GetPositions(ctx)
	require.NoError(t, err)
	assert.Empty(t, positions)
}

// failingClose fails the next ClosePosition calls.
type failingClose struct {
	store.PositionStore
	fail int
}

func (s *failingClose) ClosePosition(ctx context.Context, cp domain.ClosedPosition) error {
	if s.fail > 0 {
		s.fail--
		return assert.AnError
	}
	return s.PositionStore.ClosePosition(ctx, cp)
}

func TestFilledExitSurvivesStoreFailure(t *testing.T) {
	f := newFixture(t)
	p := f.open(t)
	ctx := context.Background()

	f.mgr.Store = &failingClose{PositionStore: f.store, fail: 1}
	f.sim.SetPrice("XYZ", 8.5)
	require.NoError(t, f.mgr.Tick(ctx))

	got, err := f.store.GetPosition(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PositionClosing, got.Status)

	alerts := 0
	for _, e := range f.hub.Recent() {
		if e.Action == domain.LifecycleAlert {
			alerts++
		}
	}
	assert.Equal(t, 1, alerts)

	f.advance(6 * time.Minute)
	require.NoError(t, f.mgr.Tick(ctx))

	closed, err := f.store.ListClosed(ctx, 10)
	require.NoError(t, err)
	require.Len(t, closed, 1)
	assert.Equal(t, domain.ExitStopLoss, closed[0].ExitReason)
	assert.Equal(t, 8.5, closed[0].ExitPrice)
	assert.Equal(t, 1, f.sim.Calls("SubmitOrder"))
}

func TestPendingEntryIsResolved(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// The order landed at the broker but the engine never recorded it.
	_, err := f.sim.SubmitBracketOrder(ctx, domain.BracketRequest{
		ClientOrderID: "pos-2", Ticker: "XYZ", Side: domain.SideBuy, Quantity: 50,
		StopLossPrice: 9, TakeProfitPrice: 12,
	})
	require.NoError(t, err)
	require.NoError(t, f.store.InsertPending(ctx, domain.ManagedPosition{
		ID: "pos-2", Ticker: "XYZ", Side: domain.SideBuy, Quantity: 100, EntryPrice: 10,
		StopLossPrice: 9, TakeProfitPrice: 12, ClaimedAt: f.clock(),
	}))

	// Inside the lease the engine may still own it.
	require.NoError(t, f.mgr.Tick(ctx))
	assert.Equal(t, 0, f.sim.Calls("GetOrderByClientID"))

	f.advance(6 * time.Minute)
	f.sim.SetPrice("XYZ", 10.5)
	require.NoError(t, f.mgr.Tick(ctx))

	p, err := f.store.GetActive(ctx, "XYZ")
	require.NoError(t, err)
	assert.Equal(t, domain.PositionOpen, p.Status)
	assert.Equal(t, int64(50), p.Quantity)
}

func TestPendingEntryWithoutOrderIsReleased(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.store.InsertPending(ctx, domain.ManagedPosition{
		ID: "pos-3", Ticker: "XYZ", Side: domain.SideBuy, Quantity: 100, EntryPrice: 10,
		StopLossPrice: 9, TakeProfitPrice: 12, ClaimedAt: f.clock(),
	}))
	f.advance(6 * time.Minute)
	require.NoError(t, f.mgr.Tick(ctx))

	_, err := f.store.GetActive(ctx, "XYZ")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestCloseManual(t *testing.T) {
	f := newFixture(t)
	f.open(t)
	ctx := context.Background()

	_, err := f.mgr.CloseManual(ctx, "ABC")
	assert.ErrorIs(t, err, store.ErrNotFound)

	f.sim.SetPrice("XYZ", 10.2)
	cp, err := f.mgr.CloseManual(ctx, "XYZ")
	require.NoError(t, err)
	assert.Equal(t, domain.ExitManual, cp.ExitReason)
	assert.Equal(t, 10.2, cp.ExitPrice)

	_, err = f.mgr.CloseManual(ctx, "XYZ")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestReconcile(t *testing.T) {
	f := newFixture(t)
	f.open(t)
	ctx := context.Background()

	mismatches, err := f.mgr.Reconcile(ctx)
	require.NoError(t, err)
	assert.Empty(t, mismatches)

	f.sim.SeedPosition(domain.BrokerPosition{Ticker: "ABC", Quantity: 10, AvgEntryPrice: 5})
	f.sim.SeedPosition(domain.BrokerPosition{Ticker: "XYZ", Quantity: 60, AvgEntryPrice: 10})

	mismatches, err = f.mgr.Reconcile(ctx)
	require.NoError(t, err)
	require.Len(t, mismatches, 2)
	assert.Equal(t, QuantityDiffers, mismatches[0].Kind)
	assert.Equal(t, int64(100), mismatches[0].StoreQuantity)
	assert.Equal(t, int64(60), mismatches[0].BrokerQuantity)
	assert.Equal(t, Untracked, mismatches[1].Kind)
	assert.Equal(t, "ABC", mismatches[1].Ticker)
	assert.Equal(t, domain.KindReconciliationMismatch, mismatches[1].Err().Kind)

	alerts := 0
	for _, e := range f.hub.Recent() {
		if e.Action == domain.LifecycleAlert {
			alerts++
		}
	}
	assert.Equal(t, 2, alerts)

	// Nothing was changed.
	p, err := f.store.GetActive(ctx, "XYZ")
	require.NoError(t, err)
	assert.Equal(t, int64(100), p.Quantity)
}

func TestReconcileMissingAtBroker(t *testing.T) {
	f := newFixture(t)
	f.open(t)
	ctx := context.Background()

	require.NoError(t, f.sim.TriggerLeg("XYZ", domain.LegTakeProfit))
	mismatches, err := f.mgr.Reconcile(ctx)
	require.NoError(t, err)
	require.Len(t, mismatches, 1)
	assert.Equal(t, MissingAtBroker, mismatches[0].Kind)
}

func TestRunStopsOnCancel(t *testing.T) {
	f := newFixture(t)
	f.open(t)
	f.sim.SetPrice("XYZ", 12.5)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.mgr.Run(ctx) }()

	require.Eventually(t, func() bool {
		closed, err := f.store.ListClosed(context.Background(), 1)
		return err == nil && len(closed) == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
}
