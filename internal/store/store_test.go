package store

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"catalyst/internal/domain"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "catalyst.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

var t0 = time.Date(2024, 5, 2, 14, 0, 0, 0, time.UTC)

func pending(id, ticker string) domain.ManagedPosition {
	return domain.ManagedPosition{
		ID:                  id,
		Ticker:              ticker,
		Side:                domain.SideBuy,
		Quantity:            100,
		EntryPrice:          10,
		StopLossPrice:       9.5,
		TakeProfitPrice:     11,
		OriginatingSignalID: "sig-" + id,
		Status:              domain.PositionPending,
	}
}

func openPosition(t *testing.T, s *SQLiteStore, id, ticker string) domain.ManagedPosition {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.InsertPending(ctx, pending(id, ticker)))
	p, err := s.MarkOpen(ctx, id, Fill{
		Quantity:        100,
		Price:           10.02,
		Time:            t0,
		MaxHoldDeadline: t0.Add(72 * time.Hour),
		BrokerOrderIDs:  []string{"o-1", "o-2"},
	})
	require.NoError(t, err)
	return p
}

func TestMigrationsAreRecordedOnce(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "catalyst.db")
	ctx := context.Background()

	s, err := NewSQLiteStore(ctx, path)
	require.NoError(t, err)

	recs, err := s.AppliedMigrations(ctx)
	require.NoError(t, err)
	require.Len(t, recs, len(migrations))
	for i, r := range recs {
		assert.Equal(t, i+1, r.Version)
		assert.NotEmpty(t, r.Name)
		assert.False(t, r.AppliedAt.IsZero())
	}

	applied, err := s.Migrate(ctx)
	require.NoError(t, err)
	assert.Empty(t, applied)
	require.NoError(t, s.Close())

	// Reopening runs nothing new.
	s, err = NewSQLiteStore(ctx, path)
	require.NoError(t, err)
	defer s.Close()
	recs, err = s.AppliedMigrations(ctx)
	require.NoError(t, err)
	assert.Len(t, recs, len(migrations))
}

func TestPendingToOpen(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p := openPosition(t, s, "p1", "XYZ")
	assert.Equal(t, domain.PositionOpen, p.Status)
	assert.Equal(t, 10.02, p.EntryPrice)
	assert.Equal(t, t0, p.EntryTime)
	assert.Equal(t, t0.Add(72*time.Hour), p.MaxHoldDeadline)
	assert.Equal(t, []string{"o-1", "o-2"}, p.BrokerOrderIDs)

	got, err := s.GetActive(ctx, "XYZ")
	require.NoError(t, err)
	assert.Equal(t, p, got)

	// A second open of the same row loses.
	_, err = s.MarkOpen(ctx, "p1", Fill{Quantity: 1, Price: 1})
	assert.ErrorIs(t, err, ErrClaimLost)
}

func TestOneActivePositionPerTicker(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertPending(ctx, pending("p1", "XYZ")))
	err := s.InsertPending(ctx, pending("p2", "XYZ"))
	assert.ErrorIs(t, err, ErrActivePosition)

	require.NoError(t, s.InsertPending(ctx, pending("p3", "ABC")))

	require.NoError(t, s.ReleasePending(ctx, "p1"))
	require.NoError(t, s.InsertPending(ctx, pending("p2", "XYZ")))

	assert.ErrorIs(t, s.ReleasePending(ctx, "p1"), ErrClaimLost)
}

func TestConcurrentClaimsAdmitOne(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := s.InsertPending(ctx, pending("p"+string(rune('a'+i)), "XYZ"))
			if err == nil {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, accepted)
}

func TestClaimReleaseAndClose(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := openPosition(t, s, "p1", "XYZ")

	claimed, err := s.ClaimClosing(ctx, "p1", domain.ExitTakeProfit, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, domain.PositionClosing, claimed.Status)
	assert.Equal(t, "exit-p1-1", claimed.ExitClientOrderID)
	assert.Equal(t, domain.ExitTakeProfit, claimed.ExitReason)
	assert.Equal(t, t0.Add(time.Hour), claimed.ClaimedAt)

	// Only one closer wins.
	_, err = s.ClaimClosing(ctx, "p1", domain.ExitManual, t0.Add(time.Hour))
	assert.ErrorIs(t, err, ErrClaimLost)

	require.NoError(t, s.ReleaseClaim(ctx, "p1"))
	got, err := s.GetPosition(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, domain.PositionOpen, got.Status)
	assert.True(t, got.ClaimedAt.IsZero())
	assert.Empty(t, got.ExitClientOrderID)
	assert.Empty(t, got.ExitReason)

	// Close requires the claim.
	cp := domain.NewClosedPosition(p, 11, t0.Add(2*time.Hour), domain.ExitTakeProfit)
	assert.ErrorIs(t, s.ClosePosition(ctx, cp), ErrClaimLost)

	// A new claim never reuses an exit id.
	claimed, err = s.ClaimClosing(ctx, "p1", domain.ExitTakeProfit, t0.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, domain.ExitClientOrderID("p1", 2), claimed.ExitClientOrderID)
	require.NoError(t, s.ClosePosition(ctx, cp))

	_, err = s.GetActive(ctx, "XYZ")
	assert.ErrorIs(t, err, ErrNotFound)

	closed, err := s.ListClosed(ctx, 10)
	require.NoError(t, err)
	require.Len(t, closed, 1)
	assert.Equal(t, "p1", closed[0].Position.ID)
	assert.Equal(t, domain.ExitTakeProfit, closed[0].ExitReason)
	assert.InDelta(t, 98.0, closed[0].RealizedPnL, 1e-9)
	assert.Equal(t, []string{"o-1", "o-2"}, closed[0].Position.BrokerOrderIDs)

	// The ticker is free again.
	require.NoError(t, s.InsertPending(ctx, pending("p2", "XYZ")))
}

func TestClosedPositionIsRecordedOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := openPosition(t, s, "p1", "XYZ")

	_, err := s.ClaimClosing(ctx, "p1", domain.ExitStopLoss, t0)
	require.NoError(t, err)
	cp := domain.NewClosedPosition(p, 9.5, t0.Add(time.Hour), domain.ExitStopLoss)
	require.NoError(t, s.ClosePosition(ctx, cp))
	assert.Error(t, s.ClosePosition(ctx, cp))

	closed, err := s.ListClosed(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, closed, 1)
}

func TestRenewClaim(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	openPosition(t, s, "p1", "XYZ")

	ok, err := s.RenewClaim(ctx, "p1", time.Time{}, t0)
	require.NoError(t, err)
	assert.False(t, ok, "an OPEN row has no claim to renew")

	_, err = s.ClaimClosing(ctx, "p1", domain.ExitMaxHold, t0)
	require.NoError(t, err)

	ok, err = s.RenewClaim(ctx, "p1", t0, t0.Add(10*time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)

	// A second renewer holding the old claim time loses.
	ok, err = s.RenewClaim(ctx, "p1", t0, t0.Add(11*time.Minute))
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := s.GetPosition(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, domain.PositionClosing, got.Status)
	assert.Equal(t, t0.Add(10*time.Minute), got.ClaimedAt)
	assert.Equal(t, "exit-p1-1", got.ExitClientOrderID)
}

func TestRecordPartialExit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	openPosition(t, s, "p1", "XYZ")

	claimed, err := s.ClaimClosing(ctx, "p1", domain.ExitTakeProfit, t0)
	require.NoError(t, err)

	got, err := s.RecordPartialExit(ctx, "p1", claimed.ExitClientOrderID, 40, 12, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, domain.PositionClosing, got.Status)
	assert.Equal(t, int64(60), got.Quantity)
	assert.Equal(t, int64(40), got.ExitedQuantity)
	assert.InDelta(t, 480.0, got.ExitedValue, 1e-9)
	assert.Equal(t, "exit-p1-2", got.ExitClientOrderID)
	assert.Equal(t, t0.Add(time.Minute), got.ClaimedAt)

	// The same exit order cannot be booked twice.
	_, err = s.RecordPartialExit(ctx, "p1", claimed.ExitClientOrderID, 40, 12, t0.Add(time.Minute))
	assert.ErrorIs(t, err, ErrClaimLost)

	// A fill covering everything held is a close, not a partial.
	_, err = s.RecordPartialExit(ctx, "p1", got.ExitClientOrderID, 60, 12, t0.Add(time.Minute))
	assert.ErrorIs(t, err, ErrClaimLost)

	n, notional, err := s.ActiveExposure(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.InDelta(t, 60*10.02, notional, 1e-9)

	cp := got.Close(60, 11, t0.Add(2*time.Minute), domain.ExitTakeProfit)
	require.NoError(t, s.ClosePosition(ctx, cp))
	closed, err := s.ListClosed(ctx, 1)
	require.NoError(t, err)
	require.Len(t, closed, 1)
	assert.Equal(t, int64(100), closed[0].Position.Quantity)
	assert.InDelta(t, 11.4, closed[0].ExitPrice, 1e-9)
}

func TestActiveExposureAndList(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	n, notional, err := s.ActiveExposure(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, notional)

	openPosition(t, s, "p1", "XYZ")
	require.NoError(t, s.InsertPending(ctx, pending("p2", "ABC")))

	n, notional, err = s.ActiveExposure(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.InDelta(t, 1002+1000, notional, 1e-9)

	active, err := s.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, "p1", active[0].ID)
	assert.Equal(t, domain.PositionPending, active[1].Status)
}

func TestWatermarks(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, ok, err := s.Watermark(ctx, "XYZ")
	require.NoError(t, err)
	assert.False(t, ok)

	advanced, err := s.AdvanceWatermark(ctx, "XYZ", "s1", t0)
	require.NoError(t, err)
	assert.True(t, advanced)

	// Equal timestamps are stale.
	advanced, err = s.AdvanceWatermark(ctx, "XYZ", "s1", t0)
	require.NoError(t, err)
	assert.False(t, advanced)

	advanced, err = s.AdvanceWatermark(ctx, "XYZ", "s0", t0.Add(-time.Minute))
	require.NoError(t, err)
	assert.False(t, advanced)

	advanced, err = s.AdvanceWatermark(ctx, "XYZ", "s2", t0.Add(time.Nanosecond))
	require.NoError(t, err)
	assert.True(t, advanced)

	at, ok, err := s.Watermark(ctx, "XYZ")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, t0.Add(time.Nanosecond), at)
}

func TestSignalJournal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i, ticker := range []string{"XYZ", "ABC", "XYZ"} {
		require.NoError(t, s.RecordSignal(ctx, SignalRecord{
			Signal: domain.TradingSignal{
				ID:          "s" + string(rune('1'+i)),
				Ticker:      ticker,
				Action:      domain.ActionHold,
				Reason:      domain.ReasonNeutral,
				GeneratedAt: t0.Add(time.Duration(i) * time.Minute),
			},
			State:      domain.StateIdle,
			Reason:     domain.ReasonNeutral,
			RecordedAt: t0,
		}))
	}

	all, err := s.ListSignals(ctx, "", 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	xyz, err := s.ListSignals(ctx, "XYZ", 1)
	require.NoError(t, err)
	require.Len(t, xyz, 1)
	assert.Equal(t, "s3", xyz[0].Signal.ID)
	assert.Equal(t, domain.StateIdle, xyz[0].State)
	assert.Equal(t, t0.Add(2*time.Minute), xyz[0].Signal.GeneratedAt)
}

func TestJournalClosedAndEvents(t *testing.T) {
	j := NewJournal(t.TempDir())

	empty, err := j.ReadClosed(t0)
	require.NoError(t, err)
	assert.Empty(t, empty)

	p := domain.ManagedPosition{ID: "p1", Ticker: "XYZ", Side: domain.SideBuy, Quantity: 100, EntryPrice: 10, EntryTime: t0}
	cp := domain.NewClosedPosition(p, 11, t0.Add(time.Hour), domain.ExitTakeProfit)
	require.NoError(t, j.AppendClosed(cp))
	require.NoError(t, j.AppendClosed(cp)) // same id replaces

	p2 := p
	p2.ID = "p2"
	require.NoError(t, j.AppendClosed(domain.NewClosedPosition(p2, 9, t0.Add(2*time.Hour), domain.ExitStopLoss)))

	closed, err := j.ReadClosed(t0)
	require.NoError(t, err)
	require.Len(t, closed, 2)
	assert.Equal(t, "p1", closed[0].Position.ID)
	assert.InDelta(t, 100.0, closed[0].RealizedPnL, 1e-9)
	assert.Equal(t, domain.ExitStopLoss, closed[1].ExitReason)

	require.NoError(t, j.AppendEvent(domain.LifecycleEvent{Ticker: "XYZ", Action: domain.LifecycleClosed, Price: 11, Timestamp: t0.Add(time.Hour), Reason: "TAKE_PROFIT", PositionID: "p1"}))
	require.NoError(t, j.AppendEvent(domain.LifecycleEvent{Ticker: "XYZ", Action: domain.LifecycleOpened, Price: 10, Timestamp: t0, PositionID: "p1"}))

	events, err := j.ReadEvents(t0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, domain.LifecycleOpened, events[0].Action)
	assert.Equal(t, domain.LifecycleClosed, events[1].Action)
	assert.Equal(t, t0, events[0].Timestamp)
}

func TestJournalKeepsUnreadableFile(t *testing.T) {
	j := NewJournal(t.TempDir())
	p := domain.ManagedPosition{ID: "p1", Ticker: "XYZ", Side: domain.SideBuy, Quantity: 100, EntryPrice: 10, EntryTime: t0}
	cp := domain.NewClosedPosition(p, 11, t0.Add(time.Hour), domain.ExitTakeProfit)

	path := j.closedPath(cp.ExitTime)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("not parquet"), 0o644))

	assert.Error(t, j.AppendClosed(cp))
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "not parquet", string(raw))

	_, err = j.ReadClosed(t0)
	assert.Error(t, err)

	events := j.eventPath(t0)
	require.NoError(t, os.MkdirAll(filepath.Dir(events), 0o755))
	require.NoError(t, os.WriteFile(events, []byte("garbage"), 0o644))
	assert.Error(t, j.AppendEvent(domain.LifecycleEvent{Ticker: "XYZ", Action: domain.LifecycleOpened, Timestamp: t0}))
}
