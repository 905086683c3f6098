package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"catalyst/internal/broker"
	"catalyst/internal/domain"
	"catalyst/internal/lifecycle"
	"catalyst/internal/store"
)

type stubEngine struct {
	mu  sync.Mutex
	got []domain.ScoredItem
}

func (e *stubEngine) items() []domain.ScoredItem {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]domain.ScoredItem(nil), e.got...)
}

func (e *stubEngine) ProcessScoredItem(_ context.Context, item domain.ScoredItem) domain.Outcome {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.got = append(e.got, item)
	return domain.Outcome{Ticker: strings.ToUpper(item.Ticker), State: domain.StateIdle, Reason: domain.ReasonNeutral}
}

type stubCloser struct {
	mu  sync.Mutex
	err error
}

func (c *stubCloser) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.err = err
}

func (c *stubCloser) CloseManual(_ context.Context, ticker string) (domain.ClosedPosition, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return domain.ClosedPosition{}, c.err
	}
	p := domain.ManagedPosition{ID: "p1", Ticker: ticker, Side: domain.SideBuy, Quantity: 10, EntryPrice: 10}
	return domain.NewClosedPosition(p, 11, time.Now(), domain.ExitManual), nil
}

type testServer struct {
	*httptest.Server
	engine *stubEngine
	closer *stubCloser
	store  *store.SQLiteStore
	hub    *lifecycle.Hub
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	st, err := store.NewSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "catalyst.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	ts := &testServer{
		engine: &stubEngine{},
		closer: &stubCloser{},
		store:  st,
		hub:    lifecycle.NewHub(10, nil, zaptest.NewLogger(t)),
	}
	srv := NewServer(Deps{
		Engine:    ts.engine,
		Closer:    ts.closer,
		Positions: st,
		Signals:   st,
		Broker:    broker.NewSimulatorBroker(50_000),
		Hub:       ts.hub,
	}, zaptest.NewLogger(t))
	ts.Server = httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t)
	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	h := decode[HealthResponse](t, resp)
	assert.Equal(t, "ok", h.Status)
	assert.Equal(t, "simulator", h.Broker)
}

func TestSubmitItem(t *testing.T) {
	ts := newTestServer(t)

	body := `{"id":"n1","ticker":"xyz","relevance":0.9,"sentiment":0.1,"tags":["biotech"],"scored_at":"2024-05-02T13:30:00Z"}`
	resp, err := http.Post(ts.URL+"/api/items", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	out := decode[domain.Outcome](t, resp)
	assert.Equal(t, "XYZ", out.Ticker)
	assert.Equal(t, domain.StateIdle, out.State)

	got := ts.engine.items()
	require.Len(t, got, 1)
	assert.Equal(t, "n1", got[0].ID)
	assert.True(t, got[0].Earnings.IsNone())

	resp, err = http.Post(ts.URL+"/api/items", "application/json", strings.NewReader("{not json"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestSubmitItemWithEarnings(t *testing.T) {
	ts := newTestServer(t)

	body := `{"id":"n1","ticker":"XYZ","relevance":0.9,"sentiment":0.5,"tags":[],"scored_at":"2024-05-02T13:30:00Z",
		"earnings":{"period":"Q1","eps_actual":1.2,"eps_estimate":1.0}}`
	resp, err := http.Post(ts.URL+"/api/items", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()

	got := ts.engine.items()
	require.Len(t, got, 1)
	require.True(t, got[0].Earnings.IsSome())
	assert.Equal(t, 1.2, got[0].Earnings.Unwrap().EPSActual)
}

func TestPositionsAndClosed(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	resp, err := http.Get(ts.URL + "/api/positions")
	require.NoError(t, err)
	assert.Empty(t, decode[[]domain.ManagedPosition](t, resp))

	require.NoError(t, ts.store.InsertPending(ctx, domain.ManagedPosition{
		ID: "p1", Ticker: "XYZ", Side: domain.SideBuy, Quantity: 100, EntryPrice: 10,
		StopLossPrice: 9.5, TakeProfitPrice: 11,
	}))
	resp, err = http.Get(ts.URL + "/api/positions")
	require.NoError(t, err)
	positions := decode[[]domain.ManagedPosition](t, resp)
	require.Len(t, positions, 1)
	assert.Equal(t, domain.PositionPending, positions[0].Status)

	resp, err = http.Get(ts.URL + "/api/positions/closed?limit=5")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, decode[[]domain.ClosedPosition](t, resp))

	resp, err = http.Get(ts.URL + "/api/positions/closed?limit=abc")
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestClosePosition(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Post(ts.URL+"/api/positions/xyz/close", "application/json", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	cp := decode[domain.ClosedPosition](t, resp)
	assert.Equal(t, "XYZ", cp.Position.Ticker)
	assert.Equal(t, domain.ExitManual, cp.ExitReason)

	ts.closer.fail(store.ErrNotFound)
	resp, err = http.Post(ts.URL+"/api/positions/abc/close", "application/json", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()

	ts.closer.fail(domain.NewError(domain.KindBrokerRejected, "market closed"))
	resp, err = http.Post(ts.URL+"/api/positions/xyz/close", "application/json", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	e := decode[ErrorResponse](t, resp)
	assert.Equal(t, domain.KindBrokerRejected, e.Kind)

	resp, err = http.Get(ts.URL + "/api/positions/xyz/close")
	require.NoError(t, err)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	resp.Body.Close()
}

func TestAccountAndSignals(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/account")
	require.NoError(t, err)
	acct := decode[domain.Account](t, resp)
	assert.Equal(t, 50_000.0, acct.Equity)
	assert.Equal(t, domain.AccountActive, acct.Status)

	require.NoError(t, ts.store.RecordSignal(context.Background(), store.SignalRecord{
		Signal:     domain.TradingSignal{ID: "s1", Ticker: "XYZ", Action: domain.ActionHold},
		State:      domain.StateIdle,
		Reason:     domain.ReasonNeutral,
		RecordedAt: time.Date(2024, 5, 2, 14, 0, 0, 0, time.UTC),
	}))
	resp, err = http.Get(ts.URL + "/api/signals?ticker=xyz")
	require.NoError(t, err)
	signals := decode[[]SignalJSON](t, resp)
	require.Len(t, signals, 1)
	assert.Equal(t, "s1", signals[0].Signal.ID)
	assert.Equal(t, domain.ReasonNeutral, signals[0].Reason)
}

func TestEventStream(t *testing.T) {
	ts := newTestServer(t)
	ts.hub.Publish(domain.LifecycleEvent{Ticker: "XYZ", Action: domain.LifecycleOpened, Price: 10, PositionID: "p1"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	next := func() (string, domain.LifecycleEvent) {
		t.Helper()
		var name string
		var e domain.LifecycleEvent
		for {
			line, err := reader.ReadBytes('\n')
			require.NoError(t, err)
			line = bytes.TrimRight(line, "\n")
			switch {
			case bytes.HasPrefix(line, []byte("event: ")):
				name = string(line[len("event: "):])
			case bytes.HasPrefix(line, []byte("data: ")):
				require.NoError(t, json.Unmarshal(line[len("data: "):], &e))
			case len(line) == 0 && name != "":
				return name, e
			}
		}
	}

	name, e := next()
	assert.Equal(t, "opened", name)
	assert.Equal(t, "p1", e.PositionID)

	// Published after subscribing.
	go func() {
		time.Sleep(20 * time.Millisecond)
		ts.hub.Publish(domain.LifecycleEvent{Ticker: "XYZ", Action: domain.LifecycleClosed, Price: 11, Reason: "TAKE_PROFIT", PositionID: "p1"})
	}()
	name, e = next()
	assert.Equal(t, "closed", name)
	assert.Equal(t, "TAKE_PROFIT", e.Reason)
}
