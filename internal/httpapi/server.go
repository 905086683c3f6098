package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"catalyst/internal/broker"
	"catalyst/internal/domain"
	"catalyst/internal/lifecycle"
	"catalyst/internal/store"
)

// ItemProcessor runs a scored item through the trading pipeline.
type ItemProcessor interface {
	ProcessScoredItem(ctx context.Context, item domain.ScoredItem) domain.Outcome
}

// PositionCloser closes positions on operator request.
type PositionCloser interface {
	CloseManual(ctx context.Context, ticker string) (domain.ClosedPosition, error)
}

// Deps are the collaborators of a Server.
type Deps struct {
	Engine    ItemProcessor
	Closer    PositionCloser
	Positions store.PositionStore
	Signals   store.SignalStore
	Broker    broker.Broker
	Hub       *lifecycle.Hub
}

// Server serves the HTTP API.
type Server struct {
	Deps
	log *zap.Logger
}

// NewServer creates a new HTTP API server.
func NewServer(deps Deps, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{Deps: deps, log: log.With(zap.String("component", "httpapi"))}
}

// RegisterRoutes registers all API routes on the given router.
func (s *Server) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/api/items", s.handleSubmitItem).Methods(http.MethodPost)
	r.HandleFunc("/api/positions", s.handlePositions).Methods(http.MethodGet)
	r.HandleFunc("/api/positions/closed", s.handleClosed).Methods(http.MethodGet)
	r.HandleFunc("/api/positions/{ticker}/close", s.handleClose).Methods(http.MethodPost)
	r.HandleFunc("/api/signals", s.handleSignals).Methods(http.MethodGet)
	r.HandleFunc("/api/account", s.handleAccount).Methods(http.MethodGet)
	r.HandleFunc("/api/events", s.handleEvents).Methods(http.MethodGet)
}

// Handler returns an http.Handler with CORS middleware.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	s.RegisterRoutes(r)
	r.Use(corsMiddleware)
	return r
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("http server listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	name := ""
	if s.Broker != nil {
		name = s.Broker.Name()
	}
	s.writeJSON(w, http.StatusOK, HealthResponse{Status: "ok", Broker: name})
}

func (s *Server) handleSubmitItem(w http.ResponseWriter, r *http.Request) {
	var item domain.ScoredItem
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(&item); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("decoding item: %w", err))
		return
	}
	out := s.Engine.ProcessScoredItem(r.Context(), item)
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	positions, err := s.Positions.ListActive(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if positions == nil {
		positions = []domain.ManagedPosition{}
	}
	s.writeJSON(w, http.StatusOK, positions)
}

func (s *Server) handleClosed(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r, 100)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	closed, err := s.Positions.ListClosed(r.Context(), limit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if closed == nil {
		closed = []domain.ClosedPosition{}
	}
	s.writeJSON(w, http.StatusOK, closed)
}

func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	ticker := strings.ToUpper(mux.Vars(r)["ticker"])
	cp, err := s.Closer.CloseManual(r.Context(), ticker)
	switch {
	case err == nil:
		s.writeJSON(w, http.StatusOK, cp)
	case errors.Is(err, store.ErrNotFound):
		s.writeError(w, http.StatusNotFound, fmt.Errorf("no active position for %s", ticker))
	case errors.Is(err, store.ErrClaimLost):
		s.writeError(w, http.StatusConflict, err)
	case domain.KindOf(err) != "":
		s.writeError(w, http.StatusBadGateway, err)
	default:
		s.writeError(w, http.StatusInternalServerError, err)
	}
}

func (s *Server) handleSignals(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r, 100)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	ticker := strings.ToUpper(r.URL.Query().Get("ticker"))
	records, err := s.Signals.ListSignals(r.Context(), ticker, limit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	out := make([]SignalJSON, 0, len(records))
	for _, rec := range records {
		out = append(out, SignalJSON{
			Signal:     rec.Signal,
			State:      rec.State,
			Reason:     rec.Reason,
			Detail:     rec.Detail,
			PositionID: rec.PositionID,
			RecordedAt: rec.RecordedAt.UnixMilli(),
		})
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request) {
	acct, err := s.Broker.GetAccount(r.Context())
	if err != nil {
		s.writeError(w, http.StatusBadGateway, err)
		return
	}
	s.writeJSON(w, http.StatusOK, acct)
}

// handleEvents streams lifecycle events as server-sent events. Recent
// events are replayed first.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, errors.New("streaming unsupported"))
		return
	}
	id, ch := s.Hub.Subscribe(64)
	defer s.Hub.Unsubscribe(id)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	for _, e := range s.Hub.Recent() {
		if err := writeEvent(w, e); err != nil {
			return
		}
	}
	flusher.Flush()

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case e, open := <-ch:
			if !open {
				return
			}
			if err := writeEvent(w, e); err != nil {
				s.log.Debug("event stream closed", zap.Error(err))
				return
			}
			flusher.Flush()
		case <-keepalive.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, e domain.LifecycleEvent) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", strings.ToLower(string(e.Action)), data)
	return err
}

func parseLimit(r *http.Request, def int) (int, error) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid limit %q", v)
	}
	return n, nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("encoding JSON response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, ErrorResponse{Error: err.Error(), Kind: domain.KindOf(err)})
}
