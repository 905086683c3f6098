// Package store defines storage interfaces for the service's durable state:
// managed positions, closed positions, the signal journal and per-ticker
// signal watermarks.
package store

import (
	"context"
	"errors"
	"time"

	"catalyst/internal/domain"
)

var (
	// ErrNotFound is returned when no row matches the lookup.
	ErrNotFound = errors.New("store: not found")
	// ErrActivePosition is returned when a ticker already has an active
	// (pending, open or closing) position.
	ErrActivePosition = errors.New("store: ticker already has an active position")
	// ErrClaimLost is returned when a status transition finds the row in an
	// unexpected state, meaning another actor got there first.
	ErrClaimLost = errors.New("store: position state changed concurrently")
)

// Fill carries the confirmed entry of a pending position.
type Fill struct {
	Quantity        int64
	Price           float64
	Time            time.Time
	MaxHoldDeadline time.Time
	BrokerOrderIDs  []string
}

// PositionStore persists managed positions. Status transitions are
// compare-and-set operations so the store itself acts as the per-ticker lock.
type PositionStore interface {
	// InsertPending claims the ticker by inserting a PENDING row. Returns
	// ErrActivePosition if the ticker already has an active row.
	InsertPending(ctx context.Context, p domain.ManagedPosition) error

	// MarkOpen moves a PENDING row to OPEN with the actual fill.
	MarkOpen(ctx context.Context, id string, fill Fill) (domain.ManagedPosition, error)

	// ReleasePending deletes a PENDING row whose entry never executed.
	ReleasePending(ctx context.Context, id string) error

	// ClaimClosing moves an OPEN row to CLOSING for reason and assigns the
	// claim a fresh exit client order id. Returns ErrClaimLost if the row
	// was not OPEN.
	ClaimClosing(ctx context.Context, id string, reason domain.ExitReason, now time.Time) (domain.ManagedPosition, error)

	// RenewClaim moves the claim time of a CLOSING row from prev to now. It
	// returns false if another actor renewed or released the claim first.
	RenewClaim(ctx context.Context, id string, prev, now time.Time) (bool, error)

	// RecordPartialExit books qty shares sold at price by the exit order
	// exitClientOrderID, reduces the held quantity and assigns the next exit
	// client order id. The row stays CLOSING.
	RecordPartialExit(ctx context.Context, id, exitClientOrderID string, qty int64, price float64, now time.Time) (domain.ManagedPosition, error)

	// ReleaseClaim moves a CLOSING row back to OPEN. Only for exits known
	// not to have sold anything.
	ReleaseClaim(ctx context.Context, id string) error

	// ClosePosition records cp and deletes its CLOSING active row in one transaction.
	ClosePosition(ctx context.Context, cp domain.ClosedPosition) error

	// GetPosition returns an active position by id.
	GetPosition(ctx context.Context, id string) (domain.ManagedPosition, error)

	// GetActive returns the active position for ticker.
	GetActive(ctx context.Context, ticker string) (domain.ManagedPosition, error)

	// ListActive returns all active positions ordered by creation.
	ListActive(ctx context.Context) ([]domain.ManagedPosition, error)

	// ListClosed returns the most recent closed positions, up to limit.
	ListClosed(ctx context.Context, limit int) ([]domain.ClosedPosition, error)

	// ActiveExposure returns the number of active positions and the sum of
	// their notional values.
	ActiveExposure(ctx context.Context) (int, float64, error)
}

// SignalRecord is one entry in the signal journal.
type SignalRecord struct {
	Signal     domain.TradingSignal
	State      domain.TickerState
	Reason     domain.ReasonCode
	Detail     string
	PositionID string
	RecordedAt time.Time
}

// SignalStore persists the signal journal and per-ticker watermarks.
type SignalStore interface {
	// RecordSignal appends rec to the journal.
	RecordSignal(ctx context.Context, rec SignalRecord) error

	// ListSignals returns the most recent records for ticker (all tickers
	// when empty), up to limit.
	ListSignals(ctx context.Context, ticker string, limit int) ([]SignalRecord, error)

	// AdvanceWatermark records at as the newest accepted signal time for
	// ticker. It returns false, leaving the watermark unchanged, when at is
	// not strictly newer.
	AdvanceWatermark(ctx context.Context, ticker, signalID string, at time.Time) (bool, error)

	// Watermark returns the newest accepted signal time for ticker.
	Watermark(ctx context.Context, ticker string) (time.Time, bool, error)
}
