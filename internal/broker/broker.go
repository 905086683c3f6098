// Package broker defines the Broker interface and provides implementations
// for executing orders and reading account state. AlpacaBroker talks to the
// Alpaca REST API; SimulatorBroker is an in-memory fake for paper runs and
// tests. Bridged and Traced are decorators layered over either.
package broker

import (
	"context"
	"errors"

	"catalyst/internal/domain"
)

// ErrOrderNotFound is returned when no order matches the requested id.
var ErrOrderNotFound = errors.New("broker: order not found")

// Broker abstracts brokerage operations for order execution and account
// management. Implementations return *domain.Error values classified as
// BrokerTransient or BrokerRejected so callers can decide whether to retry.
type Broker interface {
	// Name returns the broker identifier (e.g. "alpaca", "simulator").
	Name() string

	// GetAccount returns a snapshot of the account's financial metrics.
	GetAccount(ctx context.Context) (domain.Account, error)

	// GetPositions returns all current positions held at the brokerage.
	GetPositions(ctx context.Context) ([]domain.BrokerPosition, error)

	// SubmitBracketOrder places an entry order with attached stop-loss and
	// take-profit legs.
	SubmitBracketOrder(ctx context.Context, req domain.BracketRequest) (domain.Order, error)

	// SubmitOrder places a single market order.
	SubmitOrder(ctx context.Context, req domain.OrderRequest) (domain.Order, error)

	// GetOrder returns the current state of an order group by broker id.
	GetOrder(ctx context.Context, orderID string) (domain.Order, error)

	// GetOrderByClientID looks an order up by the caller-assigned id.
	// Returns ErrOrderNotFound when the broker has no such order.
	GetOrderByClientID(ctx context.Context, clientOrderID string) (domain.Order, error)

	// CancelOrder requests cancellation of an open order by its ID.
	CancelOrder(ctx context.Context, orderID string) error
}

// PriceSource supplies the latest traded price for a ticker.
type PriceSource interface {
	LatestPrice(ctx context.Context, ticker string) (float64, error)
}

// Transient wraps err as a retryable broker error.
func Transient(op string, err error) error {
	return domain.Wrap(domain.KindBrokerTransient, op, err)
}

// Rejected wraps err as a non-retryable broker rejection.
func Rejected(op string, err error) error {
	return domain.Wrap(domain.KindBrokerRejected, op, err)
}

// IsTransient reports whether err may succeed on retry.
func IsTransient(err error) bool {
	return domain.IsKind(err, domain.KindBrokerTransient)
}
