// Package httpapi serves the catalyst HTTP API: scored item intake,
// position and signal queries, manual closes, the account snapshot and a
// server-sent stream of lifecycle events.
package httpapi

import (
	"catalyst/internal/domain"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string           `json:"error"`
	Kind  domain.ErrorKind `json:"kind,omitempty"`
}

// HealthResponse is returned by /healthz.
type HealthResponse struct {
	Status string `json:"status"`
	Broker string `json:"broker"`
}

// SignalJSON is one entry of the signal journal.
type SignalJSON struct {
	Signal     domain.TradingSignal `json:"signal"`
	State      domain.TickerState   `json:"state"`
	Reason     domain.ReasonCode    `json:"reason,omitempty"`
	Detail     string               `json:"detail,omitempty"`
	PositionID string               `json:"position_id,omitempty"`
	RecordedAt int64                `json:"recorded_at"` // unix millis
}
