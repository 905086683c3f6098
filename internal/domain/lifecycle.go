package domain

import "time"

// LifecycleAction is the kind of lifecycle record emitted to collaborators.
type LifecycleAction string

const (
	LifecycleOpened LifecycleAction = "OPENED"
	LifecycleClosed LifecycleAction = "CLOSED"
	LifecycleAlert  LifecycleAction = "ALERT"
)

// LifecycleEvent is emitted on position open/close and for operational
// alerts. Rendering and delivery are left to the subscriber.
type LifecycleEvent struct {
	Ticker     string          `json:"ticker"`
	Action     LifecycleAction `json:"action"`
	Price      float64         `json:"price"`
	Timestamp  time.Time       `json:"timestamp"`
	Reason     string          `json:"reason"`
	PositionID string          `json:"position_id,omitempty"`
}

// TickerState is the per-ticker processing state of the engine.
type TickerState string

const (
	StateIdle           TickerState = "IDLE"
	StateSignalReceived TickerState = "SIGNAL_RECEIVED"
	StateRiskApproved   TickerState = "RISK_APPROVED"
	StateOrderSubmitted TickerState = "ORDER_SUBMITTED"
	StatePositionOpen   TickerState = "POSITION_OPEN"
	StateMonitoring     TickerState = "MONITORING"
	StatePositionClosed TickerState = "POSITION_CLOSED"
	StateRejected       TickerState = "REJECTED"
)

// Outcome summarizes one pass of a scored item through the engine.
type Outcome struct {
	Ticker     string           `json:"ticker"`
	State      TickerState      `json:"state"`
	Signal     *TradingSignal   `json:"signal,omitempty"`
	Reason     ReasonCode       `json:"reason,omitempty"`
	Detail     string           `json:"detail,omitempty"`
	PositionID string           `json:"position_id,omitempty"`
	Execution  *ExecutionResult `json:"execution,omitempty"`
}
