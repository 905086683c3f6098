package domain

import (
	"fmt"
	"time"
)

// PositionStatus is the logical lock held on a ticker's active row.
type PositionStatus string

const (
	// PositionPending marks an entry order that has been claimed but not yet
	// confirmed filled.
	PositionPending PositionStatus = "PENDING"
	PositionOpen    PositionStatus = "OPEN"
	// PositionClosing marks a position claimed by an exit in progress.
	PositionClosing PositionStatus = "CLOSING"
)

// ExitReason records why a position was closed.
type ExitReason string

const (
	ExitStopLoss   ExitReason = "STOP_LOSS"
	ExitTakeProfit ExitReason = "TAKE_PROFIT"
	ExitMaxHold    ExitReason = "MAX_HOLD"
	ExitManual     ExitReason = "MANUAL"
	// ExitBrokerLeg is used when a protective bracket leg filled at the
	// broker before the monitor issued its own exit.
	ExitBrokerLeg ExitReason = "BROKER_EXIT"
)

// ManagedPosition is the service's authoritative record of a position. It is
// owned and mutated exclusively by the position manager.
type ManagedPosition struct {
	ID                  string         `json:"id"`
	Ticker              string         `json:"ticker"`
	Side                Side           `json:"side"`
	Quantity            int64          `json:"quantity"`
	EntryPrice          float64        `json:"entry_price"`
	EntryTime           time.Time      `json:"entry_time"`
	StopLossPrice       float64        `json:"stop_loss_price"`
	TakeProfitPrice     float64        `json:"take_profit_price"`
	MaxHoldDeadline     time.Time      `json:"max_hold_deadline"`
	OriginatingSignalID string         `json:"originating_signal_id"`
	BrokerOrderIDs      []string       `json:"broker_order_ids"`
	Status              PositionStatus `json:"status"`
	ClaimedAt           time.Time      `json:"claimed_at"`

	// Exit bookkeeping, set while the position is CLOSING. ExitClientOrderID
	// names the exit order of the current claim so an unobserved submission
	// can be looked up instead of repeated. ExitedQuantity and ExitedValue
	// accumulate partial exit fills; Quantity is what is still held.
	ExitClientOrderID string     `json:"exit_client_order_id,omitempty"`
	ExitReason        ExitReason `json:"exit_reason,omitempty"`
	ExitedQuantity    int64      `json:"exited_quantity,omitempty"`
	ExitedValue       float64    `json:"exited_value,omitempty"`
}

// Notional returns the position's value at entry. Pending rows carry the
// planned quantity and price.
func (p ManagedPosition) Notional() float64 {
	return float64(p.Quantity) * p.EntryPrice
}

// ExitClientOrderID is the client order id of the seq-th exit attempt of
// the position positionID.
func ExitClientOrderID(positionID string, seq int64) string {
	return fmt.Sprintf("exit-%s-%d", positionID, seq)
}

// Close builds the closed record for p once its last exit fill of qty
// shares at price is confirmed. Earlier partial fills are folded into a
// volume-weighted exit price over the full quantity.
func (p ManagedPosition) Close(qty int64, price float64, at time.Time, reason ExitReason) ClosedPosition {
	total := p.ExitedQuantity + qty
	exitPrice := price
	if total > 0 {
		exitPrice = (p.ExitedValue + float64(qty)*price) / float64(total)
	}
	full := p
	full.Quantity = total
	full.ExitClientOrderID, full.ExitReason = "", ""
	full.ExitedQuantity, full.ExitedValue = 0, 0
	return NewClosedPosition(full, exitPrice, at, reason)
}

// ClosedPosition is an immutable record of a finished position.
type ClosedPosition struct {
	Position       ManagedPosition `json:"position"`
	ExitPrice      float64         `json:"exit_price"`
	ExitTime       time.Time       `json:"exit_time"`
	ExitReason     ExitReason      `json:"exit_reason"`
	RealizedPnL    float64         `json:"realized_pnl"`
	RealizedPnLPct float64         `json:"realized_pnl_pct"`
}

// NewClosedPosition snapshots p and computes realized P&L for a long or
// short position.
func NewClosedPosition(p ManagedPosition, exitPrice float64, exitTime time.Time, reason ExitReason) ClosedPosition {
	diff := exitPrice - p.EntryPrice
	if p.Side == SideSell {
		diff = -diff
	}
	pct := 0.0
	if p.EntryPrice > 0 {
		pct = diff / p.EntryPrice * 100
	}
	return ClosedPosition{
		Position:       p,
		ExitPrice:      exitPrice,
		ExitTime:       exitTime,
		ExitReason:     reason,
		RealizedPnL:    diff * float64(p.Quantity),
		RealizedPnLPct: pct,
	}
}
