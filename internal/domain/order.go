package domain

// Side is the direction of an order leg or position.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// OrderStatus is the normalized status of an order leg.
type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "NEW"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusCanceled        OrderStatus = "CANCELED"
	OrderStatusRejected        OrderStatus = "REJECTED"
)

// Final reports whether the status can no longer change.
func (s OrderStatus) Final() bool {
	return s == OrderStatusFilled || s == OrderStatusCanceled || s == OrderStatusRejected
}

// LegRole identifies a leg inside an order group.
type LegRole string

const (
	LegEntry      LegRole = "ENTRY"
	LegStopLoss   LegRole = "STOP_LOSS"
	LegTakeProfit LegRole = "TAKE_PROFIT"
	LegExit       LegRole = "EXIT"
)

// OrderLeg is one order inside a bracket (or a standalone exit order).
type OrderLeg struct {
	ID             string      `json:"id"`
	Role           LegRole     `json:"role"`
	Side           Side        `json:"side"`
	Quantity       int64       `json:"quantity"`
	Price          float64     `json:"price"` // limit or trigger price; 0 for market
	FilledQty      int64       `json:"filled_qty"`
	FilledAvgPrice float64     `json:"filled_avg_price"`
	Status         OrderStatus `json:"status"`
}

// Order is a broker order group. For a bracket, Legs[0] is the entry leg.
type Order struct {
	ID            string     `json:"id"`
	ClientOrderID string     `json:"client_order_id"`
	Ticker        string     `json:"ticker"`
	Legs          []OrderLeg `json:"legs"`
}

// Entry returns the entry (or single exit) leg of the order.
func (o Order) Entry() OrderLeg {
	if len(o.Legs) == 0 {
		return OrderLeg{}
	}
	return o.Legs[0]
}

// Leg returns the first leg with the given role.
func (o Order) Leg(role LegRole) (OrderLeg, bool) {
	for _, l := range o.Legs {
		if l.Role == role {
			return l, true
		}
	}
	return OrderLeg{}, false
}

// BracketRequest submits an entry with protective stop-loss and take-profit
// legs as one unit. EntryPrice 0 means a market entry.
type BracketRequest struct {
	ClientOrderID   string
	Ticker          string
	Side            Side
	Quantity        int64
	EntryPrice      float64
	StopLossPrice   float64
	TakeProfitPrice float64
}

// OrderRequest submits a single market order, used for exits.
type OrderRequest struct {
	ClientOrderID string
	Ticker        string
	Side          Side
	Quantity      int64
}

// ExecutionResult is the normalized outcome of an order submission.
type ExecutionResult struct {
	Success        bool       `json:"success"`
	OrderIDs       []string   `json:"order_ids,omitempty"`
	ClientOrderID  string     `json:"client_order_id"`
	FilledPrice    float64    `json:"filled_price"`
	FilledQuantity int64      `json:"filled_quantity"`
	ExitReason     ExitReason `json:"exit_reason,omitempty"`
	Err            *Error     `json:"error,omitempty"`
}

// Unknown reports whether the broker outcome could not be determined.
func (r ExecutionResult) Unknown() bool {
	return !r.Success && r.Err != nil && r.Err.Kind == KindUnknownOutcome
}
