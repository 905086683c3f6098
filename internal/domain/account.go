package domain

// AccountStatus is the broker-reported trading status of the account.
type AccountStatus string

const (
	AccountActive     AccountStatus = "ACTIVE"
	AccountRestricted AccountStatus = "RESTRICTED"
	AccountBlocked    AccountStatus = "BLOCKED"
	AccountUnknown    AccountStatus = "UNKNOWN"
)

// Account is a read-only broker snapshot taken for a single risk check.
type Account struct {
	Equity      float64       `json:"equity"`
	BuyingPower float64       `json:"buying_power"`
	Cash        float64       `json:"cash"`
	Status      AccountStatus `json:"status"`
}

// Tradable reports whether new orders may be placed on the account.
func (a Account) Tradable() bool {
	return a.Status == AccountActive && a.Equity > 0
}

// BrokerPosition is the broker's own view of a holding.
type BrokerPosition struct {
	Ticker        string  `json:"ticker"`
	Quantity      int64   `json:"quantity"`
	AvgEntryPrice float64 `json:"avg_entry_price"`
	MarketValue   float64 `json:"market_value"`
	UnrealizedPnL float64 `json:"unrealized_pnl"`
}
