package domain

import "time"

// Action is the trading action a signal proposes.
type Action string

const (
	ActionBuy   Action = "BUY"
	ActionClose Action = "CLOSE"
	ActionHold  Action = "HOLD"
)

// ReasonCode explains why a signal was downgraded or rejected.
type ReasonCode string

const (
	ReasonNone                 ReasonCode = ""
	ReasonKeywordBuy           ReasonCode = "KEYWORD_BUY"
	ReasonKeywordAvoid         ReasonCode = "KEYWORD_AVOID"
	ReasonNegativeSentiment    ReasonCode = "NEGATIVE_SENTIMENT"
	ReasonNoKeyword            ReasonCode = "NO_KEYWORD"
	ReasonNeutral              ReasonCode = "NEUTRAL_SENTIMENT"
	ReasonLowConfidence        ReasonCode = "LOW_CONFIDENCE"
	ReasonRiskRewardBelowMin   ReasonCode = "RISK_REWARD_BELOW_MIN"
	ReasonZeroQuantity         ReasonCode = "ZERO_QUANTITY"
	ReasonNoPrice              ReasonCode = "NO_PRICE"
	ReasonAdaptation           ReasonCode = "ADAPTATION_ERROR"
	ReasonDuplicatePosition    ReasonCode = "DUPLICATE_POSITION"
	ReasonStaleSignal          ReasonCode = "STALE_SIGNAL"
	ReasonAccountNotTradable   ReasonCode = "ACCOUNT_NOT_TRADABLE"
	ReasonMaxConcurrent        ReasonCode = "MAX_CONCURRENT_POSITIONS"
	ReasonMaxExposure          ReasonCode = "MAX_EXPOSURE"
	ReasonInsufficientBuyPower ReasonCode = "INSUFFICIENT_BUYING_POWER"
	ReasonBrokerRejected       ReasonCode = "BROKER_REJECTED"
	ReasonBrokerFailed         ReasonCode = "BROKER_FAILED"
	ReasonUnknownOutcome       ReasonCode = "UNKNOWN_OUTCOME"
	ReasonAccountUnavailable   ReasonCode = "ACCOUNT_UNAVAILABLE"
	ReasonStoreFailure         ReasonCode = "STORE_FAILURE"
)

// TradingSignal is a candidate trading action derived from a ScoredItem. It
// is produced once by the signal generator and never mutated; a newer signal
// supersedes an older one.
type TradingSignal struct {
	ID                  string     `json:"id"`
	Ticker              string     `json:"ticker"`
	Action              Action     `json:"action"`
	Confidence          float64    `json:"confidence"`
	SuggestedQuantity   int64      `json:"suggested_quantity"`
	EntryPriceHint      float64    `json:"entry_price_hint"`
	StopLossPrice       float64    `json:"stop_loss_price"`
	TakeProfitPrice     float64    `json:"take_profit_price"`
	RiskRewardRatio     float64    `json:"risk_reward_ratio"`
	Reason              ReasonCode `json:"reason"`
	OriginatingSignalID string     `json:"originating_signal_id"`
	GeneratedAt         time.Time  `json:"generated_at"`
}

// Notional returns the planned entry value of the signal.
func (s TradingSignal) Notional() float64 {
	return float64(s.SuggestedQuantity) * s.EntryPriceHint
}

// Actionable reports whether the signal should reach the order path.
func (s TradingSignal) Actionable() bool {
	return s.Action == ActionBuy && s.SuggestedQuantity > 0
}
