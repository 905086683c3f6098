package engine

import (
	"catalyst/internal/domain"
)

// RiskManager enforces pre-trade limits on account state, the number of
// concurrently active positions and total exposure.
type RiskManager struct {
	maxConcurrent  int
	maxExposurePct float64
}

// NewRiskManager creates a RiskManager with the specified thresholds.
//
//   - maxConcurrent: maximum number of active (pending, open or closing)
//     positions.
//   - maxExposurePct: maximum fraction of equity held across all active
//     positions including the new one (e.g. 0.5 for 50%).
func NewRiskManager(maxConcurrent int, maxExposurePct float64) *RiskManager {
	return &RiskManager{
		maxConcurrent:  maxConcurrent,
		maxExposurePct: maxExposurePct,
	}
}

// Check evaluates sig against the account and current exposure. It returns
// ReasonNone and nil when the signal may be executed, otherwise the reason
// code and a RiskRejected error.
func (rm *RiskManager) Check(sig domain.TradingSignal, account domain.Account, activeCount int, activeNotional float64) (domain.ReasonCode, error) {
	notional := sig.Notional()

	switch {
	case !account.Tradable():
		return reject(domain.ReasonAccountNotTradable, "account status %s, equity %.2f", account.Status, account.Equity)
	case activeCount >= rm.maxConcurrent:
		return reject(domain.ReasonMaxConcurrent, "%d active positions, limit %d", activeCount, rm.maxConcurrent)
	case (activeNotional+notional)/account.Equity > rm.maxExposurePct:
		return reject(domain.ReasonMaxExposure, "exposure %.2f + %.2f exceeds %.0f%% of equity %.2f",
			activeNotional, notional, rm.maxExposurePct*100, account.Equity)
	case notional > account.BuyingPower:
		return reject(domain.ReasonInsufficientBuyPower, "notional %.2f exceeds buying power %.2f", notional, account.BuyingPower)
	}
	return domain.ReasonNone, nil
}

func reject(reason domain.ReasonCode, format string, args ...any) (domain.ReasonCode, error) {
	return reason, domain.Errorf(domain.KindRiskRejected, string(reason)+": "+format, args...)
}
