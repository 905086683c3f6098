package position

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"catalyst/internal/domain"
)

// MismatchKind describes how the store and the broker disagree.
type MismatchKind string

const (
	MissingAtBroker MismatchKind = "MISSING_AT_BROKER"
	QuantityDiffers MismatchKind = "QUANTITY_DIFFERS"
	Untracked       MismatchKind = "UNTRACKED"
)

// Mismatch is one disagreement found by Reconcile. Quantities are signed:
// short positions are negative.
type Mismatch struct {
	Kind           MismatchKind `json:"kind"`
	Ticker         string       `json:"ticker"`
	PositionID     string       `json:"position_id,omitempty"`
	StoreQuantity  int64        `json:"store_quantity"`
	BrokerQuantity int64        `json:"broker_quantity"`
}

// Err returns the mismatch as a typed error.
func (mm Mismatch) Err() *domain.Error {
	return domain.Errorf(domain.KindReconciliationMismatch, "%s %s: store %d, broker %d",
		mm.Ticker, mm.Kind, mm.StoreQuantity, mm.BrokerQuantity)
}

// Reconcile compares open and closing positions in the store with the
// broker's positions. Every mismatch is logged at error level and emitted
// as an ALERT; none is resolved automatically. Pending entries are skipped.
func (m *Manager) Reconcile(ctx context.Context) ([]Mismatch, error) {
	active, err := m.Store.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("reconcile: %w", err)
	}
	held, err := m.Broker.GetPositions(ctx)
	if err != nil {
		return nil, fmt.Errorf("reconcile: %w", err)
	}

	atBroker := make(map[string]int64, len(held))
	for _, bp := range held {
		atBroker[bp.Ticker] += bp.Quantity
	}

	var out []Mismatch
	tracked := make(map[string]bool, len(active))
	for _, p := range active {
		tracked[p.Ticker] = true
		if p.Status == domain.PositionPending {
			continue
		}
		want := p.Quantity
		if p.Side == domain.SideSell {
			want = -want
		}
		got, ok := atBroker[p.Ticker]
		switch {
		case !ok || got == 0:
			out = append(out, Mismatch{Kind: MissingAtBroker, Ticker: p.Ticker, PositionID: p.ID, StoreQuantity: want})
		case got != want:
			out = append(out, Mismatch{Kind: QuantityDiffers, Ticker: p.Ticker, PositionID: p.ID, StoreQuantity: want, BrokerQuantity: got})
		}
	}
	for _, bp := range held {
		if !tracked[bp.Ticker] && bp.Quantity != 0 {
			out = append(out, Mismatch{Kind: Untracked, Ticker: bp.Ticker, BrokerQuantity: bp.Quantity})
			tracked[bp.Ticker] = true
		}
	}

	now := m.now()
	for _, mm := range out {
		m.log.Error("reconciliation mismatch",
			zap.String("kind", string(mm.Kind)),
			zap.String("ticker", mm.Ticker),
			zap.String("position_id", mm.PositionID),
			zap.Int64("store_qty", mm.StoreQuantity),
			zap.Int64("broker_qty", mm.BrokerQuantity))
		m.publish(domain.LifecycleEvent{
			Ticker:     mm.Ticker,
			Action:     domain.LifecycleAlert,
			Timestamp:  now,
			Reason:     mm.Err().Error(),
			PositionID: mm.PositionID,
		})
	}
	if len(out) == 0 {
		m.log.Info("reconciliation clean", zap.Int("positions", len(active)), zap.Int("broker_positions", len(held)))
	}
	return out, nil
}
