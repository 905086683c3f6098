// Package domain defines the core types shared across the catalyst trading
// service: scored news items, trading signals, broker snapshots, orders and
// the positions the service manages on top of them.
package domain

import (
	"time"

	"github.com/moznion/go-optional"
)

// ScoredItem is a classified news or filing event produced by the upstream
// scoring pipeline. It is immutable once received.
type ScoredItem struct {
	ID             string    `json:"id"`
	Ticker         string    `json:"ticker" validate:"required,max=12"`
	Relevance      float64   `json:"relevance" validate:"gte=0,lte=1"`
	Sentiment      float64   `json:"sentiment" validate:"gte=-1,lte=1"`
	Tags           []string  `json:"tags" validate:"dive,required"`
	SourceWeight   float64   `json:"source_weight" validate:"gte=0"`
	KeywordHits    []string  `json:"keyword_hits"`
	ReferencePrice float64   `json:"reference_price,omitempty" validate:"gte=0"`
	ScoredAt       time.Time `json:"scored_at" validate:"required"`

	Earnings optional.Option[EarningsContext] `json:"earnings,omitempty"`
	Filing   optional.Option[FilingContext]   `json:"filing,omitempty"`
}

// EarningsContext carries an earnings release attached to a scored item.
type EarningsContext struct {
	Period         string  `json:"period"`
	EPSActual      float64 `json:"eps_actual"`
	EPSEstimate    float64 `json:"eps_estimate"`
	RevenueActual  float64 `json:"revenue_actual"`
	RevenueEst     float64 `json:"revenue_estimate"`
	GuidanceChange string  `json:"guidance_change,omitempty"` // "raised", "lowered", "maintained"
}

// SurprisePct returns the EPS surprise in percent of the absolute estimate.
// A zero estimate yields zero.
func (e EarningsContext) SurprisePct() float64 {
	if e.EPSEstimate == 0 {
		return 0
	}
	est := e.EPSEstimate
	if est < 0 {
		est = -est
	}
	return (e.EPSActual - e.EPSEstimate) / est * 100
}

// FilingContext carries a regulatory filing attached to a scored item.
type FilingContext struct {
	FormType string    `json:"form_type"`
	Items    []string  `json:"items,omitempty"`
	FiledAt  time.Time `json:"filed_at"`
}
