package signal

import (
	"math"
	"strings"

	"github.com/shopspring/decimal"

	"catalyst/internal/domain"
)

// Config holds the classification and sizing parameters.
type Config struct {
	BuyKeywords     []string
	AvoidKeywords   []string
	NeutralBand     float64
	RelevanceWeight float64
	SentimentWeight float64
	ConfidenceFloor float64

	NotionalPerTrade       float64
	ScaleByConfidence      bool
	MaxShares              int64
	MaxPositionPctOfEquity float64
	StopLossPct            float64
	TakeProfitPct          float64
	MinRiskRewardRatio     float64
	TickSize               float64
}

// Decision is the outcome of classifying a Candidate.
type Decision struct {
	Action     domain.Action
	Confidence float64
	Reason     domain.ReasonCode
}

// Generator classifies candidates and builds sized trading signals.
type Generator struct {
	cfg   Config
	buy   map[string]struct{}
	avoid map[string]struct{}
}

// NewGenerator creates a Generator. Keywords are matched against candidate
// tags case-insensitively.
func NewGenerator(cfg Config) *Generator {
	g := &Generator{cfg: cfg, buy: make(map[string]struct{}), avoid: make(map[string]struct{})}
	for _, k := range cfg.BuyKeywords {
		g.buy[strings.ToLower(strings.TrimSpace(k))] = struct{}{}
	}
	for _, k := range cfg.AvoidKeywords {
		g.avoid[strings.ToLower(strings.TrimSpace(k))] = struct{}{}
	}
	return g
}

// Classify decides the action for c. Avoid keywords take precedence over buy
// keywords; without a keyword match only clearly negative sentiment produces
// an action (CLOSE). Any action below the confidence floor becomes HOLD.
func (g *Generator) Classify(c Candidate) Decision {
	d := Decision{Confidence: g.confidence(c)}

	switch {
	case g.matches(c, g.avoid):
		d.Action, d.Reason = domain.ActionClose, domain.ReasonKeywordAvoid
	case g.matches(c, g.buy):
		d.Action, d.Reason = domain.ActionBuy, domain.ReasonKeywordBuy
	case math.Abs(c.Sentiment) < g.cfg.NeutralBand:
		d.Action, d.Reason = domain.ActionHold, domain.ReasonNeutral
	case c.Sentiment <= -g.cfg.NeutralBand:
		d.Action, d.Reason = domain.ActionClose, domain.ReasonNegativeSentiment
	default:
		d.Action, d.Reason = domain.ActionHold, domain.ReasonNoKeyword
	}

	if d.Action != domain.ActionHold && d.Confidence < g.cfg.ConfidenceFloor {
		d.Action, d.Reason = domain.ActionHold, domain.ReasonLowConfidence
	}
	return d
}

func (g *Generator) matches(c Candidate, keywords map[string]struct{}) bool {
	for _, t := range c.Tags {
		if _, ok := keywords[t]; ok {
			return true
		}
	}
	return false
}

func (g *Generator) confidence(c Candidate) float64 {
	conf := clamp(g.cfg.RelevanceWeight*c.Relevance+g.cfg.SentimentWeight*math.Abs(c.Sentiment), 0, 1)
	if c.SourceWeight > 0 {
		conf *= clamp(c.SourceWeight, 0.5, 1.5)
	}
	return clamp(conf, 0, 1)
}

// Build produces the TradingSignal for c. For BUY decisions it sizes the
// order at price and places stop and target on the tick grid; a plan that
// cannot be sized or fails the risk/reward floor is downgraded to HOLD.
func (g *Generator) Build(c Candidate, d Decision, price float64, account domain.Account) domain.TradingSignal {
	sig := domain.TradingSignal{
		ID:                  c.SignalID,
		Ticker:              c.Ticker,
		Action:              d.Action,
		Confidence:          d.Confidence,
		Reason:              d.Reason,
		OriginatingSignalID: c.ItemID,
		GeneratedAt:         c.GeneratedAt,
		EntryPriceHint:      price,
	}
	if sig.OriginatingSignalID == "" {
		sig.OriginatingSignalID = c.SignalID
	}
	if d.Action != domain.ActionBuy {
		return sig
	}

	if price <= 0 || math.IsNaN(price) || math.IsInf(price, 0) {
		return hold(sig, domain.ReasonNoPrice)
	}

	px := decimal.NewFromFloat(price)
	stop := g.toTick(px.Mul(decimal.NewFromFloat(1 - g.cfg.StopLossPct)))
	target := g.toTick(px.Mul(decimal.NewFromFloat(1 + g.cfg.TakeProfitPct)))
	sig.StopLossPrice = stop.InexactFloat64()
	sig.TakeProfitPrice = target.InexactFloat64()

	risk := px.Sub(stop)
	if risk.Sign() > 0 {
		sig.RiskRewardRatio = target.Sub(px).Div(risk).InexactFloat64()
	}

	sig.SuggestedQuantity = g.quantity(px, d.Confidence, account.Equity)

	switch {
	case sig.SuggestedQuantity <= 0:
		return hold(sig, domain.ReasonZeroQuantity)
	case risk.Sign() <= 0 || sig.RiskRewardRatio < g.cfg.MinRiskRewardRatio:
		return hold(sig, domain.ReasonRiskRewardBelowMin)
	}
	return sig
}

func (g *Generator) quantity(px decimal.Decimal, confidence, equity float64) int64 {
	scalar := 1.0
	if g.cfg.ScaleByConfidence {
		scalar = confidence
	}
	qty := decimal.NewFromFloat(g.cfg.NotionalPerTrade * scalar).Div(px).Floor().IntPart()

	if g.cfg.MaxShares > 0 && qty > g.cfg.MaxShares {
		qty = g.cfg.MaxShares
	}
	if g.cfg.MaxPositionPctOfEquity > 0 {
		maxByEquity := decimal.NewFromFloat(equity * g.cfg.MaxPositionPctOfEquity).Div(px).Floor().IntPart()
		if qty > maxByEquity {
			qty = maxByEquity
		}
	}
	return qty
}

// toTick rounds v to the nearest multiple of the tick size.
func (g *Generator) toTick(v decimal.Decimal) decimal.Decimal {
	if g.cfg.TickSize <= 0 {
		return v
	}
	tick := decimal.NewFromFloat(g.cfg.TickSize)
	return v.Div(tick).Round(0).Mul(tick)
}

func hold(sig domain.TradingSignal, reason domain.ReasonCode) domain.TradingSignal {
	sig.Action = domain.ActionHold
	sig.Reason = reason
	return sig
}
