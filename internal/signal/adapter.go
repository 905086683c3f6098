// Package signal turns scored news items into trading signals. Adapt
// normalizes an upstream item into a Candidate; Generator classifies the
// candidate and sizes the resulting order plan. Neither performs I/O.
package signal

import (
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/go-playground/validator/v10"

	"catalyst/internal/domain"
)

var validate = validator.New()

// Candidate is a validated, normalized scored item ready for
// classification.
type Candidate struct {
	SignalID     string
	ItemID       string
	Ticker       string
	Relevance    float64
	Sentiment    float64
	SourceWeight float64
	Tags         []string // lower-case, unique, sorted
	// KeywordHits are the upstream scorer's own keyword matches. They are
	// informational and take no part in classification.
	KeywordHits    []string
	ReferencePrice float64
	GeneratedAt    time.Time
}

// HasTag reports whether the candidate carries tag.
func (c Candidate) HasTag(tag string) bool {
	i := sort.SearchStrings(c.Tags, tag)
	return i < len(c.Tags) && c.Tags[i] == tag
}

// Adapter converts ScoredItems into Candidates.
type Adapter struct {
	// EarningsSurprisePct is the EPS surprise, in percent, at which an
	// earnings context becomes an earnings_beat or earnings_miss tag.
	EarningsSurprisePct float64
}

// DefaultAdapter uses a 5% earnings surprise threshold.
var DefaultAdapter = Adapter{EarningsSurprisePct: 5}

// Adapt converts item using DefaultAdapter.
func Adapt(item domain.ScoredItem) (Candidate, error) {
	return DefaultAdapter.Adapt(item)
}

// Adapt validates and normalizes item. The same item always yields the same
// Candidate, including its signal id and GeneratedAt, so a replayed item is
// recognizable downstream.
func (a Adapter) Adapt(item domain.ScoredItem) (Candidate, error) {
	if err := validate.Struct(item); err != nil {
		return Candidate{}, adaptationError(err)
	}
	ticker := strings.ToUpper(strings.TrimSpace(item.Ticker))
	if ticker == "" {
		return Candidate{}, domain.NewError(domain.KindAdaptation, "ticker is blank")
	}
	for _, f := range []float64{item.Relevance, item.Sentiment, item.SourceWeight, item.ReferencePrice} {
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return Candidate{}, domain.NewError(domain.KindAdaptation, "scores must be finite")
		}
	}

	tags := newTagSet()
	tags.add(item.Tags...)
	if item.Earnings.IsSome() {
		tags.add(a.earningsTags(item.Earnings.Unwrap())...)
	}
	if item.Filing.IsSome() {
		tags.add(filingTags(item.Filing.Unwrap())...)
	}

	hits := newTagSet()
	hits.add(item.KeywordHits...)

	c := Candidate{
		ItemID:         item.ID,
		Ticker:         ticker,
		Relevance:      clamp(item.Relevance, 0, 1),
		Sentiment:      clamp(item.Sentiment, -1, 1),
		SourceWeight:   math.Max(item.SourceWeight, 0),
		Tags:           tags.sorted(),
		KeywordHits:    hits.sorted(),
		ReferencePrice: item.ReferencePrice,
		GeneratedAt:    item.ScoredAt.UTC(),
	}
	c.SignalID = signalID(item.ID, c)
	return c, nil
}

func (a Adapter) earningsTags(e domain.EarningsContext) []string {
	var tags []string
	if s := e.SurprisePct(); a.EarningsSurprisePct > 0 {
		switch {
		case s >= a.EarningsSurprisePct:
			tags = append(tags, "earnings_beat")
		case s <= -a.EarningsSurprisePct:
			tags = append(tags, "earnings_miss")
		}
	}
	switch strings.ToLower(e.GuidanceChange) {
	case "raised":
		tags = append(tags, "guidance_raised")
	case "lowered":
		tags = append(tags, "guidance_lowered")
	}
	return tags
}

func filingTags(f domain.FilingContext) []string {
	var tags []string
	if form := slug(f.FormType); form != "" {
		tags = append(tags, "filing_"+form)
	}
	for _, it := range f.Items {
		if s := slug(it); s != "" {
			tags = append(tags, "item_"+s)
		}
	}
	return tags
}

// signalID returns id when set, otherwise a content hash of the candidate.
func signalID(id string, c Candidate) string {
	if id = strings.TrimSpace(id); id != "" {
		return id
	}
	h := sha1.New()
	fmt.Fprintf(h, "%s|%s|%s", c.Ticker, c.GeneratedAt.Format(time.RFC3339Nano), strings.Join(c.Tags, ","))
	return hex.EncodeToString(h.Sum(nil))
}

func adaptationError(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return domain.Wrap(domain.KindAdaptation,
			fmt.Sprintf("field %s failed %q", fe.Namespace(), fe.Tag()), err)
	}
	return domain.Wrap(domain.KindAdaptation, "invalid scored item", err)
}

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

type tagSet map[string]struct{}

func newTagSet() tagSet { return make(tagSet) }

func (s tagSet) add(tags ...string) {
	for _, t := range tags {
		if t = strings.ToLower(strings.TrimSpace(t)); t != "" {
			s[t] = struct{}{}
		}
	}
}

func (s tagSet) sorted() []string {
	out := make([]string, 0, len(s))
	for t := range s {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// slug lower-cases s and replaces runs of non-alphanumerics with "_".
func slug(s string) string {
	var b strings.Builder
	sep := false
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if sep && b.Len() > 0 {
				b.WriteByte('_')
			}
			b.WriteRune(r)
			sep = false
			continue
		}
		sep = true
	}
	return b.String()
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
