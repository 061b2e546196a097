/*
Package pricing computes the authoritative estimated cost of a chapter.

The calculation is a pure function of page count, academic level, work type
and urgency. Clients may mirror it for display, but the value persisted on
the chapter is always the server-side result, so the function must be
deterministic: identical inputs yield identical totals.

Multiplier tables are fixed by product, not user-editable.
*/
package pricing

import (
	"github.com/shopspring/decimal"

	"github.com/quill/chapter-engine/core"
	"github.com/quill/chapter-engine/ledger"
)

// WordsPerPage converts a target word count into a page estimate.
const WordsPerPage = 250

var levelMultipliers = map[ledger.Level]decimal.Decimal{
	ledger.LevelMasters: decimal.NewFromInt(1),
	ledger.LevelPhD:     decimal.RequireFromString("1.3"),
}

var workTypeMultipliers = map[ledger.WorkType]decimal.Decimal{
	ledger.WorkCoursework: decimal.NewFromInt(1),
	ledger.WorkRevision:   decimal.RequireFromString("0.8"),
	ledger.WorkStatistics: decimal.RequireFromString("1.4"),
}

var urgencyMultipliers = map[ledger.Urgency]decimal.Decimal{
	ledger.UrgencyNormal:     decimal.NewFromInt(1),
	ledger.UrgencyUrgent:     decimal.RequireFromString("1.5"),
	ledger.UrgencyVeryUrgent: decimal.NewFromInt(2),
}

// Calculator prices chapters from a per-page base rate.
type Calculator struct {
	BaseRate decimal.Decimal
	Currency core.Currency
}

func NewCalculator(baseRate decimal.Decimal, currency core.Currency) *Calculator {
	return &Calculator{BaseRate: baseRate, Currency: currency}
}

// Input for an estimate. Pages, when non-zero, overrides the page count
// derived from TargetWordCount.
type Input struct {
	Pages           int
	TargetWordCount int
	Level           ledger.Level
	WorkType        ledger.WorkType
	Urgency         ledger.Urgency
}

// EffectivePages resolves the page count: the explicit estimate, or
// ceil(TargetWordCount / WordsPerPage).
func (in Input) EffectivePages() int {
	if in.Pages > 0 {
		return in.Pages
	}
	return (in.TargetWordCount + WordsPerPage - 1) / WordsPerPage
}

// Estimate computes round(pages × baseRate × level × workType × urgency).
func (c *Calculator) Estimate(in Input) (core.Money, error) {
	if !in.Level.Valid() {
		return core.Money{}, core.InvalidArgumentf("unknown academic level %q", in.Level)
	}
	if !in.WorkType.Valid() {
		return core.Money{}, core.InvalidArgumentf("unknown work type %q", in.WorkType)
	}
	if !in.Urgency.Valid() {
		return core.Money{}, core.InvalidArgumentf("unknown urgency %q", in.Urgency)
	}
	pages := in.EffectivePages()
	if pages < 1 {
		return core.Money{}, core.InvalidArgumentf("either a page estimate or a target word count is required")
	}

	base := c.BaseRate.Mul(decimal.NewFromInt(int64(pages)))
	total := base.
		Mul(levelMultipliers[in.Level]).
		Mul(workTypeMultipliers[in.WorkType]).
		Mul(urgencyMultipliers[in.Urgency]).
		Round(0)

	return core.Money{Value: total, Currency: c.Currency}, nil
}

// UrgencyForDays maps days-until-deadline onto the urgency band used by the
// multiplier table: 7+ normal, 3-7 urgent, under 3 very urgent.
func UrgencyForDays(days int) ledger.Urgency {
	switch {
	case days >= 7:
		return ledger.UrgencyNormal
	case days >= 3:
		return ledger.UrgencyUrgent
	default:
		return ledger.UrgencyVeryUrgent
	}
}
