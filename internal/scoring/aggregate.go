// Package scoring turns rule outcomes into a bounded score, a risk band and
// an explanation trace.
package scoring

import (
	"sort"

	"github.com/opensource-finance/chainguard/internal/domain"
	"github.com/opensource-finance/chainguard/internal/rules"
)

// Aggregation is the result of combining the outcomes of one transaction.
type Aggregation struct {
	// Final score, clamped to [domain.MinScore, domain.MaxScore]
	Score int

	// Sum of capped category subtotals before the final clamp
	Raw int

	// Capped subtotal per category that had at least one triggered rule
	Subtotals map[string]int

	// Categories whose subtotal exceeded the cap, sorted by category
	Clamps []domain.CategoryClamp
}

// TotalClamped reports whether Raw exceeded domain.MaxScore.
func (a Aggregation) TotalClamped() bool {
	return a.Raw > domain.MaxScore
}

// Capped reports whether the category was clamped.
func (a Aggregation) Capped(category string) bool {
	for _, c := range a.Clamps {
		if c.Category == category {
			return true
		}
	}
	return false
}

// Aggregate sums triggered contributions per category, clamps each category
// to its cap, sums the categories and clamps the total. The result does not
// depend on the order of outcomes.
func Aggregate(reg *rules.Registry, outcomes []domain.RuleOutcome) Aggregation {
	raw := make(map[string]int)
	for _, o := range outcomes {
		if !o.Triggered {
			continue
		}
		raw[categoryOf(reg, o.RuleID)] += o.Contribution
	}

	agg := Aggregation{Subtotals: make(map[string]int, len(raw))}
	for category, subtotal := range raw {
		if limit, ok := reg.CategoryCap(category); ok && subtotal > limit {
			agg.Clamps = append(agg.Clamps, domain.CategoryClamp{
				Category: category,
				Subtotal: subtotal,
				Cap:      limit,
			})
			subtotal = limit
		}
		agg.Subtotals[category] = subtotal
		agg.Raw += subtotal
	}

	sort.Slice(agg.Clamps, func(i, j int) bool {
		return agg.Clamps[i].Category < agg.Clamps[j].Category
	})

	agg.Score = Clamp(agg.Raw)
	return agg
}

// Clamp bounds a score to the valid range.
func Clamp(score int) int {
	if score < domain.MinScore {
		return domain.MinScore
	}
	if score > domain.MaxScore {
		return domain.MaxScore
	}
	return score
}

func categoryOf(reg *rules.Registry, ruleID string) string {
	if r, ok := reg.Lookup(ruleID); ok {
		return r.Category
	}
	return ""
}
