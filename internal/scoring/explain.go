package scoring

import (
	"fmt"
	"sort"
	"strings"

	"github.com/opensource-finance/chainguard/internal/domain"
	"github.com/opensource-finance/chainguard/internal/rules"
)

// Explanation is the auditable account of one score.
type Explanation struct {
	Trace    []domain.TraceEntry
	Clamps   []domain.CategoryClamp
	Warnings []domain.RuleWarning
	Summary  string
}

// BuildExplanation ranks triggered outcomes by contribution (ties by rule id),
// marks the ones in clamped categories and collects not-applicable warnings
// in the order the outcomes were given. A total above domain.MaxScore is
// noted in the summary.
func BuildExplanation(reg *rules.Registry, outcomes []domain.RuleOutcome, agg Aggregation) Explanation {
	exp := Explanation{
		Trace:  make([]domain.TraceEntry, 0, len(outcomes)),
		Clamps: agg.Clamps,
	}

	for _, o := range outcomes {
		if o.NotApplicable {
			exp.Warnings = append(exp.Warnings, domain.RuleWarning{RuleID: o.RuleID, Message: o.Warning})
		}
		if !o.Triggered {
			continue
		}

		entry := domain.TraceEntry{RuleOutcome: o, Name: o.RuleID}
		if r, ok := reg.Lookup(o.RuleID); ok {
			entry.Name = r.Name
			entry.Category = r.Category
		}
		entry.Capped = agg.Capped(entry.Category)
		exp.Trace = append(exp.Trace, entry)
	}

	sort.SliceStable(exp.Trace, func(i, j int) bool {
		a, b := exp.Trace[i], exp.Trace[j]
		if a.Contribution != b.Contribution {
			return a.Contribution > b.Contribution
		}
		return a.RuleID < b.RuleID
	})

	names := make([]string, len(exp.Trace))
	for i, e := range exp.Trace {
		names[i] = e.Name
	}
	exp.Summary = strings.Join(names, ", ")
	if agg.TotalClamped() {
		exp.Summary += fmt.Sprintf(" (total %d clamped to %d)", agg.Raw, agg.Score)
	}

	return exp
}
