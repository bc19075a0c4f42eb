package scoring

import (
	"time"

	"github.com/opensource-finance/chainguard/internal/domain"
	"github.com/opensource-finance/chainguard/internal/rules"
)

// Processor runs one transaction through evaluation, aggregation,
// classification and explanation.
type Processor struct {
	registry   *rules.Registry
	evaluator  *rules.Evaluator
	thresholds []domain.BandThreshold

	// Clock for EvaluatedAt; replaceable in tests.
	Now func() time.Time
}

// NewProcessor creates a processor bound to a registry.
// ruleWorkers bounds rule parallelism within one transaction.
func NewProcessor(reg *rules.Registry, ruleWorkers int) *Processor {
	return &Processor{
		registry:   reg,
		evaluator:  rules.NewEvaluator(reg, ruleWorkers),
		thresholds: reg.Thresholds(),
		Now:        func() time.Time { return time.Now().UTC() },
	}
}

// Registry returns the registry the processor scores with.
func (p *Processor) Registry() *rules.Registry {
	return p.registry
}

// Assess scores one transaction. Apart from EvaluatedAt the result depends
// only on the transaction, its context and the registry.
func (p *Processor) Assess(tx *domain.Transaction, ec *domain.EvalContext) (domain.RiskAssessment, []domain.RuleOutcome) {
	outcomes := p.evaluator.EvaluateAll(rules.NewInput(tx, ec))
	agg := Aggregate(p.registry, outcomes)
	exp := BuildExplanation(p.registry, outcomes, agg)

	a := domain.RiskAssessment{
		TxID:        tx.ID,
		RowIndex:    tx.RowIndex,
		Score:       agg.Score,
		Band:        Classify(agg.Score, p.thresholds),
		Trace:       exp.Trace,
		Clamps:      exp.Clamps,
		Warnings:    exp.Warnings,
		Summary:     exp.Summary,
		EvaluatedAt: p.Now(),
	}
	if agg.TotalClamped() {
		a.RawScore = agg.Raw
	}
	return a, outcomes
}
