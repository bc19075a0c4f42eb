package rules

import (
	"fmt"
	"sync"

	"github.com/opensource-finance/chainguard/internal/domain"
)

// Evaluator applies the enabled rules of a Registry to transactions.
type Evaluator struct {
	registry   *Registry
	rules      []*Rule
	maxWorkers int
}

// NewEvaluator creates an evaluator over the registry's enabled rules.
// maxWorkers bounds per-transaction rule parallelism; values below 2 evaluate sequentially.
func NewEvaluator(reg *Registry, maxWorkers int) *Evaluator {
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	return &Evaluator{
		registry:   reg,
		rules:      reg.Rules(),
		maxWorkers: maxWorkers,
	}
}

// Registry returns the registry the evaluator was built from.
func (e *Evaluator) Registry() *Registry {
	return e.registry
}

// Evaluate applies one rule to one input and always yields exactly one outcome.
// Missing data, predicate errors and predicate panics make the rule not applicable.
func (e *Evaluator) Evaluate(rule *Rule, in *Input) (outcome domain.RuleOutcome) {
	outcome.RuleID = rule.ID

	if name, missing := in.missingRequirement(rule.Requires); missing {
		outcome.NotApplicable = true
		outcome.Warning = fmt.Sprintf("missing attribute %q", name)
		return outcome
	}

	defer func() {
		if p := recover(); p != nil {
			outcome = domain.RuleOutcome{
				RuleID:        rule.ID,
				NotApplicable: true,
				Warning:       fmt.Sprintf("predicate panicked: %v", p),
			}
		}
	}()

	triggered, err := rule.Predicate.Eval(in)
	if err != nil {
		outcome.NotApplicable = true
		outcome.Warning = fmt.Sprintf("evaluation error: %v", err)
		return outcome
	}

	outcome.Triggered = triggered
	if triggered {
		outcome.Contribution = rule.Weight
	}
	return outcome
}

// EvaluateAll evaluates every enabled rule for one input.
// Outcomes are returned in registration order regardless of parallelism.
func (e *Evaluator) EvaluateAll(in *Input) []domain.RuleOutcome {
	results := make([]domain.RuleOutcome, len(e.rules))

	if e.maxWorkers < 2 || len(e.rules) < 2 {
		for i, r := range e.rules {
			results[i] = e.Evaluate(r, in)
		}
		return results
	}

	var wg sync.WaitGroup

	// Limit concurrency with semaphore
	sem := make(chan struct{}, e.maxWorkers)

	for i, rule := range e.rules {
		wg.Add(1)
		go func(idx int, r *Rule) {
			defer wg.Done()

			sem <- struct{}{}        // Acquire
			defer func() { <-sem }() // Release

			results[idx] = e.Evaluate(r, in)
		}(i, rule)
	}

	wg.Wait()

	return results
}
