// Package rules provides the rule registry and the CEL-Go based rule evaluator.
package rules

import (
	"fmt"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"

	"github.com/opensource-finance/chainguard/internal/domain"
)

// Evaluation cost ceiling per expression. Rules are small predicates, so
// anything approaching this is a runaway comprehension.
const defaultCostLimit = 100_000

// Engine compiles analyst-authored CEL expressions into rule predicates.
// It holds no rule state and is safe for concurrent use.
type Engine struct {
	env       *cel.Env
	costLimit uint64
}

// NewEngine creates the CEL environment with the transaction variables.
func NewEngine() (*Engine, error) {
	env, err := cel.NewEnv(
		cel.Variable("tx", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("attrs", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("amount", cel.DoubleType),
		cel.Variable("currency", cel.StringType),
		cel.Variable("sender", cel.StringType),
		cel.Variable("receiver", cel.StringType),
		cel.Variable("hour", cel.IntType),
		cel.Variable("weekday", cel.IntType),
		// Counterparty statistics precomputed over the batch
		cel.Variable("sender_tx_count", cel.IntType),
		cel.Variable("sender_tx_last_hour", cel.IntType),
		cel.Variable("sender_avg_amount", cel.DoubleType),
		cel.Variable("sender_incoming_count", cel.IntType),
		cel.Variable("receiver_incoming_count", cel.IntType),
		cel.Variable("sender_chain", cel.StringType),
		cel.Variable("receiver_chain", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Engine{env: env, costLimit: defaultCostLimit}, nil
}

// ValidateRule compiles a rule definition without keeping the result.
func (e *Engine) ValidateRule(cfg *domain.RuleConfig) error {
	_, err := e.Compile(cfg)
	return err
}

// Compile turns a stored rule definition into an evaluable Rule.
// Expressions must type-check to bool (or dyn, checked again at evaluation).
func (e *Engine) Compile(cfg *domain.RuleConfig) (*Rule, error) {
	if cfg == nil {
		return nil, &ConfigError{Err: ErrInvalidRule, Detail: "rule config is required"}
	}
	if cfg.Expression == "" {
		return nil, ruleError(cfg.ID, ErrInvalidExpression, "expression is empty")
	}

	ast, issues := e.env.Compile(cfg.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, ruleError(cfg.ID, ErrInvalidExpression, "%v", issues.Err())
	}

	outputType := ast.OutputType()
	if !outputType.IsExactType(types.BoolType) && !outputType.IsExactType(types.DynType) {
		return nil, ruleError(cfg.ID, ErrInvalidExpression, "expression must return bool, got %s", outputType)
	}

	program, err := e.env.Program(ast, cel.CostLimit(e.costLimit))
	if err != nil {
		return nil, ruleError(cfg.ID, ErrInvalidExpression, "failed to create program: %v", err)
	}

	return &Rule{
		ID:          cfg.ID,
		Name:        cfg.Name,
		Description: cfg.Description,
		Category:    cfg.Category,
		Weight:      cfg.Weight,
		Requires:    append([]string(nil), cfg.Requires...),
		Expression:  cfg.Expression,
		Version:     cfg.Version,
		Predicate:   &celPredicate{program: program},
	}, nil
}

// celPredicate evaluates a compiled CEL program against an Input.
type celPredicate struct {
	program cel.Program
}

func (p *celPredicate) Eval(in *Input) (bool, error) {
	out, _, err := p.program.Eval(in.Vars())
	if err != nil {
		return false, err
	}
	b, ok := out.(types.Bool)
	if !ok {
		return false, fmt.Errorf("expression returned %s, not bool", out.Type().TypeName())
	}
	return bool(b), nil
}
