package rules

import (
	"fmt"
	"sync"

	"github.com/opensource-finance/chainguard/internal/domain"
)

// Predicate decides whether a rule triggers for one transaction.
// Implementations must be pure: the same input always yields the same answer.
type Predicate interface {
	Eval(in *Input) (bool, error)
}

// PredicateFunc adapts a plain function to Predicate.
type PredicateFunc func(in *Input) (bool, error)

// Eval calls f(in).
func (f PredicateFunc) Eval(in *Input) (bool, error) {
	return f(in)
}

// Rule is an immutable, ready-to-evaluate rule definition.
type Rule struct {
	ID          string
	Name        string
	Description string
	Category    string
	Weight      int

	// Auxiliary attributes that must be present for the rule to apply.
	Requires []string

	// CEL source when the rule was compiled from configuration; empty for Go predicates.
	Expression string
	Version    string

	Predicate Predicate
}

// Config returns the storable form of the rule.
func (r *Rule) Config(enabled bool) *domain.RuleConfig {
	return &domain.RuleConfig{
		ID:          r.ID,
		Name:        r.Name,
		Description: r.Description,
		Category:    r.Category,
		Version:     r.Version,
		Expression:  r.Expression,
		Requires:    append([]string(nil), r.Requires...),
		Weight:      r.Weight,
		Enabled:     enabled,
	}
}

// Input is what a predicate sees: one transaction and its batch context.
// It is safe for concurrent use by the rules of one transaction.
type Input struct {
	Tx      *domain.Transaction
	Context *domain.EvalContext

	once sync.Once
	vars map[string]any
}

// NewInput creates an evaluation input. A nil context is treated as empty.
func NewInput(tx *domain.Transaction, ec *domain.EvalContext) *Input {
	if ec == nil {
		ec = &domain.EvalContext{}
	}
	return &Input{Tx: tx, Context: ec}
}

// Vars returns the CEL activation for this input, built once.
func (in *Input) Vars() map[string]any {
	in.once.Do(func() {
		in.vars = in.buildVars()
	})
	return in.vars
}

func (in *Input) buildVars() map[string]any {
	tx := in.Tx
	ec := in.Context
	ts := tx.Timestamp.UTC()

	attrs := make(map[string]any, len(ec.Attributes))
	for k, v := range ec.Attributes {
		attrs[k] = v
	}

	return map[string]any{
		"tx": map[string]any{
			"id":        tx.ID,
			"row_index": int64(tx.RowIndex),
			"timestamp": ts,
			"sender":    tx.Sender,
			"receiver":  tx.Receiver,
			"amount":    tx.Amount,
			"currency":  tx.Currency,
		},
		"attrs":                   attrs,
		"amount":                  tx.Amount,
		"currency":                tx.Currency,
		"sender":                  tx.Sender,
		"receiver":                tx.Receiver,
		"hour":                    int64(ts.Hour()),
		"weekday":                 int64(ts.Weekday()),
		"sender_tx_count":         ec.SenderTxCount,
		"sender_tx_last_hour":     ec.SenderTxLastHour,
		"sender_avg_amount":       ec.SenderAvgAmount,
		"sender_incoming_count":   ec.SenderIncomingCount,
		"receiver_incoming_count": ec.ReceiverIncomingCount,
		"sender_chain":            ec.SenderChain,
		"receiver_chain":          ec.ReceiverChain,
	}
}

// missingRequirement returns the first required attribute absent from the
// transaction, or dropped from the typed context attributes when the
// context carries them.
func (in *Input) missingRequirement(requires []string) (string, bool) {
	typed := in.Context.Attributes
	for _, name := range requires {
		if _, ok := in.Tx.Attribute(name); !ok {
			return name, true
		}
		if typed != nil {
			if _, ok := typed[name]; !ok {
				return name, true
			}
		}
	}
	return "", false
}

func (r *Rule) String() string {
	return fmt.Sprintf("%s(%s, %d)", r.ID, r.Category, r.Weight)
}
