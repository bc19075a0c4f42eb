package rules

import (
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/chainguard/internal/domain"
)

func TestEvaluate_RequirementDroppedFromContext(t *testing.T) {
	tx := testTx(100, 12)
	tx.Attributes = map[string]string{"wallet_age_days": "NaN"}
	ec := &domain.EvalContext{Attributes: map[string]any{}}

	rule := &Rule{ID: "age", Weight: 5, Requires: []string{"wallet_age_days"}, Predicate: PredicateFunc(func(*Input) (bool, error) {
		t.Error("predicate must not run")
		return true, nil
	})}
	reg, err := NewRegistry([]*Rule{rule}, Config{})
	require.NoError(t, err)

	got := NewEvaluator(reg, 1).EvaluateAll(NewInput(tx, ec))
	assert.Equal(t, []domain.RuleOutcome{
		{RuleID: "age", NotApplicable: true, Warning: `missing attribute "wallet_age_days"`},
	}, got)
}

func TestEvaluate_Outcomes(t *testing.T) {
	tx := testTx(100, 12)
	tx.Attributes = map[string]string{"wallet_age_days": "3"}

	tests := []struct {
		name string
		rule *Rule
		want domain.RuleOutcome
	}{
		{
			name: "triggered carries weight",
			rule: constRule("r1", "x", 15, true),
			want: domain.RuleOutcome{RuleID: "r1", Triggered: true, Contribution: 15},
		},
		{
			name: "not triggered contributes nothing",
			rule: constRule("r2", "x", 15, false),
			want: domain.RuleOutcome{RuleID: "r2"},
		},
		{
			name: "predicate error",
			rule: &Rule{ID: "r3", Weight: 5, Predicate: PredicateFunc(func(*Input) (bool, error) {
				return true, errors.New("bad data")
			})},
			want: domain.RuleOutcome{RuleID: "r3", NotApplicable: true, Warning: "evaluation error: bad data"},
		},
		{
			name: "predicate panic",
			rule: &Rule{ID: "r4", Weight: 5, Predicate: PredicateFunc(func(*Input) (bool, error) {
				panic("boom")
			})},
			want: domain.RuleOutcome{RuleID: "r4", NotApplicable: true, Warning: "predicate panicked: boom"},
		},
		{
			name: "missing required attribute",
			rule: &Rule{ID: "r5", Weight: 5, Requires: []string{"wallet_age_days", "kyc_level"}, Predicate: PredicateFunc(func(*Input) (bool, error) {
				t.Error("predicate must not run")
				return true, nil
			})},
			want: domain.RuleOutcome{RuleID: "r5", NotApplicable: true, Warning: `missing attribute "kyc_level"`},
		},
		{
			name: "present required attribute",
			rule: &Rule{ID: "r6", Weight: 5, Requires: []string{"wallet_age_days"}, Predicate: PredicateFunc(func(in *Input) (bool, error) {
				v, _ := in.Tx.Attribute("wallet_age_days")
				return v == "3", nil
			})},
			want: domain.RuleOutcome{RuleID: "r6", Triggered: true, Contribution: 5},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg, err := NewRegistry([]*Rule{tt.rule}, Config{})
			require.NoError(t, err)

			got := NewEvaluator(reg, 1).Evaluate(tt.rule, NewInput(tx, nil))
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEvaluate_CELMalformedAttribute(t *testing.T) {
	engine, err := NewEngine()
	require.NoError(t, err)

	reg, err := Load(engine, BuiltinRules(), Config{})
	require.NoError(t, err)
	rule, ok := reg.Lookup(RuleNewWalletHighActive)
	require.True(t, ok)

	tx := testTx(9000, 12)
	tx.Attributes = map[string]string{"wallet_age_days": "new"}
	ec := &domain.EvalContext{Attributes: map[string]any{"wallet_age_days": "new"}}

	got := NewEvaluator(reg, 1).Evaluate(rule, NewInput(tx, ec))
	assert.False(t, got.Triggered)
	assert.True(t, got.NotApplicable)
	assert.Contains(t, got.Warning, "evaluation error")
	assert.Zero(t, got.Contribution)
}

func TestEvaluateAll_RegistrationOrder(t *testing.T) {
	rs := make([]*Rule, 0, 20)
	for i := 0; i < 20; i++ {
		delay := time.Duration(20-i) * time.Millisecond
		triggered := i%2 == 0
		rs = append(rs, &Rule{
			ID:       fmt.Sprintf("rule-%02d", i),
			Category: "x",
			Weight:   i,
			Predicate: PredicateFunc(func(*Input) (bool, error) {
				time.Sleep(delay)
				return triggered, nil
			}),
		})
	}
	reg, err := NewRegistry(rs, Config{})
	require.NoError(t, err)

	sequential := NewEvaluator(reg, 1).EvaluateAll(NewInput(testTx(1, 1), nil))
	parallel := NewEvaluator(reg, 8).EvaluateAll(NewInput(testTx(1, 1), nil))

	require.Len(t, parallel, 20)
	assert.Equal(t, sequential, parallel)
	for i, o := range parallel {
		assert.Equal(t, fmt.Sprintf("rule-%02d", i), o.RuleID)
	}
}

func TestEvaluateAll_SkipsDisabled(t *testing.T) {
	reg, err := NewRegistry([]*Rule{
		constRule("r1", "x", 1, true),
		constRule("r2", "x", 1, true),
	}, Config{Disabled: []string{"r1"}})
	require.NoError(t, err)

	out := NewEvaluator(reg, 1).EvaluateAll(NewInput(testTx(1, 1), nil))
	require.Len(t, out, 1)
	assert.Equal(t, "r2", out[0].RuleID)
}

func TestEvaluateAll_ConcurrencyLimit(t *testing.T) {
	var concurrent, maxConcurrent int32

	rs := make([]*Rule, 0, 10)
	for i := 0; i < 10; i++ {
		rs = append(rs, &Rule{
			ID:       fmt.Sprintf("rule-%d", i),
			Category: "x",
			Predicate: PredicateFunc(func(*Input) (bool, error) {
				current := atomic.AddInt32(&concurrent, 1)
				defer atomic.AddInt32(&concurrent, -1)

				// Track max concurrent
				for {
					old := atomic.LoadInt32(&maxConcurrent)
					if current <= old || atomic.CompareAndSwapInt32(&maxConcurrent, old, current) {
						break
					}
				}

				time.Sleep(5 * time.Millisecond) // Simulate work
				return false, nil
			}),
		})
	}
	reg, err := NewRegistry(rs, Config{})
	require.NoError(t, err)

	NewEvaluator(reg, 2).EvaluateAll(NewInput(testTx(1, 1), nil))
	assert.LessOrEqual(t, atomic.LoadInt32(&maxConcurrent), int32(2))
}
