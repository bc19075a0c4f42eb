package rules

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/chainguard/internal/domain"
)

func constRule(id, category string, weight int, triggered bool) *Rule {
	return &Rule{
		ID:       id,
		Name:     "Rule " + id,
		Category: category,
		Weight:   weight,
		Predicate: PredicateFunc(func(*Input) (bool, error) {
			return triggered, nil
		}),
	}
}

func TestNewRegistry_Order(t *testing.T) {
	reg, err := NewRegistry([]*Rule{
		constRule("c", "x", 1, true),
		constRule("a", "x", 2, true),
		constRule("b", "y", 3, true),
	}, Config{})
	require.NoError(t, err)

	ids := make([]string, 0, 3)
	for _, r := range reg.Rules() {
		ids = append(ids, r.ID)
	}
	assert.Equal(t, []string{"c", "a", "b"}, ids)
	assert.Equal(t, 3, reg.Len())
	assert.Equal(t, domain.DefaultThresholds(), reg.Thresholds())
}

func TestNewRegistry_Rejects(t *testing.T) {
	tests := []struct {
		name  string
		rules []*Rule
		cfg   Config
		want  error
	}{
		{
			name:  "duplicate id",
			rules: []*Rule{constRule("r1", "x", 1, true), constRule("r1", "y", 2, true)},
			want:  ErrDuplicateRule,
		},
		{
			name:  "empty id",
			rules: []*Rule{constRule("", "x", 1, true)},
			want:  ErrInvalidRule,
		},
		{
			name:  "negative weight",
			rules: []*Rule{constRule("r1", "x", -5, true)},
			want:  ErrNegativeWeight,
		},
		{
			name:  "nil predicate",
			rules: []*Rule{{ID: "r1", Category: "x"}},
			want:  ErrInvalidRule,
		},
		{
			name:  "negative cap",
			rules: []*Rule{constRule("r1", "x", 1, true)},
			cfg:   Config{CategoryCaps: map[string]int{"x": -1}},
			want:  ErrNegativeCap,
		},
		{
			name:  "unknown disabled rule",
			rules: []*Rule{constRule("r1", "x", 1, true)},
			cfg:   Config{Disabled: []string{"nope"}},
			want:  ErrUnknownRule,
		},
		{
			name:  "thresholds not starting at zero",
			rules: []*Rule{constRule("r1", "x", 1, true)},
			cfg:   Config{Thresholds: []domain.BandThreshold{{Band: "Low", Min: 5}, {Band: "High", Min: 50}}},
			want:  ErrInvalidThresholds,
		},
		{
			name:  "thresholds not increasing",
			rules: []*Rule{constRule("r1", "x", 1, true)},
			cfg:   Config{Thresholds: []domain.BandThreshold{{Band: "Low", Min: 0}, {Band: "Medium", Min: 60}, {Band: "High", Min: 40}}},
			want:  ErrInvalidThresholds,
		},
		{
			name:  "thresholds beyond range",
			rules: []*Rule{constRule("r1", "x", 1, true)},
			cfg:   Config{Thresholds: []domain.BandThreshold{{Band: "Low", Min: 0}, {Band: "High", Min: 101}}},
			want:  ErrInvalidThresholds,
		},
		{
			name:  "empty thresholds",
			rules: []*Rule{constRule("r1", "x", 1, true)},
			cfg:   Config{Thresholds: []domain.BandThreshold{}},
			want:  ErrInvalidThresholds,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg, err := NewRegistry(tt.rules, tt.cfg)
			require.Error(t, err)
			assert.Nil(t, reg)
			assert.ErrorIs(t, err, tt.want)

			var cfgErr *ConfigError
			assert.True(t, errors.As(err, &cfgErr))
		})
	}
}

func TestNewRegistry_ReportsAllViolations(t *testing.T) {
	_, err := NewRegistry([]*Rule{
		constRule("r1", "x", -1, true),
		constRule("r1", "x", 1, true),
	}, Config{CategoryCaps: map[string]int{"x": -3}})

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNegativeWeight)
	assert.ErrorIs(t, err, ErrDuplicateRule)
	assert.ErrorIs(t, err, ErrNegativeCap)
}

func TestRegistry_EnableDisable(t *testing.T) {
	reg, err := NewRegistry([]*Rule{
		constRule("r1", "x", 1, true),
		constRule("r2", "x", 1, true),
	}, Config{})
	require.NoError(t, err)

	disabled, err := reg.Disable("r1")
	require.NoError(t, err)

	// Original untouched
	assert.True(t, reg.IsEnabled("r1"))
	assert.Len(t, reg.Rules(), 2)

	assert.False(t, disabled.IsEnabled("r1"))
	require.Len(t, disabled.Rules(), 1)
	assert.Equal(t, "r2", disabled.Rules()[0].ID)
	assert.Len(t, disabled.All(), 2)
	assert.NotEqual(t, reg.Fingerprint(), disabled.Fingerprint())

	// Disabled rules stay addressable
	r, ok := disabled.Lookup("r1")
	require.True(t, ok)
	assert.Equal(t, "r1", r.ID)

	enabled, err := disabled.Enable("r1")
	require.NoError(t, err)
	assert.True(t, enabled.IsEnabled("r1"))
	assert.Equal(t, reg.Fingerprint(), enabled.Fingerprint())

	_, err = reg.Disable("missing")
	assert.ErrorIs(t, err, ErrUnknownRule)
}

func TestRegistry_Lookup(t *testing.T) {
	reg, err := NewRegistry([]*Rule{constRule("r1", "x", 1, true)}, Config{})
	require.NoError(t, err)

	_, ok := reg.Lookup("r1")
	assert.True(t, ok)
	_, ok = reg.Lookup("r2")
	assert.False(t, ok)
	assert.False(t, reg.IsEnabled("r2"))
}

func TestRegistry_Fingerprint(t *testing.T) {
	build := func(weight int, caps map[string]int) string {
		reg, err := NewRegistry([]*Rule{
			constRule("r1", "velocity", weight, true),
			constRule("r2", "amount", 5, true),
		}, Config{CategoryCaps: caps})
		require.NoError(t, err)
		return reg.Fingerprint()
	}

	base := build(10, map[string]int{"velocity": 50, "amount": 20})
	assert.Len(t, base, 64)
	assert.Equal(t, base, build(10, map[string]int{"amount": 20, "velocity": 50}))
	assert.NotEqual(t, base, build(11, map[string]int{"velocity": 50, "amount": 20}))
	assert.NotEqual(t, base, build(10, map[string]int{"velocity": 40, "amount": 20}))
}

func TestRegistry_CategoryCaps(t *testing.T) {
	caps := map[string]int{"velocity": 50}
	reg, err := NewRegistry([]*Rule{constRule("r1", "velocity", 1, true)}, Config{CategoryCaps: caps})
	require.NoError(t, err)

	c, ok := reg.CategoryCap("velocity")
	assert.True(t, ok)
	assert.Equal(t, 50, c)

	_, ok = reg.CategoryCap("amount")
	assert.False(t, ok)

	// Caller-owned maps do not leak into the registry
	caps["velocity"] = 1
	c, _ = reg.CategoryCap("velocity")
	assert.Equal(t, 50, c)
}

func TestLoad(t *testing.T) {
	engine, err := NewEngine()
	require.NoError(t, err)

	reg, err := Load(engine, BuiltinRules(), Config{})
	require.NoError(t, err)

	assert.Equal(t, len(BuiltinRules()), reg.Len())
	assert.False(t, reg.IsEnabled(RuleUnrecognizedAddress), "stored as disabled")
	assert.True(t, reg.IsEnabled(RuleHighAmount))
	assert.Len(t, reg.Rules(), len(BuiltinRules())-1)
}

func TestLoad_InvalidExpression(t *testing.T) {
	engine, _ := NewEngine()

	cfgs := append(BuiltinRules(), &domain.RuleConfig{ID: "broken", Expression: "amount >", Enabled: true})
	_, err := Load(engine, cfgs, Config{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidExpression)
}

func TestMerge(t *testing.T) {
	base := []*domain.RuleConfig{
		{ID: "a", Weight: 1},
		{ID: "b", Weight: 2},
	}
	override := []*domain.RuleConfig{
		{ID: "b", Weight: 20},
		{ID: "c", Weight: 3},
	}

	merged := Merge(base, override)
	require.Len(t, merged, 3)
	assert.Equal(t, "a", merged[0].ID)
	assert.Equal(t, "b", merged[1].ID)
	assert.Equal(t, 20, merged[1].Weight)
	assert.Equal(t, "c", merged[2].ID)
}

func TestRegistry_Reproducible(t *testing.T) {
	engine, err := NewEngine()
	require.NoError(t, err)

	fromExpressions, err := Load(engine, BuiltinRules(), Config{})
	require.NoError(t, err)
	assert.True(t, fromExpressions.Reproducible())

	// Go predicates are invisible to the fingerprint.
	always, err := NewRegistry([]*Rule{constRule("r1", "x", 10, true)}, Config{})
	require.NoError(t, err)
	never, err := NewRegistry([]*Rule{constRule("r1", "x", 10, false)}, Config{})
	require.NoError(t, err)

	assert.Equal(t, always.Fingerprint(), never.Fingerprint())
	assert.False(t, always.Reproducible())
	assert.False(t, never.Reproducible())
}
