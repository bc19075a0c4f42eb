package scoring

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/chainguard/internal/domain"
	"github.com/opensource-finance/chainguard/internal/rules"
)

func fixedRule(id, name, category string, weight int, triggered bool) *rules.Rule {
	return &rules.Rule{
		ID:       id,
		Name:     name,
		Category: category,
		Weight:   weight,
		Predicate: rules.PredicateFunc(func(*rules.Input) (bool, error) {
			return triggered, nil
		}),
	}
}

func velocityCapRegistry(t *testing.T) *rules.Registry {
	t.Helper()
	reg, err := rules.NewRegistry([]*rules.Rule{
		fixedRule("R1", "Rapid Burst", "velocity", 40, true),
		fixedRule("R2", "Repeat Counterparty", "velocity", 30, true),
		fixedRule("R3", "Large Transfer", "amount", 50, true),
		fixedRule("R4", "Night Owl", "temporal", 10, false),
	}, rules.Config{CategoryCaps: map[string]int{"velocity": 50}})
	require.NoError(t, err)
	return reg
}

func testTransaction() *domain.Transaction {
	return &domain.Transaction{
		ID:        "tx-1",
		RowIndex:  7,
		Timestamp: time.Date(2025, 1, 2, 12, 0, 0, 0, time.UTC),
		Sender:    "a",
		Receiver:  "b",
		Amount:    10,
		Currency:  "ETH",
	}
}

func TestProcessor_VelocityCapExample(t *testing.T) {
	reg := velocityCapRegistry(t)
	proc := NewProcessor(reg, 1)

	got, outcomes := proc.Assess(testTransaction(), nil)
	require.Len(t, outcomes, 4)

	assert.Equal(t, "tx-1", got.TxID)
	assert.Equal(t, 7, got.RowIndex)
	assert.Equal(t, 100, got.Score)
	assert.Equal(t, domain.BandHigh, got.Band)
	assert.Equal(t, []string{"R3", "R1", "R2"}, got.TriggeredRuleIDs())
	assert.Equal(t, []domain.CategoryClamp{{Category: "velocity", Subtotal: 70, Cap: 50}}, got.Clamps)

	assert.False(t, got.Trace[0].Capped)
	assert.True(t, got.Trace[1].Capped)
	assert.True(t, got.Trace[2].Capped)
	assert.Equal(t, "velocity", got.Trace[1].Category)
	assert.Equal(t, "Large Transfer, Rapid Burst, Repeat Counterparty", got.Summary)
	assert.Equal(t, 0, got.RawScore)
	assert.Empty(t, got.Warnings)
}

func TestProcessor_NoRulesTriggered(t *testing.T) {
	reg, err := rules.NewRegistry([]*rules.Rule{
		fixedRule("R1", "One", "x", 40, false),
	}, rules.Config{})
	require.NoError(t, err)

	got, _ := NewProcessor(reg, 1).Assess(testTransaction(), nil)
	assert.Equal(t, 0, got.Score)
	assert.Equal(t, domain.BandLow, got.Band)
	assert.Empty(t, got.Trace)
	assert.Empty(t, got.Clamps)
	assert.Equal(t, "", got.Summary)
}

func TestProcessor_Deterministic(t *testing.T) {
	reg := velocityCapRegistry(t)
	proc := NewProcessor(reg, 4)
	at := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	proc.Now = func() time.Time { return at }

	first, _ := proc.Assess(testTransaction(), nil)
	for i := 0; i < 20; i++ {
		again, _ := proc.Assess(testTransaction(), nil)
		require.Equal(t, first, again)
	}
	assert.Equal(t, at, first.EvaluatedAt)
}

func TestProcessor_Warnings(t *testing.T) {
	reg, err := rules.NewRegistry([]*rules.Rule{
		{ID: "needs-age", Name: "Needs Age", Category: "account", Weight: 20, Requires: []string{"wallet_age_days"},
			Predicate: rules.PredicateFunc(func(*rules.Input) (bool, error) { return true, nil })},
		fixedRule("R1", "One", "x", 10, true),
	}, rules.Config{})
	require.NoError(t, err)

	got, _ := NewProcessor(reg, 1).Assess(testTransaction(), nil)
	assert.Equal(t, 10, got.Score)
	require.Len(t, got.Warnings, 1)
	assert.Equal(t, "needs-age", got.Warnings[0].RuleID)
	assert.Contains(t, got.Warnings[0].Message, "wallet_age_days")
	assert.Equal(t, []string{"R1"}, got.TriggeredRuleIDs())
}

func TestAggregate_OrderIndependent(t *testing.T) {
	reg := velocityCapRegistry(t)
	outcomes := []domain.RuleOutcome{
		{RuleID: "R1", Triggered: true, Contribution: 40},
		{RuleID: "R2", Triggered: true, Contribution: 30},
		{RuleID: "R3", Triggered: true, Contribution: 50},
		{RuleID: "R4"},
	}
	want := Aggregate(reg, outcomes)

	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 25; i++ {
		shuffled := append([]domain.RuleOutcome(nil), outcomes...)
		rng.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })
		assert.Equal(t, want, Aggregate(reg, shuffled))
	}

	assert.Equal(t, 100, want.Raw)
	assert.Equal(t, map[string]int{"velocity": 50, "amount": 50}, want.Subtotals)
}

func TestAggregate_TotalClamp(t *testing.T) {
	reg, err := rules.NewRegistry([]*rules.Rule{
		fixedRule("a", "A", "x", 80, true),
		fixedRule("b", "B", "y", 80, true),
	}, rules.Config{})
	require.NoError(t, err)

	agg := Aggregate(reg, []domain.RuleOutcome{
		{RuleID: "a", Triggered: true, Contribution: 80},
		{RuleID: "b", Triggered: true, Contribution: 80},
	})
	assert.Equal(t, 160, agg.Raw)
	assert.Equal(t, 100, agg.Score)
	assert.True(t, agg.TotalClamped())
	assert.Empty(t, agg.Clamps)

	exactly := Aggregate(reg, []domain.RuleOutcome{
		{RuleID: "a", Triggered: true, Contribution: 80},
		{RuleID: "b", Triggered: true, Contribution: 20},
	})
	assert.Equal(t, 100, exactly.Score)
	assert.False(t, exactly.TotalClamped())
}

func TestProcessor_TotalClampReported(t *testing.T) {
	reg, err := rules.NewRegistry([]*rules.Rule{
		fixedRule("a", "Alpha", "x", 80, true),
		fixedRule("b", "Beta", "y", 80, true),
	}, rules.Config{})
	require.NoError(t, err)

	got, _ := NewProcessor(reg, 1).Assess(testTransaction(), nil)
	assert.Equal(t, 100, got.Score)
	assert.Empty(t, got.Clamps)
	assert.Equal(t, "Alpha, Beta (total 160 clamped to 100)", got.Summary)

	traceSum := 0
	for _, e := range got.Trace {
		traceSum += e.Contribution
	}
	assert.Equal(t, traceSum, got.RawScore)
}

func TestAggregate_IgnoresUntriggered(t *testing.T) {
	reg := velocityCapRegistry(t)
	agg := Aggregate(reg, []domain.RuleOutcome{
		{RuleID: "R1", Triggered: false, Contribution: 40},
		{RuleID: "R4", NotApplicable: true},
	})
	assert.Equal(t, 0, agg.Score)
	assert.Empty(t, agg.Subtotals)
}

func TestAggregate_ZeroCap(t *testing.T) {
	reg, err := rules.NewRegistry([]*rules.Rule{
		fixedRule("a", "A", "muted", 25, true),
	}, rules.Config{CategoryCaps: map[string]int{"muted": 0}})
	require.NoError(t, err)

	agg := Aggregate(reg, []domain.RuleOutcome{{RuleID: "a", Triggered: true, Contribution: 25}})
	assert.Equal(t, 0, agg.Score)
	assert.True(t, agg.Capped("muted"))
}

func TestClassify(t *testing.T) {
	thresholds := domain.DefaultThresholds()

	tests := []struct {
		score int
		want  domain.Band
	}{
		{-5, domain.BandLow},
		{0, domain.BandLow},
		{30, domain.BandLow},
		{31, domain.BandMedium},
		{70, domain.BandMedium},
		{71, domain.BandHigh},
		{100, domain.BandHigh},
		{150, domain.BandHigh},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, Classify(tt.score, thresholds), "score %d", tt.score)
	}
}

func TestClassify_Monotonic(t *testing.T) {
	thresholds := []domain.BandThreshold{
		{Band: "None", Min: 0},
		{Band: "Low", Min: 10},
		{Band: "Elevated", Min: 40},
		{Band: "Severe", Min: 90},
		{Band: "Critical", Min: 100},
	}
	require.NoError(t, rules.ValidateThresholds(thresholds))

	prev := -1
	for score := 0; score <= 100; score++ {
		rank := Rank(Classify(score, thresholds), thresholds)
		require.GreaterOrEqual(t, rank, prev, "score %d", score)
		prev = rank
	}
	assert.Equal(t, domain.Band("Critical"), Classify(100, thresholds))
	assert.Equal(t, domain.Band("Severe"), Classify(99, thresholds))
	assert.True(t, IsTopBand("Critical", thresholds))
	assert.False(t, IsTopBand("Severe", thresholds))
	assert.Equal(t, -1, Rank("Unknown", thresholds))
}

func TestBuildExplanation_TieBreak(t *testing.T) {
	reg, err := rules.NewRegistry([]*rules.Rule{
		fixedRule("zeta", "Zeta", "x", 10, true),
		fixedRule("alpha", "Alpha", "y", 10, true),
		fixedRule("mid", "Mid", "z", 20, true),
	}, rules.Config{})
	require.NoError(t, err)

	outcomes := []domain.RuleOutcome{
		{RuleID: "zeta", Triggered: true, Contribution: 10},
		{RuleID: "alpha", Triggered: true, Contribution: 10},
		{RuleID: "mid", Triggered: true, Contribution: 20},
	}
	exp := BuildExplanation(reg, outcomes, Aggregate(reg, outcomes))

	ids := make([]string, len(exp.Trace))
	for i, e := range exp.Trace {
		ids[i] = e.RuleID
	}
	assert.Equal(t, []string{"mid", "alpha", "zeta"}, ids)
	assert.Equal(t, "Mid, Alpha, Zeta", exp.Summary)
}
