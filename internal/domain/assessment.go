package domain

import (
	"time"
)

// Band is a discrete risk severity.
type Band string

// Default bands in severity order.
const (
	BandLow    Band = "Low"
	BandMedium Band = "Medium"
	BandHigh   Band = "High"
)

// BandThreshold starts a band at Min (inclusive). A band ends where the next
// one starts; the last band runs up to and including MaxScore.
type BandThreshold struct {
	Band Band `json:"band"`
	Min  int  `json:"min"`
}

// Score bounds.
const (
	MinScore = 0
	MaxScore = 100
)

// DefaultThresholds mirrors the original dashboard: <=30 Low, <=70 Medium, else High.
func DefaultThresholds() []BandThreshold {
	return []BandThreshold{
		{Band: BandLow, Min: 0},
		{Band: BandMedium, Min: 31},
		{Band: BandHigh, Min: 71},
	}
}

// TraceEntry is one line of the explanation trace.
type TraceEntry struct {
	RuleOutcome
	Name     string `json:"name"`
	Category string `json:"category"`

	// Capped is set when the rule's category subtotal was clamped.
	Capped bool `json:"capped,omitempty"`
}

// CategoryClamp records a category whose subtotal exceeded its cap.
type CategoryClamp struct {
	Category string `json:"category"`
	Subtotal int    `json:"subtotal"`
	Cap      int    `json:"cap"`
}

// RuleWarning is attached to an assessment for every rule that was not applicable.
type RuleWarning struct {
	RuleID  string `json:"ruleId"`
	Message string `json:"message"`
}

// RiskAssessment is the scored, explained result for one transaction.
type RiskAssessment struct {
	TxID     string `json:"txId"`
	RowIndex int    `json:"rowIndex"`
	Score    int    `json:"score"`
	Band     Band   `json:"band"`

	// RawScore is the total before the final clamp to MaxScore, set only
	// when that clamp applied.
	RawScore int `json:"rawScore,omitempty"`

	// Triggered rules, contribution descending then rule id ascending
	Trace    []TraceEntry    `json:"trace"`
	Clamps   []CategoryClamp `json:"clamps,omitempty"`
	Warnings []RuleWarning   `json:"warnings,omitempty"`
	Summary  string          `json:"summary"`

	// Metadata only, never an input to scoring
	EvaluatedAt time.Time `json:"evaluatedAt"`
}

// TriggeredRuleIDs returns the rule ids in trace order.
func (a *RiskAssessment) TriggeredRuleIDs() []string {
	ids := make([]string, len(a.Trace))
	for i, e := range a.Trace {
		ids[i] = e.RuleID
	}
	return ids
}
