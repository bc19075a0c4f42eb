package domain

import "time"

// SkippedRow records a row excluded for a row-level data error.
type SkippedRow struct {
	Index  int    `json:"index"`
	TxID   string `json:"txId,omitempty"`
	Reason string `json:"reason"`
}

// RuleImpact is one line of the rule impact analysis.
type RuleImpact struct {
	RuleID        string `json:"ruleId"`
	Name          string `json:"name"`
	Category      string `json:"category"`
	Triggered     int    `json:"triggered"`
	NotApplicable int    `json:"notApplicable,omitempty"`
}

// BatchReport summarizes one scoring run.
type BatchReport struct {
	Total       int          `json:"total"`
	Processed   int          `json:"processed"`
	Skipped     int          `json:"skipped"`
	SkippedRows []SkippedRow `json:"skippedRows,omitempty"`

	// Rule impact analysis
	RuleTriggers     map[string]int `json:"ruleTriggers"`
	CategoryTriggers map[string]int `json:"categoryTriggers"`
	BandCounts       map[Band]int   `json:"bandCounts"`
	RuleImpact       []RuleImpact   `json:"ruleImpact"`

	// Set when the run was aborted; Unprocessed rows were never scheduled.
	Cancelled   bool `json:"cancelled,omitempty"`
	Unprocessed int  `json:"unprocessed,omitempty"`

	// Registry fingerprint the run was scored with
	Fingerprint string `json:"fingerprint"`

	StartedAt   time.Time `json:"startedAt"`
	CompletedAt time.Time `json:"completedAt"`
}

// RunResult is the orchestrator output: ordered assessments plus the report.
type RunResult struct {
	Assessments []RiskAssessment `json:"assessments"`
	Report      BatchReport      `json:"report"`
}

// Run is a persisted scoring run.
type Run struct {
	ID          string           `json:"id"`
	TenantID    string           `json:"tenantId"`
	Status      RunStatus        `json:"status"`
	Digest      string           `json:"digest"`
	Report      BatchReport      `json:"report"`
	Assessments []RiskAssessment `json:"assessments,omitempty"`
	Cached      bool             `json:"cached,omitempty"`
	CreatedAt   time.Time        `json:"createdAt"`
}

// RunStatus describes how a run ended.
type RunStatus string

const (
	RunCompleted RunStatus = "completed"
	RunCancelled RunStatus = "cancelled"
)
