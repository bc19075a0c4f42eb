package domain

// RuleConfig is the stored, analyst-authored form of a scoring rule.
// The predicate is a CEL expression that must evaluate to a bool.
type RuleConfig struct {
	ID          string `json:"id"`
	TenantID    string `json:"tenantId,omitempty"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Category    string `json:"category"`
	Version     string `json:"version,omitempty"`

	// CEL expression to evaluate
	Expression string `json:"expression"`

	// Auxiliary attributes the expression reads. Missing ones make the
	// rule not applicable instead of failing it.
	Requires []string `json:"requires,omitempty"`

	// Score contribution when triggered
	Weight int `json:"weight"`

	// Whether rule is active
	Enabled bool `json:"enabled"`
}

// RuleOutcome is the result of evaluating one rule against one transaction.
type RuleOutcome struct {
	RuleID       string `json:"ruleId"`
	Triggered    bool   `json:"triggered"`
	Contribution int    `json:"contribution"`

	// NotApplicable marks a rule that could not be evaluated because
	// the data it needs was absent or malformed.
	NotApplicable bool   `json:"notApplicable,omitempty"`
	Warning       string `json:"warning,omitempty"`
}

// EvalContext holds precomputed counterparty statistics for one transaction.
// It is derived from the whole batch before scoring starts.
type EvalContext struct {
	SenderTxCount         int64   `json:"senderTxCount"`
	SenderTxLastHour      int64   `json:"senderTxLastHour"`
	SenderAvgAmount       float64 `json:"senderAvgAmount"`
	SenderIncomingCount   int64   `json:"senderIncomingCount"`
	ReceiverIncomingCount int64   `json:"receiverIncomingCount"`

	// Address families: "evm", "solana" or "unknown"
	SenderChain   string `json:"senderChain"`
	ReceiverChain string `json:"receiverChain"`

	// Typed auxiliary attributes (numbers and booleans parsed)
	Attributes map[string]any `json:"attributes,omitempty"`
}

// Address families reported in EvalContext.
const (
	ChainEVM     = "evm"
	ChainSolana  = "solana"
	ChainUnknown = "unknown"
)
