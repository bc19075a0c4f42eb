package rules

import "github.com/opensource-finance/chainguard/internal/domain"

// Built-in rule identifiers.
const (
	RuleHighAmount          = "high_amount"
	RuleBurstTransactions   = "burst_transactions"
	RuleNewWalletHighActive = "new_wallet_high_activity"
	RuleUnusualTime         = "unusual_time"
	RuleOneWayFlow          = "one_way_flow"
	RuleSuddenChange        = "sudden_behavior_change"
	RuleUnrecognizedAddress = "unrecognized_address"
)

// BuiltinRules returns the default rule set. Every call returns fresh values.
// unrecognized_address ships disabled and is enabled through configuration.
func BuiltinRules() []*domain.RuleConfig {
	return []*domain.RuleConfig{
		{
			ID:          RuleHighAmount,
			Name:        "High Transaction Amount",
			Description: "Transfer above 10,000 units",
			Category:    "amount",
			Weight:      30,
			Expression:  "amount > 10000.0",
			Version:     "1",
			Enabled:     true,
		},
		{
			ID:          RuleBurstTransactions,
			Name:        "Burst Transactions",
			Description: "Sender appears in 3 or more transactions of the batch",
			Category:    "velocity",
			Weight:      20,
			Expression:  "sender_tx_count >= 3",
			Version:     "1",
			Enabled:     true,
		},
		{
			ID:          RuleNewWalletHighActive,
			Name:        "New Wallet High Activity",
			Description: "Wallet younger than 30 days moving more than 5,000 units",
			Category:    "account",
			Weight:      20,
			Expression:  "double(attrs.wallet_age_days) < 30.0 && amount > 5000.0",
			Requires:    []string{"wallet_age_days"},
			Version:     "1",
			Enabled:     true,
		},
		{
			ID:          RuleUnusualTime,
			Name:        "Unusual Transaction Time",
			Description: "Sent between 00:00 and 04:59 UTC",
			Category:    "temporal",
			Weight:      10,
			Expression:  "hour >= 0 && hour <= 4",
			Version:     "1",
			Enabled:     true,
		},
		{
			ID:          RuleOneWayFlow,
			Name:        "One-Way Money Flow",
			Description: "Sender never receives funds in the batch",
			Category:    "flow",
			Weight:      10,
			Expression:  "sender_incoming_count == 0",
			Version:     "1",
			Enabled:     true,
		},
		{
			ID:          RuleSuddenChange,
			Name:        "Sudden Behavior Change",
			Description: "Amount more than twice the sender's batch average",
			Category:    "behavior",
			Weight:      10,
			Expression:  "sender_avg_amount > 0.0 && amount > 2.0 * sender_avg_amount",
			Version:     "1",
			Enabled:     true,
		},
		{
			ID:          RuleUnrecognizedAddress,
			Name:        "Unrecognized Address Format",
			Description: "Sender or receiver is neither an EVM nor a Solana address",
			Category:    "address",
			Weight:      10,
			Expression:  `sender_chain == "unknown" || receiver_chain == "unknown"`,
			Version:     "1",
			Enabled:     false,
		},
	}
}
