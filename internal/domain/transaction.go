package domain

import (
	"time"
)

// Transaction is a validated transaction row ready for scoring.
// It is built once per batch by the orchestrator and never mutated afterwards.
type Transaction struct {
	// Core identifiers
	ID       string `json:"id"`
	RowIndex int    `json:"rowIndex"`

	// Temporal
	Timestamp time.Time `json:"timestamp"`

	// Parties involved (on-chain addresses)
	Sender   string `json:"sender"`
	Receiver string `json:"receiver"`

	// Financial details
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency"`

	// Auxiliary columns passed through from ingestion (e.g. wallet_age_days).
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Attribute returns an auxiliary attribute and whether it was present and non-empty.
func (t *Transaction) Attribute(name string) (string, bool) {
	v, ok := t.Attributes[name]
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// TransactionRow is one raw tabular row as handed over by the ingestion collaborator.
// Index is the row's position in the submitted batch and drives output ordering.
type TransactionRow struct {
	Index  int               `json:"index"`
	Fields map[string]string `json:"fields"`
}

// Canonical column names for the mandatory transaction fields.
const (
	ColumnTxID      = "tx_id"
	ColumnTimestamp = "timestamp"
	ColumnSender    = "sender"
	ColumnReceiver  = "receiver"
	ColumnAmount    = "amount"
	ColumnCurrency  = "currency"
)

// ColumnAliases maps accepted header spellings to canonical column names.
var ColumnAliases = map[string]string{
	"tx_id":        ColumnTxID,
	"id":           ColumnTxID,
	"txid":         ColumnTxID,
	"hash":         ColumnTxID,
	"tx_hash":      ColumnTxID,
	"timestamp":    ColumnTimestamp,
	"time":         ColumnTimestamp,
	"block_time":   ColumnTimestamp,
	"sender":       ColumnSender,
	"source":       ColumnSender,
	"from":         ColumnSender,
	"from_address": ColumnSender,
	"receiver":     ColumnReceiver,
	"destination":  ColumnReceiver,
	"to":           ColumnReceiver,
	"to_address":   ColumnReceiver,
	"amount":       ColumnAmount,
	"value":        ColumnAmount,
	"currency":     ColumnCurrency,
	"asset":        ColumnCurrency,
	"token":        ColumnCurrency,
}

// CanonicalColumn returns the canonical name for a header, or the header itself
// when it is an auxiliary column.
func CanonicalColumn(header string) string {
	if c, ok := ColumnAliases[header]; ok {
		return c
	}
	return header
}
