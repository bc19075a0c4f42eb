package batch

import (
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/opensource-finance/chainguard/internal/domain"
)

// Accepted timestamp layouts, tried in order. Values without a zone are UTC.
var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04",
	"2006-01-02",
}

// ParseRow validates one raw row and builds a Transaction from it.
// Headers are matched case-insensitively and through domain.ColumnAliases;
// unrecognised columns become auxiliary attributes. When defaultCurrency is
// empty the currency column is mandatory.
func ParseRow(row domain.TransactionRow, defaultCurrency string) (*domain.Transaction, error) {
	core, attrs := splitColumns(row.Fields)

	tx := &domain.Transaction{
		ID:         core[domain.ColumnTxID],
		RowIndex:   row.Index,
		Sender:     core[domain.ColumnSender],
		Receiver:   core[domain.ColumnReceiver],
		Currency:   core[domain.ColumnCurrency],
		Attributes: attrs,
	}

	rowErr := func(field, value string, err error) error {
		return &RowError{Index: row.Index, TxID: tx.ID, Field: field, Value: value, Err: err}
	}

	for _, field := range []string{domain.ColumnTxID, domain.ColumnTimestamp, domain.ColumnSender, domain.ColumnReceiver, domain.ColumnAmount} {
		if core[field] == "" {
			return nil, rowErr(field, "", ErrMissingField)
		}
	}

	if tx.Currency == "" {
		if defaultCurrency == "" {
			return nil, rowErr(domain.ColumnCurrency, "", ErrMissingField)
		}
		tx.Currency = defaultCurrency
	}

	ts, ok := parseTimestamp(core[domain.ColumnTimestamp])
	if !ok {
		return nil, rowErr(domain.ColumnTimestamp, core[domain.ColumnTimestamp], ErrMalformedField)
	}
	tx.Timestamp = ts

	amount, err := strconv.ParseFloat(core[domain.ColumnAmount], 64)
	if err != nil || math.IsNaN(amount) || math.IsInf(amount, 0) || amount < 0 {
		return nil, rowErr(domain.ColumnAmount, core[domain.ColumnAmount], ErrMalformedField)
	}
	tx.Amount = amount

	return tx, nil
}

// splitColumns separates canonical columns from auxiliary attributes.
// When several headers map to the same column the canonical spelling wins,
// then the alphabetically first alias.
func splitColumns(fields map[string]string) (map[string]string, map[string]string) {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	core := make(map[string]string, 6)
	exact := make(map[string]bool, 6)
	attrs := make(map[string]string)

	for _, k := range keys {
		header := strings.ToLower(strings.TrimSpace(k))
		value := strings.TrimSpace(fields[k])

		column, ok := domain.ColumnAliases[header]
		if !ok {
			if _, taken := attrs[header]; !taken || value != "" {
				attrs[header] = value
			}
			continue
		}
		if value == "" || exact[column] {
			continue
		}
		if _, set := core[column]; set && header != column {
			continue
		}
		core[column] = value
		exact[column] = header == column
	}

	return core, attrs
}

func parseTimestamp(v string) (time.Time, bool) {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return t.UTC(), true
		}
	}
	// Unix epoch seconds, as block explorers export them
	if secs, err := strconv.ParseInt(v, 10, 64); err == nil && secs > 0 {
		return time.Unix(secs, 0).UTC(), true
	}
	return time.Time{}, false
}
