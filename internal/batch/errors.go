package batch

import (
	"errors"
	"fmt"
)

// Row-level data errors. A row failing with one of them is skipped and reported.
var (
	ErrMissingField   = errors.New("missing field")
	ErrMalformedField = errors.New("malformed field")
)

// ErrNoRegistry is returned when an orchestrator is built without a rule registry.
var ErrNoRegistry = errors.New("rule registry is required")

// RowError describes why a row was excluded from scoring.
type RowError struct {
	Index int
	TxID  string
	Field string
	Value string
	Err   error
}

func (e *RowError) Error() string {
	return fmt.Sprintf("row %d: %s", e.Index, e.Reason())
}

// Reason is the error text without the row prefix, as recorded in the report.
func (e *RowError) Reason() string {
	if errors.Is(e.Err, ErrMalformedField) && e.Value != "" {
		return fmt.Sprintf("%v %q: %q", e.Err, e.Field, e.Value)
	}
	return fmt.Sprintf("%v %q", e.Err, e.Field)
}

func (e *RowError) Unwrap() error {
	return e.Err
}
