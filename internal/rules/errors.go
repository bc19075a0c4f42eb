package rules

import (
	"errors"
	"fmt"
)

// Configuration errors. A registry that fails with any of them is never built.
var (
	ErrInvalidRule       = errors.New("invalid rule")
	ErrDuplicateRule     = errors.New("duplicate rule id")
	ErrNegativeWeight    = errors.New("negative rule weight")
	ErrInvalidThresholds = errors.New("invalid band thresholds")
	ErrNegativeCap       = errors.New("negative category cap")
	ErrInvalidExpression = errors.New("invalid rule expression")
	ErrUnknownRule       = errors.New("unknown rule")
)

// ConfigError describes one problem found while loading a rule set.
type ConfigError struct {
	RuleID string
	Field  string
	Err    error
	Detail string
}

func (e *ConfigError) Error() string {
	msg := e.Err.Error()
	if e.RuleID != "" {
		msg = fmt.Sprintf("rule %q: %s", e.RuleID, msg)
	} else if e.Field != "" {
		msg = fmt.Sprintf("%s: %s", e.Field, msg)
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

func ruleError(ruleID string, err error, format string, args ...any) *ConfigError {
	return &ConfigError{RuleID: ruleID, Err: err, Detail: fmt.Sprintf(format, args...)}
}

func fieldError(field string, err error, format string, args ...any) *ConfigError {
	return &ConfigError{Field: field, Err: err, Detail: fmt.Sprintf(format, args...)}
}
