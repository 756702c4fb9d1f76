package rules

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrRuleNotFound = errors.New("rule not found")
	ErrRuleExists   = errors.New("rule already exists")
)

// ErrorDetail pins a validation problem to a rule field.
type ErrorDetail struct {
	Field   string `json:"field"`
	Problem string `json:"problem"`
	Hint    string `json:"hint,omitempty"`
}

type ValidationError struct {
	RuleID  string        `json:"rule_id,omitempty"`
	Details []ErrorDetail `json:"details"`
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Details))
	for _, d := range e.Details {
		parts = append(parts, fmt.Sprintf("%s %s", d.Field, d.Problem))
	}
	return fmt.Sprintf("rule %q invalid: %s", e.RuleID, strings.Join(parts, "; "))
}

// PersistenceError is returned when a rule write could not be stored. The
// in-memory rule set is left as it was before the call.
type PersistenceError struct {
	Op     string
	RuleID string
	Err    error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist rule %s (%s): %v", e.RuleID, e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}
