package domain

import (
	"errors"
	"fmt"
	"strings"
)

// ErrSchemaViolation is wrapped by every SchemaViolation.
var ErrSchemaViolation = errors.New("schema violation")

// MissingJoinFault records a customer that lacks a record one or more flags need.
// The affected flags are null and the customer has no risk score.
type MissingJoinFault struct {
	CustomerID int64      `json:"customerId"`
	Entity     Entity     `json:"entity"`
	Flags      []FlagName `json:"flags"`
}

func (f MissingJoinFault) Error() string {
	return fmt.Sprintf("customer %d: missing %s record (flags %v)", f.CustomerID, f.Entity, f.Flags)
}

// RuleFault records a flag expression that failed at runtime for one customer.
type RuleFault struct {
	CustomerID int64    `json:"customerId"`
	Flag       FlagName `json:"flag"`
	Reason     string   `json:"reason"`
}

func (f RuleFault) Error() string {
	return fmt.Sprintf("customer %d: flag %s: %s", f.CustomerID, f.Flag, f.Reason)
}

// Violation is a single failed domain constraint.
type Violation struct {
	Table  string `json:"table"`
	Row    int    `json:"row"`
	ID     int64  `json:"id"`
	Field  string `json:"field,omitempty"`
	Reason string `json:"reason"`
}

// SchemaViolation rejects an input snapshot whose records break their declared constraints.
type SchemaViolation struct {
	Violations []Violation `json:"violations"`
}

func (e *SchemaViolation) Error() string {
	if len(e.Violations) == 0 {
		return ErrSchemaViolation.Error()
	}

	parts := make([]string, 0, 3)
	for i, v := range e.Violations {
		if i == 3 {
			break
		}
		if v.Field != "" {
			parts = append(parts, fmt.Sprintf("%s[%d].%s: %s", v.Table, v.Row, v.Field, v.Reason))
		} else {
			parts = append(parts, fmt.Sprintf("%s[%d]: %s", v.Table, v.Row, v.Reason))
		}
	}
	msg := fmt.Sprintf("%s: %s", ErrSchemaViolation, strings.Join(parts, "; "))
	if extra := len(e.Violations) - len(parts); extra > 0 {
		msg += fmt.Sprintf(" (and %d more)", extra)
	}
	return msg
}

func (e *SchemaViolation) Unwrap() error {
	return ErrSchemaViolation
}
