package segmentation

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for the segmentation layer.
var (
	ErrInvalidRule      = errors.New("invalid segment rule")
	ErrStoreUnavailable = errors.New("customer store unavailable")
	ErrSegmentNotFound  = errors.New("segment not found")
	ErrInvalidSegment   = errors.New("invalid segment")
)

// InvalidRuleError describes which part of a rule tree was rejected.
// It matches ErrInvalidRule with errors.Is.
type InvalidRuleError struct {
	Field    string `json:"field,omitempty"`
	Operator string `json:"operator,omitempty"`
	Value    any    `json:"value,omitempty"`
	Reason   string `json:"reason"`
}

func (e *InvalidRuleError) Error() string {
	var b strings.Builder
	b.WriteString("invalid segment rule: ")
	b.WriteString(e.Reason)
	if e.Field != "" {
		fmt.Fprintf(&b, " (field %q", e.Field)
		if e.Operator != "" {
			fmt.Fprintf(&b, ", operator %q", e.Operator)
		}
		if e.Value != nil {
			fmt.Fprintf(&b, ", value %v", e.Value)
		}
		b.WriteString(")")
	} else if e.Operator != "" {
		fmt.Fprintf(&b, " (operator %q)", e.Operator)
	}
	return b.String()
}

// Is makes errors.Is(err, ErrInvalidRule) true for any *InvalidRuleError.
func (e *InvalidRuleError) Is(target error) bool {
	return target == ErrInvalidRule
}

// StoreUnavailableError wraps an infrastructure failure of the customer
// store. Callers treat it as retryable and never as a rule problem.
type StoreUnavailableError struct {
	Op  string
	Err error
}

func (e *StoreUnavailableError) Error() string {
	return fmt.Sprintf("customer store unavailable: %s: %v", e.Op, e.Err)
}

func (e *StoreUnavailableError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrStoreUnavailable) true for any *StoreUnavailableError.
func (e *StoreUnavailableError) Is(target error) bool {
	return target == ErrStoreUnavailable
}
