package instance

import (
	"fmt"
	"strings"
)

// ValidationCode classifies why a pre-create validation failed
type ValidationCode string

const (
	CodeServiceUnavailable  ValidationCode = "service_unavailable"
	CodeInsufficientBalance ValidationCode = "insufficient_balance"
	CodeOfferUnavailable    ValidationCode = "offer_unavailable"
)

// ValidationIssue is one classified validation failure
type ValidationIssue struct {
	Code    ValidationCode `json:"code"`
	Message string         `json:"message"`
}

// Validation is the outcome of a pre-create check. Warnings do not
// block creation; errors do.
type Validation struct {
	Valid    bool              `json:"valid"`
	Errors   []ValidationIssue `json:"errors,omitempty"`
	Warnings []string          `json:"warnings,omitempty"`
}

func (v *Validation) addError(code ValidationCode, format string, args ...any) {
	v.Errors = append(v.Errors, ValidationIssue{Code: code, Message: fmt.Sprintf(format, args...)})
}

func (v *Validation) addWarning(format string, args ...any) {
	v.Warnings = append(v.Warnings, fmt.Sprintf(format, args...))
}

// ValidationError carries a failed validation across the error return
type ValidationError struct {
	Issues []ValidationIssue
}

func (e *ValidationError) Error() string {
	msgs := make([]string, len(e.Issues))
	for i, issue := range e.Issues {
		msgs[i] = fmt.Sprintf("%s: %s", issue.Code, issue.Message)
	}
	return "validation failed: " + strings.Join(msgs, "; ")
}
