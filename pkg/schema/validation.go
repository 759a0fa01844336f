package schema

import (
	"fmt"
	"strings"
)

// ValidationSeverity tells blocking problems from advisory ones.
type ValidationSeverity string

const (
	SeverityError   ValidationSeverity = "error"
	SeverityWarning ValidationSeverity = "warning"
)

// ValidationIssue locates one problem in a plan document. Path uses the
// dotted form of the step tree, e.g. steps[2].steps[0].action.
type ValidationIssue struct {
	Path     string             `json:"path"`
	Code     string             `json:"code"`
	Message  string             `json:"message"`
	Severity ValidationSeverity `json:"severity"`
}

func (i ValidationIssue) String() string {
	if i.Path == "" {
		return i.Message
	}
	return i.Path + ": " + i.Message
}

// ValidationResult collects the issues a plan check found. Warnings never make
// a plan invalid.
type ValidationResult struct {
	Errors   []ValidationIssue `json:"errors,omitempty"`
	Warnings []ValidationIssue `json:"warnings,omitempty"`
}

func (r *ValidationResult) Valid() bool { return len(r.Errors) == 0 }

func (r *ValidationResult) AddError(path, code, message string) {
	r.Errors = append(r.Errors, ValidationIssue{Path: path, Code: code, Message: message, Severity: SeverityError})
}

func (r *ValidationResult) AddWarning(path, code, message string) {
	r.Warnings = append(r.Warnings, ValidationIssue{Path: path, Code: code, Message: message, Severity: SeverityWarning})
}

// Merge appends the issues of other, which may be nil.
func (r *ValidationResult) Merge(other *ValidationResult) {
	if other != nil {
		r.Errors = append(r.Errors, other.Errors...)
		r.Warnings = append(r.Warnings, other.Warnings...)
	}
}

// ToError returns nil for a valid result. Otherwise it returns a
// VALIDATION_ERROR whose details list every issue; the message is the lone
// error's text, or a count followed by the located errors.
func (r *ValidationResult) ToError() error {
	switch len(r.Errors) {
	case 0:
		return nil
	case 1:
		return NewError(ErrCodeValidation, r.Errors[0].Message).WithDetails(r.details())
	}
	located := make([]string, len(r.Errors))
	for i, issue := range r.Errors {
		located[i] = issue.String()
	}
	msg := fmt.Sprintf("validation failed with %d errors: %s", len(r.Errors), strings.Join(located, "; "))
	return NewError(ErrCodeValidation, msg).WithDetails(r.details())
}

func (r *ValidationResult) details() map[string]any {
	return map[string]any{
		"error_count":   len(r.Errors),
		"warning_count": len(r.Warnings),
		"errors":        r.Errors,
		"warnings":      r.Warnings,
	}
}
