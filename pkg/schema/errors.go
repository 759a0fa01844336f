package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeValidation         = "VALIDATION_ERROR"
	ErrCodeInvalidReference   = "INVALID_REFERENCE"
	ErrCodeCycleDetected      = "CYCLE_DETECTED"
	ErrCodeStepNotYetExecuted = "STEP_NOT_YET_EXECUTED"
	ErrCodePathNotFound       = "PATH_NOT_FOUND"
	ErrCodeDataUnavailable    = "DATA_UNAVAILABLE"
	ErrCodeStepExecution      = "STEP_EXECUTION_ERROR"
	ErrCodeTimeout            = "TIMEOUT_ERROR"
	ErrCodeApprovalRejected   = "APPROVAL_REJECTED"
	ErrCodeBudgetExceeded     = "BUDGET_EXCEEDED"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeConflict           = "CONFLICT"
	ErrCodeUnauthorized       = "UNAUTHORIZED"
	ErrCodeInvalidTransition  = "INVALID_TRANSITION"
	ErrCodeCircuitOpen        = "CIRCUIT_OPEN"
	ErrCodeCancelled          = "CANCELLED"
	ErrCodeStore              = "STORE_ERROR"
)

// ErrorClass classifies step failures for retry decisions.
type ErrorClass string

const (
	ClassNetwork     ErrorClass = "network"
	ClassTimeout     ErrorClass = "timeout"
	ClassRateLimit   ErrorClass = "rate_limit"
	ClassUnavailable ErrorClass = "unavailable"
	ClassValidation  ErrorClass = "validation"
	ClassAuth        ErrorClass = "auth"
	ClassBudget      ErrorClass = "budget"
	ClassRejected    ErrorClass = "rejected"
	ClassInternal    ErrorClass = "internal"
)

// DefaultRetryableClasses are retried when a policy does not list its own.
var DefaultRetryableClasses = []ErrorClass{ClassNetwork, ClassTimeout, ClassRateLimit, ClassUnavailable}

// Sentinels for errors.Is. An OrchestratorError matches a sentinel with the same code.
var (
	ErrValidation         = &OrchestratorError{Code: ErrCodeValidation}
	ErrInvalidReference   = &OrchestratorError{Code: ErrCodeInvalidReference}
	ErrCycleDetected      = &OrchestratorError{Code: ErrCodeCycleDetected}
	ErrStepNotYetExecuted = &OrchestratorError{Code: ErrCodeStepNotYetExecuted}
	ErrPathNotFound       = &OrchestratorError{Code: ErrCodePathNotFound}
	ErrDataUnavailable    = &OrchestratorError{Code: ErrCodeDataUnavailable}
	ErrStepExecution      = &OrchestratorError{Code: ErrCodeStepExecution}
	ErrTimeout            = &OrchestratorError{Code: ErrCodeTimeout}
	ErrApprovalRejected   = &OrchestratorError{Code: ErrCodeApprovalRejected}
	ErrBudgetExceeded     = &OrchestratorError{Code: ErrCodeBudgetExceeded}
	ErrNotFound           = &OrchestratorError{Code: ErrCodeNotFound}
	ErrConflict           = &OrchestratorError{Code: ErrCodeConflict}
	ErrUnauthorized       = &OrchestratorError{Code: ErrCodeUnauthorized}
	ErrInvalidTransition  = &OrchestratorError{Code: ErrCodeInvalidTransition}
)

// OrchestratorError is the structured error type for all engine operations.
type OrchestratorError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Class   ErrorClass     `json:"class,omitempty"`
	Details map[string]any `json:"details,omitempty"`
	StepID  string         `json:"step_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *OrchestratorError) Error() string {
	if e.StepID != "" {
		return fmt.Sprintf("[%s] step %s: %s", e.Code, e.StepID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *OrchestratorError) Unwrap() error {
	return e.Cause
}

// Is matches sentinels by code, so errors.Is(err, ErrCycleDetected) works on any
// error carrying CYCLE_DETECTED.
func (e *OrchestratorError) Is(target error) bool {
	t, ok := target.(*OrchestratorError)
	if !ok {
		return false
	}
	return t.Message == "" && t.Code == e.Code
}

// IsRetryable reports whether the error class is in the default retryable set.
func (e *OrchestratorError) IsRetryable() bool {
	for _, c := range DefaultRetryableClasses {
		if e.Class == c {
			return true
		}
	}
	return false
}

// NewError creates a new OrchestratorError.
func NewError(code, message string) *OrchestratorError {
	return &OrchestratorError{Code: code, Message: message}
}

// NewErrorf creates a new OrchestratorError with a formatted message.
func NewErrorf(code, format string, args ...any) *OrchestratorError {
	return &OrchestratorError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// NewStepError creates a StepExecution error of the given class.
func NewStepError(class ErrorClass, format string, args ...any) *OrchestratorError {
	return &OrchestratorError{Code: ErrCodeStepExecution, Class: class, Message: fmt.Sprintf(format, args...)}
}

// WithStep attaches a step ID to the error.
func (e *OrchestratorError) WithStep(stepID string) *OrchestratorError {
	e.StepID = stepID
	return e
}

// WithCause attaches an underlying cause.
func (e *OrchestratorError) WithCause(err error) *OrchestratorError {
	e.Cause = err
	return e
}

// WithClass sets the failure class.
func (e *OrchestratorError) WithClass(class ErrorClass) *OrchestratorError {
	e.Class = class
	return e
}

// WithDetails attaches key-value details.
func (e *OrchestratorError) WithDetails(details map[string]any) *OrchestratorError {
	e.Details = details
	return e
}

// AsOrchestratorError extracts the first OrchestratorError in the chain.
func AsOrchestratorError(err error) (*OrchestratorError, bool) {
	var oe *OrchestratorError
	if errors.As(err, &oe) {
		return oe, true
	}
	return nil, false
}
