package engine

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of an error for recovery logic.
type ErrorClass string

const (
	// ErrorClassConfiguration indicates a malformed registration, such as a
	// pattern without any constructible output. The offending provider is
	// excluded from the rebuild in progress.
	ErrorClassConfiguration ErrorClass = "configuration"

	// ErrorClassAdmission indicates that no CPU cluster could accept a job.
	// This is an expected outcome and is retried by the caller, if at all.
	ErrorClassAdmission ErrorClass = "admission"

	// ErrorClassComputation indicates a planner failure: no feasible
	// decomposition, cancellation, or an internal planner error.
	ErrorClassComputation ErrorClass = "computation"

	// ErrorClassInvariant indicates a programming error.
	ErrorClassInvariant ErrorClass = "invariant"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Fingerprint is the resource involved, if applicable.
	Fingerprint string `json:"fingerprint,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Class, e.Message)
	if e.Fingerprint != "" && e.Operation != "" {
		msg = fmt.Sprintf("%s (fingerprint=%s, operation=%s)", msg, e.Fingerprint, e.Operation)
	} else if e.Fingerprint != "" {
		msg = fmt.Sprintf("%s (fingerprint=%s)", msg, e.Fingerprint)
	} else if e.Operation != "" {
		msg = fmt.Sprintf("%s (operation=%s)", msg, e.Operation)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewConfigurationError creates a new configuration error.
func NewConfigurationError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassConfiguration,
		Message: message,
		Err:     err,
	}
}

// NewAdmissionError creates a new admission error.
func NewAdmissionError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassAdmission,
		Message: message,
		Err:     err,
	}
}

// NewComputationError creates a new computation error.
func NewComputationError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassComputation,
		Message: message,
		Err:     err,
	}
}

// NewInvariantError creates a new invariant violation error.
func NewInvariantError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassInvariant,
		Message: message,
		Err:     err,
	}
}

// WithFingerprint adds fingerprint context to an error.
func (e *EngineError) WithFingerprint(f Fingerprint) *EngineError {
	e.Fingerprint = f.String()
	return e
}

// WithOperation adds operation context to an error.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

func classOf(err error) (ErrorClass, bool) {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class, true
	}
	return "", false
}

// IsConfiguration returns true if the error is classified as configuration.
func IsConfiguration(err error) bool {
	c, ok := classOf(err)
	return ok && c == ErrorClassConfiguration
}

// IsAdmission returns true if the error is classified as admission.
func IsAdmission(err error) bool {
	c, ok := classOf(err)
	return ok && c == ErrorClassAdmission
}

// IsComputation returns true if the error is classified as computation.
func IsComputation(err error) bool {
	c, ok := classOf(err)
	return ok && c == ErrorClassComputation
}

// IsInvariant returns true if the error is classified as an invariant violation.
func IsInvariant(err error) bool {
	c, ok := classOf(err)
	return ok && c == ErrorClassInvariant
}

// HasCode returns true if err carries the given error code.
func HasCode(err error, code string) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// Common error codes.
const (
	ErrCodeInvalidRequest   = "INVALID_REQUEST"
	ErrCodeNoOutput         = "NO_OUTPUT"
	ErrCodeNoFeasiblePlan   = "NO_FEASIBLE_PLAN"
	ErrCodeCancelled        = "CANCELLED"
	ErrCodePlannerPanic     = "PLANNER_PANIC"
	ErrCodePauseUnderflow   = "PAUSE_UNDERFLOW"
	ErrCodeDuplicateNexus   = "DUPLICATE_NEXUS"
	ErrCodeClusterRejected  = "CLUSTER_REJECTED"
	ErrCodeUnknownAlgorithm = "UNKNOWN_ALGORITHM"
	ErrCodeFrozenIndex      = "FROZEN_INDEX"
)
