package engine

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of an error for retry logic in
// the hosting crawler.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on retry.
	// Examples: network timeouts on a provider's transport.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassPermanent indicates a non-recoverable error.
	// Examples: unsatisfiable plans, cycles, misconfigured callbacks.
	ErrorClassPermanent ErrorClass = "permanent"
)

// EngineError represents a classified error with capability context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification for retry logic.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is the error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Capability is the capability being planned or built when the error occurred.
	Capability Capability `json:"capability,omitempty"`

	// Operation is the engine operation (plan, build, register, materialize).
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Class, e.Message)
	if e.Capability != "" && e.Operation != "" {
		msg = fmt.Sprintf("%s (capability=%s, operation=%s)", msg, e.Capability, e.Operation)
	} else if e.Capability != "" {
		msg = fmt.Sprintf("%s (capability=%s)", msg, e.Capability)
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is matches another EngineError with the same code. Sentinels only carry a
// code, so errors.Is(err, ErrCyclicDependency) works on any cycle error.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// NewTransientError creates a new transient error.
func NewTransientError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassTransient,
		Message: message,
		Err:     err,
	}
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassPermanent,
		Message: message,
		Err:     err,
	}
}

// WithCapability adds capability context to an error.
func (e *EngineError) WithCapability(c Capability) *EngineError {
	e.Capability = c
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

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassTransient
	}
	return false
}

// IsPermanent returns true if the error is classified as permanent.
func IsPermanent(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassPermanent
	}
	return false
}

// FailedCapability returns the capability recorded on the first EngineError
// in the chain, or "" when there is none.
func FailedCapability(err error) Capability {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Capability
	}
	return ""
}

// Error codes.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeUnsatisfiable     = "UNSATISFIABLE_DEPENDENCY"
	ErrCodeCyclicDependency  = "CYCLIC_DEPENDENCY"
	ErrCodeAmbiguousProvider = "AMBIGUOUS_PROVIDER"
	ErrCodeProviderFailed    = "PROVIDER_FAILED"
	ErrCodeNotItemPage       = "NOT_ITEM_PAGE"
	ErrCodeNotImplemented    = "NOT_IMPLEMENTED"
	ErrCodeMissingExternal   = "MISSING_EXTERNAL"
	ErrCodeCancelled         = "CANCELLED"
)

// Sentinels for errors.Is.
var (
	ErrUnsatisfiable     = &EngineError{Code: ErrCodeUnsatisfiable}
	ErrCyclicDependency  = &EngineError{Code: ErrCodeCyclicDependency}
	ErrAmbiguousProvider = &EngineError{Code: ErrCodeAmbiguousProvider}
	ErrProviderFailed    = &EngineError{Code: ErrCodeProviderFailed}
	ErrNotItemPage       = &EngineError{Code: ErrCodeNotItemPage}
	ErrNotImplemented    = &EngineError{Code: ErrCodeNotImplemented}
	ErrMissingExternal   = &EngineError{Code: ErrCodeMissingExternal}
	ErrCancelled         = &EngineError{Code: ErrCodeCancelled}
)
