package engine

import (
	"errors"
	"fmt"
)

// ErrorClass represents how the driver reacts to an error.
type ErrorClass string

const (
	// ErrorClassFatal terminates the worker before finalize. It is never retried.
	// Examples: seed list missing, allocation failure, attempts exhausted.
	ErrorClassFatal ErrorClass = "fatal"

	// ErrorClassRecoverable is an ordinary outcome that the driver loops on.
	// The attempt loop reports retries as OutcomeRetry rather than as an error;
	// the class exists so callers can classify wrapped collaborator errors.
	ErrorClassRecoverable ErrorClass = "recoverable"

	// ErrorClassLogged is reported and then ignored.
	// Examples: merge program exit status, evolver failure, ledger writes.
	ErrorClassLogged ErrorClass = "logged"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code identifies the failing stage for programmatic handling.
	Code string `json:"code,omitempty"`

	// Resource names what the error is about, e.g. "worker-2" or "event-7".
	Resource string `json:"resource,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	if e.Resource != "" && e.Operation != "" {
		return fmt.Sprintf("[%s] %s (resource=%s, operation=%s): %s",
			e.Class, e.Message, e.Resource, e.Operation, e.unwrapMessage())
	}
	if e.Resource != "" {
		return fmt.Sprintf("[%s] %s (resource=%s): %s",
			e.Class, e.Message, e.Resource, e.unwrapMessage())
	}
	return fmt.Sprintf("[%s] %s: %s", e.Class, e.Message, e.unwrapMessage())
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

func (e *EngineError) unwrapMessage() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return ""
}

// Is implements error equality checking for errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewFatalError creates a new fatal error.
func NewFatalError(code, message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassFatal,
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// NewRecoverableError creates a new recoverable error.
func NewRecoverableError(code, message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassRecoverable,
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// NewLoggedError creates a new logged-only error.
func NewLoggedError(code, message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassLogged,
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// WithResource adds resource context to an error.
func (e *EngineError) WithResource(resource string) *EngineError {
	e.Resource = resource
	return e
}

// WithOperation adds operation context to an error.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
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

// ClassOf returns the class of the first EngineError in err's chain.
// Unclassified errors are treated as fatal.
func ClassOf(err error) ErrorClass {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class
	}
	return ErrorClassFatal
}

// CodeOf returns the code of the first EngineError in err's chain.
func CodeOf(err error) string {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Code
	}
	return ErrCodeInternal
}

// IsFatal returns true if the error must terminate the worker.
func IsFatal(err error) bool {
	return err != nil && ClassOf(err) == ErrorClassFatal
}

// IsRecoverable returns true if the error is classified as recoverable.
func IsRecoverable(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassRecoverable
	}
	return false
}

// IsLogged returns true if the error is only reported.
func IsLogged(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassLogged
	}
	return false
}

// Error codes.
const (
	ErrCodeConfig            = "CONFIG_ERROR"
	ErrCodeAdmission         = "ADMISSION_DENIED"
	ErrCodeSeed              = "SEED_ERROR"
	ErrCodeAllocation        = "ALLOCATION_FAILED"
	ErrCodeInitializer       = "INITIALIZER_FAILED"
	ErrCodeAttemptsExhausted = "ATTEMPTS_EXHAUSTED"
	ErrCodeGeometry          = "GEOMETRY_FAILED"
	ErrCodeEvolver           = "EVOLVER_FAILED"
	ErrCodeBarrier           = "BARRIER_FAILED"
	ErrCodeExport            = "EXPORT_FAILED"
	ErrCodeAudit             = "AUDIT_FAILED"
	ErrCodeLedger            = "LEDGER_FAILED"
	ErrCodeShipping          = "SHIPPING_FAILED"
	ErrCodeKernel            = "KERNEL_FAILED"
	ErrCodeInternal          = "INTERNAL_ERROR"
)
