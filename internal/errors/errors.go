// Package errors provides the structured error type (CoordError) used across
// the coordination core, carrying a stable namespaced code, a severity, and a
// retry category that downstream policy decisions key off.
package errors

import (
	"errors"
	"fmt"
)

// Code is a stable, namespaced identifier for a failure mode.
type Code string

const (
	CodeNotFound              Code = "state/not_found"
	CodeAlreadyExists         Code = "state/already_exists"
	CodeValidationFailed      Code = "state/validation_failed"
	CodeCorruptRecord         Code = "state/corrupt_record"
	CodeHistoryError          Code = "state/history"
	CodeIOContention          Code = "state/io_contention"
	CodeInvalidTransition     Code = "machine/invalid_transition"
	CodeLockAcquisitionFailed Code = "lock/acquisition_failed"
	CodeLockNotHolder         Code = "lock/not_holder"
	CodeLockLost              Code = "lock/lost"
	CodeRemediationRequired   Code = "retry/remediation_required"
	CodeWatchError            Code = "notify/watch"
	CodeWaitTimeout           Code = "notify/wait_timeout"
	CodeInternal              Code = "core/internal"
)

// Category governs retry eligibility for an error.
type Category string

const (
	// CategoryTransient failures (lock timeouts, filesystem contention)
	// retry with exponential backoff at the higher ceiling.
	CategoryTransient Category = "transient"
	// CategoryRecoverable failures retry after an explicit remediation
	// attempt, at a lower ceiling.
	CategoryRecoverable Category = "recoverable"
	// CategoryFatal failures never retry and escalate immediately.
	CategoryFatal Category = "fatal"
)

// Severity indicates how critical an error is.
type Severity string

const (
	SeverityFatal   Severity = "fatal"   // Stops the operation
	SeverityError   Severity = "error"   // Error, but the caller may continue
	SeverityWarning Severity = "warning" // Degraded, retry likely to succeed
)

// categoryByCode maps each taxonomy code to its retry category. Everything is
// fatal except lock acquisition and filesystem contention (transient) and
// remediation-required conditions reported by dependent processes.
var categoryByCode = map[Code]Category{
	CodeNotFound:              CategoryFatal,
	CodeAlreadyExists:         CategoryFatal,
	CodeValidationFailed:      CategoryFatal,
	CodeCorruptRecord:         CategoryFatal,
	CodeHistoryError:          CategoryFatal,
	CodeIOContention:          CategoryTransient,
	CodeInvalidTransition:     CategoryFatal,
	CodeLockAcquisitionFailed: CategoryTransient,
	CodeLockNotHolder:         CategoryFatal,
	CodeLockLost:              CategoryTransient,
	CodeRemediationRequired:   CategoryRecoverable,
	CodeWatchError:            CategoryFatal,
	CodeWaitTimeout:           CategoryTransient,
	CodeInternal:              CategoryFatal,
}

// ContextFields carries structured context for a CoordError.
type ContextFields map[string]any

// CoordError is a structured error with code, category, severity and context.
type CoordError struct {
	Code     Code          `json:"code"`
	Category Category      `json:"category"`
	Severity Severity      `json:"severity"`
	Message  string        `json:"message"`
	Cause    error         `json:"cause,omitempty"`
	Context  ContextFields `json:"context,omitempty"`
}

// Error implements the error interface.
func (e *CoordError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s (%s): %s: %v", e.Code, e.Severity, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s (%s): %s", e.Code, e.Severity, e.Message)
}

// Unwrap implements error unwrapping for errors.Is/As chains.
func (e *CoordError) Unwrap() error {
	return e.Cause
}

// WithContext adds context information to the error.
func (e *CoordError) WithContext(key string, value any) *CoordError {
	if e.Context == nil {
		e.Context = make(ContextFields)
	}
	e.Context[key] = value
	return e
}

// New creates a CoordError for the given code. The category is derived from
// the taxonomy mapping; unknown codes are treated as fatal.
func New(code Code, severity Severity, message string) *CoordError {
	return &CoordError{
		Code:     code,
		Category: categoryFor(code),
		Severity: severity,
		Message:  message,
	}
}

// Wrap creates a CoordError that wraps an existing error.
func Wrap(err error, code Code, severity Severity, message string) *CoordError {
	e := New(code, severity, message)
	e.Cause = err
	return e
}

func categoryFor(code Code) Category {
	if c, ok := categoryByCode[code]; ok {
		return c
	}
	return CategoryFatal
}

// Classify returns the retry category for any error. Errors raised outside
// the taxonomy are fatal: an unknown failure is never silently retried.
func Classify(err error) Category {
	var ce *CoordError
	if errors.As(err, &ce) {
		return ce.Category
	}
	return CategoryFatal
}

// IsRetryable reports whether the error's category permits retries.
func IsRetryable(err error) bool {
	switch Classify(err) {
	case CategoryTransient, CategoryRecoverable:
		return true
	default:
		return false
	}
}

// CodeOf extracts the taxonomy code from an error, or CodeInternal if the
// error was raised outside the taxonomy.
func CodeOf(err error) Code {
	var ce *CoordError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return CodeInternal
}

// HasCode checks whether an error carries a specific taxonomy code.
func HasCode(err error, code Code) bool {
	return CodeOf(err) == code
}
