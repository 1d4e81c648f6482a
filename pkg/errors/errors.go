// Package errors defines the typed error taxonomy surfaced by a dataflow
// run's termination result (see §7 of the runtime design).
package errors

import (
	"fmt"
	"runtime"
	"time"
)

// AppError is the standardized error carried through operator, scheduler
// and transport failures up to the run's termination result.
type AppError struct {
	Code       string                 `json:"code"`
	Message    string                 `json:"message"`
	Component  string                 `json:"component"`
	Operation  string                 `json:"operation"`
	Cause      error                  `json:"cause,omitempty"`
	StackTrace string                 `json:"stack_trace,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
	Severity   Severity               `json:"severity"`
}

// Severity levels for errors.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// Error codes, one per §7 error kind plus a catch-all for wrapped causes.
const (
	// CodeUserClosure is raised from a user-supplied closure (map, reduce,
	// fold, step, merge). Always fatal.
	CodeUserClosure = "USER_CLOSURE_ERROR"
	// CodeType is raised when a record reaching a stateful operator is not
	// a (key, value) pair, or its key is not a byte-string or integer.
	CodeType = "TYPE_ERROR"
	// CodeResume is raised when the recovery log is corrupt or incompatible
	// with the running binary; the engine refuses to start.
	CodeResume = "RESUME_ERROR"
	// CodeTransport is raised on peer disconnect or a malformed frame.
	CodeTransport = "TRANSPORT_ERROR"
	// CodeSource is propagated from a source; fatal unless the source
	// signals the failure is retriable (the engine does not retry
	// internally in this release).
	CodeSource = "SOURCE_ERROR"
	// CodeWrapped tags a foreign error adopted into the AppError shape.
	CodeWrapped = "WRAPPED_ERROR"
)

// New creates a new standardized error with medium severity.
func New(code, component, operation, message string) *AppError {
	_, file, line, _ := runtime.Caller(1)
	return &AppError{
		Code:       code,
		Message:    message,
		Component:  component,
		Operation:  operation,
		StackTrace: fmt.Sprintf("%s:%d", file, line),
		Metadata:   make(map[string]interface{}),
		Timestamp:  time.Now(),
		Severity:   SeverityMedium,
	}
}

// NewCritical creates a critical, non-recoverable error.
func NewCritical(code, component, operation, message string) *AppError {
	err := New(code, component, operation, message)
	err.Severity = SeverityCritical
	return err
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %s: %v", e.Component, e.Operation, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s: %s", e.Component, e.Operation, e.Code, e.Message)
}

// Unwrap exposes the cause for errors.Is / errors.As.
func (e *AppError) Unwrap() error { return e.Cause }

// Wrap attaches the cause and returns e for chaining.
func (e *AppError) Wrap(cause error) *AppError {
	e.Cause = cause
	return e
}

// WithMetadata attaches diagnostic metadata, e.g. the offending record.
func (e *AppError) WithMetadata(key string, value interface{}) *AppError {
	if e.Metadata == nil {
		e.Metadata = make(map[string]interface{})
	}
	e.Metadata[key] = value
	return e
}

// IsCritical reports whether the error is fatal to the run.
func (e *AppError) IsCritical() bool {
	return e.Severity == SeverityCritical
}

// IsRecoverable reports whether the engine may attempt to continue. Per §7
// the engine never retries internally, but sources may consult this to
// decide whether to resubmit at the connector level.
func (e *AppError) IsRecoverable() bool {
	switch e.Severity {
	case SeverityCritical, SeverityHigh:
		return false
	default:
		return true
	}
}

// ToMap renders the error for structured logging.
func (e *AppError) ToMap() map[string]interface{} {
	result := map[string]interface{}{
		"error_code":      e.Code,
		"error_message":   e.Message,
		"error_component": e.Component,
		"error_operation": e.Operation,
		"error_severity":  string(e.Severity),
		"error_timestamp": e.Timestamp,
	}
	if e.Cause != nil {
		result["error_cause"] = e.Cause.Error()
	}
	for k, v := range e.Metadata {
		result[fmt.Sprintf("error_meta_%s", k)] = v
	}
	return result
}

// UserClosureError wraps a panic/error raised out of user code.
func UserClosureError(stepID, operation string, cause error) *AppError {
	return NewCritical(CodeUserClosure, stepID, operation, "user closure raised an error").Wrap(cause)
}

// TypeErrorNotPair reports a non-(key,value) payload reaching a stateful
// operator. The message format is load-bearing: it is asserted on verbatim
// by conformance tests (see S5).
func TypeErrorNotPair(stepID string, payload interface{}) *AppError {
	msg := fmt.Sprintf(
		"Dataflow requires a `(key, value)` 2-tuple as input to every stateful operator for routing; got `%v` instead",
		payload,
	)
	return NewCritical(CodeType, stepID, "route", msg)
}

// TypeErrorBadKey reports a key that is neither a byte-string nor an
// integer. Message format asserted on verbatim by S5.
func TypeErrorBadKey(stepID string, key interface{}) *AppError {
	msg := fmt.Sprintf(
		"Stateful logic functions must return string or integer keys in `(key, value)`; got `%v` instead",
		key,
	)
	return NewCritical(CodeType, stepID, "route", msg)
}

// ResumeErr reports a corrupt or incompatible recovery log, or a failure
// reading/writing it.
func ResumeErr(stepID, operation string, cause error) *AppError {
	return NewCritical(CodeResume, stepID, operation, "recovery operation failed").Wrap(cause)
}

// TransportErr reports a peer disconnect or malformed frame.
func TransportErr(operation, message string) *AppError {
	return NewCritical(CodeTransport, "transport", operation, message)
}

// SourceErr wraps an error propagated from a source. Fatal unless the
// caller has separately confirmed the source marked it retriable.
func SourceErr(stepID, operation string, cause error) *AppError {
	return NewCritical(CodeSource, stepID, operation, "source reported an error").Wrap(cause)
}

// AsAppError converts a plain error into an AppError, wrapping it if
// necessary.
func AsAppError(err error) (*AppError, bool) {
	appErr, ok := err.(*AppError)
	return appErr, ok
}

// WrapError wraps a standard error into an AppError if it is not one
// already.
func WrapError(err error, component, operation, message string) *AppError {
	if err == nil {
		return nil
	}
	if appErr, ok := AsAppError(err); ok {
		return appErr
	}
	return New(CodeWrapped, component, operation, message).Wrap(err)
}
