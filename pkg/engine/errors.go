package engine

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of an error for retry and recovery logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on retry.
	// Examples: SSH session drops, busy database, interrupted reads.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassConflict indicates a state conflict, such as a setting
	// type registered twice.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassPermanent indicates a non-recoverable error.
	// Examples: malformed resource name, missing file, permission denied.
	ErrorClassPermanent ErrorClass = "permanent"
)

// EngineError is an error classified for retry decisions and labelled
// with what failed: the setting, fact, host or file and the operation.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	Class     ErrorClass `json:"class"`
	Message   string     `json:"message"`
	Code      string     `json:"code,omitempty"`
	Resource  string     `json:"resource,omitempty"`
	Operation string     `json:"operation,omitempty"`
	Err       error      `json:"-"`

	// Details carries structured context such as policy violations.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Class, e.Message)
	switch {
	case e.Resource != "" && e.Operation != "":
		msg = fmt.Sprintf("%s (resource=%s, operation=%s)", msg, e.Resource, e.Operation)
	case e.Resource != "":
		msg = fmt.Sprintf("%s (resource=%s)", msg, e.Resource)
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

// Is matches another *EngineError with the same class and code.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

func newError(class ErrorClass, message string, err error) *EngineError {
	return &EngineError{
		Class:   class,
		Message: message,
		Err:     err,
	}
}

// NewTransientError creates a new transient error.
func NewTransientError(message string, err error) *EngineError {
	return newError(ErrorClassTransient, message, err)
}

// NewConflictError creates a new conflict error.
func NewConflictError(message string, err error) *EngineError {
	return newError(ErrorClassConflict, message, err)
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *EngineError {
	return newError(ErrorClassPermanent, message, err)
}

// NewNotFoundError creates a permanent NOT_FOUND error for resource.
func NewNotFoundError(message, resource string) *EngineError {
	return NewPermanentError(message, nil).
		WithResource(resource).
		WithCode(ErrCodeNotFound)
}

// NewValidationError creates a permanent VALIDATION_ERROR error.
func NewValidationError(message string, err error) *EngineError {
	return NewPermanentError(message, err).WithCode(ErrCodeValidation)
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

func hasClass(err error, classes ...ErrorClass) bool {
	var e *EngineError
	if !errors.As(err, &e) {
		return false
	}
	for _, c := range classes {
		if e.Class == c {
			return true
		}
	}
	return false
}

// IsTransient reports whether err is classified transient.
func IsTransient(err error) bool { return hasClass(err, ErrorClassTransient) }

// IsConflict reports whether err is classified as a conflict.
func IsConflict(err error) bool { return hasClass(err, ErrorClassConflict) }

// IsPermanent reports whether err is classified permanent.
func IsPermanent(err error) bool { return hasClass(err, ErrorClassPermanent) }

// IsRetryable reports whether retrying the operation may succeed.
func IsRetryable(err error) bool {
	return hasClass(err, ErrorClassTransient, ErrorClassConflict)
}

// HasCode reports whether err carries the given error code.
func HasCode(err error, code string) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// IsNotFound reports whether err carries the NOT_FOUND code.
func IsNotFound(err error) bool {
	return HasCode(err, ErrCodeNotFound)
}

// ClassAndCode returns the class and code of err for metrics labels.
// Unclassified errors report as permanent/INTERNAL_ERROR.
func ClassAndCode(err error) (string, string) {
	var e *EngineError
	if errors.As(err, &e) {
		return string(e.Class), e.Code
	}
	return string(ErrorClassPermanent), ErrCodeInternal
}

// Error codes.
const (
	ErrCodeValidation       = "VALIDATION_ERROR"
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeAlreadyExists    = "ALREADY_EXISTS"
	ErrCodePermissionDenied = "PERMISSION_DENIED"
	ErrCodeTimeout          = "TIMEOUT"
	ErrCodeInternal         = "INTERNAL_ERROR"
	ErrCodeProviderFailed   = "PROVIDER_FAILED"
	ErrCodeParse            = "PARSE_ERROR"
	ErrCodePolicyViolation  = "POLICY_VIOLATION"
)
