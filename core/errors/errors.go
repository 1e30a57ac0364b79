// Package errors defines the error taxonomy shared by resolvers, controllers
// and background tasks.
//
// Four semantic types exist:
//   - ClientError: an upstream service call failed; may be retryable
//   - NotFoundError: an upstream or stored resource is absent
//   - ValidationError: a request is malformed or cannot be made effective; never retried
//   - SystemError: local I/O or parse failure on generated artifacts
//
// Callers check them with errors.As or the classification helpers.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Re-export standard library functions so callers only import this package.
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
	New    = errors.New
	Join   = errors.Join
)

// ClientError is returned when a call to an external service fails.
type ClientError struct {
	Service    string
	Op         string
	StatusCode int
	Message    string
	Err        error
}

// NewClientError creates a ClientError for a failed upstream call.
func NewClientError(service, op string, statusCode int, message string, cause error) *ClientError {
	return &ClientError{Service: service, Op: op, StatusCode: statusCode, Message: message, Err: cause}
}

func (e *ClientError) Error() string {
	msg := fmt.Sprintf("%s %s failed", e.Service, e.Op)
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s with status %d", msg, e.StatusCode)
	}
	if e.Message != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Message)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *ClientError) Unwrap() error { return e.Err }

// Retryable reports whether the failure is transient: transport errors,
// throttling and server-side errors.
func (e *ClientError) Retryable() bool {
	if e.StatusCode == 0 {
		return true
	}
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= http.StatusInternalServerError
}

// NotFoundError indicates an absent resource.
type NotFoundError struct {
	Resource string
	ID       string
}

// NewNotFoundError creates a NotFoundError.
func NewNotFoundError(resource, id string) *NotFoundError {
	return &NotFoundError{Resource: resource, ID: id}
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Resource, e.ID)
}

// ValidationError indicates a malformed or ineffective request.
type ValidationError struct {
	Field   string
	Message string
	Err     error
}

// NewValidationError creates a ValidationError. field may be empty.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

// Validationf formats a ValidationError without a field.
func Validationf(format string, args ...any) *ValidationError {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// WithCause attaches the underlying error.
func (e *ValidationError) WithCause(err error) *ValidationError {
	e.Err = err
	return e
}

func (e *ValidationError) Error() string {
	msg := "invalid request"
	if e.Field != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Field)
	}
	msg = fmt.Sprintf("%s: %s", msg, e.Message)
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *ValidationError) Unwrap() error { return e.Err }

// SystemError indicates a local failure handling generated artifacts.
type SystemError struct {
	Op   string
	Path string
	Err  error
}

// NewSystemError creates a SystemError.
func NewSystemError(op, path string, cause error) *SystemError {
	return &SystemError{Op: op, Path: path, Err: cause}
}

func (e *SystemError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *SystemError) Unwrap() error { return e.Err }

// IsRetryable reports whether err is worth retrying. Only client errors can be.
func IsRetryable(err error) bool {
	var clientErr *ClientError
	if As(err, &clientErr) {
		return clientErr.Retryable()
	}
	return false
}

// IsNotFound reports whether err is or wraps a NotFoundError.
func IsNotFound(err error) bool {
	var notFound *NotFoundError
	return As(err, &notFound)
}

// IsValidation reports whether err is or wraps a ValidationError.
func IsValidation(err error) bool {
	var validation *ValidationError
	return As(err, &validation)
}

// IsSystem reports whether err is or wraps a SystemError.
func IsSystem(err error) bool {
	var system *SystemError
	return As(err, &system)
}
