// Package errs provides custom error types for the Kingdom application.
package errs

import (
	"errors"
	"fmt"
)

// Error codes as constants
const (
	ErrCodeConfig             = "CONFIG_ERROR"
	ErrCodeBackendUnavailable = "BACKEND_UNAVAILABLE"
	ErrCodeRunFailed          = "RUN_FAILED"
	ErrCodeTimeout            = "TIMEOUT"
	ErrCodeInterrupted        = "INTERRUPTED"
	ErrCodeThreadCollision    = "THREAD_COLLISION"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeValidationError    = "VALIDATION_ERROR"
	ErrCodeInternalError      = "INTERNAL_ERROR"
)

// Process exit codes for the CLI layer.
const (
	ExitOK           = 0
	ExitUserError    = 1 // validation and config errors
	ExitAgentFailure = 2 // agent or internal failure surfaced to the user
	ExitTimeout      = 124
)

// AppError represents an application-specific error with additional context.
type AppError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Exit      int    `json:"exit"`
	Retriable bool   `json:"retriable,omitempty"`
	Err       error  `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error for use with errors.Is and errors.As.
func (e *AppError) Unwrap() error {
	return e.Err
}

// Config creates a configuration error naming the offending dotted path.
// An empty path means the document as a whole is invalid.
func Config(path string, message string) *AppError {
	if path != "" {
		message = fmt.Sprintf("%s: %s", path, message)
	}
	return &AppError{
		Code:    ErrCodeConfig,
		Message: message,
		Exit:    ExitUserError,
	}
}

// ConfigWrap wraps a lower-level error (e.g. JSON syntax) as a config error.
func ConfigWrap(err error, message string) *AppError {
	return &AppError{
		Code:    ErrCodeConfig,
		Message: message,
		Exit:    ExitUserError,
		Err:     err,
	}
}

// BackendUnavailable reports a vendor CLI that is missing or failed its
// version probe. The install hint is folded into the message so CLI commands
// can render it as a single line.
func BackendUnavailable(family string, installHint string, err error) *AppError {
	return &AppError{
		Code:    ErrCodeBackendUnavailable,
		Message: fmt.Sprintf("backend %q is unavailable (%s)", family, installHint),
		Exit:    ExitAgentFailure,
		Err:     err,
	}
}

// RunFailed creates an agent run error. Retriable marks failures the retry
// engine may re-attempt.
func RunFailed(member string, retriable bool, err error) *AppError {
	return &AppError{
		Code:      ErrCodeRunFailed,
		Message:   fmt.Sprintf("agent %q run failed", member),
		Exit:      ExitAgentFailure,
		Retriable: retriable,
		Err:       err,
	}
}

// Timeout creates a timeout error for an agent run.
func Timeout(member string, seconds int) *AppError {
	return &AppError{
		Code:    ErrCodeTimeout,
		Message: fmt.Sprintf("agent %q timed out after %ds", member, seconds),
		Exit:    ExitTimeout,
	}
}

// Interrupted creates a cancellation error for an agent run.
func Interrupted(member string) *AppError {
	return &AppError{
		Code:    ErrCodeInterrupted,
		Message: fmt.Sprintf("agent %q run interrupted", member),
		Exit:    ExitAgentFailure,
	}
}

// ThreadCollision reports that add_message exhausted its exclusive-create
// retries. This should not occur in normal operation.
func ThreadCollision(threadID string, attempts int) *AppError {
	return &AppError{
		Code:    ErrCodeThreadCollision,
		Message: fmt.Sprintf("thread %q: could not allocate a sequence number after %d attempts", threadID, attempts),
		Exit:    ExitAgentFailure,
	}
}

// NotFound creates a not found error for a resource.
func NotFound(resource string, id string) *AppError {
	return &AppError{
		Code:    ErrCodeNotFound,
		Message: fmt.Sprintf("%s %q not found", resource, id),
		Exit:    ExitUserError,
	}
}

// Validation creates a validation error for a specific field.
func Validation(field string, message string) *AppError {
	return &AppError{
		Code:    ErrCodeValidationError,
		Message: fmt.Sprintf("validation failed for %q: %s", field, message),
		Exit:    ExitUserError,
	}
}

// Internal creates an internal error with a wrapped underlying error.
func Internal(message string, err error) *AppError {
	return &AppError{
		Code:    ErrCodeInternalError,
		Message: message,
		Exit:    ExitAgentFailure,
		Err:     err,
	}
}

// Wrap wraps an existing error with additional context, returning an AppError.
// An existing AppError keeps its code and exit status.
func Wrap(err error, message string) *AppError {
	if err == nil {
		return nil
	}

	var appErr *AppError
	if errors.As(err, &appErr) {
		return &AppError{
			Code:      appErr.Code,
			Message:   fmt.Sprintf("%s: %s", message, appErr.Message),
			Exit:      appErr.Exit,
			Retriable: appErr.Retriable,
			Err:       err,
		}
	}

	return &AppError{
		Code:    ErrCodeInternalError,
		Message: message,
		Exit:    ExitAgentFailure,
		Err:     err,
	}
}

// IsConfig checks if the error is a configuration error.
func IsConfig(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr) && appErr.Code == ErrCodeConfig
}

// IsTimeout checks if the error is a timeout error.
func IsTimeout(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr) && appErr.Code == ErrCodeTimeout
}

// IsRetriable checks if the error is a retriable run failure.
func IsRetriable(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr) && appErr.Retriable
}

// IsInterrupted checks if the error is a cancellation error.
func IsInterrupted(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr) && appErr.Code == ErrCodeInterrupted
}

// ExitCode returns the process exit code for an error.
// Returns ExitOK for nil and ExitAgentFailure for unrecognized errors.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Exit
	}
	return ExitAgentFailure
}
