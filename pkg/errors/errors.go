package errors

import (
	"errors"
	"fmt"
)

// ErrorCode identifies a kernel error class. The codes mirror the error
// atoms surfaced to the orchestrator LLM in tool-result messages.
type ErrorCode string

const (
	CodeInvalidInput          ErrorCode = "INVALID_INPUT"
	CodeNotFound              ErrorCode = "NOT_FOUND"
	CodeNotAwaiting           ErrorCode = "NOT_AWAITING"
	CodeSkillNotFound         ErrorCode = "SKILL_NOT_FOUND"
	CodeLimitExceeded         ErrorCode = "LIMIT_EXCEEDED"
	CodeCircuitOpen           ErrorCode = "CIRCUIT_BREAKER_OPEN"
	CodeContextBudgetExceeded ErrorCode = "CONTEXT_BUDGET_EXCEEDED"
	CodeUnknownDependency     ErrorCode = "UNKNOWN_DEPENDENCY"
	CodeCycleDetected         ErrorCode = "CYCLE_DETECTED"
	CodeInternal              ErrorCode = "INTERNAL_ERROR"
	CodeServiceUnavail        ErrorCode = "SERVICE_UNAVAILABLE"
)

// AppError is the kernel's structured error. Details carry the values the
// Nudger interpolates into recovery hints (used/max counts, file sizes, ids).
type AppError struct {
	Code    ErrorCode
	Message string
	Details map[string]any
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// Atom returns the lower-cased error atom used in tool-result messages and
// as the Nudger lookup key (e.g. "limit_exceeded").
func (e *AppError) Atom() string {
	switch e.Code {
	case CodeLimitExceeded:
		return "limit_exceeded"
	case CodeCircuitOpen:
		return "circuit_breaker_open"
	case CodeContextBudgetExceeded:
		return "context_budget_exceeded"
	case CodeSkillNotFound:
		return "skill_not_found"
	case CodeUnknownDependency:
		return "unknown_dependency"
	case CodeCycleDetected:
		return "cycle_detected"
	case CodeNotAwaiting:
		return "not_awaiting"
	case CodeNotFound:
		return "not_found"
	default:
		return "internal_error"
	}
}

// New creates an AppError with the given code and message.
func New(code ErrorCode, message string) *AppError {
	return &AppError{Code: code, Message: message}
}

// Newf creates an AppError with a formatted message.
func Newf(code ErrorCode, format string, args ...any) *AppError {
	return &AppError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an AppError wrapping a cause.
func Wrap(code ErrorCode, message string, cause error) *AppError {
	return &AppError{Code: code, Message: message, Err: cause}
}

// WithDetails attaches template variables for hint rendering.
func (e *AppError) WithDetails(details map[string]any) *AppError {
	e.Details = details
	return e
}

// NewInvalidInputError creates an invalid-input error.
func NewInvalidInputError(message string) *AppError {
	return &AppError{Code: CodeInvalidInput, Message: message}
}

// NewNotFoundError creates a not-found error.
func NewNotFoundError(message string) *AppError {
	return &AppError{Code: CodeNotFound, Message: message}
}

// NewInternalError creates an internal error.
func NewInternalError(message string) *AppError {
	return &AppError{Code: CodeInternal, Message: message}
}

// NewInternalErrorWithCause creates an internal error with a cause.
func NewInternalErrorWithCause(message string, cause error) *AppError {
	return &AppError{Code: CodeInternal, Message: message, Err: cause}
}

// CodeOf extracts the ErrorCode from err, or CodeInternal when err is not
// an AppError.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeInternal
}

// DetailsOf extracts hint template variables from err, or nil.
func DetailsOf(err error) map[string]any {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Details
	}
	return nil
}

// Is reports whether err carries the given code.
func Is(err error, code ErrorCode) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// IsNotFound reports whether err is a not-found error.
func IsNotFound(err error) bool {
	return Is(err, CodeNotFound)
}

// IsLimitExceeded reports whether err is a limit error of any level.
func IsLimitExceeded(err error) bool {
	return Is(err, CodeLimitExceeded)
}
