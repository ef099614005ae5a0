package errx

import (
	"errors"
	"fmt"
	"net/http"
)

const (
	// SystemErrorMessage is a user-facing fallback when internal errors occur.
	SystemErrorMessage = "internal server error"
	// RedisErrorMessage describes Redis related failures.
	RedisErrorMessage = "redis operation failed"
	// RedisNotFoundMessage is returned when a conversation key is absent.
	RedisNotFoundMessage = "conversation not found"
	// SQLiteErrorMessage describes data source failures.
	SQLiteErrorMessage = "data source operation failed"
	// UnknownScopeMessage is returned when a merchant identity cannot be resolved.
	UnknownScopeMessage = "unknown merchant"
)

// ErrUnknownScope marks a session-start identity claim naming a merchant
// outside the known store set. Fatal to session start, never retried.
var ErrUnknownScope = errors.New("unknown scope")

// ErrGeneration marks a model completion that produced no usable statement.
// It feeds the same repair path as an execution failure.
var ErrGeneration = errors.New("statement generation failed")

// AppError wraps an underlying error with an HTTP status and safe message.
// Message is what may be shown to a user; Err is internal detail.
type AppError struct {
	Err     error
	Status  int
	Message string
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Err)
}

// Unwrap exposes the underlying error for errors.Is / errors.As support.
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError with the provided information.
func New(err error, status int, message string) *AppError {
	return &AppError{
		Err:     err,
		Status:  status,
		Message: message,
	}
}

// NewUnknownScope wraps an unknown merchant claim so callers can detect it
// with errors.Is(err, ErrUnknownScope).
func NewUnknownScope(merchant string) *AppError {
	return New(
		fmt.Errorf("%w: %q", ErrUnknownScope, merchant),
		http.StatusForbidden,
		UnknownScopeMessage,
	)
}

// Is reports whether the target matches the underlying error or the AppError itself.
func (e *AppError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// As allows casting to AppError or the wrapped error in a chain.
func (e *AppError) As(target any) bool {
	if errors.As(e.Err, target) {
		return true
	}
	if t, ok := target.(**AppError); ok {
		*t = e
		return true
	}
	return false
}
