package model

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks a malformed request. Nothing was persisted.
	ErrValidation = errors.New("validation error")
	// ErrResourceUnavailable is returned when no eligible proxy exists.
	ErrResourceUnavailable = errors.New("resource unavailable")
	// ErrUnsupportedPlatform is returned when no publisher is registered for a platform.
	ErrUnsupportedPlatform = errors.New("unsupported platform")
	// ErrExecution wraps failures raised by a publisher.
	ErrExecution = errors.New("execution error")
	ErrNotFound  = errors.New("not found")
)

// Validationf returns an error matching ErrValidation.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
