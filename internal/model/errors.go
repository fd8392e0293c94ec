package model

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned (wrapped) when an event, calendar or account
	// does not exist for the requesting tenant.
	ErrNotFound = errors.New("not found")

	// ErrReadOnly is returned when a change would touch a read-only event
	// beyond its local metadata, or when a read-only event is exported.
	ErrReadOnly = errors.New("read-only")
)

// ValidationError is a field-scoped rejection raised before any write.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

// Invalid builds a *ValidationError for field.
func Invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err carries a *ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
