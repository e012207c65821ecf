package query

import (
	"errors"
	"fmt"
)

// ErrSchemaValidation matches every *ValidationError via errors.Is.
var ErrSchemaValidation = errors.New("schema validation failed")

// ValidationError names the offending field of a rejected plan or result.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: invalid %s: %s", ErrSchemaValidation, e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrSchemaValidation
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}
