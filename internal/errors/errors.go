// Package errors provides the small wrapping scheme used throughout this
// module to attach context to an error without losing the ability to
// compare against a sentinel with errors.Is.
package errors

import (
	"errors"
	"fmt"
)

// New creates a new sentinel error with the given message.
func New(message string) error {
	return errors.New(message)
}

// WrapError wraps err with a formatted message. If err is nil, WrapError
// returns nil. The returned error supports errors.Is/errors.As against err.
func WrapError(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}
