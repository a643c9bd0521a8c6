// Package serviceerror carries machine-readable failure codes from services
// to HTTP handlers. Codes read "<operation>.<reason>", for example
// "sharelinks.submit.measurement_create_failed".
package serviceerror

import (
	"errors"
	"fmt"
)

// Error pairs a stable code with the underlying cause.
type Error struct {
	code string
	err  error
}

func (e *Error) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *Error) Unwrap() error {
	return e.err
}

func (e *Error) Code() string {
	return e.code
}

// New builds an Error whose code joins operation and reason.
func New(operation, reason string, cause error) error {
	return &Error{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// Code returns the code of the first Error in err's chain, or "".
func Code(err error) string {
	var serviceErr *Error
	if errors.As(err, &serviceErr) {
		return serviceErr.code
	}
	return ""
}
