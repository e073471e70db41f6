// Package serrors provides coded errors with a stable machine-readable code
// and an optional hint for operators.
package serrors

import "fmt"

type Error struct {
	Code    string
	Message string
	Hint    string
}

func NewError(code, message, hint string) *Error {
	return &Error{Code: code, Message: message, Hint: hint}
}

func (e *Error) Error() string {
	if e.Hint == "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Hint)
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// Wrap attaches a cause while keeping the code comparable via errors.Is.
func Wrap(e *Error, cause error) error {
	return fmt.Errorf("%w: %w", e, cause)
}
