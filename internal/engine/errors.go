package engine

import "fmt"

// InvalidOperationError signals a caller bug: the request violates an
// invariant (removing the owner from a team, negative time duration, a user
// deleting an account that still owns projects). It is reported, never
// silently corrected.
type InvalidOperationError struct {
	Op     string
	Reason string
}

func (e InvalidOperationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Reason)
}

func invalidOp(op, format string, args ...any) error {
	return InvalidOperationError{Op: op, Reason: fmt.Sprintf(format, args...)}
}

// ValidationError signals a malformed payload, independent of authorization.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func invalidField(field, format string, args ...any) error {
	return ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}
