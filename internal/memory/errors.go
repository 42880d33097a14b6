package memory

import (
	"errors"
	"fmt"
)

// ErrSecurityViolation is the sentinel for every authorization, isolation,
// cost, and anomaly denial raised by the middleware. Backend failures are
// never wrapped in it, so callers can distinguish "denied" from "broken".
var ErrSecurityViolation = errors.New("security violation")

// SecurityError carries the rule that was violated. The reason describes the
// rule and the identifiers involved, never the offending content.
type SecurityError struct {
	Reason string
}

func (e *SecurityError) Error() string {
	return fmt.Sprintf("security violation: %s", e.Reason)
}

func (e *SecurityError) Unwrap() error {
	return ErrSecurityViolation
}

// Violation builds a SecurityError from a reason string.
func Violation(format string, args ...interface{}) error {
	return &SecurityError{Reason: fmt.Sprintf(format, args...)}
}

// IsViolation reports whether err is a security denial.
func IsViolation(err error) bool {
	return errors.Is(err, ErrSecurityViolation)
}
