package escrow

import (
	"errors"
	"fmt"
)

// ErrJobNotFound is returned when the requested job id has never been
// assigned.
var ErrJobNotFound = errors.New("escrow: job not found")

// ValidationError reports malformed input: zero or self-hire developer,
// unsupported token, non-positive amount, fee above cap, out-of-range
// dispute share. The failing call leaves all state untouched.
type ValidationError struct {
	Op     string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("escrow: %s: %s", e.Op, e.Reason)
}

// AuthorizationError reports a caller that does not hold the role the
// operation requires for the targeted job.
type AuthorizationError struct {
	Op       string
	Caller   [20]byte
	Required Role
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("escrow: %s: caller %x is not the %s", e.Op, e.Caller, e.Required)
}

// StateError reports an operation attempted from a status that does not
// permit it. The job is left exactly as it was.
type StateError struct {
	Op     string
	Status JobStatus
}

func (e *StateError) Error() string {
	return fmt.Sprintf("escrow: %s: not permitted in status %s", e.Op, e.Status)
}

// ArithmeticError reports amounts that cannot be settled without overflow.
// Amounts are bounded at job creation so fee math downstream stays safe.
type ArithmeticError struct {
	Op     string
	Reason string
}

func (e *ArithmeticError) Error() string {
	return fmt.Sprintf("escrow: %s: %s", e.Op, e.Reason)
}

func errValidation(op, format string, args ...interface{}) error {
	return &ValidationError{Op: op, Reason: fmt.Sprintf(format, args...)}
}

func errAuthorization(op string, caller [20]byte, required Role) error {
	return &AuthorizationError{Op: op, Caller: caller, Required: required}
}

func errState(op string, status JobStatus) error {
	return &StateError{Op: op, Status: status}
}

func errArithmetic(op, format string, args ...interface{}) error {
	return &ArithmeticError{Op: op, Reason: fmt.Sprintf(format, args...)}
}
