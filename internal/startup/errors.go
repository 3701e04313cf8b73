package startup

import (
	"errors"
	"fmt"
)

// Kind classifies an Error.
type Kind int

const (
	KindInvalidConfiguration Kind = iota + 1
	KindAuthenticationFailed
	KindProjectLoadFailed
	KindStepMismatch
	KindEntitlementUnavailable
)

func (k Kind) String() string {
	switch k {
	case KindInvalidConfiguration:
		return "invalid_configuration"
	case KindAuthenticationFailed:
		return "authentication_failed"
	case KindProjectLoadFailed:
		return "project_load_failed"
	case KindStepMismatch:
		return "step_mismatch"
	case KindEntitlementUnavailable:
		return "entitlement_unavailable"
	default:
		return "unknown"
	}
}

// UserFacing reports whether errors of this kind are recorded in state rather than returned.
func (k Kind) UserFacing() bool {
	return k != KindStepMismatch
}

var (
	// ErrInvalidConfiguration matches errors for a mode/storage pair that is not permitted.
	ErrInvalidConfiguration = errors.New("invalid configuration")

	// ErrAuthenticationFailed matches errors reported by the authentication collaborator.
	ErrAuthenticationFailed = errors.New("authentication failed")

	// ErrProjectLoadFailed matches errors reported by the project repository.
	ErrProjectLoadFailed = errors.New("project load failed")

	// ErrStepMismatch matches operations invoked outside their expected step.
	ErrStepMismatch = errors.New("step mismatch")

	// ErrEntitlementUnavailable matches entitlement lookups that failed.
	ErrEntitlementUnavailable = errors.New("entitlement unavailable")

	// ErrMalformedInput indicates a programmer error: unknown enum values or empty identifiers.
	ErrMalformedInput = errors.New("malformed input")

	// ErrStale indicates an asynchronous result was superseded by a later reset, mode selection
	// or Begin of the same operation.
	ErrStale = errors.New("stale result discarded")
)

func (k Kind) sentinel() error {
	switch k {
	case KindInvalidConfiguration:
		return ErrInvalidConfiguration
	case KindAuthenticationFailed:
		return ErrAuthenticationFailed
	case KindProjectLoadFailed:
		return ErrProjectLoadFailed
	case KindStepMismatch:
		return ErrStepMismatch
	case KindEntitlementUnavailable:
		return ErrEntitlementUnavailable
	}
	return nil
}

// Error is the error descriptor carried in StartupState.Err.
type Error struct {
	Kind   Kind
	Reason string
	Cause  error
}

func (e *Error) Error() string {
	msg := "startup error"
	if s := e.Kind.sentinel(); s != nil {
		msg = s.Error()
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap returns the underlying collaborator error, if any.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches the kind sentinel, so errors.Is(err, ErrInvalidConfiguration) works.
func (e *Error) Is(target error) bool {
	return target != nil && target == e.Kind.sentinel()
}

func newError(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Reason: fmt.Sprintf(format, args...), Cause: cause}
}

// IsKind reports whether err is a *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e != nil && e.Kind == kind
}
