// Package errs defines the tagged error taxonomy shared by every billing
// and orchestration component: InputInvalid, AuthFailed,
// PreconditionViolated, Transient, CircuitOpen, and Fatal.
package errs

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
)

// Kind tags an error with its propagation policy.
type Kind int

const (
	// InputInvalid is surfaced to the caller as-is: malformed request,
	// invalid pack size, unsupported tier.
	InputInvalid Kind = iota
	// AuthFailed is always surfaced as an opaque message — never leak
	// which specific check failed.
	AuthFailed
	// PreconditionViolated covers illegal transitions, insufficient
	// balance, expired reservations.
	PreconditionViolated
	// Transient errors are retried by the emitting component and only
	// surfaced once retries are exhausted.
	Transient
	// CircuitOpen means the budget writer has been degraded past its
	// window; requests fail fast.
	CircuitOpen
	// Fatal means a code-level invariant broke (conservation, sequence
	// gap, invalid fencing write). The process terminates.
	Fatal
)

func (k Kind) String() string {
	switch k {
	case InputInvalid:
		return "input_invalid"
	case AuthFailed:
		return "auth_failed"
	case PreconditionViolated:
		return "precondition_violated"
	case Transient:
		return "transient"
	case CircuitOpen:
		return "circuit_open"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error is the tagged-kind error wrapper used across every component.
type Error struct {
	Kind    Kind
	Code    string // stable machine-readable code, e.g. "illegal_transition"
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s (%s): %v", e.Message, e.Code, e.Err)
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Code)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is (or wraps) an *Error with the same Kind
// and Code, so errors.Is matches on those two fields.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Kind == other.Kind && e.Code == other.Code
	}
	return false
}

func New(kind Kind, code, message string, cause error) *Error {
	return &Error{Kind: kind, Code: code, Message: message, Err: cause}
}

func Invalid(code, message string) *Error {
	return New(InputInvalid, code, message, nil)
}

// OpaqueAuthFailure always returns the same message regardless of code,
// per the contract that auth failures never leak which check failed.
func OpaqueAuthFailure(code string, cause error) *Error {
	return New(AuthFailed, code, "invalid or expired credentials", cause)
}

func Precondition(code, message string) *Error {
	return New(PreconditionViolated, code, message, nil)
}

func TransientErr(code, message string, cause error) *Error {
	return New(Transient, code, message, cause)
}

func CircuitOpenErr(code, message string) *Error {
	return New(CircuitOpen, code, message, nil)
}

func FatalErr(code, message string, cause error) *Error {
	return New(Fatal, code, message, cause)
}

// KindOf extracts the Kind of err, defaulting to InputInvalid for errors
// that never opted into the taxonomy (callers should always use the
// constructors above instead of relying on this fallback).
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return InputInvalid
}

// Terminate is the process-level handler for Fatal errors: it flushes
// the supplied logger and exits. Code that detects a conservation
// violation or a sequence gap calls this directly rather than returning
// the error up a stack that might swallow it.
func Terminate(logger *slog.Logger, err *Error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger.Error("fatal invariant violation, terminating process",
		"code", err.Code, "message", err.Message, "cause", err.Err)
	os.Exit(1)
}
