// Package apperror defines the error-kind taxonomy shared across the
// platform (spec §7): a fixed set of kinds, not types, so every layer can
// make the same "retry or surface" decision without knowing each other's
// concrete error values.
package apperror

import (
	"errors"
	"fmt"
)

// Kind is one of the ten error kinds of §7.
type Kind int

const (
	KindValidation Kind = iota
	KindAuth
	KindNotFound
	KindConflict
	KindAgentUnreachable
	KindTimeout
	KindProtocol
	KindStore
	KindQuota
	KindHumanEscalationTimeout
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "ValidationError"
	case KindAuth:
		return "AuthError"
	case KindNotFound:
		return "NotFound"
	case KindConflict:
		return "Conflict"
	case KindAgentUnreachable:
		return "AgentUnreachable"
	case KindTimeout:
		return "TimeoutError"
	case KindProtocol:
		return "ProtocolError"
	case KindStore:
		return "StoreError"
	case KindQuota:
		return "QuotaError"
	case KindHumanEscalationTimeout:
		return "HumanEscalationTimeout"
	default:
		return "UnknownError"
	}
}

// HTTPStatus maps a Kind to the HTTP status the API surface returns (§7).
func (k Kind) HTTPStatus() int {
	switch k {
	case KindValidation:
		return 400
	case KindAuth:
		return 401
	case KindNotFound:
		return 404
	case KindConflict:
		return 409
	case KindTimeout:
		return 408
	default:
		return 500
	}
}

// Retryable reports whether the kind is recoverable locally without surfacing
// to the caller (§7 propagation policy: 5, 6-within-budget, 8-on-Put, 9).
func (k Kind) Retryable() bool {
	switch k {
	case KindAgentUnreachable, KindTimeout, KindStore, KindQuota:
		return true
	default:
		return false
	}
}

// Error wraps an underlying error with a Kind and a human-readable message.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// New constructs an *Error of the given kind.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap constructs an *Error of the given kind wrapping err.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// As extracts the *Error from err, if any, following the chain.
func As(err error) (*Error, bool) {
	var ae *Error
	if errors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}

// KindOf returns the Kind of err, defaulting to KindStore for unrecognized
// errors (an opaque internal failure surfaces as a store-level failure to
// callers rather than leaking implementation detail).
func KindOf(err error) Kind {
	if ae, ok := As(err); ok {
		return ae.Kind
	}
	return KindStore
}
