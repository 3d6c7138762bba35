// Package apperr defines the error kinds the core surfaces across its
// components, following the teacher's fmt.Errorf("...: %w", err) wrapping
// idiom rather than a bespoke error type hierarchy.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for transport-layer status mapping and for the
// scheduler's retry decision (see spec §7).
type Kind int

const (
	KindUnknown Kind = iota
	KindNotFound
	KindConflict
	KindInvalidInput
	KindTransient
	KindPermanent
	KindQualityGateRejected
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindInvalidInput:
		return "invalid_input"
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	case KindQualityGateRejected:
		return "quality_gate_rejected"
	default:
		return "unknown"
	}
}

// Error wraps an underlying cause with a Kind so callers can branch on
// classification without parsing strings.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a Kind-tagged error.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// NotFound, Conflict, Invalid, Transient, Permanent, QualityGateRejected are
// shorthand constructors for the common cases.
func NotFound(op string, err error) *Error    { return New(KindNotFound, op, err) }
func Conflict(op string, err error) *Error    { return New(KindConflict, op, err) }
func Invalid(op string, err error) *Error     { return New(KindInvalidInput, op, err) }
func Transient(op string, err error) *Error   { return New(KindTransient, op, err) }
func Permanent(op string, err error) *Error   { return New(KindPermanent, op, err) }
func QualityGateRejected(op string, err error) *Error {
	return New(KindQualityGateRejected, op, err)
}

// KindOf extracts the Kind of err, or KindUnknown if err is not (or does not
// wrap) an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Retryable reports whether the scheduler should re-attempt the card that
// produced err. Only KindTransient is retryable; everything else — including
// an unclassified error, conservatively — is treated as terminal so a bug in
// an executor does not spin a card forever.
func Retryable(err error) bool {
	return KindOf(err) == KindTransient
}
