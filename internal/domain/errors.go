package domain

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures by how the pipeline must react to them.
type ErrorKind string

const (
	// KindAdaptation: malformed upstream item. Dropped, not retried.
	KindAdaptation ErrorKind = "ADAPTATION"
	// KindRiskRejected: valid signal blocked by a limit. Not retried.
	KindRiskRejected ErrorKind = "RISK_REJECTED"
	// KindBrokerTransient: timeout, rate limit or network error. Retried.
	KindBrokerTransient ErrorKind = "BROKER_TRANSIENT"
	// KindBrokerFailed: transient retries exhausted.
	KindBrokerFailed ErrorKind = "BROKER_FAILED"
	// KindBrokerRejected: broker refused the order. Not retried.
	KindBrokerRejected ErrorKind = "BROKER_REJECTED"
	// KindUnknownOutcome: the call may or may not have executed and must be
	// reconciled with a status query.
	KindUnknownOutcome ErrorKind = "UNKNOWN_OUTCOME"
	// KindReconciliationMismatch: store and broker disagree. Never
	// auto-resolved.
	KindReconciliationMismatch ErrorKind = "RECONCILIATION_MISMATCH"
)

// Error is a typed pipeline error.
type Error struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	Cause   error     `json:"-"`
}

// NewError creates an Error of the given kind.
func NewError(kind ErrorKind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Errorf creates an Error with a formatted message.
func Errorf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap wraps cause in an Error of the given kind.
func Wrap(kind ErrorKind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// KindOf returns the kind of the first *Error in err's chain, or "" if none.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}

// AsError returns err as an *Error, wrapping untyped errors with fallback.
func AsError(err error, fallback ErrorKind) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Wrap(fallback, "unclassified error", err)
}
