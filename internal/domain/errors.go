package domain

import (
	"errors"
	"strings"
)

// ─── Sentinel Errors ────────────────────────────────────────────────────────
// Domain errors are pure: no infrastructure dependency.
// Every *Error wraps exactly one of the kind sentinels so callers can branch
// with errors.Is(err, domain.ErrValidation) and friends.

var (
	ErrValidation             = errors.New("validation error")
	ErrStorage                = errors.New("storage error")
	ErrRaceConditionPrevented = errors.New("race condition prevented")
	ErrConsistency            = errors.New("consistency error")

	ErrNotFound    = errors.New("not found")
	ErrQueueClosed = errors.New("operation queue closed")
)

// Error carries the failing operation alongside its kind.
type Error struct {
	Kind    error  // one of the sentinels above
	Op      string // e.g. "ledger.apply"
	Message string
	Err     error // underlying cause, may be nil
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.Error())
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Validation builds a ValidationError.
func Validation(op, msg string) error {
	return &Error{Kind: ErrValidation, Op: op, Message: msg}
}

// Storage wraps a persistence failure. A nil cause yields nil.
func Storage(op string, err error) error {
	if err == nil {
		return nil
	}
	var de *Error
	if errors.As(err, &de) && errors.Is(de.Kind, ErrStorage) {
		return err
	}
	return &Error{Kind: ErrStorage, Op: op, Err: err}
}

// Consistency reports a cross-key reconciliation mismatch.
func Consistency(op, msg string) error {
	return &Error{Kind: ErrConsistency, Op: op, Message: msg}
}

// NotFound reports a missing resource.
func NotFound(op, what string) error {
	return &Error{Kind: ErrNotFound, Op: op, Message: what}
}

// RaceConditionPrevented is informational: a duplicate concurrent attempt
// was suppressed.
func RaceConditionPrevented(op, id string) error {
	return &Error{Kind: ErrRaceConditionPrevented, Op: op, Message: id}
}

// IsRetryable reports whether a storage error is transient.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "busy")
}
