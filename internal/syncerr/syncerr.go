// Package syncerr defines the failure kinds a sync run reports and the
// markers adapters use to classify provider errors for the retry policy.
package syncerr

import (
	"errors"
	"fmt"
	"strings"
)

// Kind identifies why a run failed (or partially failed).
type Kind int

const (
	KindUnknown Kind = iota
	SourceUnavailable
	SinkUnavailable
	AuthExpired
	ConcurrentRunDetected
	PartialMarkFailure
	// LedgerUnavailable means rows were appended but the ledger write that
	// records them failed. The affected ids may be appended again next run.
	LedgerUnavailable
	// LedgerUnreadable means the ledger could not be loaded at the start of
	// a run. Nothing was appended.
	LedgerUnreadable
)

func (k Kind) String() string {
	switch k {
	case SourceUnavailable:
		return "SourceUnavailable"
	case SinkUnavailable:
		return "SinkUnavailable"
	case AuthExpired:
		return "AuthExpired"
	case ConcurrentRunDetected:
		return "ConcurrentRunDetected"
	case PartialMarkFailure:
		return "PartialMarkFailure"
	case LedgerUnavailable:
		return "LedgerUnavailable"
	case LedgerUnreadable:
		return "LedgerUnreadable"
	default:
		return "Unknown"
	}
}

// Error is a classified run failure. IDs lists the message ids affected,
// when known, to aid manual recovery.
type Error struct {
	Kind  Kind
	State string
	IDs   []string
	Err   error
}

// New builds an Error. ids is copied.
func New(kind Kind, state string, ids []string, err error) *Error {
	return &Error{
		Kind:  kind,
		State: state,
		IDs:   append([]string(nil), ids...),
		Err:   err,
	}
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	if e.State != "" {
		fmt.Fprintf(&b, " in %s", e.State)
	}
	if len(e.IDs) > 0 {
		fmt.Fprintf(&b, " (ids: %s)", strings.Join(e.IDs, ","))
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the Kind of the first *Error in err's chain.
// Unclassified errors carrying an auth marker report AuthExpired.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	if IsAuth(err) {
		return AuthExpired
	}
	return KindUnknown
}

type transientError struct{ err error }

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

type ambiguousError struct{ err error }

func (e *ambiguousError) Error() string { return e.err.Error() }
func (e *ambiguousError) Unwrap() error { return e.err }

type authError struct{ err error }

func (e *authError) Error() string { return e.err.Error() }
func (e *authError) Unwrap() error { return e.err }

// Transient marks err as safe to retry: rate limits, 5xx, dropped connections
// before the request was accepted.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// Ambiguous marks err as an outcome that may or may not have taken effect
// remotely (a timeout after the request was sent). Ambiguous errors are also
// transient.
func Ambiguous(err error) error {
	if err == nil {
		return nil
	}
	return &ambiguousError{err: err}
}

// Auth marks err as a credential failure. Auth errors are never retried.
func Auth(err error) error {
	if err == nil {
		return nil
	}
	return &authError{err: err}
}

func IsTransient(err error) bool {
	var t *transientError
	return errors.As(err, &t) || IsAmbiguous(err)
}

func IsAmbiguous(err error) bool {
	var a *ambiguousError
	return errors.As(err, &a)
}

func IsAuth(err error) bool {
	var a *authError
	return errors.As(err, &a)
}
