package refresh

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a handler failure for the retry orchestrator.
// Explicit kinds replace dispatch on exception types or message text.
type ErrorKind int

const (
	// KindTransient failures (network, remote API, store hiccups) are
	// retried with backoff.
	KindTransient ErrorKind = iota
	// KindValidation failures (well-formed message, missing/invalid
	// required field) are terminal and never retried.
	KindValidation
	// KindFatal failures are terminal business errors: retrying cannot
	// help, the message goes straight to the dead-letter list.
	KindFatal
)

// String implements fmt.Stringer for log fields.
func (k ErrorKind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindFatal:
		return "fatal"
	default:
		return "transient"
	}
}

// Error carries an ErrorKind alongside the underlying cause.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Transient wraps err as a retryable failure.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindTransient, Err: err}
}

// Validation wraps err as a terminal validation failure.
func Validation(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindValidation, Err: err}
}

// Fatal wraps err as a terminal business failure.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindFatal, Err: err}
}

// KindOf extracts the kind from err. Unclassified errors are treated as
// transient, which errs on the side of retrying.
func KindOf(err error) ErrorKind {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	return KindTransient
}

// ErrUserNotFound is returned by record stores when the requested user
// row does not exist.
var ErrUserNotFound = errors.New("user not found")
