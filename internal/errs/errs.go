// Package errs defines the error taxonomy shared across wacore's components.
//
// Kinds are not Go types; they are a closed set of tags a CoreError carries so
// call sites can branch on "what policy applies" without string matching.
package errs

import "fmt"

// Kind tags a CoreError with the policy that applies to it.
type Kind string

const (
	KindConfigFatal      Kind = "config_fatal"
	KindTransientStorage Kind = "transient_storage"
	KindPermanentStorage Kind = "permanent_storage"
	KindTransientSDK     Kind = "transient_sdk"
	KindAuthInvalidation Kind = "auth_invalidation"
	KindHandlerFault     Kind = "handler_fault"
	KindUserError        Kind = "user_error"
	KindIntegrityFault   Kind = "integrity_fault"
)

// CoreError wraps an underlying error with a Kind and the operation that
// produced it, so logs and retry policies can dispatch on Kind alone.
type CoreError struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *CoreError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *CoreError) Unwrap() error { return e.Err }

func New(kind Kind, op string, err error) *CoreError {
	return &CoreError{Kind: kind, Op: op, Err: err}
}

func TransientStorage(op string, err error) *CoreError { return New(KindTransientStorage, op, err) }
func PermanentStorage(op string, err error) *CoreError { return New(KindPermanentStorage, op, err) }
func TransientSDK(op string, err error) *CoreError     { return New(KindTransientSDK, op, err) }
func AuthInvalidation(op string, err error) *CoreError { return New(KindAuthInvalidation, op, err) }
func HandlerFault(op string, err error) *CoreError     { return New(KindHandlerFault, op, err) }
func UserError(op string, err error) *CoreError        { return New(KindUserError, op, err) }
func IntegrityFault(op string, err error) *CoreError   { return New(KindIntegrityFault, op, err) }
func ConfigFatal(op string, err error) *CoreError      { return New(KindConfigFatal, op, err) }

// Is reports whether err is a CoreError of the given Kind.
func Is(err error, kind Kind) bool {
	var ce *CoreError
	if err == nil {
		return false
	}
	if e, ok := err.(*CoreError); ok {
		ce = e
	} else {
		return false
	}
	return ce.Kind == kind
}

// Retryable reports whether the policy for this Kind is "retry with
// backoff" rather than "log and drop" or "fail fast".
func Retryable(kind Kind) bool {
	switch kind {
	case KindTransientStorage, KindTransientSDK:
		return true
	default:
		return false
	}
}
