package connection

import (
	"errors"

	"github.com/aspect-build/sealvault/internal/vaulterr"
)

// FailureKind is the error kind reported back to the browser after a
// failed callback.
type FailureKind string

const (
	KindInvalidRequest FailureKind = "invalid_request"
	KindInvalidState   FailureKind = "invalid_state"
	KindTokenError     FailureKind = "token_error"
	KindDatabaseError  FailureKind = "database_error"
	KindServerError    FailureKind = "server_error"
)

// AuthError tags a CompleteAuthorization failure with its FailureKind.
type AuthError struct {
	Kind FailureKind
	Err  error
}

func (e *AuthError) Error() string { return string(e.Kind) + ": " + e.Err.Error() }
func (e *AuthError) Unwrap() error { return e.Err }

// KindOf classifies err for the callback redirect.
func KindOf(err error) FailureKind {
	var ae *AuthError
	if errors.As(err, &ae) {
		return ae.Kind
	}
	switch vaulterr.KindOf(err) {
	case vaulterr.ErrInvalidRequest:
		return KindInvalidRequest
	case vaulterr.ErrAuthentication:
		return KindInvalidState
	case vaulterr.ErrDownstream:
		return KindTokenError
	case vaulterr.ErrStorage:
		return KindDatabaseError
	}
	return KindServerError
}
