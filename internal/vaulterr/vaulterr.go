// Package vaulterr defines the error kinds shared by the vaulting pipeline.
//
// Every failure surfaced by a pipeline component wraps exactly one kind so
// that transports can map it to a status code or redirect parameter without
// inspecting component-specific types:
//
//	if errors.Is(err, vaulterr.ErrInvalidRequest) { ... 400 ... }
package vaulterr

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidRequest marks missing or malformed input. No side effects occurred.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrAuthentication marks a bad or expired OAuth state or webhook signature.
	ErrAuthentication = errors.New("authentication failure")
	// ErrDownstream marks a non-2xx answer from a provider API.
	ErrDownstream = errors.New("downstream provider error")
	// ErrStorage marks an object storage or persistence failure.
	ErrStorage = errors.New("storage error")
	// ErrInternal marks an unexpected fault.
	ErrInternal = errors.New("internal error")
)

var kinds = []error{ErrInvalidRequest, ErrAuthentication, ErrDownstream, ErrStorage, ErrInternal}

// Error attaches a kind and the failing operation to a cause.
type Error struct {
	Kind error
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

// Unwrap exposes both the kind and the cause to errors.Is / errors.As.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// E wraps err with kind and op. A nil err yields an error carrying only the kind.
func E(kind error, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf is E with a formatted cause.
func Errorf(kind error, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind carried by err, or ErrInternal when none is.
func KindOf(err error) error {
	for _, k := range kinds {
		if errors.Is(err, k) {
			return k
		}
	}
	return ErrInternal
}
