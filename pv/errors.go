package pv

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when no process variable is bound to a name.
	ErrNotFound = errors.New("pv: not found")
	// ErrDisconnected is returned for get and put operations against a closed
	// process variable, and for operations still pending when it closes.
	ErrDisconnected = errors.New("pv: disconnected")
	// ErrAlreadyOpen is returned when opening a process variable twice.
	ErrAlreadyOpen = errors.New("pv: already open")
	// ErrTypeMismatch is returned when posting a value of another kind.
	ErrTypeMismatch = errors.New("pv: type mismatch")
	// ErrInvalidValue is returned for zero values.
	ErrInvalidValue = errors.New("pv: invalid value")
	// ErrNotSupported is the default outcome of put and rpc operations.
	ErrNotSupported = errors.New("pv: operation not supported")
	// ErrCancelled is returned once the requesting client went away.
	ErrCancelled = errors.New("pv: cancelled")
	// ErrDoubleCompletion is the panic value raised when a handler completes
	// an operation a second time.
	ErrDoubleCompletion = errors.New("pv: operation completed twice")
)

// HandlerFault reports a handler that failed while processing an operation.
type HandlerFault struct {
	Kind OpKind
	Err  error
}

func (f *HandlerFault) Error() string {
	return fmt.Sprintf("pv: %s handler failed: %v", f.Kind, f.Err)
}

func (f *HandlerFault) Unwrap() error {
	return f.Err
}
