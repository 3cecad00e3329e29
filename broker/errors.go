package broker

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures crossing the adapter boundary.
type ErrorKind string

const (
	// KindValidation is malformed caller input, caught before any brokerage call.
	KindValidation ErrorKind = "validation"
	// KindConnection means the brokerage was unreachable or the handshake failed.
	KindConnection ErrorKind = "connection"
	// KindBrokerage means the brokerage accepted the call but the operation failed.
	KindBrokerage ErrorKind = "brokerage"
)

var (
	ErrNotConnected = errors.New("not connected")
	ErrInvalidOrder = errors.New("invalid order")
)

// Error carries the failure kind and the adapter operation that produced it.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return e.Err.Error()
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// ValidationError reports bad input for op.
func ValidationError(op, format string, args ...any) *Error {
	return &Error{
		Kind: KindValidation,
		Op:   op,
		Err:  fmt.Errorf("%w: %s", ErrInvalidOrder, fmt.Sprintf(format, args...)),
	}
}

// ConnectionError wraps err as a connection failure. A nil err becomes
// ErrNotConnected.
func ConnectionError(op string, err error) *Error {
	if err == nil {
		err = ErrNotConnected
	}
	return &Error{Kind: KindConnection, Op: op, Err: err}
}

// BrokerageFault wraps err as an operation failure. The brokerage message
// is kept verbatim.
func BrokerageFault(op string, err error) *Error {
	return &Error{Kind: KindBrokerage, Op: op, Err: err}
}

// KindOf returns the kind of err. Errors that wrap ErrNotConnected count as
// connection errors, anything else unclassified is a brokerage fault.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	if errors.Is(err, ErrNotConnected) {
		return KindConnection
	}
	return KindBrokerage
}

// Classify wraps a raw gateway error with the kind KindOf assigns to it.
func Classify(op string, err error) *Error {
	var be *Error
	if errors.As(err, &be) {
		return be
	}
	return &Error{Kind: KindOf(err), Op: op, Err: err}
}
