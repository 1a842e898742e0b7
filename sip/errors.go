package sip

import (
	"fmt"

	"github.com/ghettovoice/sipua/internal/errorutil"
)

// Common errors.
const (
	ErrInvalidArgument        = errorutil.ErrInvalidArgument
	ErrActionNotAllowed Error = "action not allowed"
)

// Transaction errors.
const (
	// ErrTransactionState is the base of [TransactionStateError].
	ErrTransactionState Error = "invalid transaction state"
	// ErrRequestTimeout is reported when a client transaction exhausted its retransmissions.
	ErrRequestTimeout Error = "request timed out"
	// ErrTransport is the base of [TransportError].
	ErrTransport Error = "transport error"
)

// Dialog errors.
const (
	ErrDialogTerminated       Error = "dialog terminated"
	ErrSessionState           Error = "invalid session state"
	ErrAnswerRequired         Error = "answer required"
	ErrSubscriptionTerminated Error = "subscription terminated"
)

// Message errors.
const (
	ErrInvalidMessage   Error = "invalid message"
	ErrMethodNotAllowed Error = "request method not allowed"

	errMissHdrs Error = "missing mandatory headers"
)

// Error represents a SIP error.
// See [errorutil.Error].
type Error = errorutil.Error

// NewInvalidArgumentError creates a new error with [ErrInvalidArgument] or
// wraps provided error with [ErrInvalidArgument].
func NewInvalidArgumentError(args ...any) error {
	return errorutil.NewInvalidArgumentError(args...) //errtrace:skip
}

// TransactionStateError is returned when an operation is requested in a
// transaction state that does not permit it.
type TransactionStateError struct {
	Op    string
	State TransactionState
}

func (e *TransactionStateError) Error() string {
	return fmt.Sprintf("%s: %s not allowed in state %q", ErrTransactionState, e.Op, e.State)
}

func (*TransactionStateError) Is(target error) bool { return target == ErrTransactionState }

// NewTransactionStateError creates a new [TransactionStateError].
func NewTransactionStateError(op string, state TransactionState) error {
	return &TransactionStateError{Op: op, State: state} //errtrace:skip
}

// TransportError wraps a failure reported by the [Transport].
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	if e.Err == nil {
		return string(ErrTransport)
	}
	return fmt.Sprintf("%s: %v", ErrTransport, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func (*TransportError) Is(target error) bool { return target == ErrTransport }

// NewTransportError wraps err with [TransportError].
func NewTransportError(err error) error {
	if te, ok := err.(*TransportError); ok { //nolint:errorlint
		return te //errtrace:skip
	}
	return &TransportError{Err: err} //errtrace:skip
}
