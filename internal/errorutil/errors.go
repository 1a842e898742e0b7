// Package errorutil provides sentinel errors and wrapping helpers shared by the module packages.
package errorutil

//go:generate errtrace -w .

import (
	"errors"
	"fmt"
)

// Error is a sentinel error declared as a constant.
type Error string

func (e Error) Error() string { return string(e) }

// ErrInvalidArgument marks errors caused by bad input of the caller.
const ErrInvalidArgument Error = "invalid argument"

// Wrap attaches details to the sentinel so that errors.Is(err, sentinel) holds.
// The details are either a cause error, a message or a format with arguments.
// A cause that already matches the sentinel is returned as is.
func Wrap(sentinel error, details ...any) error {
	if len(details) == 0 {
		return sentinel //errtrace:skip
	}

	var msg string
	switch d := details[0].(type) {
	case error:
		if errors.Is(d, sentinel) {
			return d //errtrace:skip
		}
		return fmt.Errorf("%w: %w", sentinel, d) //errtrace:skip
	case string:
		msg = d
		if len(details) > 1 {
			msg = fmt.Sprintf(d, details[1:]...)
		}
	default:
		return sentinel //errtrace:skip
	}
	return fmt.Errorf("%w: %s", sentinel, msg) //errtrace:skip
}

// NewInvalidArgumentError wraps the details with [ErrInvalidArgument], see [Wrap].
func NewInvalidArgumentError(details ...any) error {
	return Wrap(ErrInvalidArgument, details...) //errtrace:skip
}
