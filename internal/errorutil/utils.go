package errorutil

import (
	"errors"
	"io"
	"net"
	"syscall"
)

// IsTimeout reports whether err or any error it wraps is a timeout.
func IsTimeout(err error) bool {
	var e interface{ Timeout() bool }
	return errors.As(err, &e) && e.Timeout()
}

// IsConnectionLost reports whether err means the underlying connection is unusable.
// Timeouts are not treated as lost connections.
func IsConnectionLost(err error) bool {
	if err == nil || IsTimeout(err) {
		return false
	}
	var opErr *net.OpError
	return errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.As(err, &opErr)
}
