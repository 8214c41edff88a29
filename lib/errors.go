package lib

import (
	"context"
	"errors"
	"net"

	"github.com/gravitational/trace"
)

// IsCanceled reports whether the error was caused by a cancelled context.
func IsCanceled(err error) bool {
	return errors.Is(trace.Unwrap(err), context.Canceled) || errors.Is(err, context.Canceled)
}

// IsDeadline reports whether the error was caused by an expired context deadline.
func IsDeadline(err error) bool {
	return errors.Is(trace.Unwrap(err), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded)
}

// IsTimeout reports whether the error is a deadline or a network timeout,
// including the ones raised by http.Client.Timeout.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if IsDeadline(err) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
