package modbus

import (
	"context"
	"errors"
	"io"
	"net"
	"syscall"

	"mbe-recipe-host/pkg/serial"
)

// ErrTimeout is returned when a response does not arrive in time.
var ErrTimeout = errors.New("modbus: response timeout")

// IsTransient reports whether err is a link-level failure worth retrying on a
// fresh connection. Exception responses, malformed frames and caller
// cancellation are not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var exc *ExceptionError
	if errors.As(err, &exc) {
		return false
	}
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	case errors.Is(err, ErrMalformed), errors.Is(err, ErrTransactionMismatch),
		errors.Is(err, ErrUnitMismatch), errors.Is(err, ErrQuantity):
		return false
	case errors.Is(err, ErrBadCRC), errors.Is(err, ErrTimeout):
		return true
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, net.ErrClosed):
		return true
	case errors.Is(err, serial.ErrTimeout), errors.Is(err, serial.ErrClosed):
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var errno syscall.Errno
	return errors.As(err, &errno)
}
