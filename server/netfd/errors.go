package netfd

import (
	"crypto/tls"
	"errors"
	"io"
	"net"
	"os"
	"syscall"
)

var (
	// ErrWouldBlock is returned by non-blocking operations that cannot make
	// progress until the descriptor becomes ready again.
	ErrWouldBlock = errors.New("operation would block")

	// ErrClosed is returned when using a stream that was already closed.
	ErrClosed = errors.New("use of closed stream")

	// ErrUnsupported is returned on platforms without raw socket support.
	ErrUnsupported = errors.New("raw sockets are not supported on this platform")
)

// IsConnectionError reports whether err is an ordinary peer-side failure
// (reset, broken pipe, abrupt EOF, bad TLS record) that ends one session but
// says nothing about the health of the proxy itself.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, ErrClosed) {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNABORTED) || errors.Is(err, syscall.ETIMEDOUT) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var syscallErr *os.SyscallError
	if errors.As(err, &syscallErr) {
		return errors.Is(syscallErr.Err, syscall.ECONNRESET) || errors.Is(syscallErr.Err, syscall.EPIPE)
	}

	var recordErr tls.RecordHeaderError
	return errors.As(err, &recordErr)
}

// IsRefused reports whether a connect failed because nothing listens at the
// target, which the health tracker treats the same as a timeout.
func IsRefused(err error) bool {
	return errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EHOSTUNREACH) ||
		errors.Is(err, syscall.ENETUNREACH)
}
