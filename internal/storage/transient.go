package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"syscall"
)

type transientError struct {
	err error
}

func (t transientError) Error() string { return t.err.Error() }
func (t transientError) Unwrap() error { return t.err }

// NewTransientError marks err as retryable.
func NewTransientError(err error) error {
	if err == nil {
		return nil
	}
	return transientError{err: err}
}

// IsTransient reports whether err was marked as retryable.
func IsTransient(err error) bool {
	var te transientError
	return errors.As(err, &te)
}

// RetryableStatus reports whether an object store HTTP status is worth
// another attempt.
func RetryableStatus(code int) bool {
	return code >= http.StatusInternalServerError ||
		code == http.StatusTooManyRequests ||
		code == http.StatusRequestTimeout
}

var connErrnos = []error{
	syscall.ECONNRESET,
	syscall.ECONNABORTED,
	syscall.ECONNREFUSED,
	syscall.EPIPE,
	syscall.EHOSTUNREACH,
	syscall.ENETUNREACH,
}

// IsNetworkFault reports failures below the object store protocol: dropped
// or refused connections, truncated bodies, timeouts and temporary DNS
// errors.
func IsNetworkFault(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return true
	}
	for _, errno := range connErrnos {
		if errors.Is(err, errno) {
			return true
		}
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.IsTemporary || dnsErr.IsTimeout
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// Annotate prefixes err with msg and marks the result transient when err is
// a network fault or retryable says so. retryable may be nil.
func Annotate(err error, msg string, retryable func(error) bool) error {
	if err == nil {
		return nil
	}
	transient := IsNetworkFault(err) || (retryable != nil && retryable(err))
	if msg != "" {
		err = fmt.Errorf("%s: %w", msg, err)
	}
	if transient {
		return NewTransientError(err)
	}
	return err
}
