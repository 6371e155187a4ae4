package storage_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"syscall"
	"testing"

	"pkt.systems/objq/internal/storage"
)

func TestIsNetworkFault(t *testing.T) {
	t.Parallel()

	faults := []error{
		context.DeadlineExceeded,
		io.ErrUnexpectedEOF,
		syscall.ECONNRESET,
		fmt.Errorf("dial: %w", syscall.ECONNREFUSED),
		&net.OpError{Op: "read", Err: syscall.EPIPE},
		&net.DNSError{IsTemporary: true},
	}
	for _, err := range faults {
		if !storage.IsNetworkFault(err) {
			t.Fatalf("%v should be a network fault", err)
		}
	}
	for _, err := range []error{nil, errors.New("bad request"), context.Canceled, &net.DNSError{IsNotFound: true}} {
		if storage.IsNetworkFault(err) {
			t.Fatalf("%v should not be a network fault", err)
		}
	}
}

func TestRetryableStatus(t *testing.T) {
	t.Parallel()

	for code, want := range map[int]bool{
		http.StatusInternalServerError: true,
		http.StatusServiceUnavailable:  true,
		http.StatusTooManyRequests:     true,
		http.StatusRequestTimeout:      true,
		http.StatusNotFound:            false,
		http.StatusPreconditionFailed:  false,
		http.StatusForbidden:           false,
	} {
		if got := storage.RetryableStatus(code); got != want {
			t.Fatalf("%d: got %v want %v", code, got, want)
		}
	}
}

func TestAnnotate(t *testing.T) {
	t.Parallel()

	if storage.Annotate(nil, "op", nil) != nil {
		t.Fatal("nil should stay nil")
	}
	cause := errors.New("throttled")
	err := storage.Annotate(cause, "s3: put", func(err error) bool { return errors.Is(err, cause) })
	if !storage.IsTransient(err) || !errors.Is(err, cause) {
		t.Fatalf("expected transient wrap of cause, got %v", err)
	}
	if err.Error() != "s3: put: throttled" {
		t.Fatalf("message = %q", err.Error())
	}
	err = storage.Annotate(syscall.ECONNRESET, "", nil)
	if !storage.IsTransient(err) {
		t.Fatal("network faults are transient without a classifier")
	}
	if err := storage.Annotate(cause, "op", nil); storage.IsTransient(err) {
		t.Fatal("plain errors stay permanent")
	}
}
