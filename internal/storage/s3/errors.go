package s3

import (
	"errors"
	"io"
	"net/http"
	"strings"

	minio "github.com/minio/minio-go/v7"

	"pkt.systems/objq/internal/storage"
)

func wrapError(err error, msg string) error {
	return storage.Annotate(err, msg, isRetryable)
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	return storage.IsNetworkFault(err) || storage.RetryableStatus(minio.ToErrorResponse(err).StatusCode)
}

func responseOf(err error) (minio.ErrorResponse, bool) {
	var resp minio.ErrorResponse
	ok := errors.As(err, &resp)
	return resp, ok
}

func isNotFound(err error) bool {
	resp, ok := responseOf(err)
	return ok && resp.StatusCode == http.StatusNotFound
}

// isPreconditionFailed accepts 412 and the 409 codes S3-compatible services
// use for racing conditional writes.
func isPreconditionFailed(err error) bool {
	resp, ok := responseOf(err)
	switch {
	case !ok:
		return false
	case resp.StatusCode == http.StatusPreconditionFailed:
		return true
	case resp.StatusCode == http.StatusConflict:
		return resp.Code == "ConditionalRequestConflict" || resp.Code == "OperationAborted"
	}
	return false
}

// classifyPutError maps conditional write failures onto storage sentinels.
// It returns nil when err is not a conditional failure.
func classifyPutError(err error, hasExpectedETag bool) error {
	switch {
	case isPreconditionFailed(err):
		return storage.ErrConflict
	case hasExpectedETag && isNotFound(err):
		return storage.ErrNotFound
	}
	return nil
}

func stripETag(etag string) string {
	return strings.Trim(etag, `"`)
}

// lazyObject is the body of a minio GetObject. minio defers the request to
// the first Read, so a missing object only shows up there; it is reported as
// storage.ErrNotFound.
type lazyObject struct {
	io.ReadCloser
}

func (o lazyObject) Read(p []byte) (int, error) {
	n, err := o.ReadCloser.Read(p)
	if err != nil && isNotFound(err) {
		err = storage.ErrNotFound
	}
	return n, err
}
