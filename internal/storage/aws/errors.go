package aws

import (
	"errors"
	"net/http"
	"slices"
	"strings"

	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	smithy "github.com/aws/smithy-go"

	"pkt.systems/objq/internal/storage"
)

var (
	notFoundCodes   = []string{"NoSuchKey", "NotFound", "NoSuchBucket"}
	conditionCodes  = []string{"PreconditionFailed", "ConditionalRequestConflict"}
	throttlingCodes = []string{"SlowDown", "RequestTimeout", "InternalError", "ServiceUnavailable"}
	conditionStatus = []int{http.StatusPreconditionFailed, http.StatusConflict}
)

func wrapError(err error, msg string) error {
	return storage.Annotate(err, msg, isRetryable)
}

func isRetryable(err error) bool {
	if status, ok := httpStatusCode(err); ok && storage.RetryableStatus(status) {
		return true
	}
	return hasCode(err, throttlingCodes)
}

// classifyPutObjectError maps condition failures onto storage sentinels and
// returns nil for anything else. A 404 only means the object vanished when
// the write was conditioned on an ETag.
func classifyPutObjectError(err error, hasExpectedETag bool) error {
	switch {
	case err == nil:
		return nil
	case isPreconditionFailed(err):
		return storage.ErrConflict
	case hasExpectedETag && isNotFound(err):
		return storage.ErrNotFound
	}
	return nil
}

func isNotFound(err error) bool {
	if hasCode(err, notFoundCodes) {
		return true
	}
	status, ok := httpStatusCode(err)
	return ok && status == http.StatusNotFound
}

// isPreconditionFailed also accepts the 409 S3 returns when two conditional
// writes race on one key.
func isPreconditionFailed(err error) bool {
	if hasCode(err, conditionCodes) {
		return true
	}
	status, ok := httpStatusCode(err)
	return ok && slices.Contains(conditionStatus, status)
}

func hasCode(err error, codes []string) bool {
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && slices.Contains(codes, apiErr.ErrorCode())
}

func httpStatusCode(err error) (int, bool) {
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		return respErr.HTTPStatusCode(), true
	}
	var statusErr interface{ HTTPStatusCode() int }
	if errors.As(err, &statusErr) {
		return statusErr.HTTPStatusCode(), true
	}
	return 0, false
}

func stripETag(etag string) string {
	return strings.Trim(etag, `"`)
}
