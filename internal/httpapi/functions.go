package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"pkt.systems/objq/internal/queue"
	"pkt.systems/objq/internal/storage"
	"pkt.systems/objq/internal/svcfields"
)

func routerSys(operation string) string {
	parts := strings.FieldsFunc(operation, func(r rune) bool {
		return strings.ContainsRune("./-_", r)
	})
	return svcfields.Subsystem(append([]string{svcfields.SysHTTP, "router"}, parts...)...)
}

// convertQueueError maps queue and storage failures onto HTTP errors. ok is
// false when err had no specific mapping and became a 500.
func convertQueueError(err error) (httpError, bool) {
	switch {
	case errors.Is(err, queue.ErrInvalid):
		return httpError{Status: http.StatusBadRequest, Code: "invalid_request", Detail: err.Error()}, true
	case errors.Is(err, queue.ErrTooLarge):
		return httpError{Status: http.StatusRequestEntityTooLarge, Code: "payload_too_large", Detail: err.Error()}, true
	case errors.Is(err, queue.ErrNotFound):
		return httpError{Status: http.StatusNotFound, Code: "not_found", Detail: err.Error()}, true
	case errors.Is(err, queue.ErrConflict), errors.Is(err, storage.ErrConflict):
		return httpError{Status: http.StatusConflict, Code: "conflict", Detail: err.Error()}, true
	case errors.Is(err, queue.ErrMalformedState):
		return httpError{Status: http.StatusInternalServerError, Code: "malformed_state", Detail: err.Error()}, true
	case storage.IsTransient(err):
		return httpError{Status: http.StatusServiceUnavailable, Code: "store_unavailable", Detail: "backing store unavailable", RetryAfter: 1}, true
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return httpError{Status: http.StatusServiceUnavailable, Code: "canceled", Detail: "request canceled before completion", RetryAfter: 1}, true
	}
	return httpError{Status: http.StatusInternalServerError, Code: "internal_error", Detail: "internal server error"}, false
}

// parseDurationParam reads a duration query parameter. Bare integers are
// seconds. A missing parameter yields zero.
func parseDurationParam(r *http.Request, name string) (time.Duration, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return 0, nil
	}
	if secs, err := strconv.ParseInt(raw, 10, 64); err == nil {
		if secs < 0 {
			return 0, invalidParam(name, raw)
		}
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 {
		return 0, invalidParam(name, raw)
	}
	return d, nil
}

func invalidParam(name, raw string) error {
	return httpError{
		Status: http.StatusBadRequest,
		Code:   "invalid_" + name,
		Detail: fmt.Sprintf("%s must be a non-negative duration, got %q", name, raw),
	}
}
