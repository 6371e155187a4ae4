package storage

import (
	"context"
	"crypto/tls"
	"net/http"
	"time"

	"pkt.systems/pslog"
)

// HTTPTransport clones http.DefaultTransport with a connection pool sized for
// many concurrent queue operations against one object store endpoint.
// skipVerify disables certificate checks for self-signed test endpoints.
func HTTPTransport(skipVerify bool) http.RoundTripper {
	base, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		return http.DefaultTransport
	}
	t := base.Clone()
	t.MaxIdleConns = max(t.MaxIdleConns, 256)
	t.MaxIdleConnsPerHost = max(t.MaxIdleConnsPerHost, 64)
	if t.IdleConnTimeout == 0 {
		t.IdleConnTimeout = 90 * time.Second
	}
	if t.TLSHandshakeTimeout == 0 {
		t.TLSHandshakeTimeout = 10 * time.Second
	}
	if skipVerify {
		t.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return t
}

// BackendLogger returns the request logger from ctx tagged with the backend
// name, or a noop logger.
func BackendLogger(ctx context.Context, backend string) pslog.Logger {
	if l := pslog.LoggerFromContext(ctx); l != nil {
		return l.With("storage_backend", backend)
	}
	return pslog.NoopLogger()
}
