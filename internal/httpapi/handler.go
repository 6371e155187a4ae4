package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"pkt.systems/pslog"

	"pkt.systems/objq/api"
	"pkt.systems/objq/internal/correlation"
	"pkt.systems/objq/internal/queue"
	"pkt.systems/objq/internal/svcfields"
	"pkt.systems/objq/internal/uuidv7"
)

const headerCorrelationID = correlation.Header

// operation names a verb of the HTTP surface. The set is closed; handlerFor
// maps each value onto its handler.
type operation string

const (
	opCreateQueue operation = "queue.create"
	opDeleteQueue operation = "queue.delete"
	opListQueues  operation = "queue.list"
	opEnqueue     operation = "queue.enqueue"
	opClaimNext   operation = "queue.claim_next"
	opClaimByID   operation = "queue.claim_by_id"
	opAcknowledge operation = "queue.ack"
	opHealth      operation = "healthz"
	opReady       operation = "readyz"
)

// routes binds request patterns to operations.
var routes = []struct {
	pattern string
	op      operation
}{
	{"GET /v1/{account}", opListQueues},
	{"PUT /v1/{account}/{queue}", opCreateQueue},
	{"POST /v1/{account}/{queue}", opEnqueue},
	{"GET /v1/{account}/{queue}", opClaimNext},
	{"DELETE /v1/{account}/{queue}", opDeleteQueue},
	{"GET /v1/{account}/{queue}/{id}", opClaimByID},
	{"DELETE /v1/{account}/{queue}/{id}", opAcknowledge},
	{"GET /healthz", opHealth},
	{"GET /readyz", opReady},
}

// Handler wires HTTP endpoints to queue operations.
type Handler struct {
	queue              *queue.Service
	logger             pslog.Logger
	tracer             trace.Tracer
	ready              func(context.Context) error
	maxPayload         int64
	httpTracingEnabled bool
}

// Config wires the handler to its collaborators.
type Config struct {
	QueueService *queue.Service
	Logger       pslog.Logger
	// Ready backs /readyz. Nil reports ready.
	Ready func(context.Context) error
	// DisableHTTPTracing skips otelhttp and per-request spans.
	DisableHTTPTracing bool
}

// New constructs a Handler using the supplied configuration.
func New(cfg Config) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	h := &Handler{
		queue:              cfg.QueueService,
		logger:             logger,
		tracer:             otel.Tracer("pkt.systems/objq/httpapi"),
		ready:              cfg.Ready,
		httpTracingEnabled: !cfg.DisableHTTPTracing,
	}
	if cfg.QueueService != nil {
		h.maxPayload = cfg.QueueService.Config().Limits.MaxPayloadBytes
	}
	return h
}

// Register wires the routes under /v1 and health endpoints.
func (h *Handler) Register(mux *http.ServeMux) {
	for _, route := range routes {
		mux.Handle(route.pattern, h.wrap(route.op, h.handlerFor(route.op)))
	}
}

type handlerFunc func(http.ResponseWriter, *http.Request) error

func (h *Handler) handlerFor(op operation) handlerFunc {
	switch op {
	case opCreateQueue:
		return h.handleCreateQueue
	case opDeleteQueue:
		return h.handleDeleteQueue
	case opListQueues:
		return h.handleListQueues
	case opEnqueue:
		return h.handleEnqueue
	case opClaimNext:
		return h.handleClaimNext
	case opClaimByID:
		return h.handleClaimByID
	case opAcknowledge:
		return h.handleAcknowledge
	case opHealth:
		return h.handleHealth
	case opReady:
		return h.handleReady
	}
	panic(fmt.Sprintf("httpapi: no handler for operation %q", op))
}

func (h *Handler) wrap(op operation, fn handlerFunc) http.Handler {
	sys := routerSys(string(op))
	httpSpanName := "objq.http." + string(op)

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx := r.Context()
		reqID := uuidv7.NewString()
		var span trace.Span
		if h.httpTracingEnabled {
			ctx, span = h.tracer.Start(ctx, "objq.op."+string(op),
				trace.WithSpanKind(trace.SpanKindInternal),
				trace.WithAttributes(
					attribute.String("objq.sys", sys),
					attribute.String("objq.operation", string(op)),
				),
			)
			defer span.End()
		} else {
			span = trace.SpanFromContext(ctx)
		}

		logger := svcfields.WithSubsystem(h.logger, sys).With(
			"req_id", reqID,
			"method", r.Method,
			"path", r.URL.Path,
		)
		ctx, corr := correlation.Ensure(ctx, r.Header.Get(headerCorrelationID))
		logger = logger.With("cid", corr)
		span.SetAttributes(attribute.String("objq.correlation_id", corr))
		ctx = pslog.ContextWithLogger(ctx, logger)
		w.Header().Set(headerCorrelationID, corr)
		r = r.WithContext(ctx)

		logger.Trace("http.request.start", "remote_addr", r.RemoteAddr)
		if err := fn(w, r); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "handler_error")
			logger.Debug("http.request.error", "elapsed", time.Since(start), "error", err)
			h.handleError(ctx, w, err)
			return
		}
		span.SetStatus(codes.Ok, "")
		logger.Trace("http.request.complete", "elapsed", time.Since(start))
	})

	if !h.httpTracingEnabled {
		return handler
	}
	return otelhttp.NewHandler(handler, httpSpanName)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, payload any, headers map[string]string) {
	w.Header().Set("Content-Type", "application/json")
	for k, v := range headers {
		w.Header().Set(k, v)
	}
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

type httpError struct {
	Status     int
	Code       string
	Detail     string
	RetryAfter int64
}

func (h httpError) Error() string {
	if h.Detail != "" {
		return fmt.Sprintf("%s: %s", h.Code, h.Detail)
	}
	return h.Code
}

func (h *Handler) handleError(ctx context.Context, w http.ResponseWriter, err error) {
	logger := svcfields.Logger(ctx, h.logger)
	var httpErr httpError
	if !errors.As(err, &httpErr) {
		httpErr, _ = convertQueueError(err)
	}
	if httpErr.Status >= http.StatusInternalServerError {
		logger.Error("http.request.failure", "status", httpErr.Status, "code", httpErr.Code, "error", err)
	} else {
		logger.Debug("http.request.failure", "status", httpErr.Status, "code", httpErr.Code, "detail", httpErr.Detail)
	}
	headers := map[string]string{}
	if httpErr.RetryAfter > 0 {
		headers["Retry-After"] = strconv.FormatInt(httpErr.RetryAfter, 10)
	}
	h.writeJSON(w, httpErr.Status, api.ErrorResponse{
		ErrorCode:         httpErr.Code,
		Detail:            httpErr.Detail,
		RetryAfterSeconds: httpErr.RetryAfter,
	}, headers)
}
