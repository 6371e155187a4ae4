package logging

import (
	"context"
	"io"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"pkt.systems/pslog"

	"pkt.systems/objq/internal/correlation"
	"pkt.systems/objq/internal/storage"
)

type backend struct {
	inner  storage.Backend
	logger pslog.Logger
	tracer trace.Tracer
	sys    string
}

// Wrap decorates inner with trace/debug logging and an otel span per call.
func Wrap(inner storage.Backend, logger pslog.Logger, sys string) storage.Backend {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &backend{
		inner:  inner,
		logger: logger,
		tracer: otel.Tracer("pkt.systems/objq/storage"),
		sys:    sys,
	}
}

func (b *backend) start(ctx context.Context, op string, ref storage.ContainerRef) (context.Context, trace.Span, pslog.Logger, time.Time, func(error)) {
	begin := time.Now()
	ctx, span := b.tracer.Start(ctx, "objq.storage."+op, trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(
		attribute.String("objq.storage.operation", op),
		attribute.String("objq.sys", b.sys),
	)
	if ref.Account != "" {
		span.SetAttributes(attribute.String("objq.storage.account", ref.Account))
	}
	if ref.Container != "" {
		span.SetAttributes(attribute.String("objq.storage.container", ref.Container))
	}

	logger := b.logger
	if ctxLogger := pslog.LoggerFromContext(ctx); ctxLogger != nil {
		logger = ctxLogger
	} else if corr := correlation.ID(ctx); corr != "" {
		logger = logger.With("cid", corr)
	}
	if corr := correlation.ID(ctx); corr != "" {
		span.SetAttributes(attribute.String("objq.correlation_id", corr))
	}
	verbose := logger
	if ref.Container != "" {
		verbose = verbose.With("container", ref.Container)
	}

	ctx = pslog.ContextWithLogger(ctx, logger)
	return ctx, span, verbose, begin, func(err error) {
		result := "ok"
		if err != nil {
			result = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, "storage_error")
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.AddEvent("objq.storage.end", trace.WithAttributes(
			attribute.String("objq.storage.result", result),
			attribute.Int64("objq.storage.duration_ms", time.Since(begin).Milliseconds()),
		))
	}
}

func (b *backend) EnsureContainer(ctx context.Context, ref storage.ContainerRef) error {
	ctx, span, verbose, begin, finish := b.start(ctx, "ensure_container", ref)
	defer span.End()

	verbose.Trace("storage.ensure_container.begin", "account", ref.Account)
	err := b.inner.EnsureContainer(ctx, ref)
	finish(err)
	if err != nil {
		verbose.Debug("storage.ensure_container.error", "error", err, "elapsed", time.Since(begin))
		return err
	}
	verbose.Debug("storage.ensure_container.success", "elapsed", time.Since(begin))
	return nil
}

func (b *backend) ListContainers(ctx context.Context, account string, opts storage.ListOptions) (*storage.ListResult, error) {
	ctx, span, verbose, begin, finish := b.start(ctx, "list_containers", storage.ContainerRef{Account: account})
	defer span.End()

	span.SetAttributes(attribute.String("objq.storage.prefix", opts.Prefix))
	verbose.Trace("storage.list_containers.begin", "account", account, "prefix", opts.Prefix, "start_after", opts.StartAfter)
	result, err := b.inner.ListContainers(ctx, account, opts)
	finish(err)
	if err != nil {
		verbose.Debug("storage.list_containers.error", "account", account, "error", err, "elapsed", time.Since(begin))
		return result, err
	}
	count := 0
	if result != nil {
		count = len(result.Objects)
	}
	verbose.Debug("storage.list_containers.success", "account", account, "count", count, "elapsed", time.Since(begin))
	return result, nil
}

func (b *backend) ListObjects(ctx context.Context, ref storage.ContainerRef, opts storage.ListOptions) (*storage.ListResult, error) {
	ctx, span, verbose, begin, finish := b.start(ctx, "list_objects", ref)
	defer span.End()

	span.SetAttributes(
		attribute.String("objq.storage.prefix", opts.Prefix),
		attribute.String("objq.storage.start_after", opts.StartAfter),
		attribute.Int("objq.storage.limit", opts.Limit),
	)
	verbose.Trace("storage.list_objects.begin",
		"prefix", opts.Prefix,
		"start_after", opts.StartAfter,
		"limit", opts.Limit,
	)
	result, err := b.inner.ListObjects(ctx, ref, opts)
	finish(err)
	if err != nil {
		verbose.Debug("storage.list_objects.error", "error", err, "elapsed", time.Since(begin))
		return result, err
	}
	count := 0
	if result != nil {
		count = len(result.Objects)
	}
	span.SetAttributes(attribute.Int("objq.storage.object_count", count))
	verbose.Debug("storage.list_objects.success",
		"prefix", opts.Prefix,
		"start_after", opts.StartAfter,
		"count", count,
		"truncated", result != nil && result.Truncated,
		"elapsed", time.Since(begin),
	)
	return result, nil
}

func (b *backend) HeadObject(ctx context.Context, ref storage.ContainerRef, key string) (*storage.ObjectInfo, error) {
	ctx, span, verbose, begin, finish := b.start(ctx, "head_object", ref)
	defer span.End()

	verbose.Trace("storage.head_object.begin", "key", key)
	info, err := b.inner.HeadObject(ctx, ref, key)
	finish(err)
	if err != nil {
		verbose.Debug("storage.head_object.error", "key", key, "error", err, "elapsed", time.Since(begin))
		return info, err
	}
	verbose.Debug("storage.head_object.success", "key", key, "elapsed", time.Since(begin))
	return info, nil
}

func (b *backend) GetObject(ctx context.Context, ref storage.ContainerRef, key string) (storage.GetObjectResult, error) {
	ctx, span, verbose, begin, finish := b.start(ctx, "get_object", ref)
	defer span.End()

	verbose.Trace("storage.get_object.begin", "key", key)
	result, err := b.inner.GetObject(ctx, ref, key)
	finish(err)
	if err != nil {
		verbose.Debug("storage.get_object.error", "key", key, "error", err, "elapsed", time.Since(begin))
		return result, err
	}
	etag := ""
	size := int64(0)
	if result.Info != nil {
		etag = result.Info.ETag
		size = result.Info.Size
	}
	span.SetAttributes(attribute.Int64("objq.storage.object_size", size))
	verbose.Debug("storage.get_object.success", "key", key, "etag", etag, "size", size, "elapsed", time.Since(begin))
	return result, nil
}

func (b *backend) PutObject(ctx context.Context, ref storage.ContainerRef, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	ctx, span, verbose, begin, finish := b.start(ctx, "put_object", ref)
	defer span.End()

	span.SetAttributes(
		attribute.Bool("objq.storage.expected_etag", opts.ExpectedETag != ""),
		attribute.Bool("objq.storage.if_not_exists", opts.IfNotExists),
	)
	verbose.Trace("storage.put_object.begin",
		"key", key,
		"expected_etag", opts.ExpectedETag,
		"if_not_exists", opts.IfNotExists,
		"content_type", opts.ContentType,
	)
	info, err := b.inner.PutObject(ctx, ref, key, body, opts)
	finish(err)
	if err != nil {
		verbose.Debug("storage.put_object.error", "key", key, "error", err, "elapsed", time.Since(begin))
		return info, err
	}
	etag := ""
	size := int64(0)
	if info != nil {
		etag = info.ETag
		size = info.Size
	}
	verbose.Debug("storage.put_object.success", "key", key, "etag", etag, "size", size, "elapsed", time.Since(begin))
	return info, nil
}

func (b *backend) DeleteObject(ctx context.Context, ref storage.ContainerRef, key string, opts storage.DeleteObjectOptions) error {
	ctx, span, verbose, begin, finish := b.start(ctx, "delete_object", ref)
	defer span.End()

	span.SetAttributes(attribute.Bool("objq.storage.ignore_not_found", opts.IgnoreNotFound))
	verbose.Trace("storage.delete_object.begin",
		"key", key,
		"expected_etag", opts.ExpectedETag,
		"ignore_not_found", opts.IgnoreNotFound,
	)
	err := b.inner.DeleteObject(ctx, ref, key, opts)
	finish(err)
	if err != nil {
		verbose.Debug("storage.delete_object.error", "key", key, "error", err, "elapsed", time.Since(begin))
		return err
	}
	verbose.Debug("storage.delete_object.success", "key", key, "elapsed", time.Since(begin))
	return nil
}

func (b *backend) Close() error {
	_, span, verbose, begin, finish := b.start(context.Background(), "close", storage.ContainerRef{})
	defer span.End()

	err := b.inner.Close()
	finish(err)
	if err != nil {
		verbose.Debug("storage.close.error", "error", err, "elapsed", time.Since(begin))
		return err
	}
	verbose.Debug("storage.close.success", "elapsed", time.Since(begin))
	return nil
}

func (b *backend) SubscribeContainer(ref storage.ContainerRef) (storage.ChangeSubscription, error) {
	if feed, ok := b.inner.(storage.ChangeFeed); ok {
		return feed.SubscribeContainer(ref)
	}
	return nil, storage.ErrNotImplemented
}
