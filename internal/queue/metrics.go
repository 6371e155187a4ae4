package queue

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type serviceMetrics struct {
	enqueued  metric.Int64Counter
	claimed   metric.Int64Counter
	acked     metric.Int64Counter
	skipped   metric.Int64Counter
	empty     metric.Int64Counter
	scanPages metric.Int64Histogram
}

func newServiceMetrics(logger pslog.Logger) *serviceMetrics {
	meter := otel.Meter("pkt.systems/objq/queue")
	m := &serviceMetrics{}
	var err error

	m.enqueued, err = meter.Int64Counter("objq.queue.enqueued",
		metric.WithDescription("Messages enqueued"))
	logMetricInitError(logger, "objq.queue.enqueued", err)

	m.claimed, err = meter.Int64Counter("objq.queue.claimed",
		metric.WithDescription("Messages claimed"))
	logMetricInitError(logger, "objq.queue.claimed", err)

	m.acked, err = meter.Int64Counter("objq.queue.acknowledged",
		metric.WithDescription("Acknowledge calls by outcome"))
	logMetricInitError(logger, "objq.queue.acknowledged", err)

	m.skipped, err = meter.Int64Counter("objq.queue.scan.skipped",
		metric.WithDescription("Candidates skipped during claim scans, by reason"))
	logMetricInitError(logger, "objq.queue.scan.skipped", err)

	m.empty, err = meter.Int64Counter("objq.queue.claim.empty",
		metric.WithDescription("Claim scans that found no available message"))
	logMetricInitError(logger, "objq.queue.claim.empty", err)

	m.scanPages, err = meter.Int64Histogram("objq.queue.scan.pages",
		metric.WithDescription("Listing pages read per claim scan"))
	logMetricInitError(logger, "objq.queue.scan.pages", err)

	return m
}

func queueAttrs(queue string, extra ...attribute.KeyValue) metric.MeasurementOption {
	attrs := append([]attribute.KeyValue{attribute.String("objq.queue", queue)}, extra...)
	return metric.WithAttributes(attrs...)
}

func (m *serviceMetrics) addEnqueued(ctx context.Context, queue string) {
	if m != nil && m.enqueued != nil {
		m.enqueued.Add(ctx, 1, queueAttrs(queue))
	}
}

func (m *serviceMetrics) addClaimed(ctx context.Context, queue, mode string) {
	if m != nil && m.claimed != nil {
		m.claimed.Add(ctx, 1, queueAttrs(queue, attribute.String("objq.claim.mode", mode)))
	}
}

func (m *serviceMetrics) addAcked(ctx context.Context, queue string, deleted bool) {
	if m != nil && m.acked != nil {
		outcome := "deleted"
		if !deleted {
			outcome = "not_found"
		}
		m.acked.Add(ctx, 1, queueAttrs(queue, attribute.String("objq.ack.outcome", outcome)))
	}
}

func (m *serviceMetrics) addSkipped(ctx context.Context, queue, reason string) {
	if m != nil && m.skipped != nil {
		m.skipped.Add(ctx, 1, queueAttrs(queue, attribute.String("objq.skip.reason", reason)))
	}
}

func (m *serviceMetrics) recordScan(ctx context.Context, queue string, pages int, found bool) {
	if m == nil {
		return
	}
	if m.scanPages != nil {
		m.scanPages.Record(ctx, int64(pages), queueAttrs(queue))
	}
	if !found && m.empty != nil {
		m.empty.Add(ctx, 1, queueAttrs(queue))
	}
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
