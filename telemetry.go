package objq

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	otelruntime "go.opentelemetry.io/contrib/instrumentation/runtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	otelprometheus "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	"pkt.systems/objq/internal/version"
	"pkt.systems/pslog"
)

const (
	otlpGRPCPort         = "4317"
	otlpHTTPPort         = "4318"
	traceExportTimeout   = 10 * time.Second
	auxReadHeaderTimeout = 5 * time.Second
)

// telemetrySettings selects which exporters and listeners setupTelemetry starts.
type telemetrySettings struct {
	otlpEndpoint   string
	metricsListen  string
	pprofListen    string
	runtimeMetrics bool
}

func (s telemetrySettings) normalized() telemetrySettings {
	s.otlpEndpoint = strings.TrimSpace(s.otlpEndpoint)
	s.metricsListen = strings.TrimSpace(s.metricsListen)
	s.pprofListen = strings.TrimSpace(s.pprofListen)
	return s
}

func (s telemetrySettings) empty() bool {
	return s.otlpEndpoint == "" && s.metricsListen == "" && s.pprofListen == "" && !s.runtimeMetrics
}

// telemetryBundle owns every exporter and listener started for a server.
// Components register a stop hook as they come up; Shutdown runs the hooks in
// reverse order.
type telemetryBundle struct {
	logger pslog.Logger
	stops  []telemetryStop
}

type telemetryStop struct {
	name string
	fn   func(context.Context) error
}

func (t *telemetryBundle) onShutdown(name string, fn func(context.Context) error) {
	t.stops = append(t.stops, telemetryStop{name: name, fn: fn})
}

// Shutdown flushes exporters and closes the auxiliary listeners.
func (t *telemetryBundle) Shutdown(ctx context.Context) error {
	if t == nil {
		return nil
	}
	var errs []error
	for i := len(t.stops) - 1; i >= 0; i-- {
		stop := t.stops[i]
		if err := stop.fn(ctx); err != nil {
			t.logger.Warn("telemetry.shutdown.failed", "component", stop.name, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", stop.name, err))
		}
	}
	t.stops = nil
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	t.logger.Info("telemetry.shutdown.complete")
	return nil
}

func setupTelemetry(ctx context.Context, settings telemetrySettings, logger pslog.Logger) (*telemetryBundle, error) {
	settings = settings.normalized()
	if settings.empty() {
		return nil, nil
	}
	if settings.runtimeMetrics && settings.metricsListen == "" {
		return nil, fmt.Errorf("telemetry: profiling metrics require metrics listen address")
	}
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	res, err := resource.New(ctx,
		resource.WithSchemaURL(semconv.SchemaURL),
		resource.WithAttributes(
			semconv.ServiceName("objq"),
			semconv.ServiceVersion(version.Current()),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: build resource: %w", err)
	}

	bundle := &telemetryBundle{logger: logger}
	fail := func(err error) (*telemetryBundle, error) {
		_ = bundle.Shutdown(ctx)
		return nil, err
	}

	if settings.otlpEndpoint != "" {
		target, err := resolveOTLPTarget(settings.otlpEndpoint)
		if err != nil {
			return fail(err)
		}
		exporter, err := target.exporter(ctx)
		if err != nil {
			return fail(err)
		}
		tp := sdktrace.NewTracerProvider(
			sdktrace.WithResource(res),
			sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
			sdktrace.WithBatcher(exporter),
		)
		bundle.onShutdown("tracer", tp.Shutdown)
		otel.SetTracerProvider(tp)
		logger.Info("telemetry.tracing.enabled",
			"protocol", target.protocol,
			"endpoint", target.endpoint,
			"path", target.path,
			"insecure", target.insecure,
		)
	}

	if settings.metricsListen != "" {
		handler, err := startMeterProvider(bundle, res, settings.runtimeMetrics)
		if err != nil {
			return fail(err)
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", handler)
		if err := serveAux(bundle, "metrics", settings.metricsListen, mux); err != nil {
			return fail(err)
		}
		logger.Info("telemetry.metrics.enabled", "listen", settings.metricsListen, "runtime", settings.runtimeMetrics)
	}

	if settings.pprofListen != "" {
		if err := serveAux(bundle, "pprof", settings.pprofListen, pprofMux()); err != nil {
			return fail(err)
		}
		logger.Info("profiling.pprof.enabled", "listen", settings.pprofListen)
	}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	otel.SetErrorHandler(otel.ErrorHandlerFunc(func(err error) {
		if err == nil {
			return
		}
		// The grpc exporter reports every reconnect attempt.
		if strings.Contains(err.Error(), "waiting for connections to become ready") {
			logger.Debug("telemetry.exporter.retry", "error", err)
			return
		}
		logger.Warn("telemetry.exporter.error", "error", err)
	}))
	return bundle, nil
}

// startMeterProvider installs a global meter provider backed by a private
// prometheus registry and returns the scrape handler for it.
func startMeterProvider(bundle *telemetryBundle, res *resource.Resource, runtimeMetrics bool) (http.Handler, error) {
	registry := prometheus.NewRegistry()
	opts := []otelprometheus.Option{otelprometheus.WithRegisterer(registry)}
	if runtimeMetrics {
		opts = append(opts, otelprometheus.WithProducer(otelruntime.NewProducer()))
	}
	reader, err := otelprometheus.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("telemetry: start prometheus exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res), sdkmetric.WithReader(reader))
	bundle.onShutdown("meter", mp.Shutdown)
	otel.SetMeterProvider(mp)
	if runtimeMetrics {
		if err := startRuntimeMetrics(mp); err != nil {
			return nil, err
		}
	}
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{}), nil
}

var (
	runtimeOnce sync.Once
	runtimeErr  error
)

// startRuntimeMetrics registers the Go runtime instruments once per process;
// the instrumentation package cannot be started twice.
func startRuntimeMetrics(mp *sdkmetric.MeterProvider) error {
	runtimeOnce.Do(func() {
		runtimeErr = otelruntime.Start(otelruntime.WithMeterProvider(mp))
	})
	if runtimeErr != nil {
		return fmt.Errorf("telemetry: runtime metrics: %w", runtimeErr)
	}
	return nil
}

func pprofMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	return mux
}

// serveAux starts a plain HTTP listener next to the queue API and registers
// its shutdown with bundle.
func serveAux(bundle *telemetryBundle, name, addr string, handler http.Handler) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("telemetry: %s listen %s: %w", name, addr, err)
	}
	srv := &http.Server{Handler: handler, ReadHeaderTimeout: auxReadHeaderTimeout}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			bundle.logger.Warn("telemetry.listener.error", "listener", name, "error", err)
		}
	}()
	bundle.onShutdown(name+" listener", func(ctx context.Context) error {
		err := srv.Shutdown(ctx)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	return nil
}

// otlpTarget is a parsed collector address.
type otlpTarget struct {
	protocol string // "grpc" or "http"
	endpoint string // host:port
	path     string
	insecure bool
}

func (t otlpTarget) exporter(ctx context.Context) (sdktrace.SpanExporter, error) {
	switch t.protocol {
	case "grpc":
		creds := credentials.NewClientTLSFromCert(nil, "")
		opts := []otlptracegrpc.Option{
			otlptracegrpc.WithEndpoint(t.endpoint),
			otlptracegrpc.WithTimeout(traceExportTimeout),
		}
		if t.insecure {
			creds = insecure.NewCredentials()
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		opts = append(opts, otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(creds)))
		exp, err := otlptracegrpc.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("telemetry: grpc trace exporter %s: %w", t.endpoint, err)
		}
		return exp, nil
	case "http":
		opts := []otlptracehttp.Option{
			otlptracehttp.WithEndpoint(t.endpoint),
			otlptracehttp.WithTimeout(traceExportTimeout),
		}
		if t.insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		if t.path != "" {
			opts = append(opts, otlptracehttp.WithURLPath(t.path))
		}
		exp, err := otlptracehttp.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("telemetry: http trace exporter %s: %w", t.endpoint, err)
		}
		return exp, nil
	}
	return nil, fmt.Errorf("telemetry: unsupported protocol %q", t.protocol)
}

// otlpSchemes maps an endpoint scheme to its protocol, transport security
// and default port.
var otlpSchemes = map[string]otlpTarget{
	"grpc":  {protocol: "grpc", insecure: true, endpoint: otlpGRPCPort},
	"grpcs": {protocol: "grpc", endpoint: otlpGRPCPort},
	"http":  {protocol: "http", insecure: true, endpoint: otlpHTTPPort},
	"https": {protocol: "http", endpoint: otlpHTTPPort},
}

// resolveOTLPTarget parses an --otlp-endpoint value. A bare host or host:port
// means plaintext grpc.
func resolveOTLPTarget(raw string) (otlpTarget, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return otlpTarget{}, fmt.Errorf("telemetry: empty endpoint")
	}
	if !strings.Contains(raw, "://") {
		raw = "grpc://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return otlpTarget{}, fmt.Errorf("telemetry: parse endpoint: %w", err)
	}
	scheme, ok := otlpSchemes[strings.ToLower(u.Scheme)]
	if !ok {
		return otlpTarget{}, fmt.Errorf("telemetry: unknown scheme %q", u.Scheme)
	}
	host, path := u.Host, u.Path
	if host == "" {
		host, path = strings.TrimPrefix(path, "/"), ""
	}
	if host == "" {
		return otlpTarget{}, fmt.Errorf("telemetry: missing endpoint host")
	}
	if _, _, err := net.SplitHostPort(host); err != nil {
		host = net.JoinHostPort(host, scheme.endpoint)
	}
	path = strings.TrimSuffix(path, "/")
	if scheme.protocol == "grpc" {
		path = ""
	}
	return otlpTarget{
		protocol: scheme.protocol,
		endpoint: host,
		path:     path,
		insecure: scheme.insecure,
	}, nil
}
