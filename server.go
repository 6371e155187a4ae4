package objq

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"sync"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/objq/internal/clock"
	"pkt.systems/objq/internal/httpapi"
	"pkt.systems/objq/internal/queue"
	"pkt.systems/objq/internal/storage"
	"pkt.systems/objq/internal/storage/encrypted"
	loggingbackend "pkt.systems/objq/internal/storage/logging"
	"pkt.systems/objq/internal/storage/retry"
	"pkt.systems/objq/internal/svcfields"
)

const (
	// readyProbeTimeout bounds the storage probe behind /readyz.
	readyProbeTimeout = 5 * time.Second
	// shutdownGrace bounds cleanup that runs after the caller's deadline.
	shutdownGrace = 5 * time.Second
)

// Server wraps the HTTP server, storage backend, and queue service.
type Server struct {
	cfg          Config
	logger       pslog.Logger
	backend      storage.Backend
	queue        *queue.Service
	handler      *httpapi.Handler
	httpSrv      *http.Server
	listener     net.Listener
	telemetry    *telemetryBundle
	lastServeErr error

	mu        sync.Mutex
	shutdown  bool
	readyOnce sync.Once
	readyCh   chan struct{}
}

// Option configures server instances.
type Option func(*options)

type options struct {
	Logger       pslog.Logger
	Backend      storage.Backend
	Clock        clock.Clock
	OTLPEndpoint string
}

// WithLogger supplies a custom logger.
func WithLogger(l pslog.Logger) Option {
	return func(o *options) {
		o.Logger = l
	}
}

// WithBackend injects a pre-built backend (useful for tests). The server
// still wraps it with logging and retries and closes it on shutdown.
func WithBackend(b storage.Backend) Option {
	return func(o *options) {
		o.Backend = b
	}
}

// WithClock injects a custom clock implementation.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.Clock = c
	}
}

// WithOTLPEndpoint overrides the OTLP collector endpoint used for telemetry.
func WithOTLPEndpoint(endpoint string) Option {
	return func(o *options) {
		o.OTLPEndpoint = endpoint
	}
}

// NewServer constructs an objq server according to cfg.
// Example:
//
//	cfg := objq.Config{Store: "mem://", Listen: ":9341"}
//	srv, err := objq.NewServer(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	go srv.Start()
func NewServer(cfg Config, opts ...Option) (*Server, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := o.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	otlpEndpoint := cfg.OTLPEndpoint
	if o.OTLPEndpoint != "" {
		otlpEndpoint = o.OTLPEndpoint
	}
	telemetry, err := setupTelemetry(context.Background(), telemetrySettings{
		otlpEndpoint:   otlpEndpoint,
		metricsListen:  cfg.MetricsListen,
		pprofListen:    cfg.PprofListen,
		runtimeMetrics: cfg.EnableProfilingMetrics,
	}, svcfields.WithSubsystem(logger, svcfields.SysTelem))
	if err != nil {
		return nil, err
	}
	shutdownTelemetry := func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		_ = telemetry.Shutdown(ctx)
	}
	backend := o.Backend
	if backend == nil {
		backend, err = openBackend(context.Background(), cfg)
		if err != nil {
			shutdownTelemetry()
			return nil, err
		}
	}
	if cfg.StorageKeyFile != "" {
		sealed, err := openStorageCrypto(cfg)
		if err != nil {
			if o.Backend == nil {
				_ = backend.Close()
			}
			shutdownTelemetry()
			return nil, err
		}
		backend = encrypted.Wrap(backend, sealed)
	}
	serverClock := o.Clock
	if serverClock == nil {
		serverClock = clock.Real{}
	}
	storageLogger := svcfields.WithSubsystem(logger, svcfields.SysStorage)
	backend = loggingbackend.Wrap(backend, storageLogger.With("layer", "backend"), svcfields.SysStorage)
	backend = retry.Wrap(backend, storageLogger.With("layer", "retry"), serverClock, retry.Config{
		MaxAttempts: cfg.StorageRetryMaxAttempts,
		BaseDelay:   cfg.StorageRetryBaseDelay,
		MaxDelay:    cfg.StorageRetryMaxDelay,
		Multiplier:  cfg.StorageRetryMultiplier,
	})
	svc, err := queue.New(backend, cfg.QueueConfig(),
		queue.WithLogger(svcfields.WithSubsystem(logger, svcfields.SysQueue)),
		queue.WithClock(serverClock),
	)
	if err != nil {
		_ = backend.Close()
		shutdownTelemetry()
		return nil, err
	}
	s := &Server{
		cfg:       cfg,
		logger:    svcfields.WithSubsystem(logger, svcfields.SysServer),
		backend:   backend,
		queue:     svc,
		telemetry: telemetry,
		readyCh:   make(chan struct{}),
	}
	s.handler = httpapi.New(httpapi.Config{
		QueueService:       svc,
		Logger:             logger,
		Ready:              s.Ready,
		DisableHTTPTracing: cfg.DisableHTTPTracing,
	})
	mux := http.NewServeMux()
	s.handler.Register(mux)
	s.httpSrv = &http.Server{
		Addr:              cfg.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 30 * time.Second,
		BaseContext: func(net.Listener) context.Context {
			return context.Background()
		},
	}
	s.logger.Info("server.configured",
		"store", redactStore(cfg.Store),
		"queue_prefix", cfg.QueuePrefix,
		"default_lease", cfg.DefaultLease,
		"max_lease", cfg.MaxLease,
		"listing_limit", cfg.ListingLimit,
		"encrypted", cfg.StorageKeyFile != "",
	)
	return s, nil
}

func openStorageCrypto(cfg Config) (*encrypted.Crypto, error) {
	root, err := encrypted.LoadRootKey(cfg.StorageKeyFile)
	if err != nil {
		return nil, fmt.Errorf("config: storage key: %w", err)
	}
	return encrypted.New(encrypted.Config{RootKey: root, Snappy: cfg.StorageEncryptionSnappy})
}

// Handler returns the underlying HTTP handler so objq can be mounted inside an
// existing mux when embedding the server into another program.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// Queue exposes the queue service for in-process callers.
func (s *Server) Queue() *queue.Service {
	return s.queue
}

// Backend returns the wrapped storage backend.
func (s *Server) Backend() storage.Backend {
	return s.backend
}

// Ready fails until the listener is bound, then probes storage by listing the
// queues of a sentinel account.
func (s *Server) Ready(ctx context.Context) error {
	select {
	case <-s.readyCh:
	default:
		return errors.New("listener not started")
	}
	ctx, cancel := context.WithTimeout(ctx, readyProbeTimeout)
	defer cancel()
	if _, err := s.backend.ListContainers(ctx, "readyz", storage.ListOptions{Limit: 1}); err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	return nil
}

// Start listens on the configured address and serves until Shutdown. A clean
// shutdown returns nil.
func (s *Server) Start() error {
	ln, err := s.listen()
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	s.readyOnce.Do(func() { close(s.readyCh) })
	s.logger.Info("server.listening", "network", s.cfg.ListenProto, "address", ln.Addr().String())

	err = s.httpSrv.Serve(ln)
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	s.mu.Lock()
	s.lastServeErr = err
	s.mu.Unlock()
	return fmt.Errorf("http serve: %w", err)
}

// listen binds the listener. A unix socket left behind by a previous run is
// removed first.
func (s *Server) listen() (net.Listener, error) {
	if s.unixSocket() {
		if err := removeSocket(s.cfg.Listen); err != nil {
			return nil, fmt.Errorf("remove stale unix socket: %w", err)
		}
	}
	ln, err := net.Listen(s.cfg.ListenProto, s.cfg.Listen)
	if err != nil {
		return nil, fmt.Errorf("listen %s %s: %w", s.cfg.ListenProto, s.cfg.Listen, err)
	}
	return ln, nil
}

func (s *Server) unixSocket() bool {
	return s.cfg.ListenProto == "unix"
}

func removeSocket(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests, then closes the backend and flushes
// telemetry. Only the first call does any work.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	s.mu.Unlock()

	s.logger.Info("server.shutdown.begin")
	if err := s.httpSrv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http shutdown: %w", err)
	}
	s.mu.Lock()
	ln := s.listener
	s.listener = nil
	s.mu.Unlock()
	if ln != nil {
		_ = ln.Close()
	}

	errs := []error{s.backend.Close()}
	if s.telemetry != nil {
		// ctx may already be spent by a slow drain.
		flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownGrace)
		errs = append(errs, s.telemetry.Shutdown(flushCtx))
		cancel()
		s.telemetry = nil
	}
	if s.unixSocket() && ln != nil {
		errs = append(errs, removeSocket(s.cfg.Listen))
	}
	errs = append(errs, s.LastServeError())
	s.logger.Info("server.shutdown.complete")
	return errors.Join(errs...)
}

// Close shuts down within Config.ShutdownTimeout.
func (s *Server) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	return s.Shutdown(ctx)
}

// WaitUntilReady blocks until the listener is bound or ctx ends.
func (s *Server) WaitUntilReady(ctx context.Context) error {
	select {
	case <-s.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ListenerAddr is the bound address, nil before Start or after Shutdown.
func (s *Server) ListenerAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// LastServeError returns the error that ended Serve, if any.
func (s *Server) LastServeError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastServeErr
}

// StartServer starts an objq server in a background goroutine and returns it
// once the listener is ready, together with a stop function. Cancelling ctx
// also stops the server.
//
//	srv, stop, err := objq.StartServer(ctx, objq.Config{Store: "mem://", Listen: "127.0.0.1:0"})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer stop(context.Background())
func StartServer(ctx context.Context, cfg Config, opts ...Option) (*Server, func(context.Context) error, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	srv, err := NewServer(cfg, opts...)
	if err != nil {
		return nil, nil, err
	}
	served := make(chan error, 1)
	go func() { served <- srv.Start() }()

	abort := func() {
		abortCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		_ = srv.Shutdown(abortCtx)
	}
	select {
	case <-srv.readyCh:
	case err := <-served:
		abort()
		if err == nil {
			err = errors.New("server stopped before becoming ready")
		}
		return nil, nil, err
	case <-ctx.Done():
		abort()
		<-served
		return nil, nil, ctx.Err()
	}

	var (
		stopOnce sync.Once
		stopErr  error
	)
	stop := func(shutdownCtx context.Context) error {
		stopOnce.Do(func() {
			if shutdownCtx == nil {
				shutdownCtx = context.Background()
			}
			if stopErr = srv.Shutdown(shutdownCtx); stopErr == nil {
				stopErr = <-served
			}
		})
		return stopErr
	}
	context.AfterFunc(ctx, func() { _ = stop(context.Background()) })
	return srv, stop, nil
}

// redactStore drops userinfo and query secrets from store URLs before logging.
func redactStore(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<invalid>"
	}
	if u.User != nil {
		u.User = url.User("redacted")
	}
	q := u.Query()
	for _, key := range []string{"sas", "secret", "secret-key"} {
		if q.Has(key) {
			q.Set(key, "redacted")
		}
	}
	u.RawQuery = q.Encode()
	return u.String()
}
