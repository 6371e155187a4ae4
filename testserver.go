package objq

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"pkt.systems/pslog"

	"pkt.systems/objq/client"
	"pkt.systems/objq/internal/storage"
)

// TestServer is an objq server on a loopback port or unix socket, meant for
// tests in this and dependent modules.
type TestServer struct {
	Server *Server
	// Client talks to the server unless WithoutTestClient was given.
	Client *client.Client
	// Config is the validated configuration the server runs with.
	Config Config

	baseURL string
	stop    func(context.Context) error
}

type testServerSetup struct {
	tweaks   []func(*Config)
	backend  storage.Backend
	logTB    testing.TB
	logLevel pslog.Level
	noClient bool
}

// TestServerOption adjusts NewTestServer and StartTestServer.
type TestServerOption func(*testServerSetup)

// WithTestConfigFunc edits the config before the server starts.
func WithTestConfigFunc(fn func(*Config)) TestServerOption {
	return func(s *testServerSetup) {
		if fn != nil {
			s.tweaks = append(s.tweaks, fn)
		}
	}
}

// WithTestUnixSocket serves on a unix socket at path.
func WithTestUnixSocket(path string) TestServerOption {
	return WithTestConfigFunc(func(cfg *Config) {
		cfg.ListenProto = "unix"
		cfg.Listen = path
	})
}

// WithTestBackend makes the server use backend instead of opening cfg.Store.
// The caller keeps ownership of the raw backend for inspection.
func WithTestBackend(backend storage.Backend) TestServerOption {
	return func(s *testServerSetup) { s.backend = backend }
}

// WithTestLoggerFromTB routes server logs through t.Log at level.
func WithTestLoggerFromTB(t testing.TB, level pslog.Level) TestServerOption {
	return func(s *testServerSetup) {
		s.logTB = t
		s.logLevel = level
	}
}

// WithoutTestClient leaves TestServer.Client nil.
func WithoutTestClient() TestServerOption {
	return func(s *testServerSetup) { s.noClient = true }
}

// NewTestServer starts a server backed by mem:// with the change feed on,
// listening on 127.0.0.1 with a kernel-assigned port.
func NewTestServer(ctx context.Context, opts ...TestServerOption) (*TestServer, error) {
	setup := testServerSetup{logLevel: pslog.DebugLevel}
	for _, opt := range opts {
		opt(&setup)
	}
	cfg := Config{
		Store:         DefaultStore,
		ListenProto:   "tcp",
		Listen:        "127.0.0.1:0",
		MemChangeFeed: true,
	}
	for _, tweak := range setup.tweaks {
		tweak(&cfg)
	}
	if cfg.ListenProto == "unix" && cfg.Listen == "" {
		return nil, fmt.Errorf("test server: unix listener requires a socket path")
	}

	logger := pslog.NoopLogger()
	if setup.logTB != nil {
		logger = NewTestingLogger(setup.logTB, setup.logLevel)
	}
	serverOpts := []Option{WithLogger(logger)}
	if setup.backend != nil {
		serverOpts = append(serverOpts, WithBackend(setup.backend))
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	// StartServer ties the server lifetime to its context; tests stop it
	// explicitly instead.
	srv, stop, err := StartServer(context.Background(), cfg, serverOpts...)
	if err != nil {
		return nil, fmt.Errorf("test server: %w", err)
	}
	ts := &TestServer{Server: srv, Config: srv.cfg, stop: stop}
	if srv.cfg.ListenProto == "unix" {
		ts.baseURL = "unix://" + srv.cfg.Listen
	} else {
		ts.baseURL = "http://" + srv.ListenerAddr().String()
	}
	if !setup.noClient {
		if ts.Client, err = ts.NewClient(); err != nil {
			_ = stop(context.Background())
			return nil, err
		}
	}
	return ts, nil
}

// StartTestServer is NewTestServer that fails t on error and stops the
// server during cleanup.
func StartTestServer(t testing.TB, opts ...TestServerOption) *TestServer {
	t.Helper()
	ts, err := NewTestServer(context.Background(), opts...)
	if err != nil {
		t.Fatalf("start test server: %v", err)
	}
	t.Cleanup(func() {
		if err := ts.Stop(context.Background()); err != nil {
			t.Errorf("stop test server: %v", err)
		}
	})
	return ts
}

// URL is the base URL for client.New.
func (ts *TestServer) URL() string { return ts.baseURL }

// Addr is the bound listener address.
func (ts *TestServer) Addr() net.Addr { return ts.Server.ListenerAddr() }

// NewClient returns an additional client for the server.
func (ts *TestServer) NewClient(opts ...client.Option) (*client.Client, error) {
	return client.New(ts.baseURL, opts...)
}

// Stop shuts the server down. Calling it more than once is harmless.
func (ts *TestServer) Stop(ctx context.Context) error {
	if ts == nil || ts.stop == nil {
		return nil
	}
	return ts.stop(ctx)
}

// TestSocketPath returns a socket path under t.TempDir.
func TestSocketPath(t testing.TB) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "objq.sock")
}

// NewTestingLogger returns a structured logger that writes each line through
// t.Log until the test finishes.
func NewTestingLogger(t testing.TB, level pslog.Level) pslog.Logger {
	sink := &tbSink{t: t}
	t.Cleanup(sink.detach)
	logger := pslog.NewStructured(context.Background(), sink)
	if level != pslog.NoLevel {
		logger = logger.LogLevel(level)
	}
	return logger.With("app", "objq-test")
}

// tbSink drops writes once the owning test has returned; background
// goroutines may still be logging during server shutdown.
type tbSink struct {
	t        testing.TB
	mu       sync.Mutex
	detached bool
}

func (s *tbSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.detached {
		return len(p), nil
	}
	for _, line := range bytes.Split(bytes.TrimRight(p, "\n"), []byte{'\n'}) {
		if len(line) > 0 {
			s.logLine(string(line))
		}
	}
	return len(p), nil
}

func (s *tbSink) logLine(line string) {
	defer func() {
		if r := recover(); r != nil {
			if msg := fmt.Sprint(r); strings.Contains(msg, "Log in goroutine") {
				return
			}
			panic(r)
		}
	}()
	s.t.Log(line)
}

func (s *tbSink) detach() {
	s.mu.Lock()
	s.detached = true
	s.mu.Unlock()
}
