package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"pkt.systems/objq"
	"pkt.systems/objq/internal/svcfields"
	"pkt.systems/pslog"
)

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(context.Background(),
		pslog.WithEnvPrefix("OBJQ_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "objq")
	cmd := newRootCommand(baseLogger)
	rootInvocation := invocationTargetsRootCommand(cmd, os.Args[1:])
	ctx = withSignalCancel(ctx)
	if _, err := cmd.ExecuteContextC(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			if rootInvocation {
				svcfields.WithSubsystem(baseLogger, svcfields.SysCLI, "root").Error("command failed", "error", err)
			} else {
				fmt.Fprintf(os.Stderr, "%s\n", err)
			}
		}
		return 1
	}
	return 0
}

// invocationTargetsRootCommand reports whether args run the server rather
// than a subcommand. Server failures are logged; subcommand failures are
// printed plainly.
func invocationTargetsRootCommand(root *cobra.Command, args []string) bool {
	target, _, err := root.Find(args)
	if err != nil {
		return false
	}
	return target == root || target.Name() == "serve"
}

func humanizeBytes(n int64) string {
	return strings.ReplaceAll(humanize.IBytes(uint64(n)), " ", "")
}

// loadConfigFile reads --config, or the default config file when one exists.
// It returns the path read, empty when there was none.
func loadConfigFile() (string, error) {
	path := strings.TrimSpace(viper.GetString("config"))
	explicit := path != ""
	if !explicit {
		dir, err := objq.DefaultConfigDir()
		if err != nil {
			return "", nil
		}
		path = filepath.Join(dir, objq.DefaultConfigFileName)
	}
	expanded, err := expandPath(path)
	if err != nil {
		return "", fmt.Errorf("expand config path %q: %w", path, err)
	}
	switch info, err := os.Stat(expanded); {
	case errors.Is(err, os.ErrNotExist) && !explicit:
		return "", nil
	case err != nil:
		return "", fmt.Errorf("config file %q: %w", expanded, err)
	case info.IsDir():
		return "", fmt.Errorf("config file %q is a directory", expanded)
	}
	viper.SetConfigFile(expanded)
	if err := viper.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", expanded, err)
	}
	return expanded, nil
}

// expandPath resolves a leading ~ and makes p absolute.
func expandPath(p string) (string, error) {
	if p == "" {
		return "", nil
	}
	if p == "~" || strings.HasPrefix(p, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		p = filepath.Join(home, strings.TrimPrefix(p[1:], "/"))
	}
	return filepath.Abs(p)
}

// serverFlagNames lists the flags bound into objq.Config. Each name doubles
// as the viper key, the config file key and (upper-cased, OBJQ_ prefixed)
// the environment variable.
var serverFlagNames = []string{
	"listen", "listen-proto", "store", "queue-prefix",
	"default-lease", "max-lease", "poll-interval", "listing-limit", "max-object-name", "max-container-name", "max-payload",
	"storage-retry-attempts", "storage-retry-base-delay", "storage-retry-max-delay", "storage-retry-multiplier",
	"s3-sse", "s3-kms-key-id", "s3-buffer-budget", "aws-region", "aws-kms-key-id",
	"azure-account", "azure-key", "azure-endpoint", "azure-sas-token",
	"storage-key-file", "storage-encryption-snappy",
	"disable-disk-watch", "disable-mem-watch",
	"otlp-endpoint", "metrics-listen", "pprof-listen", "enable-profiling-metrics", "disable-http-tracing",
	"shutdown-timeout", "log-level",
}

func addServerFlags(flags *pflag.FlagSet) {
	flags.String("listen", objq.DefaultListen, "listen address (host:port or unix socket path)")
	flags.String("listen-proto", objq.DefaultListenProto, "listener protocol (tcp, tcp4, tcp6 or unix)")
	flags.String("store", objq.DefaultStore, "storage URL (mem://, disk:///path, s3://host/bucket, aws://bucket, azure://account/container)")
	flags.String("queue-prefix", objq.DefaultQueuePrefix, "prefix prepended to queue names to form container names")
	flags.Duration("default-lease", objq.DefaultLease, "lease applied to claims that do not request one")
	flags.Duration("max-lease", objq.DefaultMaxLease, "maximum lease a consumer may request")
	flags.Duration("poll-interval", objq.DefaultPollInterval, "rescan interval for waiting claims when the store has no change feed")
	flags.Int("listing-limit", objq.DefaultListingLimit, "page size requested when listing a queue")
	flags.Int("max-object-name", objq.DefaultMaxObjectNameLength, "maximum object key length accepted by the store")
	flags.Int("max-container-name", objq.DefaultMaxContainerNameLength, "maximum container name length accepted by the store")
	flags.String("max-payload", "", fmt.Sprintf("maximum message payload size, e.g. 1MiB (default %s)", humanizeBytes(objq.DefaultMaxPayloadBytes)))
	flags.Int("storage-retry-attempts", objq.DefaultStorageRetryMaxAttempts, "attempts per storage call on transient errors (1 disables retries)")
	flags.Duration("storage-retry-base-delay", objq.DefaultStorageRetryBaseDelay, "initial backoff between storage retries")
	flags.Duration("storage-retry-max-delay", objq.DefaultStorageRetryMaxDelay, "maximum backoff between storage retries")
	flags.Float64("storage-retry-multiplier", objq.DefaultStorageRetryMultiplier, "backoff multiplier between storage retries")
	flags.String("s3-sse", "", "server-side encryption for s3:// and aws:// stores (AES256 or aws:kms)")
	flags.String("s3-kms-key-id", "", "KMS key id used with aws:kms encryption")
	flags.String("s3-buffer-budget", humanizeBytes(objq.DefaultS3BufferBudget), "memory used to size uploads of unknown length")
	flags.String("aws-region", "", "AWS region for aws:// stores (defaults to AWS_REGION)")
	flags.String("aws-kms-key-id", "", "KMS key id for aws:// stores (overrides --s3-kms-key-id)")
	flags.String("azure-account", "", "Azure storage account (defaults to the azure:// host)")
	flags.String("azure-key", "", "Azure storage account key")
	flags.String("azure-endpoint", "", fmt.Sprintf("Azure blob endpoint (default %s)", objq.DefaultAzureEndpointHelp))
	flags.String("azure-sas-token", "", "Azure SAS token")
	flags.String("storage-key-file", "", "kryptograf PEM key file; enables encryption of stored objects (see 'objq keygen')")
	flags.Bool("storage-encryption-snappy", false, "compress objects before encrypting them")
	flags.Bool("disable-disk-watch", false, "disable fsnotify wake-ups for waiting claims on disk:// stores")
	flags.Bool("disable-mem-watch", false, "disable in-process wake-ups for waiting claims on mem:// stores")
	flags.String("otlp-endpoint", "", "OTLP collector endpoint (e.g. grpc://localhost:4317)")
	flags.String("metrics-listen", "", "Prometheus metrics listen address (empty disables)")
	flags.String("pprof-listen", "", "pprof listen address (empty disables)")
	flags.Bool("enable-profiling-metrics", false, "export Go runtime metrics on the Prometheus endpoint")
	flags.Bool("disable-http-tracing", false, "disable per-request HTTP tracing spans")
	flags.Duration("shutdown-timeout", objq.DefaultShutdownTimeout, "graceful shutdown budget")
	flags.String("log-level", "info", "log level (trace, debug, info, warn, error, none)")
}

func bindServerFlags(flags *pflag.FlagSet) error {
	for _, name := range serverFlagNames {
		flag := flags.Lookup(name)
		if flag == nil {
			return fmt.Errorf("flag %q not found", name)
		}
		if err := viper.BindPFlag(name, flag); err != nil {
			return err
		}
	}
	return nil
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "objq",
		Short:         "objq is a message queue stored entirely in an object store",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, baseLogger)
		},
	}
	cmd.PersistentFlags().StringP("config", "c", "", fmt.Sprintf("path to YAML config file (defaults to $HOME/.objq/%s)", objq.DefaultConfigFileName))
	addServerFlags(cmd.Flags())

	viper.SetEnvPrefix("OBJQ")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	if err := viper.BindPFlag("config", cmd.PersistentFlags().Lookup("config")); err != nil {
		panic(err)
	}

	cmd.AddCommand(newServeCommand(baseLogger))
	cmd.AddCommand(newQueueCommand())
	cmd.AddCommand(newConfigCommand())
	cmd.AddCommand(newKeygenCommand())
	cmd.AddCommand(newVersionCommand())
	return cmd
}

func newServeCommand(baseLogger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the objq server (default command)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, baseLogger)
		},
	}
	addServerFlags(cmd.Flags())
	return cmd
}

func runServe(cmd *cobra.Command, baseLogger pslog.Logger) error {
	if err := bindServerFlags(cmd.Flags()); err != nil {
		return err
	}
	cfgFile, err := loadConfigFile()
	if err != nil {
		return err
	}
	var cfg objq.Config
	if err := bindConfig(&cfg); err != nil {
		return err
	}
	logger := baseLogger
	if levelStr := strings.TrimSpace(viper.GetString("log-level")); levelStr != "" {
		level, ok := pslog.ParseLevel(levelStr)
		if !ok {
			return fmt.Errorf("invalid log level %q", levelStr)
		}
		logger = logger.LogLevel(level)
	}
	cliLogger := svcfields.WithSubsystem(logger, svcfields.SysCLI, "root")
	if cfgFile != "" {
		cliLogger.Info("config.loaded", "path", cfgFile)
	}

	srv, err := objq.NewServer(cfg, objq.WithLogger(logger))
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	shutdownErr := make(chan error, 1)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout+time.Second)
		defer cancel()
		shutdownErr <- srv.Shutdown(shutdownCtx)
	}()
	if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	if ctx.Err() == nil {
		return nil
	}
	if err := <-shutdownErr; err != nil {
		cliLogger.Warn("shutdown.error", "error", err)
		return err
	}
	return nil
}

// bindConfig fills cfg from viper, which has already merged flags, the
// environment and the config file.
func bindConfig(cfg *objq.Config) error {
	*cfg = objq.Config{
		Listen:                  viper.GetString("listen"),
		ListenProto:             viper.GetString("listen-proto"),
		Store:                   viper.GetString("store"),
		QueuePrefix:             viper.GetString("queue-prefix"),
		DefaultLease:            viper.GetDuration("default-lease"),
		MaxLease:                viper.GetDuration("max-lease"),
		PollInterval:            viper.GetDuration("poll-interval"),
		ListingLimit:            viper.GetInt("listing-limit"),
		MaxObjectNameLength:     viper.GetInt("max-object-name"),
		MaxContainerNameLength:  viper.GetInt("max-container-name"),
		StorageRetryMaxAttempts: viper.GetInt("storage-retry-attempts"),
		StorageRetryBaseDelay:   viper.GetDuration("storage-retry-base-delay"),
		StorageRetryMaxDelay:    viper.GetDuration("storage-retry-max-delay"),
		StorageRetryMultiplier:  viper.GetFloat64("storage-retry-multiplier"),
		S3SSE:                   viper.GetString("s3-sse"),
		S3KMSKeyID:              viper.GetString("s3-kms-key-id"),
		AWSRegion:               viper.GetString("aws-region"),
		AWSKMSKeyID:             viper.GetString("aws-kms-key-id"),
		AzureAccount:            viper.GetString("azure-account"),
		AzureAccountKey:         viper.GetString("azure-key"),
		AzureEndpoint:           viper.GetString("azure-endpoint"),
		AzureSASToken:           viper.GetString("azure-sas-token"),
		StorageEncryptionSnappy: viper.GetBool("storage-encryption-snappy"),
		DiskChangeFeed:          !viper.GetBool("disable-disk-watch"),
		MemChangeFeed:           !viper.GetBool("disable-mem-watch"),
		OTLPEndpoint:            viper.GetString("otlp-endpoint"),
		MetricsListen:           viper.GetString("metrics-listen"),
		PprofListen:             viper.GetString("pprof-listen"),
		EnableProfilingMetrics:  viper.GetBool("enable-profiling-metrics"),
		DisableHTTPTracing:      viper.GetBool("disable-http-tracing"),
		ShutdownTimeout:         viper.GetDuration("shutdown-timeout"),
	}
	for key, dst := range map[string]*int64{
		"max-payload":      &cfg.MaxPayloadBytes,
		"s3-buffer-budget": &cfg.S3BufferBudget,
	} {
		raw := strings.TrimSpace(viper.GetString(key))
		if raw == "" {
			continue
		}
		size, err := humanize.ParseBytes(raw)
		if err != nil {
			return fmt.Errorf("parse %s: %w", key, err)
		}
		*dst = int64(size)
	}
	if keyFile := strings.TrimSpace(viper.GetString("storage-key-file")); keyFile != "" {
		expanded, err := expandPath(keyFile)
		if err != nil {
			return fmt.Errorf("expand storage-key-file: %w", err)
		}
		cfg.StorageKeyFile = expanded
	}
	return nil
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}
