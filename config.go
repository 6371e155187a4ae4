package objq

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"pkt.systems/objq/internal/queue"
)

const (
	// DefaultListen is the default TCP endpoint the server binds to.
	DefaultListen = ":9341"
	// DefaultListenProto controls the scheme used when no protocol is configured.
	DefaultListenProto = "tcp"
	// DefaultStore points the server at the in-memory backend when no store is provided.
	DefaultStore = "mem://"
	// DefaultQueuePrefix is prepended to queue names to form container names.
	DefaultQueuePrefix = queue.DefaultQueuePrefix
	// DefaultLease is the claim lease applied when a consumer does not ask for one.
	DefaultLease = queue.DefaultLease
	// DefaultMaxLease is the hard ceiling enforced on requested leases.
	DefaultMaxLease = queue.DefaultMaxLease
	// DefaultPollInterval paces waiting claims on backends without a change feed.
	DefaultPollInterval = queue.DefaultPollInterval
	// DefaultListingLimit is the page size requested from the backend.
	DefaultListingLimit = queue.DefaultListingLimit
	// DefaultMaxObjectNameLength bounds keys written inside a queue container.
	DefaultMaxObjectNameLength = queue.DefaultMaxObjectNameLength
	// DefaultMaxContainerNameLength bounds prefix + queue name.
	DefaultMaxContainerNameLength = queue.DefaultMaxContainerNameLength
	// DefaultMaxPayloadBytes bounds enqueue bodies.
	DefaultMaxPayloadBytes = int64(queue.DefaultMaxPayloadBytes)
	// DefaultStorageRetryMaxAttempts describes how many transient storage errors are retried.
	DefaultStorageRetryMaxAttempts = 6
	// DefaultStorageRetryBaseDelay configures the base delay between storage retries.
	DefaultStorageRetryBaseDelay = 100 * time.Millisecond
	// DefaultStorageRetryMaxDelay caps the exponential backoff between storage retries.
	DefaultStorageRetryMaxDelay = 5 * time.Second
	// DefaultStorageRetryMultiplier defines the exponential backoff ratio.
	DefaultStorageRetryMultiplier = 2.0
	// DefaultS3BufferBudget caps memory used to size bodies of unknown length for S3 uploads.
	DefaultS3BufferBudget = 64 << 20
	// DefaultShutdownTimeout caps the total shutdown time.
	DefaultShutdownTimeout = 10 * time.Second
	// DefaultClientTimeout is the per-request timeout used by the CLI client.
	DefaultClientTimeout = 30 * time.Second
	// DefaultServerURL is where the CLI client looks for a server.
	DefaultServerURL = "http://127.0.0.1:9341"
	// DefaultAzureEndpointHelp documents the Azure endpoint format in CLI help output.
	DefaultAzureEndpointHelp = "https://<account>.blob.core.windows.net"
	// DefaultConfigFileName is the config file searched for when --config is omitted.
	DefaultConfigFileName = "config.yaml"
)

// Config captures the tunables for an objq server.
type Config struct {
	// Listen is the server bind address (for example ":9341" or a socket path).
	Listen string
	// ListenProto selects listener type: "tcp" or "unix".
	ListenProto string
	// Store selects the backend by URL: mem://, disk:///path, s3://host/bucket,
	// aws://bucket or azure://account/container.
	Store string

	// QueuePrefix is prepended to queue names to form container names.
	QueuePrefix string
	// DefaultLease applies to claims that do not request a lease.
	DefaultLease time.Duration
	// MaxLease caps requested leases.
	MaxLease time.Duration
	// PollInterval paces waiting claims when the backend offers no change feed.
	PollInterval time.Duration
	// ListingLimit is the page size requested from the backend.
	ListingLimit int
	// MaxObjectNameLength bounds keys written inside a queue container.
	MaxObjectNameLength int
	// MaxContainerNameLength bounds prefix + queue name.
	MaxContainerNameLength int
	// MaxPayloadBytes bounds enqueue bodies.
	MaxPayloadBytes int64

	// StorageRetryMaxAttempts bounds attempts per backend call; 1 disables retries.
	StorageRetryMaxAttempts int
	// StorageRetryBaseDelay is the first backoff step.
	StorageRetryBaseDelay time.Duration
	// StorageRetryMaxDelay caps a single backoff step.
	StorageRetryMaxDelay time.Duration
	// StorageRetryMultiplier grows the backoff between attempts.
	StorageRetryMultiplier float64

	// S3AccessKeyID, S3SecretAccessKey and S3SessionToken authenticate s3:// stores.
	S3AccessKeyID     string
	S3SecretAccessKey string
	S3SessionToken    string
	// S3SSE selects server-side encryption ("AES256" or "aws:kms").
	S3SSE string
	// S3KMSKeyID is the KMS key used with aws:kms encryption.
	S3KMSKeyID string
	// S3BufferBudget caps memory used to size bodies of unknown length.
	S3BufferBudget int64
	// AWSRegion is required by aws:// stores unless given in the URL.
	AWSRegion string
	// AWSKMSKeyID overrides S3KMSKeyID for aws:// stores.
	AWSKMSKeyID string
	// AzureAccount, AzureAccountKey, AzureEndpoint and AzureSASToken configure azure:// stores.
	AzureAccount    string
	AzureAccountKey string
	AzureEndpoint   string
	AzureSASToken   string
	// StorageKeyFile is a kryptograf PEM key file. When set, object bodies
	// are encrypted before they reach the store.
	StorageKeyFile string
	// StorageEncryptionSnappy compresses bodies before encrypting them.
	StorageEncryptionSnappy bool
	// DiskChangeFeed enables fsnotify wake-ups for waiting claims on disk:// stores.
	DiskChangeFeed bool
	// MemChangeFeed enables in-process wake-ups for waiting claims on mem:// stores.
	MemChangeFeed bool

	// OTLPEndpoint enables trace export (grpc://, grpcs://, http://, https:// or host:port).
	OTLPEndpoint string
	// MetricsListen serves Prometheus metrics; empty disables.
	MetricsListen string
	// PprofListen serves net/http/pprof; empty disables.
	PprofListen string
	// EnableProfilingMetrics adds Go runtime metrics to the Prometheus endpoint.
	EnableProfilingMetrics bool
	// DisableHTTPTracing drops per-request otel spans.
	DisableHTTPTracing bool

	// ShutdownTimeout caps graceful shutdown.
	ShutdownTimeout time.Duration
}

// DefaultConfig returns a Config populated with defaults.
func DefaultConfig() Config {
	cfg := Config{MemChangeFeed: true, DiskChangeFeed: true}
	_ = cfg.Validate()
	return cfg
}

// Validate applies defaults and checks the configuration.
func (c *Config) Validate() error {
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	c.ListenProto = strings.ToLower(strings.TrimSpace(c.ListenProto))
	if c.ListenProto == "" {
		c.ListenProto = DefaultListenProto
	}
	switch c.ListenProto {
	case "tcp", "tcp4", "tcp6", "unix":
	default:
		return fmt.Errorf("config: listen proto must be tcp or unix, got %q", c.ListenProto)
	}
	if strings.TrimSpace(c.Store) == "" {
		c.Store = DefaultStore
	}
	if _, err := url.Parse(c.Store); err != nil {
		return fmt.Errorf("config: parse store URL: %w", err)
	}
	if c.QueuePrefix == "" {
		c.QueuePrefix = DefaultQueuePrefix
	}
	if c.DefaultLease < 0 || c.MaxLease < 0 {
		return fmt.Errorf("config: leases must be >= 0")
	}
	if c.DefaultLease == 0 {
		c.DefaultLease = DefaultLease
	}
	if c.MaxLease == 0 {
		c.MaxLease = DefaultMaxLease
	}
	if c.MaxLease < c.DefaultLease {
		return fmt.Errorf("config: max lease must be >= default lease")
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.ListingLimit < 0 {
		return fmt.Errorf("config: listing limit must be >= 0")
	}
	if c.ListingLimit == 0 {
		c.ListingLimit = DefaultListingLimit
	}
	if c.MaxObjectNameLength <= 0 {
		c.MaxObjectNameLength = DefaultMaxObjectNameLength
	}
	if c.MaxContainerNameLength <= 0 {
		c.MaxContainerNameLength = DefaultMaxContainerNameLength
	}
	if len(c.QueuePrefix) >= c.MaxContainerNameLength {
		return fmt.Errorf("config: queue prefix %q leaves no room for queue names", c.QueuePrefix)
	}
	if c.MaxPayloadBytes <= 0 {
		c.MaxPayloadBytes = DefaultMaxPayloadBytes
	}
	if c.StorageRetryMaxAttempts <= 0 {
		c.StorageRetryMaxAttempts = DefaultStorageRetryMaxAttempts
	}
	if c.StorageRetryBaseDelay <= 0 {
		c.StorageRetryBaseDelay = DefaultStorageRetryBaseDelay
	}
	if c.StorageRetryMaxDelay <= 0 {
		c.StorageRetryMaxDelay = DefaultStorageRetryMaxDelay
	}
	if c.StorageRetryMaxDelay < c.StorageRetryBaseDelay {
		return fmt.Errorf("config: storage retry max delay must be >= base delay")
	}
	if c.StorageRetryMultiplier <= 0 {
		c.StorageRetryMultiplier = DefaultStorageRetryMultiplier
	}
	if c.S3BufferBudget <= 0 {
		c.S3BufferBudget = DefaultS3BufferBudget
	}
	switch strings.ToUpper(strings.TrimSpace(c.S3SSE)) {
	case "", "AES256":
	case "AWS:KMS":
	default:
		return fmt.Errorf("config: s3 sse must be AES256 or aws:kms, got %q", c.S3SSE)
	}
	if c.StorageEncryptionSnappy && c.StorageKeyFile == "" {
		return fmt.Errorf("config: storage encryption snappy requires a storage key file")
	}
	if c.EnableProfilingMetrics && strings.TrimSpace(c.MetricsListen) == "" {
		return fmt.Errorf("config: profiling metrics require metrics-listen")
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	return nil
}

// QueueConfig projects the queue tunables.
func (c Config) QueueConfig() queue.Config {
	return queue.Config{
		QueuePrefix:  c.QueuePrefix,
		DefaultLease: c.DefaultLease,
		MaxLease:     c.MaxLease,
		PollInterval: c.PollInterval,
		Limits: queue.Limits{
			ListingLimit:           c.ListingLimit,
			MaxObjectNameLength:    c.MaxObjectNameLength,
			MaxContainerNameLength: c.MaxContainerNameLength,
			MaxPayloadBytes:        c.MaxPayloadBytes,
		},
	}
}

// DefaultConfigDir returns the directory holding objq configuration files.
// OBJQ_CONFIG_DIR overrides the default of $HOME/.objq.
func DefaultConfigDir() (string, error) {
	if override := strings.TrimSpace(os.Getenv("OBJQ_CONFIG_DIR")); override != "" {
		if filepath.IsAbs(override) {
			return override, nil
		}
		return filepath.Abs(override)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".objq"), nil
}
