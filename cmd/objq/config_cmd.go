package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"pkt.systems/objq"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage objq configuration files",
	}
	cmd.AddCommand(newConfigGenCommand())
	return cmd
}

func newConfigGenCommand() *cobra.Command {
	var outPath string
	var force bool
	var stdout bool
	defaultOutput := "$HOME/.objq/" + objq.DefaultConfigFileName
	if dir, err := objq.DefaultConfigDir(); err == nil {
		defaultOutput = filepath.Join(dir, objq.DefaultConfigFileName)
	}

	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Generate a default objq configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if stdout && outPath != "" {
				return fmt.Errorf("--stdout and --out are mutually exclusive")
			}
			data, err := defaultConfigYAML()
			if err != nil {
				return err
			}
			if stdout {
				_, err := cmd.OutOrStdout().Write(data)
				return err
			}
			if outPath == "" {
				dir, err := objq.DefaultConfigDir()
				if err != nil {
					return fmt.Errorf("resolve config dir: %w", err)
				}
				outPath = filepath.Join(dir, objq.DefaultConfigFileName)
			}
			if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
				return fmt.Errorf("create config dir: %w", err)
			}
			if !force {
				if _, err := os.Stat(outPath); err == nil {
					return fmt.Errorf("config file %s already exists (use --force to overwrite)", outPath)
				} else if !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("stat config file: %w", err)
				}
			}
			if err := os.WriteFile(outPath, data, 0o600); err != nil {
				return fmt.Errorf("write config file: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote default config to %s\n", outPath)
			return nil
		},
	}
	cmd.Flags().StringVar(&outPath, "out", "", fmt.Sprintf("output path for generated config (defaults to %s)", defaultOutput))
	cmd.Flags().BoolVar(&force, "force", false, "overwrite the target file if it already exists")
	cmd.Flags().BoolVar(&stdout, "stdout", false, "print the config to stdout instead of writing a file")
	return cmd
}

// configDefaults mirrors the serve flags; yaml keys match flag names so the
// generated file loads back through viper unchanged.
type configDefaults struct {
	Listen                  string  `yaml:"listen"`
	ListenProto             string  `yaml:"listen-proto"`
	Store                   string  `yaml:"store"`
	QueuePrefix             string  `yaml:"queue-prefix"`
	DefaultLease            string  `yaml:"default-lease"`
	MaxLease                string  `yaml:"max-lease"`
	PollInterval            string  `yaml:"poll-interval"`
	ListingLimit            int     `yaml:"listing-limit"`
	MaxObjectName           int     `yaml:"max-object-name"`
	MaxContainerName        int     `yaml:"max-container-name"`
	MaxPayload              string  `yaml:"max-payload"`
	StorageRetryMaxAttempts int     `yaml:"storage-retry-attempts"`
	StorageRetryBaseDelay   string  `yaml:"storage-retry-base-delay"`
	StorageRetryMaxDelay    string  `yaml:"storage-retry-max-delay"`
	StorageRetryMultiplier  float64 `yaml:"storage-retry-multiplier"`
	StoreSSE                string  `yaml:"s3-sse"`
	StoreKMSKeyID           string  `yaml:"s3-kms-key-id"`
	StoreBufferBudget       string  `yaml:"s3-buffer-budget"`
	AWSRegion               string  `yaml:"aws-region"`
	AWSKMSKeyID             string  `yaml:"aws-kms-key-id"`
	AzureAccount            string  `yaml:"azure-account"`
	AzureKey                string  `yaml:"azure-key"`
	AzureEndpoint           string  `yaml:"azure-endpoint"`
	AzureSASToken           string  `yaml:"azure-sas-token"`
	StorageKeyFile          string  `yaml:"storage-key-file"`
	StorageEncryptionSnappy bool    `yaml:"storage-encryption-snappy"`
	DisableDiskWatch        bool    `yaml:"disable-disk-watch"`
	DisableMemWatch         bool    `yaml:"disable-mem-watch"`
	OTLPEndpoint            string  `yaml:"otlp-endpoint"`
	MetricsListen           string  `yaml:"metrics-listen"`
	PprofListen             string  `yaml:"pprof-listen"`
	EnableProfilingMetrics  bool    `yaml:"enable-profiling-metrics"`
	DisableHTTPTracing      bool    `yaml:"disable-http-tracing"`
	ShutdownTimeout         string  `yaml:"shutdown-timeout"`
	LogLevel                string  `yaml:"log-level"`
}

func defaultConfigYAML(overrides ...func(*configDefaults)) ([]byte, error) {
	defaults := configDefaults{
		Listen:                  objq.DefaultListen,
		ListenProto:             objq.DefaultListenProto,
		Store:                   objq.DefaultStore,
		QueuePrefix:             objq.DefaultQueuePrefix,
		DefaultLease:            objq.DefaultLease.String(),
		MaxLease:                objq.DefaultMaxLease.String(),
		PollInterval:            objq.DefaultPollInterval.String(),
		ListingLimit:            objq.DefaultListingLimit,
		MaxObjectName:           objq.DefaultMaxObjectNameLength,
		MaxContainerName:        objq.DefaultMaxContainerNameLength,
		MaxPayload:              strconv.FormatInt(objq.DefaultMaxPayloadBytes, 10),
		StorageRetryMaxAttempts: objq.DefaultStorageRetryMaxAttempts,
		StorageRetryBaseDelay:   objq.DefaultStorageRetryBaseDelay.String(),
		StorageRetryMaxDelay:    objq.DefaultStorageRetryMaxDelay.String(),
		StorageRetryMultiplier:  objq.DefaultStorageRetryMultiplier,
		StoreBufferBudget:       humanizeBytes(objq.DefaultS3BufferBudget),
		ShutdownTimeout:         objq.DefaultShutdownTimeout.String(),
		LogLevel:                "info",
	}
	for _, fn := range overrides {
		if fn != nil {
			fn(&defaults)
		}
	}
	out, err := yaml.Marshal(&defaults)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return out, nil
}
