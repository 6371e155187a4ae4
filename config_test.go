package objq

import (
	"strings"
	"testing"
	"time"
)

func TestConfigValidateDefaults(t *testing.T) {
	var cfg Config
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.Listen != DefaultListen || cfg.ListenProto != DefaultListenProto || cfg.Store != DefaultStore {
		t.Fatalf("unexpected listener/store defaults: %+v", cfg)
	}
	if cfg.QueuePrefix != ".queue-" {
		t.Fatalf("queue prefix = %q", cfg.QueuePrefix)
	}
	if cfg.DefaultLease != 30*time.Second || cfg.MaxLease != 12*time.Hour {
		t.Fatalf("lease defaults = %s/%s", cfg.DefaultLease, cfg.MaxLease)
	}
	if cfg.ListingLimit != 10000 || cfg.MaxObjectNameLength != 1024 || cfg.MaxContainerNameLength != 256 {
		t.Fatalf("limit defaults = %+v", cfg)
	}
	if cfg.MaxPayloadBytes != 5*1024*1024*1024+2 {
		t.Fatalf("max payload = %d", cfg.MaxPayloadBytes)
	}
	if cfg.StorageRetryMaxAttempts != DefaultStorageRetryMaxAttempts || cfg.StorageRetryMultiplier != DefaultStorageRetryMultiplier {
		t.Fatalf("retry defaults = %+v", cfg)
	}
}

func TestConfigValidateRejects(t *testing.T) {
	cases := map[string]struct {
		cfg  Config
		want string
	}{
		"proto":           {Config{ListenProto: "udp"}, "listen proto"},
		"lease order":     {Config{DefaultLease: time.Hour, MaxLease: time.Minute}, "max lease"},
		"negative lease":  {Config{DefaultLease: -time.Second}, "leases"},
		"listing limit":   {Config{ListingLimit: -1}, "listing limit"},
		"prefix too long": {Config{QueuePrefix: strings.Repeat("p", 10), MaxContainerNameLength: 10}, "queue prefix"},
		"retry delays":    {Config{StorageRetryBaseDelay: time.Second, StorageRetryMaxDelay: time.Millisecond}, "retry max delay"},
		"sse":             {Config{S3SSE: "rot13"}, "s3 sse"},
		"profiling":       {Config{EnableProfilingMetrics: true}, "metrics-listen"},
		"snappy":          {Config{StorageEncryptionSnappy: true}, "storage key file"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := tc.cfg
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}

func TestQueueConfigProjection(t *testing.T) {
	cfg := Config{QueuePrefix: "q-", DefaultLease: time.Minute, MaxLease: time.Hour, ListingLimit: 7, MaxPayloadBytes: 99}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	qc := cfg.QueueConfig()
	if qc.QueuePrefix != "q-" || qc.DefaultLease != time.Minute || qc.MaxLease != time.Hour {
		t.Fatalf("queue config = %+v", qc)
	}
	if qc.Limits.ListingLimit != 7 || qc.Limits.MaxPayloadBytes != 99 || qc.Limits.MaxObjectNameLength != DefaultMaxObjectNameLength {
		t.Fatalf("limits = %+v", qc.Limits)
	}
}

func TestDefaultConfigDirOverride(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("OBJQ_CONFIG_DIR", dir)
	got, err := DefaultConfigDir()
	if err != nil {
		t.Fatalf("default config dir: %v", err)
	}
	if got != dir {
		t.Fatalf("expected %s, got %s", dir, got)
	}
}
