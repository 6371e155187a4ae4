package main

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"

	"pkt.systems/objq"
	"pkt.systems/pslog"
)

func executeRootCommand(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	t.Setenv("OBJQ_CONFIG", "")
	t.Setenv("OBJQ_CONFIG_DIR", t.TempDir())
	cmd := newRootCommand(pslog.NewStructured(context.Background(), io.Discard))
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetIn(bytes.NewReader(nil))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func TestInvocationTargetsRootCommand(t *testing.T) {
	root := newRootCommand(pslog.NewStructured(context.Background(), io.Discard))
	cases := []struct {
		name string
		args []string
		want bool
	}{
		{name: "no args", args: nil, want: true},
		{name: "root flag only", args: []string{"--store", "mem://"}, want: true},
		{name: "root flag with equals", args: []string{"--listen=:0"}, want: true},
		{name: "config shorthand with value", args: []string{"-c", "/tmp/cfg.yaml"}, want: true},
		{name: "serve subcommand", args: []string{"serve", "--store", "mem://"}, want: true},
		{name: "subcommand", args: []string{"queue", "list"}, want: false},
		{name: "subcommand alias", args: []string{"q", "list"}, want: false},
		{name: "subcommand after root flag", args: []string{"--config", "/tmp/cfg.yaml", "queue", "list"}, want: false},
		{name: "unknown shorthand no subcommand", args: []string{"-z"}, want: true},
		{name: "unknown long before subcommand", args: []string{"--bogus", "queue", "list"}, want: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := invocationTargetsRootCommand(root, tc.args); got != tc.want {
				t.Fatalf("invocationTargetsRootCommand(%v)=%v want %v", tc.args, got, tc.want)
			}
		})
	}
}

func TestServeFlagsMatchBoundNames(t *testing.T) {
	root := newRootCommand(pslog.NewStructured(context.Background(), io.Discard))
	serve, _, err := root.Find([]string{"serve"})
	if err != nil {
		t.Fatalf("find serve: %v", err)
	}
	for _, name := range serverFlagNames {
		if root.Flags().Lookup(name) == nil {
			t.Fatalf("root missing flag %q", name)
		}
		if serve.Flags().Lookup(name) == nil {
			t.Fatalf("serve missing flag %q", name)
		}
	}
}

func TestBindConfigFromFile(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)
	dir := t.TempDir()
	path := filepath.Join(dir, "objq.yaml")
	data := []byte("store: disk:///var/lib/objq\nmax-payload: 2MiB\ndefault-lease: 45s\nlisting-limit: 50\ndisable-disk-watch: true\ns3-buffer-budget: 8MiB\n")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	viper.Set("config", path)
	loaded, err := loadConfigFile()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if loaded != path {
		t.Fatalf("loaded %q want %q", loaded, path)
	}
	var cfg objq.Config
	if err := bindConfig(&cfg); err != nil {
		t.Fatalf("bind config: %v", err)
	}
	if cfg.Store != "disk:///var/lib/objq" {
		t.Fatalf("store %q", cfg.Store)
	}
	if cfg.MaxPayloadBytes != 2<<20 {
		t.Fatalf("max payload %d", cfg.MaxPayloadBytes)
	}
	if cfg.S3BufferBudget != 8<<20 {
		t.Fatalf("buffer budget %d", cfg.S3BufferBudget)
	}
	if cfg.DefaultLease.Seconds() != 45 || cfg.ListingLimit != 50 {
		t.Fatalf("unexpected queue tunables: %+v", cfg)
	}
	if cfg.DiskChangeFeed || !cfg.MemChangeFeed {
		t.Fatalf("unexpected change feed toggles: disk=%v mem=%v", cfg.DiskChangeFeed, cfg.MemChangeFeed)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestBindConfigRejectsBadSize(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)
	viper.Set("max-payload", "lots")
	var cfg objq.Config
	if err := bindConfig(&cfg); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestLoadConfigFileExplicitMissing(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)
	viper.Set("config", filepath.Join(t.TempDir(), "missing.yaml"))
	if _, err := loadConfigFile(); err == nil {
		t.Fatal("expected error for explicit missing config")
	}
}

func TestLoadConfigFileImplicitMissing(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)
	t.Setenv("OBJQ_CONFIG_DIR", t.TempDir())
	path, err := loadConfigFile()
	if err != nil || path != "" {
		t.Fatalf("expected no config, got %q err=%v", path, err)
	}
}

func TestExpandPathHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	got, err := expandPath("~/objq.yaml")
	if err != nil {
		t.Fatalf("expand: %v", err)
	}
	if got != filepath.Join(home, "objq.yaml") {
		t.Fatalf("expanded to %q", got)
	}
}

func TestHumanizeBytes(t *testing.T) {
	if got := humanizeBytes(64 << 20); got != "64MiB" {
		t.Fatalf("humanizeBytes=%q", got)
	}
}
