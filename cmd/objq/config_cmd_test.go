package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"

	"pkt.systems/objq"
)

func TestConfigGenWritesDefaults(t *testing.T) {
	out := filepath.Join(t.TempDir(), "nested", "config.yaml")
	stdout, _, err := executeRootCommand(t, "config", "gen", "--out", out)
	if err != nil {
		t.Fatalf("config gen: %v", err)
	}
	if !strings.Contains(stdout, out) {
		t.Fatalf("expected output path in %q", stdout)
	}
	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("read generated config: %v", err)
	}
	var got configDefaults
	if err := yaml.Unmarshal(data, &got); err != nil {
		t.Fatalf("parse generated config: %v", err)
	}
	if got.Store != objq.DefaultStore || got.QueuePrefix != objq.DefaultQueuePrefix {
		t.Fatalf("unexpected defaults: %+v", got)
	}
	if got.DefaultLease != objq.DefaultLease.String() {
		t.Fatalf("default lease %q", got.DefaultLease)
	}

	if _, _, err := executeRootCommand(t, "config", "gen", "--out", out); err == nil || !strings.Contains(err.Error(), "already exists") {
		t.Fatalf("expected refusal to overwrite, got %v", err)
	}
	if _, _, err := executeRootCommand(t, "config", "gen", "--out", out, "--force"); err != nil {
		t.Fatalf("config gen --force: %v", err)
	}
}

func TestConfigGenStdout(t *testing.T) {
	stdout, _, err := executeRootCommand(t, "config", "gen", "--stdout")
	if err != nil {
		t.Fatalf("config gen --stdout: %v", err)
	}
	if !strings.Contains(stdout, "store: mem://") {
		t.Fatalf("unexpected yaml:\n%s", stdout)
	}
	if _, _, err := executeRootCommand(t, "config", "gen", "--stdout", "--out", "x.yaml"); err == nil {
		t.Fatal("expected --stdout and --out to conflict")
	}
}

func TestConfigGenDefaultDir(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("OBJQ_CONFIG_DIR", dir)
	cmd := newConfigGenCommand()
	cmd.SetArgs(nil)
	cmd.SetOut(new(strings.Builder))
	if err := cmd.Execute(); err != nil {
		t.Fatalf("config gen: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, objq.DefaultConfigFileName)); err != nil {
		t.Fatalf("expected config in %s: %v", dir, err)
	}
}
