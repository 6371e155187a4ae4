package objq

import (
	"context"
	"strings"
	"testing"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/objq/client"
	"pkt.systems/objq/internal/storage"
	"pkt.systems/objq/internal/storage/memory"
)

func TestNewTestServerDefault(t *testing.T) {
	ts := StartTestServer(t, WithTestLoggerFromTB(t, pslog.InfoLevel))
	if ts.Client == nil {
		t.Fatal("expected auto client")
	}
	if !strings.HasPrefix(ts.URL(), "http://127.0.0.1:") {
		t.Fatalf("unexpected url %s", ts.URL())
	}
	if ts.Config.QueuePrefix != DefaultQueuePrefix {
		t.Fatalf("config not validated: %+v", ts.Config)
	}
}

func TestTestServerInjectedBackend(t *testing.T) {
	mem := memory.New()
	ts := StartTestServer(t, WithTestBackend(mem))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	id, err := ts.Client.Enqueue(ctx, "acct", "inject", strings.NewReader("x"), client.EnqueueOptions{})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	ref := storage.ContainerRef{Account: "acct", Container: DefaultQueuePrefix + "inject"}
	if _, err := mem.HeadObject(ctx, ref, id+"/msg"); err != nil {
		t.Fatalf("payload not in injected backend: %v", err)
	}
}

func TestTestServerNewClient(t *testing.T) {
	ts := StartTestServer(t, WithoutTestClient())
	if ts.Client != nil {
		t.Fatal("expected no bundled client")
	}
	cli, err := ts.NewClient(client.WithHTTPTimeout(time.Second))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if err := cli.Health(context.Background()); err != nil {
		t.Fatalf("health: %v", err)
	}
}

func TestNewTestServerUnixRequiresPath(t *testing.T) {
	_, err := NewTestServer(context.Background(), WithTestConfigFunc(func(cfg *Config) {
		cfg.ListenProto = "unix"
		cfg.Listen = ""
	}))
	if err == nil {
		t.Fatal("expected error for unix listener without path")
	}
}
