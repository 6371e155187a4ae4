package inprocess_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"pkt.systems/objq"
	"pkt.systems/objq/client"
	"pkt.systems/objq/client/inprocess"
)

func TestNewRejectsNonUnixSockets(t *testing.T) {
	t.Parallel()

	cfg := objq.Config{
		ListenProto: "tcp",
		Store:       "mem://",
	}
	cli, err := inprocess.New(context.Background(), cfg)
	if err == nil {
		_ = cli.Close(context.Background())
		t.Fatal("expected error when ListenProto is not unix")
	}
}

func TestNewRunsServerAndCloseIsIdempotent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	inproc, err := inprocess.New(ctx, objq.Config{Store: "mem://"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer func() {
		if err := inproc.Close(ctx); err != nil {
			t.Fatalf("Close: %v", err)
		}
	}()

	id, err := inproc.Enqueue(ctx, "acct", "jobs", strings.NewReader("payload"), client.EnqueueOptions{})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	msg, err := inproc.ClaimByID(ctx, "acct", "jobs", id, client.ClaimOptions{Lease: 5 * time.Second})
	if err != nil {
		t.Fatalf("ClaimByID: %v", err)
	}
	if string(msg.Body) != "payload" {
		t.Fatalf("body = %q", msg.Body)
	}
	deleted, err := inproc.Acknowledge(ctx, "acct", "jobs", id)
	if err != nil || !deleted {
		t.Fatalf("Acknowledge: deleted=%v err=%v", deleted, err)
	}

	// Close twice to ensure idempotency.
	if err := inproc.Close(ctx); err != nil {
		t.Fatalf("Close first call: %v", err)
	}
	if err := inproc.Close(ctx); err != nil {
		t.Fatalf("Close second call: %v", err)
	}
}
