package logging_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"pkt.systems/pslog"

	"pkt.systems/objq/internal/correlation"
	"pkt.systems/objq/internal/storage"
	"pkt.systems/objq/internal/storage/logging"
	"pkt.systems/objq/internal/storage/memory"
)

func TestWrapPassesThrough(t *testing.T) {
	var buf bytes.Buffer
	logger := pslog.NewStructured(context.Background(), &buf).LogLevel(pslog.TraceLevel)
	inner := memory.New()
	wrapped := logging.Wrap(inner, logger, "storage.test")
	t.Cleanup(func() { _ = wrapped.Close() })

	ctx := correlation.Set(context.Background(), "corr-1")
	ref := storage.ContainerRef{Account: "acct", Container: ".queue-q"}
	if err := wrapped.EnsureContainer(ctx, ref); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if _, err := wrapped.PutObject(ctx, ref, "id/msg", bytes.NewBufferString("hello"), storage.PutObjectOptions{IfNotExists: true}); err != nil {
		t.Fatalf("put: %v", err)
	}
	res, err := wrapped.GetObject(ctx, ref, "id/msg")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	body, _ := io.ReadAll(res.Reader)
	_ = res.Reader.Close()
	if string(body) != "hello" {
		t.Fatalf("unexpected body %q", body)
	}
	if _, err := wrapped.HeadObject(ctx, ref, "id/deleted"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if !bytes.Contains(buf.Bytes(), []byte("storage.put_object.begin")) {
		t.Fatalf("expected trace events in log output, got %s", buf.String())
	}
	if !bytes.Contains(buf.Bytes(), []byte("corr-1")) {
		t.Fatalf("expected correlation id in log output, got %s", buf.String())
	}
}

func TestWrapForwardsChangeFeed(t *testing.T) {
	wrapped := logging.Wrap(memory.New(), nil, "storage.test")
	feed, ok := wrapped.(storage.ChangeFeed)
	if !ok {
		t.Fatal("expected wrapper to expose change feed")
	}
	ref := storage.ContainerRef{Account: "acct", Container: ".queue-q"}
	sub, err := feed.SubscribeContainer(ref)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	_ = sub.Close()
}
