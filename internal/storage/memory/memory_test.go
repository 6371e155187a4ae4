package memory

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"pkt.systems/objq/internal/storage"
	"pkt.systems/objq/internal/storage/storagetest"
)

var testRef = storage.ContainerRef{Account: "acct", Container: ".queue-orders"}

func newStore(t *testing.T) *Store {
	t.Helper()
	store := New()
	t.Cleanup(func() { _ = store.Close() })
	if err := store.EnsureContainer(context.Background(), testRef); err != nil {
		t.Fatalf("ensure container: %v", err)
	}
	return store
}

func TestPutObjectConditional(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	info, err := store.PutObject(ctx, testRef, "a/msg", bytes.NewBufferString("one"), storage.PutObjectOptions{IfNotExists: true})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if info.ETag == "" || info.Size != 3 {
		t.Fatalf("unexpected info %+v", info)
	}
	if _, err := store.PutObject(ctx, testRef, "a/msg", bytes.NewBufferString("two"), storage.PutObjectOptions{IfNotExists: true}); !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if _, err := store.PutObject(ctx, testRef, "a/msg", bytes.NewBufferString("two"), storage.PutObjectOptions{ExpectedETag: "wrong"}); !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("expected conflict on etag mismatch, got %v", err)
	}
	if _, err := store.PutObject(ctx, testRef, "a/msg", bytes.NewBufferString("two"), storage.PutObjectOptions{ExpectedETag: info.ETag}); err != nil {
		t.Fatalf("cas put: %v", err)
	}
	res, err := store.GetObject(ctx, testRef, "a/msg")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	body, _ := io.ReadAll(res.Reader)
	_ = res.Reader.Close()
	if string(body) != "two" {
		t.Fatalf("unexpected body %q", body)
	}
}

func TestMissingContainer(t *testing.T) {
	store := New()
	ctx := context.Background()
	if _, err := store.PutObject(ctx, testRef, "a/msg", bytes.NewBufferString("x"), storage.PutObjectOptions{}); !errors.Is(err, storage.ErrContainerNotFound) {
		t.Fatalf("expected container not found, got %v", err)
	}
	if _, err := store.ListObjects(ctx, testRef, storage.ListOptions{}); !errors.Is(err, storage.ErrContainerNotFound) {
		t.Fatalf("expected container not found on list, got %v", err)
	}
}

func TestHeadAndDelete(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	if _, err := store.HeadObject(ctx, testRef, "a/deleted"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := store.PutObject(ctx, testRef, "a/deleted", bytes.NewReader(nil), storage.PutObjectOptions{}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := store.HeadObject(ctx, testRef, "a/deleted"); err != nil {
		t.Fatalf("head: %v", err)
	}
	if err := store.DeleteObject(ctx, testRef, "a/deleted", storage.DeleteObjectOptions{}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := store.DeleteObject(ctx, testRef, "a/deleted", storage.DeleteObjectOptions{}); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found on second delete, got %v", err)
	}
	if err := store.DeleteObject(ctx, testRef, "a/deleted", storage.DeleteObjectOptions{IgnoreNotFound: true}); err != nil {
		t.Fatalf("ignore not found: %v", err)
	}
}

func TestListObjectsPrefixAndStartAfter(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	keys := []string{
		"001/msg",
		"002/0000000001aaa001",
		"002/deleted",
		"002/msg",
		"003/msg",
	}
	for _, key := range keys {
		if _, err := store.PutObject(ctx, testRef, key, bytes.NewBufferString("body"), storage.PutObjectOptions{}); err != nil {
			t.Fatalf("put object %s: %v", key, err)
		}
	}

	result, err := store.ListObjects(ctx, testRef, storage.ListOptions{Prefix: "002/", Limit: 2})
	if err != nil {
		t.Fatalf("list objects: %v", err)
	}
	if len(result.Objects) != 2 {
		t.Fatalf("expected 2 objects, got %d", len(result.Objects))
	}
	if result.Objects[0].Key != "002/0000000001aaa001" || result.Objects[1].Key != "002/deleted" {
		t.Fatalf("unexpected keys: %#v", result.Objects)
	}
	if !result.Truncated || result.NextStartAfter != "002/deleted" {
		t.Fatalf("unexpected truncation metadata: %+v", result)
	}

	result2, err := store.ListObjects(ctx, testRef, storage.ListOptions{Prefix: "002/", StartAfter: "002/deleted", Limit: 2})
	if err != nil {
		t.Fatalf("list objects start after: %v", err)
	}
	if len(result2.Objects) != 1 || result2.Objects[0].Key != "002/msg" {
		t.Fatalf("unexpected keys after start after: %#v", result2.Objects)
	}
	if result2.Truncated {
		t.Fatalf("did not expect truncation after consuming tail: %+v", result2)
	}

	result3, err := store.ListObjects(ctx, testRef, storage.ListOptions{Prefix: "002/", StartAfter: "001/msg", Limit: 2})
	if err != nil {
		t.Fatalf("list objects start after earlier key: %v", err)
	}
	if len(result3.Objects) == 0 || result3.Objects[0].Key != "002/0000000001aaa001" {
		t.Fatalf("expected to resume at first prefixed key, got %#v", result3.Objects)
	}

	all, err := storage.ListAll(ctx, store, testRef, storage.ListOptions{Limit: 2})
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != len(keys) {
		t.Fatalf("expected %d keys, got %d", len(keys), len(all))
	}
}

func TestListContainers(t *testing.T) {
	store := New()
	ctx := context.Background()
	for _, name := range []string{".queue-b", ".queue-a", "other"} {
		if err := store.EnsureContainer(ctx, storage.ContainerRef{Account: "acct", Container: name}); err != nil {
			t.Fatalf("ensure %s: %v", name, err)
		}
	}
	if err := store.EnsureContainer(ctx, storage.ContainerRef{Account: "else", Container: ".queue-z"}); err != nil {
		t.Fatalf("ensure foreign: %v", err)
	}
	res, err := store.ListContainers(ctx, "acct", storage.ListOptions{Prefix: ".queue-"})
	if err != nil {
		t.Fatalf("list containers: %v", err)
	}
	if len(res.Objects) != 2 || res.Objects[0].Key != ".queue-a" || res.Objects[1].Key != ".queue-b" {
		t.Fatalf("unexpected containers %#v", res.Objects)
	}
}

func TestSubscribeContainerSignalsOnWrite(t *testing.T) {
	store := newStore(t)
	sub, err := store.SubscribeContainer(testRef)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()
	if _, err := store.PutObject(context.Background(), testRef, "x/msg", bytes.NewBufferString("x"), storage.PutObjectOptions{}); err != nil {
		t.Fatalf("put: %v", err)
	}
	select {
	case <-sub.Events():
	case <-time.After(time.Second):
		t.Fatal("expected change notification")
	}
}

func TestSubscriptionCloseRacesWrites(t *testing.T) {
	store := newStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; ctx.Err() == nil; i++ {
			key := fmt.Sprintf("w%d/msg", i)
			if _, err := store.PutObject(ctx, testRef, key, bytes.NewBufferString("x"), storage.PutObjectOptions{}); err != nil {
				t.Errorf("put %s: %v", key, err)
				return
			}
		}
	}()
	for i := 0; i < 20000; i++ {
		sub, err := store.SubscribeContainer(testRef)
		if err != nil {
			t.Fatalf("subscribe: %v", err)
		}
		if err := sub.Close(); err != nil {
			t.Fatalf("close: %v", err)
		}
	}
	cancel()
	wg.Wait()
}

func TestSubscriptionCloseIsIdempotent(t *testing.T) {
	store := newStore(t)
	sub, err := store.SubscribeContainer(testRef)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	_ = sub.Close()
	_ = sub.Close()
	if _, ok := <-sub.Events(); ok {
		t.Fatal("events should be closed")
	}
	_ = store.Close()
	if _, err := store.PutObject(context.Background(), testRef, "after/msg", bytes.NewBufferString("x"), storage.PutObjectOptions{}); err != nil {
		t.Fatalf("put after close: %v", err)
	}
}

func TestBackendSuite(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Backend {
		store := New()
		t.Cleanup(func() { _ = store.Close() })
		return store
	}, storagetest.Options{ChangeFeed: true, ConditionalCreate: true, AtomicCreate: true})
}
