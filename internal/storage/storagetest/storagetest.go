// Package storagetest holds a behavioural suite every storage.Backend must
// pass. Backend packages call Run from their own tests.
package storagetest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"pkt.systems/objq/internal/storage"
)

// Options toggles checks that not every backend can honour.
type Options struct {
	// ChangeFeed asserts the backend implements storage.ChangeFeed and
	// signals on writes.
	ChangeFeed bool
	// ConditionalCreate asserts that IfNotExists on an existing key fails
	// with storage.ErrConflict.
	ConditionalCreate bool
	// AtomicCreate asserts that concurrent IfNotExists writes of one key
	// produce exactly one winner.
	AtomicCreate bool
	// TransformedSize skips size checks for wrappers that store a different
	// representation of the body than they return.
	TransformedSize bool
}

// Factory returns a fresh, empty backend. Cleanup is the factory's job.
type Factory func(t *testing.T) storage.Backend

// Run executes the suite against backends produced by open.
func Run(t *testing.T, open Factory, opts Options) {
	t.Helper()
	t.Run("Containers", func(t *testing.T) { testContainers(t, open(t)) })
	t.Run("RoundTrip", func(t *testing.T) { testRoundTrip(t, open(t), !opts.TransformedSize) })
	t.Run("ConditionalPut", func(t *testing.T) { testConditionalPut(t, open(t), opts.ConditionalCreate) })
	t.Run("Delete", func(t *testing.T) { testDelete(t, open(t)) })
	t.Run("Listing", func(t *testing.T) { testListing(t, open(t)) })
	t.Run("MissingContainer", func(t *testing.T) { testMissingContainer(t, open(t)) })
	if opts.AtomicCreate {
		t.Run("AtomicCreate", func(t *testing.T) { testAtomicCreate(t, open(t)) })
	}
	if opts.ChangeFeed {
		t.Run("ChangeFeed", func(t *testing.T) { testChangeFeed(t, open(t)) })
	}
}

var ref = storage.ContainerRef{Account: "acct", Container: ".queue-suite"}

func ensure(t *testing.T, store storage.Backend, r storage.ContainerRef) {
	t.Helper()
	if err := store.EnsureContainer(context.Background(), r); err != nil {
		t.Fatalf("ensure %s: %v", r, err)
	}
}

func put(t *testing.T, store storage.Backend, key, body string, opts storage.PutObjectOptions) *storage.ObjectInfo {
	t.Helper()
	info, err := store.PutObject(context.Background(), ref, key, strings.NewReader(body), opts)
	if err != nil {
		t.Fatalf("put %s: %v", key, err)
	}
	return info
}

func read(t *testing.T, store storage.Backend, key string) (string, *storage.ObjectInfo) {
	t.Helper()
	res, err := store.GetObject(context.Background(), ref, key)
	if err != nil {
		t.Fatalf("get %s: %v", key, err)
	}
	defer res.Reader.Close()
	data, err := io.ReadAll(res.Reader)
	if err != nil {
		t.Fatalf("read %s: %v", key, err)
	}
	return string(data), res.Info
}

func testContainers(t *testing.T, store storage.Backend) {
	ctx := context.Background()
	res, err := store.ListContainers(ctx, "acct", storage.ListOptions{})
	if err != nil {
		t.Fatalf("list empty account: %v", err)
	}
	if len(res.Objects) != 0 {
		t.Fatalf("expected no containers, got %+v", res.Objects)
	}
	names := []string{".queue-b", ".queue-a", "other"}
	for _, name := range names {
		r := storage.ContainerRef{Account: "acct", Container: name}
		ensure(t, store, r)
		ensure(t, store, r)
	}
	ensure(t, store, storage.ContainerRef{Account: "elsewhere", Container: ".queue-z"})

	var got []string
	opts := storage.ListOptions{Limit: 1}
	for {
		page, err := store.ListContainers(ctx, "acct", opts)
		if err != nil {
			t.Fatalf("list containers: %v", err)
		}
		for _, obj := range page.Objects {
			got = append(got, obj.Key)
		}
		if !page.Truncated {
			break
		}
		opts.StartAfter = page.NextStartAfter
	}
	if want := ".queue-a,.queue-b,other"; strings.Join(got, ",") != want {
		t.Fatalf("containers = %v want %s", got, want)
	}
	res, err = store.ListContainers(ctx, "acct", storage.ListOptions{Prefix: ".queue-"})
	if err != nil {
		t.Fatalf("list containers with prefix: %v", err)
	}
	if len(res.Objects) != 2 {
		t.Fatalf("expected two prefixed containers, got %+v", res.Objects)
	}
}

func testRoundTrip(t *testing.T, store storage.Backend, checkSize bool) {
	ensure(t, store, ref)
	info := put(t, store, "m1/msg", `{"n":1}`, storage.PutObjectOptions{ContentType: storage.ContentTypeJSON})
	if info.ETag == "" {
		t.Fatal("expected etag from put")
	}
	head, err := store.HeadObject(context.Background(), ref, "m1/msg")
	if err != nil {
		t.Fatalf("head: %v", err)
	}
	if head.ETag != info.ETag {
		t.Fatalf("head etag %q want %q", head.ETag, info.ETag)
	}
	if checkSize && head.Size != int64(len(`{"n":1}`)) {
		t.Fatalf("head size %d", head.Size)
	}
	body, got := read(t, store, "m1/msg")
	if body != `{"n":1}` {
		t.Fatalf("body %q", body)
	}
	if got.ContentType != storage.ContentTypeJSON {
		t.Fatalf("content type %q", got.ContentType)
	}
	if got.ETag != info.ETag {
		t.Fatalf("get etag %q want %q", got.ETag, info.ETag)
	}
	empty := put(t, store, "m1/deleted", "", storage.PutObjectOptions{})
	if empty.ETag == "" {
		t.Fatal("expected etag for empty object")
	}
	if body, _ := read(t, store, "m1/deleted"); body != "" {
		t.Fatalf("expected empty body, got %q", body)
	}
	if _, err := store.HeadObject(context.Background(), ref, "m2/msg"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("head missing: expected ErrNotFound, got %v", err)
	}
	if _, err := store.GetObject(context.Background(), ref, "m2/msg"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("get missing: expected ErrNotFound, got %v", err)
	}
}

func testConditionalPut(t *testing.T, store storage.Backend, create bool) {
	ctx := context.Background()
	ensure(t, store, ref)
	first := put(t, store, "m1/claim", "one", storage.PutObjectOptions{IfNotExists: true})
	if create {
		_, err := store.PutObject(ctx, ref, "m1/claim", strings.NewReader("two"), storage.PutObjectOptions{IfNotExists: true})
		if !errors.Is(err, storage.ErrConflict) {
			t.Fatalf("expected ErrConflict for existing key, got %v", err)
		}
		if body, _ := read(t, store, "m1/claim"); body != "one" {
			t.Fatalf("conditional create overwrote object: %q", body)
		}
	}
	_, err := store.PutObject(ctx, ref, "m1/claim", strings.NewReader("three"), storage.PutObjectOptions{ExpectedETag: "bogus"})
	if !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("expected ErrConflict for etag mismatch, got %v", err)
	}
	second, err := store.PutObject(ctx, ref, "m1/claim", bytes.NewReader([]byte("four")), storage.PutObjectOptions{ExpectedETag: first.ETag})
	if err != nil {
		t.Fatalf("put with matching etag: %v", err)
	}
	if second.ETag == "" || second.ETag == first.ETag {
		t.Fatalf("expected a new etag, got %q (was %q)", second.ETag, first.ETag)
	}
	if body, _ := read(t, store, "m1/claim"); body != "four" {
		t.Fatalf("body after swap %q", body)
	}
}

func testDelete(t *testing.T, store storage.Backend) {
	ctx := context.Background()
	ensure(t, store, ref)
	info := put(t, store, "m1/msg", "x", storage.PutObjectOptions{})
	if err := store.DeleteObject(ctx, ref, "m1/msg", storage.DeleteObjectOptions{ExpectedETag: "bogus"}); !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("expected ErrConflict deleting with wrong etag, got %v", err)
	}
	if err := store.DeleteObject(ctx, ref, "m1/msg", storage.DeleteObjectOptions{ExpectedETag: info.ETag}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.HeadObject(ctx, ref, "m1/msg"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	if err := store.DeleteObject(ctx, ref, "m1/msg", storage.DeleteObjectOptions{IgnoreNotFound: true}); err != nil {
		t.Fatalf("delete missing with IgnoreNotFound: %v", err)
	}
}

func testListing(t *testing.T, store storage.Backend) {
	ctx := context.Background()
	ensure(t, store, ref)
	keys := []string{"c/msg", "a/msg", "b/deleted", "a/zz1", "b/msg", "ab/msg"}
	for _, key := range keys {
		put(t, store, key, key, storage.PutObjectOptions{})
	}
	want := []string{"a/msg", "a/zz1", "ab/msg", "b/deleted", "b/msg", "c/msg"}

	for _, limit := range []int{1, 2, 4, 100} {
		var got []string
		opts := storage.ListOptions{Limit: limit}
		for pages := 0; ; pages++ {
			if pages > len(want)+1 {
				t.Fatalf("limit %d: pagination did not terminate", limit)
			}
			page, err := store.ListObjects(ctx, ref, opts)
			if err != nil {
				t.Fatalf("limit %d: list: %v", limit, err)
			}
			if len(page.Objects) > limit {
				t.Fatalf("limit %d: page of %d objects", limit, len(page.Objects))
			}
			for _, obj := range page.Objects {
				got = append(got, obj.Key)
			}
			if !page.Truncated {
				break
			}
			opts.StartAfter = page.NextStartAfter
		}
		if fmt.Sprint(got) != fmt.Sprint(want) {
			t.Fatalf("limit %d: keys = %v want %v", limit, got, want)
		}
	}

	page, err := store.ListObjects(ctx, ref, storage.ListOptions{Prefix: "a/"})
	if err != nil {
		t.Fatalf("list prefix: %v", err)
	}
	if len(page.Objects) != 2 || page.Objects[0].Key != "a/msg" || page.Objects[1].Key != "a/zz1" {
		t.Fatalf("prefix listing %+v", page.Objects)
	}
	page, err = store.ListObjects(ctx, ref, storage.ListOptions{StartAfter: "b/deleted"})
	if err != nil {
		t.Fatalf("list start-after: %v", err)
	}
	if len(page.Objects) != 2 || page.Objects[0].Key != "b/msg" {
		t.Fatalf("start-after listing %+v", page.Objects)
	}
	all, err := storage.ListAll(ctx, store, ref, storage.ListOptions{Prefix: "b/", Limit: 1})
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("list all returned %+v", all)
	}
}

func testMissingContainer(t *testing.T, store storage.Backend) {
	missing := storage.ContainerRef{Account: "acct", Container: ".queue-missing"}
	_, err := store.ListObjects(context.Background(), missing, storage.ListOptions{})
	if !errors.Is(err, storage.ErrContainerNotFound) {
		t.Fatalf("expected ErrContainerNotFound, got %v", err)
	}
}

func testAtomicCreate(t *testing.T, store storage.Backend) {
	ensure(t, store, ref)
	const writers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		wins      int
		conflicts int
		others    []error
	)
	start := make(chan struct{})
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, err := store.PutObject(context.Background(), ref, "m1/deleted", strings.NewReader(fmt.Sprint(i)), storage.PutObjectOptions{IfNotExists: true})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, storage.ErrConflict):
				conflicts++
			default:
				others = append(others, err)
			}
		}(i)
	}
	close(start)
	wg.Wait()
	if len(others) > 0 {
		t.Fatalf("unexpected errors: %v", others)
	}
	if wins != 1 || conflicts != writers-1 {
		t.Fatalf("wins=%d conflicts=%d", wins, conflicts)
	}
}

func testChangeFeed(t *testing.T, store storage.Backend) {
	feed, ok := store.(storage.ChangeFeed)
	if !ok {
		t.Fatalf("%T does not implement storage.ChangeFeed", store)
	}
	ensure(t, store, ref)
	sub, err := feed.SubscribeContainer(ref)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()
	put(t, store, "m1/msg", "x", storage.PutObjectOptions{})
	select {
	case <-sub.Events():
	case <-time.After(5 * time.Second):
		t.Fatal("no change event after put")
	}
	if err := sub.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}
