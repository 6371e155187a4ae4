package storage_test

import (
	"errors"
	"io"
	"strings"
	"testing"

	"pkt.systems/objq/internal/storage"
)

func TestUploadBufferSeekableBodyIsMeasured(t *testing.T) {
	t.Parallel()

	buf := storage.NewUploadBuffer(4)
	body := strings.NewReader("0123456789")
	if _, err := body.Seek(2, io.SeekStart); err != nil {
		t.Fatal(err)
	}
	sized, err := buf.Size(body)
	if err != nil {
		t.Fatalf("size: %v", err)
	}
	defer sized.Release()
	if sized.Length != 8 {
		t.Fatalf("length = %d want 8", sized.Length)
	}
	if sized.Reader != io.Reader(body) {
		t.Fatal("seekable body should pass through")
	}
}

func TestUploadBufferHoldsBudgetUntilRelease(t *testing.T) {
	t.Parallel()

	buf := storage.NewUploadBuffer(4)
	if _, err := buf.Size(io.MultiReader(strings.NewReader("12345"))); err == nil {
		t.Fatal("expected oversize body to fail")
	}
	first, err := buf.Size(io.MultiReader(strings.NewReader("123")))
	if err != nil {
		t.Fatalf("size: %v", err)
	}
	if first.Length != 3 {
		t.Fatalf("length = %d", first.Length)
	}
	_, err = buf.Size(io.MultiReader(strings.NewReader("1")))
	if !errors.Is(err, storage.ErrUploadBufferBusy) || !storage.IsTransient(err) {
		t.Fatalf("expected transient busy error, got %v", err)
	}
	first.Release()
	second, err := buf.Size(io.MultiReader(strings.NewReader("1")))
	if err != nil {
		t.Fatalf("size after release: %v", err)
	}
	second.Release()
	data, _ := io.ReadAll(first.Reader)
	if string(data) != "123" {
		t.Fatalf("buffered = %q", data)
	}
}

func TestUploadBufferNilPassesThrough(t *testing.T) {
	t.Parallel()

	var buf *storage.UploadBuffer
	sized, err := buf.Size(io.MultiReader(strings.NewReader("abc")))
	if err != nil {
		t.Fatalf("size: %v", err)
	}
	if sized.Length != -1 {
		t.Fatalf("length = %d want -1", sized.Length)
	}
	sized.Release()
	if buf.Max() != 0 {
		t.Fatal("nil buffer has no budget")
	}
}
