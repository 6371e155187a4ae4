package correlation

import (
	"context"
	"strings"
	"testing"
)

func TestNormalize(t *testing.T) {
	valid := "abc-123"
	if got, ok := Normalize(valid); !ok || got != valid {
		t.Fatalf("expected %q to normalize, got %q ok=%v", valid, got, ok)
	}
	if got, ok := Normalize("  xyz  "); !ok || got != "xyz" {
		t.Fatalf("expected trimmed normalize to xyz, got %q ok=%v", got, ok)
	}
	if _, ok := Normalize(""); ok {
		t.Fatal("empty id should be invalid")
	}
	if _, ok := Normalize(strings.Repeat("a", MaxIDLength+1)); ok {
		t.Fatal("overlong id should be invalid")
	}
	if _, ok := Normalize("bad\x01suffix"); ok {
		t.Fatal("non-printable should be invalid")
	}
}

func TestSetAndGet(t *testing.T) {
	ctx := context.Background()
	if Has(ctx) {
		t.Fatalf("expected empty context to have no correlation id")
	}
	ctx = Set(ctx, "")
	if Has(ctx) {
		t.Fatalf("expected invalid set to be ignored")
	}
	ctx = Set(ctx, "foo")
	if got := ID(ctx); got != "foo" {
		t.Fatalf("expected foo, got %q", got)
	}
}

func TestEnsure(t *testing.T) {
	ctx, id := Ensure(context.Background(), "caller-id")
	if id != "caller-id" || ID(ctx) != "caller-id" {
		t.Fatalf("expected caller id to be kept, got %q", id)
	}
	ctx2, id2 := Ensure(ctx, "other")
	if id2 != "caller-id" || ctx2 != ctx {
		t.Fatalf("expected existing id to win, got %q", id2)
	}
	_, generated := Ensure(context.Background(), "bad\x01")
	if generated == "" || generated == "bad\x01" {
		t.Fatalf("expected generated id, got %q", generated)
	}
}

func TestGenerate(t *testing.T) {
	id := Generate()
	if len(id) != 20 {
		t.Fatalf("expected 20 character xid, got %q", id)
	}
	if _, ok := Normalize(id); !ok {
		t.Fatalf("generated id should be valid, got %q", id)
	}
	if Generate() == id {
		t.Fatal("expected unique ids")
	}
}
