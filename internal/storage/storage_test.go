package storage_test

import (
	"errors"
	"testing"

	"pkt.systems/objq/internal/storage"
)

func TestNewTransientErrorWraps(t *testing.T) {
	t.Parallel()

	err := errors.New("boom")
	wrapped := storage.NewTransientError(err)
	if wrapped == nil {
		t.Fatal("expected wrapped error")
	}
	if !errors.Is(wrapped, err) {
		t.Fatal("wrapped error should contain original")
	}
	if !storage.IsTransient(wrapped) {
		t.Fatal("expected IsTransient to detect wrapped error")
	}
	if storage.IsTransient(err) {
		t.Fatal("plain error should not be transient")
	}
}

func TestNewTransientErrorHandlesNil(t *testing.T) {
	t.Parallel()

	if storage.NewTransientError(nil) != nil {
		t.Fatal("nil input should return nil")
	}
}

func TestFlatLayoutKeys(t *testing.T) {
	t.Parallel()

	layout := storage.NewFlatLayout("/objq/")
	ref := storage.ContainerRef{Account: "acct", Container: ".queue-orders"}

	marker, err := layout.ContainerMarker(ref)
	if err != nil {
		t.Fatalf("marker: %v", err)
	}
	if marker != "objq/acct/c/.queue-orders" {
		t.Fatalf("unexpected marker %q", marker)
	}
	obj, err := layout.Object(ref, "0000000001abc001/msg")
	if err != nil {
		t.Fatalf("object: %v", err)
	}
	if obj != "objq/acct/o/.queue-orders/0000000001abc001/msg" {
		t.Fatalf("unexpected object key %q", obj)
	}

	flat, trim, err := layout.ObjectListing(ref, storage.ListOptions{Prefix: "01", StartAfter: "01/msg", Limit: 5})
	if err != nil {
		t.Fatalf("listing: %v", err)
	}
	if trim != "objq/acct/o/.queue-orders/" {
		t.Fatalf("unexpected trim %q", trim)
	}
	if flat.Prefix != trim+"01" || flat.StartAfter != trim+"01/msg" || flat.Limit != 5 {
		t.Fatalf("unexpected flat options %+v", flat)
	}
}

func TestFlatLayoutWithoutPrefix(t *testing.T) {
	t.Parallel()

	layout := storage.NewFlatLayout("")
	prefix, err := layout.ContainerMarkerPrefix("acct")
	if err != nil {
		t.Fatalf("prefix: %v", err)
	}
	if prefix != "acct/c/" {
		t.Fatalf("unexpected prefix %q", prefix)
	}
}

func TestContainerRefValidate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		ref  storage.ContainerRef
		ok   bool
	}{
		{name: "valid", ref: storage.ContainerRef{Account: "a", Container: "q"}, ok: true},
		{name: "missing account", ref: storage.ContainerRef{Container: "q"}},
		{name: "missing container", ref: storage.ContainerRef{Account: "a"}},
		{name: "slash", ref: storage.ContainerRef{Account: "a", Container: "x/y"}},
		{name: "dotdot", ref: storage.ContainerRef{Account: "a", Container: ".."}},
	}
	for _, tc := range cases {
		err := tc.ref.Validate()
		if tc.ok && err != nil {
			t.Fatalf("%s: unexpected error %v", tc.name, err)
		}
		if !tc.ok && err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
	}
}

func TestValidateKey(t *testing.T) {
	t.Parallel()

	for _, key := range []string{"", "/abs", "a//b", "a/../b", "a/"} {
		if err := storage.ValidateKey(key); err == nil {
			t.Fatalf("expected %q to be rejected", key)
		}
	}
	if err := storage.ValidateKey("0123/msg"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
