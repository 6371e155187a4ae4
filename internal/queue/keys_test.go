package queue

import (
	"errors"
	"testing"
)

func TestParseKey(t *testing.T) {
	cases := []struct {
		raw  string
		id   string
		kind KeyKind
	}{
		{raw: "19a2b3c4d5eabc001/msg", id: "19a2b3c4d5eabc001", kind: KindPayload},
		{raw: "19a2b3c4d5eabc001/deleted", id: "19a2b3c4d5eabc001", kind: KindTombstone},
		{raw: "19a2b3c4d5eabc001/19a2b3c4d5fabc002", id: "19a2b3c4d5eabc001", kind: KindClaim},
	}
	for _, tc := range cases {
		key, err := ParseKey(tc.raw)
		if err != nil {
			t.Fatalf("parse %q: %v", tc.raw, err)
		}
		if key.MessageID != tc.id || key.Kind() != tc.kind {
			t.Fatalf("parse %q: got %+v kind=%s", tc.raw, key, key.Kind())
		}
		if key.String() != tc.raw {
			t.Fatalf("round trip %q: got %q", tc.raw, key.String())
		}
	}
}

func TestParseKeyRejectsMalformed(t *testing.T) {
	for _, raw := range []string{"", "noseparator", "/msg", "id/", "id/a/b", "../msg"} {
		if _, err := ParseKey(raw); !errors.Is(err, ErrMalformedState) {
			t.Fatalf("expected %q to be malformed, got %v", raw, err)
		}
	}
}

func TestKeyBuilders(t *testing.T) {
	id := "19a2b3c4d5eabc001"
	if PayloadKey(id) != id+"/msg" {
		t.Fatalf("unexpected payload key %q", PayloadKey(id))
	}
	if TombstoneKey(id) != id+"/deleted" {
		t.Fatalf("unexpected tombstone key %q", TombstoneKey(id))
	}
	if ClaimKey(id, "c") != id+"/c" {
		t.Fatalf("unexpected claim key %q", ClaimKey(id, "c"))
	}
	if MessagePrefix(id) != id+"/" {
		t.Fatalf("unexpected prefix %q", MessagePrefix(id))
	}
}

func TestValidateMessageID(t *testing.T) {
	for _, id := range []string{"", ".", "..", "a/b", "with space", "tab\t"} {
		if err := ValidateMessageID(id); err == nil {
			t.Fatalf("expected %q to be rejected", id)
		}
	}
	if err := ValidateMessageID("19a2b3c4d5eabc001"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
