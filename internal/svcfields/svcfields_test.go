package svcfields

import (
	"context"
	"testing"

	"pkt.systems/pslog"
)

func TestSubsystem(t *testing.T) {
	cases := map[string][]string{
		"":                    nil,
		"queue":               {"queue"},
		"storage.s3":          {" storage. ", "", ".s3"},
		"api.http.claim_next": {SysHTTP, "claim_next"},
	}
	for want, parts := range cases {
		if got := Subsystem(parts...); got != want {
			t.Fatalf("Subsystem(%q) = %q, want %q", parts, got, want)
		}
	}
}

func TestWithSubsystemNilLogger(t *testing.T) {
	if WithSubsystem(nil, SysQueue) == nil {
		t.Fatal("expected logger")
	}
}

func TestLoggerFallback(t *testing.T) {
	fallback := pslog.NoopLogger()
	if Logger(context.Background(), fallback) == nil {
		t.Fatal("expected fallback logger")
	}
	if Logger(context.Background(), nil) == nil {
		t.Fatal("expected noop logger")
	}
}
