package objq

import (
	"context"
	"testing"
)

func TestResolveOTLPTarget(t *testing.T) {
	cases := []struct {
		raw  string
		want otlpTarget
	}{
		{"collector", otlpTarget{protocol: "grpc", endpoint: "collector:4317", insecure: true}},
		{"collector:5555", otlpTarget{protocol: "grpc", endpoint: "collector:5555", insecure: true}},
		{"grpcs://otel.example.com", otlpTarget{protocol: "grpc", endpoint: "otel.example.com:4317"}},
		{"http://otel:4318/v1/traces", otlpTarget{protocol: "http", endpoint: "otel:4318", path: "/v1/traces", insecure: true}},
		{"https://otel.example.com", otlpTarget{protocol: "http", endpoint: "otel.example.com:4318"}},
	}
	for _, tc := range cases {
		got, err := resolveOTLPTarget(tc.raw)
		if err != nil {
			t.Fatalf("%s: %v", tc.raw, err)
		}
		if got != tc.want {
			t.Fatalf("%s: got %+v want %+v", tc.raw, got, tc.want)
		}
	}
	for _, bad := range []string{"", "ftp://collector"} {
		if _, err := resolveOTLPTarget(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func TestSetupTelemetryDisabled(t *testing.T) {
	bundle, err := setupTelemetry(context.Background(), telemetrySettings{}, nil)
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	if bundle != nil {
		t.Fatalf("expected nil bundle when nothing is enabled")
	}
}

func TestSetupTelemetryProfilingNeedsMetrics(t *testing.T) {
	if _, err := setupTelemetry(context.Background(), telemetrySettings{runtimeMetrics: true}, nil); err == nil {
		t.Fatal("expected error when runtime metrics lack a metrics listener")
	}
}
