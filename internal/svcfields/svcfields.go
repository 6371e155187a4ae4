// Package svcfields holds the logging field conventions shared by the
// server, the queue service and the CLI.
package svcfields

import (
	"context"
	"strings"

	"pkt.systems/pslog"
)

// SubsystemKey tags every entry with the dotted path of the component that
// logged it.
const SubsystemKey = pslog.TrustedString("sys")

const (
	SysServer  = "server"
	SysHTTP    = "api.http"
	SysQueue   = "queue"
	SysStorage = "storage"
	SysTelem   = "telemetry"
	SysCLI     = "cli"
	SysClient  = "client.sdk"
)

// Subsystem joins parts with dots, dropping empty parts and stray dots.
func Subsystem(parts ...string) string {
	var b strings.Builder
	for _, part := range parts {
		part = strings.Trim(part, ". ")
		if part == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('.')
		}
		b.WriteString(part)
	}
	return b.String()
}

// WithSubsystem returns logger tagged with sys. A nil logger becomes a noop
// logger so callers never need to guard.
func WithSubsystem(logger pslog.Logger, sys ...string) pslog.Logger {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	if path := Subsystem(sys...); path != "" {
		return logger.With(SubsystemKey, path)
	}
	return logger
}

// Logger prefers the request-scoped logger in ctx over fallback.
func Logger(ctx context.Context, fallback pslog.Logger) pslog.Logger {
	if ctx != nil {
		if l := pslog.LoggerFromContext(ctx); l != nil {
			return l
		}
	}
	if fallback != nil {
		return fallback
	}
	return pslog.NoopLogger()
}
