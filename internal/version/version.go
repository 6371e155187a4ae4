// Package version reports the objq build version from ldflags or Go build info.
package version

import (
	"runtime/debug"
	"strings"
	"time"
)

const (
	modulePath = "pkt.systems/objq"
	unknown    = "v0.0.0-unknown"
)

// buildVersion is set with
// -ldflags "-X pkt.systems/objq/internal/version.buildVersion=v1.2.3".
var buildVersion = ""

// Current returns the ldflags version, else the module version recorded by
// go install, else a pseudo-version built from the VCS stamp.
func Current() string {
	if v := strings.TrimSpace(buildVersion); v != "" {
		return v
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return unknown
	}
	if v := strings.TrimSpace(info.Main.Version); v != "" && v != "(devel)" {
		return v
	}
	if v := pseudoFromBuildInfo(info); v != "" {
		return v
	}
	return unknown
}

// Module returns the main module path of the running binary.
func Module() string {
	if info, ok := debug.ReadBuildInfo(); ok && strings.TrimSpace(info.Main.Path) != "" {
		return strings.TrimSpace(info.Main.Path)
	}
	return modulePath
}

// pseudoFromBuildInfo renders v0.0.0-<utc commit time>-<12 hex rev>, with
// +dirty for a modified work tree.
func pseudoFromBuildInfo(info *debug.BuildInfo) string {
	if info == nil {
		return ""
	}
	vcs := make(map[string]string, len(info.Settings))
	for _, s := range info.Settings {
		if name, ok := strings.CutPrefix(s.Key, "vcs."); ok {
			vcs[name] = s.Value
		}
	}
	rev := vcs["revision"]
	stamp, err := time.Parse(time.RFC3339, vcs["time"])
	if rev == "" || err != nil {
		return ""
	}
	v := "v0.0.0-" + stamp.UTC().Format("20060102150405") + "-" + rev[:min(len(rev), 12)]
	if vcs["modified"] == "true" {
		v += "+dirty"
	}
	return v
}
