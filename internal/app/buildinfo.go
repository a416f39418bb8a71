package app

import (
	"fmt"
	"runtime/debug"
	"strings"
	"time"
)

var (
	// Version is filled by ldflags in release builds.
	Version = "dev"
	// BuildDate is filled by ldflags in release builds.
	BuildDate = ""
)

// BuildVersion prefers the ldflags version, then the module version recorded by
// `go install`, then "dev".
func BuildVersion() string {
	if version := strings.TrimSpace(Version); version != "" && version != "dev" {
		return version
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		if v := info.Main.Version; v != "" && v != "(devel)" {
			return v
		}
	}

	return "dev"
}

// BuildDateYMD returns the build date as YYYY-MM-DD when it can be parsed.
func BuildDateYMD() string {
	raw := strings.TrimSpace(BuildDate)
	if raw == "" {
		return ""
	}
	if parsed, err := time.Parse(time.RFC3339, raw); err == nil {
		return parsed.UTC().Format(time.DateOnly)
	}
	if len(raw) >= len(time.DateOnly) {
		if _, err := time.Parse(time.DateOnly, raw[:len(time.DateOnly)]); err == nil {
			return raw[:len(time.DateOnly)]
		}
	}

	return raw
}

// UserAgent identifies the client in discovery requests.
func UserAgent() string {
	if date := BuildDateYMD(); date != "" {
		return fmt.Sprintf("%s/%s (%s)", Name, BuildVersion(), date)
	}

	return fmt.Sprintf("%s/%s", Name, BuildVersion())
}
