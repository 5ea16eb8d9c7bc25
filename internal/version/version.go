// Package version holds the build information of the pitx binary.
//
// Version, Commit and Date are injected at build time via ldflags:
//
//	go build -ldflags "-X github.com/jmylchreest/pitx/internal/version.Version=x.y.z \
//	                   -X github.com/jmylchreest/pitx/internal/version.Commit=$(git rev-parse HEAD) \
//	                   -X github.com/jmylchreest/pitx/internal/version.Date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
package version

import (
	"fmt"
	"log/slog"
	"runtime"
	"strings"
)

// Build-time variables injected via ldflags.
var (
	// Version is a SemVer 2.0.0 string; snapshots look like
	// "1.2.3-SNAPSHOT.abc1234".
	Version = "dev"
	Commit  = "unknown"
	// Date is the build timestamp in RFC3339 format.
	Date = "unknown"
)

// ApplicationName is the canonical name of this application.
const ApplicationName = "pitx"

// Info contains structured version information.
type Info struct {
	Version   string `json:"version" yaml:"version"`
	Commit    string `json:"commit" yaml:"commit"`
	Date      string `json:"date" yaml:"date"`
	GoVersion string `json:"go_version" yaml:"go_version"`
	Platform  string `json:"platform" yaml:"platform"`
}

// GetInfo returns all version information.
func GetInfo() Info {
	return Info{
		Version:   Version,
		Commit:    Commit,
		Date:      Date,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
}

// LogValue implements slog.LogValuer so the build can be logged as a group.
func (i Info) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("version", i.Version),
		slog.String("commit", shortCommit(i.Commit)),
		slog.String("go", i.GoVersion),
		slog.String("platform", i.Platform),
	)
}

// String returns a human-readable version string.
func String() string {
	info := GetInfo()
	if c := shortCommit(info.Commit); c != "" {
		return fmt.Sprintf("%s version %s (commit: %s, built: %s, %s, %s)",
			ApplicationName, info.Version, c, info.Date, info.GoVersion, info.Platform)
	}
	return fmt.Sprintf("%s version %s (%s, %s)", ApplicationName, info.Version, info.GoVersion, info.Platform)
}

// Short returns the version for --version output.
func Short() string {
	if c := shortCommit(Commit); c != "" {
		return fmt.Sprintf("%s %s (%s)", ApplicationName, Version, c)
	}
	return fmt.Sprintf("%s %s", ApplicationName, Version)
}

// IsSnapshot reports a development or prerelease build.
func IsSnapshot() bool {
	return Version == "dev" || strings.Contains(Version, "-SNAPSHOT")
}

func shortCommit(c string) string {
	if c == "unknown" || len(c) < 8 {
		return ""
	}
	return c[:8]
}
