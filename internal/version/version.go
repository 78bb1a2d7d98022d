// Package version holds build-time version information for the relay binary.
// Release builds set the variables via -ldflags:
//
// -X github.com/ferro-labs/ai-relay/internal/version.Version=v0.1.0
// -X github.com/ferro-labs/ai-relay/internal/version.Commit=abc1234
// -X github.com/ferro-labs/ai-relay/internal/version.Date=2026-02-25T00:00:00Z
//
// Without ldflags, `go install` builds fall back to the module version and VCS
// stamp recorded in the binary's build info.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

// Variables set at link time.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// Info is the machine-readable form of the build identity.
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	Date      string `json:"date"`
	GoVersion string `json:"go_version"`
}

// Get returns the build identity, filling dev defaults from build info.
func Get() Info {
	info := Info{Version: Version, Commit: Commit, Date: Date, GoVersion: runtime.Version()}
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return info
	}
	if info.Version == "dev" && bi.Main.Version != "" && bi.Main.Version != "(devel)" {
		info.Version = bi.Main.Version
	}
	for _, s := range bi.Settings {
		switch {
		case s.Key == "vcs.revision" && info.Commit == "none":
			info.Commit = s.Value
			if len(info.Commit) > 7 {
				info.Commit = info.Commit[:7]
			}
		case s.Key == "vcs.time" && info.Date == "unknown":
			info.Date = s.Value
		}
	}
	return info
}

// String returns a single-line human-readable version string, e.g.:
//
// relay v0.1.0 (commit abc1234, built 2026-02-25T12:00:00Z, go1.24.0)
func String() string {
	i := Get()
	return fmt.Sprintf("relay %s (commit %s, built %s, %s)", i.Version, i.Commit, i.Date, i.GoVersion)
}

// Short returns just the version tag, e.g. "v0.1.0" or "dev".
func Short() string {
	return Get().Version
}
