// Package versions provides version information for the appproxy binary.
package versions

import (
	"fmt"
	"runtime"
	"time"
)

const unknownStr = "unknown"

// Set at build time via ldflags.
var (
	// Version is the release version.
	Version = "dev"
	// Commit is the git commit the binary was built from.
	Commit = unknownStr
	// BuildDate is the build timestamp in RFC 3339.
	BuildDate = unknownStr
)

// VersionInfo describes the running binary.
type VersionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
}

// GetVersionInfo returns the version of the running binary. Dev builds
// without a release version are labeled by their commit.
func GetVersionInfo() VersionInfo {
	version := Version
	if version == "dev" {
		if Commit != unknownStr && len(Commit) >= 8 {
			version = "build-" + Commit[:8]
		} else {
			version = "build-" + unknownStr
		}
	}

	buildDate := BuildDate
	if ts, err := time.Parse(time.RFC3339, BuildDate); err == nil {
		buildDate = ts.UTC().Format("2006-01-02 15:04:05 UTC")
	}

	return VersionInfo{
		Version:   version,
		Commit:    Commit,
		BuildDate: buildDate,
		GoVersion: runtime.Version(),
		Platform:  fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH),
	}
}

// String renders the version info for terminal output.
func (v VersionInfo) String() string {
	return fmt.Sprintf("appproxy %s (commit %s, built %s, %s, %s)",
		v.Version, v.Commit, v.BuildDate, v.GoVersion, v.Platform)
}
