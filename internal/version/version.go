// Package version provides build version information for YumeBox.
package version

import (
	"fmt"
	"runtime"
)

// Build-time variables injected via ldflags
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// String returns the version line printed by `yumebox version`.
func String() string {
	return fmt.Sprintf("YumeBox %s (%s) built %s", Version, GitCommit, BuildTime)
}

// Short returns just the version number.
func Short() string {
	return Version
}

// UserAgent is the default User-Agent sent when fetching subscriptions.
// Providers key their output format on the "clash.meta" token.
func UserAgent() string {
	return fmt.Sprintf("YumeBox/%s clash.meta", Version)
}

// Info contains structured version information. Core is filled in by the
// API when the proxy core is reachable.
type Info struct {
	Version   string `json:"version"`
	GitCommit string `json:"git_commit"`
	BuildTime string `json:"build_time"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
	Core      string `json:"core,omitempty"`
}

// GetInfo returns structured version information.
func GetInfo() Info {
	return Info{
		Version:   Version,
		GitCommit: GitCommit,
		BuildTime: BuildTime,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
}
