// Package version reports how the postpulse binary was built.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

// Set via -ldflags "-X github.com/teranos/postpulse/version.Version=..."
var (
	CommitHash = "dev"
	BuildTime  = "unknown"
	Version    = "dev"
)

// Info contains version and build information
type Info struct {
	CommitHash string `json:"commit_hash"`
	BuildTime  string `json:"build_time"`
	Version    string `json:"version"`
	Dirty      bool   `json:"dirty,omitempty"`
	GoVersion  string `json:"go_version"`
	Platform   string `json:"platform"`
}

// Get returns the current version information. Binaries built without
// ldflags fall back to the VCS stamp the Go toolchain embeds.
func Get() Info {
	info := Info{
		CommitHash: CommitHash,
		BuildTime:  BuildTime,
		Version:    Version,
		GoVersion:  runtime.Version(),
		Platform:   runtime.GOOS + "/" + runtime.GOARCH,
	}
	if bi, ok := debug.ReadBuildInfo(); ok {
		info.applyBuildSettings(bi.Settings)
	}
	return info
}

func (i *Info) applyBuildSettings(settings []debug.BuildSetting) {
	for _, s := range settings {
		switch s.Key {
		case "vcs.revision":
			if i.CommitHash == "dev" {
				i.CommitHash = s.Value
			}
		case "vcs.time":
			if i.BuildTime == "unknown" {
				i.BuildTime = s.Value
			}
		case "vcs.modified":
			i.Dirty = s.Value == "true"
		}
	}
}

// String returns a human-readable version string
func (i Info) String() string {
	dirty := ""
	if i.Dirty {
		dirty = ", modified"
	}
	return fmt.Sprintf("postpulse %s (commit %s, built %s%s)", i.Version, i.CommitHash, i.BuildTime, dirty)
}

// Short returns the abbreviated commit hash
func (i Info) Short() string {
	if len(i.CommitHash) >= 7 {
		return i.CommitHash[:7]
	}
	return i.CommitHash
}

// UserAgent identifies postpulse to the platform API
func (i Info) UserAgent() string {
	return fmt.Sprintf("postpulse/%s (%s; %s)", i.Version, i.Short(), i.Platform)
}
