// Package version holds build-time version info injected via ldflags.
//
//	go build -ldflags "-X github.com/NicolasHaas/gojam/pkg/version.tag=v0.3.0
//	  -X github.com/NicolasHaas/gojam/pkg/version.commit=abc1234
//	  -X github.com/NicolasHaas/gojam/pkg/version.date=2026-01-01"
package version

import "runtime"

var (
	tag    = ""
	commit = "unknown"
	date   = "unknown"
)

// Info is the build metadata reported by /health and the startup log.
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
	GoVersion string `json:"go_version"`
}

// String returns the tag, the short commit, or "dev" for local builds.
func String() string {
	if tag != "" {
		return tag
	}
	if commit != "unknown" {
		return commit
	}
	return "dev"
}

// Get returns the full build metadata.
func Get() Info {
	return Info{
		Version:   String(),
		Commit:    commit,
		BuildDate: date,
		GoVersion: runtime.Version(),
	}
}
