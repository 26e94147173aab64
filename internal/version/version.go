// Package version carries build metadata injected with -ldflags -X.
package version

import "fmt"

var (
	// Version is the release tag, or "dev" for local builds.
	Version = "dev"
	GitSHA  = "unknown"
	// BuildTime is the UTC build timestamp.
	BuildTime = "unknown"
)

// Build is the JSON form of the build metadata served by /api/version.
type Build struct {
	Version   string `json:"version"`
	GitSHA    string `json:"git_sha"`
	BuildTime string `json:"build_time"`
}

func Current() Build {
	return Build{Version: Version, GitSHA: GitSHA, BuildTime: BuildTime}
}

// String renders the banner printed by -version and logged at startup.
func String(program string) string {
	return fmt.Sprintf("%s %s (%s, built %s)", program, Version, GitSHA, BuildTime)
}
