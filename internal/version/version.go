// Package version holds build metadata injected with -ldflags.
package version

import "fmt"

// Set at build time:
//
//	go build -ldflags "-X transferclient/internal/version.Version=v1.2.0 -X transferclient/internal/version.Commit=$(git rev-parse --short HEAD)"
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// Info returns a one-line version summary.
func Info() string {
	return fmt.Sprintf("transferctl %s (commit: %s, built: %s)", Version, Commit, Date)
}
