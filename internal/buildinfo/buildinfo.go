// Package buildinfo carries build-time metadata injected via ldflags.
package buildinfo

import "fmt"

// Set at build time with
//
//	-ldflags "-X .../internal/buildinfo.Version=... -X .../internal/buildinfo.BuildDate=..."
var (
	Version   = "unknown"
	BuildDate = "unknown"
)

// String formats the version for the CLI and startup logs.
func String() string {
	return fmt.Sprintf("%s (built %s)", Version, BuildDate)
}
