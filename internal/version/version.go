// Package version provides build version information injected via ldflags.
//
// All variables are set at build time:
//
//	-ldflags="-X github.com/seleniaproject/nyxd/internal/version.Version=v1.0.0
//	          -X github.com/seleniaproject/nyxd/internal/version.Commit=abc1234
//	          -X github.com/seleniaproject/nyxd/internal/version.BuildDate=2026-02-22T12:00:00Z"
package version

import "fmt"

// Version is the semantic version (e.g., "v1.0.0" or "dev").
var Version = "dev"

// Commit is the short git commit hash at build time.
var Commit = "unknown"

// BuildDate is the RFC 3339 build timestamp.
var BuildDate = "unknown"

// Full returns a human-readable multi-line version string.
func Full(binary string) string {
	return fmt.Sprintf("%s %s\n  commit:  %s\n  built:   %s", binary, Version, Commit, BuildDate)
}
