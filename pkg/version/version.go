// Package version exposes build metadata for the Iris binaries.
package version

import "runtime"

// All values except GoVersion are overridden at build time with
// -ldflags "-X github.com/iris-measurement/iris/pkg/version.Version=...".
var (
	// Version is the semantic version of the release.
	Version = "dev"

	// GitCommit is the commit hash the binary was built from.
	GitCommit = "unknown"

	// BuildDate is the build timestamp.
	BuildDate = "unknown"

	// GoVersion is the Go toolchain version used to build.
	GoVersion = runtime.Version()
)
