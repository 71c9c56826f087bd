// Package version carries build identification stamped in by the linker.
package version

import "runtime"

// Set via -ldflags at release time; the defaults mark a local dev build.
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// GoVersion reports the toolchain this binary was compiled with.
func GoVersion() string { return runtime.Version() }
