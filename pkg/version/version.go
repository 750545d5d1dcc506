// Package version exposes the build-time identity of the devpulse binary.
package version

// Version is the semantic version, injected via -ldflags at build time.
var Version = "dev"

// Commit is the git commit hash, injected via -ldflags at build time.
var Commit = "unknown"

// String renders "version (commit)".
func String() string {
	return Version + " (" + Commit + ")"
}
