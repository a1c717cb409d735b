// ABOUTME: Engine version constant checked against plugin min_host_version.
// ABOUTME: Overridden at build time via -ldflags for releases.

package version

// Version is the engine's semantic version.
var Version = "1.0.0"
