// Package version provides build-time version information for the OTA agent.
// Version is also the running firmware version compared against the server's
// offer when no installed version has been recorded.
package version

// Build information variables, set via ldflags at build time:
//
//	go build -ldflags "-X github.com/roundtouch/ota-agent/internal/version.Version=2.0.5 \
//	                   -X github.com/roundtouch/ota-agent/internal/version.Commit=abc123 \
//	                   -X github.com/roundtouch/ota-agent/internal/version.BuildTime=2025-01-29T12:00:00Z"
var (
	// Version is the semantic version of this build (e.g., "2.0.5").
	Version = "0.0.0"

	// Commit is the git commit hash from which the binary was built.
	Commit = "unknown"

	// BuildTime is the timestamp when the binary was built (RFC3339 format).
	BuildTime = "unknown"
)

// Info returns a formatted string with all version information.
func Info(program string) string {
	return program + " " + Version + " (commit: " + Commit + ", built: " + BuildTime + ")"
}
