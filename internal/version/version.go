// Package version holds the build version, set with
// -ldflags "-X github.com/aristath/adpilot/internal/version.Version=..."
package version

// Version is the running build
var Version = "dev"
