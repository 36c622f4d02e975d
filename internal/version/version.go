// Package version provides the application version.
package version

// Version is set at build time via ldflags:
//
//	go build -ldflags "-X github.com/shellmux/shellmux/internal/version.Version=1.2.3" ./cmd/shellmux
//
// Defaults to "dev" for local development builds.
var Version = "dev"

// String returns the version for display.
func String() string {
	return "shellmux " + Version
}
