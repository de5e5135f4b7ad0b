package version

// Version is the current version of the letsmeet CLI.
// This value can be overridden at build time using:
//   go build -ldflags="-X 'github.com/letsmeet-app/letsmeet/internal/version.Version=v1.0.0'"
var Version = "dev"
