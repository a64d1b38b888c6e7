package config

// Version is injected at build time via ldflags.
//
// Build with:
//   go build -ldflags "-X 'github.com/slipstream/bgdownload/internal/config.Version=1.2.3'"
var Version = "dev"
